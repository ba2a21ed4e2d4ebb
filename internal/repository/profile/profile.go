package profile

import (
	"cash_relay/internal/model"
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrNameTaken = errors.New("name already registered to another key")

type (
	// ProfileRepo is the relay's public key directory.
	ProfileRepo struct {
		collection *mongo.Collection
	}
)

func NewProfileRepo(db *mongo.Database) *ProfileRepo {
	return &ProfileRepo{
		collection: db.Collection("profiles"),
	}
}

// EnsureIndexes makes names unique.
func (r *ProfileRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// GetByName returns nil, nil when no profile has that name.
func (r *ProfileRepo) GetByName(ctx context.Context, name string) (*model.Profile, error) {
	var p model.Profile
	err := r.collection.FindOne(ctx, bson.M{"name": name}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Register binds name to the profile's key. Registering the same pair again
// is a no-op; a different key for an existing name is ErrNameTaken.
func (r *ProfileRepo) Register(ctx context.Context, p *model.Profile) error {
	existing, err := r.GetByName(ctx, p.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		if string(existing.PublicKey) != string(p.PublicKey) {
			return fmt.Errorf("%w: %s", ErrNameTaken, p.Name)
		}
		return nil
	}

	_, err = r.collection.InsertOne(ctx, p)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", ErrNameTaken, p.Name)
	}
	return err
}
