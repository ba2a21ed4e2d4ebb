package user

import (
	"cash_relay/internal/model"
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// UserRepo is the client's local identity store. Private keys stay here
	// and are never sent to the relay.
	UserRepo struct {
		collection *mongo.Collection
	}
)

func NewUserRepo(db *mongo.Database) *UserRepo {
	return &UserRepo{
		collection: db.Collection("users"),
	}
}

// GetByName returns nil, nil when no user has that name.
func (r *UserRepo) GetByName(ctx context.Context, name string) (*model.User, error) {
	var user model.User
	err := r.collection.FindOne(ctx, bson.M{"name": name}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// LoadOrCreate returns the stored identity for name, inserting one with the
// key from newKey if none exists. newKey is only called on a miss. Two
// clients racing on the same name converge on whichever insert won.
func (r *UserRepo) LoadOrCreate(ctx context.Context, name string, newKey func() ([]byte, error)) (*model.User, error) {
	user, err := r.GetByName(ctx, name)
	if err != nil || user != nil {
		return user, err
	}

	priv, err := newKey()
	if err != nil {
		return nil, err
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	update := bson.M{
		"$setOnInsert": bson.M{"name": name, "private_key": priv},
	}

	var stored model.User
	err = r.collection.FindOneAndUpdate(ctx, bson.M{"name": name}, update, opts).Decode(&stored)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}
