package model

import "go.mongodb.org/mongo-driver/bson/primitive"

type (
	// Profile is a directory entry mapping a name to a compressed public key.
	Profile struct {
		Name      string `json:"name" bson:"name"`
		PublicKey []byte `json:"public_key" bson:"public_key"`
	}

	// User is the client's local identity. The private key never leaves the
	// client's own store.
	User struct {
		ID         primitive.ObjectID `bson:"_id,omitempty"`
		Name       string             `bson:"name"`
		PrivateKey []byte             `bson:"private_key"`
	}
)
