package app

import (
	"cash_relay/internal/cryptographic/dh"
	"context"
)

// loadIdentity returns the local key pair for username, creating and
// storing one on first use.
func (c *App) loadIdentity(ctx context.Context, username string) (*dh.KeyPair, error) {
	user, err := c.userRepo.LoadOrCreate(ctx, username, func() ([]byte, error) {
		kp, err := dh.NewKeyPair()
		if err != nil {
			return nil, err
		}
		return kp.Private.Serialize(), nil
	})
	if err != nil {
		return nil, err
	}

	return dh.KeyPairFromBytes(user.PrivateKey)
}
