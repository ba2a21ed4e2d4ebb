package dh

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// PublicKeySize is the length of a compressed secp256k1 public key.
const PublicKeySize = secp256k1.PubKeyBytesLenCompressed

// ErrInvalidKey is returned for malformed, off-curve or identity keys.
var ErrInvalidKey = errors.New("invalid key")

// KeyPair is a secp256k1 private scalar and its public point.
type KeyPair struct {
	Private *secp256k1.PrivateKey
	Public  *secp256k1.PublicKey
}

// Generate a new secp256k1 key pair
func NewKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PubKey()}, nil
}

// KeyPairFromBytes restores a key pair from a 32-byte big-endian scalar.
func KeyPairFromBytes(priv []byte) (*KeyPair, error) {
	if len(priv) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: private key length %d", ErrInvalidKey, len(priv))
	}

	var k secp256k1.ModNScalar
	if overflow := k.SetByteSlice(priv); overflow || k.IsZero() {
		return nil, fmt.Errorf("%w: private scalar out of range", ErrInvalidKey)
	}

	p := secp256k1.NewPrivateKey(&k)
	return &KeyPair{Private: p, Public: p.PubKey()}, nil
}

// PublicBytes returns the 33-byte compressed public key.
func (kp *KeyPair) PublicBytes() []byte {
	return kp.Public.SerializeCompressed()
}

// ParsePublicKey accepts only the 33-byte compressed encoding.
func ParsePublicKey(b []byte) (*secp256k1.PublicKey, error) {
	if len(b) != PublicKeySize {
		return nil, fmt.Errorf("%w: public key length %d, want %d", ErrInvalidKey, len(b), PublicKeySize)
	}

	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// SharedPoint computes theirPub * myPriv and returns the compressed
// serialization. The caller owns the returned buffer and should Zero it.
func SharedPoint(myPriv *secp256k1.PrivateKey, theirPub *secp256k1.PublicKey) ([]byte, error) {
	if myPriv == nil || myPriv.Key.IsZero() {
		return nil, fmt.Errorf("%w: zero private scalar", ErrInvalidKey)
	}
	if theirPub == nil || !theirPub.IsOnCurve() {
		return nil, fmt.Errorf("%w: counterparty point not on curve", ErrInvalidKey)
	}

	var point, result secp256k1.JacobianPoint
	defer func() {
		result.X.Zero()
		result.Y.Zero()
		result.Z.Zero()
	}()
	theirPub.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&myPriv.Key, &point, &result)

	if (result.X.IsZero() && result.Y.IsZero()) || result.Z.IsZero() {
		return nil, fmt.Errorf("%w: point at infinity", ErrInvalidKey)
	}
	result.ToAffine()

	// Serialized in place so no PublicKey copy of the secret point survives.
	out := make([]byte, PublicKeySize)
	out[0] = secp256k1.PubKeyFormatCompressedEven
	if result.Y.IsOdd() {
		out[0] = secp256k1.PubKeyFormatCompressedOdd
	}
	result.X.PutBytesUnchecked(out[1:])
	return out, nil
}

// PointToPublicKey converts a Jacobian point, rejecting the identity.
func PointToPublicKey(p *secp256k1.JacobianPoint) (*secp256k1.PublicKey, error) {
	if (p.X.IsZero() && p.Y.IsZero()) || p.Z.IsZero() {
		return nil, fmt.Errorf("%w: point at infinity", ErrInvalidKey)
	}
	p.ToAffine()
	return secp256k1.NewPublicKey(&p.X, &p.Y), nil
}

// SharedKey hashes the serialized shared point into the 32-byte cipher key.
func SharedKey(point []byte) []byte {
	sum := sha256.Sum256(point)
	return sum[:]
}

// Zero wipes transient key material.
func Zero(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
}
