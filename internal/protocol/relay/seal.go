package relay

import (
	"crypto/rand"
	"fmt"

	"cash_relay/internal/codec"
	"cash_relay/internal/cryptographic/dh"
	"cash_relay/internal/cryptographic/encryption"
	"cash_relay/internal/cryptographic/mac"
	"cash_relay/internal/model"
	"cash_relay/internal/protocol/stamp"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// SaltSize is the length of a generated salt.
const SaltSize = 32

type (
	// StampFunder is the wallet side of stamping: given the commitment key it
	// returns transaction outputs paying to it.
	StampFunder interface {
		FundStamp(commitment *secp256k1.PublicKey) ([]*model.StampOutpoints, error)
	}

	StampFunderFunc func(commitment *secp256k1.PublicKey) ([]*model.StampOutpoints, error)

	StampRequest struct {
		Type   model.StampType
		Funder StampFunder
	}

	SealRequest struct {
		Source      *dh.KeyPair
		Destination *secp256k1.PublicKey
		Payload     *model.Payload
		// Salt defaults to SaltSize random bytes.
		Salt   []byte
		Scheme model.EncryptionScheme
		// Stamp is optional.
		Stamp *StampRequest
	}
)

func (f StampFunderFunc) FundStamp(commitment *secp256k1.PublicKey) ([]*model.StampOutpoints, error) {
	return f(commitment)
}

// Seal serializes, encrypts, authenticates and optionally stamps a payload.
func Seal(req *SealRequest) (*model.Message, error) {
	if req.Source == nil || req.Source.Private == nil {
		return nil, fmt.Errorf("%w: missing source key pair", ErrInvalidKey)
	}
	if req.Destination == nil || !req.Destination.IsOnCurve() {
		return nil, fmt.Errorf("%w: destination not on curve", ErrInvalidKey)
	}
	if req.Payload == nil {
		return nil, fmt.Errorf("%w: payload", ErrMissingField)
	}

	switch req.Scheme {
	case model.EncryptionSchemeNone, model.EncryptionSchemeEphemeralDH:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedScheme, req.Scheme)
	}

	stampType := model.StampTypeNone
	if req.Stamp != nil {
		switch req.Stamp.Type {
		case model.StampTypeNone:
		case model.StampTypeMessageCommitment:
			if req.Stamp.Funder == nil {
				return nil, fmt.Errorf("%w: stamp funder", ErrMissingField)
			}
		default:
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedStampType, req.Stamp.Type)
		}
		stampType = req.Stamp.Type
	}

	salt := req.Salt
	if len(salt) == 0 {
		salt = make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("rand.Read salt: %w", err)
		}
	}

	digest, raw := codec.PayloadDigest(req.Payload)

	point, err := dh.SharedPoint(req.Source.Private, req.Destination)
	if err != nil {
		return nil, err
	}
	defer dh.Zero(point)

	var payload []byte
	switch req.Scheme {
	case model.EncryptionSchemeNone:
		payload = raw
	case model.EncryptionSchemeEphemeralDH:
		key := dh.SharedKey(point)
		iv := encryption.DeriveIV(salt, point)
		payload, err = encryption.EncryptCBC(key, iv, raw)
		dh.Zero(key, iv, raw)
		if err != nil {
			return nil, err
		}
	}

	msg := &model.Message{
		SourcePublicKey:      req.Source.Private.PubKey().SerializeCompressed(),
		DestinationPublicKey: req.Destination.SerializeCompressed(),
		PayloadDigest:        digest[:],
		Scheme:               req.Scheme,
		Salt:                 salt,
		PayloadHMAC:          mac.Compute(point, salt, digest[:]),
		Payload:              payload,
	}

	if stampType == model.StampTypeMessageCommitment {
		commitment, err := stamp.CommitmentKey(req.Destination, payload)
		if err != nil {
			return nil, err
		}

		outpoints, err := req.Stamp.Funder.FundStamp(commitment)
		if err != nil {
			return nil, fmt.Errorf("fund stamp: %w", err)
		}

		s := &model.Stamp{StampType: stampType, StampOutpoints: outpoints}
		if _, err := stamp.Verify(s, req.Destination, payload); err != nil {
			return nil, fmt.Errorf("funded stamp: %w", err)
		}
		msg.Stamp = s
	}

	return msg, nil
}
