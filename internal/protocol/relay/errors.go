package relay

import (
	"errors"
	"fmt"

	"cash_relay/internal/codec"
	"cash_relay/internal/cryptographic/dh"
	"cash_relay/internal/cryptographic/encryption"
	"cash_relay/internal/protocol/stamp"
)

var (
	ErrInvalidKey           = dh.ErrInvalidKey
	ErrUnsupportedScheme    = errors.New("unsupported encryption scheme")
	ErrUnsupportedStampType = stamp.ErrUnsupportedStampType
	ErrMissingField         = errors.New("missing field")
	ErrMalformedField       = errors.New("malformed field")
	ErrDecryption           = encryption.ErrDecryption
	ErrDigestMismatch       = errors.New("digest mismatch")
	ErrMalformedTransaction = stamp.ErrMalformedTransaction
	ErrInvalidOutpoint      = stamp.ErrInvalidOutpoint
	ErrStampMismatch        = stamp.ErrStampMismatch
	ErrSchema               = codec.ErrSchema

	// ErrAuthenticationFailure never says whether the key or the data was
	// wrong. Decryption and digest failures also match it.
	ErrAuthenticationFailure = errors.New("authentication failed")
)

func unauthenticated(cause error) error {
	return fmt.Errorf("%w: %w", ErrAuthenticationFailure, cause)
}
