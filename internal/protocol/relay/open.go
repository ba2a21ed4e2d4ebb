package relay

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"cash_relay/internal/codec"
	"cash_relay/internal/cryptographic/dh"
	"cash_relay/internal/cryptographic/encryption"
	"cash_relay/internal/cryptographic/mac"
	"cash_relay/internal/model"
	"cash_relay/internal/protocol/stamp"

	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var emptyDigest = sha256.Sum256(nil)

type (
	// ParsedMessage is a Message that passed the structural checks.
	ParsedMessage struct {
		Message       *model.Message
		Source        *secp256k1.PublicKey
		Destination   *secp256k1.PublicKey
		PayloadDigest [sha256.Size]byte
	}

	// Opened is the result of a successful Open.
	Opened struct {
		Payload *model.Payload
		// Transactions are the decoded stamp transactions, if any.
		Transactions []*wire.MsgTx
		// StampErr is ErrStampMismatch when a stamp was claimed but no output
		// pays to the commitment. It does not affect authenticity.
		StampErr error
	}
)

// Digest returns the payload digest. For scheme None it is recomputed from
// the payload when absent and checked against it when both are present.
func Digest(msg *model.Message) ([sha256.Size]byte, error) {
	var digest [sha256.Size]byte

	switch len(msg.PayloadDigest) {
	case 0:
		if len(msg.Payload) == 0 {
			return digest, fmt.Errorf("%w: payload and payload_digest both absent", ErrMissingField)
		}
		if msg.Scheme != model.EncryptionSchemeNone {
			return digest, fmt.Errorf("%w: payload_digest required for encrypted payloads", ErrMissingField)
		}
		return sha256.Sum256(msg.Payload), nil
	case sha256.Size:
		copy(digest[:], msg.PayloadDigest)
		if msg.Scheme == model.EncryptionSchemeNone && len(msg.Payload) != 0 {
			computed := sha256.Sum256(msg.Payload)
			if subtle.ConstantTimeCompare(computed[:], digest[:]) != 1 {
				return digest, unauthenticated(ErrDigestMismatch)
			}
		}
		return digest, nil
	default:
		return digest, fmt.Errorf("%w: payload_digest length %d", ErrMalformedField, len(msg.PayloadDigest))
	}
}

// Parse performs the structural checks that precede any cryptographic work.
func Parse(msg *model.Message) (*ParsedMessage, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message", ErrMissingField)
	}

	source, err := dh.ParsePublicKey(msg.SourcePublicKey)
	if err != nil {
		return nil, fmt.Errorf("source public key: %w", err)
	}
	destination, err := dh.ParsePublicKey(msg.DestinationPublicKey)
	if err != nil {
		return nil, fmt.Errorf("destination public key: %w", err)
	}

	switch msg.Scheme {
	case model.EncryptionSchemeNone, model.EncryptionSchemeEphemeralDH:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedScheme, msg.Scheme)
	}

	if msg.Stamp != nil {
		switch msg.Stamp.StampType {
		case model.StampTypeNone, model.StampTypeMessageCommitment:
		default:
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedStampType, msg.Stamp.StampType)
		}
	}

	if len(msg.Salt) == 0 {
		return nil, fmt.Errorf("%w: salt", ErrMissingField)
	}
	if len(msg.PayloadHMAC) == 0 {
		return nil, fmt.Errorf("%w: payload_hmac", ErrMissingField)
	}
	if len(msg.PayloadHMAC) != mac.Size {
		return nil, fmt.Errorf("%w: payload_hmac length %d", ErrMalformedField, len(msg.PayloadHMAC))
	}

	digest, err := Digest(msg)
	if err != nil {
		return nil, err
	}

	return &ParsedMessage{
		Message:       msg,
		Source:        source,
		Destination:   destination,
		PayloadDigest: digest,
	}, nil
}

// Open parses msg and opens it with the local key pair.
func Open(msg *model.Message, kp *dh.KeyPair) (*Opened, error) {
	p, err := Parse(msg)
	if err != nil {
		return nil, err
	}
	return p.Open(kp)
}

// HasPayload reports whether the message carries its payload. Under scheme
// None an empty Payload serializes to zero bytes, so an absent payload whose
// digest is SHA256("") is that empty payload rather than a stripped one.
func (p *ParsedMessage) HasPayload() bool {
	if len(p.Message.Payload) != 0 {
		return true
	}
	return p.Message.Scheme == model.EncryptionSchemeNone && p.PayloadDigest == emptyDigest
}

// VerifyStamp checks the stamp against the transmitted payload bytes. A
// missing stamp or a None stamp passes.
func (p *ParsedMessage) VerifyStamp() ([]*wire.MsgTx, error) {
	s := p.Message.Stamp
	if s == nil || s.StampType == model.StampTypeNone {
		return nil, nil
	}
	if !p.HasPayload() {
		return nil, fmt.Errorf("%w: payload required to verify stamp", ErrMissingField)
	}
	return stamp.Verify(s, p.Destination, p.Message.Payload)
}

// Authenticate verifies payload_hmac without touching the payload, so it
// also works on stripped messages.
func (p *ParsedMessage) Authenticate(kp *dh.KeyPair) error {
	point, err := p.sharedPoint(kp)
	if err != nil {
		return err
	}
	defer dh.Zero(point)

	return p.authenticate(point)
}

// Open runs stamp verification, authentication, decryption and decoding in
// that order. No plaintext is returned unless the HMAC and the digest both
// match.
func (p *ParsedMessage) Open(kp *dh.KeyPair) (*Opened, error) {
	if !p.HasPayload() {
		return nil, fmt.Errorf("%w: payload", ErrMissingField)
	}

	opened := &Opened{}
	txs, err := p.VerifyStamp()
	switch {
	case errors.Is(err, ErrStampMismatch):
		opened.StampErr = err
	case err != nil:
		return nil, fmt.Errorf("stamp: %w", err)
	}
	opened.Transactions = txs

	point, err := p.sharedPoint(kp)
	if err != nil {
		return nil, err
	}
	defer dh.Zero(point)

	if err := p.authenticate(point); err != nil {
		return nil, err
	}

	raw := p.Message.Payload
	switch p.Message.Scheme {
	case model.EncryptionSchemeNone:
	case model.EncryptionSchemeEphemeralDH:
		key := dh.SharedKey(point)
		iv := encryption.DeriveIV(p.Message.Salt, point)
		raw, err = encryption.DecryptCBC(key, iv, p.Message.Payload)
		dh.Zero(key, iv)
		if err != nil {
			return nil, unauthenticated(err)
		}
		defer dh.Zero(raw)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedScheme, p.Message.Scheme)
	}

	digest := sha256.Sum256(raw)
	if subtle.ConstantTimeCompare(digest[:], p.PayloadDigest[:]) != 1 {
		return nil, unauthenticated(ErrDigestMismatch)
	}

	payload, err := codec.UnmarshalPayload(raw)
	if err != nil {
		return nil, err
	}
	opened.Payload = payload
	return opened, nil
}

// sharedPoint picks the counterparty so that either party can open the
// message with its own key pair.
func (p *ParsedMessage) sharedPoint(kp *dh.KeyPair) ([]byte, error) {
	if kp == nil || kp.Private == nil {
		return nil, fmt.Errorf("%w: missing local key pair", ErrInvalidKey)
	}

	public := kp.Public
	if public == nil {
		public = kp.Private.PubKey()
	}

	counterparty := p.Source
	if public.IsEqual(p.Source) {
		counterparty = p.Destination
	}
	return dh.SharedPoint(kp.Private, counterparty)
}

func (p *ParsedMessage) authenticate(point []byte) error {
	expected := mac.Compute(point, p.Message.Salt, p.PayloadDigest[:])
	defer dh.Zero(expected)

	if !mac.Verify(p.Message.PayloadHMAC, expected) {
		return ErrAuthenticationFailure
	}
	return nil
}

// Strip returns a copy of msg without its payload, as a relay may serve it.
// The digest is kept (computed first if needed) and payload_size records the
// removed length.
func Strip(msg *model.Message) (*model.Message, error) {
	digest, err := Digest(msg)
	if err != nil {
		return nil, err
	}

	stripped := *msg
	stripped.PayloadDigest = digest[:]
	if len(msg.Payload) != 0 {
		stripped.PayloadSize = uint64(len(msg.Payload))
	}
	stripped.Payload = nil
	return &stripped, nil
}
