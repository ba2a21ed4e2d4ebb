// Package stamp binds transaction outputs to a message by paying them to a
// public key tweaked with the message ciphertext.
//
//	chain_code = SHA256(ciphertext) mod n
//	commitment = destination + chain_code*G
//
// Anyone holding the destination public key and the ciphertext can compute
// the commitment; only the destination private key holder can spend it.
package stamp

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"cash_relay/internal/bitcoin"
	"cash_relay/internal/cryptographic/dh"
	"cash_relay/internal/model"

	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	// ErrStampMismatch means no claimed output pays to the commitment key.
	ErrStampMismatch = errors.New("stamp mismatch")

	ErrUnsupportedStampType = errors.New("unsupported stamp type")

	ErrMalformedTransaction = bitcoin.ErrMalformedTransaction
	ErrInvalidOutpoint      = bitcoin.ErrInvalidOutpoint
)

// ChainCode reduces SHA256(ciphertext) modulo the curve order.
func ChainCode(ciphertext []byte) *secp256k1.ModNScalar {
	sum := sha256.Sum256(ciphertext)
	var s secp256k1.ModNScalar
	s.SetBytes(&sum)
	return &s
}

// CommitmentKey derives destination + ChainCode(ciphertext)*G.
func CommitmentKey(destination *secp256k1.PublicKey, ciphertext []byte) (*secp256k1.PublicKey, error) {
	if destination == nil || !destination.IsOnCurve() {
		return nil, fmt.Errorf("%w: destination not on curve", dh.ErrInvalidKey)
	}

	var tweak, base, sum secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(ChainCode(ciphertext), &tweak)
	destination.AsJacobian(&base)
	secp256k1.AddNonConst(&base, &tweak, &sum)

	return dh.PointToPublicKey(&sum)
}

// CommitmentPrivateKey derives destination + ChainCode(ciphertext) mod n,
// the key that spends outputs paid to CommitmentKey.
func CommitmentPrivateKey(destination *secp256k1.PrivateKey, ciphertext []byte) (*secp256k1.PrivateKey, error) {
	var k secp256k1.ModNScalar
	k.Set(&destination.Key).Add(ChainCode(ciphertext))
	if k.IsZero() {
		return nil, fmt.Errorf("%w: degenerate commitment key", dh.ErrInvalidKey)
	}
	return secp256k1.NewPrivateKey(&k), nil
}

// Verify checks that at least one claimed output across all entries pays to
// the commitment key for (destination, ciphertext). Structural problems with
// any entry (undecodable transaction, vout out of range) fail the whole
// stamp. Verify returns the decoded transactions.
//
// Confirmation depth, spend status and output value are not checked.
func Verify(s *model.Stamp, destination *secp256k1.PublicKey, ciphertext []byte) ([]*wire.MsgTx, error) {
	if s == nil {
		return nil, nil
	}

	switch s.StampType {
	case model.StampTypeNone:
		return nil, nil
	case model.StampTypeMessageCommitment:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedStampType, s.StampType)
	}

	commitment, err := CommitmentKey(destination, ciphertext)
	if err != nil {
		return nil, err
	}

	scripts := make(map[bitcoin.OutputType][]byte, 2)
	expected := func(t bitcoin.OutputType) ([]byte, error) {
		if script, ok := scripts[t]; ok {
			return script, nil
		}
		script, err := bitcoin.ScriptForPubKey(commitment, t)
		if err != nil {
			return nil, err
		}
		scripts[t] = script
		return script, nil
	}

	txs := make([]*wire.MsgTx, 0, len(s.StampOutpoints))
	matched := false
	for i, outpoints := range s.StampOutpoints {
		tx, err := bitcoin.ParseTransaction(outpoints.StampTx)
		if err != nil {
			return nil, fmt.Errorf("stamp outpoints %d: %w", i, err)
		}

		for _, vout := range outpoints.Vouts {
			out, err := bitcoin.Output(tx, vout)
			if err != nil {
				return nil, fmt.Errorf("stamp outpoints %d: %w", i, err)
			}

			t := bitcoin.ClassifyScript(out.PkScript)
			if t == bitcoin.OutputTypeUnknown {
				continue
			}
			script, err := expected(t)
			if err != nil {
				return nil, err
			}
			if string(script) == string(out.PkScript) {
				matched = true
			}
		}

		txs = append(txs, tx)
	}

	if !matched {
		return txs, ErrStampMismatch
	}
	return txs, nil
}

// NewOutpoints builds the StampOutpoints entry claiming vouts of tx.
func NewOutpoints(tx *wire.MsgTx, vouts ...uint32) (*model.StampOutpoints, error) {
	raw, err := bitcoin.SerializeTransaction(tx)
	if err != nil {
		return nil, err
	}
	return &model.StampOutpoints{StampTx: raw, Vouts: vouts}, nil
}
