// Package bitcoin adapts btcd's transaction and script types to the
// handful of operations stamp verification needs.
package bitcoin

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // address hashing is defined over RIPEMD-160
)

var (
	ErrMalformedTransaction = errors.New("malformed transaction")
	ErrInvalidOutpoint      = errors.New("invalid outpoint")
	ErrUnsupportedOutput    = errors.New("unsupported output type")
)

// OutputType is a locking script template.
type OutputType int

const (
	OutputTypeUnknown OutputType = iota
	OutputTypeP2PKH
	OutputTypeP2PK
)

func (t OutputType) String() string {
	switch t {
	case OutputTypeP2PKH:
		return "p2pkh"
	case OutputTypeP2PK:
		return "p2pk"
	default:
		return "unknown"
	}
}

// ParseTransaction decodes a legacy (non-witness) serialized transaction.
// Trailing bytes are rejected.
func ParseTransaction(raw []byte) (*wire.MsgTx, error) {
	r := bytes.NewReader(raw)
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.DeserializeNoWitness(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedTransaction, r.Len())
	}
	return tx, nil
}

// SerializeTransaction is the inverse of ParseTransaction.
func SerializeTransaction(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSizeStripped())
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Output(tx *wire.MsgTx, vout uint32) (*wire.TxOut, error) {
	if int64(vout) >= int64(len(tx.TxOut)) {
		return nil, fmt.Errorf("%w: vout %d of %d outputs", ErrInvalidOutpoint, vout, len(tx.TxOut))
	}
	return tx.TxOut[vout], nil
}

func ClassifyScript(script []byte) OutputType {
	switch txscript.GetScriptClass(script) {
	case txscript.PubKeyHashTy:
		return OutputTypeP2PKH
	case txscript.PubKeyTy:
		return OutputTypeP2PK
	default:
		return OutputTypeUnknown
	}
}

// ScriptForPubKey builds the locking script paying to pub.
func ScriptForPubKey(pub *secp256k1.PublicKey, t OutputType) ([]byte, error) {
	serialized := pub.SerializeCompressed()

	switch t {
	case OutputTypeP2PKH:
		return txscript.NewScriptBuilder().
			AddOp(txscript.OP_DUP).
			AddOp(txscript.OP_HASH160).
			AddData(Hash160(serialized)).
			AddOp(txscript.OP_EQUALVERIFY).
			AddOp(txscript.OP_CHECKSIG).
			Script()
	case OutputTypeP2PK:
		return txscript.NewScriptBuilder().
			AddData(serialized).
			AddOp(txscript.OP_CHECKSIG).
			Script()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOutput, t)
	}
}

// Hash160 is RIPEMD160(SHA256(b)).
func Hash160(b []byte) []byte {
	sum := sha256.Sum256(b)
	h := ripemd160.New()
	h.Write(sum[:])
	return h.Sum(nil)
}
