package relay

import (
	"errors"
	"testing"

	"cash_relay/internal/bitcoin"
	"cash_relay/internal/codec"
	"cash_relay/internal/cryptographic/dh"
	"cash_relay/internal/model"
	"cash_relay/internal/protocol/stamp"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func keyPair(t *testing.T) *dh.KeyPair {
	t.Helper()
	kp, err := dh.NewKeyPair()
	require.NoError(t, err)
	return kp
}

func textPayload(text string) *model.Payload {
	return &model.Payload{
		Timestamp: 1700000000123,
		Entries: []*model.Entry{
			{
				Kind:    "text-utf8",
				Headers: []*model.Header{{Name: "subject", Value: "hi"}},
				Body:    []byte(text),
			},
		},
	}
}

func seal(t *testing.T, src, dst *dh.KeyPair, scheme model.EncryptionScheme) *model.Message {
	t.Helper()
	msg, err := Seal(&SealRequest{
		Source:      src,
		Destination: dst.Public,
		Payload:     textPayload("hello bob"),
		Scheme:      scheme,
	})
	require.NoError(t, err)
	return msg
}

// funder pays the commitment with one P2PKH output next to an unrelated one.
func funder(t *testing.T) StampFunderFunc {
	return func(commitment *secp256k1.PublicKey) ([]*model.StampOutpoints, error) {
		script, err := bitcoin.ScriptForPubKey(commitment, bitcoin.OutputTypeP2PKH)
		require.NoError(t, err)

		tx := wire.NewMsgTx(wire.TxVersion)
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{0x02}, 1), nil, nil))
		tx.AddTxOut(wire.NewTxOut(1000, []byte{0x6a}))
		tx.AddTxOut(wire.NewTxOut(5000, script))

		o, err := stamp.NewOutpoints(tx, 0, 1)
		if err != nil {
			return nil, err
		}
		return []*model.StampOutpoints{o}, nil
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)

	rapid.Check(t, func(rt *rapid.T) {
		payload := &model.Payload{Timestamp: rapid.Int64().Draw(rt, "timestamp")}
		n := rapid.IntRange(0, 3).Draw(rt, "entries")
		for i := 0; i < n; i++ {
			payload.Entries = append(payload.Entries, &model.Entry{
				Kind: rapid.String().Draw(rt, "kind"),
				Body: rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(rt, "body"),
			})
		}
		salt := rapid.SliceOfN(rapid.Byte(), 1, 48).Draw(rt, "salt")
		scheme := rapid.SampledFrom([]model.EncryptionScheme{
			model.EncryptionSchemeNone,
			model.EncryptionSchemeEphemeralDH,
		}).Draw(rt, "scheme")

		msg, err := Seal(&SealRequest{
			Source:      alice,
			Destination: bob.Public,
			Payload:     payload,
			Salt:        salt,
			Scheme:      scheme,
		})
		if err != nil {
			rt.Fatalf("Seal: %v", err)
		}

		opened, err := Open(msg, bob)
		if err != nil {
			rt.Fatalf("Open: %v", err)
		}

		want, _ := codec.PayloadDigest(payload)
		got, _ := codec.PayloadDigest(opened.Payload)
		if want != got {
			rt.Fatalf("digest mismatch after round trip")
		}
		if string(msg.PayloadDigest) != string(want[:]) {
			rt.Fatalf("payload_digest does not cover the plaintext serialization")
		}
	})
}

func TestSealEncryptsPayload(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)

	msg := seal(t, alice, bob, model.EncryptionSchemeEphemeralDH)
	_, raw := codec.PayloadDigest(textPayload("hello bob"))
	assert.NotEqual(t, raw, msg.Payload)
	assert.Len(t, msg.Salt, SaltSize)
	assert.Len(t, msg.PayloadHMAC, 32)
	assert.Equal(t, alice.PublicBytes(), msg.SourcePublicKey)
	assert.Equal(t, bob.PublicBytes(), msg.DestinationPublicKey)

	plain := seal(t, alice, bob, model.EncryptionSchemeNone)
	assert.Equal(t, raw, plain.Payload)
}

func TestSaltVariesTag(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)

	a := seal(t, alice, bob, model.EncryptionSchemeEphemeralDH)
	b := seal(t, alice, bob, model.EncryptionSchemeEphemeralDH)
	assert.Equal(t, a.PayloadDigest, b.PayloadDigest)
	assert.NotEqual(t, a.PayloadHMAC, b.PayloadHMAC)
	assert.NotEqual(t, a.Payload, b.Payload)
}

func TestSenderCanOpenOwnMessage(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)

	msg := seal(t, alice, bob, model.EncryptionSchemeEphemeralDH)
	opened, err := Open(msg, alice)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello bob"), opened.Payload.Entries[0].Body)
}

func TestTamperEvidence(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)

	for _, scheme := range []model.EncryptionScheme{model.EncryptionSchemeNone, model.EncryptionSchemeEphemeralDH} {
		t.Run(scheme.String(), func(t *testing.T) {
			msg := seal(t, alice, bob, scheme)

			for i := 0; i < len(msg.Payload); i++ {
				tampered := *msg
				tampered.Payload = append([]byte{}, msg.Payload...)
				tampered.Payload[i] ^= 0x01

				opened, err := Open(&tampered, bob)
				assert.Nil(t, opened)
				assert.ErrorIs(t, err, ErrAuthenticationFailure, "byte %d", i)
			}

			for i := 0; i < len(msg.PayloadHMAC); i++ {
				tampered := *msg
				tampered.PayloadHMAC = append([]byte{}, msg.PayloadHMAC...)
				tampered.PayloadHMAC[i] ^= 0x80

				opened, err := Open(&tampered, bob)
				assert.Nil(t, opened)
				assert.ErrorIs(t, err, ErrAuthenticationFailure, "byte %d", i)
			}

			tampered := *msg
			tampered.Salt = append([]byte{0x00}, msg.Salt...)
			_, err := Open(&tampered, bob)
			assert.ErrorIs(t, err, ErrAuthenticationFailure)
		})
	}
}

func TestTamperedCiphertextReportsDigestOrDecryption(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)
	msg := seal(t, alice, bob, model.EncryptionSchemeEphemeralDH)

	tampered := *msg
	tampered.Payload = append([]byte{}, msg.Payload...)
	tampered.Payload[0] ^= 0x01 // garbles block 0, flips a bit in block 1

	_, err := Open(&tampered, bob)
	require.ErrorIs(t, err, ErrAuthenticationFailure)
	assert.True(t, errors.Is(err, ErrDigestMismatch) || errors.Is(err, ErrDecryption))
}

func TestWrongKeyRejection(t *testing.T) {
	alice, bob, eve := keyPair(t), keyPair(t), keyPair(t)

	msg := seal(t, alice, bob, model.EncryptionSchemeEphemeralDH)
	opened, err := Open(msg, eve)
	assert.Nil(t, opened)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
	assert.NotErrorIs(t, err, ErrDecryption)
	assert.NotErrorIs(t, err, ErrDigestMismatch)
}

func TestMissingFieldPolicy(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)
	msg := seal(t, alice, bob, model.EncryptionSchemeEphemeralDH)

	t.Run("payload and digest absent", func(t *testing.T) {
		m := *msg
		m.Payload = nil
		m.PayloadDigest = nil
		_, err := Parse(&m)
		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("encrypted payload without digest", func(t *testing.T) {
		m := *msg
		m.PayloadDigest = nil
		_, err := Parse(&m)
		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("salt absent", func(t *testing.T) {
		m := *msg
		m.Salt = nil
		_, err := Parse(&m)
		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("hmac absent", func(t *testing.T) {
		m := *msg
		m.PayloadHMAC = nil
		_, err := Parse(&m)
		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("stripped message cannot be opened", func(t *testing.T) {
		stripped, err := Strip(msg)
		require.NoError(t, err)
		_, err = Open(stripped, bob)
		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("digest wrong length", func(t *testing.T) {
		m := *msg
		m.PayloadDigest = msg.PayloadDigest[:31]
		_, err := Parse(&m)
		assert.ErrorIs(t, err, ErrMalformedField)
	})
}

func TestParseRejectsInvalidKeysAndEnums(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)
	msg := seal(t, alice, bob, model.EncryptionSchemeEphemeralDH)

	m := *msg
	m.SourcePublicKey = alice.Public.SerializeUncompressed()
	_, err := Parse(&m)
	assert.ErrorIs(t, err, ErrInvalidKey)

	m = *msg
	m.DestinationPublicKey = []byte{0x02}
	_, err = Parse(&m)
	assert.ErrorIs(t, err, ErrInvalidKey)

	m = *msg
	m.Scheme = 9
	_, err = Parse(&m)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	m = *msg
	m.Stamp = &model.Stamp{StampType: 4}
	_, err = Parse(&m)
	assert.ErrorIs(t, err, ErrUnsupportedStampType)
}

func TestSealRejectsUnknownEnums(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)

	_, err := Seal(&SealRequest{Source: alice, Destination: bob.Public, Payload: textPayload("x"), Scheme: 2})
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = Seal(&SealRequest{
		Source:      alice,
		Destination: bob.Public,
		Payload:     textPayload("x"),
		Stamp:       &StampRequest{Type: 3},
	})
	assert.ErrorIs(t, err, ErrUnsupportedStampType)

	_, err = Seal(&SealRequest{
		Source:      alice,
		Destination: bob.Public,
		Payload:     textPayload("x"),
		Stamp:       &StampRequest{Type: model.StampTypeMessageCommitment},
	})
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestAuthenticateStrippedMessage(t *testing.T) {
	alice, bob, eve := keyPair(t), keyPair(t), keyPair(t)
	msg := seal(t, alice, bob, model.EncryptionSchemeEphemeralDH)

	stripped, err := Strip(msg)
	require.NoError(t, err)
	assert.Nil(t, stripped.Payload)
	assert.Equal(t, uint64(len(msg.Payload)), stripped.PayloadSize)
	assert.NotNil(t, msg.Payload)

	p, err := Parse(stripped)
	require.NoError(t, err)
	assert.NoError(t, p.Authenticate(bob))
	assert.ErrorIs(t, p.Authenticate(eve), ErrAuthenticationFailure)
}

func TestStampedMessage(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)

	msg, err := Seal(&SealRequest{
		Source:      alice,
		Destination: bob.Public,
		Payload:     textPayload("paid message"),
		Scheme:      model.EncryptionSchemeEphemeralDH,
		Stamp:       &StampRequest{Type: model.StampTypeMessageCommitment, Funder: funder(t)},
	})
	require.NoError(t, err)
	require.NotNil(t, msg.Stamp)

	opened, err := Open(msg, bob)
	require.NoError(t, err)
	assert.NoError(t, opened.StampErr)
	assert.Len(t, opened.Transactions, 1)

	// The destination can derive the key that spends the stamp output.
	priv, err := stamp.CommitmentPrivateKey(bob.Private, msg.Payload)
	require.NoError(t, err)
	commitment, err := stamp.CommitmentKey(bob.Public, msg.Payload)
	require.NoError(t, err)
	assert.True(t, priv.PubKey().IsEqual(commitment))
}

func TestStampMismatchDoesNotInvalidateMessage(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)

	msg, err := Seal(&SealRequest{
		Source:      alice,
		Destination: bob.Public,
		Payload:     textPayload("paid message"),
		Scheme:      model.EncryptionSchemeEphemeralDH,
		Stamp:       &StampRequest{Type: model.StampTypeMessageCommitment, Funder: funder(t)},
	})
	require.NoError(t, err)

	// claim only the unrelated OP_RETURN output
	outpoints := *msg.Stamp.StampOutpoints[0]
	outpoints.Vouts = []uint32{0}
	m := *msg
	m.Stamp = &model.Stamp{
		StampType:      model.StampTypeMessageCommitment,
		StampOutpoints: []*model.StampOutpoints{&outpoints},
	}

	opened, err := Open(&m, bob)
	require.NoError(t, err)
	assert.ErrorIs(t, opened.StampErr, ErrStampMismatch)
	assert.Equal(t, []byte("paid message"), opened.Payload.Entries[0].Body)

	outpoints.Vouts = []uint32{5}
	_, err = Open(&m, bob)
	assert.ErrorIs(t, err, ErrInvalidOutpoint)
}

func TestSealRejectsUnfundedStamp(t *testing.T) {
	alice, bob, eve := keyPair(t), keyPair(t), keyPair(t)

	wrong := StampFunderFunc(func(*secp256k1.PublicKey) ([]*model.StampOutpoints, error) {
		return funder(t)(eve.Public)
	})

	_, err := Seal(&SealRequest{
		Source:      alice,
		Destination: bob.Public,
		Payload:     textPayload("x"),
		Scheme:      model.EncryptionSchemeEphemeralDH,
		Stamp:       &StampRequest{Type: model.StampTypeMessageCommitment, Funder: wrong},
	})
	assert.ErrorIs(t, err, ErrStampMismatch)
}

func TestDigest(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)
	msg := seal(t, alice, bob, model.EncryptionSchemeNone)

	m := *msg
	m.PayloadDigest = nil
	d, err := Digest(&m)
	require.NoError(t, err)
	assert.Equal(t, msg.PayloadDigest, d[:])

	m = *msg
	m.PayloadDigest = make([]byte, 32)
	_, err = Digest(&m)
	assert.ErrorIs(t, err, ErrDigestMismatch)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestWireRoundTripThenOpen(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)
	msg := seal(t, alice, bob, model.EncryptionSchemeEphemeralDH)

	decoded, err := codec.UnmarshalMessage(codec.MarshalMessage(msg))
	require.NoError(t, err)

	decoded.ReceivedTime = 1234 // relays may set this
	opened, err := Open(decoded, bob)
	require.NoError(t, err)
	assert.Equal(t, "hi", opened.Payload.Entries[0].Headers[0].Value)
}

func TestEmptyPayloadRoundTrip(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)

	for _, scheme := range []model.EncryptionScheme{model.EncryptionSchemeNone, model.EncryptionSchemeEphemeralDH} {
		t.Run(scheme.String(), func(t *testing.T) {
			msg, err := Seal(&SealRequest{
				Source:      alice,
				Destination: bob.Public,
				Payload:     &model.Payload{},
				Scheme:      scheme,
			})
			require.NoError(t, err)

			opened, err := Open(msg, bob)
			require.NoError(t, err)
			assert.Zero(t, opened.Payload.Timestamp)
			assert.Empty(t, opened.Payload.Entries)

			decoded, err := codec.UnmarshalMessage(codec.MarshalMessage(msg))
			require.NoError(t, err)
			_, err = Open(decoded, bob)
			require.NoError(t, err)
		})
	}
}

func TestEmptyPayloadDigestMustMatch(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)
	msg := seal(t, alice, bob, model.EncryptionSchemeNone)

	// without its payload this is a stripped message, not an empty one
	stripped, err := Strip(msg)
	require.NoError(t, err)
	_, err = Open(stripped, bob)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestSealDerivesSourcePublicKey(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)
	privateOnly := &dh.KeyPair{Private: alice.Private}

	msg, err := Seal(&SealRequest{
		Source:      privateOnly,
		Destination: bob.Public,
		Payload:     textPayload("no public half"),
		Scheme:      model.EncryptionSchemeEphemeralDH,
	})
	require.NoError(t, err)
	assert.Equal(t, alice.PublicBytes(), msg.SourcePublicKey)

	_, err = Open(msg, bob)
	require.NoError(t, err)

	// the sender can still open it with a private-only key pair
	opened, err := Open(msg, privateOnly)
	require.NoError(t, err)
	assert.Equal(t, []byte("no public half"), opened.Payload.Entries[0].Body)
}

func TestParseRejectsWrongLengthHMAC(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)
	msg := seal(t, alice, bob, model.EncryptionSchemeEphemeralDH)

	for _, n := range []int{1, 31, 33, 64} {
		m := *msg
		m.PayloadHMAC = make([]byte, n)
		_, err := Parse(&m)
		assert.ErrorIs(t, err, ErrMalformedField, "length %d", n)
	}
}
