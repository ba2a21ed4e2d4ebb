package model

type (
	// EncryptionScheme selects how the serialized Payload is carried in Message.Payload.
	EncryptionScheme int32

	// Header is a name/value pair attached to an Entry.
	Header struct {
		Name  string
		Value string
	}

	// Entry is a single application-defined item inside a Payload.
	Entry struct {
		Kind    string
		Headers []*Header
		Body    []byte
	}

	// Payload is the plaintext content of a Message. It is never transmitted
	// directly; Message.Payload carries its serialization (encrypted or not).
	Payload struct {
		Timestamp int64 // sender supplied, unauthenticated
		Entries   []*Entry
	}

	Message struct {
		SourcePublicKey      []byte
		DestinationPublicKey []byte
		ReceivedTime         int64 // set by the relay, not authenticated
		PayloadDigest        []byte
		Stamp                *Stamp
		Scheme               EncryptionScheme
		Salt                 []byte
		PayloadHMAC          []byte
		PayloadSize          uint64
		Payload              []byte
	}
)

const (
	EncryptionSchemeNone        EncryptionScheme = 0
	EncryptionSchemeEphemeralDH EncryptionScheme = 1
)

func (s EncryptionScheme) String() string {
	switch s {
	case EncryptionSchemeNone:
		return "none"
	case EncryptionSchemeEphemeralDH:
		return "ephemeral-dh"
	default:
		return "unknown"
	}
}
