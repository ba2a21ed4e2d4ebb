// Package codec implements the field-tagged binary encoding of the relay
// entities. Field numbers are fixed for interoperability; zero values are
// omitted and unknown fields are skipped, as in proto3.
package codec

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"cash_relay/internal/model"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrSchema is returned when bytes do not decode as the requested entity.
var ErrSchema = errors.New("schema error")

func MarshalHeader(h *model.Header) []byte {
	return appendHeader(nil, h)
}

func UnmarshalHeader(b []byte) (*model.Header, error) {
	h := &model.Header{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			h.Name = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			h.Value = v
			return n, nil
		}
		return skip, nil
	})
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

func MarshalEntry(e *model.Entry) []byte {
	return appendEntry(nil, e)
}

func UnmarshalEntry(b []byte) (*model.Entry, error) {
	e := &model.Entry{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.Kind = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			h, err := UnmarshalHeader(v)
			if err != nil {
				return 0, err
			}
			e.Headers = append(e.Headers, h)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			e.Body = bytes.Clone(v)
			return n, nil
		}
		return skip, nil
	})
	if err != nil {
		return nil, fmt.Errorf("entry: %w", err)
	}
	return e, nil
}

func MarshalPayload(p *model.Payload) []byte {
	var b []byte
	b = appendInt64(b, 1, p.Timestamp)
	for _, e := range p.Entries {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, appendEntry(nil, e))
	}
	return b
}

func UnmarshalPayload(b []byte) (*model.Payload, error) {
	p := &model.Payload{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Timestamp = int64(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			e, err := UnmarshalEntry(v)
			if err != nil {
				return 0, err
			}
			p.Entries = append(p.Entries, e)
			return n, nil
		}
		return skip, nil
	})
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return p, nil
}

// PayloadDigest serializes p and returns its SHA-256 digest together with
// the serialization.
func PayloadDigest(p *model.Payload) ([32]byte, []byte) {
	raw := MarshalPayload(p)
	return sha256.Sum256(raw), raw
}

func MarshalStampOutpoints(o *model.StampOutpoints) []byte {
	return appendStampOutpoints(nil, o)
}

func UnmarshalStampOutpoints(b []byte) (*model.StampOutpoints, error) {
	o := &model.StampOutpoints{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			o.StampTx = bytes.Clone(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			// packed
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			for len(v) > 0 {
				x, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return m, nil
				}
				o.Vouts = append(o.Vouts, uint32(x))
				v = v[m:]
			}
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			o.Vouts = append(o.Vouts, uint32(x))
			return n, nil
		}
		return skip, nil
	})
	if err != nil {
		return nil, fmt.Errorf("stamp outpoints: %w", err)
	}
	return o, nil
}

func MarshalStamp(s *model.Stamp) []byte {
	return appendStamp(nil, s)
}

func UnmarshalStamp(b []byte) (*model.Stamp, error) {
	s := &model.Stamp{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.StampType = model.StampType(int32(v))
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			o, err := UnmarshalStampOutpoints(v)
			if err != nil {
				return 0, err
			}
			s.StampOutpoints = append(s.StampOutpoints, o)
			return n, nil
		}
		return skip, nil
	})
	if err != nil {
		return nil, fmt.Errorf("stamp: %w", err)
	}
	return s, nil
}

func MarshalMessage(m *model.Message) []byte {
	return appendMessage(nil, m)
}

func UnmarshalMessage(b []byte) (*model.Message, error) {
	m := &model.Message{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case 3:
				m.ReceivedTime = int64(v)
			case 6:
				m.Scheme = model.EncryptionScheme(int32(v))
			case 9:
				m.PayloadSize = v
			default:
				return skip, nil
			}
			return n, nil
		}
		if typ != protowire.BytesType {
			return skip, nil
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			m.SourcePublicKey = bytes.Clone(v)
		case 2:
			m.DestinationPublicKey = bytes.Clone(v)
		case 4:
			m.PayloadDigest = bytes.Clone(v)
		case 5:
			s, err := UnmarshalStamp(v)
			if err != nil {
				return 0, err
			}
			m.Stamp = s
		case 7:
			m.Salt = bytes.Clone(v)
		case 8:
			m.PayloadHMAC = bytes.Clone(v)
		case 10:
			m.Payload = bytes.Clone(v)
		default:
			return skip, nil
		}
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	return m, nil
}

func MarshalMessagePage(p *model.MessagePage) []byte {
	var b []byte
	for _, m := range p.Messages {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, appendMessage(nil, m))
	}
	b = appendInt64(b, 2, p.StartTime)
	b = appendInt64(b, 3, p.EndTime)
	b = appendBytes(b, 4, p.StartDigest)
	b = appendBytes(b, 5, p.EndDigest)
	return b
}

func UnmarshalMessagePage(b []byte) (*model.MessagePage, error) {
	p := &model.MessagePage{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			m, err := UnmarshalMessage(v)
			if err != nil {
				return 0, err
			}
			p.Messages = append(p.Messages, m)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.StartTime = int64(v)
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.EndTime = int64(v)
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			p.StartDigest = bytes.Clone(v)
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			p.EndDigest = bytes.Clone(v)
			return n, nil
		}
		return skip, nil
	})
	if err != nil {
		return nil, fmt.Errorf("message page: %w", err)
	}
	return p, nil
}

func MarshalPayloadPage(p *model.PayloadPage) []byte {
	var b []byte
	for _, payload := range p.Payloads {
		// repeated bytes keep empty elements
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	b = appendInt64(b, 2, p.StartTime)
	b = appendInt64(b, 3, p.EndTime)
	b = appendBytes(b, 4, p.StartDigest)
	b = appendBytes(b, 5, p.EndDigest)
	return b
}

func UnmarshalPayloadPage(b []byte) (*model.PayloadPage, error) {
	p := &model.PayloadPage{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			p.Payloads = append(p.Payloads, bytes.Clone(v))
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.StartTime = int64(v)
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.EndTime = int64(v)
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			p.StartDigest = bytes.Clone(v)
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			p.EndDigest = bytes.Clone(v)
			return n, nil
		}
		return skip, nil
	})
	if err != nil {
		return nil, fmt.Errorf("payload page: %w", err)
	}
	return p, nil
}

func appendHeader(b []byte, h *model.Header) []byte {
	b = appendString(b, 1, h.Name)
	b = appendString(b, 2, h.Value)
	return b
}

func appendEntry(b []byte, e *model.Entry) []byte {
	b = appendString(b, 1, e.Kind)
	for _, h := range e.Headers {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, appendHeader(nil, h))
	}
	b = appendBytes(b, 3, e.Body)
	return b
}

func appendStampOutpoints(b []byte, o *model.StampOutpoints) []byte {
	b = appendBytes(b, 1, o.StampTx)
	if len(o.Vouts) > 0 {
		var packed []byte
		for _, v := range o.Vouts {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func appendStamp(b []byte, s *model.Stamp) []byte {
	b = appendInt64(b, 1, int64(s.StampType))
	for _, o := range s.StampOutpoints {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, appendStampOutpoints(nil, o))
	}
	return b
}

func appendMessage(b []byte, m *model.Message) []byte {
	b = appendBytes(b, 1, m.SourcePublicKey)
	b = appendBytes(b, 2, m.DestinationPublicKey)
	b = appendInt64(b, 3, m.ReceivedTime)
	b = appendBytes(b, 4, m.PayloadDigest)
	if m.Stamp != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, appendStamp(nil, m.Stamp))
	}
	b = appendInt64(b, 6, int64(m.Scheme))
	b = appendBytes(b, 7, m.Salt)
	b = appendBytes(b, 8, m.PayloadHMAC)
	if m.PayloadSize != 0 {
		b = protowire.AppendTag(b, 9, protowire.VarintType)
		b = protowire.AppendVarint(b, m.PayloadSize)
	}
	b = appendBytes(b, 10, m.Payload)
	return b
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// Negative int64 and enum values are encoded as 10-byte two's complement
// varints.
func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// skip tells decodeFields to consume the field as unknown.
const skip = -1 << 30

type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrSchema, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == skip {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrSchema, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
