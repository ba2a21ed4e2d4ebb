package model

type (
	// MessagePage is a time-bounded slice of a relay inbox.
	MessagePage struct {
		Messages    []*Message
		StartTime   int64
		EndTime     int64
		StartDigest []byte
		EndDigest   []byte
	}

	// PayloadPage is a MessagePage reduced to the raw payloads.
	PayloadPage struct {
		Payloads    [][]byte
		StartTime   int64
		EndTime     int64
		StartDigest []byte
		EndDigest   []byte
	}
)

func (p *MessagePage) PayloadPage() *PayloadPage {
	payloads := make([][]byte, 0, len(p.Messages))
	for _, m := range p.Messages {
		payloads = append(payloads, m.Payload)
	}

	return &PayloadPage{
		Payloads:    payloads,
		StartTime:   p.StartTime,
		EndTime:     p.EndTime,
		StartDigest: p.StartDigest,
		EndDigest:   p.EndDigest,
	}
}
