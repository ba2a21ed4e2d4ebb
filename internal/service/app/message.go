package app

import (
	"cash_relay/internal/model"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const kindText = "text-utf8"

func newTextPayload(text string, now time.Time) *model.Payload {
	return &model.Payload{
		Timestamp: now.UnixMilli(),
		Entries: []*model.Entry{
			{Kind: kindText, Body: []byte(text)},
		},
	}
}

// payloadText renders text entries verbatim and summarizes the rest.
func payloadText(p *model.Payload) string {
	parts := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e.Kind == kindText && utf8.Valid(e.Body) {
			parts = append(parts, string(e.Body))
			continue
		}
		parts = append(parts, fmt.Sprintf("<%s, %d bytes>", e.Kind, len(e.Body)))
	}
	return strings.Join(parts, " ")
}

func shortKey(pub []byte) string {
	s := hex.EncodeToString(pub)
	if len(s) > 12 {
		return s[:12] + "…"
	}
	return s
}
