package server

import (
	"bytes"
	"cash_relay/internal/codec"
	"cash_relay/internal/cryptographic/dh"
	"cash_relay/internal/model"
	"cash_relay/internal/protocol/relay"
	"cash_relay/internal/utils/log"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const protobufContentType = "application/x-protobuf"

type (
	// rejection is an error the relay reports to the sender.
	rejection struct {
		status int
		reason string
		err    error
	}
)

func (r *rejection) Error() string {
	return fmt.Sprintf("%s: %v", r.reason, r.err)
}

func (r *rejection) Unwrap() error {
	return r.err
}

// classify maps validation errors to a status code and a metrics reason.
func classify(err error) *rejection {
	var rej *rejection
	if errors.As(err, &rej) {
		return rej
	}

	switch {
	case errors.Is(err, relay.ErrSchema):
		return &rejection{http.StatusBadRequest, "schema", err}
	case errors.Is(err, relay.ErrInvalidKey):
		return &rejection{http.StatusBadRequest, "invalid_key", err}
	case errors.Is(err, relay.ErrUnsupportedScheme), errors.Is(err, relay.ErrUnsupportedStampType):
		return &rejection{http.StatusBadRequest, "unsupported", err}
	case errors.Is(err, relay.ErrMissingField), errors.Is(err, relay.ErrMalformedField):
		return &rejection{http.StatusBadRequest, "malformed", err}
	case errors.Is(err, relay.ErrAuthenticationFailure):
		return &rejection{http.StatusBadRequest, "digest_mismatch", err}
	case errors.Is(err, relay.ErrMalformedTransaction), errors.Is(err, relay.ErrInvalidOutpoint):
		return &rejection{http.StatusBadRequest, "stamp_invalid", err}
	case errors.Is(err, relay.ErrStampMismatch):
		return &rejection{http.StatusPaymentRequired, "stamp_mismatch", err}
	default:
		return &rejection{http.StatusInternalServerError, "internal", err}
	}
}

func stampResult(s *model.Stamp, err error) string {
	switch {
	case s == nil || s.StampType == model.StampTypeNone:
		return "none"
	case err == nil:
		return "valid"
	case errors.Is(err, relay.ErrStampMismatch):
		return "mismatch"
	default:
		return "invalid"
	}
}

// accept validates, timestamps, stores and pushes an inbound message. The
// relay cannot authenticate the message; it only checks structure, the
// scheme None digest and the stamp.
func (s *HttpServer) accept(ctx context.Context, msg *model.Message) (*relay.ParsedMessage, error) {
	p, err := relay.Parse(msg)
	if err != nil {
		return nil, classify(err)
	}
	if !p.HasPayload() {
		return nil, classify(fmt.Errorf("%w: payload", relay.ErrMissingField))
	}

	_, err = p.VerifyStamp()
	s.metrics.StampResult(stampResult(msg.Stamp, err))
	switch {
	case err == nil:
		if s.cfg.RequireStamp && stampResult(msg.Stamp, nil) == "none" {
			return nil, &rejection{http.StatusPaymentRequired, "stamp_required", relay.ErrStampMismatch}
		}
	case errors.Is(err, relay.ErrStampMismatch):
		if s.cfg.RequireStamp {
			return nil, classify(err)
		}
		log.Debug("accepting message with unpaid stamp", zap.Error(err))
	default:
		return nil, classify(err)
	}

	msg.ReceivedTime = s.now().UnixMilli()
	msg.PayloadDigest = bytes.Clone(p.PayloadDigest[:])
	msg.PayloadSize = uint64(len(msg.Payload))

	if err := s.messages.PutMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	s.metrics.MessageAccepted()

	if s.hub.push(hex.EncodeToString(msg.DestinationPublicKey), codec.MarshalMessage(msg)) {
		s.metrics.MessagePushed()
	}
	return p, nil
}

func (s *HttpServer) PutMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxMessageSize))
		if err != nil {
			s.reject(w, &rejection{http.StatusRequestEntityTooLarge, "too_large", err})
			return
		}

		msg, err := codec.UnmarshalMessage(data)
		if err != nil {
			s.reject(w, classify(err))
			return
		}

		p, err := s.accept(r.Context(), msg)
		if err != nil {
			s.reject(w, classify(err))
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(p.PayloadDigest[:])
	}
}

func (s *HttpServer) reject(w http.ResponseWriter, rej *rejection) {
	s.metrics.MessageRejected(rej.reason)
	if rej.status >= http.StatusInternalServerError {
		log.Error("put message failed", zap.Error(rej.err))
		http.Error(w, "put message failed", rej.status)
		return
	}

	log.Debug("message rejected", zap.String("reason", rej.reason), zap.Error(rej.err))
	http.Error(w, rej.Error(), rej.status)
}

func (s *HttpServer) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := s.loadPage(w, r)
		if !ok {
			return
		}

		digestOnly, err := parseBool(r.URL.Query().Get("digest_only"))
		if err != nil {
			http.Error(w, "invalid digest_only", http.StatusBadRequest)
			return
		}
		if digestOnly {
			for i, m := range page.Messages {
				if page.Messages[i], err = relay.Strip(m); err != nil {
					log.Error("strip message failed", zap.Error(err))
					http.Error(w, "get messages failed", http.StatusInternalServerError)
					return
				}
			}
		}

		writeProtobuf(w, codec.MarshalMessagePage(page))
	}
}

func (s *HttpServer) GetPayloads() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := s.loadPage(w, r)
		if !ok {
			return
		}
		writeProtobuf(w, codec.MarshalPayloadPage(page.PayloadPage()))
	}
}

func (s *HttpServer) loadPage(w http.ResponseWriter, r *http.Request) (*model.MessagePage, bool) {
	pubkey, err := parsePubKey(mux.Vars(r)["pubkey"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	start, end, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	msgs, err := s.messages.GetMessages(r.Context(), pubkey, start, end)
	if err != nil {
		log.Error("get messages failed", zap.Error(err))
		http.Error(w, "get messages failed", http.StatusInternalServerError)
		return nil, false
	}

	return messagePage(msgs, start, end), true
}

// messagePage bounds the page by its first and last messages, falling back
// to the requested window when empty.
func messagePage(msgs []*model.Message, start, end int64) *model.MessagePage {
	page := &model.MessagePage{
		Messages:  msgs,
		StartTime: start,
		EndTime:   end,
	}
	if len(msgs) == 0 {
		return page
	}

	first, last := msgs[0], msgs[len(msgs)-1]
	page.StartTime = first.ReceivedTime
	page.EndTime = last.ReceivedTime
	page.StartDigest = first.PayloadDigest
	page.EndDigest = last.PayloadDigest
	return page
}

// parsePubKey decodes a hex compressed public key.
func parsePubKey(s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", relay.ErrInvalidKey)
	}
	if _, err := dh.ParsePublicKey(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func parseRange(r *http.Request) (start, end int64, err error) {
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		if start, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("invalid start: %q", v)
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("invalid end: %q", v)
		}
	}
	if end > 0 && end < start {
		return 0, 0, fmt.Errorf("end %d before start %d", end, start)
	}
	return start, end, nil
}

func parseBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func writeProtobuf(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", protobufContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
