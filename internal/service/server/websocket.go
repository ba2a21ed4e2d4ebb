package server

import (
	"cash_relay/internal/codec"
	"cash_relay/internal/metrics"
	"cash_relay/internal/utils/log"
	"context"
	"encoding/hex"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

type (
	// conn serializes writes; gorilla connections allow one writer at a time.
	conn struct {
		ws *websocket.Conn
		mu sync.Mutex
	}

	// hub maps hex destination keys to their live connection.
	hub struct {
		mu      sync.RWMutex
		conns   map[string]*conn
		metrics *metrics.Metrics
	}
)

func newHub(m *metrics.Metrics) *hub {
	return &hub{
		conns:   make(map[string]*conn),
		metrics: m,
	}
}

func (c *conn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (h *hub) connected(key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[key]
	return ok
}

// register makes ws the connection for key. An older connection for the
// same key is closed; the newest client always wins.
func (h *hub) register(key string, ws *websocket.Conn) *conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &conn{ws: ws}
	if old, ok := h.conns[key]; ok {
		old.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced by a newer connection"),
			time.Now().Add(writeWait))
		old.ws.Close()
	} else {
		h.metrics.ConnectionOpened()
	}
	h.conns[key] = c
	return c
}

func (h *hub) unregister(key string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conns[key] == c {
		delete(h.conns, key)
		h.metrics.ConnectionClosed()
	}
	c.ws.Close()
}

// push reports whether a connection for key took the frame.
func (h *hub) push(key string, data []byte) bool {
	h.mu.RLock()
	c, ok := h.conns[key]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	if err := c.write(data); err != nil {
		log.Debug("push failed", zap.String("pubkey", key), zap.Error(err))
		h.unregister(key, c)
		return false
	}
	return true
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, c := range h.conns {
		c.ws.Close()
		delete(h.conns, key)
		h.metrics.ConnectionClosed()
	}
}

// HandleWS upgrades GET /ws?pubkey=<hex>[&since=<ms>]. Messages stored after
// since are forwarded first; later ones are pushed as they arrive. Binary
// frames sent by the client are accepted like POST /messages.
//
// The relay does not check that the caller owns pubkey. Pushed messages are
// end-to-end encrypted, so a foreign subscriber only learns metadata.
func (s *HttpServer) HandleWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		pubkey, err := parsePubKey(q.Get("pubkey"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		key := hex.EncodeToString(pubkey)

		var since int64
		if v := q.Get("since"); v != "" {
			if since, err = strconv.ParseInt(v, 10, 64); err != nil {
				http.Error(w, "invalid since", http.StatusBadRequest)
				return
			}
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		c := s.hub.register(key, ws)

		if since > 0 {
			if err := s.forwardSince(r.Context(), pubkey, c, since); err != nil {
				log.Error("forward stored messages failed", zap.String("pubkey", key), zap.Error(err))
			}
		}

		go s.processWSMessage(key, c)
	}
}

func (s *HttpServer) forwardSince(ctx context.Context, pubkey []byte, c *conn, since int64) error {
	msgs, err := s.messages.GetMessages(ctx, pubkey, since+1, 0)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		if err := c.write(codec.MarshalMessage(m)); err != nil {
			return err
		}
	}
	return nil
}

func (s *HttpServer) processWSMessage(key string, c *conn) {
	defer s.hub.unregister(key, c)

	c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Debug("web socket closed", zap.String("pubkey", key), zap.Error(err))
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}

		msg, err := codec.UnmarshalMessage(data)
		if err != nil {
			s.metrics.MessageRejected("schema")
			log.Debug("unmarshal message failed", zap.Error(err))
			continue
		}

		if _, err := s.accept(context.Background(), msg); err != nil {
			rej := classify(err)
			s.metrics.MessageRejected(rej.reason)
			log.Warn("websocket message rejected", zap.String("reason", rej.reason), zap.Error(rej.err))
		}
	}
}
