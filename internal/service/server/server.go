package server

import (
	"cash_relay/internal/config"
	"cash_relay/internal/metrics"
	"cash_relay/internal/model"
	"cash_relay/internal/utils/log"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type (
	ProfileStore interface {
		GetByName(ctx context.Context, name string) (*model.Profile, error)
		Register(ctx context.Context, p *model.Profile) error
	}

	MessageStore interface {
		PutMessage(ctx context.Context, msg *model.Message) error
		GetMessages(ctx context.Context, destination []byte, start, end int64) ([]*model.Message, error)
	}

	HttpServer struct {
		cfg      config.ServerConfig
		profiles ProfileStore
		messages MessageStore
		hub      *hub
		metrics  *metrics.Metrics
		now      func() time.Time
	}
)

func NewHttpServer(cfg config.ServerConfig, profiles ProfileStore, messages MessageStore, m *metrics.Metrics) *HttpServer {
	return &HttpServer{
		cfg:      cfg,
		profiles: profiles,
		messages: messages,
		hub:      newHub(m),
		metrics:  m,
		now:      time.Now,
	}
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	route := func(path string, h http.Handler, method string) {
		r.Handle(path, s.metrics.InstrumentHandler(path, h)).Methods(method)
	}

	route("/keys", s.RegisterProfile(), http.MethodPost)
	route("/keys/{name}", s.GetProfile(), http.MethodGet)
	route("/messages", s.PutMessage(), http.MethodPost)
	route("/messages/{pubkey}", s.GetMessages(), http.MethodGet)
	route("/payloads/{pubkey}", s.GetPayloads(), http.MethodGet)
	route("/ws", s.HandleWS(), http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.hub.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
