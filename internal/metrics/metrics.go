package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type (
	// Metrics holds the relay collectors. A nil *Metrics is valid and records
	// nothing.
	Metrics struct {
		gatherer prometheus.Gatherer

		httpRequests *prometheus.CounterVec
		httpDuration *prometheus.HistogramVec
		httpInFlight prometheus.Gauge

		redisCmdDuration *prometheus.HistogramVec
		redisCmdErrors   *prometheus.CounterVec

		messagesAccepted prometheus.Counter
		messagesRejected *prometheus.CounterVec
		stampResults     *prometheus.CounterVec
		pushed           prometheus.Counter
		connections      prometheus.Gauge
	}

	responseWriter struct {
		http.ResponseWriter
		status int
	}
)

// New registers the relay collectors on reg. reg is also used to serve
// /metrics when it implements prometheus.Gatherer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		httpInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight HTTP requests",
		}),

		redisCmdDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "redis_command_duration_seconds",
				Help:      "Redis command duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"cmd"},
		),
		redisCmdErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redis_command_errors_total",
				Help:      "Redis command errors",
			},
			[]string{"cmd"},
		),

		messagesAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_accepted_total",
			Help:      "Messages stored by the relay",
		}),
		messagesRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_rejected_total",
				Help:      "Messages refused by the relay",
			},
			[]string{"reason"},
		),
		stampResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stamp_verifications_total",
				Help:      "Stamp verification outcomes",
			},
			[]string{"result"},
		),
		pushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_pushed_total",
			Help:      "Messages pushed over websocket",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open websocket connections",
		}),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// InstrumentHandler records requests under route rather than the raw path,
// so path parameters do not explode label cardinality.
func (m *Metrics) InstrumentHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		start := time.Now()
		rw := &responseWriter{ResponseWriter: w}
		next.ServeHTTP(rw, r)

		status := rw.status
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) ObserveRedis(cmd string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.redisCmdDuration.WithLabelValues(cmd).Observe(time.Since(start).Seconds())
	if err != nil {
		m.redisCmdErrors.WithLabelValues(cmd).Inc()
	}
}

func (m *Metrics) MessageAccepted() {
	if m != nil {
		m.messagesAccepted.Inc()
	}
}

func (m *Metrics) MessageRejected(reason string) {
	if m != nil {
		m.messagesRejected.WithLabelValues(reason).Inc()
	}
}

// StampResult records one of "none", "valid", "mismatch" or "invalid".
func (m *Metrics) StampResult(result string) {
	if m != nil {
		m.stampResults.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) MessagePushed() {
	if m != nil {
		m.pushed.Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}
