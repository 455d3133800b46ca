// Package live serves a session over HTTP: a websocket stream of samples
// for plotting clients, the session health report and Prometheus metrics.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"github.com/JustinD-T/Quantum-Subradience/internal/app/bus"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

type Config struct {
	Addr string
	Path string
	// MaxRateHz caps the samples per second sent to one client. Samples over
	// the cap are skipped; the stream is for display, not for recording.
	MaxRateHz float64
	Buffer    int
}

func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "/stream"
	}
	if c.MaxRateHz <= 0 {
		c.MaxRateHz = 200
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
}

// Source is where clients get their subscriptions from.
type Source interface {
	Subscribe(capacity int, policy bus.Policy, opts ...bus.SubOption) *bus.Subscription
	Unsubscribe(sub *bus.Subscription)
	Stats() bus.Stats
}

// HealthFunc returns the current health report and whether the service
// should be considered up.
type HealthFunc func() (report any, up bool)

type Server struct {
	cfg      Config
	src      Source
	health   HealthFunc
	gatherer prometheus.Gatherer
	log      logr.Logger
	upgrader websocket.Upgrader
	clients  atomic.Int64
}

type Option func(*Server)

func WithHealth(fn HealthFunc) Option {
	return func(s *Server) { s.health = fn }
}

// WithGatherer selects the registry served on /metrics. The default is the
// global Prometheus registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

func WithLogger(l logr.Logger) Option {
	return func(s *Server) { s.log = l }
}

func New(cfg Config, src Source, opts ...Option) *Server {
	cfg.ApplyDefaults()
	s := &Server{
		cfg:      cfg,
		src:      src,
		gatherer: prometheus.DefaultGatherer,
		log:      logr.Discard(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Clients is the number of connected stream clients.
func (s *Server) Clients() int { return int(s.clients.Load()) }

// Handler serves the stream, /healthz, /stats and /metrics. It accepts
// HTTP/2 without TLS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveStream)
	mux.HandleFunc("/healthz", s.serveHealth)
	mux.HandleFunc("/stats", s.serveStats)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return h2c.NewHandler(mux, &http2.Server{})
}

// Serve listens on cfg.Addr until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("live server listening", "addr", s.cfg.Addr, "stream", s.cfg.Path)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	report, up := s.health()
	code := http.StatusOK
	if !up {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) serveStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Stats())
}

// serveStream upgrades to a websocket and sends samples as JSON text
// messages. ?instrument=a,b restricts the stream to those instruments.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.V(1).Info("websocket upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}
	defer conn.Close()

	var only map[string]bool
	if q := r.URL.Query().Get("instrument"); q != "" {
		only = make(map[string]bool)
		for _, id := range strings.Split(q, ",") {
			only[strings.TrimSpace(id)] = true
		}
	}

	sub := s.src.Subscribe(s.cfg.Buffer, bus.DropOldest, bus.WithName("live "+r.RemoteAddr))
	defer s.src.Unsubscribe(sub)
	s.clients.Add(1)
	defer s.clients.Add(-1)
	log := s.log.WithValues("remote", r.RemoteAddr)
	log.Info("stream client connected")

	// the read loop only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MaxRateHz), max(1, int(s.cfg.MaxRateHz)))
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	var skipped uint64
	for {
		select {
		case <-gone:
			log.Info("stream client disconnected", "skipped", skipped)
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case smp, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped"),
					time.Now().Add(time.Second))
				return
			}
			if only != nil && !only[smp.InstrumentID] {
				continue
			}
			if !limiter.Allow() {
				skipped++
				continue
			}
			data, err := json.Marshal(smp)
			if err != nil {
				skipped++
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.V(1).Info("stream write failed", "error", err.Error())
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
