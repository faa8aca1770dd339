// Package server exposes a Synchronizer over HTTP.
//
// Peers join by upgrading GET /sync to a websocket. The server drives the
// frame loop: every FrameInterval it applies what the peers sent, applies
// the local transport buffers and sends the forwarded batch to every peer.
// Operational endpoints report status, serve Prometheus metrics and manage
// stored recordings.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vango-dev/scenesync/pkg/bufmess"
	"github.com/vango-dev/scenesync/pkg/record"
	"github.com/vango-dev/scenesync/pkg/syncer"
	"github.com/vango-dev/scenesync/pkg/telemetry"
)

// Server serves one Synchronizer.
type Server struct {
	config    *Config
	sync      *syncer.Synchronizer
	transport *bufmess.Transport
	store     record.Store
	recorder  *record.Recorder
	metrics   *telemetry.Metrics
	logger    *slog.Logger

	trustedProxies *proxyMatcher
	router         chi.Router
	stats          counters

	// tickMu serializes frames between the loop and explicit Tick calls.
	tickMu sync.Mutex

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithTransport sets the local buffered transport whose forwarded buffers
// are sent to peers every frame.
func WithTransport(t *bufmess.Transport) Option {
	return func(s *Server) { s.transport = t }
}

// WithStore enables the recordings endpoints.
func WithStore(store record.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithRecorder lets POST /recordings save the running capture.
func WithRecorder(r *record.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a Server for sy. A nil config uses DefaultConfig.
func New(sy *syncer.Synchronizer, config *Config, opts ...Option) *Server {
	if config == nil {
		config = DefaultConfig()
	} else {
		config = config.Clone()
		config.fillDefaults()
	}

	s := &Server{
		config: config,
		sync:   sy,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	s.trustedProxies = newProxyMatcher(config.TrustedProxies, s.logger)
	s.stats.startedAt = time.Now()
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/sync", s.handleSync)
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	if s.store != nil {
		r.Route("/recordings", func(r chi.Router) {
			r.Get("/", s.handleListRecordings)
			if s.recorder != nil {
				r.Post("/", s.handleSaveRecording)
			}
			r.Get("/{id}", s.handleGetRecording)
			r.Delete("/{id}", s.handleDeleteRecording)
		})
	}
	return r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Synchronizer returns the served synchronizer.
func (s *Server) Synchronizer() *syncer.Synchronizer {
	return s.sync
}

// Config returns a copy of the server configuration.
func (s *Server) Config() *Config {
	return s.config.Clone()
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	return s.stats.snapshot()
}

// Tick runs one frame: apply what peers sent, apply the local transport
// and send the forwarded batch to every peer. Send failures are retried by
// the synchronizer on the next frame and are not returned.
func (s *Server) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	st, err := s.sync.Load(ctx)
	s.stats.packets.Add(int64(st.Packets))
	s.stats.dropped.Add(int64(st.Rejected))
	if err != nil {
		return err
	}

	if s.transport != nil {
		lt, err := s.transport.Load(ctx)
		s.stats.packets.Add(int64(lt.Packets))
		s.stats.dropped.Add(int64(lt.Rejected))
		if err != nil {
			return err
		}
		err = s.sync.Pump(ctx, s.transport)
		s.stats.frames.Add(1)
		return s.sendResult(err)
	}

	err = s.sync.Sync(ctx, nil)
	s.stats.frames.Add(1)
	return s.sendResult(err)
}

func (s *Server) sendResult(err error) error {
	if errors.Is(err, syncer.ErrSendFailed) {
		s.stats.sendFailures.Add(1)
		s.logger.Debug("frame partially sent", "error", err)
		return nil
	}
	return err
}

func (s *Server) loop(ctx context.Context) {
	ticker := time.NewTicker(s.config.FrameInterval)
	defer ticker.Stop()

	var pings <-chan time.Time
	if s.config.PingInterval > 0 {
		pt := time.NewTicker(s.config.PingInterval)
		defer pt.Stop()
		pings = pt.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("frame failed", "error", err)
			}
		case <-pings:
			if err := s.sync.Ping(ctx); err != nil {
				s.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

// Run listens on the configured address and drives the frame loop until ctx
// is done, SIGINT or SIGTERM arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", s.config.Address, "host", s.sync.Host())
		errCh <- s.httpServer.ListenAndServe()
	}()

	loopCtx, cancelLoop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.loop(loopCtx)
	}()
	defer func() {
		cancelLoop()
		<-done
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown says goodbye to every peer and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.sync.Close(ctx); err != nil {
		s.logger.Warn("closing peers", "error", err)
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.logger.Info("server shutdown complete")
	return nil
}
