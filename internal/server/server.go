// Package server provides the HTTP server that wires all services together.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/catalogcast/catalog-server/internal/bus"
	"github.com/catalogcast/catalog-server/internal/catalog"
	"github.com/catalogcast/catalog-server/internal/metrics"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
	"github.com/catalogcast/catalog-server/internal/pkg/middleware"
	"github.com/catalogcast/catalog-server/internal/upload"
	"github.com/catalogcast/catalog-server/internal/web"
)

// Config configures the server.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// IOAddr serves the WebSocket endpoint on its own listener. Empty
	// mounts /ws on Addr.
	IOAddr string

	// Origin is the allowed cross-origin.
	Origin string

	// Version is the application version.
	Version string

	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit int

	// MetricsPath serves Prometheus metrics when non-empty.
	MetricsPath string

	// ReadTimeout is the HTTP read timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the HTTP write timeout.
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "0.0.0.0:8080",
		Origin:       "*",
		Version:      "dev",
		MetricsPath:  "/metrics",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

// StateSource reports the broadcast bridge state for readiness.
type StateSource interface {
	State() bus.State
}

// Deps are the services the server routes to.
type Deps struct {
	Catalog *catalog.Service
	Uploads *upload.Service
	Socket  http.Handler
	Bus     StateSource
	Metrics *metrics.Metrics
	Journal *bus.Journal
}

// Server is the HTTP front end.
type Server struct {
	cfg  Config
	deps Deps
	log  *logger.Logger

	limiter  *middleware.RateLimiter
	inflight middleware.InFlight

	mu        sync.Mutex
	servers   []*http.Server
	listeners []net.Listener
	started   bool
}

// New creates a server. Nothing listens until Start.
func New(cfg Config, deps Deps, log *logger.Logger) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.WithComponent("server"),
	}
	if cfg.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RequestsPerSecond: float64(cfg.RateLimit),
			Burst:             cfg.RateLimit * 2,
			CleanupInterval:   time.Minute,
		})
	}
	return s
}

// Handler returns the main HTTP handler with the full middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	if s.cfg.IOAddr == "" && s.deps.Socket != nil {
		mux.Handle("GET /ws", s.deps.Socket)
	}
	return s.chain(mux)
}

// SocketHandler returns the handler for a dedicated WebSocket listener.
func (s *Server) SocketHandler() http.Handler {
	mux := http.NewServeMux()
	if s.deps.Socket != nil {
		mux.Handle("GET /ws", s.deps.Socket)
	}
	return s.chain(mux)
}

// chain applies recovery, rate limit, CORS, logging, metrics and in-flight
// tracking, outermost first.
func (s *Server) chain(h http.Handler) http.Handler {
	h = s.inflight.Middleware(h)
	if s.deps.Metrics != nil {
		h = metrics.HTTPMiddleware(s.deps.Metrics, h)
	}
	h = middleware.Logging(h, s.log)
	h = middleware.CORS(h, s.cfg.Origin)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return middleware.Recovery(h, s.log)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	if s.deps.Catalog != nil {
		h := &productHandler{svc: s.deps.Catalog}
		h.RegisterRoutes(mux)
		web.NewHandler(s.deps.Catalog, s.socketPath(), s.log).RegisterRoutes(mux)
	}

	if s.deps.Uploads != nil {
		h := &uploadHandler{svc: s.deps.Uploads}
		h.RegisterRoutes(mux)
	}

	if s.deps.Metrics != nil && s.cfg.MetricsPath != "" {
		mux.Handle("GET "+s.cfg.MetricsPath, s.deps.Metrics.Handler())
	}

	if s.deps.Journal != nil {
		mux.HandleFunc("GET /debug/journal", s.handleJournal)
	}
}

// socketPath is where the live page connects.
func (s *Server) socketPath() string {
	if s.cfg.IOAddr == "" {
		return "/ws"
	}
	_, port, err := net.SplitHostPort(s.cfg.IOAddr)
	if err != nil {
		return "/ws"
	}
	return ":" + port + "/ws"
}

// Start listens on the configured addresses and serves until Stop. It
// returns the first listener error.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true

	s.servers = []*http.Server{s.newHTTPServer(s.cfg.Addr, s.Handler())}
	if s.cfg.IOAddr != "" {
		s.servers = append(s.servers, s.newHTTPServer(s.cfg.IOAddr, s.SocketHandler()))
	}

	for _, srv := range s.servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range s.listeners {
				l.Close()
			}
			s.mu.Unlock()
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		s.listeners = append(s.listeners, ln)
	}
	servers, listeners := s.servers, s.listeners
	s.mu.Unlock()

	var g errgroup.Group
	for i := range servers {
		srv, ln := servers[i], listeners[i]
		s.log.Info("Starting HTTP server", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
}

// Addrs returns the bound listener addresses after Start.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Stop stops accepting requests and waits for in-flight ones, bounded by
// ctx. Hijacked WebSocket connections are not waited for.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limiter != nil {
		s.limiter.Stop()
	}
	if !s.started {
		return nil
	}

	s.log.Info("Shutting down HTTP server...", "in_flight", s.inflight.Count())

	var errs []error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}

	s.started = false
	s.servers = nil
	s.listeners = nil
	return errors.Join(errs...)
}

// InFlight returns the number of requests being served.
func (s *Server) InFlight() int64 {
	return s.inflight.Count()
}
