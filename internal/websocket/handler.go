// Package websocket serves the live change feed to browser clients.
package websocket

import (
	"net/http"
	"strings"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/catalogcast/catalog-server/internal/notify"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
)

const (
	writeDeadline = 5 * time.Second
	pingInterval  = 30 * time.Second
	pongDeadline  = 60 * time.Second
	maxClientRead = 512
)

// Options configures the handler. Zero values use the defaults above.
type Options struct {
	AllowedOrigin string
	Channels      []string
	Clock         clockwork.Clock
	WriteDeadline time.Duration
	PingInterval  time.Duration
	PongDeadline  time.Duration
}

// Handler upgrades requests to WebSocket and registers each client with the
// notification registry.
type Handler struct {
	registry *notify.Registry
	upgrader ws.Upgrader
	opts     Options
	log      *logger.Logger

	sessions sync.WaitGroup
}

// NewHandler creates a handler over registry.
func NewHandler(registry *notify.Registry, opts Options, log *logger.Logger) *Handler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.WriteDeadline <= 0 {
		opts.WriteDeadline = writeDeadline
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = pingInterval
	}
	if opts.PongDeadline <= 0 {
		opts.PongDeadline = pongDeadline
	}
	if log == nil {
		log = logger.Default()
	}

	return &Handler{
		registry: registry,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     CheckOrigin(opts.AllowedOrigin),
		},
		opts: opts,
		log:  log.WithComponent("websocket"),
	}
}

// ServeHTTP performs the handshake and returns; the session runs on its
// own goroutines until the client or the server closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.WithContext(r.Context()).Debug("WebSocket upgrade failed", "error", err)
		return
	}

	c := h.registry.Register("", h.opts.Channels...)
	s := &session{
		conn:     conn,
		client:   c,
		registry: h.registry,
		opts:     h.opts,
		log:      h.log.WithConnection(c.ID),
	}
	s.log.Info("Client connected", "remote_addr", r.RemoteAddr)

	h.sessions.Add(2)
	go func() {
		defer h.sessions.Done()
		s.writeLoop()
	}()
	go func() {
		defer h.sessions.Done()
		s.readLoop()
	}()
}

// Wait blocks until every session has exited or timeout elapses.
func (h *Handler) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// CheckOrigin returns an origin check for allowed. "*" allows any origin.
// Requests without an Origin header are not from a browser and are
// allowed.
func CheckOrigin(allowed string) func(r *http.Request) bool {
	allowed = strings.TrimRight(strings.TrimSpace(allowed), "/")
	return func(r *http.Request) bool {
		if allowed == "*" {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.EqualFold(strings.TrimRight(origin, "/"), allowed)
	}
}
