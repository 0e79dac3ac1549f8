package websocket

import (
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/catalogcast/catalog-server/internal/notify"
	"github.com/catalogcast/catalog-server/internal/pkg/errors"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
)

// session pumps one client. Only writeLoop writes to the connection. The
// clock drives pings; socket deadlines always use wall time.
type session struct {
	conn     *ws.Conn
	client   *notify.Connection
	registry *notify.Registry
	opts     Options
	log      *logger.Logger
}

func (s *session) writeLoop() {
	ticker := s.opts.Clock.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case frame := <-s.client.Send():
			s.setWriteDeadline()
			if err := s.conn.WriteMessage(ws.TextMessage, frame); err != nil {
				s.fail("write failed", err)
				return
			}
		case <-ticker.Chan():
			s.setWriteDeadline()
			if err := s.conn.WriteMessage(ws.PingMessage, nil); err != nil {
				s.fail("ping failed", err)
				return
			}
		case <-s.client.Done():
			s.writeClose()
			return
		}
	}
}

// readLoop discards client frames; it exists to process pongs and to
// notice when the client goes away.
func (s *session) readLoop() {
	s.conn.SetReadLimit(maxClientRead)
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})

	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway, ws.CloseNoStatusReceived) {
				s.log.Debug("Client read error", "error", err)
			}
			s.registry.Unregister(s.client.ID)
			s.log.Info("Client disconnected")
			return
		}
	}
}

func (s *session) fail(reason string, err error) {
	s.log.Debug("Client "+reason, "error", err)
	s.client.Close(errors.DeliveryError(s.client.ID, reason))
	s.registry.Unregister(s.client.ID)
}

// writeClose sends a close frame matching why the connection ended.
func (s *session) writeClose() {
	code, text := ws.CloseNormalClosure, ""
	switch err := s.client.Err(); {
	case err == nil:
	case errors.IsDeliveryFailed(err):
		code, text = ws.CloseTryAgainLater, "backlog full"
	default:
		code, text = ws.CloseGoingAway, "server shutting down"
	}

	s.setWriteDeadline()
	_ = s.conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(code, text))
}

func (s *session) setWriteDeadline() {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteDeadline))
}

func (s *session) extendReadDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongDeadline))
}
