package notify

import (
	"strconv"
	"sync"
	"time"

	"github.com/catalogcast/catalog-server/internal/pkg/errors"
)

// Connection is one live client as seen by the fan-out path. The transport
// drains Send until Done is closed.
type Connection struct {
	ID          string
	InstanceID  string
	ConnectedAt time.Time

	channels map[string]struct{}
	send     chan []byte
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newConnection(id, instanceID string, backlog int, channels []string) *Connection {
	set := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		set[ch] = struct{}{}
	}
	return &Connection{
		ID:          id,
		InstanceID:  instanceID,
		ConnectedAt: time.Now(),
		channels:    set,
		send:        make(chan []byte, backlog),
		done:        make(chan struct{}),
	}
}

// Subscribed reports whether the connection listens on channel.
func (c *Connection) Subscribed(channel string) bool {
	_, ok := c.channels[channel]
	return ok
}

// Send returns the outbound frame queue.
func (c *Connection) Send() <-chan []byte {
	return c.send
}

// Done is closed when the connection has been closed for any reason.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Backlog returns the number of queued frames.
func (c *Connection) Backlog() int {
	return len(c.send)
}

// Enqueue queues frame without blocking. A full queue closes the
// connection and returns DELIVERY_FAILED.
func (c *Connection) Enqueue(frame []byte) error {
	select {
	case <-c.done:
		return errors.DeliveryError(c.ID, "connection closed")
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		err := errors.DeliveryError(c.ID, "backlog full").
			WithDetail("backlog", strconv.Itoa(cap(c.send)))
		c.Close(err)
		return err
	}
}

// Close marks the connection closed. reason is nil for an orderly close.
// Only the first call has any effect.
func (c *Connection) Close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// Err returns the reason the connection was closed, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
