package notify

import (
	"sync"
	"sync/atomic"

	"github.com/catalogcast/catalog-server/internal/bus"
	"github.com/catalogcast/catalog-server/internal/pkg/errors"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
	"github.com/google/uuid"
)

// DefaultBacklogCap is the per-connection queue length.
const DefaultBacklogCap = 64

// Registry holds the live connections of one process. Register, Unregister
// and fan-out never take a registry-wide lock.
type Registry struct {
	instanceID string
	backlog    int
	log        *logger.Logger
	metrics    Recorder

	conns sync.Map // id -> *Connection
	count atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry(instanceID string, backlogCap int, log *logger.Logger, metrics Recorder) *Registry {
	if backlogCap < 1 {
		backlogCap = DefaultBacklogCap
	}
	if log == nil {
		log = logger.Default()
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Registry{
		instanceID: instanceID,
		backlog:    backlogCap,
		log:        log.WithComponent("notify.registry"),
		metrics:    metrics,
	}
}

// Register adds a connection. An empty id is replaced by a fresh one; with
// no channels the connection listens on the default channel. Registering
// an id twice returns the existing connection.
func (r *Registry) Register(id string, channels ...string) *Connection {
	if id == "" {
		id = uuid.NewString()
	}
	if len(channels) == 0 {
		channels = []string{bus.ChannelCatalogChanges}
	}

	conn := newConnection(id, r.instanceID, r.backlog, channels)
	actual, loaded := r.conns.LoadOrStore(id, conn)
	if loaded {
		return actual.(*Connection)
	}

	n := r.count.Add(1)
	r.metrics.SetActiveConnections(int(n))
	r.log.Debug("Connection registered", "connection_id", id, "active", n)
	return conn
}

// Unregister removes and closes a connection. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.remove(id, nil)
}

func (r *Registry) remove(id string, reason error) {
	v, ok := r.conns.LoadAndDelete(id)
	if !ok {
		return
	}
	v.(*Connection).Close(reason)

	n := r.count.Add(-1)
	r.metrics.SetActiveConnections(int(n))
	r.log.Debug("Connection unregistered", "connection_id", id, "active", n)
}

// Get returns the connection with id.
func (r *Registry) Get(id string) (*Connection, bool) {
	v, ok := r.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Range calls fn for each connection until fn returns false. Connections
// registered or removed during the walk may or may not be visited.
func (r *Registry) Range(fn func(*Connection) bool) {
	r.conns.Range(func(_, v any) bool {
		return fn(v.(*Connection))
	})
}

// Deliver queues frame on every connection subscribed to channel. A
// connection that cannot take the frame is closed and removed; the others
// are unaffected.
func (r *Registry) Deliver(channel string, frame []byte) (delivered, dropped int) {
	r.Range(func(c *Connection) bool {
		if !c.Subscribed(channel) {
			return true
		}
		if err := c.Enqueue(frame); err != nil {
			dropped++
			if c.Err() == err {
				r.metrics.RecordSlowConsumer()
				r.log.WithConnection(c.ID).Warn("Disconnecting slow client",
					"backlog", c.Backlog(),
					"error", err,
				)
			}
			r.remove(c.ID, err)
			return true
		}
		delivered++
		return true
	})
	return delivered, dropped
}

// CloseAll closes and removes every connection, returning how many there
// were.
func (r *Registry) CloseAll(reason error) int {
	n := 0
	r.Range(func(c *Connection) bool {
		r.remove(c.ID, reason)
		n++
		return true
	})
	return n
}

// ErrShutdown is the close reason used on process shutdown.
var ErrShutdown = errors.New(errors.CodeUnavailable, "server shutting down")
