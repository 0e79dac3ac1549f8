// Package bus provides the broadcast bridge that carries catalog change
// events between every instance of the fleet.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/catalogcast/catalog-server/internal/pkg/errors"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for broadcast bridge implementations.
//
// Delivery is best-effort: an event published while the bridge is not
// Healthy is rejected, and events broadcast while a subscriber is
// disconnected are lost for that subscriber.
type Bus interface {
	// Publish broadcasts an event to every subscriber of a channel on every
	// instance, including the publishing one.
	Publish(ctx context.Context, channel string, event Event) error

	// Subscribe registers a handler for a channel. Handlers for one bus are
	// invoked sequentially in receive order.
	Subscribe(ctx context.Context, channel string, handler Handler) error

	// State reports the health of the broker link.
	State() State

	// Close closes the bus and releases resources.
	Close() error
}

// StateNotifier is implemented by buses that report state transitions.
type StateNotifier interface {
	OnStateChange(fn func(from, to State))
}

// Event is the broker envelope for a change event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id" msgpack:"id"`

	// Type is the event type (e.g. "catalog.product.created").
	Type string `json:"type" msgpack:"type"`

	// Subject identifies the entity the event is about.
	Subject string `json:"subject,omitempty" msgpack:"subject"`

	// Source is the instance that produced the event.
	Source string `json:"source" msgpack:"source"`

	// Epoch identifies one run of Source. Sequence restarts at 1 in every
	// epoch, so an instance restarted under the same id is a new origin.
	Epoch string `json:"epoch,omitempty" msgpack:"epoch"`

	// Sequence increases monotonically per Source.
	Sequence uint64 `json:"sequence" msgpack:"sequence"`

	// Timestamp is when the event was created (unix milliseconds).
	Timestamp int64 `json:"timestamp" msgpack:"timestamp"`

	// Payload contains the event data.
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload"`
}

// origin is the key duplicate detection tracks sequences under.
func (e Event) origin() string {
	if e.Source == "" || e.Epoch == "" {
		return e.Source
	}
	return e.Source + "/" + e.Epoch
}

// Clone returns a copy of the event that shares no memory with e.
func (e Event) Clone() Event {
	if e.Payload != nil {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return e
}

// ChannelCatalogChanges is the default broadcast channel.
const ChannelCatalogChanges = "catalog.changes"

// State is the health of the broker link.
type State int32

const (
	StateConnecting State = iota
	StateHealthy
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrBrokerUnavailable is returned by Publish while the broker link is down.
var ErrBrokerUnavailable = errors.New(errors.CodeBrokerUnavailable, "broker unavailable")

func unavailable(cause error) error {
	if cause == nil {
		return ErrBrokerUnavailable
	}
	return errors.BrokerUnavailableError(cause)
}

// stateTracker holds the bridge state. Closed is terminal.
type stateTracker struct {
	v atomic.Int32

	mu        sync.Mutex
	listeners []func(from, to State)
}

func (t *stateTracker) State() State {
	return State(t.v.Load())
}

// OnStateChange registers fn to be called after every transition.
func (t *stateTracker) OnStateChange(fn func(from, to State)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// set moves to the given state and reports whether anything changed.
func (t *stateTracker) set(to State) (State, bool) {
	for {
		from := State(t.v.Load())
		if from == to || from == StateClosed {
			return from, false
		}
		if t.v.CompareAndSwap(int32(from), int32(to)) {
			t.mu.Lock()
			listeners := make([]func(from, to State), len(t.listeners))
			copy(listeners, t.listeners)
			t.mu.Unlock()
			for _, fn := range listeners {
				fn(from, to)
			}
			return from, true
		}
	}
}
