package bus

import (
	"context"
	"sync"
	"time"

	"github.com/catalogcast/catalog-server/internal/pkg/logger"
)

const (
	defaultDedupWindow = 1024
	maxTrackedOrigins  = 4096
)

// dedupWindow drops envelopes whose (origin, sequence) was already
// delivered. An origin is a source plus its epoch. Concurrent publishes
// from one origin can arrive out of order, so it keeps a set of recent
// sequences rather than a high-water mark.
// Anything older than the window is treated as already seen.
type dedupWindow struct {
	mu      sync.Mutex
	size    uint64
	origins map[string]*originWindow
}

type originWindow struct {
	max      uint64
	seen     map[uint64]struct{}
	lastSeen time.Time
}

func newDedupWindow(size uint64) *dedupWindow {
	if size == 0 {
		size = defaultDedupWindow
	}
	return &dedupWindow{
		size:    size,
		origins: make(map[string]*originWindow),
	}
}

// admit reports whether the envelope has not been delivered before and
// records it. Envelopes without an origin or sequence are always admitted.
func (d *dedupWindow) admit(origin string, seq uint64) bool {
	if origin == "" || seq == 0 {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.origins[origin]
	if !ok {
		if len(d.origins) >= maxTrackedOrigins {
			d.evictOldest()
		}
		w = &originWindow{seen: make(map[uint64]struct{})}
		d.origins[origin] = w
	}
	w.lastSeen = time.Now()

	if w.max > d.size && seq <= w.max-d.size {
		return false
	}
	if _, dup := w.seen[seq]; dup {
		return false
	}
	w.seen[seq] = struct{}{}

	if seq > w.max {
		w.max = seq
		if uint64(len(w.seen)) > 2*d.size {
			floor := w.max - d.size
			for s := range w.seen {
				if s <= floor {
					delete(w.seen, s)
				}
			}
		}
	}
	return true
}

func (d *dedupWindow) evictOldest() {
	var oldest string
	var oldestAt time.Time
	for origin, w := range d.origins {
		if oldest == "" || w.lastSeen.Before(oldestAt) {
			oldest, oldestAt = origin, w.lastSeen
		}
	}
	delete(d.origins, oldest)
}

// subscriptions is the handler table shared by every Bus implementation.
type subscriptions struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	dedup    *dedupWindow
	log      *logger.Logger
}

func newSubscriptions(log *logger.Logger) *subscriptions {
	return &subscriptions{
		handlers: make(map[string][]Handler),
		dedup:    newDedupWindow(defaultDedupWindow),
		log:      log,
	}
}

// add registers handler and reports whether channel is new.
func (s *subscriptions) add(channel string, handler Handler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	isNew := len(s.handlers[channel]) == 0
	s.handlers[channel] = append(s.handlers[channel], handler)
	return isNew
}

func (s *subscriptions) channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for ch := range s.handlers {
		out = append(out, ch)
	}
	return out
}

func (s *subscriptions) clear() {
	s.mu.Lock()
	s.handlers = make(map[string][]Handler)
	s.mu.Unlock()
}

// deliver runs every handler for channel in registration order. Handler
// errors are logged and do not stop the remaining handlers.
func (s *subscriptions) deliver(ctx context.Context, channel string, event Event) {
	if !s.dedup.admit(event.origin(), event.Sequence) {
		s.log.Debug("Dropping duplicate event",
			"channel", channel,
			"source", event.Source,
			"epoch", event.Epoch,
			"sequence", event.Sequence,
		)
		return
	}

	s.mu.RLock()
	handlers := s.handlers[channel]
	s.mu.RUnlock()

	// Each handler gets its own payload copy when there is more than one.
	base := event
	if len(handlers) > 1 {
		base = event.Clone()
	}
	for i, handler := range handlers {
		ev := base
		if i < len(handlers)-1 {
			ev = base.Clone()
		}
		if err := handler(ctx, ev); err != nil {
			s.log.Warn("Event handler failed",
				"channel", channel,
				"event_id", event.ID,
				"error", err,
			)
		}
	}
}
