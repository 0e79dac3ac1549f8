package bus

import (
	"context"

	"github.com/catalogcast/catalog-server/internal/pkg/logger"
)

// JournaledBus wraps another Bus and records every publish attempt.
type JournaledBus struct {
	inner   Bus
	journal *Journal
	log     *logger.Logger
}

// NewJournaledBus creates a bus that journals publishes to the inner bus.
func NewJournaledBus(inner Bus, journal *Journal, log *logger.Logger) *JournaledBus {
	if log == nil {
		log = logger.Default()
	}
	return &JournaledBus{
		inner:   inner,
		journal: journal,
		log:     log,
	}
}

// Publish delegates to the inner bus and records the outcome.
func (b *JournaledBus) Publish(ctx context.Context, channel string, event Event) error {
	err := b.inner.Publish(ctx, channel, event)

	if jerr := b.journal.Record(channel, event, err); jerr != nil {
		b.log.Warn("Failed to journal event",
			"channel", channel,
			"event_id", event.ID,
			"error", jerr,
		)
	}
	return err
}

// Subscribe delegates to the inner bus.
func (b *JournaledBus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return b.inner.Subscribe(ctx, channel, handler)
}

// State returns the inner bus state.
func (b *JournaledBus) State() State {
	return b.inner.State()
}

// OnStateChange forwards to the inner bus when it reports transitions.
func (b *JournaledBus) OnStateChange(fn func(from, to State)) {
	if n, ok := b.inner.(StateNotifier); ok {
		n.OnStateChange(fn)
	}
}

// Journal returns the underlying journal.
func (b *JournaledBus) Journal() *Journal {
	return b.journal
}

// Close closes the inner bus, then the journal.
func (b *JournaledBus) Close() error {
	err := b.inner.Close()
	if jerr := b.journal.Close(); jerr != nil {
		b.log.Warn("Failed to close journal", "error", jerr)
	}
	return err
}
