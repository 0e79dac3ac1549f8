package bus

import (
	"context"
	"time"
)

// MetricsRecorder is an interface for recording bus metrics.
// This avoids import cycles with the metrics package.
type MetricsRecorder interface {
	RecordBusPublish(channel string, latency time.Duration, err error)
	RecordBusReceived(channel string)
	RecordBusState(state State)
}

// InstrumentedBus wraps a Bus implementation with metrics instrumentation.
type InstrumentedBus struct {
	inner   Bus
	metrics MetricsRecorder
}

// NewInstrumentedBus creates a new instrumented bus that records metrics.
func NewInstrumentedBus(inner Bus, metrics MetricsRecorder) *InstrumentedBus {
	b := &InstrumentedBus{
		inner:   inner,
		metrics: metrics,
	}
	if metrics != nil {
		metrics.RecordBusState(inner.State())
		if n, ok := inner.(StateNotifier); ok {
			n.OnStateChange(func(_, to State) {
				metrics.RecordBusState(to)
			})
		}
	}
	return b
}

// Publish publishes an event to a channel and records metrics.
func (b *InstrumentedBus) Publish(ctx context.Context, channel string, event Event) error {
	start := time.Now()
	err := b.inner.Publish(ctx, channel, event)

	if b.metrics != nil {
		b.metrics.RecordBusPublish(channel, time.Since(start), err)
	}

	return err
}

// Subscribe subscribes to events on a channel, counting every delivery.
func (b *InstrumentedBus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if b.metrics == nil {
		return b.inner.Subscribe(ctx, channel, handler)
	}
	return b.inner.Subscribe(ctx, channel, func(ctx context.Context, event Event) error {
		b.metrics.RecordBusReceived(channel)
		return handler(ctx, event)
	})
}

// State returns the inner bus state.
func (b *InstrumentedBus) State() State {
	return b.inner.State()
}

// OnStateChange forwards to the inner bus when it reports transitions.
func (b *InstrumentedBus) OnStateChange(fn func(from, to State)) {
	if n, ok := b.inner.(StateNotifier); ok {
		n.OnStateChange(fn)
	}
}

// Close closes the underlying bus.
func (b *InstrumentedBus) Close() error {
	return b.inner.Close()
}
