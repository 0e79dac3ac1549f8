package notify

import (
	"context"
	"fmt"

	"github.com/catalogcast/catalog-server/internal/bus"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
)

// Dispatcher delivers events received from the bus to local connections.
// It keeps no state besides the registry, and it does not filter events
// this instance published itself.
type Dispatcher struct {
	registry *Registry
	log      *logger.Logger
	metrics  Recorder
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, log *logger.Logger, metrics Recorder) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Dispatcher{
		registry: registry,
		log:      log.WithComponent("notify.dispatcher"),
		metrics:  metrics,
	}
}

// Attach subscribes the dispatcher to channel on b. The bus invokes the
// handler sequentially, so connections see events in receive order.
func (d *Dispatcher) Attach(ctx context.Context, b bus.Bus, channel string) error {
	if err := b.Subscribe(ctx, channel, func(_ context.Context, ev bus.Event) error {
		return d.Dispatch(channel, ev)
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	d.log.Info("Dispatcher attached", "channel", channel)
	return nil
}

// Dispatch encodes ev once and queues it on every subscribed connection.
func (d *Dispatcher) Dispatch(channel string, ev bus.Event) error {
	change, err := FromEnvelope(ev)
	if err != nil {
		return fmt.Errorf("decode change event %s: %w", ev.ID, err)
	}
	d.metrics.RecordEventReceived(string(change.Kind))

	frame, err := EncodeFrame(change)
	if err != nil {
		return fmt.Errorf("encode frame %s: %w", ev.ID, err)
	}

	delivered, dropped := d.registry.Deliver(channel, frame)
	d.metrics.RecordDelivered(delivered)

	d.log.Debug("Change event dispatched",
		"kind", change.Kind,
		"entity_id", change.EntityID,
		"origin", change.OriginInstanceID,
		"sequence", change.Sequence,
		"delivered", delivered,
		"dropped", dropped,
	)
	return nil
}
