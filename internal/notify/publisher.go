package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/catalogcast/catalog-server/internal/bus"
	"github.com/catalogcast/catalog-server/internal/pkg/errors"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
)

// notifyTimeout bounds a single publish made through Notify.
const notifyTimeout = 2 * time.Second

// Notifier is what the catalog calls after a successful write.
type Notifier interface {
	Notify(ctx context.Context, kind Kind, entityID string, snapshot any)
}

// Publisher hands change events to the bus. It never retries.
type Publisher struct {
	bus        bus.Bus
	channel    string
	instanceID string
	epoch      string
	log        *logger.Logger
	metrics    Recorder

	seq      atomic.Uint64
	inflight sync.WaitGroup
}

// NewPublisher creates a publisher for channel. instanceID identifies this
// process as the origin of every event it publishes. Each publisher also
// draws a fresh epoch, so peers tell a restarted instance apart from the
// run they already saw.
func NewPublisher(b bus.Bus, channel, instanceID string, log *logger.Logger, metrics Recorder) *Publisher {
	if log == nil {
		log = logger.Default()
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Publisher{
		bus:        b,
		channel:    channel,
		instanceID: instanceID,
		epoch:      uuid.NewString(),
		log:        log.WithComponent("notify.publisher").WithInstance(instanceID),
		metrics:    metrics,
	}
}

// InstanceID returns the origin id stamped on published events.
func (p *Publisher) InstanceID() string {
	return p.instanceID
}

// Epoch returns the per-run id stamped next to the instance id.
func (p *Publisher) Epoch() string {
	return p.epoch
}

// Publish hands ev to the bus. It returns a validation error for a
// malformed event and BROKER_UNAVAILABLE when the bus rejects it.
func (p *Publisher) Publish(ctx context.Context, ev ChangeEvent) error {
	if err := ev.Validate(); err != nil {
		return errors.ValidationError(err.Error())
	}

	p.inflight.Add(1)
	defer p.inflight.Done()

	if err := p.bus.Publish(ctx, p.channel, ev.Envelope()); err != nil {
		if errors.IsBrokerUnavailable(err) {
			return err
		}
		return errors.BrokerUnavailableError(err)
	}
	return nil
}

// NewEvent builds an event stamped with this instance and the next
// sequence number.
func (p *Publisher) NewEvent(kind Kind, entityID string, snapshot any) (ChangeEvent, error) {
	var payload json.RawMessage
	switch s := snapshot.(type) {
	case nil:
		payload = json.RawMessage(fmt.Sprintf(`{"id":%q}`, entityID))
	case json.RawMessage:
		payload = append(json.RawMessage(nil), s...)
	default:
		data, err := json.Marshal(s)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("encode snapshot: %w", err)
		}
		payload = data
	}

	return ChangeEvent{
		Kind:             kind,
		EntityID:         entityID,
		Payload:          payload,
		OriginInstanceID: p.instanceID,
		OriginEpoch:      p.epoch,
		Sequence:         p.seq.Add(1),
		Timestamp:        time.Now().UTC(),
	}, nil
}

// ProductCreated publishes a created event with the product snapshot.
func (p *Publisher) ProductCreated(ctx context.Context, id string, snapshot any) error {
	return p.publishNew(ctx, KindCreated, id, snapshot)
}

// ProductUpdated publishes an updated event with the product snapshot.
func (p *Publisher) ProductUpdated(ctx context.Context, id string, snapshot any) error {
	return p.publishNew(ctx, KindUpdated, id, snapshot)
}

// ProductDeleted publishes a deleted event carrying only the id.
func (p *Publisher) ProductDeleted(ctx context.Context, id string) error {
	return p.publishNew(ctx, KindDeleted, id, nil)
}

func (p *Publisher) publishNew(ctx context.Context, kind Kind, id string, snapshot any) error {
	ev, err := p.NewEvent(kind, id, snapshot)
	if err != nil {
		return errors.ValidationError(err.Error())
	}
	return p.Publish(ctx, ev)
}

// Notify publishes and logs any failure. The mutation has already been
// committed, so errors are dropped rather than returned.
func (p *Publisher) Notify(ctx context.Context, kind Kind, entityID string, snapshot any) {
	if kind == KindDeleted {
		snapshot = nil
	}

	// A client hanging up must not cancel a publish for a committed write.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := p.publishNew(ctx, kind, entityID, snapshot); err != nil {
		p.metrics.RecordNotifyDropped(errors.CodeOf(err))
		p.log.WithContext(ctx).Warn("Change notification dropped",
			"kind", kind,
			"entity_id", entityID,
			"error", err,
		)
	}
}

// Drain waits for in-flight publishes to finish, up to timeout.
func (p *Publisher) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

var _ Notifier = (*Publisher)(nil)
