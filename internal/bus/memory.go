package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/catalogcast/catalog-server/internal/pkg/logger"
)

const memoryInboxSize = 1024

// MemoryBroker is an in-process broker shared by any number of MemoryBus
// endpoints. It stands in for Redis in single-node mode and in tests that
// run several instances in one process.
type MemoryBroker struct {
	mu        sync.RWMutex
	endpoints map[*MemoryBus]struct{}
	severed   bool
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		endpoints: make(map[*MemoryBus]struct{}),
	}
}

// Endpoint connects a new bus to the broker.
func (m *MemoryBroker) Endpoint(codec Codec, log *logger.Logger) *MemoryBus {
	if codec == nil {
		codec = JSONCodec{}
	}
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("bus.memory")

	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBus{
		broker: m,
		codec:  codec,
		log:    log,
		subs:   newSubscriptions(log),
		inbox:  make(chan memoryMessage, memoryInboxSize),
		ctx:    ctx,
		cancel: cancel,
	}

	m.mu.Lock()
	m.endpoints[b] = struct{}{}
	if m.severed {
		b.set(StateDegraded)
	} else {
		b.set(StateHealthy)
	}
	m.mu.Unlock()

	b.wg.Add(1)
	go b.run()
	return b
}

// Sever simulates losing the broker: every endpoint becomes Degraded and
// messages in flight are never delivered.
func (m *MemoryBroker) Sever() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.severed = true
	for b := range m.endpoints {
		b.set(StateDegraded)
		b.drainInbox()
	}
}

// Restore reconnects every endpoint. Nothing published while severed is
// replayed.
func (m *MemoryBroker) Restore() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.severed = false
	for b := range m.endpoints {
		if !b.detached {
			b.set(StateHealthy)
		}
	}
}

func (m *MemoryBroker) broadcast(channel string, data []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.severed {
		return unavailable(fmt.Errorf("memory broker severed"))
	}

	for b := range m.endpoints {
		if b.State() != StateHealthy {
			continue
		}
		select {
		case b.inbox <- memoryMessage{channel: channel, data: data}:
		default:
			b.log.Warn("Inbox full, dropping event", "channel", channel)
		}
	}
	return nil
}

func (m *MemoryBroker) remove(b *MemoryBus) {
	m.mu.Lock()
	delete(m.endpoints, b)
	m.mu.Unlock()
}

type memoryMessage struct {
	channel string
	data    []byte
}

// MemoryBus is a Bus endpoint on a MemoryBroker.
type MemoryBus struct {
	stateTracker

	broker *MemoryBroker
	codec  Codec
	log    *logger.Logger
	subs   *subscriptions
	inbox  chan memoryMessage

	// detached is guarded by broker.mu.
	detached bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMemoryBus creates a bus on a private broker, for single-node mode.
func NewMemoryBus(codec Codec, log *logger.Logger) *MemoryBus {
	return NewMemoryBroker().Endpoint(codec, log)
}

// Publish broadcasts an event to every endpoint on the broker.
func (b *MemoryBus) Publish(ctx context.Context, channel string, event Event) error {
	if s := b.State(); s != StateHealthy {
		return unavailable(fmt.Errorf("memory bus is %s", s))
	}

	data, err := b.codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.broker.broadcast(channel, data)
}

// Subscribe registers a handler for events on a channel.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if b.State() == StateClosed {
		return unavailable(fmt.Errorf("memory bus is closed"))
	}
	b.subs.add(channel, handler)
	return nil
}

// Disconnect drops this endpoint's broker link while the others stay up.
func (b *MemoryBus) Disconnect() {
	b.broker.mu.Lock()
	b.detached = true
	b.set(StateDegraded)
	b.drainInbox()
	b.broker.mu.Unlock()
}

func (b *MemoryBus) drainInbox() {
	for {
		select {
		case <-b.inbox:
		default:
			return
		}
	}
}

// Reconnect restores a link dropped by Disconnect.
func (b *MemoryBus) Reconnect() {
	b.broker.mu.Lock()
	defer b.broker.mu.Unlock()
	b.detached = false
	if !b.broker.severed {
		b.set(StateHealthy)
	}
}

func (b *MemoryBus) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.inbox:
			if b.State() != StateHealthy {
				continue
			}
			event, err := Decode(msg.data)
			if err != nil {
				b.log.Warn("Dropping undecodable event", "channel", msg.channel, "error", err)
				continue
			}
			b.subs.deliver(b.ctx, msg.channel, event)
		}
	}
}

// Close detaches the endpoint and stops delivery.
func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		b.set(StateClosed)
		b.broker.remove(b)
		b.cancel()
		b.wg.Wait()
		b.subs.clear()
	})
	return nil
}
