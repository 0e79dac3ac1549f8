package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/catalogcast/catalog-server/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	mu        sync.Mutex
	publishes map[string]int
	failures  int
	received  int
	states    []State
}

func (r *fakeRecorder) RecordBusPublish(channel string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publishes == nil {
		r.publishes = make(map[string]int)
	}
	r.publishes[channel]++
	if err != nil {
		r.failures++
	}
}

func (r *fakeRecorder) RecordBusReceived(string) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordBusState(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func TestInstrumentedBus(t *testing.T) {
	broker := NewMemoryBroker()
	rec := &fakeRecorder{}
	b := NewInstrumentedBus(broker.Endpoint(JSONCodec{}, logger.Discard()), rec)
	defer b.Close()

	events := collect(t, b, ChannelCatalogChanges)
	require.NoError(t, b.Publish(context.Background(), ChannelCatalogChanges, testEvent("a", 1)))
	receive(t, events)

	broker.Sever()
	assert.Error(t, b.Publish(context.Background(), ChannelCatalogChanges, testEvent("a", 2)))
	broker.Restore()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.publishes[ChannelCatalogChanges])
	assert.Equal(t, 1, rec.failures)
	assert.Equal(t, 1, rec.received)
	assert.Equal(t, []State{StateHealthy, StateDegraded, StateHealthy}, rec.states)
}
