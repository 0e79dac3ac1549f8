package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/catalogcast/catalog-server/internal/bus"
	"github.com/catalogcast/catalog-server/internal/pkg/errors"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instance is one process of the fleet: its own bus endpoint, registry,
// dispatcher and publisher, sharing nothing but the broker.
type instance struct {
	id        string
	bus       *bus.MemoryBus
	registry  *Registry
	publisher *Publisher
}

func newFleet(t *testing.T, n, backlog int) (*bus.MemoryBroker, []*instance) {
	t.Helper()
	broker := bus.NewMemoryBroker()
	fleet := make([]*instance, n)
	for i := range fleet {
		id := fmt.Sprintf("inst-%d", i)
		b := broker.Endpoint(bus.JSONCodec{}, logger.Discard())
		t.Cleanup(func() { _ = b.Close() })

		reg := NewRegistry(id, backlog, logger.Discard(), nil)
		require.NoError(t, NewDispatcher(reg, logger.Discard(), nil).Attach(context.Background(), b, bus.ChannelCatalogChanges))

		fleet[i] = &instance{
			id:        id,
			bus:       b,
			registry:  reg,
			publisher: NewPublisher(b, bus.ChannelCatalogChanges, id, logger.Discard(), nil),
		}
	}
	return broker, fleet
}

func TestFleet_PublishReachesEveryConnection(t *testing.T) {
	_, fleet := newFleet(t, 3, 16)

	var clients []*Connection
	for _, inst := range fleet {
		clients = append(clients, inst.registry.Register(""), inst.registry.Register(""))
	}

	require.NoError(t, fleet[1].publisher.ProductCreated(context.Background(), "p1", product{ID: "p1", Name: "Desk"}))

	for _, c := range clients {
		f := nextFrame(t, c)
		assert.Equal(t, KindCreated, f.Event.Kind, "client %s on %s", c.ID, c.InstanceID)
		assert.Equal(t, "p1", f.Event.EntityID)
		assert.Equal(t, "inst-1", f.Event.OriginInstanceID)
		assertNoFrame(t, c, 10*time.Millisecond)
	}
}

func TestFleet_PerOriginOrder(t *testing.T) {
	_, fleet := newFleet(t, 2, 64)
	client := fleet[1].registry.Register("")

	for i := 0; i < 20; i++ {
		require.NoError(t, fleet[0].publisher.ProductUpdated(context.Background(), "p1", product{ID: "p1", Price: float64(i)}))
	}

	for want := uint64(1); want <= 20; want++ {
		assert.Equal(t, want, nextFrame(t, client).Event.Sequence)
	}
}

func TestFleet_LateRegistrationSeesNoHistory(t *testing.T) {
	_, fleet := newFleet(t, 2, 16)
	early := fleet[1].registry.Register("")

	require.NoError(t, fleet[0].publisher.ProductCreated(context.Background(), "p1", product{ID: "p1"}))
	nextFrame(t, early)

	late := fleet[1].registry.Register("")
	assertNoFrame(t, late, 50*time.Millisecond)

	require.NoError(t, fleet[0].publisher.ProductDeleted(context.Background(), "p1"))
	assert.Equal(t, KindDeleted, nextFrame(t, late).Event.Kind)
	assert.Equal(t, KindDeleted, nextFrame(t, early).Event.Kind)
}

func TestFleet_RestartedInstanceKeepsPublishing(t *testing.T) {
	broker, fleet := newFleet(t, 1, 16)
	peer := fleet[0]
	ctx := context.Background()

	client := peer.registry.Register("")

	// First run of node-1 publishes more than a dedup window's worth.
	firstBus := broker.Endpoint(bus.JSONCodec{}, logger.Discard())
	first := NewPublisher(firstBus, bus.ChannelCatalogChanges, "node-1", logger.Discard(), nil)
	for i := 1; i <= 1100; i++ {
		require.NoError(t, first.ProductUpdated(ctx, "p1", product{ID: "p1", Price: float64(i)}))
		require.Equal(t, uint64(i), nextFrame(t, client).Event.Sequence)
	}
	require.NoError(t, firstBus.Close())

	// node-1 comes back under the same id and starts over at sequence 1.
	secondBus := broker.Endpoint(bus.JSONCodec{}, logger.Discard())
	t.Cleanup(func() { _ = secondBus.Close() })
	second := NewPublisher(secondBus, bus.ChannelCatalogChanges, "node-1", logger.Discard(), nil)
	require.NoError(t, second.ProductCreated(ctx, "p2", product{ID: "p2", Name: "Chair"}))

	f := nextFrame(t, client)
	assert.Equal(t, "p2", f.Event.EntityID)
	assert.Equal(t, "node-1", f.Event.OriginInstanceID)
	assert.Equal(t, uint64(1), f.Event.Sequence)
	assert.Equal(t, second.Epoch(), f.Event.OriginEpoch)
	assertNoFrame(t, client, 10*time.Millisecond)
}

func TestFleet_UnregisterDuringFanOut(t *testing.T) {
	_, fleet := newFleet(t, 2, 256)
	stable := fleet[1].registry.Register("stable")

	const events = 100
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 400; i++ {
			c := fleet[1].registry.Register("")
			if i%2 == 0 {
				<-time.After(time.Microsecond)
			}
			fleet[1].registry.Unregister(c.ID)
		}
	}()

	for i := 0; i < events; i++ {
		require.NoError(t, fleet[0].publisher.ProductUpdated(context.Background(), "p1", product{ID: "p1"}))
	}
	wg.Wait()

	for i := 0; i < events; i++ {
		nextFrame(t, stable)
	}
	assert.Equal(t, 1, fleet[1].registry.Len())
}

func TestFleet_DegradedRejectsThenRecovers(t *testing.T) {
	broker, fleet := newFleet(t, 2, 16)
	remote := fleet[1].registry.Register("")

	broker.Sever()
	assert.Equal(t, bus.StateDegraded, fleet[0].bus.State())

	err := fleet[0].publisher.ProductCreated(context.Background(), "p1", product{ID: "p1"})
	require.Error(t, err)
	assert.True(t, errors.IsBrokerUnavailable(err))

	broker.Restore()
	require.NoError(t, fleet[0].publisher.ProductCreated(context.Background(), "p2", product{ID: "p2"}))

	f := nextFrame(t, remote)
	assert.Equal(t, "p2", f.Event.EntityID, "events rejected while degraded are not replayed")
	assertNoFrame(t, remote, 20*time.Millisecond)
}

func TestFleet_StalledConnectionDoesNotDelayOthers(t *testing.T) {
	_, fleet := newFleet(t, 2, 4)
	stalled := fleet[1].registry.Register("stalled")
	healthy := fleet[1].registry.Register("healthy")
	local := fleet[0].registry.Register("local")

	// Stalled never reads; the others must keep up event by event.
	for i := 1; i <= 10; i++ {
		require.NoError(t, fleet[0].publisher.ProductUpdated(context.Background(), "p1", product{ID: "p1"}))
		assert.Equal(t, uint64(i), nextFrame(t, healthy).Event.Sequence)
		assert.Equal(t, uint64(i), nextFrame(t, local).Event.Sequence)
	}

	select {
	case <-stalled.Done():
	case <-time.After(time.Second):
		t.Fatal("stalled connection was not closed")
	}
	assert.True(t, errors.IsDeliveryFailed(stalled.Err()))
	_, ok := fleet[1].registry.Get("stalled")
	assert.False(t, ok)
}

func TestFleet_NotifyIsNonFatal(t *testing.T) {
	broker, fleet := newFleet(t, 2, 16)
	remote := fleet[1].registry.Register("")

	broker.Sever()
	fleet[0].publisher.Notify(context.Background(), KindCreated, "p1", product{ID: "p1"})
	broker.Restore()
	fleet[0].publisher.Notify(context.Background(), KindCreated, "p2", product{ID: "p2"})

	assert.Equal(t, "p2", nextFrame(t, remote).Event.EntityID)
}
