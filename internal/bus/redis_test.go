package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/catalogcast/catalog-server/internal/pkg/errors"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisBus(t *testing.T, mr *miniredis.Miniredis) *RedisBus {
	t.Helper()
	b, err := NewRedisBus(context.Background(), RedisConfig{
		URL:                  "redis://" + mr.Addr(),
		StartupTimeout:       time.Second,
		ReconnectMaxInterval: 200 * time.Millisecond,
		HealthCheckInterval:  100 * time.Millisecond,
		BreakerTimeout:       100 * time.Millisecond,
	}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisBus_Unreachable(t *testing.T) {
	_, err := NewRedisBus(context.Background(), RedisConfig{
		URL:            "redis://127.0.0.1:1",
		StartupTimeout: 300 * time.Millisecond,
	}, logger.Discard())
	require.Error(t, err)
	assert.True(t, errors.IsBrokerUnreachable(err), "got %v", err)
}

func TestRedisBus_InvalidURL(t *testing.T) {
	_, err := NewRedisBus(context.Background(), RedisConfig{URL: "http://nope"}, logger.Discard())
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestRedisBus_PublishReachesEveryInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestRedisBus(t, mr)
	b := newTestRedisBus(t, mr)

	fromA := collect(t, a, ChannelCatalogChanges)
	fromB := collect(t, b, ChannelCatalogChanges)

	require.NoError(t, a.Publish(context.Background(), ChannelCatalogChanges, testEvent("a", 1)))

	evA := receive(t, fromA)
	evB := receive(t, fromB)
	assert.Equal(t, uint64(1), evA.Sequence, "publisher receives its own event")
	assert.Equal(t, "a", evB.Source)
	assert.JSONEq(t, `{"id":"p1"}`, string(evB.Payload))
}

func TestRedisBus_MixedCodecs(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := NewRedisBus(context.Background(), RedisConfig{
		URL:   "redis://" + mr.Addr(),
		Codec: MsgpackCodec{},
	}, logger.Discard())
	require.NoError(t, err)
	defer a.Close()
	b := newTestRedisBus(t, mr)

	fromB := collect(t, b, ChannelCatalogChanges)
	require.NoError(t, a.Publish(context.Background(), ChannelCatalogChanges, testEvent("a", 7)))
	assert.Equal(t, uint64(7), receive(t, fromB).Sequence)
}

func TestRedisBus_DegradedAndRecovered(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestRedisBus(t, mr)
	b := newTestRedisBus(t, mr)
	fromB := collect(t, b, ChannelCatalogChanges)

	mr.Close()

	require.Eventually(t, func() bool {
		return a.State() == StateDegraded && b.State() == StateDegraded
	}, 3*time.Second, 20*time.Millisecond)

	err := a.Publish(context.Background(), ChannelCatalogChanges, testEvent("a", 1))
	require.Error(t, err)
	assert.True(t, errors.IsBrokerUnavailable(err), "got %v", err)

	require.NoError(t, mr.Restart())

	require.Eventually(t, func() bool {
		return a.State() == StateHealthy && b.State() == StateHealthy
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, a.Publish(context.Background(), ChannelCatalogChanges, testEvent("a", 2)))
	ev := receive(t, fromB)
	assert.Equal(t, uint64(2), ev.Sequence, "the event rejected while degraded is not replayed")
}

func TestRedisBus_SubscribeConfirmedBeforeReturn(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestRedisBus(t, mr)

	for i, channel := range []string{"c1", "c2", "c3"} {
		events := collect(t, b, channel)
		require.NoError(t, b.Publish(context.Background(), channel, testEvent("a", uint64(i+1))))
		receive(t, events)
	}
	assert.ElementsMatch(t, []string{"c1", "c2", "c3"}, mr.PubSubChannels(""))
}

func TestRedisBus_Close(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestRedisBus(t, mr)
	collect(t, b, ChannelCatalogChanges)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, StateClosed, b.State())

	err := b.Publish(context.Background(), ChannelCatalogChanges, testEvent("a", 1))
	assert.True(t, errors.IsBrokerUnavailable(err))
}
