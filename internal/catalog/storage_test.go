package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogcast/catalog-server/internal/pkg/errors"
)

func newTestRedisStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStorageWithClient(client, ""), mr
}

func TestStorageContract(t *testing.T) {
	backends := map[string]func(t *testing.T) Storage{
		"memory": func(*testing.T) Storage { return NewMemoryStorage() },
		"redis": func(t *testing.T) Storage {
			s, _ := newTestRedisStorage(t)
			return s
		},
	}

	for name, newStorage := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStorage(t)

			all, err := s.LoadAll(ctx)
			require.NoError(t, err)
			assert.Empty(t, all)

			_, err = s.Load(ctx, "missing")
			assert.True(t, errors.IsNotFound(err))

			now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			p := &Product{ID: "p1", Name: "Lamp", Price: 10, Image: "/images/a.png", Stock: 2, CreatedAt: now, UpdatedAt: now}
			require.NoError(t, s.Save(ctx, p))

			p.Name = "mutated after save"
			got, err := s.Load(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, "Lamp", got.Name)
			assert.True(t, got.CreatedAt.Equal(now))

			got.Stock = 5
			require.NoError(t, s.Save(ctx, got))
			all, err = s.LoadAll(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, int64(5), all[0].Stock)

			require.NoError(t, s.Delete(ctx, "p1"))
			assert.True(t, errors.IsNotFound(s.Delete(ctx, "p1")))
		})
	}
}

func TestRedisStorage_UsesHash(t *testing.T) {
	s, mr := newTestRedisStorage(t)

	require.NoError(t, s.Save(context.Background(), &Product{ID: "p1", Name: "Lamp"}))

	keys, err := mr.HKeys(DefaultRedisKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, keys)
}

func TestRedisStorage_CorruptEntry(t *testing.T) {
	s, mr := newTestRedisStorage(t)
	mr.HSet(DefaultRedisKey, "bad", "{not json")

	_, err := s.Load(context.Background(), "bad")
	require.Error(t, err)
	assert.False(t, errors.IsNotFound(err))
}

func TestNewRedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisStorage(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = NewRedisStorage(context.Background(), "://bad")
	assert.True(t, errors.IsValidation(err))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = NewRedisStorage(ctx, "redis://127.0.0.1:1/0")
	assert.Error(t, err)
}
