package bus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/catalogcast/catalog-server/internal/config"
	"github.com/catalogcast/catalog-server/internal/pkg/errors"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBus(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name     string
		cfg      config.BusConfig
		wantType interface{}
		wantCode string
	}{
		{"memory", config.BusConfig{Type: "memory"}, &MemoryBus{}, ""},
		{"memory msgpack", config.BusConfig{Type: "memory", Codec: "msgpack"}, &MemoryBus{}, ""},
		{"redis", config.BusConfig{Type: "redis", RedisURL: "redis://" + mr.Addr(), StartupTimeout: time.Second}, &RedisBus{}, ""},
		{"redis unreachable", config.BusConfig{Type: "redis", RedisHost: "127.0.0.1", RedisPort: 1, StartupTimeout: 200 * time.Millisecond}, nil, errors.CodeBrokerUnreachable},
		{"kafka without brokers", config.BusConfig{Type: "kafka"}, nil, errors.CodeValidation},
		{"unknown type", config.BusConfig{Type: "nats"}, nil, errors.CodeValidation},
		{"unknown codec", config.BusConfig{Type: "memory", Codec: "xml"}, nil, errors.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBus(context.Background(), tt.cfg, "test-instance", logger.Discard())
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, errors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			defer b.Close()
			assert.IsType(t, tt.wantType, b)
			assert.Equal(t, StateHealthy, b.State())
		})
	}
}

func TestNewBus_Journal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	b, err := NewBus(context.Background(), config.BusConfig{Type: "memory", JournalPath: path}, "i", logger.Discard())
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &JournaledBus{}, b)
	require.NoError(t, b.Publish(context.Background(), ChannelCatalogChanges, testEvent("i", 1)))
	assert.FileExists(t, path)
}
