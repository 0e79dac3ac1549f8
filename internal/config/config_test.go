package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CATALOG_PORT", "9090")
	t.Setenv("CATALOG_LOG_LEVEL", "debug")
	t.Setenv("CATALOG_REDIS_HOST", "redis.internal")
	t.Setenv("CATALOG_REDIS_PORT", "6380")
	t.Setenv("CATALOG_ORIGIN", "https://shop.example.com")
	t.Setenv("CATALOG_BUS_RECONNECT_MAX", "30s")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "redis.internal", cfg.Bus.RedisHost)
	assert.Equal(t, 6380, cfg.Bus.RedisPort)
	assert.Equal(t, "https://shop.example.com", cfg.Origin)
	assert.Equal(t, 30*time.Second, cfg.Bus.ReconnectMaxInterval)
}

func TestLoadFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
host: "127.0.0.1"
port: 8888
io_port: 4000
origin: "*"
bus:
  type: memory
  codec: msgpack
  channel: "products"
  drain_timeout: 2s
notify:
  backlog_cap: 8
log:
  level: warn
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8888, cfg.Port)
	assert.Equal(t, "127.0.0.1:4000", cfg.IOAddress())
	assert.Equal(t, "memory", cfg.Bus.Type)
	assert.Equal(t, "msgpack", cfg.Bus.Codec)
	assert.Equal(t, "products", cfg.Bus.Channel)
	assert.Equal(t, 2*time.Second, cfg.Bus.DrainTimeout)
	assert.Equal(t, 8, cfg.Notify.BacklogCap)
	assert.Equal(t, "warn", cfg.Log.Level)

	// Untouched sections keep defaults.
	assert.Equal(t, 5*time.Second, cfg.Bus.StartupTimeout)
	assert.Equal(t, int64(10<<20), cfg.Upload.MaxBytes)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"invalid port", func(c *Config) { c.Port = 0 }, true},
		{"io port equals port", func(c *Config) { c.IOPort = c.Port }, true},
		{"empty origin", func(c *Config) { c.Origin = "" }, true},
		{"invalid bus type", func(c *Config) { c.Bus.Type = "nats" }, true},
		{"invalid codec", func(c *Config) { c.Bus.Codec = "xml" }, true},
		{"empty channel", func(c *Config) { c.Bus.Channel = "  " }, true},
		{"kafka without brokers", func(c *Config) { c.Bus.Type = "kafka" }, true},
		{"kafka with brokers", func(c *Config) {
			c.Bus.Type = "kafka"
			c.Bus.KafkaBrokers = "localhost:9092"
		}, false},
		{"redis url skips port check", func(c *Config) {
			c.Bus.RedisPort = 0
			c.Bus.RedisURL = "redis://cache:6379/0"
		}, false},
		{"zero backlog", func(c *Config) { c.Notify.BacklogCap = 0 }, true},
		{"invalid storage", func(c *Config) { c.Storage.Type = "mongo" }, true},
		{"invalid log level", func(c *Config) { c.Log.Level = "trace" }, true},
		{"negative rate limit", func(c *Config) { c.Security.RateLimit = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			setDefaults(cfg)
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRedisAddrURL(t *testing.T) {
	b := BusConfig{RedisHost: "broker", RedisPort: 6379, RedisDB: 2}
	assert.Equal(t, "redis://broker:6379/2", b.RedisAddrURL())

	b.RedisURL = "redis://explicit:1234/0"
	assert.Equal(t, "redis://explicit:1234/0", b.RedisAddrURL())

	cfg := &Config{}
	setDefaults(cfg)
	assert.Equal(t, cfg.Bus.RedisAddrURL(), cfg.StorageRedisURL())
	cfg.Storage.RedisURL = "redis://store:6379/1"
	assert.Equal(t, "redis://store:6379/1", cfg.StorageRedisURL())
}

func TestAddress(t *testing.T) {
	cfg := &Config{Host: "localhost", Port: 8080}
	assert.Equal(t, "localhost:8080", cfg.Address())
	assert.Equal(t, "", cfg.IOAddress())
}
