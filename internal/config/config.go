// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host string `envconfig:"CATALOG_HOST" yaml:"host"`
	Port int    `envconfig:"CATALOG_PORT" yaml:"port"`

	// IOPort serves the WebSocket endpoint on its own listener; 0 shares Port.
	IOPort int `envconfig:"CATALOG_IO_PORT" yaml:"io_port"`

	// Origin is the allowed cross-origin for REST and WebSocket clients.
	Origin string `envconfig:"CATALOG_ORIGIN" yaml:"origin"`

	ShutdownTimeout time.Duration `envconfig:"CATALOG_SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`

	Bus           BusConfig           `yaml:"bus"`
	Notify        NotifyConfig        `yaml:"notify"`
	Storage       StorageConfig       `yaml:"storage"`
	Upload        UploadConfig        `yaml:"upload"`
	Log           LogConfig           `yaml:"log"`
	Security      SecurityConfig      `yaml:"security"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// BusConfig holds broadcast bridge settings.
type BusConfig struct {
	Type    string `envconfig:"CATALOG_BUS_TYPE" yaml:"type"`
	Channel string `envconfig:"CATALOG_NOTIFY_CHANNEL" yaml:"channel"`
	Codec   string `envconfig:"CATALOG_BUS_CODEC" yaml:"codec"`

	RedisHost     string `envconfig:"CATALOG_REDIS_HOST" yaml:"redis_host"`
	RedisPort     int    `envconfig:"CATALOG_REDIS_PORT" yaml:"redis_port"`
	RedisURL      string `envconfig:"CATALOG_REDIS_URL" yaml:"redis_url"` // overrides host/port
	RedisPassword string `envconfig:"CATALOG_REDIS_PASSWORD" yaml:"redis_password"`
	RedisDB       int    `envconfig:"CATALOG_REDIS_DB" yaml:"redis_db"`

	KafkaBrokers string `envconfig:"CATALOG_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"CATALOG_KAFKA_GROUP" yaml:"kafka_group"`

	StartupTimeout       time.Duration `envconfig:"CATALOG_BUS_STARTUP_TIMEOUT" yaml:"startup_timeout"`
	ReconnectMaxInterval time.Duration `envconfig:"CATALOG_BUS_RECONNECT_MAX" yaml:"reconnect_max_interval"`
	HealthCheckInterval  time.Duration `envconfig:"CATALOG_BUS_HEALTH_INTERVAL" yaml:"health_check_interval"`
	DrainTimeout         time.Duration `envconfig:"CATALOG_NOTIFY_DRAIN_TIMEOUT" yaml:"drain_timeout"`

	// JournalPath enables the publish journal when set.
	JournalPath string `envconfig:"CATALOG_BUS_JOURNAL" yaml:"journal_path"`
}

// NotifyConfig holds client delivery settings.
type NotifyConfig struct {
	// BacklogCap is the per-connection queue length before force-close.
	BacklogCap int `envconfig:"CATALOG_NOTIFY_BACKLOG" yaml:"backlog_cap"`
}

// StorageConfig holds catalog persistence settings.
type StorageConfig struct {
	Type     string `envconfig:"CATALOG_STORAGE_TYPE" yaml:"type"`
	RedisURL string `envconfig:"CATALOG_STORAGE_REDIS_URL" yaml:"redis_url"` // empty = bus redis
}

// UploadConfig holds image upload settings.
type UploadConfig struct {
	Dir      string `envconfig:"CATALOG_UPLOAD_DIR" yaml:"dir"`
	MaxBytes int64  `envconfig:"CATALOG_UPLOAD_MAX_BYTES" yaml:"max_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"CATALOG_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"CATALOG_LOG_FORMAT" yaml:"format"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	RateLimit int `envconfig:"CATALOG_RATE_LIMIT" yaml:"rate_limit"` // 0 = disabled
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	MetricsEnabled bool   `envconfig:"CATALOG_METRICS_ENABLED" yaml:"metrics_enabled"`
	MetricsPath    string `envconfig:"CATALOG_METRICS_PATH" yaml:"metrics_path"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	setDefaults(cfg)

	// YAML file overrides defaults
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Environment has the highest priority
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8080
	cfg.IOPort = 0
	cfg.Origin = "http://localhost:3000"
	cfg.ShutdownTimeout = 30 * time.Second

	cfg.Bus = BusConfig{
		Type:                 "redis",
		Channel:              "catalog.changes",
		Codec:                "json",
		RedisHost:            "localhost",
		RedisPort:            6379,
		KafkaGroup:           "catalog-server",
		StartupTimeout:       5 * time.Second,
		ReconnectMaxInterval: 10 * time.Second,
		HealthCheckInterval:  5 * time.Second,
		DrainTimeout:         5 * time.Second,
	}

	cfg.Notify = NotifyConfig{
		BacklogCap: 64,
	}

	cfg.Storage = StorageConfig{
		Type: "memory",
	}

	cfg.Upload = UploadConfig{
		Dir:      "./data/images",
		MaxBytes: 10 << 20,
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Security = SecurityConfig{
		RateLimit: 0,
	}

	cfg.Observability = ObservabilityConfig{
		MetricsEnabled: true,
		MetricsPath:    "/metrics",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	if c.IOPort < 0 || c.IOPort > 65535 {
		errs = append(errs, "io_port must be between 0 and 65535")
	}

	if c.IOPort != 0 && c.IOPort == c.Port {
		errs = append(errs, "io_port must differ from port (use 0 to share the listener)")
	}

	if c.Origin == "" {
		errs = append(errs, "origin cannot be empty (use * to allow any origin)")
	}

	validBusTypes := map[string]bool{"memory": true, "redis": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory, redis, or kafka)", c.Bus.Type))
	}

	validCodecs := map[string]bool{"json": true, "msgpack": true}
	if !validCodecs[c.Bus.Codec] {
		errs = append(errs, fmt.Sprintf("invalid bus codec: %s (must be json or msgpack)", c.Bus.Codec))
	}

	if strings.TrimSpace(c.Bus.Channel) == "" {
		errs = append(errs, "notify channel cannot be empty")
	}

	if c.Bus.Type == "kafka" && strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
		errs = append(errs, "kafka_brokers is required when bus type is kafka")
	}

	if c.Bus.Type == "redis" && c.Bus.RedisURL == "" && (c.Bus.RedisPort < 1 || c.Bus.RedisPort > 65535) {
		errs = append(errs, "redis_port must be between 1 and 65535")
	}

	if c.Bus.StartupTimeout <= 0 {
		errs = append(errs, "bus startup_timeout must be positive")
	}

	if c.Bus.ReconnectMaxInterval <= 0 {
		errs = append(errs, "bus reconnect_max_interval must be positive")
	}

	if c.Notify.BacklogCap < 1 {
		errs = append(errs, "notify backlog_cap must be positive")
	}

	validStorage := map[string]bool{"memory": true, "redis": true}
	if !validStorage[c.Storage.Type] {
		errs = append(errs, fmt.Sprintf("invalid storage type: %s (must be memory or redis)", c.Storage.Type))
	}

	if c.Upload.MaxBytes < 1 {
		errs = append(errs, "upload max_bytes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if c.Security.RateLimit < 0 {
		errs = append(errs, "rate_limit cannot be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the HTTP server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IOAddress returns the WebSocket listener address, or "" when it shares
// the HTTP listener.
func (c *Config) IOAddress() string {
	if c.IOPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.IOPort)
}

// RedisAddrURL returns the broker URL, building it from host and port when no
// explicit URL is configured.
func (b BusConfig) RedisAddrURL() string {
	if b.RedisURL != "" {
		return b.RedisURL
	}
	u := url.URL{
		Scheme: "redis",
		Host:   b.RedisHost + ":" + strconv.Itoa(b.RedisPort),
		Path:   "/" + strconv.Itoa(b.RedisDB),
	}
	if b.RedisPassword != "" {
		u.User = url.UserPassword("", b.RedisPassword)
	}
	return u.String()
}

// StorageRedisURL returns the catalog storage URL, defaulting to the broker.
func (c *Config) StorageRedisURL() string {
	if c.Storage.RedisURL != "" {
		return c.Storage.RedisURL
	}
	return c.Bus.RedisAddrURL()
}
