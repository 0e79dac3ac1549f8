package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/catalogcast/catalog-server/internal/config"
	"github.com/catalogcast/catalog-server/internal/pkg/errors"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
)

// NewBus creates a new Bus instance based on the configuration. For redis
// and kafka it fails with BROKER_UNREACHABLE when the broker cannot be
// reached within the startup timeout.
func NewBus(ctx context.Context, cfg config.BusConfig, instanceID string, log *logger.Logger) (Bus, error) {
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid bus codec", err)
	}

	var b Bus
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		b = NewMemoryBus(codec, log)

	case "redis":
		b, err = NewRedisBus(ctx, RedisConfig{
			URL:                  cfg.RedisAddrURL(),
			StartupTimeout:       cfg.StartupTimeout,
			ReconnectMaxInterval: cfg.ReconnectMaxInterval,
			HealthCheckInterval:  cfg.HealthCheckInterval,
			Codec:                codec,
		}, log)

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}

		consumerGroup := cfg.KafkaGroup
		if consumerGroup == "" {
			consumerGroup = "catalog-server"
		}

		b, err = NewKafkaBus(KafkaConfig{
			Brokers:              brokers,
			ConsumerGroup:        consumerGroup,
			InstanceID:           instanceID,
			Timeout:              cfg.StartupTimeout,
			ReconnectMaxInterval: cfg.ReconnectMaxInterval,
			Codec:                codec,
		}, log)

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}
	if err != nil {
		return nil, err
	}

	if cfg.JournalPath != "" {
		journal, err := OpenJournal(cfg.JournalPath)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b = NewJournaledBus(b, journal, log)
	}
	return b, nil
}
