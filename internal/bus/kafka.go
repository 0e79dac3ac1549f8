package bus

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/catalogcast/catalog-server/internal/pkg/errors"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
)

// KafkaBus is a Kafka-based broadcast bridge. Every instance joins its own
// consumer group so each one sees every event.
type KafkaBus struct {
	stateTracker

	config   KafkaConfig
	log      *logger.Logger
	producer sarama.SyncProducer
	consumer sarama.ConsumerGroup
	client   sarama.Client
	subs     *subscriptions

	mu            sync.Mutex
	cancelSession context.CancelFunc
	rejoin        chan struct{}
	probing       atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	Brokers              []string      // Kafka broker addresses
	ConsumerGroup        string        // Consumer group prefix
	InstanceID           string        // Appended to ConsumerGroup
	ClientID             string        // Client identifier
	Version              string        // Kafka version (e.g., "2.8.0")
	Timeout              time.Duration // Dial/read/write timeout (default: 10s)
	ReconnectMaxInterval time.Duration // Metadata probe backoff cap (default: 10s)
	Codec                Codec
}

// GroupID returns the consumer group this instance joins.
func (c KafkaConfig) GroupID() string {
	if c.InstanceID == "" {
		return c.ConsumerGroup
	}
	return c.ConsumerGroup + "-" + c.InstanceID
}

// NewKafkaBus creates a new Kafka-based bus.
func NewKafkaBus(cfg KafkaConfig, log *logger.Logger) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New(errors.CodeValidation, "kafka brokers cannot be empty")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New(errors.CodeValidation, "kafka consumer group cannot be empty")
	}

	// Set defaults
	if cfg.ClientID == "" {
		cfg.ClientID = "catalog-server"
	}
	if cfg.Version == "" {
		cfg.Version = "2.8.0"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ReconnectMaxInterval == 0 {
		cfg.ReconnectMaxInterval = 10 * time.Second
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("bus.kafka")

	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid kafka version", err)
	}

	kafkaConfig := newSaramaConfig(cfg, version)

	client, err := sarama.NewClient(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, errors.BrokerUnreachableError("kafka", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, errors.BrokerUnreachableError("kafka", err)
	}

	consumer, err := sarama.NewConsumerGroupFromClient(cfg.GroupID(), client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, errors.BrokerUnreachableError("kafka", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &KafkaBus{
		config:   cfg,
		log:      log,
		producer: producer,
		consumer: consumer,
		client:   client,
		subs:     newSubscriptions(log),
		rejoin:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.set(StateHealthy)

	b.wg.Add(2)
	go b.consumeLoop()
	go b.watchErrors()

	log.Info("Connected to kafka", "brokers", cfg.Brokers, "group", cfg.GroupID())
	return b, nil
}

// newSaramaConfig builds the client settings. Offsets are never committed:
// a group without commits always starts at the newest offset, so a
// restarted instance does not replay what was published while it was down.
func newSaramaConfig(cfg KafkaConfig, version sarama.KafkaVersion) *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = version
	kafkaConfig.ClientID = cfg.ClientID
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.Retry.Max = 0
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	kafkaConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	kafkaConfig.Consumer.Offsets.AutoCommit.Enable = false
	kafkaConfig.Consumer.Return.Errors = true
	kafkaConfig.Net.DialTimeout = cfg.Timeout
	kafkaConfig.Net.ReadTimeout = cfg.Timeout
	kafkaConfig.Net.WriteTimeout = cfg.Timeout
	return kafkaConfig
}

// Publish publishes an event to a Kafka topic.
func (b *KafkaBus) Publish(ctx context.Context, topic string, event Event) error {
	if s := b.State(); s != StateHealthy {
		return unavailable(fmt.Errorf("kafka bus is %s", s))
	}

	data, err := b.config.Codec.Marshal(event)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to encode event", err)
	}

	// Keying by source keeps one origin's events on one partition, in order.
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Source),
		Value: sarama.ByteEncoder(data),
	}

	if _, _, err := b.producer.SendMessage(msg); err != nil {
		b.degrade(err)
		return unavailable(err)
	}
	return nil
}

// Subscribe registers a handler for events on a Kafka topic. A new topic
// makes the consumer rejoin its group with the extended topic list.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if b.State() == StateClosed {
		return unavailable(fmt.Errorf("kafka bus is closed"))
	}
	if !b.subs.add(topic, handler) {
		return nil
	}

	b.mu.Lock()
	if b.cancelSession != nil {
		b.cancelSession()
	}
	b.mu.Unlock()

	select {
	case b.rejoin <- struct{}{}:
	default:
	}
	return nil
}

// consumeLoop keeps one consumer group session open over every subscribed
// topic.
func (b *KafkaBus) consumeLoop() {
	defer b.wg.Done()

	handler := &consumerGroupHandler{bus: b}

	for {
		topics := b.subs.channels()
		if len(topics) == 0 {
			select {
			case <-b.ctx.Done():
				return
			case <-b.rejoin:
				continue
			}
		}

		sessionCtx, cancel := context.WithCancel(b.ctx)
		b.mu.Lock()
		b.cancelSession = cancel
		b.mu.Unlock()

		// Blocks until the session ends: rebalance, rejoin or close.
		err := b.consumer.Consume(sessionCtx, topics, handler)
		cancel()

		if b.ctx.Err() != nil {
			return
		}
		if err != nil {
			b.degrade(err)
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (b *KafkaBus) watchErrors() {
	defer b.wg.Done()
	for err := range b.consumer.Errors() {
		b.degrade(err)
	}
}

// degrade marks the link down and starts a metadata probe that restores it.
func (b *KafkaBus) degrade(err error) {
	if _, changed := b.set(StateDegraded); changed {
		b.log.WithError(err).Warn("Kafka link lost, events will be dropped until reconnected")
	}
	if b.State() == StateDegraded && b.probing.CompareAndSwap(false, true) {
		b.wg.Add(1)
		go b.probe()
	}
}

func (b *KafkaBus) probe() {
	defer b.wg.Done()
	defer b.probing.Store(false)

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := b.client.RefreshMetadata(); err == nil {
			if _, changed := b.set(StateHealthy); changed {
				b.log.Info("Kafka link restored", "attempts", attempt)
			}
			return
		}

		backoff *= 2
		if backoff > b.config.ReconnectMaxInterval {
			backoff = b.config.ReconnectMaxInterval
		}
	}
}

// Close closes the Kafka bus and releases resources.
func (b *KafkaBus) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		b.set(StateClosed)
		b.cancel()

		if err := b.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer: %w", err))
		}
		b.wg.Wait()

		if err := b.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer: %w", err))
		}
		b.deleteGroup()
		if err := b.client.Close(); err != nil && !stderrors.Is(err, sarama.ErrClosedClient) {
			errs = append(errs, fmt.Errorf("close client: %w", err))
		}
		b.subs.clear()
	})

	if len(errs) > 0 {
		return errors.New(errors.CodeInternal, fmt.Sprintf("errors during close: %v", errs))
	}
	return nil
}

// deleteGroup removes this instance's consumer group. It holds no
// offsets, and instance ids are usually random per boot, so a group left
// behind would never be joined again.
func (b *KafkaBus) deleteGroup() {
	if b.client == nil || b.client.Closed() {
		return
	}
	admin, err := sarama.NewClusterAdminFromClient(b.client)
	if err != nil {
		b.log.WithError(err).Warn("Kafka consumer group not deleted", "group", b.config.GroupID())
		return
	}
	// Closing the admin also closes the shared client.
	defer admin.Close()

	if err := admin.DeleteConsumerGroup(b.config.GroupID()); err != nil {
		b.log.WithError(err).Warn("Kafka consumer group not deleted", "group", b.config.GroupID())
		return
	}
	b.log.Debug("Kafka consumer group deleted", "group", b.config.GroupID())
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	bus *KafkaBus
}

// Setup marks the link healthy once partitions are assigned.
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.bus.set(StateHealthy)
	return nil
}

// Cleanup is run at the end of a session, after all ConsumeClaim goroutines have exited.
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a Kafka partition. Messages are not
// marked, and nothing is delivered while the link is not Healthy.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg := <-claim.Messages():
			if msg == nil {
				return nil
			}
			if s := h.bus.State(); s != StateHealthy {
				h.bus.log.Debug("Dropping event while link is down", "topic", msg.Topic, "state", s)
				continue
			}

			event, err := Decode(msg.Value)
			if err != nil {
				h.bus.log.Warn("Dropping undecodable event", "topic", msg.Topic, "error", err)
				continue
			}

			h.bus.subs.deliver(session.Context(), msg.Topic, event)
		}
	}
}

// ParseKafkaBrokers parses a comma-separated string of Kafka brokers.
func ParseKafkaBrokers(brokersStr string) []string {
	if brokersStr == "" {
		return nil
	}
	brokers := strings.Split(brokersStr, ",")
	out := brokers[:0]
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
