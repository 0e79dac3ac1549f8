package bus

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/catalogcast/catalog-server/internal/pkg/errors"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	initialBackoff = 200 * time.Millisecond
	pingTimeout    = 2 * time.Second
)

// RedisConfig holds Redis pub/sub connection settings.
type RedisConfig struct {
	URL                  string        // redis://[:password@]host:port/db
	StartupTimeout       time.Duration // connect deadline (default: 5s)
	ReconnectMaxInterval time.Duration // backoff cap (default: 10s)
	HealthCheckInterval  time.Duration // idle ping period (default: 5s)
	BreakerTimeout       time.Duration // open-to-half-open delay (default: ReconnectMaxInterval)
	Codec                Codec
}

// RedisBus bridges instances over Redis pub/sub. It keeps one client for
// publishing and one for the subscription, since a subscribed connection
// cannot issue other commands.
type RedisBus struct {
	stateTracker

	cfg     RedisConfig
	log     *logger.Logger
	pub     *redis.Client
	sub     *redis.Client
	breaker *CircuitBreakerHook
	subs    *subscriptions

	mu      sync.Mutex
	ps      *redis.PubSub
	pending map[string]chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRedisBus connects to Redis. It fails with a BROKER_UNREACHABLE error if
// either connection cannot be established within StartupTimeout.
func NewRedisBus(ctx context.Context, cfg RedisConfig, log *logger.Logger) (*RedisBus, error) {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 5 * time.Second
	}
	if cfg.ReconnectMaxInterval <= 0 {
		cfg.ReconnectMaxInterval = 10 * time.Second
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = cfg.ReconnectMaxInterval
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 5 * time.Second
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("bus.redis")

	pubOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid redis url", err)
	}
	subOpts, _ := redis.ParseURL(cfg.URL)

	// Publish never retries; a failed publish is reported and dropped.
	pubOpts.MaxRetries = -1

	b := &RedisBus{
		cfg:     cfg,
		log:     log,
		pub:     redis.NewClient(pubOpts),
		sub:     redis.NewClient(subOpts),
		breaker: NewCircuitBreakerHook("redis-publish", cfg.BreakerTimeout, log),
		subs:    newSubscriptions(log),
		pending: make(map[string]chan struct{}),
	}
	b.pub.AddHook(b.breaker)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancel()

	if err := b.probe(connectCtx); err != nil {
		_ = b.pub.Close()
		_ = b.sub.Close()
		return nil, errors.BrokerUnreachableError("redis", err)
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.ps = b.sub.Subscribe(b.ctx)
	b.set(StateHealthy)

	b.wg.Add(1)
	go b.run()

	log.Info("Connected to redis", "addr", pubOpts.Addr, "codec", cfg.Codec.Name())
	return b, nil
}

// Publish sends an event to a Redis channel. It fails immediately while the
// link is not Healthy and never retries.
func (b *RedisBus) Publish(ctx context.Context, channel string, event Event) error {
	if s := b.State(); s != StateHealthy {
		return unavailable(fmt.Errorf("redis bus is %s", s))
	}

	data, err := b.cfg.Codec.Marshal(event)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to encode event", err)
	}

	if err := b.pub.Publish(ctx, channel, data).Err(); err != nil {
		if isConnError(err) {
			b.degrade(err)
		}
		return unavailable(err)
	}
	return nil
}

// Subscribe registers a handler. The first handler for a channel issues
// SUBSCRIBE and waits for Redis to confirm it. While Degraded the handler is
// recorded and the channel is subscribed on reconnect.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	switch b.State() {
	case StateClosed:
		return unavailable(fmt.Errorf("redis bus is closed"))
	case StateDegraded:
		b.subs.add(channel, handler)
		b.log.Warn("Subscribing while degraded, deferring to reconnect", "channel", channel)
		return nil
	}

	if !b.subs.add(channel, handler) {
		return nil
	}

	confirmed := make(chan struct{})
	b.mu.Lock()
	b.pending[channel] = confirmed
	ps := b.ps
	b.mu.Unlock()

	if err := ps.Subscribe(ctx, channel); err != nil {
		b.degrade(err)
		return nil
	}

	select {
	case <-confirmed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.cfg.StartupTimeout):
		return errors.New(errors.CodeTimeout, fmt.Sprintf("subscribe %s not confirmed", channel))
	}
}

// run owns the subscription: it reads messages, health-checks while idle
// and reconnects after any failure.
func (b *RedisBus) run() {
	defer b.wg.Done()

	for {
		if b.ctx.Err() != nil {
			return
		}
		if b.State() == StateDegraded {
			b.reconnect()
			continue
		}

		b.mu.Lock()
		ps := b.ps
		b.mu.Unlock()

		msg, err := ps.ReceiveTimeout(b.ctx, b.cfg.HealthCheckInterval)
		if b.ctx.Err() != nil {
			return
		}
		if err != nil {
			if isTimeout(err) {
				b.healthCheck(ps)
				continue
			}
			b.degrade(err)
			continue
		}
		b.handle(msg)
	}
}

func (b *RedisBus) handle(msg interface{}) {
	switch m := msg.(type) {
	case *redis.Message:
		event, err := Decode([]byte(m.Payload))
		if err != nil {
			b.log.Warn("Dropping undecodable event", "channel", m.Channel, "error", err)
			return
		}
		b.subs.deliver(b.ctx, m.Channel, event)
	case *redis.Subscription:
		if m.Kind == "subscribe" {
			b.confirm(m.Channel)
		}
	case *redis.Pong:
	}
}

func (b *RedisBus) confirm(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.pending[channel]; ok {
		close(ch)
		delete(b.pending, channel)
	}
}

func (b *RedisBus) healthCheck(ps *redis.PubSub) {
	ctx, cancel := context.WithTimeout(b.ctx, pingTimeout)
	defer cancel()

	if err := b.pub.Ping(ctx).Err(); err != nil {
		b.degrade(err)
		return
	}
	// The reply arrives on the subscription as a Pong.
	if err := ps.Ping(ctx); err != nil {
		b.degrade(err)
	}
}

func (b *RedisBus) degrade(err error) {
	if _, changed := b.set(StateDegraded); changed {
		b.log.WithError(err).Warn("Redis link lost, events will be dropped until reconnected")
	}
}

// reconnect replaces the subscription with backoff until Redis answers or
// the bus closes.
func (b *RedisBus) reconnect() {
	b.mu.Lock()
	old := b.ps
	b.mu.Unlock()
	_ = old.Close()

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(backoff):
		}

		err := b.resubscribe()
		if err == nil {
			if _, changed := b.set(StateHealthy); changed {
				b.log.Info("Redis link restored", "attempts", attempt)
			}
			return
		}
		b.log.Debug("Redis reconnect failed", "attempt", attempt, "backoff", backoff, "error", err)

		backoff *= 2
		if backoff > b.cfg.ReconnectMaxInterval {
			backoff = b.cfg.ReconnectMaxInterval
		}
	}
}

func (b *RedisBus) resubscribe() error {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.StartupTimeout)
	defer cancel()

	if err := b.probe(ctx); err != nil {
		return err
	}

	channels := b.subs.channels()
	ps := b.sub.Subscribe(b.ctx)
	if len(channels) > 0 {
		if err := ps.Subscribe(ctx, channels...); err != nil {
			_ = ps.Close()
			return err
		}
		if err := b.awaitSubscribed(ps, channels); err != nil {
			_ = ps.Close()
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx.Err() != nil {
		_ = ps.Close()
		return b.ctx.Err()
	}
	b.ps = ps
	return nil
}

// awaitSubscribed reads confirmations for channels, delivering any message
// that arrives in between.
func (b *RedisBus) awaitSubscribed(ps *redis.PubSub, channels []string) error {
	want := make(map[string]bool, len(channels))
	for _, ch := range channels {
		want[ch] = true
	}
	for len(want) > 0 {
		msg, err := ps.ReceiveTimeout(b.ctx, b.cfg.StartupTimeout)
		if err != nil {
			return err
		}
		if sub, ok := msg.(*redis.Subscription); ok && sub.Kind == "subscribe" {
			delete(want, sub.Channel)
		}
		b.handle(msg)
	}
	return nil
}

// probe pings both connections.
func (b *RedisBus) probe(ctx context.Context) error {
	if err := b.pub.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("publish connection: %w", err)
	}
	if err := b.sub.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("subscribe connection: %w", err)
	}
	return nil
}

// Breaker exposes the publish-client circuit breaker.
func (b *RedisBus) Breaker() *CircuitBreakerHook {
	return b.breaker
}

// Close unsubscribes and closes both clients.
func (b *RedisBus) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		b.set(StateClosed)
		b.cancel()

		b.mu.Lock()
		ps := b.ps
		b.mu.Unlock()
		// Already closed if the last reconnect never completed.
		_ = ps.Close()

		b.wg.Wait()
		b.subs.clear()

		if err := b.pub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publish client: %w", err))
		}
		if err := b.sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscribe client: %w", err))
		}
	})
	return stderrors.Join(errs...)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// isConnError reports whether err means the broker link itself failed, as
// opposed to a command-level error reply.
func isConnError(err error) bool {
	var redisErr redis.Error
	if stderrors.As(err, &redisErr) {
		return false
	}
	return !stderrors.Is(err, context.Canceled) && !stderrors.Is(err, context.DeadlineExceeded)
}
