package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis bus.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Prefix namespaces channels as "<prefix>:<topic>".
	Prefix string `mapstructure:"prefix"`
}

// Redis publishes events as JSON over Redis pub/sub.
type Redis struct {
	client  *redis.Client
	prefix  string
	logger  *zap.Logger
	metrics *metrics.Registry

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewRedis connects and verifies the server is reachable.
func NewRedis(cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "riskguard"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}

	return &Redis{
		client: client,
		prefix: cfg.Prefix,
		logger: logger,
		subs:   make(map[*redis.PubSub]struct{}),
	}, nil
}

// SetMetrics sets the metrics registry.
func (r *Redis) SetMetrics(reg *metrics.Registry) {
	r.metrics = reg
}

// Channel returns the Redis channel for topic.
func (r *Redis) Channel(topic core.Topic) string {
	return r.prefix + ":" + string(topic)
}

func (r *Redis) Publish(ctx context.Context, topic core.Topic, event core.RiskEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return core.WrapError(core.ErrPublishFailed, err)
	}
	if err := r.client.Publish(ctx, r.Channel(topic), payload).Err(); err != nil {
		r.record(topic, "error")
		return core.WrapError(core.ErrPublishFailed, err)
	}
	r.record(topic, "ok")
	return nil
}

// Subscribe starts a goroutine delivering messages for topic to h until the
// returned function or Close is called.
func (r *Redis) Subscribe(topic core.Topic, h Handler) func() {
	ps := r.client.Subscribe(context.Background(), r.Channel(topic))

	// Events published before confirmation are not delivered.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, err := ps.Receive(ctx); err != nil {
		r.logger.Warn("redis subscription not confirmed",
			zap.String("channel", r.Channel(topic)),
			zap.Error(err),
		)
	}
	cancel()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		ps.Close()
		return func() {}
	}
	r.subs[ps] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.consume(topic, ps, h)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ps)
			r.mu.Unlock()
			ps.Close()
		})
	}
}

func (r *Redis) consume(topic core.Topic, ps *redis.PubSub, h Handler) {
	defer r.wg.Done()

	for msg := range ps.Channel() {
		var ev core.RiskEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			r.logger.Warn("dropping malformed event",
				zap.String("channel", msg.Channel),
				zap.Error(err),
			)
			continue
		}
		if err := invoke(context.Background(), h, ev); err != nil {
			r.logger.Warn("event handler failed",
				zap.String("topic", string(topic)),
				zap.String("event_type", string(ev.EventType)),
				zap.String("client_id", ev.ClientID),
				zap.Error(err),
			)
		}
	}
}

// Close ends all subscriptions, waits for their goroutines and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := r.subs
	r.subs = make(map[*redis.PubSub]struct{})
	r.mu.Unlock()

	for ps := range subs {
		ps.Close()
	}
	r.wg.Wait()
	return r.client.Close()
}

func (r *Redis) record(topic core.Topic, status string) {
	if r.metrics != nil {
		r.metrics.RecordEventPublished(string(topic), status)
	}
}
