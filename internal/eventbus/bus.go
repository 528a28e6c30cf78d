// Package eventbus delivers RiskEvents from the engine and the enforcement
// pipeline to notifiers and audit sinks.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/newthinker/riskguard/internal/core"
	"go.uber.org/zap"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("eventbus: closed")

// Handler consumes one event.
type Handler func(ctx context.Context, event core.RiskEvent) error

// Bus is a topic-based publish/subscribe channel.
type Bus interface {
	Publish(ctx context.Context, topic core.Topic, event core.RiskEvent) error
	// Subscribe registers h for topic and returns a function that removes it.
	Subscribe(topic core.Topic, h Handler) (unsubscribe func())
	Close() error
}

// Config selects a bus implementation.
type Config struct {
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// Open builds the bus named by cfg.Type.
func Open(cfg Config, logger *zap.Logger) (Bus, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "memory":
		return NewMemory(logger), nil
	case "redis":
		return NewRedis(cfg.Redis, logger)
	}
	return nil, fmt.Errorf("eventbus: unknown type %q", cfg.Type)
}

// SubscribeAll registers h on every topic.
func SubscribeAll(b Bus, h Handler) (unsubscribe func()) {
	var unsubs []func()
	for _, topic := range core.AllTopics() {
		unsubs = append(unsubs, b.Subscribe(topic, h))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// invoke runs h and converts a panic into an error.
func invoke(ctx context.Context, h Handler, ev core.RiskEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}
