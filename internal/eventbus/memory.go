package eventbus

import (
	"context"
	"sync"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/metrics"
	"go.uber.org/zap"
)

type subscription struct {
	id int
	h  Handler
}

// Memory delivers events synchronously to in-process handlers.
type Memory struct {
	mu      sync.RWMutex
	subs    map[core.Topic][]subscription
	nextID  int
	closed  bool
	logger  *zap.Logger
	metrics *metrics.Registry
}

// NewMemory creates an in-process bus.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		subs:   make(map[core.Topic][]subscription),
		logger: logger,
	}
}

// SetMetrics sets the metrics registry.
func (m *Memory) SetMetrics(reg *metrics.Registry) {
	m.metrics = reg
}

// Publish calls every handler for topic in subscription order. Handler
// failures are logged and do not fail the publish.
func (m *Memory) Publish(ctx context.Context, topic core.Topic, event core.RiskEvent) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]subscription(nil), m.subs[topic]...)
	m.mu.RUnlock()

	for _, s := range subs {
		if err := invoke(ctx, s.h, event); err != nil {
			m.logger.Warn("event handler failed",
				zap.String("topic", string(topic)),
				zap.String("event_type", string(event.EventType)),
				zap.String("client_id", event.ClientID),
				zap.Error(err),
			)
		}
	}

	if m.metrics != nil {
		m.metrics.RecordEventPublished(string(topic), "ok")
	}
	return nil
}

func (m *Memory) Subscribe(topic core.Topic, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs[topic] = append(m.subs[topic], subscription{id: id, h: h})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[topic]
		for i, s := range subs {
			if s.id == id {
				m.subs[topic] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Close drops all subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[core.Topic][]subscription)
	return nil
}
