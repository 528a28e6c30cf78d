package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/eventbus"
	"go.uber.org/zap"
)

// FanoutConfig sizes the asynchronous delivery queue.
type FanoutConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	Workers     int           `mapstructure:"workers"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

// DefaultFanoutConfig returns default fan-out settings.
func DefaultFanoutConfig() FanoutConfig {
	return FanoutConfig{
		QueueSize:   256,
		Workers:     2,
		SendTimeout: 15 * time.Second,
	}
}

// Fanout moves bus events to the registry's channels on worker goroutines.
type Fanout struct {
	registry *Registry
	cfg      FanoutConfig
	logger   *zap.Logger

	mu     sync.Mutex
	queue  chan core.RiskEvent
	closed bool
	wg     sync.WaitGroup
}

// NewFanout creates a fan-out over registry.
func NewFanout(registry *Registry, cfg FanoutConfig, logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultFanoutConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	return &Fanout{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan core.RiskEvent, cfg.QueueSize),
	}
}

// Attach subscribes the fan-out to every bus topic.
func (f *Fanout) Attach(bus eventbus.Bus) (unsubscribe func()) {
	return eventbus.SubscribeAll(bus, f.Handle)
}

// Handle enqueues event without blocking. A full queue drops the event.
func (f *Fanout) Handle(_ context.Context, event core.RiskEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}

	select {
	case f.queue <- event:
	default:
		f.logger.Warn("notification queue full, dropping event",
			zap.String("event_type", string(event.EventType)),
			zap.String("client_id", event.ClientID),
			zap.String("event_id", event.ID),
		)
	}
	return nil
}

// Start launches the workers. They exit when ctx is done or after Close
// has drained the queue.
func (f *Fanout) Start(ctx context.Context) {
	for i := 0; i < f.cfg.Workers; i++ {
		f.wg.Add(1)
		go f.worker(ctx)
	}
}

func (f *Fanout) worker(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.queue:
			if !ok {
				return
			}
			f.deliver(ctx, ev)
		}
	}
}

func (f *Fanout) deliver(ctx context.Context, ev core.RiskEvent) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.SendTimeout)
	defer cancel()

	for name, err := range f.registry.Dispatch(sctx, ev) {
		f.logger.Error("notifier failed",
			zap.String("notifier", name),
			zap.String("event_type", string(ev.EventType)),
			zap.String("client_id", ev.ClientID),
			zap.Error(err),
		)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (f *Fanout) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()
	f.wg.Wait()
}
