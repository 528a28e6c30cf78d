package notifier

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/metrics"
)

// Registry manages notification channels
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
	metrics  *metrics.Registry
}

// NewRegistry creates a new channel registry
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]Channel),
	}
}

// SetMetrics sets the metrics registry.
func (r *Registry) SetMetrics(reg *metrics.Registry) {
	r.metrics = reg
}

// Register adds a channel to the registry
func (r *Registry) Register(c Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("notifier %s already registered", name)
	}

	r.channels[name] = c
	return nil
}

// Get retrieves a channel by name
func (r *Registry) Get(name string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.channels[name]
	if !exists {
		return nil, fmt.Errorf("notifier %s not found", name)
	}
	return c, nil
}

// GetAll returns all registered channels ordered by name
func (r *Registry) GetAll() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Channel, 0, len(r.channels))
	for _, c := range r.channels {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Dispatch sends event to every enabled channel that wants it. Failures are
// returned by channel name; one failing channel does not stop the others.
func (r *Registry) Dispatch(ctx context.Context, event core.RiskEvent) map[string]error {
	errs := make(map[string]error)
	for _, c := range r.GetAll() {
		if !c.Enabled() || !c.ShouldHandle(event) {
			continue
		}
		status := "sent"
		if err := c.Send(ctx, event); err != nil {
			errs[c.Name()] = core.WrapError(core.ErrNotifierFailed, err)
			status = "failed"
		}
		if r.metrics != nil {
			r.metrics.RecordNotification(c.Name(), status)
		}
	}
	return errs
}
