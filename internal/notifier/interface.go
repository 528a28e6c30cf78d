package notifier

import (
	"context"
	"fmt"

	"github.com/newthinker/riskguard/internal/core"
)

// Config holds notifier configuration
type Config struct {
	Type    string         `mapstructure:"type"`
	Enabled *bool          `mapstructure:"enabled"`
	Events  []string       `mapstructure:"events"`
	Params  map[string]any `mapstructure:"params"`
}

// IsEnabled reports whether the channel is switched on. Unset means enabled.
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Filter builds the event filter for the channel. An empty Events list
// yields the default alert set.
func (c Config) Filter() Filter {
	if len(c.Events) == 0 {
		return DefaultFilter
	}
	allowed := make(map[core.EventType]bool, len(c.Events))
	for _, e := range c.Events {
		allowed[core.EventType(e)] = true
	}
	return func(ev core.RiskEvent) bool { return allowed[ev.EventType] }
}

// String returns a string param.
func (c Config) String(key string) string {
	v, _ := c.Params[key].(string)
	return v
}

// Int returns an integer param, accepting the numeric types config decoders produce.
func (c Config) Int(key string) int {
	switch v := c.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Strings returns a string-list param.
func (c Config) Strings(key string) []string {
	switch v := c.Params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// Channel delivers risk events to one destination.
type Channel interface {
	// Name returns the unique identifier for this channel
	Name() string

	Enabled() bool

	// ShouldHandle decides whether the event is relevant to the channel.
	ShouldHandle(event core.RiskEvent) bool

	Send(ctx context.Context, event core.RiskEvent) error
}

// Filter selects events.
type Filter func(event core.RiskEvent) bool

// DefaultFilter passes everything except balance updates.
func DefaultFilter(event core.RiskEvent) bool {
	switch event.EventType {
	case core.EventDailyRiskTriggered, core.EventMaxRiskTriggered,
		core.EventAccountBlocked, core.EventMonitoringError, core.EventPositionClosed:
		return true
	}
	return false
}

// AllEvents passes every event.
func AllEvents(core.RiskEvent) bool { return true }
