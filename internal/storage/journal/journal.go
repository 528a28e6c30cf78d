// Package journal keeps an append-only audit trail of risk events.
package journal

import (
	"context"
	"time"

	"github.com/newthinker/riskguard/internal/core"
)

// Sink records risk events. Recording the same event id twice is a no-op.
type Sink interface {
	Record(ctx context.Context, event core.RiskEvent) error
}

// Query filters journal reads. Zero values match everything.
type Query struct {
	ClientID  string
	EventType core.EventType
	Since     time.Time
	Limit     int
}

// Multi records into every sink and returns the first error.
type Multi []Sink

func (m Multi) Record(ctx context.Context, event core.RiskEvent) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
