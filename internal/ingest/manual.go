package ingest

import (
	"context"
	"time"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/shopspring/decimal"
)

// Manual injects operator or test balance updates.
type Manual struct {
	sink   Submitter
	source core.Source
	now    func() time.Time
}

// NewManual creates a manual adapter that submits with source manual_update.
func NewManual(sink Submitter) *Manual {
	return &Manual{
		sink:   sink,
		source: core.SourceManual,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithSource returns a copy submitting under source.
func (m *Manual) WithSource(source core.Source) *Manual {
	c := *m
	c.source = source
	return &c
}

// Inject submits a balance update. previous may be nil.
func (m *Manual) Inject(ctx context.Context, clientID string, newBalance decimal.Decimal, previous *decimal.Decimal) (Result, error) {
	return m.sink.Submit(ctx, core.BalanceUpdate{
		ClientID:        clientID,
		NewBalance:      newBalance,
		PreviousBalance: previous,
		Source:          m.source,
		Timestamp:       m.now(),
	})
}
