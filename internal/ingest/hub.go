// Package ingest normalizes balance feeds into core.BalanceUpdate and hands
// them to the risk engine through a single deduplicating Hub.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/metrics"
	"github.com/newthinker/riskguard/internal/risk"
	"go.uber.org/zap"
)

// Processor evaluates a balance update. *risk.Engine implements it.
type Processor interface {
	ProcessBalanceUpdate(ctx context.Context, u core.BalanceUpdate) (*risk.CheckResult, error)
}

// Submitter accepts normalized balance updates.
type Submitter interface {
	Submit(ctx context.Context, u core.BalanceUpdate) (Result, error)
}

// Result is the outcome of one submission.
type Result struct {
	Check *risk.CheckResult `json:"check,omitempty"`
	// Suppressed is set when the update repeated the last processed balance.
	Suppressed bool `json:"suppressed"`
}

// Outcome labels for riskguard_balance_updates_total.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

// Hub is the single entry point from every adapter into the engine.
type Hub struct {
	processor Processor
	deduper   *Deduper
	metrics   *metrics.Registry
	logger    *zap.Logger
}

// NewHub creates a hub in front of processor.
func NewHub(processor Processor, deduper *Deduper, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deduper == nil {
		deduper = NewDeduper(0, logger)
	}
	return &Hub{
		processor: processor,
		deduper:   deduper,
		logger:    logger,
	}
}

// SetMetrics sets the metrics registry.
func (h *Hub) SetMetrics(reg *metrics.Registry) {
	h.metrics = reg
}

// Submit validates u, drops it when it repeats the last processed balance,
// and otherwise runs it through the processor. The processed mark is written
// only after the processor returns without error.
func (h *Hub) Submit(ctx context.Context, u core.BalanceUpdate) (Result, error) {
	if err := Validate(u); err != nil {
		h.record(u.Source, OutcomeInvalid)
		return Result{}, err
	}

	if h.deduper.Seen(u.ClientID, u.NewBalance) {
		h.record(u.Source, OutcomeDuplicate)
		h.logger.Debug("duplicate balance update suppressed",
			zap.String("client_id", u.ClientID),
			zap.String("source", string(u.Source)),
			zap.Stringer("balance", u.NewBalance),
		)
		return Result{Suppressed: true}, nil
	}

	res, err := h.processor.ProcessBalanceUpdate(ctx, u)
	if err != nil {
		h.record(u.Source, OutcomeError)
		return Result{Check: res}, err
	}

	h.deduper.MarkProcessed(u.ClientID, u.NewBalance)
	h.record(u.Source, OutcomeProcessed)
	return Result{Check: res}, nil
}

// Validate checks the invariants every adapter must uphold.
func Validate(u core.BalanceUpdate) error {
	switch {
	case u.ClientID == "":
		return core.WrapError(core.ErrInvalidUpdate, errors.New("empty client id"))
	case u.NewBalance.IsNegative():
		return core.WrapError(core.ErrInvalidUpdate, fmt.Errorf("negative balance %s", u.NewBalance))
	case u.PreviousBalance != nil && u.PreviousBalance.IsNegative():
		return core.WrapError(core.ErrInvalidUpdate, fmt.Errorf("negative previous balance %s", u.PreviousBalance))
	case !u.Source.Valid():
		return core.WrapError(core.ErrInvalidUpdate, fmt.Errorf("unknown source %q", u.Source))
	}
	return nil
}

func (h *Hub) record(source core.Source, outcome string) {
	if h.metrics != nil {
		h.metrics.RecordBalanceUpdate(string(source), outcome)
	}
}
