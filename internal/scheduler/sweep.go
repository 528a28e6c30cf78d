package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/newthinker/riskguard/internal/risk"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweepConfig configures the periodic risk sweep.
type SweepConfig struct {
	Interval      time.Duration `mapstructure:"check_interval"`
	MaxConcurrent int           `mapstructure:"max_concurrent_checks"`
}

// DefaultSweepConfig returns default sweep settings.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{Interval: time.Minute, MaxConcurrent: 10}
}

// Checker is the engine surface the sweep needs.
type Checker interface {
	ListAccounts(ctx context.Context) ([]*risk.AccountRiskState, error)
	ForceRiskCheck(ctx context.Context, clientID string) (*risk.CheckResult, error)
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Checked    int
	Violations int
	Failed     int
}

// RiskSweep re-evaluates every tradable account on an interval.
type RiskSweep struct {
	cfg     SweepConfig
	checker Checker
	logger  *zap.Logger
}

// NewRiskSweep creates the sweep job.
func NewRiskSweep(cfg SweepConfig, checker Checker, logger *zap.Logger) *RiskSweep {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSweepConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	return &RiskSweep{cfg: cfg, checker: checker, logger: logger}
}

// Run sweeps every interval until ctx is done.
func (s *RiskSweep) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("risk sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce force-checks every account that can trade. Per-account failures
// are counted and logged.
func (s *RiskSweep) SweepOnce(ctx context.Context) (SweepReport, error) {
	accounts, err := s.checker.ListAccounts(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	var checked, violations, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)

	for _, a := range accounts {
		if !a.CanTrade() {
			continue
		}
		clientID := a.ClientID
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			res, err := s.checker.ForceRiskCheck(gctx, clientID)
			checked.Add(1)
			if err != nil {
				failed.Add(1)
				s.logger.Debug("risk sweep check failed", zap.String("client_id", clientID), zap.Error(err))
				return nil
			}
			if res != nil && res.Violation != risk.ViolationNone {
				violations.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	report := SweepReport{
		Checked:    int(checked.Load()),
		Violations: int(violations.Load()),
		Failed:     int(failed.Load()),
	}
	if report.Violations > 0 || report.Failed > 0 {
		s.logger.Info("risk sweep completed",
			zap.Int("checked", report.Checked),
			zap.Int("violations", report.Violations),
			zap.Int("failed", report.Failed),
		)
	}
	return report, err
}
