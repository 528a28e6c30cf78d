// Package scheduler runs the time-driven jobs: the daily risk reset and the
// periodic risk sweep.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/risk"
	"go.uber.org/zap"
)

// ResetConfig configures the daily reset.
type ResetConfig struct {
	// At is the UTC wall-clock trigger as HH:MM.
	At      string `mapstructure:"daily_reset"`
	CatchUp bool   `mapstructure:"catch_up"`
}

// DefaultResetConfig resets at UTC midnight with catch-up on start.
func DefaultResetConfig() ResetConfig {
	return ResetConfig{At: "00:00", CatchUp: true}
}

// Resetter is the engine surface the daily reset needs.
type Resetter interface {
	ResetDaily(ctx context.Context) (risk.ResetReport, error)
	ListAccounts(ctx context.Context) ([]*risk.AccountRiskState, error)
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, core.WrapError(core.ErrConfigInvalid, fmt.Errorf("reset time %q: want HH:MM", s))
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, core.WrapError(core.ErrConfigInvalid, fmt.Errorf("reset time %q: bad hour", s))
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, core.WrapError(core.ErrConfigInvalid, fmt.Errorf("reset time %q: bad minute", s))
	}
	return hour, minute, nil
}

// DailyReset triggers Engine.ResetDaily once per day at a fixed UTC time.
type DailyReset struct {
	hour, minute int
	catchUp      bool
	engine       Resetter
	logger       *zap.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// NewDailyReset creates the daily reset job.
func NewDailyReset(cfg ResetConfig, engine Resetter, logger *zap.Logger) (*DailyReset, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.At == "" {
		cfg.At = DefaultResetConfig().At
	}
	hour, minute, err := ParseClock(cfg.At)
	if err != nil {
		return nil, err
	}
	return &DailyReset{
		hour:    hour,
		minute:  minute,
		catchUp: cfg.CatchUp,
		engine:  engine,
		logger:  logger,
		now:     time.Now,
		after:   time.After,
	}, nil
}

// LastTrigger returns the most recent trigger at or before now.
func (d *DailyReset) LastTrigger(now time.Time) time.Time {
	now = now.UTC()
	t := time.Date(now.Year(), now.Month(), now.Day(), d.hour, d.minute, 0, 0, time.UTC)
	if t.After(now) {
		t = t.AddDate(0, 0, -1)
	}
	return t
}

// NextRun returns the first trigger strictly after now.
func (d *DailyReset) NextRun(now time.Time) time.Time {
	return d.LastTrigger(now).AddDate(0, 0, 1)
}

// Run optionally catches up a missed reset, then resets at every trigger
// until ctx is done.
func (d *DailyReset) Run(ctx context.Context) {
	if d.catchUp {
		if stale, err := d.NeedsCatchUp(ctx); err != nil {
			d.logger.Warn("daily reset catch-up check failed", zap.Error(err))
		} else if stale {
			d.logger.Info("daily reset missed, catching up")
			d.RunOnce(ctx)
		}
	}

	for {
		next := d.NextRun(d.now())
		wait := next.Sub(d.now())
		d.logger.Debug("next daily reset scheduled", zap.Time("at", next), zap.Duration("in", wait))

		select {
		case <-ctx.Done():
			return
		case <-d.after(wait):
			d.RunOnce(ctx)
		}
	}
}

// RunOnce resets every account now.
func (d *DailyReset) RunOnce(ctx context.Context) (risk.ResetReport, error) {
	report, err := d.engine.ResetDaily(ctx)
	if err != nil {
		d.logger.Error("daily reset finished with errors",
			zap.Int("failed", report.Failed),
			zap.Error(err),
		)
	}
	return report, err
}

// NeedsCatchUp reports whether any account was last reset before the most
// recent trigger.
func (d *DailyReset) NeedsCatchUp(ctx context.Context) (bool, error) {
	accounts, err := d.engine.ListAccounts(ctx)
	if err != nil {
		return false, err
	}
	last := d.LastTrigger(d.now())
	for _, a := range accounts {
		if a.LastDailyReset.Before(last) {
			return true, nil
		}
	}
	return false, nil
}
