package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/exchange"
	"github.com/newthinker/riskguard/internal/risk"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// PollerConfig configures the polling fallback.
type PollerConfig struct {
	Interval time.Duration `mapstructure:"poll_interval"`
	// Rate is exchange requests per second across all clients.
	Rate          float64       `mapstructure:"poll_rate"`
	Burst         int           `mapstructure:"poll_burst"`
	Timeout       time.Duration `mapstructure:"exchange_timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent_checks"`
}

// DefaultPollerConfig returns default poller settings.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:      30 * time.Second,
		Rate:          5,
		Burst:         5,
		Timeout:       10 * time.Second,
		MaxConcurrent: 10,
	}
}

// AccountLister lists monitored accounts. *risk.Engine implements it.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]*risk.AccountRiskState, error)
}

// VenueResolver picks the exchange client for credentials. *exchange.Registry implements it.
type VenueResolver interface {
	For(creds exchange.Credentials) (exchange.Client, error)
}

// Poller periodically fetches balances for accounts that can trade and
// submits the ones that changed.
type Poller struct {
	cfg      PollerConfig
	accounts AccountLister
	creds    CredentialSource
	venues   VenueResolver
	sink     Submitter
	limiter  *rate.Limiter
	logger   *zap.Logger

	// skip excludes clients served by another adapter.
	skip func(clientID string) bool
	now  func() time.Time
}

// NewPoller creates a poller.
func NewPoller(cfg PollerConfig, accounts AccountLister, creds CredentialSource, venues VenueResolver, sink Submitter, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultPollerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	return &Poller{
		cfg:      cfg,
		accounts: accounts,
		creds:    creds,
		venues:   venues,
		sink:     sink,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetSkip installs a predicate for clients the poller should leave alone.
func (p *Poller) SetSkip(skip func(clientID string) bool) {
	p.skip = skip
}

// Run polls every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PollOnce(ctx)
			if err != nil && ctx.Err() == nil {
				p.logger.Warn("balance poll failed", zap.Error(err))
			}
			if n > 0 {
				p.logger.Debug("balance poll submitted updates", zap.Int("count", n))
			}
		}
	}
}

// PollOnce runs one polling pass and returns how many updates were submitted.
// Per-client failures are logged and do not abort the pass.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	states, err := p.accounts.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}

	var submitted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrent)

	for _, st := range states {
		if !st.CanTrade() {
			continue
		}
		if p.skip != nil && p.skip(st.ClientID) {
			continue
		}
		st := st
		g.Go(func() error {
			ok, err := p.pollOne(gctx, st)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.logger.Debug("balance poll skipped client",
					zap.String("client_id", st.ClientID),
					zap.Error(err),
				)
				return nil
			}
			if ok {
				submitted.Add(1)
			}
			return nil
		})
	}

	err = g.Wait()
	return int(submitted.Load()), err
}

func (p *Poller) pollOne(ctx context.Context, st *risk.AccountRiskState) (bool, error) {
	creds, err := p.creds.GetCredentials(ctx, st.ClientID)
	if err != nil {
		return false, err
	}
	venue, err := p.venues.For(creds)
	if err != nil {
		return false, err
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return false, err
	}

	fctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	bal, err := venue.GetBalance(fctx, creds)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, core.WrapError(core.ErrExchangeTimeout, err)
		}
		return false, core.WrapError(core.ErrExchangeFailed, err)
	}

	if bal.Total.Equal(st.CurrentBalance) {
		return false, nil
	}

	upnl := bal.UnrealizedPnl
	_, err = p.sink.Submit(ctx, core.BalanceUpdate{
		ClientID:      st.ClientID,
		NewBalance:    bal.Total,
		UnrealizedPnl: &upnl,
		Source:        core.SourcePolling,
		Timestamp:     p.now(),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
