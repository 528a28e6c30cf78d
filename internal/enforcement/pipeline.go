// Package enforcement carries out the consequences of a risk violation:
// flatten positions, block the account, and announce it.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/exchange"
	"github.com/newthinker/riskguard/internal/metrics"
	"github.com/newthinker/riskguard/internal/retry"
	"github.com/newthinker/riskguard/internal/risk"
	"go.uber.org/zap"
)

// Actions recorded on enforcement events.
const (
	ActionCloseAllPositions = "CLOSE_ALL_POSITIONS"
	ActionPermanentBlock    = "All positions closed. Trading permanently disabled."
	ActionDailyBlock        = "All positions closed. Trading disabled for today."
)

// Blocker applies account blocks. The risk engine implements it.
type Blocker interface {
	ApplyBlock(ctx context.Context, clientID string, kind risk.ViolationKind) (*risk.AccountRiskState, error)
	ReleaseEnforcement(clientID string, kind risk.ViolationKind)
}

// CredentialsSource resolves exchange credentials for a client.
type CredentialsSource interface {
	GetCredentials(ctx context.Context, clientID string) (exchange.Credentials, error)
}

// Config holds pipeline settings.
type Config struct {
	// ExchangeTimeout bounds the close-all call.
	ExchangeTimeout time.Duration
	// BlockRetry governs retries of the block write.
	BlockRetry retry.Config
}

// DefaultConfig returns default pipeline settings.
func DefaultConfig() Config {
	cfg := retry.PersistConfig()
	cfg.MaxRetries = 3
	return Config{
		ExchangeTimeout: 10 * time.Second,
		BlockRetry:      cfg,
	}
}

// Outcome describes one enforcement run.
type Outcome struct {
	Violation     risk.Violation
	CorrelationID string
	Close         *exchange.ClosePositionsResult
	CloseErr      error
	State         *risk.AccountRiskState
	BlockErr      error
	Duration      time.Duration
}

// Blocked reports whether the account block was persisted.
func (o *Outcome) Blocked() bool {
	return o.BlockErr == nil && o.State != nil
}

// Pipeline runs close-positions, block, announce for a single violation.
type Pipeline struct {
	cfg       Config
	exchanges *exchange.Registry
	creds     CredentialsSource
	blocker   Blocker
	publisher risk.Publisher
	metrics   *metrics.Registry
	logger    *zap.Logger
	now       func() time.Time
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg Config, exchanges *exchange.Registry, creds CredentialsSource, blocker Blocker, publisher risk.Publisher, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultConfig().ExchangeTimeout
	}
	return &Pipeline{
		cfg:       cfg,
		exchanges: exchanges,
		creds:     creds,
		blocker:   blocker,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics sets the metrics registry.
func (p *Pipeline) SetMetrics(reg *metrics.Registry) {
	p.metrics = reg
}

// Enforce runs the pipeline. Position-close failures are recorded and do
// not stop the block; a failed block is returned. The in-flight marker is
// always released.
func (p *Pipeline) Enforce(ctx context.Context, v risk.Violation) (*Outcome, error) {
	start := time.Now()
	defer p.blocker.ReleaseEnforcement(v.ClientID, v.Kind)

	out := &Outcome{Violation: v, CorrelationID: uuid.NewString()}
	log := p.logger.With(
		zap.String("client_id", v.ClientID),
		zap.String("violation", string(v.Kind)),
		zap.String("correlation_id", out.CorrelationID),
	)
	log.Warn("enforcing risk violation",
		zap.Stringer("loss", v.Loss),
		zap.Stringer("threshold", v.Threshold),
	)

	out.Close, out.CloseErr = p.closePositions(ctx, v.ClientID)
	if out.CloseErr != nil {
		log.Error("failed to close positions, blocking anyway", zap.Error(out.CloseErr))
	} else {
		log.Info("positions closed",
			zap.Int("closed", out.Close.ClosedCount),
			zap.Int("failed", out.Close.FailedCount),
		)
	}

	out.State, out.BlockErr = p.applyBlock(ctx, v)
	out.Duration = time.Since(start)

	p.announce(ctx, out)

	result := "success"
	switch {
	case out.BlockErr != nil:
		result = "block_failed"
	case out.CloseErr != nil || (out.Close != nil && !out.Close.Success):
		result = "partial"
	}
	if p.metrics != nil {
		p.metrics.RecordEnforcement(string(v.Kind), result, out.Duration.Seconds())
		if out.Close != nil {
			p.metrics.RecordPositionsClosed(out.Close.ClosedCount, out.Close.FailedCount)
		}
	}

	if out.BlockErr != nil {
		log.Error("failed to apply account block", zap.Error(out.BlockErr))
		return out, fmt.Errorf("apply block for %s: %w", v.ClientID, out.BlockErr)
	}

	log.Warn("risk enforcement completed",
		zap.String("result", result),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

func (p *Pipeline) closePositions(ctx context.Context, clientID string) (*exchange.ClosePositionsResult, error) {
	if p.exchanges == nil || p.creds == nil {
		return nil, core.WrapError(core.ErrExchangeFailed, errors.New("no exchange configured"))
	}
	creds, err := p.creds.GetCredentials(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	client, err := p.exchanges.For(creds)
	if err != nil {
		return nil, core.WrapError(core.ErrExchangeFailed, err)
	}

	cctx, cancel := context.WithTimeout(ctx, p.cfg.ExchangeTimeout)
	defer cancel()

	res, err := client.CloseAllPositions(cctx, creds)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, core.WrapError(core.ErrExchangeTimeout, err)
		}
		return nil, err
	}
	if res == nil {
		return nil, core.WrapError(core.ErrExchangeFailed, errors.New("empty close result"))
	}
	return res, nil
}

func (p *Pipeline) applyBlock(ctx context.Context, v risk.Violation) (*risk.AccountRiskState, error) {
	cfg := p.cfg.BlockRetry
	cfg.RetryIf = func(err error) bool { return errors.Is(err, core.ErrPersistence) }
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		p.logger.Warn("retrying account block",
			zap.String("client_id", v.ClientID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	return retry.DoWithResult(ctx, func() (*risk.AccountRiskState, error) {
		return p.blocker.ApplyBlock(ctx, v.ClientID, v.Kind)
	}, cfg)
}

func (p *Pipeline) announce(ctx context.Context, out *Outcome) {
	v := out.Violation
	now := p.now()

	closed := core.NewRiskEvent(core.EventPositionClosed, v.ClientID, core.SeverityInfo, now)
	closed.Action = ActionCloseAllPositions
	closed.Source = v.Source
	closed.CorrelationID = out.CorrelationID
	switch {
	case out.CloseErr != nil:
		closed.Success = core.BoolPtr(false)
		closed.Severity = core.SeverityHigh
		closed.Message = fmt.Sprintf("Failed to close positions: %v", out.CloseErr)
	default:
		closed.Success = core.BoolPtr(out.Close.Success)
		closed.ClosedCount = out.Close.ClosedCount
		closed.FailedCount = out.Close.FailedCount
		closed.Message = out.Close.Message
		if !out.Close.Success {
			closed.Severity = core.SeverityHigh
		}
	}
	p.publish(ctx, core.TopicPositionClosed, closed)

	eventType, severity, action := core.EventDailyRiskTriggered, core.SeverityHigh, ActionDailyBlock
	if v.Kind == risk.ViolationMax {
		eventType, severity, action = core.EventMaxRiskTriggered, core.SeverityCritical, ActionPermanentBlock
	}

	triggered := core.NewRiskEvent(eventType, v.ClientID, severity, now)
	triggered.Loss = core.DecimalPtr(v.Loss)
	triggered.Limit = core.DecimalPtr(v.Threshold)
	triggered.Action = ActionCloseAllPositions
	triggered.Message = v.Message
	triggered.Source = v.Source
	triggered.NewBalance = core.DecimalPtr(v.Balance)
	triggered.CorrelationID = out.CorrelationID
	p.publish(ctx, core.TopicViolation, triggered)

	if out.BlockErr != nil {
		failed := core.NewRiskEvent(core.EventMonitoringError, v.ClientID, core.SeverityCritical, now)
		failed.Source = core.SourceMonitoring
		failed.CorrelationID = out.CorrelationID
		failed.Message = fmt.Sprintf("Failed to execute %s actions: %v", v.Kind, out.BlockErr)
		p.publish(ctx, core.TopicMonitoringError, failed)
		return
	}

	blocked := core.NewRiskEvent(core.EventAccountBlocked, v.ClientID, severity, now)
	blocked.Action = action
	blocked.Loss = core.DecimalPtr(v.Loss)
	blocked.Limit = core.DecimalPtr(v.Threshold)
	blocked.Success = core.BoolPtr(true)
	blocked.Message = fmt.Sprintf("%s %s", v.Message, action)
	blocked.CorrelationID = out.CorrelationID
	p.publish(ctx, core.TopicViolation, blocked)
}

func (p *Pipeline) publish(ctx context.Context, topic core.Topic, ev core.RiskEvent) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, topic, ev); err != nil {
		p.logger.Warn("failed to publish enforcement event",
			zap.String("topic", string(topic)),
			zap.String("event_type", string(ev.EventType)),
			zap.String("client_id", ev.ClientID),
			zap.Error(err),
		)
	}
}
