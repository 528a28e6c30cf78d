// internal/storage/state/retry.go
package state

import (
	"context"
	"errors"
	"time"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/retry"
	"github.com/newthinker/riskguard/internal/risk"
	"go.uber.org/zap"
)

// RetryStore retries writes that fail with a persistence error.
type RetryStore struct {
	Store
	cfg    retry.Config
	logger *zap.Logger
}

// WithRetry wraps s so Save and Delete are retried per cfg.
func WithRetry(s Store, cfg retry.Config, logger *zap.Logger) *RetryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryStore{Store: s, cfg: cfg, logger: logger}
}

func (r *RetryStore) Save(ctx context.Context, st *risk.AccountRiskState) error {
	return retry.Do(ctx, func() error {
		return r.Store.Save(ctx, st)
	}, r.config("save", st.ClientID))
}

func (r *RetryStore) Delete(ctx context.Context, clientID string) error {
	return retry.Do(ctx, func() error {
		return r.Store.Delete(ctx, clientID)
	}, r.config("delete", clientID))
}

func (r *RetryStore) config(op, clientID string) retry.Config {
	cfg := r.cfg
	cfg.RetryIf = func(err error) bool { return errors.Is(err, core.ErrPersistence) }
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Warn("retrying state write",
			zap.String("op", op),
			zap.String("client_id", clientID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	return cfg
}
