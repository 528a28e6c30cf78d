// internal/storage/state/interface.go
package state

import (
	"errors"
	"fmt"
	"strings"

	"github.com/newthinker/riskguard/internal/risk"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is the AccountRiskState persistence contract consumed by the engine.
type Store interface {
	risk.Store
	Close() error
}

// Config selects and configures a store.
type Config struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Open builds the store selected by cfg.Driver.
func Open(cfg Config, logger *zap.Logger) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN, logger)
	case "sqlite", "sqlite3":
		return NewSQLite(cfg.DSN)
	}
	return nil, fmt.Errorf("state: unknown driver %q", cfg.Driver)
}

// limitColumns flattens a limit into nullable kind and value columns.
func limitColumns(l *risk.RiskLimit) (kind, value *string) {
	if l == nil {
		return nil, nil
	}
	k := string(l.Kind)
	v := l.Value.String()
	return &k, &v
}

// parseLimit is the inverse of limitColumns.
func parseLimit(kind, value *string) (*risk.RiskLimit, error) {
	if kind == nil || value == nil {
		return nil, nil
	}
	k, err := risk.ParseKind(*kind)
	if err != nil {
		return nil, err
	}
	v, err := decimal.NewFromString(*value)
	if err != nil {
		return nil, fmt.Errorf("state: limit value %q: %w", *value, err)
	}
	return risk.NewLimit(k, v)
}

func parseDecimals(dst []*decimal.Decimal, src []string) error {
	if len(dst) != len(src) {
		return errors.New("state: column count mismatch")
	}
	for i, s := range src {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("state: decimal %q: %w", s, err)
		}
		*dst[i] = d
	}
	return nil
}
