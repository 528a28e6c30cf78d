package risk

import (
	"context"
	"time"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/shopspring/decimal"
)

// Store persists AccountRiskState keyed by client id. Get returns (nil, nil)
// for unknown clients.
type Store interface {
	Get(ctx context.Context, clientID string) (*AccountRiskState, error)
	Save(ctx context.Context, state *AccountRiskState) error
	FindAll(ctx context.Context) ([]*AccountRiskState, error)
	FindByDailyBlocked(ctx context.Context, blocked bool) ([]*AccountRiskState, error)
	Delete(ctx context.Context, clientID string) error
}

// ConfigProvider supplies externally managed client configuration.
// Implementations return core.ErrConfigMissing when nothing is configured.
type ConfigProvider interface {
	GetRiskLimits(ctx context.Context, clientID string) (daily, max *RiskLimit, err error)
	GetInitialBalance(ctx context.Context, clientID string) (decimal.Decimal, error)
}

// Violation describes a detected limit breach handed to the Enforcer.
type Violation struct {
	ClientID   string
	Kind       ViolationKind
	Loss       decimal.Decimal
	Threshold  decimal.Decimal
	Balance    decimal.Decimal
	Message    string
	Source     core.Source
	DetectedAt time.Time
}

// Enforcer runs the consequences of a violation. Implementations must
// eventually call Engine.ReleaseEnforcement for the client and kind.
type Enforcer interface {
	Enforce(ctx context.Context, v Violation) error
}

// Publisher emits RiskEvents to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic core.Topic, event core.RiskEvent) error
}
