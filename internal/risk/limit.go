// Package risk holds the per-account risk state machine: limit resolution,
// account state, and the engine that evaluates balance updates.
package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// LimitKind selects how a RiskLimit value is interpreted.
type LimitKind string

const (
	// KindPercentage interprets the value as a percentage of a base amount.
	KindPercentage LimitKind = "PERCENTAGE"
	// KindAbsolute interprets the value as an absolute currency amount.
	KindAbsolute LimitKind = "ABSOLUTE"
)

// ParseKind accepts either case ("percentage", "ABSOLUTE").
func ParseKind(s string) (LimitKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(KindPercentage):
		return KindPercentage, nil
	case string(KindAbsolute):
		return KindAbsolute, nil
	}
	return "", fmt.Errorf("risk: unknown limit kind %q", s)
}

// DefaultWarningRatio is the share of a threshold at which an account is
// reported as WARNING.
var DefaultWarningRatio = decimal.RequireFromString("0.80")

var hundred = decimal.NewFromInt(100)

// RiskLimit is an immutable limit definition.
type RiskLimit struct {
	Kind  LimitKind       `json:"type"`
	Value decimal.Decimal `json:"value"`
}

// NewLimit validates and builds a limit.
func NewLimit(kind LimitKind, value decimal.Decimal) (*RiskLimit, error) {
	if kind != KindPercentage && kind != KindAbsolute {
		return nil, fmt.Errorf("risk: unknown limit kind %q", kind)
	}
	if value.IsNegative() {
		return nil, fmt.Errorf("risk: limit value must not be negative, got %s", value)
	}
	return &RiskLimit{Kind: kind, Value: value}, nil
}

// Percentage is shorthand for a percentage limit.
func Percentage(v string) *RiskLimit {
	return &RiskLimit{Kind: KindPercentage, Value: decimal.RequireFromString(v)}
}

// Absolute is shorthand for an absolute limit.
func Absolute(v string) *RiskLimit {
	return &RiskLimit{Kind: KindAbsolute, Value: decimal.RequireFromString(v)}
}

// String renders the limit as "10%" or "50".
func (l *RiskLimit) String() string {
	if l == nil {
		return "none"
	}
	if l.Kind == KindPercentage {
		return l.Value.String() + "%"
	}
	return l.Value.String()
}

// Resolve is ResolveThreshold bound to the limit.
func (l *RiskLimit) Resolve(base decimal.Decimal) decimal.Decimal {
	return ResolveThreshold(l, base)
}

// ResolveThreshold turns a limit into an absolute loss threshold. A nil limit
// resolves to zero, which never triggers.
func ResolveThreshold(limit *RiskLimit, base decimal.Decimal) decimal.Decimal {
	if limit == nil {
		return decimal.Zero
	}
	switch limit.Kind {
	case KindPercentage:
		return base.Mul(limit.Value).Div(hundred).Round(2)
	case KindAbsolute:
		return limit.Value
	}
	return decimal.Zero
}

// PercentageOf returns |actual| as a percentage of threshold, half-up to two
// decimals. A zero threshold yields zero.
func PercentageOf(actual, threshold decimal.Decimal) decimal.Decimal {
	if threshold.IsZero() {
		return decimal.Zero
	}
	return actual.Abs().Mul(hundred).Div(threshold).Round(2)
}

// WarningThreshold is the loss at which an account enters WARNING.
func WarningThreshold(threshold, ratio decimal.Decimal) decimal.Decimal {
	return threshold.Mul(ratio).Round(2)
}

// lossFrom converts a PnL into a non-negative loss.
func lossFrom(pnl decimal.Decimal) decimal.Decimal {
	if pnl.IsNegative() {
		return pnl.Neg()
	}
	return decimal.Zero
}
