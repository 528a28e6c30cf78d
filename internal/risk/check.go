package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LimitCheck is the outcome of evaluating one limit.
type LimitCheck struct {
	Configured bool            `json:"configured"`
	Loss       decimal.Decimal `json:"loss"`
	Threshold  decimal.Decimal `json:"threshold"`
	Percentage decimal.Decimal `json:"percentageOfThreshold"`
	Violated   bool            `json:"violated"`
	Warning    bool            `json:"warning"`
}

// CheckResult is computed for every evaluation and never stored.
type CheckResult struct {
	ClientID  string     `json:"clientId"`
	Status    Status     `json:"status"`
	Max       LimitCheck `json:"maxRisk"`
	Daily     LimitCheck `json:"dailyRisk"`
	Warning   bool       `json:"warning"`
	Monitored bool       `json:"monitored"`

	// Violation is the violation detected by this evaluation, if any.
	Violation ViolationKind `json:"violation,omitempty"`
	// Enforced is true when this evaluation started enforcement.
	Enforced bool `json:"enforced"`
	// Suppressed is true when a violation was detected but enforcement was
	// already applied or in flight.
	Suppressed bool `json:"suppressed"`

	CheckedAt time.Time `json:"checkedAt"`
}

// Message renders the violation in the wording used by alerts.
func (r *CheckResult) Message() string {
	switch r.Violation {
	case ViolationMax:
		return fmt.Sprintf("Max risk limit exceeded: Loss %s >= Limit %s",
			r.Max.Loss.StringFixed(2), r.Max.Threshold.StringFixed(2))
	case ViolationDaily:
		return fmt.Sprintf("Daily risk limit exceeded: Daily Loss %s >= Limit %s",
			r.Daily.Loss.StringFixed(2), r.Daily.Threshold.StringFixed(2))
	}
	return ""
}

// checkLimit evaluates loss against a limit resolved on base.
func checkLimit(limit *RiskLimit, base, pnl, warningRatio decimal.Decimal) LimitCheck {
	threshold := ResolveThreshold(limit, base)
	loss := lossFrom(pnl)
	lc := LimitCheck{
		Configured: limit != nil && threshold.IsPositive(),
		Loss:       loss,
		Threshold:  threshold,
		Percentage: PercentageOf(loss, threshold),
	}
	if !lc.Configured {
		return lc
	}
	lc.Violated = loss.GreaterThanOrEqual(threshold)
	lc.Warning = !lc.Violated && lc.Percentage.GreaterThanOrEqual(warningRatio.Mul(hundred))
	return lc
}

// Evaluate runs the max check, then the daily check, and classifies the
// account. It does not mutate the state.
func Evaluate(s *AccountRiskState, warningRatio decimal.Decimal, now time.Time) *CheckResult {
	res := &CheckResult{
		ClientID:  s.ClientID,
		Monitored: s.HasLimits(),
		CheckedAt: now,
	}

	res.Max = checkLimit(s.MaxRiskLimit, s.InitialBalance, s.TotalPnl, warningRatio)
	if res.Max.Violated {
		res.Violation = ViolationMax
	} else {
		res.Daily = checkLimit(s.DailyRiskLimit, s.DailyBase(), s.DailyPnl, warningRatio)
		if res.Daily.Violated {
			res.Violation = ViolationDaily
		}
	}

	switch {
	case s.PermanentlyBlocked:
		res.Status = StatusMaxRiskTriggered
	case res.Violation != ViolationNone:
		res.Status = res.Violation.Status()
	case s.DailyBlocked:
		res.Status = StatusDailyRiskTriggered
	case res.Max.Warning || res.Daily.Warning:
		res.Status = StatusWarning
		res.Warning = true
	default:
		res.Status = StatusNormal
	}

	return res
}
