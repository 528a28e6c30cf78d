package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestAccountRiskState_ApplyBalance(t *testing.T) {
	t.Run("without previous balance recomputes from start of day", func(t *testing.T) {
		s := NewAccountRiskState("c1", d("1000"), t0)
		s.applyBalance(d("960"), nil, t0)
		s.applyBalance(d("955"), nil, t0)

		assert.True(t, s.DailyPnl.Equal(d("-45")))
		assert.True(t, s.TotalPnl.Equal(d("-45")))
		assert.True(t, s.CurrentBalance.Equal(d("955")))
	})

	t.Run("with previous balance accumulates the delta", func(t *testing.T) {
		s := NewAccountRiskState("c1", d("1000"), t0)
		prev := d("1000")
		s.applyBalance(d("990"), &prev, t0)
		prev = d("990")
		s.applyBalance(d("985"), &prev, t0)

		assert.True(t, s.DailyPnl.Equal(d("-15")))
		assert.True(t, s.TotalPnl.Equal(d("-15")))
	})
}

func TestAccountRiskState_Clone(t *testing.T) {
	s := NewAccountRiskState("c1", d("1000"), t0)
	s.DailyRiskLimit = Absolute("50")
	s.recordViolation(ViolationDaily, t0)

	c := s.Clone()
	c.DailyRiskLimit.Value = d("999")
	*c.LastViolation = t0.Add(time.Hour)

	assert.True(t, s.DailyRiskLimit.Value.Equal(d("50")))
	assert.Equal(t, t0, *s.LastViolation)

	var nilState *AccountRiskState
	assert.Nil(t, nilState.Clone())
}

func TestAccountRiskState_BlockedFor(t *testing.T) {
	s := NewAccountRiskState("c1", d("1000"), t0)
	assert.False(t, s.BlockedFor(ViolationDaily))
	assert.False(t, s.BlockedFor(ViolationMax))
	assert.True(t, s.CanTrade())

	s.blockDaily(t0)
	assert.True(t, s.BlockedFor(ViolationDaily))
	assert.False(t, s.BlockedFor(ViolationMax))
	assert.False(t, s.CanTrade())

	s.blockPermanently(t0)
	assert.True(t, s.BlockedFor(ViolationDaily))
	assert.True(t, s.BlockedFor(ViolationMax))
	assert.Equal(t, StatusMaxRiskTriggered, s.RiskStatus)
}

func TestAccountRiskState_BlockDailyKeepsMaxStatus(t *testing.T) {
	s := NewAccountRiskState("c1", d("1000"), t0)
	s.blockPermanently(t0)
	s.blockDaily(t0)
	assert.Equal(t, StatusMaxRiskTriggered, s.RiskStatus)

	// A max violation still waiting for its block is not downgraded.
	pending := NewAccountRiskState("c2", d("1000"), t0)
	pending.recordViolation(ViolationMax, t0)
	pending.blockDaily(t0)
	assert.True(t, pending.DailyBlocked)
	assert.False(t, pending.PermanentlyBlocked)
	assert.Equal(t, StatusMaxRiskTriggered, pending.RiskStatus)
}

func TestAccountRiskState_ResetDaily(t *testing.T) {
	t.Run("lifts daily block", func(t *testing.T) {
		s := NewAccountRiskState("c1", d("1000"), t0)
		s.applyBalance(d("940"), nil, t0)
		s.blockDaily(t0)

		next := t0.Add(24 * time.Hour)
		s.resetDaily(next)

		assert.False(t, s.DailyBlocked)
		assert.True(t, s.CanTrade())
		assert.Equal(t, StatusNormal, s.RiskStatus)
		assert.True(t, s.DailyPnl.IsZero())
		assert.True(t, s.DailyStartBalance.Equal(d("940")))
		assert.True(t, s.TotalPnl.Equal(d("-60")))
		assert.Equal(t, next, s.LastDailyReset)
		assert.Empty(t, s.LastError)
	})

	t.Run("keeps permanent block", func(t *testing.T) {
		s := NewAccountRiskState("c1", d("1000"), t0)
		s.applyBalance(d("800"), nil, t0)
		s.blockDaily(t0)
		s.blockPermanently(t0)

		s.resetDaily(t0.Add(24 * time.Hour))

		assert.True(t, s.PermanentlyBlocked)
		assert.False(t, s.CanTrade())
		assert.Equal(t, StatusMaxRiskTriggered, s.RiskStatus)
		assert.True(t, s.DailyPnl.IsZero())
		assert.True(t, s.DailyStartBalance.Equal(d("800")))
	})
}

func TestAccountRiskState_DurableStatus(t *testing.T) {
	s := NewAccountRiskState("c1", d("1000"), t0)
	s.RiskStatus = StatusWarning
	assert.Equal(t, StatusNormal, s.DurableStatus())

	s.RiskStatus = StatusDailyRiskTriggered
	assert.Equal(t, StatusDailyRiskTriggered, s.DurableStatus())
}

func TestAccountRiskState_DailyBase(t *testing.T) {
	s := NewAccountRiskState("c1", d("1000"), t0)
	s.DailyStartBalance = d("0")
	assert.True(t, s.DailyBase().Equal(d("1000")))

	s.DailyStartBalance = d("900")
	assert.True(t, s.DailyBase().Equal(d("900")))
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name      string
		daily     *RiskLimit
		max       *RiskLimit
		balance   string
		status    Status
		violation ViolationKind
		warning   bool
	}{
		{"no loss", Absolute("50"), Absolute("100"), "1000", StatusNormal, ViolationNone, false},
		{"gain", Absolute("50"), Absolute("100"), "1200", StatusNormal, ViolationNone, false},
		{"daily warning at exactly 80 percent", Absolute("50"), nil, "960", StatusWarning, ViolationNone, true},
		{"daily just below warning", Absolute("100"), nil, "920.01", StatusNormal, ViolationNone, false},
		{"daily violated at threshold", Absolute("50"), nil, "950", StatusDailyRiskTriggered, ViolationDaily, false},
		{"max wins over daily", Absolute("50"), Absolute("100"), "880", StatusMaxRiskTriggered, ViolationMax, false},
		{"max percentage", nil, Percentage("10"), "900", StatusMaxRiskTriggered, ViolationMax, false},
		{"zero threshold never triggers", Absolute("0"), Percentage("0"), "1", StatusNormal, ViolationNone, false},
		{"no limits", nil, nil, "1", StatusNormal, ViolationNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewAccountRiskState("c1", d("1000"), t0)
			s.DailyRiskLimit = tt.daily
			s.MaxRiskLimit = tt.max
			s.applyBalance(d(tt.balance), nil, t0)

			res := Evaluate(s, DefaultWarningRatio, t0)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.violation, res.Violation)
			assert.Equal(t, tt.warning, res.Warning)
		})
	}
}

func TestEvaluate_MaxViolationSkipsDailyCheck(t *testing.T) {
	s := NewAccountRiskState("c1", d("1000"), t0)
	s.DailyRiskLimit = Absolute("50")
	s.MaxRiskLimit = Absolute("100")
	s.applyBalance(d("880"), nil, t0)

	res := Evaluate(s, DefaultWarningRatio, t0)
	require.Equal(t, ViolationMax, res.Violation)
	assert.False(t, res.Daily.Configured)
	assert.False(t, res.Daily.Violated)
	assert.Equal(t, "Max risk limit exceeded: Loss 120.00 >= Limit 100.00", res.Message())
}

func TestEvaluate_WarningBoundary(t *testing.T) {
	tests := []struct {
		balance string
		status  Status
	}{
		{"920.00", StatusWarning},          // 80.00%
		{"920.01", StatusNormal},           // 79.99%
		{"900.00", StatusMaxRiskTriggered}, // 100%
		{"899.99", StatusMaxRiskTriggered},
	}

	for _, tt := range tests {
		t.Run(tt.balance, func(t *testing.T) {
			s := NewAccountRiskState("c1", d("1000"), t0)
			s.MaxRiskLimit = Absolute("100")
			s.applyBalance(d(tt.balance), nil, t0)

			res := Evaluate(s, DefaultWarningRatio, t0)
			assert.Equal(t, tt.status, res.Status)
		})
	}
}

func TestEvaluate_BlockedStatusPrecedence(t *testing.T) {
	s := NewAccountRiskState("c1", d("1000"), t0)
	s.DailyRiskLimit = Absolute("50")
	s.blockDaily(t0)
	s.applyBalance(d("1010"), nil, t0)

	res := Evaluate(s, DefaultWarningRatio, t0)
	assert.Equal(t, StatusDailyRiskTriggered, res.Status)
	assert.Equal(t, ViolationNone, res.Violation)

	s.blockPermanently(t0)
	res = Evaluate(s, DefaultWarningRatio, t0)
	assert.Equal(t, StatusMaxRiskTriggered, res.Status)
}

func TestCheckResult_Message(t *testing.T) {
	s := NewAccountRiskState("c1", d("1000"), t0)
	s.DailyRiskLimit = Absolute("50")
	s.applyBalance(d("949.5"), nil, t0)

	res := Evaluate(s, DefaultWarningRatio, t0)
	assert.Equal(t, "Daily risk limit exceeded: Daily Loss 50.50 >= Limit 50.00", res.Message())

	assert.Empty(t, (&CheckResult{}).Message())
}
