package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the risk state machine position of an account.
type Status string

const (
	StatusNormal             Status = "NORMAL"
	StatusWarning            Status = "WARNING"
	StatusDailyRiskTriggered Status = "DAILY_RISK_TRIGGERED"
	StatusMaxRiskTriggered   Status = "MAX_RISK_TRIGGERED"
)

// Violated reports whether s is one of the triggered states.
func (s Status) Violated() bool {
	return s == StatusDailyRiskTriggered || s == StatusMaxRiskTriggered
}

// ViolationKind distinguishes daily from max-risk violations.
type ViolationKind string

const (
	ViolationNone  ViolationKind = ""
	ViolationDaily ViolationKind = "DAILY_RISK_VIOLATION"
	ViolationMax   ViolationKind = "MAX_RISK_VIOLATION"
)

// Status maps a violation kind to the state it drives the account into.
func (k ViolationKind) Status() Status {
	switch k {
	case ViolationDaily:
		return StatusDailyRiskTriggered
	case ViolationMax:
		return StatusMaxRiskTriggered
	}
	return StatusNormal
}

// AccountRiskState is the per-client record owned by the Engine.
type AccountRiskState struct {
	ClientID string `json:"clientId"`

	InitialBalance    decimal.Decimal `json:"initialBalance"`
	CurrentBalance    decimal.Decimal `json:"currentBalance"`
	DailyStartBalance decimal.Decimal `json:"dailyStartBalance"`
	DailyPnl          decimal.Decimal `json:"dailyPnl"`
	TotalPnl          decimal.Decimal `json:"totalPnl"`
	UnrealizedPnl     decimal.Decimal `json:"unrealizedPnl"`

	DailyBlocked       bool   `json:"dailyBlocked"`
	PermanentlyBlocked bool   `json:"permanentlyBlocked"`
	RiskStatus         Status `json:"riskStatus"`

	DailyRiskLimit *RiskLimit `json:"dailyRiskLimit,omitempty"`
	MaxRiskLimit   *RiskLimit `json:"maxRiskLimit,omitempty"`

	ViolationCount int        `json:"violationCount"`
	LastViolation  *time.Time `json:"lastViolation,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	LastSource     string     `json:"lastSource,omitempty"`

	LastRiskCheck  time.Time `json:"lastRiskCheck"`
	LastDailyReset time.Time `json:"lastDailyReset"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// NewAccountRiskState creates a state whose baselines equal initialBalance.
func NewAccountRiskState(clientID string, initialBalance decimal.Decimal, now time.Time) *AccountRiskState {
	return &AccountRiskState{
		ClientID:          clientID,
		InitialBalance:    initialBalance,
		CurrentBalance:    initialBalance,
		DailyStartBalance: initialBalance,
		DailyPnl:          decimal.Zero,
		TotalPnl:          decimal.Zero,
		UnrealizedPnl:     decimal.Zero,
		RiskStatus:        StatusNormal,
		LastDailyReset:    now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Clone returns a deep copy.
func (s *AccountRiskState) Clone() *AccountRiskState {
	if s == nil {
		return nil
	}
	c := *s
	if s.DailyRiskLimit != nil {
		l := *s.DailyRiskLimit
		c.DailyRiskLimit = &l
	}
	if s.MaxRiskLimit != nil {
		l := *s.MaxRiskLimit
		c.MaxRiskLimit = &l
	}
	if s.LastViolation != nil {
		t := *s.LastViolation
		c.LastViolation = &t
	}
	return &c
}

// CanTrade reports whether the account is free of any block.
func (s *AccountRiskState) CanTrade() bool {
	return !s.DailyBlocked && !s.PermanentlyBlocked
}

// BlockedFor reports whether the block matching kind is already applied.
func (s *AccountRiskState) BlockedFor(kind ViolationKind) bool {
	switch kind {
	case ViolationMax:
		return s.PermanentlyBlocked
	case ViolationDaily:
		return s.DailyBlocked || s.PermanentlyBlocked
	}
	return false
}

// HasLimits reports whether at least one limit is configured.
func (s *AccountRiskState) HasLimits() bool {
	return s.DailyRiskLimit != nil || s.MaxRiskLimit != nil
}

// DurableStatus is the status written to storage. WARNING is advisory and
// is stored as NORMAL.
func (s *AccountRiskState) DurableStatus() Status {
	if s.RiskStatus == StatusWarning {
		return StatusNormal
	}
	return s.RiskStatus
}

// DailyBase is the balance daily-risk percentages are measured against.
func (s *AccountRiskState) DailyBase() decimal.Decimal {
	if s.DailyStartBalance.IsPositive() {
		return s.DailyStartBalance
	}
	return s.InitialBalance
}

// applyBalance records a new balance and recomputes PnL. With a previous
// balance the daily PnL accumulates the delta; without one it is recomputed
// from the start-of-day balance.
func (s *AccountRiskState) applyBalance(newBalance decimal.Decimal, previous *decimal.Decimal, now time.Time) {
	s.CurrentBalance = newBalance
	s.TotalPnl = newBalance.Sub(s.InitialBalance)

	if previous != nil {
		s.DailyPnl = s.DailyPnl.Add(newBalance.Sub(*previous))
	} else {
		s.DailyPnl = newBalance.Sub(s.DailyStartBalance)
	}
	s.UpdatedAt = now
}

// recordViolation bumps the audit counters.
func (s *AccountRiskState) recordViolation(kind ViolationKind, now time.Time) {
	s.RiskStatus = kind.Status()
	s.ViolationCount++
	t := now
	s.LastViolation = &t
	s.UpdatedAt = now
}

func (s *AccountRiskState) blockDaily(now time.Time) {
	s.DailyBlocked = true
	if !s.PermanentlyBlocked && s.RiskStatus != StatusMaxRiskTriggered {
		s.RiskStatus = StatusDailyRiskTriggered
	}
	s.LastError = "Daily risk limit exceeded - trading blocked for today"
	s.UpdatedAt = now
}

func (s *AccountRiskState) blockPermanently(now time.Time) {
	s.PermanentlyBlocked = true
	s.RiskStatus = StatusMaxRiskTriggered
	s.LastError = "Max risk limit exceeded - account permanently blocked"
	s.UpdatedAt = now
}

// resetDaily rebases the day. Permanent blocks are left as they are.
func (s *AccountRiskState) resetDaily(now time.Time) {
	s.DailyStartBalance = s.CurrentBalance
	s.DailyPnl = decimal.Zero
	s.LastDailyReset = now
	s.UpdatedAt = now

	if s.PermanentlyBlocked {
		s.RiskStatus = StatusMaxRiskTriggered
		return
	}
	s.DailyBlocked = false
	s.RiskStatus = StatusNormal
	s.LastError = ""
}
