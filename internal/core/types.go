package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies where a balance update originated.
type Source string

const (
	SourceWebSocket  Source = "websocket"
	SourcePolling    Source = "polling"
	SourceManual     Source = "manual_update"
	SourceMonitoring Source = "risk_monitoring"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceWebSocket, SourcePolling, SourceManual, SourceMonitoring:
		return true
	}
	return false
}

// BalanceUpdate is the normalized input every ingestion adapter produces.
type BalanceUpdate struct {
	ClientID        string
	NewBalance      decimal.Decimal
	PreviousBalance *decimal.Decimal
	UnrealizedPnl   *decimal.Decimal
	Source          Source
	Timestamp       time.Time
}

// HasPrevious reports whether the update carries a previous balance.
func (u BalanceUpdate) HasPrevious() bool {
	return u.PreviousBalance != nil
}

// EventType classifies a RiskEvent.
type EventType string

const (
	EventDailyRiskTriggered EventType = "DAILY_RISK_TRIGGERED"
	EventMaxRiskTriggered   EventType = "MAX_RISK_TRIGGERED"
	EventBalanceUpdate      EventType = "BALANCE_UPDATE"
	EventMonitoringError    EventType = "MONITORING_ERROR"
	EventPositionClosed     EventType = "POSITION_CLOSED"
	EventAccountBlocked     EventType = "ACCOUNT_BLOCKED"
)

// Severity of a RiskEvent.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
)

// Topic is an event bus topic.
type Topic string

const (
	TopicViolation       Topic = "risk.violation"
	TopicBalanceUpdate   Topic = "risk.balance_update"
	TopicMonitoringError Topic = "risk.monitoring_error"
	TopicPositionClosed  Topic = "risk.position_closed"
)

// AllTopics lists every topic the service publishes on.
func AllTopics() []Topic {
	return []Topic{TopicViolation, TopicBalanceUpdate, TopicMonitoringError, TopicPositionClosed}
}

// RiskEvent is the auditable record emitted by the risk engine and the
// enforcement pipeline.
type RiskEvent struct {
	ID              string           `json:"id"`
	EventType       EventType        `json:"eventType"`
	ClientID        string           `json:"clientId"`
	Timestamp       time.Time        `json:"timestamp"`
	Loss            *decimal.Decimal `json:"loss,omitempty"`
	Limit           *decimal.Decimal `json:"limit,omitempty"`
	Action          string           `json:"action,omitempty"`
	Severity        Severity         `json:"severity"`
	Message         string           `json:"message,omitempty"`
	Source          Source           `json:"source,omitempty"`
	Success         *bool            `json:"success,omitempty"`
	ClosedCount     int              `json:"closedCount,omitempty"`
	FailedCount     int              `json:"failedCount,omitempty"`
	NewBalance      *decimal.Decimal `json:"newBalance,omitempty"`
	PreviousBalance *decimal.Decimal `json:"previousBalance,omitempty"`
	CorrelationID   string           `json:"correlationId,omitempty"`
}

// NewRiskEvent returns an event with a fresh id and timestamp.
func NewRiskEvent(eventType EventType, clientID string, severity Severity, now time.Time) RiskEvent {
	return RiskEvent{
		ID:        NewEventID(now),
		EventType: eventType,
		ClientID:  clientID,
		Timestamp: now.UTC(),
		Severity:  severity,
	}
}

// DecimalPtr returns a pointer to a copy of d.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}
