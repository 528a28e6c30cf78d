package notifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/newthinker/riskguard/internal/core"
)

// Title returns a one-line headline for event.
func Title(event core.RiskEvent) string {
	switch event.EventType {
	case core.EventMaxRiskTriggered:
		return fmt.Sprintf("Max risk limit breached: %s", event.ClientID)
	case core.EventDailyRiskTriggered:
		return fmt.Sprintf("Daily risk limit breached: %s", event.ClientID)
	case core.EventAccountBlocked:
		return fmt.Sprintf("Account blocked: %s", event.ClientID)
	case core.EventPositionClosed:
		if event.Success != nil && !*event.Success {
			return fmt.Sprintf("Position close failed: %s", event.ClientID)
		}
		return fmt.Sprintf("Positions closed: %s", event.ClientID)
	case core.EventMonitoringError:
		return fmt.Sprintf("Monitoring error: %s", event.ClientID)
	case core.EventBalanceUpdate:
		return fmt.Sprintf("Balance update: %s", event.ClientID)
	}
	return fmt.Sprintf("%s: %s", event.EventType, event.ClientID)
}

// Lines returns the event as "Label: value" lines, skipping empty fields.
func Lines(event core.RiskEvent) []string {
	lines := []string{
		"Client: " + event.ClientID,
		"Severity: " + string(event.Severity),
	}
	if event.Loss != nil {
		lines = append(lines, "Loss: "+event.Loss.StringFixed(2))
	}
	if event.Limit != nil {
		lines = append(lines, "Limit: "+event.Limit.StringFixed(2))
	}
	if event.NewBalance != nil {
		lines = append(lines, "Balance: "+event.NewBalance.StringFixed(2))
	}
	if event.EventType == core.EventPositionClosed {
		lines = append(lines, fmt.Sprintf("Closed: %d, failed: %d", event.ClosedCount, event.FailedCount))
	}
	if event.Action != "" {
		lines = append(lines, "Action: "+event.Action)
	}
	if event.Message != "" {
		lines = append(lines, "Message: "+event.Message)
	}
	lines = append(lines, "Time: "+event.Timestamp.UTC().Format(time.RFC3339))
	return lines
}

// Text renders event as plain text.
func Text(event core.RiskEvent) string {
	return Title(event) + "\n\n" + strings.Join(Lines(event), "\n")
}
