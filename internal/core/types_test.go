package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSource_Valid(t *testing.T) {
	tests := []struct {
		source Source
		want   bool
	}{
		{SourceWebSocket, true},
		{SourcePolling, true},
		{SourceManual, true},
		{SourceMonitoring, true},
		{Source("carrier_pigeon"), false},
		{Source(""), false},
	}

	for _, tt := range tests {
		if got := tt.source.Valid(); got != tt.want {
			t.Errorf("Source(%q).Valid() = %v, want %v", tt.source, got, tt.want)
		}
	}
}

func TestBalanceUpdate_HasPrevious(t *testing.T) {
	u := BalanceUpdate{ClientID: "c1", NewBalance: decimal.NewFromInt(100)}
	if u.HasPrevious() {
		t.Error("expected no previous balance")
	}

	u.PreviousBalance = DecimalPtr(decimal.NewFromInt(90))
	if !u.HasPrevious() {
		t.Error("expected previous balance")
	}
}

func TestNewRiskEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := NewRiskEvent(EventMaxRiskTriggered, "c1", SeverityCritical, now)

	if ev.ID == "" {
		t.Fatal("expected event id")
	}
	if !ev.Timestamp.Equal(now) {
		t.Errorf("expected timestamp %v, got %v", now, ev.Timestamp)
	}
	if ev.EventType != EventMaxRiskTriggered {
		t.Errorf("unexpected event type %s", ev.EventType)
	}
}

func TestRiskEvent_JSONShape(t *testing.T) {
	ev := NewRiskEvent(EventDailyRiskTriggered, "c1", SeverityHigh, time.Now())
	ev.Loss = DecimalPtr(decimal.RequireFromString("50.00"))
	ev.Limit = DecimalPtr(decimal.RequireFromString("50"))
	ev.Action = "ACTION_CLOSE_ALL_POSITIONS"

	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	for _, key := range []string{"eventType", "clientId", "timestamp", "loss", "limit", "action", "severity"} {
		if _, ok := m[key]; !ok {
			t.Errorf("expected key %q in %s", key, raw)
		}
	}
	if _, ok := m["success"]; ok {
		t.Error("success should be omitted when unset")
	}
}

func TestNewEventID_Sortable(t *testing.T) {
	now := time.Now()
	a := NewEventID(now)
	b := NewEventID(now)
	c := NewEventID(now.Add(time.Second))

	if !(a < b && b < c) {
		t.Errorf("expected increasing ids, got %s %s %s", a, b, c)
	}
}
