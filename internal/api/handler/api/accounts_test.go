// internal/api/handler/api/accounts_test.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/newthinker/riskguard/internal/api/response"
	"github.com/newthinker/riskguard/internal/app"
	"github.com/newthinker/riskguard/internal/config"
	"go.uber.org/zap"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	cfg := config.Defaults()
	cfg.Ingest.Polling = false
	a, err := app.New(cfg, zap.NewNop(), app.Deps{})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	return a
}

func do(h http.HandlerFunc, method, target, id, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if id != "" {
		req.SetPathValue("id", id)
	}
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp response.SuccessResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected object data, got %T", resp.Data)
	}
	return data
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) response.ErrorDetail {
	t.Helper()
	var resp response.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	return resp.Error
}

const registerBody = `{
	"clientId": "c1",
	"initialBalance": "1000",
	"dailyLimit": {"type": "percentage", "value": "5"},
	"maxLimit": {"type": "absolute", "value": "100"}
}`

func TestAccountsHandler_Register(t *testing.T) {
	handler := NewAccountsHandler(newTestApp(t))

	w := do(handler.Register, "POST", "/api/v1/accounts", "", registerBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	data := decodeData(t, w)
	if data["clientId"] != "c1" {
		t.Errorf("expected clientId c1, got %v", data["clientId"])
	}
	if data["riskStatus"] != "NORMAL" {
		t.Errorf("expected NORMAL, got %v", data["riskStatus"])
	}
	if data["isBlocked"] != false {
		t.Errorf("expected unblocked account")
	}
}

func TestAccountsHandler_Register_MissingID(t *testing.T) {
	handler := NewAccountsHandler(newTestApp(t))

	w := do(handler.Register, "POST", "/api/v1/accounts", "", `{"initialBalance": "1000"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if code := decodeError(t, w).Code; code != "CONFIG_MISSING" {
		t.Errorf("expected CONFIG_MISSING, got %s", code)
	}
}

func TestAccountsHandler_Register_BadLimit(t *testing.T) {
	handler := NewAccountsHandler(newTestApp(t))

	body := `{"clientId": "c1", "initialBalance": "1000", "maxLimit": {"type": "fraction", "value": "1"}}`
	w := do(handler.Register, "POST", "/api/v1/accounts", "", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAccountsHandler_List(t *testing.T) {
	a := newTestApp(t)
	handler := NewAccountsHandler(a)
	do(handler.Register, "POST", "/api/v1/accounts", "", registerBody)

	w := do(handler.List, "GET", "/api/v1/accounts", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	data := decodeData(t, w)
	if count := data["count"].(float64); count != 1 {
		t.Errorf("expected 1 account, got %v", count)
	}
}

func TestAccountsHandler_Status_NotFound(t *testing.T) {
	handler := NewAccountsHandler(newTestApp(t))

	w := do(handler.Status, "GET", "/api/v1/accounts/ghost/risk", "ghost", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if code := decodeError(t, w).Code; code != "CLIENT_NOT_FOUND" {
		t.Errorf("expected CLIENT_NOT_FOUND, got %s", code)
	}
}

func TestAccountsHandler_InjectBalance(t *testing.T) {
	handler := NewAccountsHandler(newTestApp(t))
	do(handler.Register, "POST", "/api/v1/accounts", "", registerBody)

	w := do(handler.InjectBalance, "POST", "/api/v1/accounts/c1/balance", "c1", `{"balance": "970"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	data := decodeData(t, w)
	if data["suppressed"] != false {
		t.Errorf("first update should not be suppressed")
	}
	check := data["check"].(map[string]any)
	if check["status"] != "NORMAL" {
		t.Errorf("expected NORMAL, got %v", check["status"])
	}

	w = do(handler.InjectBalance, "POST", "/api/v1/accounts/c1/balance", "c1", `{"balance": "970"}`)
	if data := decodeData(t, w); data["suppressed"] != true {
		t.Errorf("repeated balance should be suppressed")
	}

	w = do(handler.Status, "GET", "/api/v1/accounts/c1/risk", "c1", "")
	data = decodeData(t, w)
	if data["currentBalance"] != "970" {
		t.Errorf("expected balance 970, got %v", data["currentBalance"])
	}
	if data["totalPnl"] != "-30" {
		t.Errorf("expected total pnl -30, got %v", data["totalPnl"])
	}
}

func TestAccountsHandler_InjectBalance_InvalidJSON(t *testing.T) {
	handler := NewAccountsHandler(newTestApp(t))

	w := do(handler.InjectBalance, "POST", "/api/v1/accounts/c1/balance", "c1", `{invalid json}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAccountsHandler_InjectBalance_Negative(t *testing.T) {
	handler := NewAccountsHandler(newTestApp(t))
	do(handler.Register, "POST", "/api/v1/accounts", "", registerBody)

	w := do(handler.InjectBalance, "POST", "/api/v1/accounts/c1/balance", "c1", `{"balance": "-5"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAccountsHandler_Check(t *testing.T) {
	handler := NewAccountsHandler(newTestApp(t))
	do(handler.Register, "POST", "/api/v1/accounts", "", registerBody)

	w := do(handler.Check, "POST", "/api/v1/accounts/c1/check", "c1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if data := decodeData(t, w); data["monitored"] != true {
		t.Errorf("expected monitored account")
	}
}

func TestAccountsHandler_UpdateLimits(t *testing.T) {
	handler := NewAccountsHandler(newTestApp(t))
	do(handler.Register, "POST", "/api/v1/accounts", "", registerBody)

	w := do(handler.UpdateLimits, "PUT", "/api/v1/accounts/c1/limits", "c1",
		`{"maxLimit": {"type": "absolute", "value": "250"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(handler.Status, "GET", "/api/v1/accounts/c1/risk", "c1", "")
	data := decodeData(t, w)
	max := data["maxRiskLimit"].(map[string]any)
	if max["value"] != "250" {
		t.Errorf("expected max limit 250, got %v", max["value"])
	}
	daily := data["dailyRiskLimit"].(map[string]any)
	if daily["value"] != "5" {
		t.Errorf("daily limit should be unchanged, got %v", daily["value"])
	}
}

func TestAccountsHandler_UpdateLimits_Empty(t *testing.T) {
	handler := NewAccountsHandler(newTestApp(t))

	w := do(handler.UpdateLimits, "PUT", "/api/v1/accounts/c1/limits", "c1", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAccountsHandler_Unregister(t *testing.T) {
	handler := NewAccountsHandler(newTestApp(t))
	do(handler.Register, "POST", "/api/v1/accounts", "", registerBody)

	w := do(handler.Unregister, "DELETE", "/api/v1/accounts/c1", "c1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = do(handler.Unregister, "DELETE", "/api/v1/accounts/c1", "c1", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", w.Code)
	}
}
