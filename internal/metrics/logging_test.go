package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func serveLogged(t *testing.T, status int, req *http.Request) (*observer.ObservedLogs, *httptest.ResponseRecorder) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)

	mux := http.NewServeMux()
	handler := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(status) }
	mux.HandleFunc("GET /api/v1/accounts/{id}/risk", handler)
	mux.HandleFunc("GET /api/health", handler)

	w := httptest.NewRecorder()
	LoggingMiddleware(zap.New(core))(mux).ServeHTTP(w, req)

	if logs.Len() != 1 {
		t.Fatalf("expected one log entry, got %d", logs.Len())
	}
	return logs, w
}

func TestLoggingMiddleware(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/accounts/c1/risk", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	logs, w := serveLogged(t, http.StatusOK, req)

	entry := logs.All()[0]
	fields := entry.ContextMap()
	if entry.Level != zapcore.InfoLevel {
		t.Errorf("expected info level, got %s", entry.Level)
	}
	if fields["method"] != "GET" {
		t.Errorf("expected method GET, got %v", fields["method"])
	}
	if fields["path"] != "/api/v1/accounts/c1/risk" {
		t.Errorf("unexpected path %v", fields["path"])
	}
	if fields["route"] != "/api/v1/accounts/{id}/risk" {
		t.Errorf("unexpected route %v", fields["route"])
	}
	if fields["status"] != int64(200) {
		t.Errorf("expected status 200, got %v", fields["status"])
	}
	if _, ok := fields["duration_ms"]; !ok {
		t.Error("expected duration_ms in log entry")
	}
	if fields["request_id"] != w.Header().Get("X-Request-ID") || fields["request_id"] == "" {
		t.Errorf("request_id %v does not match header", fields["request_id"])
	}
}

func TestLoggingMiddleware_KeepsIncomingRequestID(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	logs, w := serveLogged(t, http.StatusOK, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("expected X-Request-ID req-42, got %s", got)
	}
	if logs.All()[0].ContextMap()["request_id"] != "req-42" {
		t.Error("expected incoming request id in log")
	}
}

func TestLoggingMiddleware_Levels(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		want   zapcore.Level
	}{
		{"health probe", "/api/health", http.StatusOK, zapcore.DebugLevel},
		{"ok", "/api/v1/accounts/c1/risk", http.StatusOK, zapcore.InfoLevel},
		{"client error", "/api/v1/accounts/c1/risk", http.StatusNotFound, zapcore.WarnLevel},
		{"server error", "/api/v1/accounts/c1/risk", http.StatusBadGateway, zapcore.ErrorLevel},
		{"failing probe", "/api/health", http.StatusInternalServerError, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs, _ := serveLogged(t, tt.status, httptest.NewRequest("GET", tt.path, nil))
			if got := logs.All()[0].Level; got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestLoggingMiddleware_ClientIP(t *testing.T) {
	tests := []struct {
		name      string
		forwarded string
		want      string
	}{
		{"remote addr", "", "10.0.0.1:54321"},
		{"forwarded", "203.0.113.50, 10.0.0.7", "203.0.113.50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/accounts/c1/risk", nil)
			req.RemoteAddr = "10.0.0.1:54321"
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			logs, _ := serveLogged(t, http.StatusOK, req)
			if got := logs.All()[0].ContextMap()["client_ip"]; got != tt.want {
				t.Errorf("expected client_ip %s, got %v", tt.want, got)
			}
		})
	}
}
