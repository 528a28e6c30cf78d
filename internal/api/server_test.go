// internal/api/server_test.go
package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/newthinker/riskguard/internal/app"
	"github.com/newthinker/riskguard/internal/config"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, apiKey string) *Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.Ingest.Polling = false
	a, err := app.New(cfg, zap.NewNop(), app.Deps{})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })

	srv, err := NewServer(Config{
		Host:   "localhost",
		Port:   0,
		APIKey: apiKey,
	}, Dependencies{App: a, Hub: a.Hub(), Metrics: a.Metrics()}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestServer_RequiresApp(t *testing.T) {
	if _, err := NewServer(Config{}, Dependencies{}, nil); err == nil {
		t.Error("expected error without app")
	}
}

func TestServer_APIAuth_Required(t *testing.T) {
	srv := newTestServer(t, "test-key")

	req := httptest.NewRequest("GET", "/api/v1/accounts", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/accounts", nil)
	req.Header.Set("X-API-Key", "test-key")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with key, got %d", w.Code)
	}
}

func TestServer_HealthSkipsAuth(t *testing.T) {
	srv := newTestServer(t, "test-key")

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestServer_AccountRoutes(t *testing.T) {
	srv := newTestServer(t, "")
	h := srv.Handler()

	body := `{"clientId": "c1", "initialBalance": "1000", "maxLimit": {"type": "absolute", "value": "100"}}`
	req := httptest.NewRequest("POST", "/api/v1/accounts", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest("GET", "/api/v1/accounts/c1/risk", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status: expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest("DELETE", "/api/v1/accounts/c1", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("unregister: expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/accounts/c1/risk", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status after unregister: expected 404, got %d", w.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/health", nil)
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Error("expected http request counter in metrics output")
	}
}
