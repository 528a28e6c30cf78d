// internal/api/server.go
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	handler "github.com/newthinker/riskguard/internal/api/handler/api"
	"github.com/newthinker/riskguard/internal/api/middleware"
	"github.com/newthinker/riskguard/internal/api/response"
	"github.com/newthinker/riskguard/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP server for RiskGuard
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
}

// Config holds server configuration
type Config struct {
	Host        string
	Port        int
	APIKey      string
	MetricsPath string
}

// Service is everything the routes need from app.App.
type Service interface {
	handler.AccountsApp
	handler.SystemApp
}

// Dependencies holds the components served over HTTP.
type Dependencies struct {
	App Service
	// Hub serves the notification websocket. Nil disables /ws.
	Hub     http.Handler
	Metrics *metrics.Registry
}

// NewServer creates a new HTTP server
func NewServer(cfg Config, deps Dependencies, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.App == nil {
		return nil, fmt.Errorf("api: app dependency is required")
	}

	mux := http.NewServeMux()

	var h http.Handler = mux
	h = metrics.LoggingMiddleware(logger.Named("http"))(h)
	if deps.Metrics != nil {
		h = metrics.HTTPMiddleware(deps.Metrics)(h)
	}

	s := &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
		mux:    mux,
	}

	s.setupRoutes(cfg, deps)
	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(cfg Config, deps Dependencies) {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	if deps.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.mux.Handle("GET "+path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	if deps.Hub != nil {
		s.mux.Handle("GET /ws", deps.Hub)
	}

	auth := middleware.APIKeyAuth(cfg.APIKey)
	accounts := handler.NewAccountsHandler(deps.App)
	system := handler.NewSystemHandler(deps.App)

	routes := map[string]http.HandlerFunc{
		"GET /api/v1/accounts":               accounts.List,
		"POST /api/v1/accounts":              accounts.Register,
		"GET /api/v1/accounts/{id}/risk":     accounts.Status,
		"POST /api/v1/accounts/{id}/balance": accounts.InjectBalance,
		"POST /api/v1/accounts/{id}/check":   accounts.Check,
		"PUT /api/v1/accounts/{id}/limits":   accounts.UpdateLimits,
		"DELETE /api/v1/accounts/{id}":       accounts.Unregister,
		"POST /api/v1/reset-daily":           system.ResetDaily,
		"GET /api/v1/stats":                  system.Stats,
	}
	for pattern, fn := range routes {
		s.mux.Handle(pattern, auth(fn))
	}
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
