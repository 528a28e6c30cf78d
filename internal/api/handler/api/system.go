// internal/api/handler/api/system.go
package api

import (
	"context"
	"net/http"

	"github.com/newthinker/riskguard/internal/api/response"
	"github.com/newthinker/riskguard/internal/app"
	"github.com/newthinker/riskguard/internal/risk"
)

// SystemApp defines the interface needed from app.App.
type SystemApp interface {
	ResetDaily(ctx context.Context) (risk.ResetReport, error)
	Stats(ctx context.Context) (app.Stats, error)
}

// SystemHandler handles service-wide API requests.
type SystemHandler struct {
	app SystemApp
}

// NewSystemHandler creates a new system handler.
func NewSystemHandler(app SystemApp) *SystemHandler {
	return &SystemHandler{app: app}
}

// Stats returns monitoring statistics.
func (h *SystemHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.Stats(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, stats)
}

// ResetDaily runs the daily reset immediately. Per-account failures are
// reported in the body alongside the counts.
func (h *SystemHandler) ResetDaily(w http.ResponseWriter, r *http.Request) {
	report, err := h.app.ResetDaily(r.Context())
	body := map[string]any{"report": report}
	if err != nil {
		body["error"] = err.Error()
	}
	response.JSON(w, http.StatusOK, body)
}
