// internal/api/handler/api/accounts.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/newthinker/riskguard/internal/api/response"
	"github.com/newthinker/riskguard/internal/clientcfg"
	"github.com/newthinker/riskguard/internal/config"
	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/exchange"
	"github.com/newthinker/riskguard/internal/ingest"
	"github.com/newthinker/riskguard/internal/risk"
	"github.com/shopspring/decimal"
)

// AccountsApp defines the interface needed from app.App.
type AccountsApp interface {
	ListAccounts(ctx context.Context) ([]*risk.AccountRiskState, error)
	GetRiskStatus(ctx context.Context, clientID string) (*risk.AccountRiskState, error)
	InjectBalance(ctx context.Context, clientID string, balance decimal.Decimal, previous *decimal.Decimal) (ingest.Result, error)
	ForceRiskCheck(ctx context.Context, clientID string) (*risk.CheckResult, error)
	UpdateRiskLimits(ctx context.Context, clientID string, daily, max *risk.RiskLimit) (*risk.CheckResult, error)
	AddClient(ctx context.Context, c clientcfg.Client) (*risk.AccountRiskState, error)
	UnregisterClient(ctx context.Context, clientID string) error
}

// AccountsHandler handles account API requests.
type AccountsHandler struct {
	app AccountsApp
}

// NewAccountsHandler creates a new accounts handler.
func NewAccountsHandler(app AccountsApp) *AccountsHandler {
	return &AccountsHandler{app: app}
}

// RiskStatus is the summary returned for one account.
type RiskStatus struct {
	ClientID           string          `json:"clientId"`
	CurrentBalance     decimal.Decimal `json:"currentBalance"`
	InitialBalance     decimal.Decimal `json:"initialBalance"`
	DailyPnl           decimal.Decimal `json:"dailyPnl"`
	TotalPnl           decimal.Decimal `json:"totalPnl"`
	RiskStatus         risk.Status     `json:"riskStatus"`
	IsBlocked          bool            `json:"isBlocked"`
	DailyBlocked       bool            `json:"dailyBlocked"`
	PermanentlyBlocked bool            `json:"permanentlyBlocked"`
	DailyRiskLimit     *risk.RiskLimit `json:"dailyRiskLimit,omitempty"`
	MaxRiskLimit       *risk.RiskLimit `json:"maxRiskLimit,omitempty"`
	LastError          string          `json:"lastError,omitempty"`
	LastUpdate         time.Time       `json:"lastUpdate"`
}

func newRiskStatus(s *risk.AccountRiskState) RiskStatus {
	return RiskStatus{
		ClientID:           s.ClientID,
		CurrentBalance:     s.CurrentBalance,
		InitialBalance:     s.InitialBalance,
		DailyPnl:           s.DailyPnl,
		TotalPnl:           s.CurrentBalance.Sub(s.InitialBalance),
		RiskStatus:         s.RiskStatus,
		IsBlocked:          !s.CanTrade(),
		DailyBlocked:       s.DailyBlocked,
		PermanentlyBlocked: s.PermanentlyBlocked,
		DailyRiskLimit:     s.DailyRiskLimit,
		MaxRiskLimit:       s.MaxRiskLimit,
		LastError:          s.LastError,
		LastUpdate:         s.UpdatedAt,
	}
}

// BalanceRequest is the request body for a manual balance injection.
type BalanceRequest struct {
	Balance         decimal.Decimal  `json:"balance"`
	PreviousBalance *decimal.Decimal `json:"previousBalance,omitempty"`
}

// LimitsRequest is the request body for a limits update. Omitted limits
// are left unchanged.
type LimitsRequest struct {
	DailyLimit *config.LimitConfig `json:"dailyLimit,omitempty"`
	MaxLimit   *config.LimitConfig `json:"maxLimit,omitempty"`
}

// RegisterRequest is the request body for registering a client.
type RegisterRequest struct {
	ClientID       string              `json:"clientId"`
	InitialBalance decimal.Decimal     `json:"initialBalance"`
	DailyLimit     *config.LimitConfig `json:"dailyLimit,omitempty"`
	MaxLimit       *config.LimitConfig `json:"maxLimit,omitempty"`
	Exchange       string              `json:"exchange,omitempty"`
	APIKey         string              `json:"apiKey,omitempty"`
	APISecret      string              `json:"apiSecret,omitempty"`
}

// List returns every monitored account.
func (h *AccountsHandler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.app.ListAccounts(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}

	out := make([]RiskStatus, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, newRiskStatus(a))
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"accounts": out,
		"count":    len(out),
	})
}

// Status returns one account's risk status.
func (h *AccountsHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.app.GetRiskStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, newRiskStatus(st))
}

// InjectBalance submits a manual balance update.
func (h *AccountsHandler) InjectBalance(w http.ResponseWriter, r *http.Request) {
	var req BalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest,
			core.WrapError(core.ErrInvalidUpdate, err))
		return
	}

	clientID := r.PathValue("id")
	res, err := h.app.InjectBalance(r.Context(), clientID, req.Balance, req.PreviousBalance)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"clientId":   clientID,
		"balance":    req.Balance,
		"suppressed": res.Suppressed,
		"check":      res.Check,
	})
}

// Check forces a risk re-evaluation.
func (h *AccountsHandler) Check(w http.ResponseWriter, r *http.Request) {
	res, err := h.app.ForceRiskCheck(r.Context(), r.PathValue("id"))
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}

// UpdateLimits replaces an account's limits.
func (h *AccountsHandler) UpdateLimits(w http.ResponseWriter, r *http.Request) {
	var req LimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest,
			core.WrapError(core.ErrConfigInvalid, err))
		return
	}
	if req.DailyLimit == nil && req.MaxLimit == nil {
		response.Error(w, http.StatusBadRequest,
			core.WrapError(core.ErrConfigMissing, errors.New("dailyLimit or maxLimit required")))
		return
	}

	daily, err := req.DailyLimit.Limit()
	if err != nil {
		response.Error(w, http.StatusBadRequest, core.WrapError(core.ErrConfigInvalid, err))
		return
	}
	max, err := req.MaxLimit.Limit()
	if err != nil {
		response.Error(w, http.StatusBadRequest, core.WrapError(core.ErrConfigInvalid, err))
		return
	}

	res, err := h.app.UpdateRiskLimits(r.Context(), r.PathValue("id"), daily, max)
	if err != nil && res == nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}

// Register adds a client and starts monitoring it.
func (h *AccountsHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest,
			core.WrapError(core.ErrConfigInvalid, err))
		return
	}
	if req.ClientID == "" {
		response.Error(w, http.StatusBadRequest,
			core.WrapError(core.ErrConfigMissing, errors.New("clientId required")))
		return
	}

	c := clientcfg.Client{ID: req.ClientID, InitialBalance: req.InitialBalance}
	var err error
	if c.DailyLimit, err = req.DailyLimit.Limit(); err != nil {
		response.Error(w, http.StatusBadRequest, core.WrapError(core.ErrConfigInvalid, err))
		return
	}
	if c.MaxLimit, err = req.MaxLimit.Limit(); err != nil {
		response.Error(w, http.StatusBadRequest, core.WrapError(core.ErrConfigInvalid, err))
		return
	}
	if req.APIKey != "" || req.APISecret != "" {
		c.Credentials = &exchange.Credentials{
			Exchange:  req.Exchange,
			APIKey:    req.APIKey,
			APISecret: req.APISecret,
		}
	}

	st, err := h.app.AddClient(r.Context(), c)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, newRiskStatus(st))
}

// Unregister stops monitoring a client.
func (h *AccountsHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("id")
	if err := h.app.UnregisterClient(r.Context(), clientID); err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"clientId": clientID,
		"removed":  true,
	})
}
