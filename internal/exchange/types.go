// Package exchange provides the trading-venue adapters used to read account
// balances and flatten positions during enforcement.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange-specific errors.
var (
	// ErrMissingCredentials indicates no API credentials were supplied.
	ErrMissingCredentials = errors.New("exchange: missing credentials")
	// ErrUnknownExchange indicates no client is registered for a venue.
	ErrUnknownExchange = errors.New("exchange: unknown exchange")
)

// Credentials authenticate one client account on a venue.
type Credentials struct {
	Exchange  string `json:"exchange" mapstructure:"exchange"`
	APIKey    string `json:"-" mapstructure:"api_key"`
	APISecret string `json:"-" mapstructure:"api_secret"`
}

// Validate checks that both key and secret are present.
func (c Credentials) Validate() error {
	if c.APIKey == "" || c.APISecret == "" {
		return ErrMissingCredentials
	}
	return nil
}

// String masks the secret material.
func (c Credentials) String() string {
	return fmt.Sprintf("%s:%s", c.Exchange, maskKey(c.APIKey))
}

func maskKey(k string) string {
	if len(k) <= 4 {
		return strings.Repeat("*", len(k))
	}
	return k[:4] + strings.Repeat("*", len(k)-4)
}

// Balance is an account's wallet snapshot.
type Balance struct {
	Total         decimal.Decimal `json:"total"`
	Available     decimal.Decimal `json:"available"`
	UnrealizedPnl decimal.Decimal `json:"unrealizedPnl"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	// PositionLong is a long position.
	PositionLong PositionSide = "LONG"
	// PositionShort is a short position.
	PositionShort PositionSide = "SHORT"
)

// Position is an open position. Amount is signed: negative for shorts.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	UnrealizedPnl decimal.Decimal `json:"unrealizedPnl"`
	// HedgeSide is set when the venue runs in hedge mode.
	HedgeSide string `json:"hedgeSide,omitempty"`
}

// IsOpen reports whether the position has a non-zero size.
func (p Position) IsOpen() bool {
	return !p.Amount.IsZero()
}

// Notional is |amount| * entry price.
func (p Position) Notional() decimal.Decimal {
	return p.Amount.Abs().Mul(p.EntryPrice)
}

// ClosePositionsResult reports a close-all attempt.
type ClosePositionsResult struct {
	Success        bool            `json:"success"`
	ClosedCount    int             `json:"closedCount"`
	FailedCount    int             `json:"failedCount"`
	ClosedOrderIDs []string        `json:"closedOrderIds,omitempty"`
	FailedSymbols  []string        `json:"failedSymbols,omitempty"`
	TotalValue     decimal.Decimal `json:"totalValue"`
	Message        string          `json:"message"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Summarize fills Success and Message from the counts.
func (r *ClosePositionsResult) Summarize() {
	r.Success = r.FailedCount == 0
	switch {
	case r.ClosedCount == 0 && r.FailedCount == 0:
		r.Message = "No open positions"
	case r.Success:
		r.Message = fmt.Sprintf("Closed %d positions", r.ClosedCount)
	default:
		r.Message = fmt.Sprintf("Closed %d positions, %d failed: %s",
			r.ClosedCount, r.FailedCount, strings.Join(r.FailedSymbols, ", "))
	}
}

// Client is a trading venue adapter. Credentials are passed per call so one
// adapter serves every client account on the venue.
type Client interface {
	Name() string
	GetBalance(ctx context.Context, creds Credentials) (*Balance, error)
	GetPositions(ctx context.Context, creds Credentials) ([]Position, error)
	CloseAllPositions(ctx context.Context, creds Credentials) (*ClosePositionsResult, error)
}

// Registry resolves a Client by venue name.
type Registry struct {
	clients  map[string]Client
	fallback string
}

// NewRegistry creates a registry. fallback names the client used when
// credentials carry no exchange.
func NewRegistry(fallback string, clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client), fallback: fallback}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

// For returns the client for creds.Exchange, or the fallback.
func (r *Registry) For(creds Credentials) (Client, error) {
	name := creds.Exchange
	if name == "" {
		name = r.fallback
	}
	c, ok := r.clients[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, name)
	}
	return c, nil
}

// Names lists registered venues.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
