// Package clientcfg supplies per-client risk limits, initial balances and
// exchange credentials.
package clientcfg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/exchange"
	"github.com/newthinker/riskguard/internal/retry"
	"github.com/newthinker/riskguard/internal/risk"
	"github.com/shopspring/decimal"
)

// Provider is the full client configuration capability.
type Provider interface {
	risk.ConfigProvider
	GetCredentials(ctx context.Context, clientID string) (exchange.Credentials, error)
}

// Client is the configuration of one monitored client.
type Client struct {
	ID             string
	InitialBalance decimal.Decimal
	DailyLimit     *risk.RiskLimit
	MaxLimit       *risk.RiskLimit
	Credentials    *exchange.Credentials
}

// Validate checks the entry.
func (c Client) Validate() error {
	if c.ID == "" {
		return errors.New("client id is empty")
	}
	if c.InitialBalance.IsNegative() {
		return fmt.Errorf("client %s: negative initial balance", c.ID)
	}
	if c.Credentials != nil {
		if err := c.Credentials.Validate(); err != nil {
			return fmt.Errorf("client %s: %w", c.ID, err)
		}
	}
	return nil
}

// Static is an in-memory Provider seeded from configuration.
type Static struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewStatic builds a provider from clients.
func NewStatic(clients ...Client) (*Static, error) {
	s := &Static{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		if err := s.Put(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put adds or replaces a client.
func (s *Static) Put(c Client) error {
	if err := c.Validate(); err != nil {
		return core.WrapError(core.ErrConfigInvalid, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
	return nil
}

// Delete removes a client.
func (s *Static) Delete(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
}

// Get returns the client entry.
func (s *Static) Get(clientID string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	return c, ok
}

// IDs returns all client ids in order.
func (s *Static) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Static) GetRiskLimits(ctx context.Context, clientID string) (daily, max *risk.RiskLimit, err error) {
	c, ok := s.Get(clientID)
	if !ok || (c.DailyLimit == nil && c.MaxLimit == nil) {
		return nil, nil, core.WrapError(core.ErrConfigMissing, fmt.Errorf("no risk limits for %s", clientID))
	}
	return copyLimit(c.DailyLimit), copyLimit(c.MaxLimit), nil
}

func (s *Static) GetInitialBalance(ctx context.Context, clientID string) (decimal.Decimal, error) {
	c, ok := s.Get(clientID)
	if !ok || !c.InitialBalance.IsPositive() {
		return decimal.Zero, core.WrapError(core.ErrConfigMissing, fmt.Errorf("no initial balance for %s", clientID))
	}
	return c.InitialBalance, nil
}

func (s *Static) GetCredentials(ctx context.Context, clientID string) (exchange.Credentials, error) {
	c, ok := s.Get(clientID)
	if !ok || c.Credentials == nil {
		return exchange.Credentials{}, core.WrapError(core.ErrConfigMissing, fmt.Errorf("no credentials for %s", clientID))
	}
	return *c.Credentials, nil
}

func copyLimit(l *risk.RiskLimit) *risk.RiskLimit {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}

// WaitVisible polls p until risk limits for clientID can be read, or the
// retries configured in cfg are exhausted.
func WaitVisible(ctx context.Context, p risk.ConfigProvider, clientID string, cfg retry.Config) error {
	cfg.RetryIf = func(err error) bool { return errors.Is(err, core.ErrConfigMissing) }
	return retry.Do(ctx, func() error {
		_, _, err := p.GetRiskLimits(ctx, clientID)
		return err
	}, cfg)
}
