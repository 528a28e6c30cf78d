// internal/exchange/mock/mock.go
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/newthinker/riskguard/internal/exchange"
	"github.com/shopspring/decimal"
)

// Name is the venue name the mock registers under.
const Name = "mock"

type account struct {
	balance   exchange.Balance
	positions []exchange.Position
}

// Exchange is an in-memory venue. Accounts are keyed by API key.
type Exchange struct {
	mu          sync.RWMutex
	accounts    map[string]*account
	failSymbols map[string]bool
	err         error
	delay       time.Duration
	orderID     int
	closeCalls  int
}

// New creates an empty mock venue.
func New() *Exchange {
	return &Exchange{
		accounts:    make(map[string]*account),
		failSymbols: make(map[string]bool),
		orderID:     1000,
	}
}

// Name returns the venue name.
func (m *Exchange) Name() string {
	return Name
}

// GetBalance returns the account balance.
func (m *Exchange) GetBalance(ctx context.Context, creds exchange.Credentials) (*exchange.Balance, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, err := m.account(creds)
	if err != nil {
		return nil, err
	}
	b := acc.balance
	return &b, nil
}

// GetPositions returns open positions.
func (m *Exchange) GetPositions(ctx context.Context, creds exchange.Credentials) ([]exchange.Position, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, err := m.account(creds)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Position, 0, len(acc.positions))
	for _, p := range acc.positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out, nil
}

// CloseAllPositions simulates market-closing every open position. Symbols
// registered with FailSymbol stay open and are reported as failed.
func (m *Exchange) CloseAllPositions(ctx context.Context, creds exchange.Credentials) (*exchange.ClosePositionsResult, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeCalls++
	acc, err := m.account(creds)
	if err != nil {
		return nil, err
	}

	result := &exchange.ClosePositionsResult{Timestamp: time.Now().UTC()}
	remaining := acc.positions[:0]
	for _, p := range acc.positions {
		if !p.IsOpen() {
			continue
		}
		if m.failSymbols[p.Symbol] {
			result.FailedCount++
			result.FailedSymbols = append(result.FailedSymbols, p.Symbol)
			remaining = append(remaining, p)
			continue
		}
		m.orderID++
		result.ClosedCount++
		result.ClosedOrderIDs = append(result.ClosedOrderIDs, fmt.Sprintf("ORD%d", m.orderID))
		result.TotalValue = result.TotalValue.Add(p.Notional())
		acc.balance.Total = acc.balance.Total.Add(p.UnrealizedPnl)
		acc.balance.UnrealizedPnl = acc.balance.UnrealizedPnl.Sub(p.UnrealizedPnl)
	}
	acc.positions = remaining
	result.Summarize()
	return result, nil
}

// SetBalance sets an account's total balance, creating the account.
func (m *Exchange) SetBalance(apiKey string, total decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.ensure(apiKey)
	acc.balance.Total = total
	acc.balance.Available = total
	acc.balance.UpdatedAt = time.Now().UTC()
}

// AddPosition adds an open position to an account.
func (m *Exchange) AddPosition(apiKey string, pos exchange.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.ensure(apiKey)
	acc.positions = append(acc.positions, pos)
	acc.balance.UnrealizedPnl = acc.balance.UnrealizedPnl.Add(pos.UnrealizedPnl)
}

// FailSymbol makes closes for symbol fail.
func (m *Exchange) FailSymbol(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSymbols[symbol] = true
}

// SetError makes every call fail with err. nil clears it.
func (m *Exchange) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetDelay delays every call, honoring context cancellation.
func (m *Exchange) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// CloseCalls returns how many close-all requests were made.
func (m *Exchange) CloseCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closeCalls
}

func (m *Exchange) wait(ctx context.Context) error {
	m.mu.RLock()
	delay := m.delay
	m.mu.RUnlock()
	if delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// account must be called with the lock held.
func (m *Exchange) account(creds exchange.Credentials) (*account, error) {
	if m.err != nil {
		return nil, m.err
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	acc, ok := m.accounts[creds.APIKey]
	if !ok {
		return nil, fmt.Errorf("mock: unknown account %s", creds)
	}
	return acc, nil
}

func (m *Exchange) ensure(apiKey string) *account {
	acc, ok := m.accounts[apiKey]
	if !ok {
		acc = &account{}
		m.accounts[apiKey] = acc
	}
	return acc
}
