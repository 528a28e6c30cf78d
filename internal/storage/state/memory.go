// internal/storage/state/memory.go
package state

import (
	"context"
	"sort"
	"sync"

	"github.com/newthinker/riskguard/internal/risk"
)

// MemoryStore is an in-memory state store.
type MemoryStore struct {
	states map[string]*risk.AccountRiskState
	mu     sync.RWMutex
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{states: make(map[string]*risk.AccountRiskState)}
}

// Get returns a copy of the stored state, or nil when absent.
func (m *MemoryStore) Get(ctx context.Context, clientID string) (*risk.AccountRiskState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[clientID].Clone(), nil
}

// Save stores a copy of s. Advisory statuses are not persisted.
func (m *MemoryStore) Save(ctx context.Context, s *risk.AccountRiskState) error {
	c := s.Clone()
	c.RiskStatus = s.DurableStatus()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.ClientID] = c
	return nil
}

// FindAll returns every state ordered by client id.
func (m *MemoryStore) FindAll(ctx context.Context) ([]*risk.AccountRiskState, error) {
	return m.find(func(*risk.AccountRiskState) bool { return true }), nil
}

// FindByDailyBlocked returns states whose daily block flag equals blocked.
func (m *MemoryStore) FindByDailyBlocked(ctx context.Context, blocked bool) ([]*risk.AccountRiskState, error) {
	return m.find(func(s *risk.AccountRiskState) bool { return s.DailyBlocked == blocked }), nil
}

// Delete removes a state. Deleting an unknown client is not an error.
func (m *MemoryStore) Delete(ctx context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, clientID)
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) find(match func(*risk.AccountRiskState) bool) []*risk.AccountRiskState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*risk.AccountRiskState, 0, len(m.states))
	for _, s := range m.states {
		if match(s) {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClientID < result[j].ClientID })
	return result
}
