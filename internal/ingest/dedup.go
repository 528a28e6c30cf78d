package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type mark struct {
	balance decimal.Decimal
	at      time.Time
}

// Deduper remembers the last processed balance per client. A zero window
// disables suppression.
type Deduper struct {
	window time.Duration
	logger *zap.Logger

	mu   sync.RWMutex
	last map[string]mark

	now func() time.Time
}

// NewDeduper creates a deduper with the given suppression window.
func NewDeduper(window time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{
		window: window,
		logger: logger,
		last:   make(map[string]mark),
		now:    time.Now,
	}
}

// Seen reports whether balance equals the last processed balance for the
// client and was processed inside the window.
func (d *Deduper) Seen(clientID string, balance decimal.Decimal) bool {
	if d.window <= 0 {
		return false
	}
	d.mu.RLock()
	m, ok := d.last[clientID]
	d.mu.RUnlock()

	return ok && m.balance.Equal(balance) && d.now().Sub(m.at) < d.window
}

// MarkProcessed records balance as the last processed value.
func (d *Deduper) MarkProcessed(clientID string, balance decimal.Decimal) {
	d.mu.Lock()
	d.last[clientID] = mark{balance: balance, at: d.now()}
	d.mu.Unlock()
}

// Forget drops the mark for a client.
func (d *Deduper) Forget(clientID string) {
	d.mu.Lock()
	delete(d.last, clientID)
	d.mu.Unlock()
}

// CleanupExpired removes marks older than twice the window.
func (d *Deduper) CleanupExpired() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	expiry := d.window * 2
	removed := 0

	for clientID, m := range d.last {
		if now.Sub(m.at) > expiry {
			delete(d.last, clientID)
			removed++
		}
	}

	return removed
}

// StartCleanupRoutine starts a background goroutine that periodically removes expired marks.
func (d *Deduper) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := d.CleanupExpired()
				if removed > 0 {
					d.logger.Debug("cleaned up expired dedup marks", zap.Int("removed", removed))
				}
			}
		}
	}()
}

// GetStats returns deduper statistics
func (d *Deduper) GetStats() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return map[string]any{
		"marks_active":   len(d.last),
		"window_seconds": d.window.Seconds(),
	}
}
