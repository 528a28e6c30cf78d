package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/retry"
	"github.com/newthinker/riskguard/internal/risk"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func sampleState(clientID string) *risk.AccountRiskState {
	s := risk.NewAccountRiskState(clientID, decimal.NewFromInt(1000), t0)
	s.CurrentBalance = decimal.RequireFromString("955.25")
	s.DailyPnl = decimal.RequireFromString("-44.75")
	s.TotalPnl = decimal.RequireFromString("-44.75")
	s.UnrealizedPnl = decimal.RequireFromString("12.5")
	s.DailyRiskLimit = risk.Percentage("5")
	s.MaxRiskLimit = risk.Absolute("100")
	s.LastSource = string(core.SourceWebSocket)
	s.LastRiskCheck = t0.Add(time.Minute)
	return s
}

func skipIfNoPostgres(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEST_DB_URL")
	if dsn == "" {
		t.Skip("TEST_DB_URL not set")
	}
	return dsn
}

func backends() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"postgres": func(t *testing.T) Store {
			dsn := skipIfNoPostgres(t)
			s, err := NewPostgres(dsn, nil)
			require.NoError(t, err)
			t.Cleanup(func() {
				_, _ = s.pool.Exec(context.Background(), `TRUNCATE account_risk_state`)
				_ = s.Close()
			})
			return s
		},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			got, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, got)

			want := sampleState("c1")
			require.NoError(t, s.Save(ctx, want))

			got, err = s.Get(ctx, "c1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.CurrentBalance.Equal(want.CurrentBalance))
			assert.True(t, got.DailyPnl.Equal(want.DailyPnl))
			assert.True(t, got.UnrealizedPnl.Equal(want.UnrealizedPnl))
			assert.Equal(t, risk.KindPercentage, got.DailyRiskLimit.Kind)
			assert.True(t, got.DailyRiskLimit.Value.Equal(decimal.NewFromInt(5)))
			assert.Equal(t, risk.KindAbsolute, got.MaxRiskLimit.Kind)
			assert.Nil(t, got.LastViolation)
			assert.Equal(t, string(core.SourceWebSocket), got.LastSource)
			assert.True(t, got.LastRiskCheck.Equal(want.LastRiskCheck))
		})
	}
}

func TestStore_SaveOverwrites(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			st := sampleState("c1")
			require.NoError(t, s.Save(ctx, st))

			st.PermanentlyBlocked = true
			st.RiskStatus = risk.StatusMaxRiskTriggered
			st.ViolationCount = 2
			at := t0.Add(time.Hour)
			st.LastViolation = &at
			st.MaxRiskLimit = nil
			require.NoError(t, s.Save(ctx, st))

			got, err := s.Get(ctx, "c1")
			require.NoError(t, err)
			assert.True(t, got.PermanentlyBlocked)
			assert.Equal(t, risk.StatusMaxRiskTriggered, got.RiskStatus)
			assert.Equal(t, 2, got.ViolationCount)
			require.NotNil(t, got.LastViolation)
			assert.True(t, got.LastViolation.Equal(at))
			assert.Nil(t, got.MaxRiskLimit)

			all, err := s.FindAll(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestStore_WarningIsStoredAsNormal(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			st := sampleState("c1")
			st.RiskStatus = risk.StatusWarning
			require.NoError(t, s.Save(ctx, st))

			got, err := s.Get(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, risk.StatusNormal, got.RiskStatus)
			assert.Equal(t, risk.StatusWarning, st.RiskStatus, "caller's copy is untouched")
		})
	}
}

func TestStore_FindByDailyBlocked(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			for _, id := range []string{"c3", "c1", "c2"} {
				st := sampleState(id)
				st.DailyBlocked = id != "c2"
				require.NoError(t, s.Save(ctx, st))
			}

			blocked, err := s.FindByDailyBlocked(ctx, true)
			require.NoError(t, err)
			require.Len(t, blocked, 2)
			assert.Equal(t, "c1", blocked[0].ClientID)
			assert.Equal(t, "c3", blocked[1].ClientID)

			unblocked, err := s.FindByDailyBlocked(ctx, false)
			require.NoError(t, err)
			require.Len(t, unblocked, 1)
			assert.Equal(t, "c2", unblocked[0].ClientID)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			require.NoError(t, s.Save(ctx, sampleState("c1")))
			require.NoError(t, s.Delete(ctx, "c1"))
			require.NoError(t, s.Delete(ctx, "c1"))

			got, err := s.Get(ctx, "c1")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleState("c1")))

	got, _ := s.Get(ctx, "c1")
	got.PermanentlyBlocked = true
	got.DailyRiskLimit.Value = decimal.NewFromInt(50)

	again, _ := s.Get(ctx, "c1")
	assert.False(t, again.PermanentlyBlocked)
	assert.True(t, again.DailyRiskLimit.Value.Equal(decimal.NewFromInt(5)))
}

func TestMemoryStore_ConcurrentSaves(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Save(ctx, sampleState("c1"))
			_, _ = s.FindAll(ctx)
		}()
	}
	wg.Wait()

	all, err := s.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOpen(t *testing.T) {
	s, err := Open(Config{Driver: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "x.db")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(Config{Driver: "oracle"}, nil)
	assert.Error(t, err)
}

type flakyStore struct {
	*MemoryStore
	failures int
	err      error
	calls    int
}

func (f *flakyStore) Save(ctx context.Context, st *risk.AccountRiskState) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return f.MemoryStore.Save(ctx, st)
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestRetryStore_RetriesPersistenceErrors(t *testing.T) {
	inner := &flakyStore{
		MemoryStore: NewMemory(),
		failures:    2,
		err:         core.WrapError(core.ErrPersistence, errors.New("deadlock")),
	}
	s := WithRetry(inner, fastRetry(), nil)

	require.NoError(t, s.Save(context.Background(), sampleState("c1")))
	assert.Equal(t, 3, inner.calls)

	got, err := s.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestRetryStore_GivesUp(t *testing.T) {
	inner := &flakyStore{
		MemoryStore: NewMemory(),
		failures:    10,
		err:         core.WrapError(core.ErrPersistence, errors.New("db down")),
	}
	s := WithRetry(inner, fastRetry(), nil)

	err := s.Save(context.Background(), sampleState("c1"))
	assert.True(t, errors.Is(err, core.ErrPersistence))
	assert.Equal(t, 3, inner.calls)
}

func TestRetryStore_DoesNotRetryOtherErrors(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemory(), failures: 10, err: errors.New("bad row")}
	s := WithRetry(inner, fastRetry(), nil)

	assert.Error(t, s.Save(context.Background(), sampleState("c1")))
	assert.Equal(t, 1, inner.calls)
}
