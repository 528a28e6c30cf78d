package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/newthinker/riskguard/internal/clientcfg"
	"github.com/newthinker/riskguard/internal/config"
	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/exchange"
	"github.com/newthinker/riskguard/internal/exchange/mock"
	"github.com/newthinker/riskguard/internal/notifier"
	"github.com/newthinker/riskguard/internal/risk"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var creds = exchange.Credentials{Exchange: mock.Name, APIKey: "key-c1", APISecret: "secret"}

type recordingChannel struct {
	events chan core.RiskEvent
}

func (c *recordingChannel) Name() string                     { return "recording" }
func (c *recordingChannel) Enabled() bool                    { return true }
func (c *recordingChannel) ShouldHandle(core.RiskEvent) bool { return true }
func (c *recordingChannel) Send(_ context.Context, ev core.RiskEvent) error {
	c.events <- ev
	return nil
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Ingest.Polling = false
	cfg.Store.Retries = 0
	cfg.Risk.BlockRetries = 1
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *mock.Exchange) {
	t.Helper()
	venue := mock.New()
	venue.SetBalance(creds.APIKey, decimal.NewFromInt(1000))
	venue.AddPosition(creds.APIKey, exchange.Position{
		Symbol: "BTCUSDT", Amount: decimal.RequireFromString("0.1"), EntryPrice: decimal.NewFromInt(60000),
	})

	a, err := New(cfg, zap.NewNop(), Deps{Exchange: venue})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, venue
}

func guardedClient() clientcfg.Client {
	c := creds
	return clientcfg.Client{
		ID:             "c1",
		InitialBalance: decimal.NewFromInt(1000),
		DailyLimit:     risk.Percentage("5"),
		MaxLimit:       risk.Absolute("100"),
		Credentials:    &c,
	}
}

func TestNew_Defaults(t *testing.T) {
	a, _ := newTestApp(t, config.Defaults())

	stats, err := a.Stats(context.Background())
	require.NoError(t, err)
	assert.False(t, stats.Running)
	assert.Equal(t, 0, stats.TotalAccounts)
	assert.Contains(t, stats.Notifiers, "websocket")
	assert.NotNil(t, a.Hub())
	assert.NotNil(t, a.Metrics())
}

func TestNew_InvalidNotifier(t *testing.T) {
	cfg := testConfig()
	cfg.Notifiers = map[string]notifier.Config{"pager": {Type: "pager"}}

	_, err := New(cfg, zap.NewNop(), Deps{})
	assert.Error(t, err)
}

func TestApp_StartStop(t *testing.T) {
	a, _ := newTestApp(t, testConfig())

	done := make(chan error, 1)
	go func() { done <- a.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		s, err := a.Stats(context.Background())
		return err == nil && s.Running
	}, time.Second, 10*time.Millisecond)

	assert.Error(t, a.Start(context.Background()), "second start is refused")

	a.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestApp_StartAfterShutdown(t *testing.T) {
	a, _ := newTestApp(t, testConfig())
	require.NoError(t, a.Shutdown(context.Background()))

	assert.Error(t, a.Start(context.Background()))
}

func TestApp_SeedsConfiguredClients(t *testing.T) {
	cfg := testConfig()
	cfg.Clients = []config.ClientConfig{{
		ID:             "seeded",
		InitialBalance: "2500",
		MaxLimit:       &config.LimitConfig{Type: "absolute", Value: "200"},
	}}
	a, _ := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, err := a.GetRiskStatus(context.Background(), "seeded")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	st, err := a.GetRiskStatus(context.Background(), "seeded")
	require.NoError(t, err)
	assert.True(t, st.InitialBalance.Equal(decimal.NewFromInt(2500)))
	assert.Equal(t, "200", st.MaxRiskLimit.Value.String())

	cancel()
	<-done
}

func TestApp_ViolationEnforcesAndBlocks(t *testing.T) {
	a, venue := newTestApp(t, testConfig())
	ctx := context.Background()

	ch := &recordingChannel{events: make(chan core.RiskEvent, 64)}
	require.NoError(t, a.RegisterNotifier(ch))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.fanout.Attach(a.bus)()
	a.fanout.Start(runCtx)

	_, err := a.AddClient(ctx, guardedClient())
	require.NoError(t, err)

	res, err := a.InjectBalance(ctx, "c1", decimal.NewFromInt(880), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Check)
	assert.Equal(t, risk.ViolationMax, res.Check.Violation)

	require.Eventually(t, func() bool {
		st, err := a.GetRiskStatus(ctx, "c1")
		return err == nil && st.PermanentlyBlocked
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, venue.CloseCalls())

	deadline := time.After(2 * time.Second)
	for seen := false; !seen; {
		select {
		case ev := <-ch.events:
			seen = ev.EventType == core.EventMaxRiskTriggered
			if seen {
				assert.Equal(t, "c1", ev.ClientID)
			}
		case <-deadline:
			t.Fatal("no max risk event delivered")
		}
	}

	res, err = a.InjectBalance(ctx, "c1", decimal.NewFromInt(880), nil)
	require.NoError(t, err)
	assert.True(t, res.Suppressed, "repeated balance is deduplicated")
}

func TestApp_InjectUnknownClient(t *testing.T) {
	a, _ := newTestApp(t, testConfig())

	res, err := a.InjectBalance(context.Background(), "ghost", decimal.NewFromInt(100), nil)
	assert.Error(t, err, "no risk limits configured")
	require.NotNil(t, res.Check)
	assert.False(t, res.Check.Monitored)
}

func TestApp_UpdateRiskLimits(t *testing.T) {
	a, _ := newTestApp(t, testConfig())
	ctx := context.Background()

	c := guardedClient()
	c.MaxLimit = nil
	_, err := a.AddClient(ctx, c)
	require.NoError(t, err)

	res, err := a.UpdateRiskLimits(ctx, "c1", nil, risk.Absolute("500"))
	require.NoError(t, err)
	assert.True(t, res.Max.Configured)

	daily, max, err := a.provider.GetRiskLimits(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "5", daily.Value.String())
	assert.Equal(t, "500", max.Value.String())
}

func TestApp_UnregisterClient(t *testing.T) {
	a, _ := newTestApp(t, testConfig())
	ctx := context.Background()

	_, err := a.AddClient(ctx, guardedClient())
	require.NoError(t, err)
	require.NoError(t, a.UnregisterClient(ctx, "c1"))

	_, err = a.GetRiskStatus(ctx, "c1")
	assert.True(t, errors.Is(err, core.ErrClientNotFound))

	_, _, err = a.provider.GetRiskLimits(ctx, "c1")
	assert.Error(t, err, "client configuration removed")

	err = a.UnregisterClient(ctx, "c1")
	assert.True(t, errors.Is(err, core.ErrClientNotFound))
}

func TestApp_ResetDailyLiftsDailyBlock(t *testing.T) {
	a, _ := newTestApp(t, testConfig())
	ctx := context.Background()

	c := guardedClient()
	c.MaxLimit = nil
	_, err := a.AddClient(ctx, c)
	require.NoError(t, err)

	_, err = a.InjectBalance(ctx, "c1", decimal.NewFromInt(940), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := a.GetRiskStatus(ctx, "c1")
		return err == nil && st.DailyBlocked
	}, 2*time.Second, 10*time.Millisecond)

	report, err := a.ResetDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reset)

	st, err := a.GetRiskStatus(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, st.CanTrade())
	assert.True(t, st.DailyPnl.IsZero())
}

func TestApp_Stats(t *testing.T) {
	a, _ := newTestApp(t, testConfig())
	ctx := context.Background()

	_, err := a.AddClient(ctx, guardedClient())
	require.NoError(t, err)

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalAccounts)
	assert.Equal(t, 0, stats.StreamConnections)
	assert.False(t, stats.NextDailyReset.IsZero())
}
