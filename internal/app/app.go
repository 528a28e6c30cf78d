package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/newthinker/riskguard/internal/clientcfg"
	"github.com/newthinker/riskguard/internal/config"
	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/enforcement"
	"github.com/newthinker/riskguard/internal/eventbus"
	"github.com/newthinker/riskguard/internal/exchange"
	"github.com/newthinker/riskguard/internal/exchange/binance"
	"github.com/newthinker/riskguard/internal/exchange/mock"
	"github.com/newthinker/riskguard/internal/ingest"
	"github.com/newthinker/riskguard/internal/metrics"
	"github.com/newthinker/riskguard/internal/notifier"
	"github.com/newthinker/riskguard/internal/notifier/websocket"
	"github.com/newthinker/riskguard/internal/retry"
	"github.com/newthinker/riskguard/internal/risk"
	"github.com/newthinker/riskguard/internal/scheduler"
	"github.com/newthinker/riskguard/internal/storage/archive"
	"github.com/newthinker/riskguard/internal/storage/journal"
	"github.com/newthinker/riskguard/internal/storage/state"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Deps overrides components that New would otherwise build from config.
type Deps struct {
	Store    state.Store
	Bus      eventbus.Bus
	Exchange exchange.Client
	Provider clientcfg.Provider
	Metrics  *metrics.Registry
}

// App is the main application orchestrator
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Registry

	store     state.Store
	bus       eventbus.Bus
	provider  clientcfg.Provider
	exchanges *exchange.Registry

	engine     *risk.Engine
	pipeline   *enforcement.Pipeline
	dispatcher *enforcement.Dispatcher

	deduper *ingest.Deduper
	ingest  *ingest.Hub
	stream  *ingest.Stream
	poller  *ingest.Poller
	manual  *ingest.Manual

	reset *scheduler.DailyReset
	sweep *scheduler.RiskSweep

	notifiers *notifier.Registry
	fanout    *notifier.Fanout
	hub       *websocket.Hub

	journal *journal.SQL
	sinks   journal.Multi

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// New builds every component from cfg. Fields set in deps replace the
// config-built equivalents.
func New(cfg *config.Config, logger *zap.Logger, deps Deps) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.Defaults()
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		metrics:   deps.Metrics,
		store:     deps.Store,
		bus:       deps.Bus,
		provider:  deps.Provider,
		notifiers: notifier.NewRegistry(),
	}
	if a.metrics == nil {
		a.metrics = metrics.NewRegistry()
	}

	if err := a.buildStorage(); err != nil {
		a.closeResources()
		return nil, err
	}
	if err := a.buildProvider(); err != nil {
		a.closeResources()
		return nil, err
	}
	if a.bus == nil {
		bus, err := eventbus.Open(cfg.Bus, logger.Named("bus"))
		if err != nil {
			a.closeResources()
			return nil, fmt.Errorf("opening event bus: %w", err)
		}
		a.bus = bus
	}
	if m, ok := a.bus.(interface{ SetMetrics(*metrics.Registry) }); ok {
		m.SetMetrics(a.metrics)
	}

	venue := deps.Exchange
	if venue == nil {
		venue = buildExchange(cfg.Exchange, logger)
	}
	a.exchanges = exchange.NewRegistry(venue.Name(), venue)

	a.engine = risk.NewEngine(cfg.Risk.Engine(), a.store, a.provider, logger.Named("risk"))
	a.engine.SetPublisher(a.bus)
	a.engine.SetMetrics(a.metrics)

	enfCfg := enforcement.DefaultConfig()
	enfCfg.ExchangeTimeout = cfg.Risk.ExchangeTimeout
	if cfg.Risk.BlockRetries > 0 {
		enfCfg.BlockRetry.MaxRetries = cfg.Risk.BlockRetries
	}
	a.pipeline = enforcement.NewPipeline(enfCfg, a.exchanges, a.provider, a.engine, a.bus, logger.Named("enforcement"))
	a.pipeline.SetMetrics(a.metrics)
	a.dispatcher = enforcement.NewDispatcher(a.pipeline, cfg.Risk.EnforcementTimeout, logger.Named("enforcement"))
	a.engine.SetEnforcer(a.dispatcher)

	a.deduper = ingest.NewDeduper(cfg.Risk.DedupWindow, logger.Named("ingest"))
	a.ingest = ingest.NewHub(a.engine, a.deduper, logger.Named("ingest"))
	a.ingest.SetMetrics(a.metrics)
	a.manual = ingest.NewManual(a.ingest)

	a.stream = ingest.NewStream(cfg.Ingest.Stream, a.provider, a.ingest, nil, logger.Named("stream"))
	a.stream.SetPublisher(a.bus)
	a.stream.SetMetrics(a.metrics)

	a.poller = ingest.NewPoller(cfg.Poller(), a.engine, a.provider, a.exchanges, a.ingest, logger.Named("poller"))
	a.poller.SetSkip(a.streaming)

	reset, err := scheduler.NewDailyReset(cfg.Schedule, a.engine, logger.Named("scheduler"))
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.reset = reset
	a.sweep = scheduler.NewRiskSweep(cfg.Risk.Sweep(), a.engine, logger.Named("scheduler"))

	a.hub = websocket.NewHub(cfg.Server.AllowedOrigins, logger.Named("ws"))
	if err := a.buildNotifiers(); err != nil {
		a.closeResources()
		return nil, err
	}
	a.notifiers.SetMetrics(a.metrics)
	a.fanout = notifier.NewFanout(a.notifiers, cfg.Fanout, logger.Named("notifier"))

	return a, nil
}

func (a *App) buildStorage() error {
	if a.store == nil {
		s, err := state.Open(a.cfg.Store.State(), a.logger.Named("store"))
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		a.store = s
	}
	if a.cfg.Store.Retries > 0 {
		rc := retry.PersistConfig()
		rc.MaxRetries = a.cfg.Store.Retries
		a.store = state.WithRetry(a.store, rc, a.logger.Named("store"))
	}

	if a.cfg.Journal.Driver != "" {
		j, err := journal.Open(a.cfg.Journal)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		a.journal = j
		a.sinks = append(a.sinks, j)
	}

	storage, err := archive.Open(a.cfg.Archive)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	if storage != nil {
		a.sinks = append(a.sinks, journal.NewArchiver(storage))
	}
	return nil
}

func (a *App) buildProvider() error {
	if a.provider != nil {
		return nil
	}
	clients, err := a.cfg.ClientRecords()
	if err != nil {
		return core.WrapError(core.ErrConfigInvalid, err)
	}
	static, err := clientcfg.NewStatic(clients...)
	if err != nil {
		return core.WrapError(core.ErrConfigInvalid, err)
	}
	a.provider = static
	return nil
}

func buildExchange(cfg config.ExchangeConfig, logger *zap.Logger) exchange.Client {
	switch cfg.Provider {
	case "binance":
		return binance.New(binance.Config{BaseURL: cfg.BaseURL, Testnet: cfg.Testnet}, logger.Named("binance"))
	default:
		return mock.New()
	}
}

func (a *App) buildNotifiers() error {
	hubCfg, ok := a.cfg.Notifiers["websocket"]
	if ok {
		if err := a.hub.Init(hubCfg); err != nil {
			return fmt.Errorf("notifier websocket: %w", err)
		}
	}
	if err := a.notifiers.Register(a.hub); err != nil {
		return err
	}

	for name, nc := range a.cfg.Notifiers {
		if name == "websocket" || nc.Type == "websocket" {
			continue
		}
		ch, err := newChannel(nc)
		if err != nil {
			return fmt.Errorf("notifier %s: %w", name, err)
		}
		if err := a.notifiers.Register(ch); err != nil {
			return err
		}
		a.logger.Info("notifier registered",
			zap.String("name", name),
			zap.String("type", nc.Type),
			zap.Bool("enabled", ch.Enabled()),
		)
	}
	return nil
}

// RegisterNotifier adds a notification channel.
func (a *App) RegisterNotifier(c notifier.Channel) error {
	return a.notifiers.Register(c)
}

// Start seeds accounts, starts every background job and blocks until ctx is
// done or Stop is called.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app already running")
	}
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("app is shut down")
	}
	a.running = true

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	a.logger.Info("riskguard starting",
		zap.String("store", a.cfg.Store.Driver),
		zap.String("bus", a.cfg.Bus.Type),
		zap.String("exchange", a.cfg.Exchange.Provider),
		zap.Bool("stream", a.stream.Enabled()),
		zap.Bool("polling", a.cfg.Ingest.Polling),
	)

	a.seedAccounts(ctx)

	var unsubs []func()
	for _, sink := range a.sinks {
		unsubs = append(unsubs, eventbus.SubscribeAll(a.bus, a.record(sink)))
	}
	unsubs = append(unsubs, a.fanout.Attach(a.bus))
	a.fanout.Start(ctx)

	a.goRun(func() { a.hub.Run(ctx) })
	a.connectStreams(ctx)
	if a.cfg.Ingest.Polling {
		a.goRun(func() { a.poller.Run(ctx) })
	}
	a.goRun(func() { a.sweep.Run(ctx) })
	a.goRun(func() { a.reset.Run(ctx) })
	if a.cfg.Risk.DedupWindow > 0 {
		a.deduper.StartCleanupRoutine(ctx, a.cfg.Risk.DedupWindow)
	}

	<-ctx.Done()
	a.logger.Info("riskguard shutting down")

	for _, u := range unsubs {
		u()
	}
	a.stream.Close()
	a.wg.Wait()

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	return ctx.Err()
}

func (a *App) goRun(f func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		f()
	}()
}

func (a *App) record(sink journal.Sink) eventbus.Handler {
	return func(ctx context.Context, event core.RiskEvent) error {
		if err := sink.Record(ctx, event); err != nil {
			a.logger.Warn("failed to record event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.EventType)),
				zap.Error(err),
			)
			return err
		}
		return nil
	}
}

// seedAccounts initializes monitoring for every configured client that has
// no state yet.
func (a *App) seedAccounts(ctx context.Context) {
	lister, ok := a.provider.(interface{ IDs() []string })
	if !ok {
		return
	}
	for _, id := range lister.IDs() {
		balance, err := a.provider.GetInitialBalance(ctx, id)
		if err != nil {
			a.logger.Warn("no initial balance configured",
				zap.String("client_id", id),
				zap.Error(err),
			)
			continue
		}
		if _, err := a.engine.InitializeAccount(ctx, id, balance); err != nil {
			a.logger.Error("failed to initialize account",
				zap.String("client_id", id),
				zap.Error(err),
			)
		}
	}
}

func (a *App) connectStreams(ctx context.Context) {
	if !a.stream.Enabled() {
		return
	}
	accounts, err := a.engine.ListAccounts(ctx)
	if err != nil {
		a.logger.Error("failed to list accounts for streaming", zap.Error(err))
		return
	}
	for _, acc := range accounts {
		a.startStream(ctx, acc.ClientID)
	}
}

func (a *App) startStream(ctx context.Context, clientID string) {
	if !a.stream.Enabled() {
		return
	}
	err := a.stream.Connect(ctx, clientID)
	switch {
	case err == nil, errors.Is(err, ingest.ErrAlreadyStreaming):
	case errors.Is(err, core.ErrConfigMissing):
		a.logger.Debug("no stream credentials", zap.String("client_id", clientID))
	default:
		a.logger.Warn("failed to start stream",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
	}
}

// streaming reports whether clientID has a live stream, which makes polling
// it redundant.
func (a *App) streaming(clientID string) bool {
	c, ok := a.stream.Registry().Get(clientID)
	return ok && c.State == ingest.StateConnected
}

// Stop stops the background jobs started by Start.
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

// Shutdown stops the app, drains pending enforcements and closes the bus,
// journal and store.
func (a *App) Shutdown(ctx context.Context) error {
	a.Stop()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	var errs []error
	if err := a.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("draining enforcements: %w", err))
	}
	a.stream.Close()
	a.fanout.Close()
	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing bus: %w", err))
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing journal: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RegisterClient starts monitoring a client whose configuration was written
// elsewhere. It waits until the configuration is readable, initializes the
// account and opens its balance stream.
func (a *App) RegisterClient(ctx context.Context, clientID string, initialBalance decimal.Decimal) (*risk.AccountRiskState, error) {
	if err := clientcfg.WaitVisible(ctx, a.provider, clientID, retry.VisibilityConfig()); err != nil {
		a.logger.Warn("client configuration not visible, monitoring unconfigured",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
	}
	return a.register(ctx, clientID, initialBalance)
}

// AddClient stores c in the client configuration and registers it.
func (a *App) AddClient(ctx context.Context, c clientcfg.Client) (*risk.AccountRiskState, error) {
	w, ok := a.provider.(interface{ Put(clientcfg.Client) error })
	if !ok {
		return nil, core.WrapError(core.ErrConfigInvalid, errors.New("client configuration is read-only"))
	}
	if err := w.Put(c); err != nil {
		return nil, core.WrapError(core.ErrConfigInvalid, err)
	}
	return a.register(ctx, c.ID, c.InitialBalance)
}

func (a *App) register(ctx context.Context, clientID string, initialBalance decimal.Decimal) (*risk.AccountRiskState, error) {
	st, err := a.engine.InitializeAccount(ctx, clientID, initialBalance)
	if err != nil {
		return nil, err
	}
	a.startStream(ctx, clientID)

	a.logger.Info("client registered",
		zap.String("client_id", clientID),
		zap.Stringer("initial_balance", initialBalance),
	)
	return st, nil
}

// UnregisterClient stops the client's stream and removes its state.
func (a *App) UnregisterClient(ctx context.Context, clientID string) error {
	if _, err := a.engine.GetRiskStatus(ctx, clientID); err != nil {
		return err
	}

	a.stream.Disconnect(clientID)
	a.deduper.Forget(clientID)
	if err := a.engine.RemoveAccount(ctx, clientID); err != nil {
		return err
	}
	if d, ok := a.provider.(interface{ Delete(string) }); ok {
		d.Delete(clientID)
	}

	a.logger.Info("client unregistered", zap.String("client_id", clientID))
	return nil
}

// InjectBalance submits a manual balance update.
func (a *App) InjectBalance(ctx context.Context, clientID string, balance decimal.Decimal, previous *decimal.Decimal) (ingest.Result, error) {
	return a.manual.Inject(ctx, clientID, balance, previous)
}

// ListAccounts returns every monitored account.
func (a *App) ListAccounts(ctx context.Context) ([]*risk.AccountRiskState, error) {
	return a.engine.ListAccounts(ctx)
}

// GetRiskStatus returns one account, or core.ErrClientNotFound.
func (a *App) GetRiskStatus(ctx context.Context, clientID string) (*risk.AccountRiskState, error) {
	return a.engine.GetRiskStatus(ctx, clientID)
}

// ForceRiskCheck re-evaluates an account without a new balance.
func (a *App) ForceRiskCheck(ctx context.Context, clientID string) (*risk.CheckResult, error) {
	return a.engine.ForceRiskCheck(ctx, clientID)
}

// UpdateRiskLimits changes an account's limits and mirrors them into the
// client configuration when it is writable.
func (a *App) UpdateRiskLimits(ctx context.Context, clientID string, daily, max *risk.RiskLimit) (*risk.CheckResult, error) {
	res, err := a.engine.UpdateRiskLimits(ctx, clientID, daily, max)
	if res == nil {
		return nil, err
	}

	if static, ok := a.provider.(*clientcfg.Static); ok {
		if c, found := static.Get(clientID); found {
			if daily != nil {
				c.DailyLimit = daily
			}
			if max != nil {
				c.MaxLimit = max
			}
			if perr := static.Put(c); perr != nil {
				a.logger.Warn("failed to store updated limits", zap.String("client_id", clientID), zap.Error(perr))
			}
		}
	}
	return res, err
}

// ResetDaily runs the daily reset now.
func (a *App) ResetDaily(ctx context.Context) (risk.ResetReport, error) {
	return a.reset.RunOnce(ctx)
}

// Stats is the monitoring snapshot served by the API.
type Stats struct {
	risk.Statistics
	Running             bool                `json:"running"`
	StreamConnections   int                 `json:"streamConnections"`
	StreamsConnected    int                 `json:"streamsConnected"`
	PendingEnforcements int                 `json:"pendingEnforcements"`
	Notifiers           []string            `json:"notifiers"`
	WebsocketClients    int                 `json:"websocketClients"`
	Dedup               map[string]any      `json:"dedup"`
	Connections         []ingest.Connection `json:"connections"`
	NextDailyReset      time.Time           `json:"nextDailyReset"`
}

// Stats returns monitoring statistics plus stream and notifier state.
func (a *App) Stats(ctx context.Context) (Stats, error) {
	s, err := a.engine.Statistics(ctx)
	if err != nil {
		return Stats{}, err
	}

	a.mu.RLock()
	running := a.running
	a.mu.RUnlock()

	reg := a.stream.Registry()
	out := Stats{
		Statistics:          s,
		Running:             running,
		StreamConnections:   reg.Count(),
		StreamsConnected:    reg.Connected(),
		PendingEnforcements: a.dispatcher.Pending(),
		WebsocketClients:    a.hub.ClientCount(),
		Dedup:               a.deduper.GetStats(),
		Connections:         reg.List(),
		NextDailyReset:      a.reset.NextRun(time.Now()),
	}
	for _, c := range a.notifiers.GetAll() {
		out.Notifiers = append(out.Notifiers, c.Name())
	}
	return out, nil
}

// Hub serves the notification websocket.
func (a *App) Hub() http.Handler {
	return a.hub
}

// Metrics returns the metrics registry.
func (a *App) Metrics() *metrics.Registry {
	return a.metrics
}

// Engine returns the risk engine.
func (a *App) Engine() *risk.Engine {
	return a.engine
}
