package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds engine tuning.
type Config struct {
	// WarningRatio is the share of a threshold that reports WARNING.
	WarningRatio decimal.Decimal
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{WarningRatio: DefaultWarningRatio}
}

// Engine is the risk state machine. It is the only writer of
// AccountRiskState. Work for one client is serialized; distinct clients run
// in parallel.
type Engine struct {
	cfg       Config
	store     Store
	provider  ConfigProvider
	enforcer  Enforcer
	publisher Publisher
	metrics   *metrics.Registry
	logger    *zap.Logger

	locks *KeyedMutex

	mu       sync.RWMutex
	cache    map[string]*AccountRiskState
	inflight map[string]ViolationKind

	now func() time.Time
}

// NewEngine creates an engine backed by store. provider may be nil, in which
// case limits must be set with UpdateRiskLimits.
func NewEngine(cfg Config, store Store, provider ConfigProvider, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WarningRatio.IsZero() {
		cfg.WarningRatio = DefaultWarningRatio
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		provider: provider,
		logger:   logger,
		locks:    NewKeyedMutex(),
		cache:    make(map[string]*AccountRiskState),
		inflight: make(map[string]ViolationKind),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetEnforcer sets the violation enforcer.
func (e *Engine) SetEnforcer(enforcer Enforcer) {
	e.enforcer = enforcer
}

// SetPublisher sets the event publisher.
func (e *Engine) SetPublisher(publisher Publisher) {
	e.publisher = publisher
}

// SetMetrics sets the metrics registry.
func (e *Engine) SetMetrics(reg *metrics.Registry) {
	e.metrics = reg
}

// ProcessBalanceUpdate applies a balance update, evaluates the limits and
// starts enforcement on a new violation. A persistence failure is returned
// and no enforcement is started; the caller must retry.
func (e *Engine) ProcessBalanceUpdate(ctx context.Context, u core.BalanceUpdate) (*CheckResult, error) {
	if err := validateUpdate(u); err != nil {
		return nil, err
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = e.now()
	}

	unlock := e.locks.Lock(u.ClientID)
	res, v, events, err := e.processLocked(ctx, u)
	unlock()

	if err != nil && res == nil {
		return nil, err
	}
	for _, pe := range events {
		e.publish(ctx, pe.topic, pe.event)
	}
	if v != nil {
		if enfErr := e.startEnforcement(ctx, *v); enfErr != nil {
			return res, enfErr
		}
	}
	return res, err
}

type pendingEvent struct {
	topic core.Topic
	event core.RiskEvent
}

// processLocked applies u under the client lock. The events it returns are
// published by the caller once the lock is released.
func (e *Engine) processLocked(ctx context.Context, u core.BalanceUpdate) (*CheckResult, *Violation, []pendingEvent, error) {
	now := e.now()

	current, err := e.load(ctx, u.ClientID)
	if err != nil {
		return nil, nil, nil, err
	}

	var state *AccountRiskState
	if current == nil {
		state = e.newState(ctx, u, now)
		e.logger.Info("initialized monitoring on first balance update",
			zap.String("client_id", u.ClientID),
			zap.Stringer("initial_balance", state.InitialBalance),
		)
	} else {
		state = current.Clone()
	}

	previousBalance := state.CurrentBalance
	state.applyBalance(u.NewBalance, u.PreviousBalance, now)
	if u.UnrealizedPnl != nil {
		state.UnrealizedPnl = *u.UnrealizedPnl
	}
	state.LastSource = string(u.Source)

	res, v, cfgErr := e.evaluate(ctx, state, u.Source, now)

	if err := e.commit(ctx, state); err != nil {
		return nil, nil, nil, err
	}
	if v != nil {
		e.markInflight(v.ClientID, v.Kind)
	}

	e.logger.Debug("balance update processed",
		zap.String("client_id", u.ClientID),
		zap.String("source", string(u.Source)),
		zap.Stringer("balance", u.NewBalance),
		zap.Stringer("daily_pnl", state.DailyPnl),
		zap.Stringer("total_pnl", state.TotalPnl),
		zap.String("status", string(res.Status)),
	)

	ev := core.NewRiskEvent(core.EventBalanceUpdate, u.ClientID, severityFor(res), now)
	ev.Source = u.Source
	ev.NewBalance = core.DecimalPtr(u.NewBalance)
	if u.PreviousBalance != nil {
		ev.PreviousBalance = core.DecimalPtr(*u.PreviousBalance)
	} else if current != nil {
		ev.PreviousBalance = core.DecimalPtr(previousBalance)
	}
	ev.Message = fmt.Sprintf("Balance updated for client %s: %s (source: %s, status: %s)",
		u.ClientID, u.NewBalance.StringFixed(2), u.Source, res.Status)
	events := []pendingEvent{{core.TopicBalanceUpdate, ev}}

	if cfgErr != nil {
		if current == nil || current.LastError != state.LastError {
			events = append(events, pendingEvent{core.TopicMonitoringError, monitoringError(u.ClientID, state.LastError, now)})
		}
		return res, nil, events, cfgErr
	}
	return res, v, events, nil
}

// evaluate runs the limit checks on state, updates its status and decides
// whether enforcement must start. It mutates state but does not persist it.
func (e *Engine) evaluate(ctx context.Context, state *AccountRiskState, source core.Source, now time.Time) (*CheckResult, *Violation, error) {
	if !state.HasLimits() {
		e.refreshLimits(ctx, state)
	}
	if !state.HasLimits() {
		state.LastError = "risk limits not configured - account unmonitored"
		e.logger.Warn("risk check skipped: no limits configured",
			zap.String("client_id", state.ClientID))
		return &CheckResult{
			ClientID:  state.ClientID,
			Status:    state.RiskStatus,
			Monitored: false,
			CheckedAt: now,
		}, nil, core.WrapError(core.ErrConfigMissing, fmt.Errorf("risk limits for client %s", state.ClientID))
	}

	res := Evaluate(state, e.cfg.WarningRatio, now)
	state.LastRiskCheck = now
	if state.LastError == "risk limits not configured - account unmonitored" {
		state.LastError = ""
	}

	kind := res.Violation
	pending := false
	if kind == ViolationNone && state.RiskStatus.Violated() {
		// A violation was detected earlier but its block never landed.
		if k := pendingKind(state.RiskStatus); !state.BlockedFor(k) {
			kind, pending = k, true
			res.Violation = k
			res.Status = k.Status()
		}
	}

	if kind == ViolationNone {
		state.RiskStatus = res.Status
		return res, nil, nil
	}

	if state.BlockedFor(kind) || e.inflightCovers(state.ClientID, kind) {
		res.Suppressed = true
		state.RiskStatus = res.Status
		e.logger.Debug("violation already enforced, skipping",
			zap.String("client_id", state.ClientID),
			zap.String("violation", string(kind)),
		)
		return res, nil, nil
	}

	if pending {
		state.RiskStatus = kind.Status()
		e.logger.Warn("retrying enforcement for unapplied block",
			zap.String("client_id", state.ClientID),
			zap.String("violation", string(kind)),
		)
	} else {
		state.recordViolation(kind, now)
		if e.metrics != nil {
			e.metrics.RecordViolation(string(kind))
		}
	}
	res.Status = state.RiskStatus
	res.Enforced = true

	v := &Violation{
		ClientID:   state.ClientID,
		Kind:       kind,
		Balance:    state.CurrentBalance,
		Message:    res.Message(),
		Source:     source,
		DetectedAt: now,
	}
	if kind == ViolationMax {
		v.Loss, v.Threshold = res.Max.Loss, res.Max.Threshold
	} else {
		v.Loss, v.Threshold = res.Daily.Loss, res.Daily.Threshold
	}

	e.logger.Warn("risk limit violated",
		zap.String("client_id", state.ClientID),
		zap.String("violation", string(kind)),
		zap.Stringer("loss", v.Loss),
		zap.Stringer("threshold", v.Threshold),
		zap.String("source", string(source)),
	)
	return res, v, nil
}

// ForceRiskCheck re-evaluates an account against its current balance.
func (e *Engine) ForceRiskCheck(ctx context.Context, clientID string) (*CheckResult, error) {
	unlock := e.locks.Lock(clientID)
	res, v, err := e.recheckLocked(ctx, clientID, nil)
	unlock()

	if err != nil && res == nil {
		return nil, err
	}
	if v != nil {
		if enfErr := e.startEnforcement(ctx, *v); enfErr != nil {
			return res, enfErr
		}
	}
	return res, err
}

// UpdateRiskLimits replaces the limits that are non-nil and re-evaluates.
func (e *Engine) UpdateRiskLimits(ctx context.Context, clientID string, daily, max *RiskLimit) (*CheckResult, error) {
	unlock := e.locks.Lock(clientID)
	res, v, err := e.recheckLocked(ctx, clientID, func(s *AccountRiskState) {
		if daily != nil {
			l := *daily
			s.DailyRiskLimit = &l
		}
		if max != nil {
			l := *max
			s.MaxRiskLimit = &l
		}
	})
	unlock()

	if err != nil && res == nil {
		return nil, err
	}
	e.logger.Info("risk limits updated",
		zap.String("client_id", clientID),
		zap.Stringer("daily", daily),
		zap.Stringer("max", max),
	)
	if v != nil {
		if enfErr := e.startEnforcement(ctx, *v); enfErr != nil {
			return res, enfErr
		}
	}
	return res, err
}

func (e *Engine) recheckLocked(ctx context.Context, clientID string, mutate func(*AccountRiskState)) (*CheckResult, *Violation, error) {
	current, err := e.load(ctx, clientID)
	if err != nil {
		return nil, nil, err
	}
	if current == nil {
		return nil, nil, core.WrapError(core.ErrClientNotFound, fmt.Errorf("client %s", clientID))
	}

	now := e.now()
	state := current.Clone()
	if mutate != nil {
		mutate(state)
	}
	state.UpdatedAt = now

	res, v, cfgErr := e.evaluate(ctx, state, core.SourceMonitoring, now)
	if err := e.commit(ctx, state); err != nil {
		return nil, nil, err
	}
	if v != nil {
		e.markInflight(v.ClientID, v.Kind)
	}
	return res, v, cfgErr
}

// GetRiskStatus returns a snapshot of the account state.
func (e *Engine) GetRiskStatus(ctx context.Context, clientID string) (*AccountRiskState, error) {
	state, err := e.load(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, core.WrapError(core.ErrClientNotFound, fmt.Errorf("client %s", clientID))
	}
	return state.Clone(), nil
}

// ResetReport summarizes a daily reset sweep.
type ResetReport struct {
	Total            int `json:"total"`
	Reset            int `json:"reset"`
	PermanentSkipped int `json:"permanentlyBlocked"`
	Failed           int `json:"failed"`
}

// ResetDaily rebases every account's day: the start-of-day balance becomes
// the current balance, daily PnL is zeroed and daily blocks are lifted.
// Permanently blocked accounts are rebased but stay blocked. Per-account
// failures are collected and do not stop the sweep.
func (e *Engine) ResetDaily(ctx context.Context) (ResetReport, error) {
	accounts, err := e.ListAccounts(ctx)
	if err != nil {
		return ResetReport{}, err
	}

	report := ResetReport{Total: len(accounts)}
	var errs []error
	for _, a := range accounts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		permanent, err := e.resetOne(ctx, a.ClientID)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("reset %s: %w", a.ClientID, err))
			continue
		}
		report.Reset++
		if permanent {
			report.PermanentSkipped++
		}
	}

	if e.metrics != nil {
		e.metrics.RecordDailyReset()
	}
	e.logger.Info("daily risk reset completed",
		zap.Int("total", report.Total),
		zap.Int("reset", report.Reset),
		zap.Int("permanently_blocked", report.PermanentSkipped),
		zap.Int("failed", report.Failed),
	)
	return report, errors.Join(errs...)
}

func (e *Engine) resetOne(ctx context.Context, clientID string) (bool, error) {
	unlock := e.locks.Lock(clientID)
	defer unlock()

	current, err := e.load(ctx, clientID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	state := current.Clone()
	state.resetDaily(e.now())
	if err := e.commit(ctx, state); err != nil {
		return false, err
	}
	return state.PermanentlyBlocked, nil
}

// InitializeAccount registers a client with a known initial balance. An
// existing account is returned unchanged.
func (e *Engine) InitializeAccount(ctx context.Context, clientID string, initialBalance decimal.Decimal) (*AccountRiskState, error) {
	if clientID == "" {
		return nil, core.WrapError(core.ErrInvalidUpdate, errors.New("empty client id"))
	}

	unlock := e.locks.Lock(clientID)
	defer unlock()

	current, err := e.load(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return current.Clone(), nil
	}

	state := NewAccountRiskState(clientID, initialBalance, e.now())
	e.refreshLimits(ctx, state)
	if !state.HasLimits() {
		state.LastError = "risk limits not configured - account unmonitored"
		e.logger.Warn("account initialized without risk limits", zap.String("client_id", clientID))
	}
	if err := e.commit(ctx, state); err != nil {
		return nil, err
	}

	e.logger.Info("account monitoring initialized",
		zap.String("client_id", clientID),
		zap.Stringer("initial_balance", initialBalance),
		zap.Stringer("daily_limit", state.DailyRiskLimit),
		zap.Stringer("max_limit", state.MaxRiskLimit),
	)
	return state.Clone(), nil
}

// RemoveAccount deletes an account's state.
func (e *Engine) RemoveAccount(ctx context.Context, clientID string) error {
	unlock := e.locks.Lock(clientID)
	defer unlock()

	if err := e.store.Delete(ctx, clientID); err != nil {
		return core.WrapError(core.ErrPersistence, err)
	}

	e.mu.Lock()
	delete(e.cache, clientID)
	delete(e.inflight, clientID)
	e.mu.Unlock()

	e.logger.Info("account monitoring removed", zap.String("client_id", clientID))
	return nil
}

// ApplyBlock sets the block flag for kind and persists it. It is the only
// path that sets block flags.
func (e *Engine) ApplyBlock(ctx context.Context, clientID string, kind ViolationKind) (*AccountRiskState, error) {
	unlock := e.locks.Lock(clientID)
	defer unlock()

	current, err := e.load(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, core.WrapError(core.ErrClientNotFound, fmt.Errorf("client %s", clientID))
	}

	now := e.now()
	state := current.Clone()
	switch kind {
	case ViolationMax:
		state.blockPermanently(now)
	case ViolationDaily:
		state.blockDaily(now)
	default:
		return nil, fmt.Errorf("risk: cannot block for violation %q", kind)
	}

	if err := e.commit(ctx, state); err != nil {
		return nil, err
	}
	return state.Clone(), nil
}

// ReleaseEnforcement clears the in-flight marker for a client if it still
// belongs to kind. A MAX enforcement queued behind a DAILY one keeps its
// marker when the DAILY run finishes.
func (e *Engine) ReleaseEnforcement(clientID string, kind ViolationKind) {
	e.mu.Lock()
	if e.inflight[clientID] == kind {
		delete(e.inflight, clientID)
	}
	e.mu.Unlock()
}

// ListAccounts returns snapshots of all accounts ordered by client id.
func (e *Engine) ListAccounts(ctx context.Context) ([]*AccountRiskState, error) {
	stored, err := e.store.FindAll(ctx)
	if err != nil {
		return nil, core.WrapError(core.ErrPersistence, err)
	}

	e.mu.RLock()
	byID := make(map[string]*AccountRiskState, len(stored)+len(e.cache))
	for _, s := range stored {
		byID[s.ClientID] = s
	}
	for id, s := range e.cache {
		byID[id] = s
	}
	e.mu.RUnlock()

	result := make([]*AccountRiskState, 0, len(byID))
	for _, s := range byID {
		result = append(result, s.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClientID < result[j].ClientID })
	return result, nil
}

// Statistics summarizes monitored accounts.
type Statistics struct {
	TotalAccounts             int       `json:"totalAccounts"`
	BlockedAccounts           int       `json:"blockedAccounts"`
	DailyBlockedAccounts      int       `json:"dailyBlockedAccounts"`
	PermanentlyBlockedAccount int       `json:"permanentlyBlockedAccounts"`
	SafeAccounts              int       `json:"safeAccounts"`
	WarningAccounts           int       `json:"warningAccounts"`
	UnmonitoredAccounts       int       `json:"unmonitoredAccounts"`
	EnforcementsInFlight      int       `json:"enforcementsInFlight"`
	LastUpdate                time.Time `json:"lastUpdate"`
}

// Statistics returns monitoring statistics and refreshes the account gauges.
func (e *Engine) Statistics(ctx context.Context) (Statistics, error) {
	accounts, err := e.ListAccounts(ctx)
	if err != nil {
		return Statistics{}, err
	}

	stats := Statistics{TotalAccounts: len(accounts), LastUpdate: e.now()}
	byStatus := map[Status]int{}
	for _, s := range accounts {
		byStatus[s.RiskStatus]++
		if !s.CanTrade() {
			stats.BlockedAccounts++
		}
		if s.PermanentlyBlocked {
			stats.PermanentlyBlockedAccount++
		} else if s.DailyBlocked {
			stats.DailyBlockedAccounts++
		}
		if !s.HasLimits() {
			stats.UnmonitoredAccounts++
		}
		switch s.RiskStatus {
		case StatusNormal:
			stats.SafeAccounts++
		case StatusWarning:
			stats.WarningAccounts++
		}
	}

	e.mu.RLock()
	stats.EnforcementsInFlight = len(e.inflight)
	e.mu.RUnlock()

	if e.metrics != nil {
		for _, st := range []Status{StatusNormal, StatusWarning, StatusDailyRiskTriggered, StatusMaxRiskTriggered} {
			e.metrics.SetAccounts(string(st), byStatus[st])
		}
	}
	return stats, nil
}

// load returns the cached state or reads it from the store.
func (e *Engine) load(ctx context.Context, clientID string) (*AccountRiskState, error) {
	e.mu.RLock()
	s, ok := e.cache[clientID]
	e.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := e.store.Get(ctx, clientID)
	if err != nil {
		return nil, core.WrapError(core.ErrPersistence, fmt.Errorf("loading %s: %w", clientID, err))
	}
	if s == nil {
		return nil, nil
	}

	e.mu.Lock()
	e.cache[clientID] = s
	e.mu.Unlock()
	return s, nil
}

// commit persists state and, on success, makes it the cached version.
func (e *Engine) commit(ctx context.Context, state *AccountRiskState) error {
	if err := e.store.Save(ctx, state); err != nil {
		e.logger.Error("failed to persist risk state",
			zap.String("client_id", state.ClientID),
			zap.Error(err),
		)
		return core.WrapError(core.ErrPersistence, err)
	}

	e.mu.Lock()
	e.cache[state.ClientID] = state
	e.mu.Unlock()
	return nil
}

func (e *Engine) newState(ctx context.Context, u core.BalanceUpdate, now time.Time) *AccountRiskState {
	initial := u.NewBalance
	if u.PreviousBalance != nil {
		initial = *u.PreviousBalance
	}
	if e.provider != nil {
		if b, err := e.provider.GetInitialBalance(ctx, u.ClientID); err == nil && b.IsPositive() {
			initial = b
		}
	}
	state := NewAccountRiskState(u.ClientID, initial, now)
	e.refreshLimits(ctx, state)
	return state
}

func (e *Engine) refreshLimits(ctx context.Context, state *AccountRiskState) {
	if e.provider == nil {
		return
	}
	daily, max, err := e.provider.GetRiskLimits(ctx, state.ClientID)
	if err != nil {
		e.logger.Debug("risk limits unavailable",
			zap.String("client_id", state.ClientID),
			zap.Error(err),
		)
		return
	}
	state.DailyRiskLimit = daily
	state.MaxRiskLimit = max
}

func (e *Engine) startEnforcement(ctx context.Context, v Violation) error {
	if e.enforcer == nil {
		e.ReleaseEnforcement(v.ClientID, v.Kind)
		e.logger.Error("violation detected but no enforcer configured",
			zap.String("client_id", v.ClientID),
			zap.String("violation", string(v.Kind)),
		)
		return core.WrapError(core.ErrEnforcementFailed, errors.New("no enforcer configured"))
	}
	if err := e.enforcer.Enforce(ctx, v); err != nil {
		e.ReleaseEnforcement(v.ClientID, v.Kind)
		e.logger.Error("failed to start enforcement",
			zap.String("client_id", v.ClientID),
			zap.String("violation", string(v.Kind)),
			zap.Error(err),
		)
		return core.WrapError(core.ErrEnforcementFailed, err)
	}
	return nil
}

func (e *Engine) markInflight(clientID string, kind ViolationKind) {
	e.mu.Lock()
	e.inflight[clientID] = kind
	e.mu.Unlock()
}

// inflightCovers reports whether a running enforcement already handles a
// violation of kind. A running DAILY enforcement does not cover MAX.
func (e *Engine) inflightCovers(clientID string, kind ViolationKind) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	running, ok := e.inflight[clientID]
	return ok && (running == ViolationMax || running == kind)
}

func (e *Engine) publish(ctx context.Context, topic core.Topic, ev core.RiskEvent) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, topic, ev); err != nil {
		e.logger.Warn("failed to publish risk event",
			zap.String("topic", string(topic)),
			zap.String("client_id", ev.ClientID),
			zap.Error(err),
		)
	}
}

func monitoringError(clientID, message string, now time.Time) core.RiskEvent {
	ev := core.NewRiskEvent(core.EventMonitoringError, clientID, core.SeverityHigh, now)
	ev.Source = core.SourceMonitoring
	ev.Message = fmt.Sprintf("Monitoring error for client %s: %s", clientID, message)
	return ev
}

func pendingKind(s Status) ViolationKind {
	switch s {
	case StatusMaxRiskTriggered:
		return ViolationMax
	case StatusDailyRiskTriggered:
		return ViolationDaily
	}
	return ViolationNone
}

func severityFor(res *CheckResult) core.Severity {
	switch res.Status {
	case StatusMaxRiskTriggered:
		return core.SeverityCritical
	case StatusDailyRiskTriggered:
		return core.SeverityHigh
	case StatusWarning:
		return core.SeverityWarning
	}
	return core.SeverityLow
}

func validateUpdate(u core.BalanceUpdate) error {
	switch {
	case u.ClientID == "":
		return core.WrapError(core.ErrInvalidUpdate, errors.New("empty client id"))
	case u.NewBalance.IsNegative():
		return core.WrapError(core.ErrInvalidUpdate, fmt.Errorf("negative balance %s", u.NewBalance))
	case u.PreviousBalance != nil && u.PreviousBalance.IsNegative():
		return core.WrapError(core.ErrInvalidUpdate, fmt.Errorf("negative previous balance %s", u.PreviousBalance))
	}
	return nil
}
