package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/exchange"
	"github.com/newthinker/riskguard/internal/metrics"
	"github.com/newthinker/riskguard/internal/retry"
	"github.com/newthinker/riskguard/internal/risk"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrAlreadyStreaming is returned by Connect for a client that already has a read loop.
var ErrAlreadyStreaming = errors.New("ingest: client already streaming")

// Stream message types.
const (
	MessageConnection    = "CONNECTION"
	MessageBalanceUpdate = "BALANCE_UPDATE"
	MessagePnlUpdate     = "PNL_UPDATE"
	MessageError         = "ERROR"
)

// StreamConfig configures the push adapter.
type StreamConfig struct {
	// Endpoint is the bridge base URL; http(s) is rewritten to ws(s).
	Endpoint       string        `mapstructure:"endpoint"`
	Path           string        `mapstructure:"path"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
	// MaxFailures consecutive failures raise one MONITORING_ERROR per streak.
	MaxFailures int `mapstructure:"max_failures"`
}

// DefaultStreamConfig returns default stream settings.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Path:           "/ws/realtime",
		DialTimeout:    10 * time.Second,
		PongWait:       60 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2.0,
		MaxFailures:    5,
	}
}

func (c StreamConfig) withDefaults() StreamConfig {
	def := DefaultStreamConfig()
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.Multiplier <= 1 {
		c.Multiplier = def.Multiplier
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = def.MaxFailures
	}
	return c
}

func (c StreamConfig) backoff() retry.Config {
	return retry.Config{
		InitialDelay: c.InitialBackoff,
		MaxDelay:     c.MaxBackoff,
		Multiplier:   c.Multiplier,
		JitterFactor: 0.1,
	}
}

// CredentialSource resolves exchange credentials. clientcfg.Provider implements it.
type CredentialSource interface {
	GetCredentials(ctx context.Context, clientID string) (exchange.Credentials, error)
}

type streamMessage struct {
	Type               string           `json:"type"`
	TotalBalance       *decimal.Decimal `json:"totalBalance"`
	PreviousBalance    *decimal.Decimal `json:"previousBalance"`
	TotalUnrealizedPnl *decimal.Decimal `json:"totalUnrealizedPnl"`
	AccountID          string           `json:"accountId"`
	Status             string           `json:"status"`
	Message            string           `json:"message"`
}

// Stream keeps one websocket per client to the balance bridge and forwards
// balance messages to a Submitter.
type Stream struct {
	cfg       StreamConfig
	creds     CredentialSource
	sink      Submitter
	registry  *ConnectionRegistry
	publisher risk.Publisher
	metrics   *metrics.Registry
	logger    *zap.Logger
	dialer    *websocket.Dialer

	wg  sync.WaitGroup
	now func() time.Time
}

// NewStream creates a stream adapter. registry may be nil.
func NewStream(cfg StreamConfig, creds CredentialSource, sink Submitter, registry *ConnectionRegistry, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewConnectionRegistry()
	}
	cfg = cfg.withDefaults()
	return &Stream{
		cfg:      cfg,
		creds:    creds,
		sink:     sink,
		registry: registry,
		logger:   logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher sets where stream health events go.
func (s *Stream) SetPublisher(p risk.Publisher) {
	s.publisher = p
}

// SetMetrics sets the metrics registry.
func (s *Stream) SetMetrics(reg *metrics.Registry) {
	s.metrics = reg
}

// Registry returns the connection registry.
func (s *Stream) Registry() *ConnectionRegistry {
	return s.registry
}

// Enabled reports whether an endpoint is configured.
func (s *Stream) Enabled() bool {
	return s.cfg.Endpoint != ""
}

// URL builds the websocket URL for creds.
func (s *Stream) URL(creds exchange.Credentials) (string, error) {
	u, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse stream endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported stream scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + s.cfg.Path

	q := u.Query()
	q.Set("api_key", creds.APIKey)
	q.Set("api_secret", creds.APISecret)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect starts the read loop for clientID. It returns once the loop is
// registered; dialing happens in the background.
func (s *Stream) Connect(ctx context.Context, clientID string) error {
	if !s.Enabled() {
		return core.WrapError(core.ErrConfigMissing, errors.New("stream endpoint not configured"))
	}
	creds, err := s.creds.GetCredentials(ctx, clientID)
	if err != nil {
		return err
	}
	if err := creds.Validate(); err != nil {
		return core.WrapError(core.ErrConfigMissing, err)
	}
	target, err := s.URL(creds)
	if err != nil {
		return core.WrapError(core.ErrConfigInvalid, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	if !s.registry.Add(clientID, cancel, done) {
		cancel()
		return ErrAlreadyStreaming
	}

	s.wg.Add(1)
	go s.run(loopCtx, clientID, target, done)

	s.logger.Info("balance stream started",
		zap.String("client_id", clientID),
		zap.String("endpoint", strings.SplitN(target, "?", 2)[0]),
	)
	return nil
}

// Disconnect stops the client's read loop and waits for it to exit.
func (s *Stream) Disconnect(clientID string) {
	if done := s.registry.Remove(clientID); done != nil {
		<-done
		s.logger.Info("balance stream stopped", zap.String("client_id", clientID))
	}
}

// Close stops every read loop.
func (s *Stream) Close() {
	for _, id := range s.registry.IDs() {
		s.registry.Remove(id)
	}
	s.wg.Wait()
	s.updateGauge()
}

func (s *Stream) run(ctx context.Context, clientID, target string, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)
	defer s.updateGauge()
	defer s.registry.release(clientID, done)

	backoff := s.cfg.backoff()
	failures := 0
	alerted := false

	for {
		connected, err := s.session(ctx, clientID, target)
		if ctx.Err() != nil {
			return
		}
		if connected {
			failures = 0
			alerted = false
		}
		failures++
		if s.metrics != nil {
			s.metrics.RecordStreamFailure()
		}
		s.registry.update(clientID, func(c *Connection) {
			c.State = StateReconnecting
			c.Failures = failures
			c.LastError = err.Error()
		})
		s.updateGauge()

		s.logger.Warn("balance stream disconnected",
			zap.String("client_id", clientID),
			zap.Int("failures", failures),
			zap.Error(err),
		)

		if failures >= s.cfg.MaxFailures && !alerted {
			alerted = true
			s.publishFailure(ctx, clientID, failures, err)
		}

		timer := time.NewTimer(backoff.Delay(failures - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session dials and reads until the connection fails. connected reports
// whether the handshake succeeded.
func (s *Stream) session(ctx context.Context, clientID, target string) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, _, err := s.dialer.DialContext(dialCtx, target, nil)
	cancel()
	if err != nil {
		return false, core.WrapError(core.ErrStreamFailed, err)
	}
	defer conn.Close()

	s.registry.update(clientID, func(c *Connection) {
		c.State = StateConnected
		c.ConnectedAt = s.now()
		c.LastError = ""
	})
	s.updateGauge()

	pongWait := s.cfg.PongWait
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.keepAlive(ctx, conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, core.WrapError(core.ErrStreamFailed, err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.registry.update(clientID, func(c *Connection) { c.LastMessage = s.now() })

		if err := s.handleMessage(ctx, clientID, data); err != nil {
			s.logger.Warn("balance stream message rejected",
				zap.String("client_id", clientID),
				zap.Error(err),
			)
		}
	}
}

// keepAlive pings the peer and closes conn when ctx is done.
func (s *Stream) keepAlive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *Stream) handleMessage(ctx context.Context, clientID string, data []byte) error {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode stream message: %w", err)
	}

	switch msg.Type {
	case MessageConnection:
		s.logger.Info("balance stream confirmed",
			zap.String("client_id", clientID),
			zap.String("account_id", msg.AccountID),
			zap.String("status", msg.Status),
		)
		return nil

	case MessageBalanceUpdate:
		if msg.TotalBalance == nil {
			return fmt.Errorf("%s without totalBalance", msg.Type)
		}
		return s.submit(ctx, core.BalanceUpdate{
			ClientID:        clientID,
			NewBalance:      *msg.TotalBalance,
			PreviousBalance: msg.PreviousBalance,
		})

	case MessagePnlUpdate:
		if msg.TotalBalance == nil {
			s.logger.Debug("pnl update without balance", zap.String("client_id", clientID))
			return nil
		}
		return s.submit(ctx, core.BalanceUpdate{
			ClientID:        clientID,
			NewBalance:      *msg.TotalBalance,
			PreviousBalance: msg.PreviousBalance,
			UnrealizedPnl:   msg.TotalUnrealizedPnl,
		})

	case MessageError:
		s.logger.Error("balance stream error",
			zap.String("client_id", clientID),
			zap.String("message", msg.Message),
		)
		return nil
	}

	s.logger.Debug("ignoring stream message", zap.String("client_id", clientID), zap.String("type", msg.Type))
	return nil
}

func (s *Stream) submit(ctx context.Context, u core.BalanceUpdate) error {
	u.Source = core.SourceWebSocket
	u.Timestamp = s.now()
	_, err := s.sink.Submit(ctx, u)
	return err
}

func (s *Stream) publishFailure(ctx context.Context, clientID string, failures int, cause error) {
	if s.publisher == nil {
		return
	}
	ev := core.NewRiskEvent(core.EventMonitoringError, clientID, core.SeverityHigh, s.now())
	ev.Source = core.SourceWebSocket
	ev.Message = fmt.Sprintf("balance stream failed %d consecutive times: %v", failures, cause)
	if err := s.publisher.Publish(ctx, core.TopicMonitoringError, ev); err != nil {
		s.logger.Error("failed to publish stream failure", zap.String("client_id", clientID), zap.Error(err))
	}
}

func (s *Stream) updateGauge() {
	if s.metrics != nil {
		s.metrics.SetStreamConnections(s.registry.Connected())
	}
}
