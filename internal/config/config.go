package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/newthinker/riskguard/internal/clientcfg"
	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/eventbus"
	"github.com/newthinker/riskguard/internal/exchange"
	"github.com/newthinker/riskguard/internal/ingest"
	"github.com/newthinker/riskguard/internal/logger"
	"github.com/newthinker/riskguard/internal/notifier"
	"github.com/newthinker/riskguard/internal/risk"
	"github.com/newthinker/riskguard/internal/scheduler"
	"github.com/newthinker/riskguard/internal/storage/archive"
	"github.com/newthinker/riskguard/internal/storage/journal"
	"github.com/newthinker/riskguard/internal/storage/state"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig               `mapstructure:"server"`
	Log       logger.Config              `mapstructure:"log"`
	Risk      RiskConfig                 `mapstructure:"risk"`
	Schedule  scheduler.ResetConfig      `mapstructure:"schedule"`
	Ingest    IngestConfig               `mapstructure:"ingest"`
	Store     StoreConfig                `mapstructure:"store"`
	Journal   journal.Config             `mapstructure:"journal"`
	Archive   archive.Config             `mapstructure:"archive"`
	Bus       eventbus.Config            `mapstructure:"bus"`
	Notifiers map[string]notifier.Config `mapstructure:"notifiers"`
	Fanout    notifier.FanoutConfig      `mapstructure:"fanout"`
	Exchange  ExchangeConfig             `mapstructure:"exchange"`
	Clients   []ClientConfig             `mapstructure:"clients"`
	Metrics   MetricsConfig              `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
	// AllowedOrigins restricts browser origins on /ws. Empty allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RiskConfig holds engine, enforcement and sweep tuning.
type RiskConfig struct {
	WarningRatio        float64       `mapstructure:"warning_ratio"`
	DedupWindow         time.Duration `mapstructure:"dedup_window"`
	ExchangeTimeout     time.Duration `mapstructure:"exchange_timeout"`
	EnforcementTimeout  time.Duration `mapstructure:"enforcement_timeout"`
	MaxConcurrentChecks int           `mapstructure:"max_concurrent_checks"`
	CheckInterval       time.Duration `mapstructure:"check_interval"`
	BlockRetries        int           `mapstructure:"block_retries"`
}

// Engine returns the risk engine config.
func (r RiskConfig) Engine() risk.Config {
	return risk.Config{WarningRatio: decimal.NewFromFloat(r.WarningRatio)}
}

// Sweep returns the periodic sweep config.
func (r RiskConfig) Sweep() scheduler.SweepConfig {
	return scheduler.SweepConfig{Interval: r.CheckInterval, MaxConcurrent: r.MaxConcurrentChecks}
}

type IngestConfig struct {
	Polling      bool                `mapstructure:"polling"`
	PollInterval time.Duration       `mapstructure:"poll_interval"`
	PollRate     float64             `mapstructure:"poll_rate"`
	PollBurst    int                 `mapstructure:"poll_burst"`
	Stream       ingest.StreamConfig `mapstructure:"stream"`
}

// Poller returns the poller config, sharing the exchange timeout and
// concurrency limit with the risk section.
func (c *Config) Poller() ingest.PollerConfig {
	return ingest.PollerConfig{
		Interval:      c.Ingest.PollInterval,
		Rate:          c.Ingest.PollRate,
		Burst:         c.Ingest.PollBurst,
		Timeout:       c.Risk.ExchangeTimeout,
		MaxConcurrent: c.Risk.MaxConcurrentChecks,
	}
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, postgres or sqlite
	DSN    string `mapstructure:"dsn"`
	// Retries bounds storage-layer retries of writes. Zero disables the decorator.
	Retries int `mapstructure:"retries"`
}

// State returns the state store config.
func (s StoreConfig) State() state.Config {
	return state.Config{Driver: s.Driver, DSN: s.DSN}
}

type ExchangeConfig struct {
	Provider string `mapstructure:"provider"` // mock or binance
	Testnet  bool   `mapstructure:"testnet"`
	BaseURL  string `mapstructure:"base_url"`
}

// LimitConfig is a risk limit as written in the config file.
type LimitConfig struct {
	Type  string `mapstructure:"type" json:"type"` // percentage or absolute
	Value string `mapstructure:"value" json:"value"`
}

// Limit parses the entry. A nil entry means no limit.
func (l *LimitConfig) Limit() (*risk.RiskLimit, error) {
	if l == nil || l.Type == "" {
		return nil, nil
	}
	kind, err := risk.ParseKind(l.Type)
	if err != nil {
		return nil, err
	}
	v, err := decimal.NewFromString(strings.TrimSpace(l.Value))
	if err != nil {
		return nil, fmt.Errorf("limit value %q: %w", l.Value, err)
	}
	return risk.NewLimit(kind, v)
}

type ClientConfig struct {
	ID             string       `mapstructure:"id"`
	InitialBalance string       `mapstructure:"initial_balance"`
	DailyLimit     *LimitConfig `mapstructure:"daily_limit"`
	MaxLimit       *LimitConfig `mapstructure:"max_limit"`
	Exchange       string       `mapstructure:"exchange"`
	APIKey         string       `mapstructure:"api_key"`
	APISecret      string       `mapstructure:"api_secret"`
}

// Client converts the entry into a provider record.
func (c ClientConfig) Client() (clientcfg.Client, error) {
	out := clientcfg.Client{ID: c.ID}

	if c.InitialBalance != "" {
		b, err := decimal.NewFromString(strings.TrimSpace(c.InitialBalance))
		if err != nil {
			return out, fmt.Errorf("client %s: initial_balance %q: %w", c.ID, c.InitialBalance, err)
		}
		out.InitialBalance = b
	}

	var err error
	if out.DailyLimit, err = c.DailyLimit.Limit(); err != nil {
		return out, fmt.Errorf("client %s: daily_limit: %w", c.ID, err)
	}
	if out.MaxLimit, err = c.MaxLimit.Limit(); err != nil {
		return out, fmt.Errorf("client %s: max_limit: %w", c.ID, err)
	}

	if c.APIKey != "" || c.APISecret != "" {
		out.Credentials = &exchange.Credentials{
			Exchange:  c.Exchange,
			APIKey:    c.APIKey,
			APISecret: c.APISecret,
		}
	}
	return out, out.Validate()
}

// ClientRecords converts every configured client.
func (c *Config) ClientRecords() ([]clientcfg.Client, error) {
	out := make([]clientcfg.Client, 0, len(c.Clients))
	for _, cc := range c.Clients {
		rec, err := cc.Client()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from file. A .env file next to the working
// directory is loaded first when present; values set in the environment win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)

	// Support environment variable overrides
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// Expand environment variables in string values
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			envKey := strings.TrimSuffix(strings.TrimPrefix(val, "${"), "}")
			v.Set(key, os.Getenv(envKey))
		}
	}

	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a config with sensible defaults
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Risk: RiskConfig{
			WarningRatio:        0.80,
			DedupWindow:         5 * time.Second,
			ExchangeTimeout:     10 * time.Second,
			EnforcementTimeout:  30 * time.Second,
			MaxConcurrentChecks: 10,
			CheckInterval:       time.Minute,
			BlockRetries:        3,
		},
		Schedule: scheduler.DefaultResetConfig(),
		Ingest: IngestConfig{
			Polling:      true,
			PollInterval: 30 * time.Second,
			PollRate:     5,
			PollBurst:    5,
			Stream:       ingest.DefaultStreamConfig(),
		},
		Store: StoreConfig{
			Driver:  "memory",
			Retries: 5,
		},
		Bus: eventbus.Config{
			Type: "memory",
		},
		Fanout: notifier.DefaultFanoutConfig(),
		Exchange: ExchangeConfig{
			Provider: "mock",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("port must be between 1 and 65535, got %d", c.Server.Port))
	}

	if c.Risk.WarningRatio <= 0 || c.Risk.WarningRatio >= 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("warning_ratio must be between 0 and 1, got %f", c.Risk.WarningRatio))
	}
	if c.Risk.DedupWindow < 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("dedup_window cannot be negative, got %s", c.Risk.DedupWindow))
	}
	if c.Risk.MaxConcurrentChecks < 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("max_concurrent_checks must be positive, got %d", c.Risk.MaxConcurrentChecks))
	}

	if _, _, err := scheduler.ParseClock(c.Schedule.At); err != nil {
		return err
	}

	if c.Ingest.Polling && c.Ingest.PollInterval <= 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("poll_interval must be positive when polling is enabled"))
	}

	switch strings.ToLower(c.Store.Driver) {
	case "", "memory":
	case "postgres", "postgresql", "sqlite", "sqlite3":
		if c.Store.DSN == "" {
			return core.WrapError(core.ErrConfigMissing,
				fmt.Errorf("store dsn required for driver %s", c.Store.Driver))
		}
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	if c.Journal.Driver != "" && c.Journal.DSN == "" {
		return core.WrapError(core.ErrConfigMissing,
			fmt.Errorf("journal dsn required for driver %s", c.Journal.Driver))
	}

	switch c.Archive.Type {
	case "":
	case "localfs", "local":
		if c.Archive.Path == "" {
			return core.WrapError(core.ErrConfigMissing, fmt.Errorf("archive path required for localfs"))
		}
	case "s3":
		if c.Archive.S3.Bucket == "" {
			return core.WrapError(core.ErrConfigMissing, fmt.Errorf("archive s3 bucket required"))
		}
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("unknown archive type %q", c.Archive.Type))
	}

	switch c.Bus.Type {
	case "", "memory":
	case "redis":
		if c.Bus.Redis.Addr == "" {
			return core.WrapError(core.ErrConfigMissing, fmt.Errorf("redis addr required when bus type is redis"))
		}
	default:
		return core.WrapError(core.ErrConfigInvalid, fmt.Errorf("unknown bus type %q", c.Bus.Type))
	}

	switch c.Exchange.Provider {
	case "", "mock", "binance":
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("unknown exchange provider %q", c.Exchange.Provider))
	}

	seen := make(map[string]bool, len(c.Clients))
	for _, cc := range c.Clients {
		if seen[cc.ID] {
			return core.WrapError(core.ErrConfigInvalid, fmt.Errorf("duplicate client %q", cc.ID))
		}
		seen[cc.ID] = true
		if _, err := cc.Client(); err != nil {
			return core.WrapError(core.ErrConfigInvalid, err)
		}
	}

	return nil
}
