// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ccruz0/crypto-2.0-sub006/internal/types"
)

// Config represents the full application configuration.
type Config struct {
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Engine      EngineConfig      `yaml:"engine"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Watchlist   []SymbolConfig    `yaml:"watchlist"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// ExchangeConfig holds exchange API settings.
type ExchangeConfig struct {
	BaseURL            string `yaml:"base_url"`
	APIKey             string `yaml:"api_key"`
	APISecret          string `yaml:"api_secret"`
	RequestTimeoutSec  int    `yaml:"request_timeout_sec"`
	RequestsPerSecond  int    `yaml:"requests_per_second"`
	TransportRetries   int    `yaml:"transport_retries"`
	RetryBackoffMs     int    `yaml:"retry_backoff_ms"`
}

// EngineConfig holds evaluation and reconciliation cycle settings.
type EngineConfig struct {
	EvalIntervalSec    int `yaml:"eval_interval_sec"`
	SyncIntervalSec    int `yaml:"sync_interval_sec"`
	SymbolBudgetSec    int `yaml:"symbol_budget_sec"`
	FillPollIntervalMs int `yaml:"fill_poll_interval_ms"`
	FillPollAttempts   int `yaml:"fill_poll_attempts"`
}

// ThrottleConfig holds global throttle defaults, overridable per symbol.
type ThrottleConfig struct {
	CooldownMinutes   int     `yaml:"cooldown_minutes"`
	MinPriceChangePct float64 `yaml:"min_price_change_pct"`
}

// SymbolConfig holds per-symbol watchlist settings. The coordinator treats
// these as read-only input.
type SymbolConfig struct {
	Symbol            string  `yaml:"symbol"`
	TradeEnabled      bool    `yaml:"trade_enabled"`
	TradeOnMargin     bool    `yaml:"trade_on_margin"`
	TradeAmountUSD    float64 `yaml:"trade_amount_usd"`
	Leverage          int     `yaml:"leverage"`
	SLPercentage      float64 `yaml:"sl_percentage"`
	TPPercentage      float64 `yaml:"tp_percentage"`
	CooldownMinutes   int     `yaml:"cooldown_minutes"`       // 0 = global default
	MinPriceChangePct float64 `yaml:"min_price_change_pct"`   // 0 = global default
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	Path string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
	Events   []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // telegram | console
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables (API secrets live in the environment)
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Exchange.RequestTimeoutSec <= 0 {
		c.Exchange.RequestTimeoutSec = 10
	}
	if c.Exchange.RequestsPerSecond <= 0 {
		c.Exchange.RequestsPerSecond = 8
	}
	if c.Exchange.TransportRetries < 0 {
		c.Exchange.TransportRetries = 0
	}
	if c.Exchange.RetryBackoffMs <= 0 {
		c.Exchange.RetryBackoffMs = 500
	}
	if c.Engine.EvalIntervalSec <= 0 {
		c.Engine.EvalIntervalSec = 60
	}
	if c.Engine.SyncIntervalSec <= 0 {
		c.Engine.SyncIntervalSec = 15
	}
	if c.Engine.SymbolBudgetSec <= 0 {
		c.Engine.SymbolBudgetSec = 30
	}
	if c.Engine.FillPollIntervalMs <= 0 {
		c.Engine.FillPollIntervalMs = 2000
	}
	if c.Engine.FillPollAttempts <= 0 {
		c.Engine.FillPollAttempts = 15
	}
	if c.Throttle.CooldownMinutes <= 0 {
		c.Throttle.CooldownMinutes = 60
	}
	if c.Throttle.MinPriceChangePct <= 0 {
		c.Throttle.MinPriceChangePct = 1.0
	}
	if c.Shutdown.TimeoutSec <= 0 {
		c.Shutdown.TimeoutSec = 30
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange.base_url is required")
	}
	if c.Exchange.APIKey == "" {
		errs = append(errs, "exchange.api_key is required")
	}
	if c.Exchange.APISecret == "" {
		errs = append(errs, "exchange.api_secret is required")
	}

	if len(c.Watchlist) == 0 {
		errs = append(errs, "watchlist must contain at least one symbol")
	}
	seen := make(map[string]bool)
	for i, s := range c.Watchlist {
		if s.Symbol == "" {
			errs = append(errs, fmt.Sprintf("watchlist[%d].symbol is required", i))
			continue
		}
		if seen[s.Symbol] {
			errs = append(errs, fmt.Sprintf("watchlist has duplicate symbol '%s'", s.Symbol))
		}
		seen[s.Symbol] = true

		if s.TradeEnabled {
			if s.TradeAmountUSD <= 0 {
				errs = append(errs, fmt.Sprintf("watchlist[%s].trade_amount_usd must be positive when trading is enabled", s.Symbol))
			}
			if s.SLPercentage <= 0 || s.SLPercentage >= 100 {
				errs = append(errs, fmt.Sprintf("watchlist[%s].sl_percentage must be between 0 and 100", s.Symbol))
			}
			if s.TPPercentage <= 0 || s.TPPercentage >= 100 {
				errs = append(errs, fmt.Sprintf("watchlist[%s].tp_percentage must be between 0 and 100", s.Symbol))
			}
		}
		if s.TradeOnMargin && s.Leverage <= 0 {
			errs = append(errs, fmt.Sprintf("watchlist[%s].leverage must be positive when trade_on_margin is set", s.Symbol))
		}
		if s.MinPriceChangePct < 0 {
			errs = append(errs, fmt.Sprintf("watchlist[%s].min_price_change_pct must not be negative", s.Symbol))
		}
	}

	if c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required")
	}

	for i, ch := range c.Alerting.Channels {
		switch ch.Type {
		case "telegram":
			if ch.BotToken == "" || ch.ChatID == "" {
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: telegram requires bot_token and chat_id", i))
			}
		case "console":
		default:
			errs = append(errs, fmt.Sprintf("alerting.channels[%d]: unknown type '%s'", i, ch.Type))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// SymbolFor returns the watchlist entry for a symbol.
func (c *Config) SymbolFor(symbol string) (SymbolConfig, bool) {
	for _, s := range c.Watchlist {
		if s.Symbol == symbol {
			return s, true
		}
	}
	return SymbolConfig{}, false
}

// Cooldown returns the throttle cooldown for a symbol, falling back to the
// global default.
func (c *Config) Cooldown(s SymbolConfig) time.Duration {
	m := s.CooldownMinutes
	if m <= 0 {
		m = c.Throttle.CooldownMinutes
	}
	return time.Duration(m) * time.Minute
}

// MinPriceChange returns the minimum price delta (as a ratio, 0.01 = 1%) for
// a symbol, falling back to the global default.
func (c *Config) MinPriceChange(s SymbolConfig) decimal.Decimal {
	pct := s.MinPriceChangePct
	if pct <= 0 {
		pct = c.Throttle.MinPriceChangePct
	}
	return decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100))
}

// TradeAmount returns the per-trade notional in USD as a decimal.
func (s SymbolConfig) TradeAmount() decimal.Decimal {
	return decimal.NewFromFloat(s.TradeAmountUSD)
}

// SLRatio returns the stop-loss percentage as a ratio.
func (s SymbolConfig) SLRatio() decimal.Decimal {
	return decimal.NewFromFloat(s.SLPercentage).Div(decimal.NewFromInt(100))
}

// TPRatio returns the take-profit percentage as a ratio.
func (s SymbolConfig) TPRatio() decimal.Decimal {
	return decimal.NewFromFloat(s.TPPercentage).Div(decimal.NewFromInt(100))
}

// RequestTimeout returns the exchange request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Exchange.RequestTimeoutSec) * time.Second
}

// RetryBackoff returns the transport retry backoff.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Exchange.RetryBackoffMs) * time.Millisecond
}

// EvalInterval returns the evaluation cycle interval.
func (c *Config) EvalInterval() time.Duration {
	return time.Duration(c.Engine.EvalIntervalSec) * time.Second
}

// SyncInterval returns the reconciliation cycle interval.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Engine.SyncIntervalSec) * time.Second
}

// SymbolBudget returns the per-symbol deadline for one evaluation.
func (c *Config) SymbolBudget() time.Duration {
	return time.Duration(c.Engine.SymbolBudgetSec) * time.Second
}

// FillPollInterval returns the fill confirmation poll interval.
func (c *Config) FillPollInterval() time.Duration {
	return time.Duration(c.Engine.FillPollIntervalMs) * time.Millisecond
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}
