// Package config defines all configuration for the trading backend.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KALSHI_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	GlobalTradingEnabled bool                   `mapstructure:"global_trading_enabled"`
	ActiveEnvironment    string                 `mapstructure:"active_environment"`
	Environments         map[string]EnvConfig   `mapstructure:"environments"`
	Risk                 RiskConfig             `mapstructure:"risk"`
	Discovery            DiscoveryConfig        `mapstructure:"discovery"`
	Reconciliation       ReconciliationConfig   `mapstructure:"reconciliation"`
	Store                StoreConfig            `mapstructure:"store"`
	ControlAPI           ControlAPIConfig       `mapstructure:"control_api"`
	Execution            ExecutionConfig        `mapstructure:"execution"`
	Logging              LoggingConfig          `mapstructure:"logging"`
	Agents               map[string]AgentConfig `mapstructure:"agents"`
}

// EnvConfig holds per-environment credentials and endpoints. Live and
// demo environments are isolated: separate keys, separate endpoints,
// separate persisted state, and both may run concurrently.
type EnvConfig struct {
	APIKeyID       string `mapstructure:"api_key_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	RESTBaseURL    string `mapstructure:"rest_base_url"`
	WSURL          string `mapstructure:"ws_url"`
}

// HasCredentials reports whether enough is configured to sign requests.
func (e EnvConfig) HasCredentials() bool {
	return e.APIKeyID != "" && e.PrivateKeyPath != ""
}

// RiskConfig sets the hard limits that trigger the kill switch (§11).
type RiskConfig struct {
	MaxPositionPerMarketCents int64         `mapstructure:"max_position_per_market_cents"`
	MaxGlobalExposureCents    int64         `mapstructure:"max_global_exposure_cents"`
	MaxMarketsActive          int           `mapstructure:"max_markets_active"`
	KillSwitchDropPct         float64       `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindowSec       int           `mapstructure:"kill_switch_window_sec"`
	MaxDailyLossCents         int64         `mapstructure:"max_daily_loss_cents"`
	CooldownAfterKill         time.Duration `mapstructure:"cooldown_after_kill"`
}

// DiscoveryConfig tunes the market discovery loop (§4.10). Markets rank
// by spread * sqrt(volume) * min(open_interest proxy, 1).
type DiscoveryConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	PageLimit   int           `mapstructure:"page_limit"`
	PageBackoff time.Duration `mapstructure:"page_backoff"`
}

// ReconciliationConfig tunes the state reconciliation loop (§4.11).
type ReconciliationConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	FillLimit int           `mapstructure:"fill_limit"`
}

// StoreConfig sets where durable state is persisted. Empty URI means no
// database: the trading path must work end-to-end without it (§9).
type StoreConfig struct {
	MongoURI string `mapstructure:"mongo_uri"`
	Database string `mapstructure:"database"`
}

// ControlAPIConfig controls the local HTTP/SSE control surface (§6).
type ControlAPIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// ExecutionConfig holds order-submission retry settings (§4.9).
// execution.New fills in defaults (5 attempts, 100ms base delay), but
// the engine does not read these fields: submission retries are those
// of exchange.Client.
type ExecutionConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AgentConfig describes one configured agent instance (§4.7).
type AgentConfig struct {
	Strategy string                 `mapstructure:"strategy"`
	Enabled  bool                   `mapstructure:"enabled"`
	Mode     string                 `mapstructure:"mode"`
	Params   map[string]interface{} `mapstructure:"params"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: KALSHI_LIVE_API_KEY_ID,
// KALSHI_LIVE_PRIVATE_KEY_PATH, KALSHI_DEMO_API_KEY_ID,
// KALSHI_DEMO_PRIVATE_KEY_PATH, KALSHI_STORE_MONGO_URI.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KALSHI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverride(&cfg, "live", "KALSHI_LIVE_API_KEY_ID", "KALSHI_LIVE_PRIVATE_KEY_PATH")
	applyEnvOverride(&cfg, "demo", "KALSHI_DEMO_API_KEY_ID", "KALSHI_DEMO_PRIVATE_KEY_PATH")

	if uri := os.Getenv("KALSHI_STORE_MONGO_URI"); uri != "" {
		cfg.Store.MongoURI = uri
	}

	return &cfg, nil
}

func applyEnvOverride(cfg *Config, env, keyVar, pathVar string) {
	keyID := os.Getenv(keyVar)
	keyPath := os.Getenv(pathVar)
	if keyID == "" && keyPath == "" {
		return
	}
	if cfg.Environments == nil {
		cfg.Environments = map[string]EnvConfig{}
	}
	e := cfg.Environments[env]
	if keyID != "" {
		e.APIKeyID = keyID
	}
	if keyPath != "" {
		e.PrivateKeyPath = keyPath
	}
	cfg.Environments[env] = e
}

// Validate checks required fields and value ranges, failing fast before
// any network connection is attempted.
func (c *Config) Validate() error {
	if c.ActiveEnvironment != "live" && c.ActiveEnvironment != "demo" {
		return fmt.Errorf("active_environment must be 'live' or 'demo', got %q", c.ActiveEnvironment)
	}
	if _, ok := c.Environments[c.ActiveEnvironment]; !ok {
		return fmt.Errorf("no environments entry for active_environment %q", c.ActiveEnvironment)
	}
	for name, env := range c.Environments {
		if env.RESTBaseURL == "" {
			return fmt.Errorf("environments.%s.rest_base_url is required", name)
		}
		if env.WSURL == "" {
			return fmt.Errorf("environments.%s.ws_url is required", name)
		}
	}
	if c.Risk.MaxMarketsActive <= 0 {
		return fmt.Errorf("risk.max_markets_active must be > 0")
	}
	if c.Risk.MaxGlobalExposureCents <= 0 {
		return fmt.Errorf("risk.max_global_exposure_cents must be > 0")
	}
	if c.Risk.MaxPositionPerMarketCents <= 0 {
		return fmt.Errorf("risk.max_position_per_market_cents must be > 0")
	}
	if c.Discovery.Interval <= 0 {
		return fmt.Errorf("discovery.interval must be > 0")
	}
	if c.Reconciliation.Interval <= 0 {
		return fmt.Errorf("reconciliation.interval must be > 0")
	}
	return nil
}
