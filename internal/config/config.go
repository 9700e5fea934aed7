// Package config loads application configuration from an optional YAML file
// with EDGETERM_-prefixed environment overrides. Credentials are environment
// only and never written to the config file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig                 `mapstructure:"app"`
	Server     ServerConfig              `mapstructure:"server"`
	Journal    JournalConfig             `mapstructure:"journal"`
	Agent      AgentConfig               `mapstructure:"agent"`
	Trading    TradingConfig             `mapstructure:"trading"`
	Exchanges  map[string]ExchangeConfig `mapstructure:"exchanges"`
	Monitoring MonitoringConfig          `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// ServerConfig contains the TUI-facing WebSocket server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// JournalConfig contains journal database and backup settings.
type JournalConfig struct {
	Path           string `mapstructure:"path"`
	SessionLogDir  string `mapstructure:"session_log_dir"`
	BackupDir      string `mapstructure:"backup_dir"`
	BackupSchedule string `mapstructure:"backup_schedule"` // cron expression
	BackupLookback int    `mapstructure:"backup_lookback"` // minutes
	BackupRetain   int    `mapstructure:"backup_retain"`   // copies kept
}

// AgentConfig contains upstream agent session settings.
type AgentConfig struct {
	Model         string  `mapstructure:"model"`
	WorkDir       string  `mapstructure:"work_dir"`
	WrapUpTimeout int     `mapstructure:"wrapup_timeout"` // seconds
	MaxBudgetUSD  float64 `mapstructure:"max_budget_usd"`
}

// GetWrapUpTimeout returns the wrap-up deadline as a duration.
func (c *AgentConfig) GetWrapUpTimeout() time.Duration {
	return time.Duration(c.WrapUpTimeout) * time.Second
}

// TradingConfig contains the execution policy.
type TradingConfig struct {
	GroupTTLMinutes  int     `mapstructure:"group_ttl_minutes"`
	MakerTimeoutSecs int     `mapstructure:"maker_timeout_secs"`
	TakerTimeoutSecs int     `mapstructure:"taker_timeout_secs"`
	MaxSlippageCents int     `mapstructure:"max_slippage_cents"`
	MinEdgePct       float64 `mapstructure:"min_edge_pct"`
	PortfolioCapUSD  float64 `mapstructure:"portfolio_cap_usd"`
}

// ExchangeConfig contains one venue's endpoints, credentials, and limits.
// PrivateKey is either inline PEM (with escaped newlines) or a file path.
type ExchangeConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	BaseURL        string  `mapstructure:"base_url"`
	WSURL          string  `mapstructure:"ws_url"`
	KeyID          string  `mapstructure:"key_id"`
	PrivateKey     string  `mapstructure:"private_key"`
	ReadsPerSec    float64 `mapstructure:"reads_per_sec"`
	WritesPerSec   float64 `mapstructure:"writes_per_sec"`
	MaxPositionUSD float64 `mapstructure:"max_position_usd"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("EDGETERM")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults and environment only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "edgeterm")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)

	// Journal defaults
	v.SetDefault("journal.path", "data/journal.db")
	v.SetDefault("journal.session_log_dir", "data/session-logs")
	v.SetDefault("journal.backup_dir", "data/backups")
	v.SetDefault("journal.backup_schedule", "@hourly")
	v.SetDefault("journal.backup_lookback", 55)
	v.SetDefault("journal.backup_retain", 24)

	// Agent defaults
	v.SetDefault("agent.model", "claude-sonnet-4-20250514")
	v.SetDefault("agent.work_dir", ".")
	v.SetDefault("agent.wrapup_timeout", 20)
	v.SetDefault("agent.max_budget_usd", 0.0)

	// Trading defaults
	v.SetDefault("trading.group_ttl_minutes", 30)
	v.SetDefault("trading.maker_timeout_secs", 60)
	v.SetDefault("trading.taker_timeout_secs", 30)
	v.SetDefault("trading.max_slippage_cents", 3)
	v.SetDefault("trading.min_edge_pct", 2.0)
	v.SetDefault("trading.portfolio_cap_usd", 1000.0)

	// Kalshi: basic-tier budget per credential.
	v.SetDefault("exchanges.kalshi.enabled", true)
	v.SetDefault("exchanges.kalshi.base_url", "https://api.elections.kalshi.com")
	v.SetDefault("exchanges.kalshi.ws_url", "wss://api.elections.kalshi.com/trade-api/ws/v2")
	v.SetDefault("exchanges.kalshi.reads_per_sec", 30.0)
	v.SetDefault("exchanges.kalshi.writes_per_sec", 30.0)
	v.SetDefault("exchanges.kalshi.max_position_usd", 500.0)

	// Polymarket is optional and off until credentials are configured.
	v.SetDefault("exchanges.polymarket.enabled", false)
	v.SetDefault("exchanges.polymarket.base_url", "https://clob.polymarket.com")
	v.SetDefault("exchanges.polymarket.ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws/user")
	v.SetDefault("exchanges.polymarket.reads_per_sec", 15.0)
	v.SetDefault("exchanges.polymarket.writes_per_sec", 50.0)
	v.SetDefault("exchanges.polymarket.max_position_usd", 500.0)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required")
	}
	if c.Trading.MakerTimeoutSecs <= 0 || c.Trading.TakerTimeoutSecs <= 0 {
		return fmt.Errorf("trading timeouts must be positive")
	}
	if c.Trading.MaxSlippageCents < 0 {
		return fmt.Errorf("trading.max_slippage_cents must not be negative")
	}
	if c.Trading.GroupTTLMinutes <= 0 {
		return fmt.Errorf("trading.group_ttl_minutes must be positive")
	}

	anyEnabled := false
	for name, ex := range c.Exchanges {
		if !ex.Enabled {
			continue
		}
		anyEnabled = true
		if ex.BaseURL == "" {
			return fmt.Errorf("exchanges.%s.base_url is required", name)
		}
		if ex.ReadsPerSec <= 0 || ex.WritesPerSec <= 0 {
			return fmt.Errorf("exchanges.%s rate limits must be positive", name)
		}
	}
	if !anyEnabled {
		return fmt.Errorf("at least one exchange must be enabled")
	}
	return nil
}
