package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Discord    DiscordConfig    `mapstructure:"discord"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// PolymarketConfig holds Gamma API configuration
type PolymarketConfig struct {
	GammaAPIURL         string        `mapstructure:"gamma_api_url"`
	Limit               int           `mapstructure:"limit"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
}

// MonitorConfig holds polling loop configuration
type MonitorConfig struct {
	NewMarketInterval time.Duration `mapstructure:"new_market_interval"`
	LiquidityInterval time.Duration `mapstructure:"liquidity_interval"`
	RetryDelayBase    time.Duration `mapstructure:"retry_delay_base"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay"`
	SeedOnFirstRun    bool          `mapstructure:"seed_on_first_run"`
	NewMarketMaxAge   time.Duration `mapstructure:"new_market_max_age"` // 0 = no age filter
}

// DispatchConfig holds notification delivery configuration
type DispatchConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelayBase  time.Duration `mapstructure:"retry_delay_base"`
	MaxRetryDelay   time.Duration `mapstructure:"max_retry_delay"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	RateBurst       int           `mapstructure:"rate_burst"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerOpenFor  time.Duration `mapstructure:"breaker_open_for"`
	PruneInvalid    bool          `mapstructure:"prune_invalid"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string `mapstructure:"bot_token"`
	Enabled        bool   `mapstructure:"enabled"`
	ListenCommands bool   `mapstructure:"listen_commands"`
}

// DiscordConfig holds Discord notification configuration
type DiscordConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	APIURL   string        `mapstructure:"api_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Enabled  bool          `mapstructure:"enabled"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	Backend             string `mapstructure:"backend"` // sqlite or redis
	DBPath              string `mapstructure:"db_path"`
	RedisAddr           string `mapstructure:"redis_addr"`
	RedisPassword       string `mapstructure:"redis_password"`
	RedisDB             int    `mapstructure:"redis_db"`
	RedisPrefix         string `mapstructure:"redis_prefix"`
	MaxDeliveryFailures int    `mapstructure:"max_delivery_failures"`
}

// TradingConfig holds the order pass-through configuration
type TradingConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	APIURL        string        `mapstructure:"api_url"`
	APIKey        string        `mapstructure:"api_key"`
	APISecret     string        `mapstructure:"api_secret"`
	APIPassphrase string        `mapstructure:"api_passphrase"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds the admin HTTP API configuration
type ServerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// A .env file in the working directory, if present, is loaded first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	// POLY_ALERT_TELEGRAM_BOT_TOKEN overrides telegram.bot_token
	v.SetEnvPrefix("POLY_ALERT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Polymarket defaults
	v.SetDefault("polymarket.gamma_api_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.limit", 50)
	v.SetDefault("polymarket.timeout", "30s")
	v.SetDefault("polymarket.max_idle_conns", 100)
	v.SetDefault("polymarket.max_idle_conns_per_host", 10)
	v.SetDefault("polymarket.idle_conn_timeout", "90s")

	// Monitor defaults
	v.SetDefault("monitor.new_market_interval", "1m")
	v.SetDefault("monitor.liquidity_interval", "1m")
	v.SetDefault("monitor.retry_delay_base", "10s")
	v.SetDefault("monitor.max_retry_delay", "10m")
	v.SetDefault("monitor.seed_on_first_run", true)
	v.SetDefault("monitor.new_market_max_age", "0s")

	// Dispatch defaults
	v.SetDefault("dispatch.concurrency", 8)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.retry_delay_base", "1s")
	v.SetDefault("dispatch.max_retry_delay", "30s")
	v.SetDefault("dispatch.rate_per_second", 25.0)
	v.SetDefault("dispatch.rate_burst", 5)
	v.SetDefault("dispatch.breaker_failures", 5)
	v.SetDefault("dispatch.breaker_open_for", "1m")
	v.SetDefault("dispatch.prune_invalid", true)

	// Secrets have empty defaults so AutomaticEnv can override them
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.listen_commands", true)

	// Discord defaults
	v.SetDefault("discord.bot_token", "")
	v.SetDefault("discord.enabled", false)
	v.SetDefault("discord.api_url", "https://discord.com/api/v10")
	v.SetDefault("discord.timeout", "15s")

	// Storage defaults
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.db_path", "./data/polyalert.db")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.redis_prefix", "polyalert")
	v.SetDefault("storage.max_delivery_failures", 1000)

	// Trading defaults
	v.SetDefault("trading.enabled", false)
	v.SetDefault("trading.api_url", "https://clob.polymarket.com")
	v.SetDefault("trading.api_key", "")
	v.SetDefault("trading.api_secret", "")
	v.SetDefault("trading.api_passphrase", "")
	v.SetDefault("trading.timeout", "15s")

	// Server defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen_addr", ":8080")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Polymarket config
	if c.Polymarket.GammaAPIURL == "" {
		return fmt.Errorf("polymarket.gamma_api_url is required")
	}
	if c.Polymarket.Limit < 1 || c.Polymarket.Limit > 500 {
		return fmt.Errorf("polymarket.limit must be between 1 and 500")
	}
	if c.Polymarket.Timeout <= 0 {
		return fmt.Errorf("polymarket.timeout must be positive")
	}

	// Validate Monitor config
	if c.Monitor.NewMarketInterval < 5*time.Second {
		return fmt.Errorf("monitor.new_market_interval must be at least 5 seconds")
	}
	if c.Monitor.LiquidityInterval < 5*time.Second {
		return fmt.Errorf("monitor.liquidity_interval must be at least 5 seconds")
	}
	if c.Monitor.RetryDelayBase <= 0 {
		return fmt.Errorf("monitor.retry_delay_base must be positive")
	}
	if c.Monitor.MaxRetryDelay < c.Monitor.RetryDelayBase {
		return fmt.Errorf("monitor.max_retry_delay must be at least monitor.retry_delay_base")
	}
	if c.Monitor.NewMarketMaxAge < 0 {
		return fmt.Errorf("monitor.new_market_max_age must not be negative")
	}

	// Validate Dispatch config
	if c.Dispatch.Concurrency < 1 {
		return fmt.Errorf("dispatch.concurrency must be at least 1")
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}
	if c.Dispatch.RetryDelayBase <= 0 {
		return fmt.Errorf("dispatch.retry_delay_base must be positive")
	}
	if c.Dispatch.MaxRetryDelay < c.Dispatch.RetryDelayBase {
		return fmt.Errorf("dispatch.max_retry_delay must be at least dispatch.retry_delay_base")
	}
	if c.Dispatch.RatePerSecond <= 0 {
		return fmt.Errorf("dispatch.rate_per_second must be positive")
	}
	if c.Dispatch.RateBurst < 1 {
		return fmt.Errorf("dispatch.rate_burst must be at least 1")
	}
	if c.Dispatch.BreakerFailures < 1 {
		return fmt.Errorf("dispatch.breaker_failures must be at least 1")
	}

	// Validate channels
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}
	if c.Discord.Enabled {
		if c.Discord.BotToken == "" {
			return fmt.Errorf("discord.bot_token is required when discord is enabled")
		}
		if c.Discord.APIURL == "" {
			return fmt.Errorf("discord.api_url is required when discord is enabled")
		}
	}
	if !c.Telegram.Enabled && !c.Discord.Enabled {
		return fmt.Errorf("at least one of telegram or discord must be enabled")
	}

	// Validate Storage config
	switch c.Storage.Backend {
	case "sqlite":
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of: sqlite, redis")
	}

	if c.Storage.MaxDeliveryFailures < 1 {
		return fmt.Errorf("storage.max_delivery_failures must be at least 1")
	}

	// Validate Trading config
	if c.Trading.Enabled && c.Trading.APIURL == "" {
		return fmt.Errorf("trading.api_url is required when trading is enabled")
	}

	if c.Server.Enabled && c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required when the server is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

