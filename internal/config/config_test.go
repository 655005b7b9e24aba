package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
polymarket:
  limit: 25

monitor:
  new_market_interval: 30s
  liquidity_interval: 2m
  seed_on_first_run: false

dispatch:
  concurrency: 4
  max_retries: 2

telegram:
  bot_token: "test_token"
  enabled: true

storage:
  backend: sqlite
  db_path: "./data/test.db"

logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Polymarket.Limit != 25 {
		t.Errorf("Unexpected limit: %d", cfg.Polymarket.Limit)
	}
	if cfg.Monitor.NewMarketInterval != 30*time.Second {
		t.Errorf("Unexpected new market interval: %v", cfg.Monitor.NewMarketInterval)
	}
	if cfg.Monitor.LiquidityInterval != 2*time.Minute {
		t.Errorf("Unexpected liquidity interval: %v", cfg.Monitor.LiquidityInterval)
	}
	if cfg.Monitor.SeedOnFirstRun {
		t.Error("Expected seed_on_first_run to be overridden to false")
	}
	if cfg.Dispatch.Concurrency != 4 {
		t.Errorf("Unexpected concurrency: %d", cfg.Dispatch.Concurrency)
	}

	// Defaults
	if cfg.Polymarket.GammaAPIURL != "https://gamma-api.polymarket.com" {
		t.Errorf("Unexpected gamma URL default: %s", cfg.Polymarket.GammaAPIURL)
	}
	if cfg.Dispatch.RatePerSecond != 25.0 {
		t.Errorf("Unexpected rate default: %f", cfg.Dispatch.RatePerSecond)
	}
	if cfg.Storage.MaxDeliveryFailures != 1000 {
		t.Errorf("Unexpected max delivery failures default: %d", cfg.Storage.MaxDeliveryFailures)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
telegram:
  enabled: true
`)
	t.Setenv("POLY_ALERT_TELEGRAM_BOT_TOKEN", "from-env")
	t.Setenv("POLY_ALERT_STORAGE_BACKEND", "redis")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Telegram.BotToken != "from-env" {
		t.Errorf("bot token = %q, want from-env", cfg.Telegram.BotToken)
	}
	if cfg.Storage.Backend != "redis" {
		t.Errorf("backend = %q, want redis", cfg.Storage.Backend)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func validConfig() *Config {
	return &Config{
		Polymarket: PolymarketConfig{
			GammaAPIURL: "https://example.com",
			Limit:       50,
			Timeout:     30 * time.Second,
		},
		Monitor: MonitorConfig{
			NewMarketInterval: time.Minute,
			LiquidityInterval: time.Minute,
			RetryDelayBase:    10 * time.Second,
			MaxRetryDelay:     10 * time.Minute,
		},
		Dispatch: DispatchConfig{
			Concurrency:     8,
			MaxRetries:      3,
			RetryDelayBase:  time.Second,
			MaxRetryDelay:   30 * time.Second,
			RatePerSecond:   25,
			RateBurst:       5,
			BreakerFailures: 5,
			BreakerOpenFor:  time.Minute,
		},
		Telegram: TelegramConfig{
			Enabled:  true,
			BotToken: "token",
		},
		Storage: StorageConfig{
			Backend:             "sqlite",
			DBPath:              ":memory:",
			MaxDeliveryFailures: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing telegram token when enabled",
			mutate:  func(c *Config) { c.Telegram.BotToken = "" },
			wantErr: true,
		},
		{
			name: "no channel enabled",
			mutate: func(c *Config) {
				c.Telegram.Enabled = false
				c.Discord.Enabled = false
			},
			wantErr: true,
		},
		{
			name: "discord without token",
			mutate: func(c *Config) {
				c.Discord.Enabled = true
				c.Discord.APIURL = "https://discord.com/api/v10"
			},
			wantErr: true,
		},
		{
			name:    "interval too short",
			mutate:  func(c *Config) { c.Monitor.LiquidityInterval = time.Second },
			wantErr: true,
		},
		{
			name:    "max retry delay below base",
			mutate:  func(c *Config) { c.Monitor.MaxRetryDelay = time.Second },
			wantErr: true,
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Dispatch.Concurrency = 0 },
			wantErr: true,
		},
		{
			name:    "unknown storage backend",
			mutate:  func(c *Config) { c.Storage.Backend = "mongo" },
			wantErr: true,
		},
		{
			name: "redis without address",
			mutate: func(c *Config) {
				c.Storage.Backend = "redis"
				c.Storage.RedisAddr = ""
			},
			wantErr: true,
		},
		{
			name: "trading without url",
			mutate: func(c *Config) {
				c.Trading.Enabled = true
				c.Trading.APIURL = ""
			},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
