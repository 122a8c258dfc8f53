// Package config loads engine configuration from a JSON file with
// environment-variable overrides for deployment secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"dex-trading-engine/internal/indicator"
	"dex-trading-engine/internal/position"
	"dex-trading-engine/internal/risk"
	"dex-trading-engine/internal/signal"
)

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `json:"level"`  // trace, debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// DatabaseConfig holds PostgreSQL settings. Disabled runs the engine without
// persistence.
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// RedisConfig holds snapshot-cache settings.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// NotificationConfig holds chat-channel credentials. Empty values disable
// the channel.
type NotificationConfig struct {
	TelegramBotToken  string `json:"telegram_bot_token"`
	TelegramChatID    string `json:"telegram_chat_id"`
	DiscordWebhookURL string `json:"discord_webhook_url"`
}

// TimeframeConfig names the three analysis timeframes from slow to fast.
type TimeframeConfig struct {
	High   string `json:"high"`
	Medium string `json:"medium"`
	Low    string `json:"low"`
}

// AccountConfig describes one trading account.
type AccountConfig struct {
	AccountID string       `json:"account_id"`
	Equity    float64      `json:"equity"`
	Mode      string       `json:"mode"` // DEMO, PAPER or LIVE
	Leverage  int          `json:"leverage"`
	Risk      risk.Profile `json:"risk"`
}

// Config is the full engine configuration.
type Config struct {
	Logging       LoggingConfig          `json:"logging"`
	Database      DatabaseConfig         `json:"database"`
	Redis         RedisConfig            `json:"redis"`
	Notifications NotificationConfig     `json:"notifications"`
	Symbols       []string               `json:"symbols"`
	Timeframes    TimeframeConfig        `json:"timeframes"`
	Indicators    indicator.Params       `json:"indicators"`
	Signal        signal.Config          `json:"signal"`
	Position      position.ManagerConfig `json:"position"`
	Accounts      []AccountConfig        `json:"accounts"`
}

// Default returns a runnable DEMO configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Redis:   RedisConfig{Addr: "localhost:6379"},
		Symbols: []string{"BTCUSDT"},
		Timeframes: TimeframeConfig{
			High:   "4h",
			Medium: "1h",
			Low:    "15m",
		},
		Indicators: indicator.DefaultParams(),
		Signal:     signal.DefaultConfig(),
		Position:   position.DefaultManagerConfig(),
		Accounts: []AccountConfig{
			{
				AccountID: "default",
				Equity:    10000,
				Mode:      "DEMO",
				Leverage:  3,
				Risk:      risk.DefaultProfile("default"),
			},
		},
	}
}

// Load reads the config file and applies environment overrides. A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
		cfg.Database.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notifications.TelegramBotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Notifications.TelegramChatID = v
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Notifications.DiscordWebhookURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the parts the engine cannot start without.
func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol required")
	}
	if c.Timeframes.High == "" || c.Timeframes.Medium == "" || c.Timeframes.Low == "" {
		return fmt.Errorf("config: all three timeframes must be set")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("config: at least one account required")
	}
	for _, a := range c.Accounts {
		if a.AccountID == "" {
			return fmt.Errorf("config: account missing id")
		}
		if a.Equity <= 0 {
			return fmt.Errorf("config: account %s equity must be positive", a.AccountID)
		}
		switch a.Mode {
		case "DEMO", "PAPER", "LIVE":
		default:
			return fmt.Errorf("config: account %s has invalid mode %q", a.AccountID, a.Mode)
		}
		if err := a.Risk.Validate(); err != nil {
			return fmt.Errorf("config: account %s: %w", a.AccountID, err)
		}
	}
	if err := c.Signal.Weights.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := position.ValidateLadder(c.Position.Ladder); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
