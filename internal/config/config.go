package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the process configuration, read from the environment.
// A .env file is honoured when present; real environment variables win.
type Config struct {
	BotToken    string `env:"BOT_TOKEN,required"`
	DatabaseURL string `env:"DATABASE_URL,required"`

	CheckIntervalMin int     `env:"CHECK_INTERVAL_MIN" envDefault:"720"`
	FXBYNPerUSD      float64 `env:"FX_BYN_PER_USD" envDefault:"2.95"`
	MaxPhotosPerMsg  int     `env:"MAX_PHOTOS_PER_MESSAGE" envDefault:"4"`
	AdminChatIDs     []int64 `env:"ADMIN_CHAT_IDS" envSeparator:","`

	SourcesConfig string `env:"SOURCES_CONFIG" envDefault:"sources.yaml"`
	OpsAddr       string `env:"OPS_ADDR" envDefault:":8080"`

	GlobalSendsPerMin int  `env:"GLOBAL_SENDS_PER_MIN" envDefault:"25"`
	NearDupEnabled    bool `env:"NEAR_DUP_ENABLED" envDefault:"true"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"` // json or console
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BotToken) == "" {
		return fmt.Errorf("BOT_TOKEN is empty")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is empty")
	}
	if c.CheckIntervalMin <= 0 {
		return fmt.Errorf("CHECK_INTERVAL_MIN must be positive, got %d", c.CheckIntervalMin)
	}
	if c.FXBYNPerUSD <= 0 {
		return fmt.Errorf("FX_BYN_PER_USD must be positive, got %v", c.FXBYNPerUSD)
	}
	if c.MaxPhotosPerMsg <= 0 || c.MaxPhotosPerMsg > 10 {
		return fmt.Errorf("MAX_PHOTOS_PER_MESSAGE must be 1..10, got %d", c.MaxPhotosPerMsg)
	}
	if c.GlobalSendsPerMin <= 0 {
		return fmt.Errorf("GLOBAL_SENDS_PER_MIN must be positive, got %d", c.GlobalSendsPerMin)
	}
	return nil
}

// IsAdmin reports whether the chat id is in the admin allow-list.
func (c *Config) IsAdmin(chatID int64) bool {
	for _, id := range c.AdminChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}
