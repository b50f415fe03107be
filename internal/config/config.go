// Package config loads server settings from CODEPAIR_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":5000"`

	// memory keeps documents for the process lifetime, sqlite persists them
	Store  string `env:"STORE"   envDefault:"memory"`
	DBPath string `env:"DB_PATH" envDefault:"./data/codepair.db"`

	ChatHistoryLimit   int           `env:"CHAT_HISTORY_LIMIT"  envDefault:"100"`
	CompactionInterval time.Duration `env:"COMPACTION_INTERVAL" envDefault:"5m"`
	CompactionKeep     int           `env:"COMPACTION_KEEP"     envDefault:"100"`

	MessagesPerSecond float64  `env:"MESSAGES_PER_SECOND" envDefault:"100"`
	MessageBurst      int      `env:"MESSAGE_BURST"       envDefault:"200"`
	AllowedOrigins    []string `env:"ALLOWED_ORIGINS"     envSeparator:","`

	RedisAddr          string `env:"REDIS_ADDR"`
	RedisChannelPrefix string `env:"REDIS_CHANNEL_PREFIX" envDefault:"codepair:room:"`

	MDNS         bool   `env:"MDNS"          envDefault:"false"`
	MDNSInstance string `env:"MDNS_INSTANCE" envDefault:"codepair"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Parse reads the environment and validates the result
func Parse() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "CODEPAIR_"})
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("unknown store %q, want %q or %q", c.Store, StoreMemory, StoreSQLite)
	}
	if c.ChatHistoryLimit < 1 {
		return fmt.Errorf("chat history limit must be positive, got %d", c.ChatHistoryLimit)
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst < 1 {
		return fmt.Errorf("rate limit must be positive, got %v/s burst %d", c.MessagesPerSecond, c.MessageBurst)
	}
	return nil
}
