package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/punchamoorthee/starledger/internal/retry"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	DBSource    string `envconfig:"DB_SOURCE"`
	Port        string `envconfig:"SERVER_PORT" default:"8080"`
	Env         string `envconfig:"ENVIRONMENT" default:"development"`
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	RedisAddr      string        `envconfig:"REDIS_ADDR"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	LedgerMaxAttempts int           `envconfig:"LEDGER_MAX_ATTEMPTS" default:"5"`
	LedgerBackoffMin  time.Duration `envconfig:"LEDGER_BACKOFF_MIN" default:"10ms"`
	LedgerBackoffMax  time.Duration `envconfig:"LEDGER_BACKOFF_MAX" default:"500ms"`

	MessageKey string `envconfig:"MESSAGE_KEY"`

	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"10m"`
	ReconcileGrace    time.Duration `envconfig:"RECONCILE_GRACE" default:"5m"`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}
	if c.MessageKey == "" && !c.IsDevelopment() {
		return fmt.Errorf("MESSAGE_KEY environment variable is required outside development")
	}
	if c.LedgerMaxAttempts < 1 {
		return fmt.Errorf("LEDGER_MAX_ATTEMPTS must be positive")
	}
	if c.LedgerBackoffMin > c.LedgerBackoffMax {
		return fmt.Errorf("LEDGER_BACKOFF_MIN exceeds LEDGER_BACKOFF_MAX")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	return nil
}

// RetryPolicy is the store retry policy shared by the ledger and the workflows.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy
	p.Attempts = c.LedgerMaxAttempts
	p.Min = c.LedgerBackoffMin
	p.Max = c.LedgerBackoffMax
	return p
}
