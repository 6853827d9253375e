// Package config loads the runtime's process configuration from environment
// variables, with an optional .env file for development.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/urbanline/tspjob/internal/runtime"
	"github.com/urbanline/tspjob/internal/schedule"
)

// Config is the full process configuration. Durations exposed as *_MS
// variables are integers in milliseconds; everything else uses Go duration
// syntax ("30s", "5m").
type Config struct {
	ReplicaID       string `env:"RUNTIME_REPLICA_ID"`
	Workers         int    `env:"RUNTIME_WORKERS" envDefault:"8"`
	QueueSize       int    `env:"RUNTIME_QUEUE" envDefault:"64"`
	LeaseTTLMS      int64  `env:"RUNTIME_LEASE_TTL_MS" envDefault:"60000"`
	ShutdownGraceMS int64  `env:"RUNTIME_SHUTDOWN_GRACE_MS" envDefault:"30000"`

	AdmissionWait  time.Duration `env:"RUNTIME_ADMISSION_WAIT" envDefault:"5s"`
	GracePeriod    time.Duration `env:"RUNTIME_GRACE_PERIOD" envDefault:"5s"`
	StartupJitter  time.Duration `env:"RUNTIME_STARTUP_JITTER" envDefault:"0s"`
	CatchUpDefault string        `env:"RUNTIME_CATCHUP_DEFAULT" envDefault:"fire_once"`

	RetentionSucceeded  time.Duration `env:"RUNTIME_RETENTION_SUCCEEDED" envDefault:"720h"`
	RetentionFailed     time.Duration `env:"RUNTIME_RETENTION_FAILED" envDefault:"2160h"`
	RetentionSweepEvery time.Duration `env:"RUNTIME_RETENTION_SWEEP_EVERY" envDefault:"1h"`

	Store StoreConfig `envPrefix:"STORE_"`
	Redis RedisConfig `envPrefix:"REDIS_"`
	Slack SlackConfig `envPrefix:"SLACK_"`

	Observability ObservabilityConfig

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// StoreConfig selects and configures the run store backend.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite" or "postgres".
	Driver string `env:"DRIVER" envDefault:"memory"`

	// DSN is the PostgreSQL connection string for the postgres driver.
	DSN string `env:"DSN"`

	// SQLitePath is the database file for the sqlite driver.
	SQLitePath string `env:"SQLITE_PATH" envDefault:"tspjob.db"`
}

// RedisConfig enables Redis-backed lease coordination when Addr is set; the
// run records stay in the configured store.
type RedisConfig struct {
	Addr string `env:"ADDR"`
}

// SlackConfig enables the Slack alert sink when WebhookURL is set.
type SlackConfig struct {
	WebhookURL string `env:"WEBHOOK_URL"`
	Username   string `env:"USERNAME"`
}

// ObservabilityConfig holds OpenTelemetry export configuration.
type ObservabilityConfig struct {
	OTelEnabled   bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTelCollector string `env:"OTEL_COLLECTOR" envDefault:"localhost:4318"`
}

// Load reads an optional .env file, then parses and validates the
// environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("STORE_SQLITE_PATH is required when STORE_DRIVER is 'sqlite'")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("STORE_DSN is required when STORE_DRIVER is 'postgres'")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER: %s", c.Store.Driver)
	}

	switch schedule.CatchUpPolicy(c.CatchUpDefault) {
	case schedule.CatchUpSkipMissed, schedule.CatchUpFireOnce, schedule.CatchUpFireAll:
	default:
		return fmt.Errorf("unknown RUNTIME_CATCHUP_DEFAULT: %s", c.CatchUpDefault)
	}

	return nil
}

// Runtime converts the process configuration into a runtime.Config.
func (c *Config) Runtime() runtime.Config {
	return runtime.Config{
		ReplicaID:           c.ReplicaID,
		Workers:             c.Workers,
		QueueSize:           c.QueueSize,
		LeaseTTL:            time.Duration(c.LeaseTTLMS) * time.Millisecond,
		ShutdownGrace:       time.Duration(c.ShutdownGraceMS) * time.Millisecond,
		AdmissionWait:       c.AdmissionWait,
		GracePeriod:         c.GracePeriod,
		CatchUpDefault:      schedule.CatchUpPolicy(c.CatchUpDefault),
		StartupJitter:       c.StartupJitter,
		RetentionSucceeded:  c.RetentionSucceeded,
		RetentionFailed:     c.RetentionFailed,
		RetentionSweepEvery: c.RetentionSweepEvery,
	}
}
