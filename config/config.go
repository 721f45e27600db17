// Package config loads runtime configuration from the environment
// (and optional .env files)
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DatabaseOptions configures the event store database.
// Postgres is used when PostgresDSN is set, sqlite otherwise
type DatabaseOptions struct {
	PostgresDSN    string `env:"POSTGRES_DSN"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"eventstore.db"`
	SkipMigrations bool   `env:"SKIP_MIGRATIONS"`
}

// OutboxOptions configures the outbox relay
type OutboxOptions struct {
	BatchSize       int           `env:"BATCH_SIZE" envDefault:"100"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	Visibility      time.Duration `env:"VISIBILITY" envDefault:"5m"`
	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"30s"`
	MaxErrorLen     int           `env:"MAX_ERROR_LEN" envDefault:"2048"`
	BackoffBase     time.Duration `env:"BACKOFF_BASE" envDefault:"10s"`
	BackoffMax      time.Duration `env:"BACKOFF_MAX" envDefault:"10m"`
}

// KafkaOptions configures the kafka dispatcher and consumer
type KafkaOptions struct {
	Brokers []string `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic   string   `env:"TOPIC" envDefault:"integration-events"`
	Group   string   `env:"GROUP" envDefault:"eventstore"`
}

// RedisOptions configures the snapshot cache. Cache is disabled when Addr is empty
type RedisOptions struct {
	Addr     string        `env:"ADDR"`
	Password string        `env:"PASSWORD"`
	DB       int           `env:"DB"`
	TTL      time.Duration `env:"TTL" envDefault:"24h"`
}

// Configuration represents the whole runtime configuration
type Configuration struct {
	Database DatabaseOptions `envPrefix:"DB_"`
	Outbox   OutboxOptions   `envPrefix:"OUTBOX_"`
	Kafka    KafkaOptions    `envPrefix:"KAFKA_"`
	Redis    RedisOptions    `envPrefix:"REDIS_"`

	SnapshotFrequency int    `env:"SNAPSHOT_FREQUENCY" envDefault:"100"`
	ReplayBatchSize   int    `env:"REPLAY_BATCH_SIZE" envDefault:"500"`
	MetricsAddr       string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	GoAppEnvironment  string `env:"GO_APP_ENV" envDefault:"development"`
}

// Load loads existing env files (later files do not override earlier ones)
// and parses the environment
func Load(envFiles ...string) (*Configuration, error) {
	var existing []string

	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}

	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	}

	var c Configuration

	if err := env.ParseWithOptions(&c, env.Options{Prefix: "EVENTSTORE_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if c.SnapshotFrequency < 0 {
		return nil, fmt.Errorf("snapshot frequency must not be negative")
	}

	if c.Outbox.BatchSize < 1 {
		return nil, fmt.Errorf("outbox batch size should be at least 1")
	}

	return &c, nil
}

// Production reports whether running in production
func (c *Configuration) Production() bool { return c.GoAppEnvironment == "production" }

// Logger builds the zap logger for the configured level
func (c *Configuration) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewDevelopmentConfig()
	if c.Production() {
		cfg = zap.NewProductionConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(level)

	return cfg.Build()
}
