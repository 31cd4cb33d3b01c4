// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"ENV"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	ServiceVersion string `mapstructure:"SERVICE_VERSION"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`

	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	GraceWindow         time.Duration `mapstructure:"GRACE_WINDOW"`
	SnoozeDelay         time.Duration `mapstructure:"SNOOZE_DELAY"`
	EscalationThreshold int           `mapstructure:"ESCALATION_THRESHOLD"`
	NotifyRetryInterval time.Duration `mapstructure:"NOTIFY_RETRY_INTERVAL"`

	PersistMaxAttempts     int           `mapstructure:"PERSIST_MAX_ATTEMPTS"`
	PersistInitialBackoff  time.Duration `mapstructure:"PERSIST_INITIAL_BACKOFF"`
	PersistWorkers         int           `mapstructure:"PERSIST_WORKERS"`
	PersistQueueSize       int           `mapstructure:"PERSIST_QUEUE_SIZE"`
	FormularyCSV           string        `mapstructure:"FORMULARY_CSV"`
	OutboxPollInterval     time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxMaxRetries       int           `mapstructure:"OUTBOX_MAX_RETRIES"`
	TracingEnabled         bool          `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint           string        `mapstructure:"OTLP_ENDPOINT"`
	TracingSampleRate      float64       `mapstructure:"TRACING_SAMPLE_RATE"`
	ShutdownTimeout        time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	NotifyBreakerThreshold uint32        `mapstructure:"NOTIFY_BREAKER_THRESHOLD"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "SERVICE_VERSION",
	"STORE_DRIVER", "DATABASE_URL", "SQLITE_PATH",
	"KAFKA_BROKERS", "KAFKA_GROUP_ID",
	"GRACE_WINDOW", "SNOOZE_DELAY", "ESCALATION_THRESHOLD", "NOTIFY_RETRY_INTERVAL",
	"PERSIST_MAX_ATTEMPTS", "PERSIST_INITIAL_BACKOFF", "PERSIST_WORKERS", "PERSIST_QUEUE_SIZE",
	"FORMULARY_CSV", "OUTBOX_POLL_INTERVAL", "OUTBOX_MAX_RETRIES",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACING_SAMPLE_RATE",
	"SHUTDOWN_TIMEOUT", "NOTIFY_BREAKER_THRESHOLD",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVICE_VERSION", "dev")
	v.SetDefault("STORE_DRIVER", StoreMemory)
	v.SetDefault("SQLITE_PATH", "adherence.db")
	v.SetDefault("KAFKA_GROUP_ID", "adherence-engine")
	v.SetDefault("GRACE_WINDOW", "30s")
	v.SetDefault("SNOOZE_DELAY", "10m")
	v.SetDefault("ESCALATION_THRESHOLD", 3)
	v.SetDefault("NOTIFY_RETRY_INTERVAL", "5s")
	v.SetDefault("PERSIST_MAX_ATTEMPTS", 5)
	v.SetDefault("PERSIST_INITIAL_BACKOFF", "200ms")
	v.SetDefault("PERSIST_WORKERS", 4)
	v.SetDefault("PERSIST_QUEUE_SIZE", 1000)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "500ms")
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACING_SAMPLE_RATE", 1.0)
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")
	v.SetDefault("NOTIFY_BREAKER_THRESHOLD", 5)

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Brokers returns the seed brokers; empty disables streaming.
func (c *Config) Brokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// StreamingEnabled reports whether Kafka brokers are configured.
func (c *Config) StreamingEnabled() bool {
	return len(c.Brokers()) > 0
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", StoreSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", StoreMemory, StorePostgres, StoreSQLite, c.StoreDriver)
	}

	if c.GraceWindow <= 0 {
		return fmt.Errorf("GRACE_WINDOW must be positive, got %s", c.GraceWindow)
	}
	if c.SnoozeDelay <= 0 {
		return fmt.Errorf("SNOOZE_DELAY must be positive, got %s", c.SnoozeDelay)
	}
	if c.EscalationThreshold < 1 {
		return fmt.Errorf("ESCALATION_THRESHOLD must be at least 1, got %d", c.EscalationThreshold)
	}
	if c.NotifyRetryInterval <= 0 {
		return fmt.Errorf("NOTIFY_RETRY_INTERVAL must be positive, got %s", c.NotifyRetryInterval)
	}
	if c.PersistMaxAttempts < 1 {
		return fmt.Errorf("PERSIST_MAX_ATTEMPTS must be at least 1, got %d", c.PersistMaxAttempts)
	}
	if c.PersistWorkers < 1 {
		return fmt.Errorf("PERSIST_WORKERS must be at least 1, got %d", c.PersistWorkers)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be within [0, 1], got %v", c.TracingSampleRate)
	}
	return nil
}
