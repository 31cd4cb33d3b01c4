package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.StoreDriver != StoreMemory {
		t.Errorf("expected memory store, got %s", cfg.StoreDriver)
	}
	if cfg.GraceWindow != 30*time.Second {
		t.Errorf("expected 30s grace window, got %s", cfg.GraceWindow)
	}
	if cfg.SnoozeDelay != 10*time.Minute {
		t.Errorf("expected 10m snooze delay, got %s", cfg.SnoozeDelay)
	}
	if cfg.EscalationThreshold != 3 {
		t.Errorf("expected threshold 3, got %d", cfg.EscalationThreshold)
	}
	if cfg.NotifyRetryInterval != 5*time.Second {
		t.Errorf("expected 5s notify retry, got %s", cfg.NotifyRetryInterval)
	}
	if cfg.StreamingEnabled() {
		t.Error("expected streaming disabled without brokers")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("GRACE_WINDOW", "45s")
	t.Setenv("ESCALATION_THRESHOLD", "4")
	t.Setenv("KAFKA_BROKERS", "redpanda-0:9092, redpanda-1:9092")
	t.Setenv("STORE_DRIVER", StoreSQLite)
	t.Setenv("SQLITE_PATH", "/var/lib/adherence/doses.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GraceWindow != 45*time.Second {
		t.Errorf("expected 45s grace window, got %s", cfg.GraceWindow)
	}
	if cfg.EscalationThreshold != 4 {
		t.Errorf("expected threshold 4, got %d", cfg.EscalationThreshold)
	}
	want := []string{"redpanda-0:9092", "redpanda-1:9092"}
	if got := cfg.Brokers(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected brokers %v, got %v", want, got)
	}
	if cfg.SQLitePath != "/var/lib/adherence/doses.db" {
		t.Errorf("unexpected sqlite path %s", cfg.SQLitePath)
	}
}

func TestLoad_PostgresRequiresDatabaseURL(t *testing.T) {
	t.Setenv("STORE_DRIVER", StorePostgres)
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		StoreDriver:         StoreMemory,
		GraceWindow:         30 * time.Second,
		SnoozeDelay:         10 * time.Minute,
		EscalationThreshold: 3,
		NotifyRetryInterval: 5 * time.Second,
		PersistMaxAttempts:  5,
		PersistWorkers:      4,
		TracingSampleRate:   1,
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.StoreDriver = "redis" }},
		{"zero grace window", func(c *Config) { c.GraceWindow = 0 }},
		{"negative snooze", func(c *Config) { c.SnoozeDelay = -time.Minute }},
		{"zero threshold", func(c *Config) { c.EscalationThreshold = 0 }},
		{"no workers", func(c *Config) { c.PersistWorkers = 0 }},
		{"sample rate above one", func(c *Config) { c.TracingSampleRate = 1.5 }},
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
