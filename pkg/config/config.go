// Package config holds server configuration, loaded from environment
// variables. The gate and classification tables live in their own YAML
// files whose paths are configured here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// GatesPath and ClassificationPath point at the declarative policy
	// files loaded at startup and on reload.
	GatesPath          string
	ClassificationPath string

	// AuditBackend selects memory, sqlite, or postgres.
	AuditBackend string
	AuditPath    string // sqlite file
	DatabaseURL  string // postgres

	// ApprovalsPath is the sqlite file for approval request state;
	// empty selects the in-memory store.
	ApprovalsPath string

	// RedisAddr enables the cross-instance idempotency lease when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Sweep and health poll intervals.
	DeadlineSweepInterval time.Duration
	HealthPollInterval    time.Duration

	// Bridge defaults.
	AdapterTimeout  time.Duration
	HealthStaleness time.Duration

	// OTLP export.
	OTLPEndpoint string
	OTLPEnabled  bool
	OTLPInsecure bool
	Environment  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:                  getenv("PORT", "8080"),
		LogLevel:              getenv("LOG_LEVEL", "INFO"),
		GatesPath:             getenv("GATES_PATH", "config/gates.yaml"),
		ClassificationPath:    getenv("CLASSIFICATION_PATH", "config/classification.yaml"),
		AuditBackend:          getenv("AUDIT_BACKEND", "sqlite"),
		AuditPath:             getenv("AUDIT_PATH", "data/audit.db"),
		DatabaseURL:           getenv("DATABASE_URL", "postgres://bridgegate@localhost:5432/bridgegate?sslmode=disable"),
		ApprovalsPath:         getenv("APPROVALS_PATH", "data/approvals.db"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getint("REDIS_DB", 0),
		DeadlineSweepInterval: getdur("DEADLINE_SWEEP_INTERVAL", time.Second),
		HealthPollInterval:    getdur("HEALTH_POLL_INTERVAL", 15*time.Second),
		AdapterTimeout:        getdur("ADAPTER_TIMEOUT", 10*time.Second),
		HealthStaleness:       getdur("HEALTH_STALENESS", 30*time.Second),
		OTLPEndpoint:          getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:           os.Getenv("OTLP_ENABLED") == "true",
		OTLPInsecure:          os.Getenv("OTLP_INSECURE") == "true",
		Environment:           getenv("ENVIRONMENT", "development"),
	}
	return cfg
}

// Validate rejects contradictory settings at startup rather than at
// first use.
func (c *Config) Validate() error {
	switch c.AuditBackend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown audit backend %q", c.AuditBackend)
	}
	if c.AuditBackend == "sqlite" && c.AuditPath == "" {
		return fmt.Errorf("config: sqlite audit backend requires AUDIT_PATH")
	}
	if c.AuditBackend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("config: postgres audit backend requires DATABASE_URL")
	}
	if c.GatesPath == "" {
		return fmt.Errorf("config: GATES_PATH is required")
	}
	if c.AdapterTimeout <= 0 {
		return fmt.Errorf("config: ADAPTER_TIMEOUT must be positive")
	}
	if c.DeadlineSweepInterval <= 0 {
		return fmt.Errorf("config: DEADLINE_SWEEP_INTERVAL must be positive")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getdur(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
