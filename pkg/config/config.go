// Package config reads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects Postgres. Empty means lite mode: SQLite under
	// DataDir.
	DatabaseURL string
	DataDir     string
	// RedisURL enables the shared revocation cache.
	RedisURL string

	// SigningSeed derives the signing keys deterministically. Empty means
	// random keys that do not survive a restart.
	SigningSeed    string
	RiskPolicyPath string

	ValidatorTimeout time.Duration
	SweepInterval    time.Duration

	OTLPEndpoint string
	OTLPInsecure bool
	ServiceName  string

	VerifyRPS   int
	VerifyBurst int
	WriteRPS    int
	WriteBurst  int
}

// Load loads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           firstEnv("8080", "ANCHOR_PORT", "PORT"),
		LogLevel:       strings.ToUpper(firstEnv("INFO", "LOG_LEVEL")),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DataDir:        firstEnv("data", "ANCHOR_DATA_DIR"),
		RedisURL:       os.Getenv("REDIS_URL"),
		SigningSeed:    os.Getenv("ANCHOR_SIGNING_SEED"),
		RiskPolicyPath: os.Getenv("ANCHOR_RISK_POLICY"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:   os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		ServiceName:    firstEnv("agentanchor", "OTEL_SERVICE_NAME"),
	}

	var errs []error
	cfg.ValidatorTimeout = envDuration(&errs, "ANCHOR_VALIDATOR_TIMEOUT", 5*time.Second)
	cfg.SweepInterval = envDuration(&errs, "ANCHOR_SWEEP_INTERVAL", time.Minute)
	cfg.VerifyRPS = envInt(&errs, "ANCHOR_RATE_VERIFY_RPS", 50)
	cfg.VerifyBurst = envInt(&errs, "ANCHOR_RATE_VERIFY_BURST", 100)
	cfg.WriteRPS = envInt(&errs, "ANCHOR_RATE_WRITE_RPS", 5)
	cfg.WriteBurst = envInt(&errs, "ANCHOR_RATE_WRITE_BURST", 10)

	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		errs = append(errs, fmt.Errorf("ANCHOR_PORT: %q is not a valid port", c.Port))
	}
	if c.DatabaseURL != "" && !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		errs = append(errs, errors.New("DATABASE_URL: must be a postgres:// URL"))
	}
	if c.RedisURL != "" && !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		errs = append(errs, errors.New("REDIS_URL: must be a redis:// or rediss:// URL"))
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL: unknown level %q", c.LogLevel))
	}
	if c.ValidatorTimeout <= 0 {
		errs = append(errs, errors.New("ANCHOR_VALIDATOR_TIMEOUT: must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("ANCHOR_SWEEP_INTERVAL: must be positive"))
	}
	for name, v := range map[string]int{
		"ANCHOR_RATE_VERIFY_RPS":   c.VerifyRPS,
		"ANCHOR_RATE_VERIFY_BURST": c.VerifyBurst,
		"ANCHOR_RATE_WRITE_RPS":    c.WriteRPS,
		"ANCHOR_RATE_WRITE_BURST":  c.WriteBurst,
	} {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s: must be at least 1", name))
		}
	}
	return errors.Join(errs...)
}

// LiteMode reports whether the server runs on embedded SQLite.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func firstEnv(def string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return def
}

func envDuration(errs *[]error, key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func envInt(errs *[]error, key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}
