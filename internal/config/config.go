// Package config provides environment-driven configuration for the audit core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Secret wraps a sensitive string to prevent accidental logging or marshalling.
type Secret string

// String implements fmt.Stringer, returning a redacted placeholder.
func (s Secret) String() string { return "[REDACTED]" }

// GoString implements fmt.GoStringer, returning a redacted placeholder.
func (s Secret) GoString() string { return "[REDACTED]" }

// MarshalText implements encoding.TextMarshaler, returning a redacted placeholder.
func (s Secret) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// Value returns the underlying secret string.
func (s Secret) Value() string { return string(s) }

// Config holds all application configuration values.
type Config struct {
	DatabaseURL Secret
	Port        string
	ListenHost  string
	CORSOrigins []string
	LogLevel    string

	// EventSigningKey is the HMAC key for per-event signatures, 64 hex chars.
	EventSigningKey Secret
	// ExportSigningKey is the Ed25519 seed for export file signatures, 64 hex chars.
	ExportSigningKey Secret
	// ExportURLSecret is the HMAC key for signed download URLs, 64 hex chars.
	// It is independent of the signing keys: a leaked URL secret must never
	// expose material that can forge event or file signatures.
	ExportURLSecret Secret

	ExportDir         string
	ExportURLTTL      time.Duration
	ExportExpiryDays  int
	ExportWorkers     int
	ExportJobDeadline time.Duration

	IdempotencyTTL time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:      Secret(envOrDefault("DATABASE_URL", "")),
		Port:             envOrDefault("PORT", "3040"),
		ListenHost:       envOrDefault("LISTEN_HOST", "127.0.0.1"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		EventSigningKey:  Secret(envOrDefault("EVENT_SIGNING_KEY", "")),
		ExportSigningKey: Secret(envOrDefault("EXPORT_SIGNING_KEY", "")),
		ExportURLSecret:  Secret(envOrDefault("EXPORT_URL_SECRET", "")),
		ExportDir:        envOrDefault("EXPORT_DIR", "./exports"),
	}

	workers, err := strconv.Atoi(envOrDefault("EXPORT_WORKERS", "2"))
	if err != nil || workers < 1 || workers > 16 {
		return nil, fmt.Errorf("EXPORT_WORKERS must be an integer between 1 and 16")
	}
	cfg.ExportWorkers = workers

	expiryDays, err := strconv.Atoi(envOrDefault("EXPORT_EXPIRY_DAYS", "7"))
	if err != nil || expiryDays < 1 {
		return nil, fmt.Errorf("EXPORT_EXPIRY_DAYS must be a positive integer")
	}
	cfg.ExportExpiryDays = expiryDays

	if cfg.ExportURLTTL, err = durationEnv("EXPORT_URL_TTL", 15*time.Minute); err != nil {
		return nil, err
	}

	if cfg.ExportJobDeadline, err = durationEnv("EXPORT_JOB_DEADLINE", time.Hour); err != nil {
		return nil, err
	}

	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return nil, err
	}

	origins := envOrDefault("CORS_ORIGINS", "http://localhost:3002")
	cfg.CORSOrigins = strings.Split(origins, ",")

	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Addr returns the listen address in host:port format.
func (c *Config) Addr() string {
	return c.ListenHost + ":" + c.Port
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := envOrDefault(key, "")
	if raw == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration (e.g. 15m, 1h)", key)
	}

	return d, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}
