package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

func (c *Config) validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateNetwork(); err != nil {
		return err
	}

	if err := c.validateCORS(); err != nil {
		return err
	}

	if err := c.validateKeys(); err != nil {
		return err
	}

	if err := c.validateExport(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.DatabaseURL.Value() == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	dbURL, err := url.Parse(c.DatabaseURL.Value())
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}

	if dbURL.Scheme != "postgres" && dbURL.Scheme != "postgresql" {
		return fmt.Errorf("DATABASE_URL scheme must be postgres:// or postgresql://")
	}

	if dbURL.Hostname() == "" {
		return fmt.Errorf("DATABASE_URL must include a host")
	}

	dbHost := dbURL.Hostname()
	if dbHost != "localhost" && dbHost != "127.0.0.1" && dbHost != "::1" {
		sslmode := dbURL.Query().Get("sslmode")
		if sslmode == "disable" {
			return fmt.Errorf("DATABASE_URL sslmode=disable is not allowed for non-local host %q", dbHost)
		}
	}

	return nil
}

func (c *Config) validateNetwork() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil {
		return fmt.Errorf("PORT must be a valid integer: %w", err)
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}

	// Validate LISTEN_HOST is a known-safe address. Allow loopback addresses for
	// local deployments and 0.0.0.0/:: for containerized deployments where the
	// network boundary is enforced externally (e.g. Docker, Kubernetes).
	validHosts := map[string]bool{
		"127.0.0.1": true,
		"::1":       true,
		"localhost": true,
		"0.0.0.0":   true,
		"::":        true,
	}
	if !validHosts[c.ListenHost] {
		return fmt.Errorf("LISTEN_HOST must be a loopback address or 0.0.0.0/:: for containers (got %q)", c.ListenHost)
	}

	return nil
}

func (c *Config) validateCORS() error {
	for _, origin := range c.CORSOrigins {
		if origin == "*" {
			return fmt.Errorf("CORS_ORIGINS must not contain wildcard '*'")
		}
		if strings.ContainsAny(origin, "*?[]") {
			return fmt.Errorf("CORS_ORIGINS must not contain glob characters (*?[]), got %q", origin)
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("CORS_ORIGINS contains invalid origin %q (must have scheme and host)", origin)
		}
	}

	return nil
}

func (c *Config) validateKeys() error {
	if err := validateHexKey("EVENT_SIGNING_KEY", c.EventSigningKey); err != nil {
		return err
	}

	if err := validateHexKey("EXPORT_SIGNING_KEY", c.ExportSigningKey); err != nil {
		return err
	}

	if err := validateHexKey("EXPORT_URL_SECRET", c.ExportURLSecret); err != nil {
		return err
	}

	if c.EventSigningKey == c.ExportSigningKey {
		return fmt.Errorf("EVENT_SIGNING_KEY and EXPORT_SIGNING_KEY must differ")
	}

	if c.ExportURLSecret == c.EventSigningKey || c.ExportURLSecret == c.ExportSigningKey {
		return fmt.Errorf("EXPORT_URL_SECRET must differ from the signing keys")
	}

	return nil
}

func validateHexKey(name string, key Secret) error {
	if key.Value() == "" {
		return fmt.Errorf("%s is required", name)
	}

	keyBytes, err := hex.DecodeString(key.Value())
	if err != nil {
		return fmt.Errorf("%s must be valid hex: %w", name, err)
	}

	if len(keyBytes) != 32 {
		return fmt.Errorf("%s must be 64 hex characters (32 bytes), got %d chars", name, len(key.Value()))
	}

	return nil
}

func (c *Config) validateExport() error {
	if c.ExportDir == "" {
		return fmt.Errorf("EXPORT_DIR is required")
	}

	if !filepath.IsAbs(c.ExportDir) && !strings.HasPrefix(c.ExportDir, "./") {
		return fmt.Errorf("EXPORT_DIR must be an absolute path or start with ./ (got %q)", c.ExportDir)
	}

	return nil
}
