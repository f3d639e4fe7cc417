// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// HTTPConfig provides settings for the loopback HTTP command surface.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSOrigins() []string
}

// DatabaseConfig provides database file settings.
type DatabaseConfig interface {
	GetDatabasePath() string
}

// Config holds all application configuration values.
type Config struct {
	Env string

	// HTTPAddr is the loopback-only bind address for the command surface,
	// e.g. "127.0.0.1:8787". The desktop shell is the only intended client.
	HTTPAddr    string
	CORSOrigins []string

	// DatabasePath is the local SQLite database file. Resolving the
	// platform-appropriate user-data directory is the UI shell's job
	// (the "DB-file path resolver" named out of scope in spec.md); this
	// engine just opens whatever path it is given.
	DatabasePath string

	// DrainInterval is how often the composition root's convenience
	// background ticker calls RunDueJobs, mirroring the ~15s UI poll
	// cadence named in spec.md §4.2. Correctness never depends on this
	// value; it exists purely so the engine makes forward progress when
	// no UI is driving it (e.g. under test or headless operation).
	DrainInterval time.Duration
}

func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetDatabasePath() string  { return c.DatabasePath }

// Load reads configuration from environment variables, falling back to
// sane local-only defaults so the engine can start with zero setup.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:           getEnv("APP_ENV", "development"),
		HTTPAddr:      getEnv("HTTP_ADDR", "127.0.0.1:8787"),
		CORSOrigins:   splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200")),
		DatabasePath:  getEnv("DATABASE_PATH", "leadflow.db"),
		DrainInterval: mustDuration(getEnv("DRAIN_INTERVAL", "15s")),
	}

	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("DATABASE_PATH is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}
