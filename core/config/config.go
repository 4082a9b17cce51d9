// Package config loads process-wide configuration from environment
// variables with typed defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"markform.app/fill/core/db"
)

// Config holds all process configuration. Provider API keys are NOT read
// here: the set of LLM providers is open-ended (custom providers can be
// registered at runtime), so internal/agent reads its own per-provider
// environment variable lazily at model-resolution time.
type Config struct {
	// Env is the environment name (development, staging, production).
	Env string

	// Port is the HTTP surface's listen port (internal/http).
	Port string

	// DB configures the optional FillRecord archival sink.
	DB db.Config

	// RedisURL configures the optional Redis-backed resume store. Empty
	// means the in-memory resume store is used instead.
	RedisURL string

	OTel OTelConfig
}

// OTelConfig configures the optional OpenTelemetry exporters.
type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

// Enabled reports whether an OTLP endpoint has been configured.
func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// Load loads configuration from environment variables, with sensible
// defaults for local development.
func Load() Config {
	return Config{
		Env:      getEnv("MARKFORM_ENV", "development"),
		Port:     getEnv("PORT", "8080"),
		RedisURL: getEnv("REDIS_URL", ""),
		DB: db.Config{
			DSN:      buildDSN(),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 2)),
		},
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "markform-fill"),
			ServiceVersion: getEnv("MARKFORM_VERSION", "dev"),
		},
	}
}

// buildDSN constructs the database connection string from individual env
// vars, for the optional FillRecord archival sink.
func buildDSN() string {
	host := getEnv("DATABASE_HOST", "localhost")
	port := getEnv("DATABASE_PORT", "5432")
	user := getEnv("DATABASE_USER", "postgres")
	password := getEnv("DATABASE_PASSWORD", "postgres")
	name := getEnv("DATABASE_NAME", "markform")
	sslMode := getEnv("DATABASE_SSLMODE", "disable")

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, name, sslMode,
	)
}

// IsProduction returns true if running in production environment.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development environment.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}
