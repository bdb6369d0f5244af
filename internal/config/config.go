// Package config parses and validates all worker configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The worker exits at startup if no database URL is configured.
package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all worker configuration sourced from environment variables.
// Interval and timeout fields are raw milliseconds to stay compatible with
// the web app's env files; use the duration helpers below.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	// DatabaseURL may also be supplied as SUPABASE_DB_URL or POSTGRES_URL;
	// Load resolves them in that order.
	DatabaseURL          string        `env:"DATABASE_URL"`
	SupabaseDBURL        string        `env:"SUPABASE_DB_URL"`
	PostgresURL          string        `env:"POSTGRES_URL"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"4"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	PollIntervalMS      int `env:"WORKER_POLL_INTERVAL_MS"      envDefault:"5000"`
	MaxRetries          int `env:"WORKER_MAX_RETRIES"           envDefault:"3"`
	ProcessingTimeoutMS int `env:"WORKER_PROCESSING_TIMEOUT_MS" envDefault:"60000"`
	// UseNotify enables LISTEN/NOTIFY wake-ups; the worker degrades to pure
	// polling if the subscription fails (e.g. behind PgBouncer).
	UseNotify bool `env:"WORKER_USE_NOTIFY" envDefault:"false"`

	// ── OCR — Google Cloud Vision ────────────────────────────────────────────────
	VisionAPIKey string `env:"VISION_API_KEY"`
	// VisionEndpoint overrides the images:annotate URL (tests, regional endpoints).
	VisionEndpoint string `env:"VISION_ENDPOINT"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// ErrMissingDatabaseURL is returned by Load when none of the database URL
// variables are set. Startup fails fast on it.
var ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")

// Load parses and returns Config from environment variables. A .env file in
// the working directory is applied first so local runs match the web app's
// dev setup; a missing .env is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.SupabaseDBURL
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.PostgresURL
	}
	if cfg.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	return cfg, nil
}

// PollInterval returns the wake-wait timeout between drain cycles.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ProcessingTimeout returns the deadline budget for one fetch+extract attempt.
func (c *Config) ProcessingTimeout() time.Duration {
	return time.Duration(c.ProcessingTimeoutMS) * time.Millisecond
}
