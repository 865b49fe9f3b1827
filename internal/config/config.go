// Package config provides centralized configuration management for the
// pipeline. It loads configuration from environment variables with sensible
// defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Pipeline PipelineConfig
	Matching MatchingConfig
	Archive  ArchiveConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 120s;
	// batch runs respond synchronously)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"120s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 120s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"120s"`
}

// DatabaseConfig holds database connection settings. URL is optional: when
// unset the pipeline runs against the in-memory store.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// PipelineConfig holds batch processing settings.
type PipelineConfig struct {
	// InputDir, when set, is scanned at startup and every valid file is
	// processed as one batch (the run-once directory mode).
	InputDir string `env:"PIPELINE_INPUT_DIR"`

	// RunOnce exits after the input-directory batch instead of serving HTTP.
	RunOnce bool `env:"PIPELINE_RUN_ONCE" default:"false"`

	// ExtractWorkers caps parallel row extraction (default: 4)
	ExtractWorkers int `env:"PIPELINE_EXTRACT_WORKERS" default:"4"`

	// QuarantineOrphans keeps entities with unresolvable cross-row
	// references, flagged for review, instead of failing the batch.
	QuarantineOrphans bool `env:"PIPELINE_QUARANTINE_ORPHANS" default:"false"`

	// ConflictPolicy is one of prefer_incoming, prefer_existing,
	// prefer_latest_timestamp, keep_both_in_metadata.
	ConflictPolicy string `env:"PIPELINE_CONFLICT_POLICY" default:"prefer_latest_timestamp"`

	// Actor is stamped into created_by/updated_by on merged entities.
	Actor string `env:"PIPELINE_ACTOR" default:"datawash"`

	// DefaultForm is the form assumed for directory-mode files whose name
	// does not identify one (default: clinical_intake).
	DefaultForm string `env:"PIPELINE_DEFAULT_FORM" default:"clinical_intake"`

	// SchemaFile is an optional YAML file of form definitions that extends
	// or overrides the built-ins.
	SchemaFile string `env:"SCHEMA_FILE"`
}

// MatchingConfig holds identity-resolution settings. The acceptance
// threshold and ambiguity margin are domain calibration decisions; the
// defaults here are starting points, not recommendations.
type MatchingConfig struct {
	// PolicyFile is an optional YAML match policy overlaying the built-in
	// strategy configuration.
	PolicyFile string `env:"MATCH_POLICY_FILE"`

	// Acceptance is the minimum fuzzy score to auto-merge (default: 0.80)
	Acceptance float64 `env:"MATCH_ACCEPTANCE" default:"0.80"`

	// Margin is the minimum lead over the runner-up candidate; anything
	// closer goes to manual review (default: 0.05)
	Margin float64 `env:"MATCH_MARGIN" default:"0.05"`
}

// ArchiveConfig holds encrypted-archive output settings.
type ArchiveConfig struct {
	// Enabled turns on archive packaging after each committed batch.
	Enabled bool `env:"ARCHIVE_ENABLED" default:"false"`

	// OutputDir is where archives are written (required when enabled).
	OutputDir string `env:"ARCHIVE_OUTPUT_DIR"`

	// EnvFile is where a generated master key is persisted (default: .env)
	EnvFile string `env:"ARCHIVE_ENV_FILE" default:".env"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey turns on X-API-Key validation for the API (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
