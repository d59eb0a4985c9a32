// Package config loads serialcheck settings from the environment.
// Every setting has a default except the database location, and the whole
// configuration is validated at startup so misconfiguration fails fast.
package config

import (
	"net"
	"strconv"
	"time"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Import     ImportConfig
	Validation ValidationConfig
	SMS        SMSConfig
	Rate       RateLimitConfig
	Security   SecurityConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout bounds every request except imports, which use
	// IMPORT_TIMEOUT.
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"30s"`
}

// DatabaseConfig selects and tunes the reference store.
type DatabaseConfig struct {
	// Driver is postgres, sqlite or memory.
	Driver string `env:"STORE_DRIVER" default:"postgres"`

	// URL is the PostgreSQL connection string. Required for the postgres driver.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// Path is the database file for the sqlite driver.
	Path string `env:"SQLITE_PATH" default:"serialcheck.db"`

	// MigrateOnStart applies pending migrations when the server starts.
	MigrateOnStart bool `env:"DB_MIGRATE_ON_START" default:"true"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// ImportConfig holds dataset import settings.
type ImportConfig struct {
	// MaxFileSize is the largest accepted workbook in bytes (default: 32MB).
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"33554432"`

	// Timeout bounds a single import.
	Timeout time.Duration `env:"IMPORT_TIMEOUT" default:"10m"`

	// MaxWaitTime is how long a second import waits for the running one.
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"30s"`

	// MaxRowErrors caps the row errors listed in an import report.
	MaxRowErrors int `env:"IMPORT_MAX_ROW_ERRORS" default:"100"`
}

// ValidationConfig holds serial check settings.
type ValidationConfig struct {
	// FixedSize is the normalized code width. Changing it requires a re-import.
	FixedSize int `env:"SERIAL_FIXED_SIZE" default:"30"`

	Timeout      time.Duration `env:"VALIDATION_TIMEOUT" default:"5s"`
	AuditTimeout time.Duration `env:"AUDIT_TIMEOUT" default:"2s"`
}

// SMSConfig configures the outbound SMS gateway. An empty Endpoint disables
// delivery; verdicts are then only logged.
type SMSConfig struct {
	Endpoint   string        `env:"SMS_ENDPOINT" envAlt:"SMS_SERVER"`
	APIKey     string        `env:"SMS_API_KEY" envAlt:"API_KEY"`
	Timeout    time.Duration `env:"SMS_TIMEOUT" default:"10s"`
	MaxRetries int           `env:"SMS_MAX_RETRIES" default:"3"`

	// DeliveryTimeout bounds one verdict delivery, retries included. It runs
	// detached from the inbound request.
	DeliveryTimeout time.Duration `env:"SMS_DELIVERY_TIMEOUT" default:"60s"`
}

// RateLimitConfig holds per-IP rate limits.
type RateLimitConfig struct {
	Enabled           bool `env:"RATE_LIMIT_ENABLED" default:"true"`
	RequestsPerMinute int  `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"120"`

	// ImportLimit is requests per minute for the import endpoint.
	ImportLimit int `env:"RATE_LIMIT_IMPORT" default:"5"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// RequireAPIKey protects the operator endpoints with X-API-Key.
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys.
	APIKeys []string `env:"API_KEYS"`

	// TrustedProxies is a comma-separated list of proxy CIDRs whose
	// forwarding headers are honored.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	EnableCSP bool `env:"SECURITY_ENABLE_CSP" default:"true"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is text or json.
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
