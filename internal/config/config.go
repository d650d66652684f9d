// Package config loads librarycore process settings. Defaults are layered
// under an optional YAML file named by LIBRARY_CONFIG, and LIBRARY_*
// environment variables override both.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // timezone names resolve without system zoneinfo

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// FileEnv names the YAML file layered under the environment.
const FileEnv = "LIBRARY_CONFIG"

// Config holds server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Log         LogConfig         `yaml:"log"`
	Loans       LoanConfig        `yaml:"loans"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Blob        BlobConfig        `yaml:"blob"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the persistent store.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // memory | sqlite | postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// LoanConfig carries circulation policy.
type LoanConfig struct {
	UnitFine       string `yaml:"unit_fine"`
	StrictDueDates bool   `yaml:"strict_due_dates"`
	Timezone       string `yaml:"timezone"`
}

// AuthConfig controls staff login and bearer tokens.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	Required  bool          `yaml:"required"`
	StaffFile string        `yaml:"staff_file"`
}

// RateLimitConfig configures the per-client token bucket. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// IdempotencyConfig configures Idempotency-Key replay. An empty RedisAddr
// keeps keys in process memory.
type IdempotencyConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	RedisAddr string        `yaml:"redis_addr"`
}

// BlobConfig selects where snapshot backups are written. An empty driver
// disables backups.
type BlobConfig struct {
	Driver          string `yaml:"driver"` // fs | s3 | memory
	Root            string `yaml:"root"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PathStyle       bool   `yaml:"path_style"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter string `yaml:"exporter"` // none | json | otel
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":4000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage:     StorageConfig{Driver: "sqlite", SQLitePath: "library.db"},
		Log:         LogConfig{Level: "info", Format: "json"},
		Loans:       LoanConfig{UnitFine: "0.50", Timezone: "UTC"},
		Auth:        AuthConfig{TokenTTL: 12 * time.Hour},
		RateLimit:   RateLimitConfig{RPS: 20, Burst: 40},
		Idempotency: IdempotencyConfig{TTL: 24 * time.Hour},
		Tracing:     TracingConfig{Exporter: "none"},
	}
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment, then validates it.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

type envSetter struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envSetter) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (e *envSetter) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envSetter) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envSetter) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envSetter) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := &envSetter{lookup: lookup}
	e.str("LIBRARY_ADDR", &c.Server.Addr)
	e.duration("LIBRARY_READ_TIMEOUT", &c.Server.ReadTimeout)
	e.duration("LIBRARY_WRITE_TIMEOUT", &c.Server.WriteTimeout)
	e.duration("LIBRARY_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	e.str("LIBRARY_STORAGE", &c.Storage.Driver)
	e.str("LIBRARY_SQLITE_PATH", &c.Storage.SQLitePath)
	e.str("LIBRARY_POSTGRES_DSN", &c.Storage.PostgresDSN)

	e.str("LIBRARY_LOG_LEVEL", &c.Log.Level)
	e.str("LIBRARY_LOG_FORMAT", &c.Log.Format)

	e.str("LIBRARY_UNIT_FINE", &c.Loans.UnitFine)
	e.boolean("LIBRARY_STRICT_DUE_DATES", &c.Loans.StrictDueDates)
	e.str("LIBRARY_TIMEZONE", &c.Loans.Timezone)

	e.str("LIBRARY_JWT_SECRET", &c.Auth.JWTSecret)
	e.duration("LIBRARY_TOKEN_TTL", &c.Auth.TokenTTL)
	e.boolean("LIBRARY_REQUIRE_AUTH", &c.Auth.Required)
	e.str("LIBRARY_STAFF_FILE", &c.Auth.StaffFile)

	e.float("LIBRARY_RATE_LIMIT_RPS", &c.RateLimit.RPS)
	e.integer("LIBRARY_RATE_LIMIT_BURST", &c.RateLimit.Burst)

	e.duration("LIBRARY_IDEMPOTENCY_TTL", &c.Idempotency.TTL)
	e.str("LIBRARY_REDIS_ADDR", &c.Idempotency.RedisAddr)

	e.str("LIBRARY_BLOB_DRIVER", &c.Blob.Driver)
	e.str("LIBRARY_BLOB_ROOT", &c.Blob.Root)
	e.str("LIBRARY_BLOB_S3_BUCKET", &c.Blob.Bucket)
	e.str("LIBRARY_BLOB_S3_REGION", &c.Blob.Region)
	e.str("LIBRARY_BLOB_S3_ENDPOINT", &c.Blob.Endpoint)
	e.str("LIBRARY_BLOB_S3_ACCESS_KEY_ID", &c.Blob.AccessKeyID)
	e.str("LIBRARY_BLOB_S3_SECRET_ACCESS_KEY", &c.Blob.SecretAccessKey)
	e.boolean("LIBRARY_BLOB_S3_PATH_STYLE", &c.Blob.PathStyle)

	e.str("LIBRARY_TRACER", &c.Tracing.Exporter)
	return errors.Join(e.errs...)
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server addr must not be empty"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite path required for sqlite storage"))
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres dsn required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if fine, err := decimal.NewFromString(c.Loans.UnitFine); err != nil {
		errs = append(errs, fmt.Errorf("unit fine %q: %w", c.Loans.UnitFine, err))
	} else if fine.IsNegative() {
		errs = append(errs, fmt.Errorf("unit fine %s must not be negative", fine))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("token ttl must be positive"))
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("jwt secret required when auth is required"))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("rate limit rps must not be negative"))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate limit burst must be at least 1"))
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency ttl must be positive"))
	}
	switch c.Blob.Driver {
	case "", "fs", "memory":
	case "s3":
		if c.Blob.Bucket == "" {
			errs = append(errs, errors.New("blob bucket required for s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	switch c.Tracing.Exporter {
	case "none", "json", "otel":
	default:
		errs = append(errs, fmt.Errorf("unknown tracer %q", c.Tracing.Exporter))
	}
	return errors.Join(errs...)
}

// LogLevel parses Log.Level (debug, info, warn, error).
func (c Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.Log.Level, err)
	}
	return level, nil
}

// UnitFine returns the per-day late fee. Call after Validate.
func (c Config) UnitFine() decimal.Decimal {
	fine, err := decimal.NewFromString(c.Loans.UnitFine)
	if err != nil {
		return decimal.Zero
	}
	return fine
}

// Location resolves the library timezone used to decide "today".
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Loans.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Loans.Timezone, err)
	}
	return loc, nil
}

// BackupsEnabled reports whether a blob driver is configured.
func (c Config) BackupsEnabled() bool { return c.Blob.Driver != "" }
