package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COSTGUARD_"

// LoadConfig loads configuration from a YAML file, applies defaults, and
// validates it. Environment variables are not consulted; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration file %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration, applies defaults, and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies environment variable overrides named COSTGUARD_SECTION_FIELD
// (e.g. COSTGUARD_SERVER_LISTEN_ADDRESS). Overrides win over the file.
//
// An empty path skips the file and starts from defaults.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overwriting variables that are already set. Missing files are skipped.
// With no arguments it loads ".env" from the working directory.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %q: %w", p, err)
		}
	}
	return nil
}

// envOverride binds one environment variable to a configuration field.
type envOverride struct {
	name  string
	apply func(cfg *Config, val string) error
}

func stringVar(set func(*Config, string)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		set(cfg, val)
		return nil
	}
}

func durationVar(set func(*Config, time.Duration)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		set(cfg, d)
		return nil
	}
}

func intVar(set func(*Config, int)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		set(cfg, n)
		return nil
	}
}

func boolVar(set func(*Config, bool)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		set(cfg, b)
		return nil
	}
}

var envOverrides = []envOverride{
	// Sources
	{"SOURCES_PRICING_PATH", stringVar(func(c *Config, v string) { c.Sources.PricingPath = v })},
	{"SOURCES_POLICY_PATH", stringVar(func(c *Config, v string) { c.Sources.PolicyPath = v })},
	{"SOURCES_WATCH", boolVar(func(c *Config, v bool) { c.Sources.Watch = v })},

	// Ledger
	{"LEDGER_SHARDS", intVar(func(c *Config, v int) { c.Ledger.Shards = v })},
	{"LEDGER_TIME_ZONE", stringVar(func(c *Config, v string) { c.Ledger.TimeZone = v })},

	// Evaluation
	{"EVALUATION_MAX_RETRIES", intVar(func(c *Config, v int) { c.Evaluation.MaxRetries = v })},
	{"EVALUATION_RESERVATION_TTL", durationVar(func(c *Config, v time.Duration) { c.Evaluation.ReservationTTL = v })},
	{"EVALUATION_MAX_RETRY_AFTER", durationVar(func(c *Config, v time.Duration) { c.Evaluation.MaxRetryAfter = v })},

	// Storage
	{"STORAGE_BACKEND", stringVar(func(c *Config, v string) { c.Storage.Backend = v })},
	{"STORAGE_SQLITE_PATH", stringVar(func(c *Config, v string) { c.Storage.SQLite.Path = v })},
	{"STORAGE_REDIS_URL", stringVar(func(c *Config, v string) { c.Storage.Redis.URL = v })},
	{"STORAGE_REDIS_KEY_PREFIX", stringVar(func(c *Config, v string) { c.Storage.Redis.KeyPrefix = v })},
	{"STORAGE_RESTORE_ON_START", boolVar(func(c *Config, v bool) { c.Storage.RestoreOnStart = v })},

	// Maintenance
	{"MAINTENANCE_ENABLED", boolVar(func(c *Config, v bool) { c.Maintenance.Enabled = v })},
	{"MAINTENANCE_COMPACT_SCHEDULE", stringVar(func(c *Config, v string) { c.Maintenance.CompactSchedule = v })},
	{"MAINTENANCE_CHECKPOINT_SCHEDULE", stringVar(func(c *Config, v string) { c.Maintenance.CheckpointSchedule = v })},

	// Server
	{"SERVER_LISTEN_ADDRESS", stringVar(func(c *Config, v string) { c.Server.ListenAddress = v })},
	{"SERVER_READ_TIMEOUT", durationVar(func(c *Config, v time.Duration) { c.Server.ReadTimeout = v })},
	{"SERVER_WRITE_TIMEOUT", durationVar(func(c *Config, v time.Duration) { c.Server.WriteTimeout = v })},
	{"SERVER_SHUTDOWN_TIMEOUT", durationVar(func(c *Config, v time.Duration) { c.Server.ShutdownTimeout = v })},
	{"SERVER_MAX_IN_FLIGHT", intVar(func(c *Config, v int) { c.Server.MaxInFlight = v })},

	// Telemetry
	{"TELEMETRY_LOGGING_LEVEL", stringVar(func(c *Config, v string) { c.Telemetry.Logging.Level = v })},
	{"TELEMETRY_LOGGING_FORMAT", stringVar(func(c *Config, v string) { c.Telemetry.Logging.Format = v })},
	{"TELEMETRY_LOGGING_REDACT_PII", boolVar(func(c *Config, v bool) { c.Telemetry.Logging.RedactPII = v })},
	{"TELEMETRY_METRICS_ENABLED", boolVar(func(c *Config, v bool) { c.Telemetry.Metrics.Enabled = v })},
	{"TELEMETRY_TRACING_ENABLED", boolVar(func(c *Config, v bool) { c.Telemetry.Tracing.Enabled = v })},
	{"TELEMETRY_TRACING_EXPORTER", stringVar(func(c *Config, v string) { c.Telemetry.Tracing.Exporter = v })},
	{"TELEMETRY_TRACING_ENDPOINT", stringVar(func(c *Config, v string) { c.Telemetry.Tracing.Endpoint = v })},
}

// applyEnvOverrides applies every set COSTGUARD_* variable. Unparseable
// values are reported as field errors rather than silently ignored.
func applyEnvOverrides(cfg *Config) error {
	var errs []FieldError
	for _, o := range envOverrides {
		val, ok := os.LookupEnv(EnvPrefix + o.name)
		if !ok || val == "" {
			continue
		}
		if err := o.apply(cfg, val); err != nil {
			errs = append(errs, FieldError{
				Field:   EnvPrefix + o.name,
				Message: fmt.Sprintf("invalid value %q: %v", val, err),
			})
		}
	}
	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

// EnvNames returns the supported override variable names.
func EnvNames() []string {
	names := make([]string, len(envOverrides))
	for i, o := range envOverrides {
		names[i] = EnvPrefix + o.name
	}
	return names
}

// Location resolves the ledger time zone. Validate has already checked it.
func (c *LedgerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
