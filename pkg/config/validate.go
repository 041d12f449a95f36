package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"mercator-hq/costguard/pkg/telemetry/logging"
	"mercator-hq/costguard/pkg/telemetry/tracing"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the field (e.g. "storage.backend").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every field error found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:\n", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// HasField reports whether field has at least one error.
func (e ValidationError) HasField(field string) bool {
	for _, fe := range e.Errors {
		if fe.Field == field {
			return true
		}
	}
	return false
}

// Validate checks the whole configuration and returns a ValidationError
// holding every failed rule, or nil.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateSources(&cfg.Sources)...)
	errs = append(errs, validateLedger(&cfg.Ledger, &cfg.Routing)...)
	errs = append(errs, validateEvaluation(&cfg.Evaluation)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateMaintenance(&cfg.Maintenance)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateSources(cfg *SourcesConfig) []FieldError {
	var errs []FieldError
	if cfg.PricingPath == "" {
		errs = append(errs, FieldError{Field: "sources.pricing_path", Message: "must not be empty"})
	}
	if cfg.PolicyPath == "" {
		errs = append(errs, FieldError{Field: "sources.policy_path", Message: "must not be empty"})
	}
	if cfg.DebounceInterval < 0 {
		errs = append(errs, FieldError{Field: "sources.debounce_interval", Message: "must not be negative"})
	}
	return errs
}

func validateLedger(ledger *LedgerConfig, routing *RoutingConfig) []FieldError {
	var errs []FieldError
	if ledger.Shards < 0 {
		errs = append(errs, FieldError{Field: "ledger.shards", Message: "must not be negative"})
	}
	if ledger.LockTimeout < 0 {
		errs = append(errs, FieldError{Field: "ledger.lock_timeout", Message: "must not be negative"})
	}
	if _, err := time.LoadLocation(ledger.TimeZone); err != nil {
		errs = append(errs, FieldError{
			Field:   "ledger.time_zone",
			Message: fmt.Sprintf("unknown time zone %q", ledger.TimeZone),
		})
	}
	if routing.Shards < 0 {
		errs = append(errs, FieldError{Field: "routing.shards", Message: "must not be negative"})
	}
	return errs
}

func validateEvaluation(cfg *EvaluationConfig) []FieldError {
	var errs []FieldError
	if cfg.MaxRetries < 0 {
		errs = append(errs, FieldError{Field: "evaluation.max_retries", Message: "must not be negative"})
	}
	if cfg.RetryInitialInterval < 0 {
		errs = append(errs, FieldError{Field: "evaluation.retry_initial_interval", Message: "must not be negative"})
	}
	if cfg.RetryMaxInterval < cfg.RetryInitialInterval {
		errs = append(errs, FieldError{
			Field:   "evaluation.retry_max_interval",
			Message: "must be at least retry_initial_interval",
		})
	}
	if cfg.MaxRetryAfter < 0 {
		errs = append(errs, FieldError{Field: "evaluation.max_retry_after", Message: "must not be negative"})
	}
	if cfg.ReservationTTL < 0 {
		errs = append(errs, FieldError{Field: "evaluation.reservation_ttl", Message: "must not be negative"})
	}
	if cfg.CompactionGrace < 0 {
		errs = append(errs, FieldError{Field: "evaluation.compaction_grace", Message: "must not be negative"})
	}
	return errs
}

func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError
	switch cfg.Backend {
	case BackendNone, BackendMemory:
	case BackendSQLite:
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{Field: "storage.sqlite.path", Message: "is required for the sqlite backend"})
		}
		if cfg.SQLite.BusyTimeout < 0 {
			errs = append(errs, FieldError{Field: "storage.sqlite.busy_timeout", Message: "must not be negative"})
		}
	case BackendRedis:
		if cfg.Redis.URL == "" {
			errs = append(errs, FieldError{Field: "storage.redis.url", Message: "is required for the redis backend"})
			break
		}
		u, err := url.Parse(cfg.Redis.URL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, FieldError{
				Field:   "storage.redis.url",
				Message: "must be a redis:// or rediss:// URL",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend %q (must be none, memory, sqlite, or redis)", cfg.Backend),
		})
	}
	if cfg.RestoreOnStart && cfg.Backend == BackendNone {
		errs = append(errs, FieldError{Field: "storage.restore_on_start", Message: "requires a storage backend"})
	}
	return errs
}

func validateMaintenance(cfg *MaintenanceConfig) []FieldError {
	var errs []FieldError
	if _, err := cron.ParseStandard(cfg.CompactSchedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "maintenance.compact_schedule",
			Message: fmt.Sprintf("invalid cron expression: %v", err),
		})
	}
	if _, err := cron.ParseStandard(cfg.CheckpointSchedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "maintenance.checkpoint_schedule",
			Message: fmt.Sprintf("invalid cron expression: %v", err),
		})
	}
	return errs
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError
	if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: fmt.Sprintf("must be host:port: %v", err),
		})
	}
	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.read_timeout", Message: "must not be negative"})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.write_timeout", Message: "must not be negative"})
	}
	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, FieldError{Field: "server.shutdown_timeout", Message: "must be positive"})
	}
	if cfg.MaxBodyBytes <= 0 {
		errs = append(errs, FieldError{Field: "server.max_body_bytes", Message: "must be positive"})
	}
	if cfg.MaxInFlight < 0 {
		errs = append(errs, FieldError{Field: "server.max_in_flight", Message: "must not be negative"})
	}
	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid level %q (must be debug, info, warn, or error)", cfg.Logging.Level),
		})
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text", "console":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid format %q (must be json, text, or console)", cfg.Logging.Format),
		})
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "must start with /"})
	}
	if err := tracing.ValidateSampling(cfg.Tracing.Sampler, cfg.Tracing.SampleRatio); err != nil {
		errs = append(errs, FieldError{Field: "telemetry.tracing.sampler", Message: err.Error()})
	}
	switch cfg.Tracing.Exporter {
	case tracing.ExporterOTLP:
		if cfg.Tracing.Enabled {
			if _, _, err := net.SplitHostPort(cfg.Tracing.Endpoint); err != nil {
				errs = append(errs, FieldError{
					Field:   "telemetry.tracing.endpoint",
					Message: fmt.Sprintf("must be host:port: %v", err),
				})
			}
		}
	case tracing.ExporterStdout:
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.exporter",
			Message: fmt.Sprintf("invalid exporter %q (must be otlp or stdout)", cfg.Tracing.Exporter),
		})
	}
	return errs
}
