package config

import (
	"time"

	"mercator-hq/costguard/pkg/telemetry/logging"
	"mercator-hq/costguard/pkg/telemetry/tracing"
)

// Config is the root configuration structure for costguard.
type Config struct {
	// Sources locates the pricing table and the budget and routing
	// policy definitions.
	Sources SourcesConfig `yaml:"sources"`

	// Ledger configures the in-memory usage ledger.
	Ledger LedgerConfig `yaml:"ledger"`

	// Routing configures the routing stage store.
	Routing RoutingConfig `yaml:"routing"`

	// Evaluation configures contention retries, retry hints, and
	// reservation lifetimes.
	Evaluation EvaluationConfig `yaml:"evaluation"`

	// Storage selects where ledger and stage checkpoints are written.
	Storage StorageConfig `yaml:"storage"`

	// Maintenance schedules compaction and checkpoints.
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// Server configures the HTTP service.
	Server ServerConfig `yaml:"server"`

	// Telemetry configures logging and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SourcesConfig locates the definition files loaded on every reload.
type SourcesConfig struct {
	// PricingPath is the YAML pricing file.
	// Default: "./pricing.yaml"
	PricingPath string `yaml:"pricing_path"`

	// PolicyPath is a YAML policy file or a directory of them.
	// Default: "./policies"
	PolicyPath string `yaml:"policy_path"`

	// Watch reloads the engine when either path changes.
	// Default: false
	Watch bool `yaml:"watch"`

	// DebounceInterval is the quiet period before a watched change
	// triggers a reload.
	// Default: 100ms
	DebounceInterval time.Duration `yaml:"debounce_interval"`
}

// LedgerConfig configures the usage ledger.
type LedgerConfig struct {
	// Shards is the number of bucket lock shards, rounded up to a power of two.
	// Default: 64
	Shards int `yaml:"shards"`

	// LockTimeout bounds each shard lock acquisition.
	// Default: 50ms
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// TimeZone is the IANA zone that fixed periods (day, month) align to.
	// Default: "UTC"
	TimeZone string `yaml:"time_zone"`
}

// RoutingConfig configures the stage store.
type RoutingConfig struct {
	// Shards is the number of stage record lock shards.
	// Default: 64
	Shards int `yaml:"shards"`
}

// EvaluationConfig configures the budget evaluator and call reservations.
type EvaluationConfig struct {
	// MaxRetries is how many times a contended ledger update is retried
	// before the call is blocked.
	// Default: 3
	MaxRetries int `yaml:"max_retries"`

	// RetryInitialInterval is the first contention back-off delay.
	// Default: 1ms
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`

	// RetryMaxInterval caps the contention back-off delay.
	// Default: 20ms
	RetryMaxInterval time.Duration `yaml:"retry_max_interval"`

	// ThrottleDelay is the retry hint given to throttled callers.
	// Default: 1s
	ThrottleDelay time.Duration `yaml:"throttle_delay"`

	// MaxRetryAfter caps the retry hint given to blocked callers.
	// Zero means uncapped.
	MaxRetryAfter time.Duration `yaml:"max_retry_after"`

	// ReservationTTL is how long an evaluated call remains settleable.
	// Default: 1h
	ReservationTTL time.Duration `yaml:"reservation_ttl"`

	// CompactionGrace is how long buckets are kept after their window ends.
	// Default: 1h
	CompactionGrace time.Duration `yaml:"compaction_grace"`
}

// StorageConfig selects the checkpoint backend.
type StorageConfig struct {
	// Backend is one of "none", "memory", "sqlite", or "redis".
	// Default: "none"
	Backend string `yaml:"backend"`

	// SQLite configures the sqlite backend.
	SQLite SQLiteConfig `yaml:"sqlite"`

	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis"`

	// RestoreOnStart loads the last checkpoint before serving.
	// Default: false
	RestoreOnStart bool `yaml:"restore_on_start"`
}

// SQLiteConfig configures the SQLite checkpoint backend.
type SQLiteConfig struct {
	// Path is the database file.
	// Default: "./costguard.db"
	Path string `yaml:"path"`

	// CheckpointInterval is how often the WAL is checkpointed.
	// Default: 5m
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// BusyTimeout is how long to wait for database locks.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// RedisConfig configures the Redis checkpoint backend.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection URL.
	URL string `yaml:"url"`

	// KeyPrefix namespaces the checkpoint keys.
	// Default: "costguard"
	KeyPrefix string `yaml:"key_prefix"`
}

// MaintenanceConfig schedules background jobs. Schedules use the
// standard five-field cron syntax.
type MaintenanceConfig struct {
	// Enabled starts the scheduler when serving.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// CompactSchedule runs compaction and reservation expiry.
	// Default: "*/15 * * * *"
	CompactSchedule string `yaml:"compact_schedule"`

	// CheckpointSchedule writes a checkpoint to the storage backend.
	// Ignored when the backend is "none".
	// Default: "*/5 * * * *"
	CheckpointSchedule string `yaml:"checkpoint_schedule"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	// ListenAddress is the "host:port" to listen on.
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout bounds reading a full request.
	// Default: 10s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds writing a response.
	// Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout bounds keep-alive idle time.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes caps request bodies.
	// Default: 1MB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// MaxInFlight caps concurrently handled API requests. Zero disables
	// the cap.
	// Default: 0
	MaxInFlight int `yaml:"max_in_flight"`
}

// TelemetryConfig configures logging and metrics.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	// Default: "info"
	Level string `yaml:"level"`

	// Format is one of "json", "text", "console".
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes the source position in log records.
	AddSource bool `yaml:"add_source"`

	// RedactPII redacts API keys, bearer tokens, and emails.
	// Default: false
	RedactPII bool `yaml:"redact_pii"`

	// MaskKeys lists attribute keys whose values are masked,
	// for example "identity".
	MaskKeys []string `yaml:"mask_keys"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled registers engine metrics and serves them.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path of the metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// PerBucket exports a utilisation gauge per ledger bucket. Cardinality
	// grows with the number of distinct scope keys.
	// Default: false
	PerBucket bool `yaml:"per_bucket"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	// Enabled installs an SDK tracer provider when serving.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Sampler is one of "always", "never", "ratio".
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio is the fraction of root traces recorded by the "ratio"
	// sampler.
	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// Exporter is "otlp" (gRPC) or "stdout".
	// Default: "otlp"
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP collector "host:port".
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure"`

	// Timeout bounds each export.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// ServiceName is the service.name resource attribute.
	// Default: "costguard"
	ServiceName string `yaml:"service_name"`
}

// LoggerConfig converts the logging section to a logging.Config.
func (c LoggingConfig) LoggerConfig() logging.Config {
	return logging.Config{
		Level:     c.Level,
		Format:    c.Format,
		AddSource: c.AddSource,
		RedactPII: c.RedactPII,
		MaskKeys:  c.MaskKeys,
	}
}

// ProviderConfig converts the tracing section to a tracing.ProviderConfig.
func (c TracingConfig) ProviderConfig(version string) tracing.ProviderConfig {
	return tracing.ProviderConfig{
		ServiceName:    c.ServiceName,
		ServiceVersion: version,
		Sampler:        c.Sampler,
		SampleRatio:    c.SampleRatio,
		Exporter:       c.Exporter,
		Endpoint:       c.Endpoint,
		Insecure:       c.Insecure,
		Timeout:        c.Timeout,
	}
}
