package config

import "time"

// Default configuration values.
const (
	DefaultPricingPath      = "./pricing.yaml"
	DefaultPolicyPath       = "./policies"
	DefaultDebounceInterval = 100 * time.Millisecond

	DefaultLedgerShards      = 64
	DefaultLedgerLockTimeout = 50 * time.Millisecond
	DefaultTimeZone          = "UTC"

	DefaultRoutingShards = 64

	DefaultMaxRetries           = 3
	DefaultRetryInitialInterval = time.Millisecond
	DefaultRetryMaxInterval     = 20 * time.Millisecond
	DefaultThrottleDelay        = time.Second
	DefaultReservationTTL       = time.Hour
	DefaultCompactionGrace      = time.Hour

	DefaultStorageBackend      = BackendNone
	DefaultSQLitePath          = "./costguard.db"
	DefaultCheckpointInterval  = 5 * time.Minute
	DefaultBusyTimeout         = 5 * time.Second
	DefaultRedisKeyPrefix      = "costguard"
	DefaultCompactSchedule     = "*/15 * * * *"
	DefaultCheckpointSchedule  = "*/5 * * * *"
	DefaultListenAddress       = "127.0.0.1:8080"
	DefaultReadTimeout         = 10 * time.Second
	DefaultWriteTimeout        = 10 * time.Second
	DefaultIdleTimeout         = 120 * time.Second
	DefaultShutdownTimeout     = 30 * time.Second
	DefaultMaxBodyBytes        = 1 << 20
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultMetricsPath         = "/metrics"
	DefaultTraceSampler        = "ratio"
	DefaultTraceSampleRatio    = 0.1
	DefaultTraceExporter       = "otlp"
	DefaultTraceEndpoint       = "localhost:4317"
	DefaultTraceTimeout        = 10 * time.Second
	DefaultServiceName         = "costguard"
)

// Storage backend names.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	// Sources
	if cfg.Sources.PricingPath == "" {
		cfg.Sources.PricingPath = DefaultPricingPath
	}
	if cfg.Sources.PolicyPath == "" {
		cfg.Sources.PolicyPath = DefaultPolicyPath
	}
	if cfg.Sources.DebounceInterval == 0 {
		cfg.Sources.DebounceInterval = DefaultDebounceInterval
	}

	// Ledger and routing
	if cfg.Ledger.Shards == 0 {
		cfg.Ledger.Shards = DefaultLedgerShards
	}
	if cfg.Ledger.LockTimeout == 0 {
		cfg.Ledger.LockTimeout = DefaultLedgerLockTimeout
	}
	if cfg.Ledger.TimeZone == "" {
		cfg.Ledger.TimeZone = DefaultTimeZone
	}
	if cfg.Routing.Shards == 0 {
		cfg.Routing.Shards = DefaultRoutingShards
	}

	// Evaluation
	if cfg.Evaluation.MaxRetries == 0 {
		cfg.Evaluation.MaxRetries = DefaultMaxRetries
	}
	if cfg.Evaluation.RetryInitialInterval == 0 {
		cfg.Evaluation.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if cfg.Evaluation.RetryMaxInterval == 0 {
		cfg.Evaluation.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if cfg.Evaluation.ThrottleDelay == 0 {
		cfg.Evaluation.ThrottleDelay = DefaultThrottleDelay
	}
	if cfg.Evaluation.ReservationTTL == 0 {
		cfg.Evaluation.ReservationTTL = DefaultReservationTTL
	}
	if cfg.Evaluation.CompactionGrace == 0 {
		cfg.Evaluation.CompactionGrace = DefaultCompactionGrace
	}

	// Storage
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = DefaultSQLitePath
	}
	if cfg.Storage.SQLite.CheckpointInterval == 0 {
		cfg.Storage.SQLite.CheckpointInterval = DefaultCheckpointInterval
	}
	if cfg.Storage.SQLite.BusyTimeout == 0 {
		cfg.Storage.SQLite.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.Storage.Redis.KeyPrefix == "" {
		cfg.Storage.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}

	// Maintenance
	if cfg.Maintenance.CompactSchedule == "" {
		cfg.Maintenance.CompactSchedule = DefaultCompactSchedule
	}
	if cfg.Maintenance.CheckpointSchedule == "" {
		cfg.Maintenance.CheckpointSchedule = DefaultCheckpointSchedule
	}

	// Server
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}

	// Telemetry
	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLogLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLogFormat
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultMetricsPath
	}
	tr := &cfg.Telemetry.Tracing
	if tr.Sampler == "" {
		tr.Sampler = DefaultTraceSampler
	}
	if tr.SampleRatio == 0 && tr.Sampler == DefaultTraceSampler {
		tr.SampleRatio = DefaultTraceSampleRatio
	}
	if tr.Exporter == "" {
		tr.Exporter = DefaultTraceExporter
	}
	if tr.Endpoint == "" {
		tr.Endpoint = DefaultTraceEndpoint
	}
	if tr.Timeout == 0 {
		tr.Timeout = DefaultTraceTimeout
	}
	if tr.ServiceName == "" {
		tr.ServiceName = DefaultServiceName
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
