package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/costguard/pkg/cli"
	"mercator-hq/costguard/pkg/config"
	"mercator-hq/costguard/pkg/engine"
	"mercator-hq/costguard/pkg/limits"
	"mercator-hq/costguard/pkg/limits/enforcement"
	"mercator-hq/costguard/pkg/limits/ledger"
	"mercator-hq/costguard/pkg/limits/storage"
	"mercator-hq/costguard/pkg/policy"
	"mercator-hq/costguard/pkg/pricing"
	"mercator-hq/costguard/pkg/routing"
	"mercator-hq/costguard/pkg/telemetry/logging"
	"mercator-hq/costguard/pkg/telemetry/tracing"
)

// loadConfig reads the dotenv file, the config file, and COSTGUARD_*
// overrides, in that order.
func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return nil, cli.NewConfigError(envFile, err)
		}
	}
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, cli.NewConfigError(cfgFile, err)
	}
	return cfg, nil
}

// newLogger builds the process logger. verbose forces debug level.
func newLogger(cfg config.LoggingConfig, w io.Writer, verbose bool) (*slog.Logger, error) {
	lc := cfg.LoggerConfig()
	lc.Writer = w
	if verbose {
		lc.Level = "debug"
	}
	logger, err := logging.New(lc)
	if err != nil {
		return nil, cli.NewConfigError("telemetry.logging", err)
	}
	return logger, nil
}

// pinger is implemented by backends that can report connectivity.
type pinger interface {
	Ping(ctx context.Context) error
}

// openBackend creates the configured checkpoint backend. It returns nil
// for the "none" backend.
func openBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendMemory:
		return storage.NewMemoryBackend(), nil
	case config.BackendSQLite:
		b, err := storage.NewSQLiteBackendWithConfig(storage.SQLiteBackendConfig{
			DBPath:             cfg.SQLite.Path,
			CheckpointInterval: cfg.SQLite.CheckpointInterval,
			BusyTimeout:        cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite backend: %w", err)
		}
		return b, nil
	case config.BackendRedis:
		b, err := storage.NewRedisBackend(cfg.Redis.URL, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// engineDeps are the runtime pieces engineOptions cannot derive from
// configuration.
type engineDeps struct {
	pricing    pricing.Source
	policies   policy.Source
	backend    storage.Backend
	registerer prometheus.Registerer
	tracer     trace.TracerProvider
	logger     *slog.Logger
	now        func() time.Time
}

// engineOptions maps configuration onto engine options.
func engineOptions(cfg *config.Config, deps engineDeps) engine.Options {
	opts := engine.Options{
		Pricing:  deps.pricing,
		Policies: deps.policies,
		Ledger: ledger.Config{
			Shards:      cfg.Ledger.Shards,
			LockTimeout: cfg.Ledger.LockTimeout,
			Location:    cfg.Ledger.Location(),
		},
		Router: routing.Config{
			Shards: cfg.Routing.Shards,
		},
		Evaluator: limits.EvaluatorConfig{
			MaxRetries:           cfg.Evaluation.MaxRetries,
			RetryInitialInterval: cfg.Evaluation.RetryInitialInterval,
			RetryMaxInterval:     cfg.Evaluation.RetryMaxInterval,
		},
		Enforcement: enforcement.Config{
			ThrottleDelay: cfg.Evaluation.ThrottleDelay,
			MaxRetryAfter: cfg.Evaluation.MaxRetryAfter,
		},
		PerBucketMetrics: cfg.Telemetry.Metrics.PerBucket,
		ReservationTTL:   cfg.Evaluation.ReservationTTL,
		CompactionGrace:  cfg.Evaluation.CompactionGrace,
		Logger:           deps.logger,
		Now:              deps.now,
	}
	if deps.backend != nil {
		opts.Backend = deps.backend
	}
	if deps.registerer != nil {
		opts.Registerer = deps.registerer
	}
	if deps.tracer != nil {
		opts.TracerProvider = deps.tracer
	}
	if cfg.Maintenance.Enabled {
		opts.Maintenance = engine.MaintenanceConfig{
			CompactSchedule:    cfg.Maintenance.CompactSchedule,
			CheckpointSchedule: cfg.Maintenance.CheckpointSchedule,
		}
	}
	return opts
}

// newTracerProvider installs the SDK tracer provider when tracing is
// enabled. The returned shutdown flushes pending spans and is never nil.
func newTracerProvider(ctx context.Context, cfg config.TracingConfig) (trace.TracerProvider, func(context.Context) error, error) {
	if !cfg.Enabled {
		return nil, func(context.Context) error { return nil }, nil
	}
	tp, err := tracing.NewProvider(ctx, cfg.ProviderConfig(Version))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}
	return tp, tp.Shutdown, nil
}

// fileSources returns file-backed pricing and policy sources for cfg.
func fileSources(cfg config.SourcesConfig, logger *slog.Logger) (pricing.Source, policy.Source) {
	return pricing.NewFileSource(cfg.PricingPath, logger), policy.NewFileSource(cfg.PolicyPath, logger)
}
