package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"mercator-hq/costguard/pkg/cli"
	"mercator-hq/costguard/pkg/config"
	"mercator-hq/costguard/pkg/engine"
	"mercator-hq/costguard/pkg/limits/storage"
	"mercator-hq/costguard/pkg/policy"
	"mercator-hq/costguard/pkg/server"
	"mercator-hq/costguard/pkg/telemetry/health"
)

var serveFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the costguard HTTP API",
	Long: `Start the costguard HTTP API with the specified configuration.

The server loads the pricing table and policies, optionally restores the
last ledger checkpoint, and answers evaluate and settle requests until it
receives SIGINT or SIGTERM. A final checkpoint is written on shutdown when
a storage backend is configured.

Examples:
  # Start with defaults and COSTGUARD_* overrides
  costguard serve

  # Start with a config file
  costguard serve --config /etc/costguard/costguard.yaml

  # Override the listen address
  costguard serve --listen 0.0.0.0:8080

  # Validate config and definitions without starting the server
  costguard serve --dry-run`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "load config and definitions without starting the server")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply flag overrides
	if serveFlags.listenAddress != "" {
		cfg.Server.ListenAddress = serveFlags.listenAddress
	}
	if serveFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = serveFlags.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return cli.NewConfigError(cfgFile, err)
	}

	logger, err := newLogger(cfg.Telemetry.Logging, os.Stdout, verbose)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx := cli.SetupSignalHandler(cmd.Context())
	if err := serve(ctx, cfg, logger, serveFlags.dryRun); err != nil {
		return cli.NewCommandError("serve", err)
	}
	return nil
}

// serve runs the service until ctx is cancelled. With dryRun it stops
// after the first reload.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, dryRun bool) error {
	var (
		registerer prometheus.Registerer
		gatherer   prometheus.Gatherer
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registerer, gatherer = reg, reg
	}

	tracerProvider, shutdownTracing, err := newTracerProvider(ctx, cfg.Telemetry.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	backend, err := openBackend(cfg.Storage)
	if err != nil {
		return err
	}

	pricingSrc, policySrc := fileSources(cfg.Sources, logger)
	eng, err := engine.New(engineOptions(cfg, engineDeps{
		pricing:    pricingSrc,
		policies:   policySrc,
		backend:    backend,
		registerer: registerer,
		tracer:     tracerProvider,
		logger:     logger,
	}))
	if err != nil {
		if backend != nil {
			backend.Close()
		}
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("engine close failed", "error", err)
		}
	}()

	report, err := eng.Reload(ctx)
	if err != nil {
		return err
	}
	if !report.Valid() {
		logger.Warn("some definitions were rejected; run `costguard validate` for details",
			"rejected", len(report.Errors),
		)
	}
	if dryRun {
		logger.Info("dry run complete",
			"models", report.Models,
			"budgets", report.Budgets,
			"routing_policies", report.RoutingPolicies,
		)
		return nil
	}

	if cfg.Storage.RestoreOnStart {
		buckets, stages, err := eng.Restore(ctx)
		if err != nil {
			return fmt.Errorf("failed to restore checkpoint: %w", err)
		}
		logger.Info("checkpoint restored", "buckets", buckets, "stages", stages)
	}

	if cfg.Sources.Watch {
		watcher, err := policy.NewWatcher(policy.WatcherConfig{
			Paths:            []string{cfg.Sources.PricingPath, cfg.Sources.PolicyPath},
			DebounceInterval: cfg.Sources.DebounceInterval,
		}, logger)
		if err != nil {
			return err
		}
		defer watcher.Stop()

		go func() {
			err := watcher.Watch(ctx, func() error {
				_, err := eng.Reload(ctx)
				return err
			})
			if err != nil {
				logger.Error("definition watcher stopped", "error", err)
			}
		}()
	}

	if cfg.Maintenance.Enabled {
		if err := eng.StartMaintenance(ctx); err != nil {
			return fmt.Errorf("failed to start maintenance: %w", err)
		}
	}

	srv := server.New(cfg.Server, eng, server.Options{
		Health:      healthChecks(eng, backend),
		Gatherer:    gatherer,
		Registerer:  registerer,
		MetricsPath: cfg.Telemetry.Metrics.Path,
		Version:     Version,
		Commit:      GitCommit,
		BuildTime:   BuildDate,
		Logger:      logger,
	})

	logger.Info("costguard starting",
		"version", Version,
		"address", cfg.Server.ListenAddress,
		"storage", cfg.Storage.Backend,
		"metrics", cfg.Telemetry.Metrics.Enabled,
		"tracing", cfg.Telemetry.Tracing.Enabled,
	)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("costguard stopped")
	return nil
}

// healthChecks registers readiness checks. An engine without a snapshot
// cannot answer; an unreachable backend only delays checkpoints.
func healthChecks(eng *engine.Engine, backend storage.Backend) *health.Checker {
	checker := health.New(0)
	checker.Register("snapshot", true, func(ctx context.Context) error {
		if eng.Snapshot() == nil {
			return errors.New("no active pricing and policy snapshot")
		}
		return nil
	})
	if p, ok := backend.(pinger); ok {
		checker.Register("storage", false, p.Ping)
	}
	return checker
}
