package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// MaintenanceConfig schedules background work. Schedules use standard cron
// syntax or descriptors such as "@every 1m". An empty schedule disables
// that job.
type MaintenanceConfig struct {
	// CompactSchedule runs Compact. Example: "*/15 * * * *"
	CompactSchedule string

	// CheckpointSchedule runs Checkpoint. Ignored without a backend.
	// Example: "@every 30s"
	CheckpointSchedule string
}

// Maintenance runs compaction and checkpoints on a cron schedule.
type Maintenance struct {
	engine  *Engine
	config  MaintenanceConfig
	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	running bool
}

func newMaintenance(e *Engine, config MaintenanceConfig, logger *slog.Logger) *Maintenance {
	return &Maintenance{
		engine: e,
		config: config,
		cron:   cron.New(),
		logger: logger.With("component", "engine.maintenance"),
	}
}

// StartMaintenance starts the maintenance schedule configured in Options.
// The schedule stops when ctx is cancelled or the engine is closed.
func (e *Engine) StartMaintenance(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.maintenance.Start(ctx)
}

// Maintenance returns the engine's maintenance scheduler.
func (e *Engine) Maintenance() *Maintenance {
	return e.maintenance
}

// Start schedules the configured jobs. If no job is configured, it does
// nothing.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("maintenance already running")
	}

	jobs := 0
	if m.config.CompactSchedule != "" {
		if err := m.schedule(m.config.CompactSchedule, func() { m.runCompaction(ctx) }); err != nil {
			return err
		}
		jobs++
	}
	if m.config.CheckpointSchedule != "" && m.engine.opts.Backend != nil {
		if err := m.schedule(m.config.CheckpointSchedule, func() { m.runCheckpoint(ctx) }); err != nil {
			return err
		}
		jobs++
	}

	if jobs == 0 {
		m.logger.Info("no maintenance schedule configured, skipping scheduler")
		return nil
	}

	m.cron.Start()
	m.running = true

	m.logger.Info("maintenance scheduler started",
		"compact_schedule", m.config.CompactSchedule,
		"checkpoint_schedule", m.config.CheckpointSchedule,
	)

	go func() {
		<-ctx.Done()
		m.Stop()
	}()

	return nil
}

func (m *Maintenance) schedule(spec string, job func()) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	if _, err := m.cron.AddFunc(spec, job); err != nil {
		return fmt.Errorf("failed to schedule %q: %w", spec, err)
	}
	return nil
}

func (m *Maintenance) runCompaction(ctx context.Context) {
	report, err := m.engine.Compact(ctx, m.engine.opts.Now())
	if err != nil {
		m.logger.Error("scheduled compaction failed", "error", err)
		return
	}
	if report.Buckets > 0 || report.Reservations > 0 {
		m.logger.Info("scheduled compaction completed",
			"buckets", report.Buckets,
			"reservations", report.Reservations,
			"stored", report.Stored,
		)
	}
}

func (m *Maintenance) runCheckpoint(ctx context.Context) {
	if err := m.engine.checkpoint(ctx); err != nil {
		m.logger.Error("scheduled checkpoint failed", "error", err)
	}
}

// Stop stops the scheduler and waits for running jobs to finish.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		<-m.cron.Stop().Done()
		m.running = false
		m.logger.Info("maintenance scheduler stopped")
	}
}

// IsRunning reports whether the scheduler is running.
func (m *Maintenance) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.running
}

// NextRun returns the earliest next run of any job, or nil if nothing is
// scheduled.
func (m *Maintenance) NextRun() *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *time.Time
	for _, entry := range m.cron.Entries() {
		if entry.Next.IsZero() {
			continue
		}
		if next == nil || entry.Next.Before(*next) {
			t := entry.Next
			next = &t
		}
	}
	return next
}
