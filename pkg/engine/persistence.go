package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mercator-hq/costguard/pkg/limits/storage"
)

// Checkpoint copies the ledger buckets and stage records out of their locks
// and saves them to the backend.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if e.opts.Backend == nil {
		return ErrNoBackend
	}
	return e.checkpoint(ctx)
}

func (e *Engine) checkpoint(ctx context.Context) error {
	snap := &storage.Snapshot{
		Buckets: e.ledger.Snapshot(),
		Stages:  e.router.Snapshot(),
		TakenAt: e.opts.Now(),
	}

	err := e.opts.Backend.Save(ctx, snap)
	e.metrics.recordCheckpoint(err)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	e.logger.DebugContext(ctx, "checkpoint saved",
		"buckets", len(snap.Buckets),
		"stages", len(snap.Stages),
	)
	return nil
}

// Restore loads the last checkpoint into the ledger and router. Buckets
// whose window has ended are skipped, and restored records never lower
// state that is already further along. It returns how many buckets and
// stage records were restored.
func (e *Engine) Restore(ctx context.Context) (buckets, stages int, err error) {
	if e.opts.Backend == nil {
		return 0, 0, ErrNoBackend
	}

	snap, err := e.opts.Backend.Load(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if snap == nil {
		return 0, 0, nil
	}

	var errs []error
	buckets, err = e.ledger.Restore(snap.Buckets, e.opts.Now())
	if err != nil {
		errs = append(errs, err)
	}
	stages, err = e.router.Restore(snap.Stages)
	if err != nil {
		errs = append(errs, err)
	}

	e.logger.InfoContext(ctx, "checkpoint restored",
		"taken_at", snap.TakenAt,
		"buckets", buckets,
		"stages", stages,
	)
	return buckets, stages, errors.Join(errs...)
}

// Compact reclaims buckets whose window ended more than CompactionGrace
// before now, drops expired reservations, and prunes the backend the same
// way. Live buckets are never touched.
func (e *Engine) Compact(ctx context.Context, now time.Time) (CompactReport, error) {
	cutoff := now.Add(-e.opts.CompactionGrace)

	report := CompactReport{
		Buckets:      e.ledger.Compact(cutoff),
		Reservations: e.reservations.expire(now),
	}
	e.metrics.setReservations(e.reservations.len())
	if report.Buckets > 0 {
		e.limits.ResetBucketUtilization()
	}

	var err error
	if e.opts.Backend != nil {
		report.Stored, err = e.opts.Backend.Cleanup(ctx, cutoff)
		if err != nil {
			err = fmt.Errorf("failed to clean up backend: %w", err)
		}
	}
	e.metrics.recordCompaction(report)

	e.logger.DebugContext(ctx, "compaction finished",
		"buckets", report.Buckets,
		"reservations", report.Reservations,
		"stored", report.Stored,
	)
	return report, err
}
