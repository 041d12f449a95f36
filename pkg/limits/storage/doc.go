// Package storage persists snapshots of engine state.
//
// # Overview
//
// The ledger and stage records live in memory and are authoritative. A
// Backend holds point-in-time copies so that an engine can restore usage
// after a restart:
//
//   - Memory: in-process copy (default, no durability)
//   - SQLite: file-based persistence for single-instance deployments
//   - Redis: shared persistence for several instances
//
// # Usage
//
//	backend, err := storage.NewSQLiteBackend("/var/lib/costguard/state.db")
//	err = backend.Save(ctx, &storage.Snapshot{Buckets: buckets, TakenAt: now})
//	snap, err := backend.Load(ctx)
//
// # Thread Safety
//
// All backends are safe for concurrent use. Callers copy state out of their
// own locks before calling Save, so no backend I/O happens under a bucket
// lock.
package storage
