package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend implements Backend in process memory.
// It is the default backend: snapshots survive engine restarts within the
// same process but not process exit.
type MemoryBackend struct {
	mu     sync.RWMutex
	snap   *Snapshot
	saves  int
	closed bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Save stores a deep copy of snap.
func (m *MemoryBackend) Save(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.snap = cloneSnapshot(snap)
	m.saves++
	return nil
}

// Load returns a copy of the stored snapshot.
func (m *MemoryBackend) Load(ctx context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.snap == nil {
		return nil, nil
	}
	return cloneSnapshot(m.snap), nil
}

// Cleanup removes buckets whose window ended before olderThan.
func (m *MemoryBackend) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if m.snap == nil {
		return 0, nil
	}

	kept := m.snap.Buckets[:0]
	deleted := 0
	for _, b := range m.snap.Buckets {
		if b.End.Before(olderThan) {
			deleted++
			continue
		}
		kept = append(kept, b)
	}
	m.snap.Buckets = kept
	return deleted, nil
}

// Close marks the backend closed.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Saves returns how many snapshots have been saved.
// This is useful for monitoring and testing.
func (m *MemoryBackend) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	if s == nil {
		return &Snapshot{}
	}
	out := &Snapshot{TakenAt: s.TakenAt}
	out.Buckets = append([]BucketState(nil), s.Buckets...)
	out.Stages = append([]StageState(nil), s.Stages...)
	return out
}
