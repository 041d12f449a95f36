package routing

import (
	"sync"
	"sync/atomic"
	"time"
)

// AtomicRoutingStats implements thread-safe routing statistics using atomic operations.
type AtomicRoutingStats struct {
	totalResolutions atomic.Int64

	// resolutionsPerModel uses sync.Map for thread-safe concurrent access
	resolutionsPerModel sync.Map // map[string]*atomic.Int64

	transitions atomic.Int64
	blocked     atomic.Int64
	exhausted   atomic.Int64
	resets      atomic.Int64

	// lastResetTime is when statistics were last reset
	lastResetTime time.Time

	// mu protects lastResetTime
	mu sync.RWMutex
}

// NewAtomicRoutingStats creates a new atomic routing statistics tracker.
func NewAtomicRoutingStats() *AtomicRoutingStats {
	return &AtomicRoutingStats{
		lastResetTime: time.Now(),
	}
}

func (s *AtomicRoutingStats) record(d Decision, exhausted bool) {
	s.totalResolutions.Add(1)
	if d.Advanced() {
		s.transitions.Add(1)
	}
	if d.Blocked {
		s.blocked.Add(1)
		if exhausted {
			s.exhausted.Add(1)
		}
		return
	}
	val, _ := s.resolutionsPerModel.LoadOrStore(d.Model, &atomic.Int64{})
	val.(*atomic.Int64).Add(1)
}

func (s *AtomicRoutingStats) recordReset() {
	s.resets.Add(1)
}

// Snapshot returns a point-in-time snapshot of the statistics.
func (s *AtomicRoutingStats) Snapshot() *RoutingStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perModel := make(map[string]int64)
	s.resolutionsPerModel.Range(func(key, value interface{}) bool {
		perModel[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})

	return &RoutingStats{
		TotalResolutions:    s.totalResolutions.Load(),
		ResolutionsPerModel: perModel,
		Transitions:         s.transitions.Load(),
		Blocked:             s.blocked.Load(),
		Exhausted:           s.exhausted.Load(),
		Resets:              s.resets.Load(),
		LastResetTime:       s.lastResetTime,
	}
}

// Reset resets all statistics to zero.
func (s *AtomicRoutingStats) Reset() {
	s.totalResolutions.Store(0)
	s.transitions.Store(0)
	s.blocked.Store(0)
	s.exhausted.Store(0)
	s.resets.Store(0)

	s.resolutionsPerModel.Range(func(key, value interface{}) bool {
		s.resolutionsPerModel.Delete(key)
		return true
	})

	s.mu.Lock()
	s.lastResetTime = time.Now()
	s.mu.Unlock()
}
