// Package ledger keeps running usage totals per scope key and budget period.
//
// A Ledger holds at most one live bucket per (key, period) pair: the one
// whose window contains the most recent access. Rollover is lazy. When an
// access falls outside the live bucket's [Start, End) window, a fresh bucket
// replaces it on the spot; no background timer is involved. Compaction is an
// optional memory reclaim that never changes what an evaluation observes.
//
// Buckets are spread over a power-of-two number of shards chosen by the
// xxhash of the scope key. Each shard has its own lock, so updates to
// different keys rarely contend, and every read-compare-update of one bucket
// is linearizable.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"mercator-hq/costguard/pkg/limits/period"
	"mercator-hq/costguard/pkg/limits/storage"
)

var (
	// ErrLedgerContention is returned when a shard lock cannot be acquired
	// within the configured lock timeout.
	ErrLedgerContention = errors.New("ledger contention")

	// ErrBucketSuperseded is returned by AddInWindow when the targeted bucket
	// is no longer the live one for its key and period.
	ErrBucketSuperseded = errors.New("bucket superseded")
)

const (
	// DefaultShards is the shard count used when Config.Shards is zero.
	DefaultShards = 64

	// DefaultLockTimeout bounds a single shard lock acquisition.
	DefaultLockTimeout = 50 * time.Millisecond
)

// Totals are the running sums of a bucket.
type Totals struct {
	Cost     decimal.Decimal `json:"cost"`
	Tokens   int64           `json:"tokens"`
	Requests int64           `json:"requests"`
}

// Delta is a signed change applied to Totals.
type Delta struct {
	Cost     decimal.Decimal `json:"cost"`
	Tokens   int64           `json:"tokens"`
	Requests int64           `json:"requests"`
}

// Negate returns the delta that undoes d.
func (d Delta) Negate() Delta {
	return Delta{Cost: d.Cost.Neg(), Tokens: -d.Tokens, Requests: -d.Requests}
}

// Sub returns d minus o.
func (d Delta) Sub(o Delta) Delta {
	return Delta{Cost: d.Cost.Sub(o.Cost), Tokens: d.Tokens - o.Tokens, Requests: d.Requests - o.Requests}
}

// IsZero reports whether applying d is a no-op.
func (d Delta) IsZero() bool {
	return d.Cost.IsZero() && d.Tokens == 0 && d.Requests == 0
}

func (t Totals) apply(d Delta) Totals {
	return Totals{
		Cost:     t.Cost.Add(d.Cost),
		Tokens:   t.Tokens + d.Tokens,
		Requests: t.Requests + d.Requests,
	}
}

// Bucket is the usage record of one (key, period window) pair.
// Values returned by the Ledger are copies.
type Bucket struct {
	Key    string
	Period period.Period
	Start  time.Time
	End    time.Time
	Totals Totals

	// HighestThreshold is the highest threshold percent already signaled in
	// this bucket. Zero means none.
	HighestThreshold float64
}

// Config configures a Ledger.
type Config struct {
	// Shards is the number of lock shards. Rounded up to a power of two.
	// Default: 64
	Shards int

	// LockTimeout bounds each shard lock acquisition on the update path.
	// Default: 50ms
	LockTimeout time.Duration

	// Location is the time zone fixed periods align to. Default: UTC.
	Location *time.Location
}

type bucketKey struct {
	key    string
	period period.Period
}

type shard struct {
	mu      timedLock
	buckets map[bucketKey]*Bucket
}

// Ledger is a sharded, concurrency-safe store of usage buckets.
// The zero value is not usable; create one with New.
type Ledger struct {
	shards      []*shard
	mask        uint64
	lockTimeout time.Duration
	loc         *time.Location
}

// New creates an empty Ledger.
func New(cfg Config) *Ledger {
	n := cfg.Shards
	if n <= 0 {
		n = DefaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	l := &Ledger{
		shards:      make([]*shard, size),
		mask:        uint64(size - 1),
		lockTimeout: cfg.LockTimeout,
		loc:         cfg.Location,
	}
	for i := range l.shards {
		l.shards[i] = &shard{mu: newTimedLock(), buckets: make(map[bucketKey]*Bucket)}
	}
	return l
}

// Location returns the time zone fixed periods align to.
func (l *Ledger) Location() *time.Location {
	return l.loc
}

func (l *Ledger) shardFor(key string) *shard {
	return l.shards[xxhash.Sum64String(key)&l.mask]
}

func (l *Ledger) acquire(s *shard) error {
	if !s.mu.tryLock(l.lockTimeout) {
		return ErrLedgerContention
	}
	return nil
}

// liveLocked returns the bucket for now, creating or rolling it over.
// Caller must hold the shard lock.
func (l *Ledger) liveLocked(s *shard, key string, p period.Period, now time.Time) *Bucket {
	k := bucketKey{key: key, period: p}
	b, ok := s.buckets[k]
	if ok && period.Contains(b.Start, b.End, now) {
		return b
	}
	start, end := period.Window(p, now, l.loc)
	if ok && start.Before(b.Start) {
		// A late caller whose clock reading predates the live bucket is
		// accounted in the live bucket rather than reviving an older window.
		return b
	}
	b = &Bucket{Key: key, Period: p, Start: start, End: end, Totals: Totals{Cost: decimal.Zero}}
	s.buckets[k] = b
	return b
}

// GetOrCreateBucket returns the live bucket for now, creating a zeroed one
// if none exists or the existing one has elapsed.
func (l *Ledger) GetOrCreateBucket(key string, p period.Period, now time.Time) (Bucket, error) {
	s := l.shardFor(key)
	if err := l.acquire(s); err != nil {
		return Bucket{}, err
	}
	defer s.mu.unlock()

	return *l.liveLocked(s, key, p, now), nil
}

// Add applies delta to the live bucket for now and returns the bucket as it
// is after the update. The read-modify-write happens under the shard lock.
func (l *Ledger) Add(key string, p period.Period, now time.Time, delta Delta) (Bucket, error) {
	s := l.shardFor(key)
	if err := l.acquire(s); err != nil {
		return Bucket{}, err
	}
	defer s.mu.unlock()

	b := l.liveLocked(s, key, p, now)
	b.Totals = b.Totals.apply(delta)
	return *b, nil
}

// AddInWindow applies delta to the bucket whose window starts at start, as
// long as it is still the live bucket. It never creates a bucket.
func (l *Ledger) AddInWindow(key string, p period.Period, start time.Time, delta Delta) (Bucket, error) {
	s := l.shardFor(key)
	if err := l.acquire(s); err != nil {
		return Bucket{}, err
	}
	defer s.mu.unlock()

	b, ok := s.buckets[bucketKey{key: key, period: p}]
	if !ok || !b.Start.Equal(start) {
		return Bucket{}, fmt.Errorf("%w: %s (%s) window starting %s", ErrBucketSuperseded, key, p, start.Format(time.RFC3339))
	}
	b.Totals = b.Totals.apply(delta)
	return *b, nil
}

// Peek returns the totals of the live bucket for now without creating or
// rolling over anything. An absent or elapsed bucket reads as zero.
func (l *Ledger) Peek(key string, p period.Period, now time.Time) Totals {
	s := l.shardFor(key)
	s.mu.lock()
	defer s.mu.unlock()

	b, ok := s.buckets[bucketKey{key: key, period: p}]
	if !ok || !period.Contains(b.Start, b.End, now) {
		return Totals{Cost: decimal.Zero}
	}
	return b.Totals
}

// MarkThreshold raises the bucket's HighestThreshold to percent if percent
// is higher than what was already signaled. It reports whether it did, so
// exactly one caller wins each raise. The bucket is identified by its start;
// a superseded bucket is never marked.
func (l *Ledger) MarkThreshold(key string, p period.Period, start time.Time, percent float64) bool {
	_, ok := l.RaiseThreshold(key, p, start, percent)
	return ok
}

// RaiseThreshold is MarkThreshold that also returns the mark it replaced,
// for a later UnmarkThreshold.
func (l *Ledger) RaiseThreshold(key string, p period.Period, start time.Time, percent float64) (prior float64, ok bool) {
	s := l.shardFor(key)
	s.mu.lock()
	defer s.mu.unlock()

	b, found := s.buckets[bucketKey{key: key, period: p}]
	if !found || !b.Start.Equal(start) || percent <= b.HighestThreshold {
		return 0, false
	}
	prior = b.HighestThreshold
	b.HighestThreshold = percent
	return prior, true
}

// UnmarkThreshold lowers the bucket's HighestThreshold from percent back to
// prior. It does nothing unless the mark is still exactly percent, so a
// higher threshold signaled since then is kept.
func (l *Ledger) UnmarkThreshold(key string, p period.Period, start time.Time, percent, prior float64) bool {
	s := l.shardFor(key)
	s.mu.lock()
	defer s.mu.unlock()

	b, ok := s.buckets[bucketKey{key: key, period: p}]
	if !ok || !b.Start.Equal(start) || b.HighestThreshold != percent || prior >= percent {
		return false
	}
	b.HighestThreshold = prior
	return true
}

// Compact removes buckets whose window ended before olderThan and returns
// how many were removed. Buckets still live are never removed.
func (l *Ledger) Compact(olderThan time.Time) int {
	removed := 0
	for _, s := range l.shards {
		s.mu.lock()
		for k, b := range s.buckets {
			if b.End.Before(olderThan) {
				delete(s.buckets, k)
				removed++
			}
		}
		s.mu.unlock()
	}
	return removed
}

// Len returns the number of buckets held.
func (l *Ledger) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.lock()
		n += len(s.buckets)
		s.mu.unlock()
	}
	return n
}

// Snapshot copies every bucket out of the ledger. Each shard is locked only
// while its buckets are copied.
func (l *Ledger) Snapshot() []storage.BucketState {
	var out []storage.BucketState
	for _, s := range l.shards {
		s.mu.lock()
		for _, b := range s.buckets {
			out = append(out, storage.BucketState{
				Key:              b.Key,
				Period:           b.Period.String(),
				Start:            b.Start,
				End:              b.End,
				Cost:             b.Totals.Cost,
				Tokens:           b.Totals.Tokens,
				Requests:         b.Totals.Requests,
				HighestThreshold: b.HighestThreshold,
			})
		}
		s.mu.unlock()
	}
	return out
}

// Restore loads persisted buckets whose window contains now. Elapsed buckets
// are skipped, as are buckets older than one already held for the same key
// and period. It returns how many buckets were restored and any decode
// errors.
func (l *Ledger) Restore(states []storage.BucketState, now time.Time) (int, error) {
	var errs []error
	restored := 0
	for _, st := range states {
		p, err := period.Parse(st.Period)
		if err != nil {
			errs = append(errs, fmt.Errorf("bucket %q: %w", st.Key, err))
			continue
		}
		if !period.Contains(st.Start, st.End, now) {
			continue
		}

		s := l.shardFor(st.Key)
		s.mu.lock()
		k := bucketKey{key: st.Key, period: p}
		if cur, ok := s.buckets[k]; !ok || cur.Start.Before(st.Start) {
			s.buckets[k] = &Bucket{
				Key:              st.Key,
				Period:           p,
				Start:            st.Start,
				End:              st.End,
				Totals:           Totals{Cost: st.Cost, Tokens: st.Tokens, Requests: st.Requests},
				HighestThreshold: st.HighestThreshold,
			}
			restored++
		}
		s.mu.unlock()
	}
	return restored, errors.Join(errs...)
}
