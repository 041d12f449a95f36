package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"mercator-hq/costguard/pkg/limits"
	"mercator-hq/costguard/pkg/pricing"
)

// reservation is what Settle needs to reconcile a call.
type reservation struct {
	model   string
	pricing *pricing.Table
	charges []limits.Charge
	expires time.Time
}

type reservationShard struct {
	mu sync.Mutex
	m  map[string]reservation
}

// reservations holds unsettled calls, sharded like the ledger.
type reservations struct {
	shards []*reservationShard
	mask   uint64
	count  atomic.Int64
}

func newReservations(n int) *reservations {
	size := 1
	for size < n {
		size <<= 1
	}
	r := &reservations{
		shards: make([]*reservationShard, size),
		mask:   uint64(size - 1),
	}
	for i := range r.shards {
		r.shards[i] = &reservationShard{m: make(map[string]reservation)}
	}
	return r
}

func (r *reservations) shardFor(id string) *reservationShard {
	return r.shards[xxhash.Sum64String(id)&r.mask]
}

// put stores res under id unless a live reservation already holds it.
func (r *reservations) put(id string, res reservation, now time.Time) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.m[id]
	if ok && now.Before(cur.expires) {
		return false
	}
	if !ok {
		r.count.Add(1)
	}
	s.m[id] = res
	return true
}

func (r *reservations) has(id string, now time.Time) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.m[id]
	return ok && now.Before(cur.expires)
}

// take removes and returns the reservation for id if it has not expired.
func (r *reservations) take(id string, now time.Time) (reservation, bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.m[id]
	if !ok {
		return reservation{}, false
	}
	delete(s.m, id)
	r.count.Add(-1)
	if !now.Before(res.expires) {
		return reservation{}, false
	}
	return res, true
}

// expire drops reservations that expired at or before now.
func (r *reservations) expire(now time.Time) int {
	removed := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for id, res := range s.m {
			if !now.Before(res.expires) {
				delete(s.m, id)
				r.count.Add(-1)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (r *reservations) len() int {
	return int(r.count.Load())
}
