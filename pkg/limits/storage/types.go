package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("storage backend closed")

// Backend persists engine state snapshots.
// Implementations must be thread-safe. The engine never calls a Backend while
// holding a ledger or stage lock.
type Backend interface {
	// Save replaces the stored snapshot with snap.
	Save(ctx context.Context, snap *Snapshot) error

	// Load returns the stored snapshot, or nil if none has been saved.
	Load(ctx context.Context) (*Snapshot, error)

	// Cleanup removes stored buckets whose window ended before olderThan.
	// Returns the number of buckets deleted.
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Snapshot is a point-in-time copy of ledger buckets and stage records.
type Snapshot struct {
	Buckets []BucketState `json:"buckets"`
	Stages  []StageState  `json:"stages"`

	// TakenAt is when the snapshot was copied out of the engine.
	TakenAt time.Time `json:"taken_at"`
}

// BucketState is the persisted form of a usage bucket.
type BucketState struct {
	// Key is the scope key the bucket accounts for.
	Key string `json:"key"`

	// Period is the encoded period definition (see period.Period.String).
	Period string `json:"period"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Cost     decimal.Decimal `json:"cost"`
	Tokens   int64           `json:"tokens"`
	Requests int64           `json:"requests"`

	// HighestThreshold is the highest threshold percent already signaled.
	HighestThreshold float64 `json:"highest_threshold"`
}

// StageState is the persisted form of a routing stage record.
type StageState struct {
	ScopeKey       string    `json:"scope_key"`
	PolicyID       string    `json:"policy_id"`
	Index          int       `json:"index"`
	TransitionedAt time.Time `json:"transitioned_at"`
}

// bucketID identifies a bucket across backends.
func bucketID(b BucketState) string {
	return b.Key + "|" + b.Period + "|" + b.Start.UTC().Format(time.RFC3339Nano)
}

// stageID identifies a stage record across backends.
func stageID(s StageState) string {
	return s.ScopeKey + "|" + s.PolicyID
}
