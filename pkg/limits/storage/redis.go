package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on Redis so several engine instances can
// restore from a shared snapshot.
//
// Data layout:
//   - "{prefix}:buckets": hash of bucket id → JSON(BucketState)
//   - "{prefix}:stages":  hash of scope key|policy id → JSON(StageState)
//   - "{prefix}:meta":    string holding the snapshot timestamp (RFC 3339)
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisBackend connects to the Redis server at redisURL.
//
//	backend, err := storage.NewRedisBackend("redis://localhost:6379/0", "costguard")
func NewRedisBackend(redisURL, keyPrefix string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "costguard"
	}
	return NewRedisBackendWithClient(redis.NewClient(opts), keyPrefix), nil
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(client *redis.Client, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) bucketsKey() string { return r.keyPrefix + ":buckets" }
func (r *RedisBackend) stagesKey() string { return r.keyPrefix + ":stages" }
func (r *RedisBackend) metaKey() string { return r.keyPrefix + ":meta" }

// Save replaces the stored snapshot atomically (MULTI/EXEC).
func (r *RedisBackend) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}

	buckets := make(map[string]interface{}, len(snap.Buckets))
	for _, b := range snap.Buckets {
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to serialize bucket %q: %w", b.Key, err)
		}
		buckets[bucketID(b)] = string(data)
	}

	stages := make(map[string]interface{}, len(snap.Stages))
	for _, st := range snap.Stages {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to serialize stage %q: %w", st.ScopeKey, err)
		}
		stages[stageID(st)] = string(data)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.bucketsKey(), r.stagesKey())
		if len(buckets) > 0 {
			pipe.HSet(ctx, r.bucketsKey(), buckets)
		}
		if len(stages) > 0 {
			pipe.HSet(ctx, r.stagesKey(), stages)
		}
		pipe.Set(ctx, r.metaKey(), snap.TakenAt.UTC().Format(time.RFC3339Nano), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Load reads the stored snapshot. It returns nil if none was ever saved.
func (r *RedisBackend) Load(ctx context.Context) (*Snapshot, error) {
	meta, err := r.client.Get(ctx, r.metaKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot metadata: %w", err)
	}

	takenAt, err := time.Parse(time.RFC3339Nano, meta)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot timestamp %q: %w", meta, err)
	}
	snap := &Snapshot{TakenAt: takenAt}

	rawBuckets, err := r.client.HGetAll(ctx, r.bucketsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load buckets: %w", err)
	}
	for id, data := range rawBuckets {
		var b BucketState
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, fmt.Errorf("failed to deserialize bucket %q: %w", id, err)
		}
		snap.Buckets = append(snap.Buckets, b)
	}

	rawStages, err := r.client.HGetAll(ctx, r.stagesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load stages: %w", err)
	}
	for id, data := range rawStages {
		var st StageState
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return nil, fmt.Errorf("failed to deserialize stage %q: %w", id, err)
		}
		snap.Stages = append(snap.Stages, st)
	}

	return snap, nil
}

// Cleanup removes buckets whose window ended before olderThan.
func (r *RedisBackend) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	raw, err := r.client.HGetAll(ctx, r.bucketsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan buckets: %w", err)
	}

	var stale []string
	for id, data := range raw {
		var b BucketState
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			// Unreadable entries can never be restored.
			stale = append(stale, id)
			continue
		}
		if b.End.Before(olderThan) {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	deleted, err := r.client.HDel(ctx, r.bucketsKey(), stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete buckets: %w", err)
	}
	return int(deleted), nil
}

// Close closes the Redis client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
