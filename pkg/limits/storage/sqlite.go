package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteBackend implements Backend using SQLite for persistence.
// It suits single-instance deployments that need usage to survive restarts.
//
// The database runs in WAL mode and is checkpointed periodically.
type SQLiteBackend struct {
	db                 *sql.DB
	dbPath             string
	checkpointInterval time.Duration
	done               chan struct{}
	mu                 sync.RWMutex
	closeOnce          sync.Once

	insertBucketStmt *sql.Stmt
	insertStageStmt  *sql.Stmt
	cleanupStmt      *sql.Stmt
}

// SQLiteBackendConfig configures the SQLite backend.
type SQLiteBackendConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteBackend creates a new SQLite storage backend with default settings.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	return NewSQLiteBackendWithConfig(SQLiteBackendConfig{DBPath: dbPath})
}

// NewSQLiteBackendWithConfig creates a new SQLite backend with custom configuration.
func NewSQLiteBackendWithConfig(cfg SQLiteBackendConfig) (*SQLiteBackend, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.DBPath, int(cfg.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	backend := &SQLiteBackend{
		db:                 db,
		dbPath:             cfg.DBPath,
		checkpointInterval: cfg.CheckpointInterval,
		done:               make(chan struct{}),
	}

	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := backend.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	go backend.checkpointLoop()

	return backend, nil
}

func (s *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bucket_states (
		scope_key TEXT NOT NULL,
		period TEXT NOT NULL,
		window_start INTEGER NOT NULL,
		window_end INTEGER NOT NULL,
		cost TEXT NOT NULL,
		tokens INTEGER NOT NULL,
		requests INTEGER NOT NULL,
		highest_threshold REAL NOT NULL,
		PRIMARY KEY (scope_key, period, window_start)
	);

	CREATE INDEX IF NOT EXISTS idx_bucket_window_end ON bucket_states(window_end);

	CREATE TABLE IF NOT EXISTS stage_states (
		scope_key TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		stage_index INTEGER NOT NULL,
		transitioned_at INTEGER NOT NULL,
		PRIMARY KEY (scope_key, policy_id)
	);

	CREATE TABLE IF NOT EXISTS snapshot_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		taken_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteBackend) prepareStatements() error {
	var err error

	s.insertBucketStmt, err = s.db.Prepare(`
		INSERT INTO bucket_states (scope_key, period, window_start, window_end, cost, tokens, requests, highest_threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope_key, period, window_start) DO UPDATE SET
			window_end = excluded.window_end,
			cost = excluded.cost,
			tokens = excluded.tokens,
			requests = excluded.requests,
			highest_threshold = excluded.highest_threshold
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare bucket insert statement: %w", err)
	}

	s.insertStageStmt, err = s.db.Prepare(`
		INSERT INTO stage_states (scope_key, policy_id, stage_index, transitioned_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (scope_key, policy_id) DO UPDATE SET
			stage_index = excluded.stage_index,
			transitioned_at = excluded.transitioned_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare stage insert statement: %w", err)
	}

	s.cleanupStmt, err = s.db.Prepare(`
		DELETE FROM bucket_states
		WHERE window_end < ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}

	return nil
}

// Save replaces the stored snapshot in a single transaction.
func (s *SQLiteBackend) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bucket_states`); err != nil {
		return fmt.Errorf("failed to clear buckets: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stage_states`); err != nil {
		return fmt.Errorf("failed to clear stages: %w", err)
	}

	insertBucket := tx.StmtContext(ctx, s.insertBucketStmt)
	for _, b := range snap.Buckets {
		_, err := insertBucket.ExecContext(ctx,
			b.Key,
			b.Period,
			b.Start.UnixNano(),
			b.End.UnixNano(),
			b.Cost.String(),
			b.Tokens,
			b.Requests,
			b.HighestThreshold,
		)
		if err != nil {
			return fmt.Errorf("failed to save bucket %q: %w", b.Key, err)
		}
	}

	insertStage := tx.StmtContext(ctx, s.insertStageStmt)
	for _, st := range snap.Stages {
		_, err := insertStage.ExecContext(ctx,
			st.ScopeKey,
			st.PolicyID,
			st.Index,
			st.TransitionedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to save stage %q/%q: %w", st.ScopeKey, st.PolicyID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshot_meta (id, taken_at) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET taken_at = excluded.taken_at
	`, snap.TakenAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save snapshot metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// Load reads the stored snapshot. It returns nil if none was ever saved.
func (s *SQLiteBackend) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var takenAt int64
	err := s.db.QueryRowContext(ctx, `SELECT taken_at FROM snapshot_meta WHERE id = 1`).Scan(&takenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot metadata: %w", err)
	}

	snap := &Snapshot{TakenAt: time.Unix(0, takenAt).UTC()}

	// Each query is drained before the next one starts: the pool holds a
	// single connection.
	if snap.Buckets, err = s.loadBuckets(ctx); err != nil {
		return nil, err
	}
	if snap.Stages, err = s.loadStages(ctx); err != nil {
		return nil, err
	}

	return snap, nil
}

func (s *SQLiteBackend) loadBuckets(ctx context.Context) ([]BucketState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope_key, period, window_start, window_end, cost, tokens, requests, highest_threshold
		FROM bucket_states
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load buckets: %w", err)
	}
	defer rows.Close()

	var buckets []BucketState
	for rows.Next() {
		var (
			b          BucketState
			start, end int64
			cost       string
		)
		if err := rows.Scan(&b.Key, &b.Period, &start, &end, &cost, &b.Tokens, &b.Requests, &b.HighestThreshold); err != nil {
			return nil, fmt.Errorf("failed to scan bucket row: %w", err)
		}
		b.Start = time.Unix(0, start).UTC()
		b.End = time.Unix(0, end).UTC()
		if b.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("invalid stored cost %q for %q: %w", cost, b.Key, err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bucket rows: %w", err)
	}
	return buckets, nil
}

func (s *SQLiteBackend) loadStages(ctx context.Context) ([]StageState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope_key, policy_id, stage_index, transitioned_at
		FROM stage_states
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load stages: %w", err)
	}
	defer rows.Close()

	var stages []StageState
	for rows.Next() {
		var (
			st StageState
			at int64
		)
		if err := rows.Scan(&st.ScopeKey, &st.PolicyID, &st.Index, &at); err != nil {
			return nil, fmt.Errorf("failed to scan stage row: %w", err)
		}
		st.TransitionedAt = time.Unix(0, at).UTC()
		stages = append(stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage rows: %w", err)
	}
	return stages, nil
}

// Cleanup removes buckets whose window ended before olderThan.
func (s *SQLiteBackend) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.cleanupStmt.ExecContext(ctx, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(deleted), nil
}

// Close releases any resources held by the backend.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteBackend) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.done)

		if s.insertBucketStmt != nil {
			s.insertBucketStmt.Close()
		}
		if s.insertStageStmt != nil {
			s.insertStageStmt.Close()
		}
		if s.cleanupStmt != nil {
			s.cleanupStmt.Close()
		}

		if s.db != nil {
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})

	return closeErr
}

func (s *SQLiteBackend) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}
