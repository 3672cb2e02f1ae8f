package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists run traces in a single-file SQLite database.
//
// Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments that want traces to survive restarts
//   - Prototyping before migrating to a server-backed store
//
// The store auto-migrates its schema on first use and enables WAL mode so
// trace reads don't block concurrent branch writers.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./traces.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
// Use ":memory:" as the path for an in-memory database in tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the trace schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time; serialize through one conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS run_branches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		work_id INTEGER NOT NULL,
		step INTEGER NOT NULL,
		node_id TEXT NOT NULL,
		priority TEXT NOT NULL,
		cost_weight REAL NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_run_branches_run ON run_branches(run_id, step, work_id);

	CREATE TABLE IF NOT EXISTS run_merges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		joined_work_ids TEXT NOT NULL,
		conflicts TEXT NOT NULL,
		state_json TEXT NOT NULL,
		merged_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_run_merges_run ON run_merges(run_id, step);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate trace schema: %w", err)
	}
	return nil
}

// SaveBranch records one branch outcome.
func (s *SQLiteStore) SaveBranch(ctx context.Context, runID string, rec BranchRecord) error {
	const q = `
	INSERT INTO run_branches
		(run_id, work_id, step, node_id, priority, cost_weight, started_at, completed_at, status, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q, runID, int64(rec.WorkID), rec.Step, rec.NodeID, // #nosec G115 -- work IDs stay far below int64 max
		rec.Priority, rec.CostWeight, rec.StartedAt, rec.CompletedAt, rec.Status, rec.Error)
	if err != nil {
		return fmt.Errorf("failed to save branch record: %w", err)
	}
	return nil
}

// SaveMerge records one merge report.
func (s *SQLiteStore) SaveMerge(ctx context.Context, runID string, rec MergeRecord) error {
	workIDs, err := json.Marshal(rec.JoinedWorkIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal joined work IDs: %w", err)
	}
	conflicts, err := json.Marshal(rec.Conflicts)
	if err != nil {
		return fmt.Errorf("failed to marshal conflicts: %w", err)
	}

	const q = `
	INSERT INTO run_merges (run_id, step, joined_work_ids, conflicts, state_json, merged_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, q, runID, rec.Step, string(workIDs), string(conflicts),
		string(rec.StateJSON), rec.At)
	if err != nil {
		return fmt.Errorf("failed to save merge record: %w", err)
	}
	return nil
}

// LoadBranches returns a run's branch records sorted by (Step, WorkID).
func (s *SQLiteStore) LoadBranches(ctx context.Context, runID string) ([]BranchRecord, error) {
	const q = `
	SELECT work_id, step, node_id, priority, cost_weight, started_at, completed_at, status, error
	FROM run_branches WHERE run_id = ? ORDER BY step, work_id`

	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query branch records: %w", err)
	}
	defer rows.Close()

	var out []BranchRecord
	for rows.Next() {
		var rec BranchRecord
		var workID int64
		var started, completed time.Time
		if err := rows.Scan(&workID, &rec.Step, &rec.NodeID, &rec.Priority, &rec.CostWeight,
			&started, &completed, &rec.Status, &rec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan branch record: %w", err)
		}
		rec.WorkID = uint64(workID) // #nosec G115 -- stored from uint64
		rec.StartedAt = started
		rec.CompletedAt = completed
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate branch records: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// LoadMerges returns a run's merge records sorted by Step.
func (s *SQLiteStore) LoadMerges(ctx context.Context, runID string) ([]MergeRecord, error) {
	const q = `
	SELECT step, joined_work_ids, conflicts, state_json, merged_at
	FROM run_merges WHERE run_id = ? ORDER BY step`

	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query merge records: %w", err)
	}
	defer rows.Close()

	var out []MergeRecord
	for rows.Next() {
		var rec MergeRecord
		var workIDs, conflicts, stateJSON string
		if err := rows.Scan(&rec.Step, &workIDs, &conflicts, &stateJSON, &rec.At); err != nil {
			return nil, fmt.Errorf("failed to scan merge record: %w", err)
		}
		if err := json.Unmarshal([]byte(workIDs), &rec.JoinedWorkIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal joined work IDs: %w", err)
		}
		if err := json.Unmarshal([]byte(conflicts), &rec.Conflicts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conflicts: %w", err)
		}
		rec.StateJSON = []byte(stateJSON)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate merge records: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
