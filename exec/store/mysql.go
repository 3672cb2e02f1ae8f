package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore persists run traces in MySQL/MariaDB.
//
// Designed for:
//   - Production deployments requiring durable audit trails
//   - Multiple worker processes writing traces to a shared database
//   - Replay verification across process restarts
//
// MySQLStore uses connection pooling and auto-migrates its schema.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore creates a MySQL-backed trace store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Add parseTime=true so TIMESTAMP columns scan into time.Time:
//
//	user:password@tcp(localhost:3306)/traces?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment:
//
//	dsn := os.Getenv("MYSQL_DSN")
//	st, err := store.NewMySQLStore(dsn)
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (m *MySQLStore) migrate(ctx context.Context) error {
	branchesTable := `
		CREATE TABLE IF NOT EXISTS run_branches (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			work_id BIGINT NOT NULL,
			step INT NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			priority VARCHAR(16) NOT NULL,
			cost_weight DOUBLE NOT NULL,
			started_at TIMESTAMP(6) NOT NULL,
			completed_at TIMESTAMP(6) NOT NULL,
			status VARCHAR(16) NOT NULL,
			error TEXT NOT NULL,
			INDEX idx_run_branches_run (run_id, step, work_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, branchesTable); err != nil {
		return fmt.Errorf("failed to create run_branches table: %w", err)
	}

	mergesTable := `
		CREATE TABLE IF NOT EXISTS run_merges (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			step INT NOT NULL,
			joined_work_ids JSON NOT NULL,
			conflicts JSON NOT NULL,
			state_json JSON NOT NULL,
			merged_at TIMESTAMP(6) NOT NULL,
			INDEX idx_run_merges_run (run_id, step)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, mergesTable); err != nil {
		return fmt.Errorf("failed to create run_merges table: %w", err)
	}
	return nil
}

// SaveBranch records one branch outcome.
func (m *MySQLStore) SaveBranch(ctx context.Context, runID string, rec BranchRecord) error {
	const q = `
		INSERT INTO run_branches
			(run_id, work_id, step, node_id, priority, cost_weight, started_at, completed_at, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := m.db.ExecContext(ctx, q, runID, int64(rec.WorkID), rec.Step, rec.NodeID, // #nosec G115 -- work IDs stay far below int64 max
		rec.Priority, rec.CostWeight, rec.StartedAt, rec.CompletedAt, rec.Status, rec.Error)
	if err != nil {
		return fmt.Errorf("failed to save branch record: %w", err)
	}
	return nil
}

// SaveMerge records one merge report.
func (m *MySQLStore) SaveMerge(ctx context.Context, runID string, rec MergeRecord) error {
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

	_, err = m.db.ExecContext(ctx, q, runID, rec.Step, string(workIDs), string(conflicts),
		string(rec.StateJSON), rec.At)
	if err != nil {
		return fmt.Errorf("failed to save merge record: %w", err)
	}
	return nil
}

// LoadBranches returns a run's branch records sorted by (Step, WorkID).
func (m *MySQLStore) LoadBranches(ctx context.Context, runID string) ([]BranchRecord, error) {
	const q = `
		SELECT work_id, step, node_id, priority, cost_weight, started_at, completed_at, status, error
		FROM run_branches WHERE run_id = ? ORDER BY step, work_id`

	rows, err := m.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query branch records: %w", err)
	}
	defer rows.Close()

	var out []BranchRecord
	for rows.Next() {
		var rec BranchRecord
		var workID int64
		if err := rows.Scan(&workID, &rec.Step, &rec.NodeID, &rec.Priority, &rec.CostWeight,
			&rec.StartedAt, &rec.CompletedAt, &rec.Status, &rec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan branch record: %w", err)
		}
		rec.WorkID = uint64(workID) // #nosec G115 -- stored from uint64
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
func (m *MySQLStore) LoadMerges(ctx context.Context, runID string) ([]MergeRecord, error) {
	const q = `
		SELECT step, joined_work_ids, conflicts, state_json, merged_at
		FROM run_merges WHERE run_id = ? ORDER BY step`

	rows, err := m.db.QueryContext(ctx, q, runID)
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
func (m *MySQLStore) Close() error {
	return m.db.Close()
}
