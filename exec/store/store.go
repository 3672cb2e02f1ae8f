// Package store records execution traces for kernelgraph runs: branch
// outcomes and join-point merge reports in deterministic work-ID order.
//
// The trace exists for audit and replay verification, not for resuming
// in-flight work. The execution core functions identically with no store
// attached.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run ID has no recorded trace.
var ErrNotFound = errors.New("not found")

// BranchRecord is one branch execution outcome.
type BranchRecord struct {
	// WorkID is the branch's deterministic work-item ID.
	WorkID uint64

	// Step is the run-loop step the fork happened at.
	Step int

	// NodeID is the node the branch executed.
	NodeID string

	// Priority and CostWeight capture the scheduling parameters.
	Priority   string
	CostWeight float64

	// StartedAt / CompletedAt are wall-clock bounds. Informational only;
	// ordering is by (Step, WorkID).
	StartedAt   time.Time
	CompletedAt time.Time

	// Status is "success", "failed", or "cancelled".
	Status string

	// Error holds the failure message for non-success statuses.
	Error string
}

// ConflictRecord is one merge conflict in compact, storable form.
type ConflictRecord struct {
	Key      string `json:"key"`
	Policy   string `json:"policy"`
	Resolved bool   `json:"resolved"`
}

// MergeRecord is one join-point merge report.
type MergeRecord struct {
	// Step is the run-loop step the join happened at.
	Step int

	// JoinedWorkIDs lists the merged branches in deterministic order.
	JoinedWorkIDs []uint64

	// Conflicts lists every observed conflict in report order.
	Conflicts []ConflictRecord

	// StateJSON is the merged state serialized as JSON.
	StateJSON []byte

	// At is the wall-clock merge time.
	At time.Time
}

// Store persists run traces.
//
// Implementations must be safe for concurrent writers: branch records arrive
// from parallel workers. Reads return records sorted by (Step, WorkID) for
// branches and by Step for merges.
type Store interface {
	// SaveBranch records one branch outcome.
	SaveBranch(ctx context.Context, runID string, rec BranchRecord) error

	// SaveMerge records one join-point merge report.
	SaveMerge(ctx context.Context, runID string, rec MergeRecord) error

	// LoadBranches returns a run's branch records sorted by (Step, WorkID).
	// Returns ErrNotFound when the run recorded nothing.
	LoadBranches(ctx context.Context, runID string) ([]BranchRecord, error)

	// LoadMerges returns a run's merge records sorted by Step.
	// Returns ErrNotFound when the run recorded nothing.
	LoadMerges(ctx context.Context, runID string) ([]MergeRecord, error)

	// Close releases backend resources.
	Close() error
}
