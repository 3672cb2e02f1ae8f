package store

import (
	"context"
	"sort"
	"sync"
)

// MemStore is the in-memory Store, for tests, development, and
// single-process runs where the trace need not outlive the process.
//
// Thread-safe. Memory grows with trace volume; long-lived processes should
// prefer a database-backed store.
type MemStore struct {
	mu       sync.RWMutex
	branches map[string][]BranchRecord
	merges   map[string][]MergeRecord
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		branches: make(map[string][]BranchRecord),
		merges:   make(map[string][]MergeRecord),
	}
}

// SaveBranch records one branch outcome.
func (m *MemStore) SaveBranch(_ context.Context, runID string, rec BranchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[runID] = append(m.branches[runID], rec)
	return nil
}

// SaveMerge records one merge report.
func (m *MemStore) SaveMerge(_ context.Context, runID string, rec MergeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merges[runID] = append(m.merges[runID], rec)
	return nil
}

// LoadBranches returns branch records sorted by (Step, WorkID).
func (m *MemStore) LoadBranches(_ context.Context, runID string) ([]BranchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records, ok := m.branches[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]BranchRecord, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Step != out[j].Step {
			return out[i].Step < out[j].Step
		}
		return out[i].WorkID < out[j].WorkID
	})
	return out, nil
}

// LoadMerges returns merge records sorted by Step.
func (m *MemStore) LoadMerges(_ context.Context, runID string) ([]MergeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records, ok := m.merges[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]MergeRecord, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error { return nil }
