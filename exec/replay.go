package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/satanbaby/kernelgraph/exec/store"
)

// VerifyReplay checks the determinism contract against recorded traces: two
// runs of the same graph with the same seed and initial state must have made
// identical scheduling and merge decisions.
//
// Comparison is positional over the (Step, WorkID)-sorted records, which
// also covers the work-ID assignment: identical runs assign identical IDs
// in identical order. For each position the node, priority, cost
// weight, and outcome must match; for each merge the joined branch count,
// the conflict reports, and the merged state must match. Wall-clock fields
// are ignored.
//
// The first divergence is returned as an *ExecError wrapping
// ErrReplayMismatch.
func VerifyReplay(ctx context.Context, st store.Store, runA, runB string) error {
	branchesA, err := st.LoadBranches(ctx, runA)
	if err != nil {
		return fmt.Errorf("cannot load branches for run %s: %w", runA, err)
	}
	branchesB, err := st.LoadBranches(ctx, runB)
	if err != nil {
		return fmt.Errorf("cannot load branches for run %s: %w", runB, err)
	}

	if len(branchesA) != len(branchesB) {
		return replayMismatch(fmt.Sprintf("branch count diverged: %d vs %d", len(branchesA), len(branchesB)), "")
	}
	for i := range branchesA {
		a, b := branchesA[i], branchesB[i]
		switch {
		case a.Step != b.Step:
			return replayMismatch(fmt.Sprintf("branch %d: step %d vs %d", i, a.Step, b.Step), a.NodeID)
		case a.NodeID != b.NodeID:
			return replayMismatch(fmt.Sprintf("branch %d: node %s vs %s", i, a.NodeID, b.NodeID), a.NodeID)
		case a.Priority != b.Priority:
			return replayMismatch(fmt.Sprintf("branch %d: priority %s vs %s", i, a.Priority, b.Priority), a.NodeID)
		case a.CostWeight != b.CostWeight:
			return replayMismatch(fmt.Sprintf("branch %d: cost weight %v vs %v", i, a.CostWeight, b.CostWeight), a.NodeID)
		case a.Status != b.Status:
			return replayMismatch(fmt.Sprintf("branch %d: status %s vs %s", i, a.Status, b.Status), a.NodeID)
		}
	}

	mergesA, err := loadMerges(ctx, st, runA)
	if err != nil {
		return err
	}
	mergesB, err := loadMerges(ctx, st, runB)
	if err != nil {
		return err
	}

	if len(mergesA) != len(mergesB) {
		return replayMismatch(fmt.Sprintf("merge count diverged: %d vs %d", len(mergesA), len(mergesB)), "")
	}
	for i := range mergesA {
		a, b := mergesA[i], mergesB[i]
		if a.Step != b.Step {
			return replayMismatch(fmt.Sprintf("merge %d: step %d vs %d", i, a.Step, b.Step), "")
		}
		if len(a.JoinedWorkIDs) != len(b.JoinedWorkIDs) {
			return replayMismatch(fmt.Sprintf("merge %d: joined %d vs %d branches", i, len(a.JoinedWorkIDs), len(b.JoinedWorkIDs)), "")
		}
		if !reflect.DeepEqual(a.Conflicts, b.Conflicts) {
			return replayMismatch(fmt.Sprintf("merge %d: conflict reports diverged", i), "")
		}
		equal, err := statesEqual(a.StateJSON, b.StateJSON)
		if err != nil {
			return err
		}
		if !equal {
			return replayMismatch(fmt.Sprintf("merge %d: merged state diverged", i), "")
		}
	}
	return nil
}

// loadMerges tolerates runs with no merge records: all-sequential runs never
// hit a join point.
func loadMerges(ctx context.Context, st store.Store, runID string) ([]store.MergeRecord, error) {
	merges, err := st.LoadMerges(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot load merges for run %s: %w", runID, err)
	}
	return merges, nil
}

// statesEqual compares two merged-state snapshots semantically, so backends
// that re-encode JSON (MySQL JSON columns) still compare equal.
func statesEqual(a, b []byte) (bool, error) {
	var ma, mb map[string]any
	if err := json.Unmarshal(a, &ma); err != nil {
		return false, fmt.Errorf("cannot decode merged state: %w", err)
	}
	if err := json.Unmarshal(b, &mb); err != nil {
		return false, fmt.Errorf("cannot decode merged state: %w", err)
	}
	return reflect.DeepEqual(ma, mb), nil
}

func replayMismatch(msg, nodeID string) error {
	return &ExecError{
		Code:    "REPLAY_MISMATCH",
		Message: msg,
		NodeID:  nodeID,
		Err:     ErrReplayMismatch,
	}
}
