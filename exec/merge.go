package exec

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

// MergePolicy selects the winning value when two branches wrote the same
// state key.
type MergePolicy int

const (
	// PreferFirst keeps the value from the first branch in deterministic
	// (work-ID) order.
	PreferFirst MergePolicy = iota

	// PreferSecond keeps the value from the last branch in deterministic
	// order.
	PreferSecond

	// LastWriteWins keeps the value from the latest logical write. Write
	// order is the deterministic work order, never wall-clock completion
	// time, so resolution replays identically across runs.
	LastWriteWins

	// Reduce combines both values with a type-specific associative
	// combinator: numeric sum, boolean OR, string concatenation, list
	// concatenation with deduplication, key-wise map merge. A per-key
	// ReduceFunc overrides the builtin.
	Reduce

	// CrdtLike merges composite values structurally: maps merge key-wise
	// (recursively), lists union like sets. Scalar clashes resolve to the
	// later branch in deterministic order.
	CrdtLike

	// FailOnConflict fails the merge naming the key and both values. Use
	// for keys that must never diverge.
	FailOnConflict
)

// String returns the policy name for conflict reports and trace records.
func (p MergePolicy) String() string {
	switch p {
	case PreferFirst:
		return "prefer_first"
	case PreferSecond:
		return "prefer_second"
	case LastWriteWins:
		return "last_write_wins"
	case Reduce:
		return "reduce"
	case CrdtLike:
		return "crdt_like"
	case FailOnConflict:
		return "fail_on_conflict"
	default:
		return "unknown"
	}
}

// ReduceFunc combines two conflicting values for a key under the Reduce
// policy. It must be associative for merge results to be order-independent.
type ReduceFunc func(a, b any) (any, error)

// MergeConfig attaches conflict policies globally, per key, or per value
// type. Exactly one policy resolves each (key, type) pair, chosen by
// precedence: per-key > per-type > default.
type MergeConfig struct {
	// Default applies when no per-key or per-type policy matches.
	Default MergePolicy

	// PerKey maps state keys to policies.
	PerKey map[string]MergePolicy

	// PerType maps TypeKey(value) names ("int", "float64", "string",
	// "bool", "list", "map", ...) to policies.
	PerType map[string]MergePolicy

	// Reducers supplies custom combinators per key, consulted only under
	// the Reduce policy.
	Reducers map[string]ReduceFunc
}

// policyFor resolves the single applicable policy for a key and its value.
func (c MergeConfig) policyFor(key string, value any) MergePolicy {
	if p, ok := c.PerKey[key]; ok {
		return p
	}
	if p, ok := c.PerType[TypeKey(value)]; ok {
		return p
	}
	return c.Default
}

// TypeKey names a value's merge type class. Numeric kinds collapse onto the
// names JSON round-tripping produces so per-type policies behave identically
// before and after a state clone.
func TypeKey(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case bool:
		return "bool"
	case string:
		return "string"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "int"
	case float32, float64:
		return "float64"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	default:
		return reflect.TypeOf(v).String()
	}
}

// BranchState is one branch's contribution to a join-point merge.
type BranchState struct {
	// WorkID is the branch's deterministic identifier; merges iterate
	// branches in ascending WorkID order.
	WorkID uint64

	// NodeID is the node the branch executed.
	NodeID string

	// Delta holds the keys the branch wrote.
	Delta State

	// CompletedAt is the wall-clock completion time. Informational only:
	// no merge decision consults it.
	CompletedAt time.Time

	// Err marks the branch failed; failed branches contribute no state.
	Err error
}

// Conflict reports one key written by more than one branch, including how
// (or whether) it was resolved. Conflicts are returned even for successful
// merges so callers can audit resolution decisions.
type Conflict struct {
	Key          string
	Policy       MergePolicy
	First        any
	Second       any
	FirstNodeID  string
	SecondNodeID string
	Resolved     bool
}

// Merger combines branch-local state deltas into one state under the
// configured conflict policies.
type Merger struct {
	cfg MergeConfig
}

// NewMerger creates a Merger with the given configuration.
func NewMerger(cfg MergeConfig) *Merger {
	return &Merger{cfg: cfg}
}

// winner tracks the current value's provenance for a key during a merge.
type winner struct {
	value  any
	nodeID string
	workID uint64
}

// Merge combines branch deltas into a copy of base.
//
// Branches are processed in ascending WorkID order regardless of the order
// given; within a branch, keys are visited in sorted order so conflict
// reports are deterministic. Failed branches are skipped. Identical values
// written by multiple branches are not conflicts under any policy, which
// makes merging a state with itself a no-op.
//
// The merged state is returned together with every observed conflict. A
// FailOnConflict violation aborts with an *ExecError wrapping
// ErrMergeConflict; conflicts no builtin combinator can resolve are returned
// with Resolved=false, keeping the first value.
func (m *Merger) Merge(base State, branches []BranchState) (State, []Conflict, error) {
	merged, err := base.Clone()
	if err != nil {
		return nil, nil, fmt.Errorf("cannot clone base state: %w", err)
	}

	ordered := make([]BranchState, 0, len(branches))
	for _, b := range branches {
		if b.Err == nil {
			ordered = append(ordered, b)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].WorkID != ordered[j].WorkID {
			return ordered[i].WorkID < ordered[j].WorkID
		}
		return ordered[i].NodeID < ordered[j].NodeID
	})

	writers := make(map[string]winner)
	var conflicts []Conflict

	for _, branch := range ordered {
		keys := make([]string, 0, len(branch.Delta))
		for k := range branch.Delta {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			value := branch.Delta[key]
			prev, contested := writers[key]
			if !contested {
				merged[key] = value
				writers[key] = winner{value: value, nodeID: branch.NodeID, workID: branch.WorkID}
				continue
			}

			if reflect.DeepEqual(prev.value, value) {
				// Agreement is not a conflict; keep the earlier provenance.
				continue
			}

			policy := m.cfg.policyFor(key, value)
			conflict := Conflict{
				Key:          key,
				Policy:       policy,
				First:        prev.value,
				Second:       value,
				FirstNodeID:  prev.nodeID,
				SecondNodeID: branch.NodeID,
				Resolved:     true,
			}

			switch policy {
			case PreferFirst:
				// Keep prev.
			case PreferSecond:
				merged[key] = value
				writers[key] = winner{value: value, nodeID: branch.NodeID, workID: branch.WorkID}
			case LastWriteWins:
				// Branches are visited in ascending work order, so the
				// current branch is always the later logical write.
				merged[key] = value
				writers[key] = winner{value: value, nodeID: branch.NodeID, workID: branch.WorkID}
			case Reduce:
				combined, rerr := m.reduceValues(key, prev.value, value)
				if rerr != nil {
					conflict.Resolved = false
					break
				}
				merged[key] = combined
				writers[key] = winner{value: combined, nodeID: prev.nodeID, workID: prev.workID}
			case CrdtLike:
				combined := crdtMerge(prev.value, value)
				merged[key] = combined
				writers[key] = winner{value: combined, nodeID: prev.nodeID, workID: prev.workID}
			case FailOnConflict:
				conflict.Resolved = false
				conflicts = append(conflicts, conflict)
				return nil, conflicts, &ExecError{
					Code: "MERGE_CONFLICT",
					Message: fmt.Sprintf("key %q diverged: %v (from %s) vs %v (from %s)",
						key, prev.value, prev.nodeID, value, branch.NodeID),
					NodeID: branch.NodeID,
					Err:    ErrMergeConflict,
				}
			}

			conflicts = append(conflicts, conflict)
		}
	}

	return merged, conflicts, nil
}

// reduceValues applies the per-key custom reducer if present, otherwise the
// builtin type-specific combinator.
func (m *Merger) reduceValues(key string, a, b any) (any, error) {
	if fn, ok := m.cfg.Reducers[key]; ok {
		return fn(a, b)
	}
	return builtinReduce(a, b)
}

// builtinReduce combines two values of the same type class: numbers sum,
// booleans OR, strings concatenate, lists concatenate and deduplicate, maps
// merge key-wise.
func builtinReduce(a, b any) (any, error) {
	if ai, aok := asInt(a); aok {
		if bi, bok := asInt(b); bok {
			return ai + bi, nil
		}
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af + bf, nil
		}
	}

	switch av := a.(type) {
	case bool:
		if bv, ok := b.(bool); ok {
			return av || bv, nil
		}
	case string:
		if bv, ok := b.(string); ok {
			return av + bv, nil
		}
	case []any:
		if bv, ok := b.([]any); ok {
			return dedupeConcat(av, bv), nil
		}
	case map[string]any:
		if bv, ok := b.(map[string]any); ok {
			return crdtMergeMaps(av, bv), nil
		}
	}

	return nil, fmt.Errorf("no reduce combinator for %s + %s", TypeKey(a), TypeKey(b))
}

// asInt reports integer-kind values as int64. Floats are excluded even when
// whole so int and float64 reductions stay distinguishable.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true // #nosec G115 -- state values stay far below overflow
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			// Too big for int64 arithmetic; let asFloat handle it.
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

// asFloat reports any numeric value as float64, covering mixed int/float
// sums and JSON-decoded numbers.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint64:
		// Covers values asInt rejects as too big for int64.
		return float64(n), true
	default:
		if i, ok := asInt(v); ok {
			return float64(i), true
		}
		return 0, false
	}
}

// dedupeConcat concatenates two lists, dropping elements already present.
// Order is first list, then unseen elements of the second.
func dedupeConcat(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	out = append(out, a...)
	for _, candidate := range b {
		seen := false
		for _, existing := range out {
			if reflect.DeepEqual(existing, candidate) {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, candidate)
		}
	}
	return out
}

// crdtMerge merges two values structurally: maps key-wise, lists as set
// union. Mismatched or scalar values resolve to b (the later branch in
// deterministic order).
func crdtMerge(a, b any) any {
	if am, ok := a.(map[string]any); ok {
		if bm, ok := b.(map[string]any); ok {
			return crdtMergeMaps(am, bm)
		}
	}
	if al, ok := a.([]any); ok {
		if bl, ok := b.([]any); ok {
			return dedupeConcat(al, bl)
		}
	}
	return b
}

// crdtMergeMaps merges b into a copy of a, recursing into shared keys.
func crdtMergeMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if existing, ok := out[k]; ok {
			out[k] = crdtMerge(existing, v)
			continue
		}
		out[k] = v
	}
	return out
}
