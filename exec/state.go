package exec

import (
	"encoding/json"
	"fmt"
)

// State is the key-value workflow state threaded through a graph run.
//
// Branch executions never share a State: the scheduler clones the parent
// state once per branch, so write races are eliminated by construction and
// divergent writes are reconciled only at the join point by the Merger.
//
// Values must survive a JSON round trip (the clone mechanism). Numbers
// decoded from a clone come back as json's default types (float64 for
// numeric literals), which the Reduce combinators account for.
type State map[string]any

// Clone returns a deep copy of the state via JSON round-trip serialization.
//
// This works for any JSON-marshalable value: primitives, nested maps,
// slices, and structs with exported fields. Channels, functions, and cyclic
// values will fail to marshal and surface as an error.
func (s State) Clone() (State, error) {
	if s == nil {
		return State{}, nil
	}

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	var copied State
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if copied == nil {
		copied = State{}
	}
	return copied, nil
}

// stateToJSON serializes the state with sorted keys, the canonical form
// used by trace records and replay comparison.
func stateToJSON(s State) ([]byte, error) {
	return json.Marshal(s)
}

// apply overwrites s with every key in delta, returning s for chaining.
// Used on the sequential path where a single writer makes conflicts
// impossible; concurrent deltas go through the Merger instead.
func (s State) apply(delta State) State {
	for k, v := range delta {
		s[k] = v
	}
	return s
}
