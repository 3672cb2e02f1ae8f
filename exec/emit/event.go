package emit

import "time"

// Message names for events emitted by the execution core. Emitters can key
// filtering and routing off these instead of parsing free text.
const (
	// MsgRunStarted and MsgRunCompleted bracket a whole graph run.
	MsgRunStarted   = "run_started"
	MsgRunCompleted = "run_completed"

	// MsgNodeCompleted reports a sequential (non-forked) node completion.
	MsgNodeCompleted = "node_completed"

	// MsgBranchStarted and MsgBranchCompleted bracket one forked branch.
	MsgBranchStarted   = "parallel_branch_started"
	MsgBranchCompleted = "parallel_branch_completed"

	// MsgMergeCompleted reports a join-point state merge; Meta carries
	// "conflict_count".
	MsgMergeCompleted = "state_merge_completed"

	// MsgBudgetExhausted reports resource governor throttling; Meta carries
	// "cpu_percent", "available_memory_mb", and "exhaustion_count".
	MsgBudgetExhausted = "budget_exhausted"

	// MsgCircuitStateChanged reports a breaker transition; Meta carries
	// "from" and "to".
	MsgCircuitStateChanged = "circuit_state_changed"
)

// Event is an observability record emitted during workflow execution.
//
// The core functions identically with or without an attached emitter; events
// never feed back into scheduling decisions.
type Event struct {
	// RunID identifies the graph run that emitted this event.
	RunID string

	// Step is the run-loop step number (1-indexed). Zero for run-level
	// events.
	Step int

	// WorkID is the deterministic work-item ID for branch-scoped events.
	// Zero for events outside a fork.
	WorkID uint64

	// NodeID identifies the node involved, empty for run-level events.
	NodeID string

	// Msg is one of the Msg* constants.
	Msg string

	// At is the wall-clock emission time. Informational only: consumers
	// needing a stable order must sort by (Step, WorkID).
	At time.Time

	// Meta carries event-specific structured data.
	Meta map[string]any
}
