package exec

import (
	"errors"
	"fmt"
)

// Sentinel errors for the execution core's failure taxonomy. Callers should
// match with errors.Is; the concrete error carried through the call chain is
// usually an *ExecError wrapping one of these.
var (
	// ErrResourceExhausted indicates a permit was unavailable and the caller
	// chose not to wait. Recoverable: retry with backoff.
	ErrResourceExhausted = errors.New("resource budget exhausted")

	// ErrCircuitOpen indicates the target node is currently isolated by its
	// circuit breaker. Recoverable: retry after the open timeout or route to
	// a fallback.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrMergeConflict indicates a FailOnConflict key truly diverged across
	// branches. Fatal for the execution: it signals a data contract
	// violation, not a transient condition.
	ErrMergeConflict = errors.New("state merge conflict")

	// ErrBranchFailed indicates one or more forked branches failed. Sibling
	// branches are never aborted by a failure; the error surfaces at the
	// join point.
	ErrBranchFailed = errors.New("branch execution failed")

	// ErrCancelled indicates the run's cancellation token fired.
	ErrCancelled = errors.New("execution cancelled")

	// ErrMaxStepsExceeded indicates the run loop hit its step limit, the
	// guard against unbounded cyclic execution.
	ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

	// ErrNoRoute indicates a node completed without a terminal route and no
	// outgoing edge predicate matched the current state.
	ErrNoRoute = errors.New("no valid route from node")

	// ErrReplayMismatch indicates two recorded runs diverged where the
	// determinism contract requires them to be identical.
	ErrReplayMismatch = errors.New("replay mismatch")
)

// ExecError is the structured error produced by the execution core. Every
// failure carries the originating node, the execution (run) ID, and the
// scheduling context needed to diagnose it without re-running.
type ExecError struct {
	// Code is a stable machine-readable identifier, e.g. "CIRCUIT_OPEN".
	Code string

	// Message describes the failure.
	Message string

	// NodeID is the node the failure originated at, when known.
	NodeID string

	// ExecutionID is the run this failure occurred in.
	ExecutionID string

	// CostWeight and Priority capture the scheduling parameters in effect.
	CostWeight float64
	Priority   Priority

	// CircuitState is the breaker state observed at failure time, when the
	// breaker was involved.
	CircuitState string

	// Err is the underlying cause, typically one of the sentinel errors.
	Err error
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	msg := e.Message
	if e.NodeID != "" {
		msg = fmt.Sprintf("node %s: %s", e.NodeID, msg)
	}
	if e.Code != "" {
		return e.Code + ": " + msg
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/errors.As matching.
func (e *ExecError) Unwrap() error {
	return e.Err
}
