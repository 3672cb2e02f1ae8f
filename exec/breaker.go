package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the per-node circuit state.
type BreakerState int

const (
	// BreakerClosed passes all calls through.
	BreakerClosed BreakerState = iota

	// BreakerOpen short-circuits calls to the fallback (or to an error)
	// until the open timeout elapses.
	BreakerOpen

	// BreakerHalfOpen admits a limited number of probe calls to test
	// whether the node has recovered.
	BreakerHalfOpen
)

// String returns the state name for logs and events.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerOptions configures breaker behavior, registered globally or
// per node ID.
type CircuitBreakerOptions struct {
	// Enabled turns the breaker on. When false Execute always invokes the
	// operation directly.
	Enabled bool

	// FailureThreshold is how many failures within FailureWindow trip the
	// breaker open.
	FailureThreshold int

	// OpenTimeout is how long an open breaker waits before moving to
	// half-open.
	OpenTimeout time.Duration

	// HalfOpenRetryCount is the number of probe calls admitted while
	// half-open.
	HalfOpenRetryCount int

	// FailureWindow is the rolling window failures are counted within. The
	// window starts at the first failure and resets when it expires.
	FailureWindow time.Duration

	// TriggerOnBudgetExhaustion counts sustained resource-governor
	// exhaustion reports for a node as failures.
	TriggerOnBudgetExhaustion bool
}

// DefaultCircuitBreakerOptions returns the breaker defaults: 5 failures in a
// 60s window trip the breaker, 30s open timeout, 1 half-open probe.
func DefaultCircuitBreakerOptions() CircuitBreakerOptions {
	return CircuitBreakerOptions{
		Enabled:            true,
		FailureThreshold:   5,
		OpenTimeout:        30 * time.Second,
		HalfOpenRetryCount: 1,
		FailureWindow:      60 * time.Second,
	}
}

// Validate reports configuration errors.
func (o CircuitBreakerOptions) Validate() error {
	if !o.Enabled {
		return nil
	}
	if o.FailureThreshold < 1 {
		return fmt.Errorf("FailureThreshold must be >= 1, got %d", o.FailureThreshold)
	}
	if o.OpenTimeout <= 0 {
		return fmt.Errorf("OpenTimeout must be positive, got %v", o.OpenTimeout)
	}
	if o.HalfOpenRetryCount < 1 {
		return fmt.Errorf("HalfOpenRetryCount must be >= 1, got %d", o.HalfOpenRetryCount)
	}
	if o.FailureWindow <= 0 {
		return fmt.Errorf("FailureWindow must be positive, got %v", o.FailureWindow)
	}
	return nil
}

// Transition is one recorded breaker state change.
type Transition struct {
	From   BreakerState
	To     BreakerState
	At     time.Time
	Reason string
}

// maxTransitionLog bounds the per-node transition history kept in memory.
const maxTransitionLog = 64

// breaker is the per-node state machine. All fields are guarded by the
// owning manager's mutex.
type breaker struct {
	opts CircuitBreakerOptions

	state          BreakerState
	failureCount   int
	windowStart    time.Time
	openedAt       time.Time
	halfOpenProbes int

	transitions []Transition
}

func (b *breaker) transition(to BreakerState, at time.Time, reason string) Transition {
	tr := Transition{From: b.state, To: to, At: at, Reason: reason}
	b.state = to
	b.transitions = append(b.transitions, tr)
	if len(b.transitions) > maxTransitionLog {
		b.transitions = b.transitions[len(b.transitions)-maxTransitionLog:]
	}
	return tr
}

// Operation is the guarded call: it receives the branch context and returns
// the node's state delta.
type Operation func(ctx context.Context) (State, error)

// BreakerManager tracks one circuit breaker per node. Breaker state persists
// for the manager's lifetime, across graph runs: a node that melted down in
// one run stays isolated in the next.
//
// Safe for concurrent use from multiple branch workers.
type BreakerManager struct {
	mu       sync.Mutex
	defaults CircuitBreakerOptions
	perNode  map[string]CircuitBreakerOptions
	breakers map[string]*breaker

	// onTransition is invoked (outside the lock) for every state change;
	// the executor wires it to the event sink and metrics.
	onTransition func(nodeID string, tr Transition)
}

// NewBreakerManager creates a manager with the given global defaults.
func NewBreakerManager(defaults CircuitBreakerOptions) (*BreakerManager, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &BreakerManager{
		defaults: defaults,
		perNode:  make(map[string]CircuitBreakerOptions),
		breakers: make(map[string]*breaker),
	}, nil
}

// Configure registers node-specific options, overriding the defaults for
// that node. Must be called before the node's breaker is first exercised to
// take effect.
func (m *BreakerManager) Configure(nodeID string, opts CircuitBreakerOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perNode[nodeID] = opts
	if br, ok := m.breakers[nodeID]; ok {
		br.opts = opts
	}
	return nil
}

// SetTransitionHandler registers the state-change callback.
func (m *BreakerManager) SetTransitionHandler(fn func(nodeID string, tr Transition)) {
	m.mu.Lock()
	m.onTransition = fn
	m.mu.Unlock()
}

// Execute guards one node invocation.
//
// State handling before calling op:
//   - Open: the fallback is invoked if present, otherwise the call fails
//     with ErrCircuitOpen. Once OpenTimeout has elapsed the breaker moves to
//     half-open and the call proceeds as a probe.
//   - HalfOpen: up to HalfOpenRetryCount probes are admitted; excess calls
//     are treated as if the breaker were open.
//   - Closed: op is always called.
//
// A successful call closes a half-open breaker; a failed probe re-opens it.
// Context cancellation is not counted as a node fault.
func (m *BreakerManager) Execute(ctx context.Context, nodeID, executionID string, op Operation, fallback Operation) (State, error) {
	br, admitted, state := m.admit(nodeID)
	if !admitted {
		if fallback != nil {
			return fallback(ctx)
		}
		return nil, &ExecError{
			Code:         "CIRCUIT_OPEN",
			Message:      "node isolated by circuit breaker",
			NodeID:       nodeID,
			ExecutionID:  executionID,
			CircuitState: state.String(),
			Err:          ErrCircuitOpen,
		}
	}

	delta, err := op(ctx)
	if br == nil {
		// Breaker disabled for this node; nothing to record.
		return delta, err
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
			// A cancelled call says nothing about node health. Give the
			// probe slot back so a later call can still test recovery.
			m.returnProbe(nodeID)
			return delta, err
		}
		m.RecordFailure(nodeID)
		return delta, err
	}
	m.RecordSuccess(nodeID)
	return delta, nil
}

// admit decides whether a call for nodeID may proceed. It returns the
// breaker (nil when disabled), whether the call is admitted, and the state
// observed.
func (m *BreakerManager) admit(nodeID string) (*breaker, bool, BreakerState) {
	m.mu.Lock()
	br := m.breakerLocked(nodeID)
	if !br.opts.Enabled {
		m.mu.Unlock()
		return nil, true, BreakerClosed
	}

	now := time.Now()
	var fired *Transition
	admitted := false
	switch br.state {
	case BreakerClosed:
		admitted = true
	case BreakerOpen:
		if now.Sub(br.openedAt) >= br.opts.OpenTimeout {
			tr := br.transition(BreakerHalfOpen, now, "open timeout elapsed")
			fired = &tr
			br.halfOpenProbes = 1
			admitted = true
		}
	case BreakerHalfOpen:
		if br.halfOpenProbes < br.opts.HalfOpenRetryCount {
			br.halfOpenProbes++
			admitted = true
		}
	}
	state := br.state
	handler := m.onTransition
	m.mu.Unlock()

	if fired != nil && handler != nil {
		handler(nodeID, *fired)
	}
	return br, admitted, state
}

// returnProbe releases a half-open probe slot after a call that produced no
// verdict on the node's health.
func (m *BreakerManager) returnProbe(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	br := m.breakerLocked(nodeID)
	if br.opts.Enabled && br.state == BreakerHalfOpen && br.halfOpenProbes > 0 {
		br.halfOpenProbes--
	}
}

// RecordSuccess reports a successful node execution.
func (m *BreakerManager) RecordSuccess(nodeID string) {
	m.mu.Lock()
	br := m.breakerLocked(nodeID)
	var fired *Transition
	if br.opts.Enabled && br.state == BreakerHalfOpen {
		tr := br.transition(BreakerClosed, time.Now(), "probe succeeded")
		fired = &tr
		br.failureCount = 0
		br.halfOpenProbes = 0
	}
	handler := m.onTransition
	m.mu.Unlock()

	if fired != nil && handler != nil {
		handler(nodeID, *fired)
	}
}

// RecordFailure reports a failed node execution and trips the breaker when
// the threshold is reached within the failure window.
func (m *BreakerManager) RecordFailure(nodeID string) {
	m.recordFault(nodeID, "failure threshold reached")
}

// RecordExhaustion reports sustained resource-budget exhaustion for a node.
// It counts toward the failure threshold only when the node's options set
// TriggerOnBudgetExhaustion.
func (m *BreakerManager) RecordExhaustion(nodeID string) {
	m.mu.Lock()
	br := m.breakerLocked(nodeID)
	trigger := br.opts.Enabled && br.opts.TriggerOnBudgetExhaustion
	m.mu.Unlock()
	if trigger {
		m.recordFault(nodeID, "sustained budget exhaustion")
	}
}

func (m *BreakerManager) recordFault(nodeID, openReason string) {
	m.mu.Lock()
	br := m.breakerLocked(nodeID)
	if !br.opts.Enabled {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	var fired *Transition
	switch br.state {
	case BreakerHalfOpen:
		tr := br.transition(BreakerOpen, now, "probe failed")
		fired = &tr
		br.openedAt = now
		br.halfOpenProbes = 0
	case BreakerClosed:
		if br.failureCount == 0 || now.Sub(br.windowStart) >= br.opts.FailureWindow {
			br.windowStart = now
			br.failureCount = 0
		}
		br.failureCount++
		if br.failureCount >= br.opts.FailureThreshold {
			tr := br.transition(BreakerOpen, now, openReason)
			fired = &tr
			br.openedAt = now
		}
	case BreakerOpen:
		// Already isolated; nothing to count.
	}
	handler := m.onTransition
	m.mu.Unlock()

	if fired != nil && handler != nil {
		handler(nodeID, *fired)
	}
}

// State returns the current breaker state for a node.
func (m *BreakerManager) State(nodeID string) BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breakerLocked(nodeID).state
}

// Transitions returns a copy of the recorded state changes for a node,
// oldest first.
func (m *BreakerManager) Transitions(nodeID string) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	br := m.breakerLocked(nodeID)
	out := make([]Transition, len(br.transitions))
	copy(out, br.transitions)
	return out
}

func (m *BreakerManager) breakerLocked(nodeID string) *breaker {
	br, ok := m.breakers[nodeID]
	if !ok {
		opts := m.defaults
		if perNode, found := m.perNode[nodeID]; found {
			opts = perNode
		}
		br = &breaker{opts: opts, state: BreakerClosed}
		m.breakers[nodeID] = br
	}
	return br
}
