package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/satanbaby/kernelgraph/exec/emit"
)

// Executor drives graph runs: it owns the deterministic work queue, the
// resource governor, the circuit breaker manager, and the fork/join
// scheduler, and threads state through the graph until a terminal route.
//
// One Executor serves many runs. Circuit breaker state and governor budgets
// are executor-scoped and carry across runs; the work queue is per-run, so
// work IDs restart at 1 each run and identical runs assign identical IDs.
//
// Safe for concurrent Run calls.
type Executor struct {
	graph    *Graph
	opts     Options
	governor *Governor
	breakers *BreakerManager
	sched    *scheduler
}

// New creates an Executor for the graph. Options not supplied fall back to
// defaults (see DefaultConcurrencyOptions, DefaultResourceOptions,
// DefaultCircuitBreakerOptions).
func New(g *Graph, options ...Option) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}

	opts := Options{
		MaxSteps:    defaultMaxSteps,
		Concurrency: DefaultConcurrencyOptions(),
		Resources:   DefaultResourceOptions(),
		Breakers:    DefaultCircuitBreakerOptions(),
	}
	for _, o := range options {
		if err := o(&opts); err != nil {
			return nil, err
		}
	}

	governor, err := NewGovernor(opts.Resources)
	if err != nil {
		return nil, fmt.Errorf("invalid resource options: %w", err)
	}
	breakers, err := NewBreakerManager(opts.Breakers)
	if err != nil {
		return nil, fmt.Errorf("invalid breaker options: %w", err)
	}
	for nodeID, b := range opts.NodeBreakers {
		if err := breakers.Configure(nodeID, b); err != nil {
			return nil, fmt.Errorf("invalid breaker options for node %s: %w", nodeID, err)
		}
	}

	ex := &Executor{
		graph:    g,
		opts:     opts,
		governor: governor,
		breakers: breakers,
		sched: &scheduler{
			graph:    g,
			governor: governor,
			breakers: breakers,
			merger:   NewMerger(opts.Concurrency.MergeConfig),
			opts:     opts.Concurrency,
			emitter:  opts.Emitter,
			metrics:  opts.Metrics,
			store:    opts.Store,
		},
	}

	governor.SetExhaustionHandler(func(ev BudgetExhaustedEvent) {
		ex.emit(emit.Event{
			NodeID: ev.NodeID,
			Msg:    emit.MsgBudgetExhausted,
			At:     ev.Timestamp,
			Meta: map[string]any{
				"cpu_percent":         ev.CPUPercent,
				"available_memory_mb": ev.AvailableMemoryMB,
				"exhaustion_count":    ev.ExhaustionCount,
			},
		})
		opts.Metrics.IncBudgetExhausted(ev.NodeID)
		breakers.RecordExhaustion(ev.NodeID)
	})
	breakers.SetTransitionHandler(func(nodeID string, tr Transition) {
		ex.emit(emit.Event{
			NodeID: nodeID,
			Msg:    emit.MsgCircuitStateChanged,
			At:     tr.At,
			Meta: map[string]any{
				"from":   tr.From.String(),
				"to":     tr.To.String(),
				"reason": tr.Reason,
			},
		})
		opts.Metrics.IncBreakerTransition(nodeID, tr.From, tr.To)
	})

	return ex, nil
}

// Governor exposes the executor's resource governor so a host process can
// feed it system load via UpdateSystemLoad.
func (ex *Executor) Governor() *Governor {
	return ex.governor
}

// Breakers exposes the circuit breaker manager for state inspection.
func (ex *Executor) Breakers() *BreakerManager {
	return ex.breakers
}

// Run executes the graph from its start node with the configured default
// seed. The returned state is the final merged state at the terminal route.
func (ex *Executor) Run(ctx context.Context, initial State) (State, error) {
	return ex.RunWithID(ctx, uuid.NewString(), ex.opts.Seed, initial)
}

// RunSeeded executes the graph with an explicit reproducibility seed.
// Identical seed and identical initial state produce identical scheduling
// and merge decisions.
func (ex *Executor) RunSeeded(ctx context.Context, seed uint64, initial State) (State, error) {
	return ex.RunWithID(ctx, uuid.NewString(), seed, initial)
}

// RunWithID executes the graph under a caller-chosen run ID, which names the
// run in events and trace records. Replay verification re-runs under a fresh
// ID and compares the two traces.
func (ex *Executor) RunWithID(ctx context.Context, runID string, seed uint64, initial State) (State, error) {
	startIdx := ex.graph.startIndex()
	if startIdx < 0 {
		return nil, &ExecError{Code: "NO_START_NODE", Message: "graph has no start node", ExecutionID: runID}
	}

	state, err := initial.Clone()
	if err != nil {
		return nil, fmt.Errorf("cannot clone initial state: %w", err)
	}

	// The queue is per-run so work IDs restart at 1, keeping branch RNG
	// streams and trace records reproducible across runs.
	queue := NewWorkQueue(ex.opts.Concurrency.QueueDepth)
	ec := newExecContext(runID, seed, ex.opts.Resources.DefaultPriority, queue, ex.governor)
	ex.emit(emit.Event{RunID: runID, Msg: emit.MsgRunStarted, At: time.Now(), Meta: map[string]any{"seed": seed}})

	targets := []int{startIdx}
	forkIdx := startIdx
	for step := 1; ; step++ {
		if step > ex.opts.MaxSteps {
			return nil, &ExecError{
				Code:        "MAX_STEPS_EXCEEDED",
				Message:     fmt.Sprintf("run exceeded %d steps", ex.opts.MaxSteps),
				ExecutionID: runID,
				Err:         ErrMaxStepsExceeded,
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, &ExecError{
				Code:        "CANCELLED",
				Message:     "run cancelled: " + err.Error(),
				ExecutionID: runID,
				Err:         ErrCancelled,
			}
		}

		var routes []branchRoute
		if len(targets) == 1 {
			state, routes, err = ex.runSingle(ctx, ec, step, targets[0], state)
		} else {
			state, routes, err = ex.sched.forkJoin(ctx, ec, step, forkIdx, targets, state)
		}
		if err != nil {
			return nil, err
		}

		next, terminal, err := ex.nextTargets(routes, state)
		if err != nil {
			if ee, ok := err.(*ExecError); ok && ee.ExecutionID == "" {
				ee.ExecutionID = runID
			}
			return nil, err
		}
		if terminal {
			ex.emit(emit.Event{RunID: runID, Step: step, Msg: emit.MsgRunCompleted, At: time.Now()})
			return state, nil
		}
		if len(routes) > 0 {
			forkIdx = routes[0].nodeIdx
		}
		targets = next
	}
}

// runSingle executes a lone node (no fork) and applies its delta directly;
// a single writer cannot conflict, so the merger is bypassed.
func (ex *Executor) runSingle(ctx context.Context, ec *ExecContext, step, idx int, state State) (State, []branchRoute, error) {
	entry := ex.graph.entry(idx)

	branchState, err := state.Clone()
	if err != nil {
		return nil, nil, fmt.Errorf("cannot clone state for node %s: %w", entry.id, err)
	}
	item := ec.queue.NewItem(entry.id, ec.Priority, entry.costWeight, branchState)
	out := ex.sched.executeBranch(ctx, ec, step, item, false)
	if out.err != nil {
		if ee, ok := out.err.(*ExecError); ok && ee.ExecutionID == "" {
			ee.ExecutionID = ec.RunID
		}
		return nil, nil, out.err
	}

	state = state.apply(out.delta)
	ex.emit(emit.Event{
		RunID:  ec.RunID,
		Step:   step,
		WorkID: item.WorkID,
		NodeID: entry.id,
		Msg:    emit.MsgNodeCompleted,
		At:     out.completedAt,
	})
	return state, []branchRoute{{workID: item.WorkID, nodeIdx: idx, route: out.route}}, nil
}

// nextTargets resolves the next step's node set from the completed routes.
//
// Routes arrive in work-ID order; the first non-terminal route wins, so
// route selection after a fork is deterministic. A branch that returned no
// explicit route falls back to its node's outgoing edges evaluated against
// the merged state: zero edges means terminal, matching edges route (more
// than one match fans out), edges that all reject is ErrNoRoute.
func (ex *Executor) nextTargets(routes []branchRoute, state State) ([]int, bool, error) {
	for _, br := range routes {
		targets, terminal, err := ex.resolveRoute(br.nodeIdx, br.route, state)
		if err != nil {
			return nil, false, err
		}
		if terminal {
			continue
		}
		return targets, false, nil
	}
	return nil, true, nil
}

// resolveRoute maps one routing decision to arena indices.
func (ex *Executor) resolveRoute(nodeIdx int, route Next, state State) ([]int, bool, error) {
	switch {
	case route.Terminal:
		return nil, true, nil

	case route.To != "":
		idx, ok := ex.graph.lookup(route.To)
		if !ok {
			return nil, false, &ExecError{
				Code:    "NODE_NOT_FOUND",
				Message: "route target does not exist",
				NodeID:  route.To,
			}
		}
		return []int{idx}, false, nil

	case len(route.Many) > 0:
		targets := make([]int, 0, len(route.Many))
		for _, id := range route.Many {
			idx, ok := ex.graph.lookup(id)
			if !ok {
				return nil, false, &ExecError{
					Code:    "NODE_NOT_FOUND",
					Message: "fan-out target does not exist",
					NodeID:  id,
				}
			}
			targets = append(targets, idx)
		}
		return targets, false, nil

	default:
		if !ex.graph.hasEdges(nodeIdx) {
			return nil, true, nil
		}
		targets := ex.graph.matchingEdges(nodeIdx, state)
		if len(targets) == 0 {
			return nil, false, &ExecError{
				Code:    "NO_ROUTE",
				Message: "no outgoing edge predicate matched the current state",
				NodeID:  ex.graph.entry(nodeIdx).id,
				Err:     ErrNoRoute,
			}
		}
		return targets, false, nil
	}
}

func (ex *Executor) emit(ev emit.Event) {
	if ex.opts.Emitter != nil {
		ex.opts.Emitter.Emit(ev)
	}
}
