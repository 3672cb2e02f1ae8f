package exec

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/satanbaby/kernelgraph/exec/emit"
	"github.com/satanbaby/kernelgraph/exec/store"
)

// scheduler runs fan-outs: it clones state per branch, executes the branches
// on a bounded worker pool (or sequentially, same semantics), and joins the
// results through the Merger in deterministic work-ID order.
type scheduler struct {
	graph    *Graph
	governor *Governor
	breakers *BreakerManager
	merger   *Merger
	opts     ConcurrencyOptions

	emitter emit.Emitter
	metrics *PrometheusMetrics
	store   store.Store

	inflight atomic.Int64
}

// branchOutcome is one branch's full result: the node's delta and route,
// the error if it failed, and the wall-clock bounds for the trace.
type branchOutcome struct {
	item        WorkItem
	delta       State
	route       Next
	err         error
	startedAt   time.Time
	completedAt time.Time
}

func (o branchOutcome) status() string {
	switch {
	case o.err == nil:
		return "success"
	case errors.Is(o.err, ErrCancelled) || errors.Is(o.err, context.Canceled):
		return "cancelled"
	default:
		return "failed"
	}
}

// branchRoute pairs a branch's routing decision with its work ID so the run
// loop can choose the next route deterministically.
type branchRoute struct {
	workID  uint64
	nodeIdx int
	route   Next
}

// forkJoin executes one fan-out and returns the merged state plus the
// surviving branches' routes in ascending work-ID order.
//
// Work IDs are assigned to branches in target order before anything runs, so
// the merge order is fixed no matter how the concurrent executions
// interleave. When the fork sits on a cycle and FallbackToSequentialOnCycles
// is set, or parallelism is disabled, the branches run one at a time with
// identical clone-and-merge semantics.
func (s *scheduler) forkJoin(ctx context.Context, ec *ExecContext, step, forkIdx int, targets []int, base State) (State, []branchRoute, error) {
	items := make([]WorkItem, 0, len(targets))
	itemIdx := make(map[uint64]int, len(targets))
	for _, idx := range targets {
		entry := s.graph.entry(idx)
		branchState, err := base.Clone()
		if err != nil {
			return nil, nil, fmt.Errorf("cannot clone state for branch %s: %w", entry.id, err)
		}
		item := ec.queue.NewItem(entry.id, ec.Priority, entry.costWeight, branchState)
		itemIdx[item.WorkID] = idx
		items = append(items, item)
	}

	sequential := !s.opts.EnableParallelExecution ||
		len(items) == 1 ||
		s.opts.MaxDegreeOfParallelism == 1 ||
		(s.opts.FallbackToSequentialOnCycles && s.graph.cyclicFork(forkIdx, targets))

	var outcomes []branchOutcome
	if sequential {
		outcomes = s.runSequential(ctx, ec, step, items)
	} else {
		outcomes = s.runParallel(ctx, ec, step, items)
	}

	merged, routes, err := s.join(ctx, ec, step, base, outcomes)
	if err != nil {
		return nil, nil, err
	}
	for i := range routes {
		routes[i].nodeIdx = itemIdx[routes[i].workID]
	}
	return merged, routes, nil
}

// runSequential executes the batch one branch at a time in work-ID order.
// Once the context is cancelled the remaining branches are marked cancelled
// without running.
func (s *scheduler) runSequential(ctx context.Context, ec *ExecContext, step int, items []WorkItem) []branchOutcome {
	outcomes := make([]branchOutcome, 0, len(items))
	for _, item := range OrderDeterministically(items) {
		if err := ctx.Err(); err != nil {
			outcomes = append(outcomes, s.cancelledOutcome(item))
			continue
		}
		outcomes = append(outcomes, s.executeBranch(ctx, ec, step, item, true))
	}
	return outcomes
}

// runParallel executes the batch on up to MaxDegreeOfParallelism workers.
// The producer enqueues concurrently with the workers because Enqueue blocks
// on queue backpressure when the batch exceeds the queue depth.
func (s *scheduler) runParallel(ctx context.Context, ec *ExecContext, step int, items []WorkItem) []branchOutcome {
	n := len(items)
	workers := s.opts.MaxDegreeOfParallelism
	if workers > n {
		workers = n
	}

	go func() {
		for _, item := range items {
			if err := ec.queue.Enqueue(ctx, item); err != nil {
				return
			}
			s.metrics.SetQueueDepth(ec.queue.Len())
		}
	}()

	outcomeCh := make(chan branchOutcome, n)
	var claimed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if claimed.Add(1) > int64(n) {
					return
				}
				item, err := ec.queue.Dequeue(ctx)
				if err != nil {
					return
				}
				s.metrics.SetQueueDepth(ec.queue.Len())
				s.metrics.SetInflightBranches(int(s.inflight.Add(1)))
				out := s.executeBranch(ctx, ec, step, item, true)
				s.metrics.SetInflightBranches(int(s.inflight.Add(-1)))
				outcomeCh <- out
			}
		}()
	}

	go func() {
		wg.Wait()
		close(outcomeCh)
	}()

	outcomes := make([]branchOutcome, 0, n)
	executed := make(map[uint64]bool, n)
	for out := range outcomeCh {
		executed[out.item.WorkID] = true
		outcomes = append(outcomes, out)
	}

	// On cancellation some items were never dequeued. Drain them so the
	// queue is empty for the next fork, and report them as cancelled.
	for {
		if _, ok := ec.queue.TryDequeue(); !ok {
			break
		}
	}
	for _, item := range items {
		if !executed[item.WorkID] {
			outcomes = append(outcomes, s.cancelledOutcome(item))
		}
	}
	return outcomes
}

// executeBranch runs one branch end to end: permit acquisition, the guarded
// node call, and trace recording. It never panics across the pool boundary;
// failures land in the outcome. Branch lifecycle events are emitted only for
// forked work; a width-one sequential step reports node completion instead.
func (s *scheduler) executeBranch(ctx context.Context, ec *ExecContext, step int, item WorkItem, forked bool) branchOutcome {
	out := branchOutcome{item: item, startedAt: time.Now()}
	if forked {
		s.emit(emit.Event{
			RunID:  ec.RunID,
			Step:   step,
			WorkID: item.WorkID,
			NodeID: item.NodeID,
			Msg:    emit.MsgBranchStarted,
			At:     out.startedAt,
		})
	}

	acquireStart := time.Now()
	lease, err := s.governor.Acquire(ctx, item.NodeID, item.CostWeight, item.Priority)
	if err != nil {
		out.err = err
		return s.finishBranch(ec, step, out, forked)
	}
	s.metrics.ObservePermitWait(time.Since(acquireStart))
	s.metrics.SetPermitsOutstanding(s.governor.Outstanding())

	idx, ok := s.graph.lookup(item.NodeID)
	if !ok {
		lease.Release()
		out.err = &ExecError{
			Code:        "NODE_NOT_FOUND",
			Message:     "branch target does not exist",
			NodeID:      item.NodeID,
			ExecutionID: ec.RunID,
		}
		return s.finishBranch(ec, step, out, forked)
	}
	node := s.graph.entry(idx).node

	branchCtx := withBranchValues(ctx, ec.Branch(item.WorkID), item.WorkID)
	var route Next
	delta, err := s.breakers.Execute(branchCtx, item.NodeID, ec.RunID, func(c context.Context) (State, error) {
		res := node.Run(c, item.State)
		route = res.Route
		return res.Delta, res.Err
	}, nil)
	lease.Release()
	s.metrics.SetPermitsOutstanding(s.governor.Outstanding())

	out.delta = delta
	out.route = route
	out.err = err
	return s.finishBranch(ec, step, out, forked)
}

// finishBranch stamps the completion time, emits the completion event, and
// records the branch in the trace store.
func (s *scheduler) finishBranch(ec *ExecContext, step int, out branchOutcome, forked bool) branchOutcome {
	out.completedAt = time.Now()
	status := out.status()

	if forked {
		meta := map[string]any{"status": status}
		if out.err != nil {
			meta["error"] = out.err.Error()
		}
		s.emit(emit.Event{
			RunID:  ec.RunID,
			Step:   step,
			WorkID: out.item.WorkID,
			NodeID: out.item.NodeID,
			Msg:    emit.MsgBranchCompleted,
			At:     out.completedAt,
			Meta:   meta,
		})
	}
	s.metrics.ObserveBranchLatency(out.item.NodeID, out.completedAt.Sub(out.startedAt), status)
	s.saveBranch(ec.RunID, step, out)
	return out
}

func (s *scheduler) cancelledOutcome(item WorkItem) branchOutcome {
	now := time.Now()
	return branchOutcome{
		item:        item,
		startedAt:   now,
		completedAt: now,
		err: &ExecError{
			Code:     "CANCELLED",
			Message:  "branch cancelled before execution",
			NodeID:   item.NodeID,
			Priority: item.Priority,
			Err:      ErrCancelled,
		},
	}
}

// join merges the branch deltas into a copy of base and extracts the
// surviving routes in work-ID order.
func (s *scheduler) join(ctx context.Context, ec *ExecContext, step int, base State, outcomes []branchOutcome) (State, []branchRoute, error) {
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].item.less(outcomes[j].item)
	})

	if err := ctx.Err(); err != nil {
		return nil, nil, &ExecError{
			Code:        "CANCELLED",
			Message:     "run cancelled during fork: " + err.Error(),
			ExecutionID: ec.RunID,
			Err:         ErrCancelled,
		}
	}

	var failed []branchOutcome
	branches := make([]BranchState, 0, len(outcomes))
	for _, out := range outcomes {
		branches = append(branches, BranchState{
			WorkID:      out.item.WorkID,
			NodeID:      out.item.NodeID,
			Delta:       out.delta,
			CompletedAt: out.completedAt,
			Err:         out.err,
		})
		if out.err != nil {
			failed = append(failed, out)
		}
	}

	if len(failed) > 0 && !s.opts.AllowPartialMerge {
		return nil, nil, s.branchFailure(ec, failed, len(outcomes))
	}
	if len(failed) == len(outcomes) && len(outcomes) > 0 {
		// Partial merge needs at least one survivor.
		return nil, nil, s.branchFailure(ec, failed, len(outcomes))
	}

	merged, conflicts, err := s.merger.Merge(base, branches)
	for _, c := range conflicts {
		s.metrics.IncMergeConflict(c.Policy, c.Resolved)
	}
	if err != nil {
		return nil, nil, err
	}

	joined := make([]uint64, 0, len(branches))
	routes := make([]branchRoute, 0, len(outcomes))
	for _, out := range outcomes {
		if out.err != nil {
			continue
		}
		joined = append(joined, out.item.WorkID)
		routes = append(routes, branchRoute{workID: out.item.WorkID, route: out.route})
	}

	s.emit(emit.Event{
		RunID: ec.RunID,
		Step:  step,
		Msg:   emit.MsgMergeCompleted,
		At:    time.Now(),
		Meta: map[string]any{
			"branch_count":   len(joined),
			"conflict_count": len(conflicts),
		},
	})
	s.saveMerge(ec.RunID, step, joined, conflicts, merged)
	return merged, routes, nil
}

// branchFailure builds the aggregate join-point error. Failed branches are
// reported in work-ID order; siblings that succeeded are not rolled back.
func (s *scheduler) branchFailure(ec *ExecContext, failed []branchOutcome, total int) error {
	nodes := make([]string, 0, len(failed))
	causes := make([]error, 0, len(failed))
	for _, out := range failed {
		nodes = append(nodes, out.item.NodeID)
		causes = append(causes, out.err)
	}
	causes = append(causes, ErrBranchFailed)
	return &ExecError{
		Code:        "BRANCH_FAILED",
		Message:     fmt.Sprintf("%d of %d branches failed: %s", len(failed), total, strings.Join(nodes, ", ")),
		NodeID:      failed[0].item.NodeID,
		ExecutionID: ec.RunID,
		Err:         errors.Join(causes...),
	}
}

func (s *scheduler) emit(ev emit.Event) {
	if s.emitter != nil {
		s.emitter.Emit(ev)
	}
}

// saveBranch records one branch in the trace store. Trace recording is
// best-effort: a failed write never fails the branch.
func (s *scheduler) saveBranch(runID string, step int, out branchOutcome) {
	if s.store == nil {
		return
	}
	errMsg := ""
	if out.err != nil {
		errMsg = out.err.Error()
	}
	_ = s.store.SaveBranch(context.Background(), runID, store.BranchRecord{
		WorkID:      out.item.WorkID,
		Step:        step,
		NodeID:      out.item.NodeID,
		Priority:    out.item.Priority.String(),
		CostWeight:  out.item.CostWeight,
		StartedAt:   out.startedAt,
		CompletedAt: out.completedAt,
		Status:      out.status(),
		Error:       errMsg,
	})
}

// saveMerge records one join-point merge report, best-effort like saveBranch.
func (s *scheduler) saveMerge(runID string, step int, joined []uint64, conflicts []Conflict, merged State) {
	if s.store == nil {
		return
	}
	recs := make([]store.ConflictRecord, 0, len(conflicts))
	for _, c := range conflicts {
		recs = append(recs, store.ConflictRecord{Key: c.Key, Policy: c.Policy.String(), Resolved: c.Resolved})
	}
	stateJSON, err := stateToJSON(merged)
	if err != nil {
		return
	}
	_ = s.store.SaveMerge(context.Background(), runID, store.MergeRecord{
		Step:          step,
		JoinedWorkIDs: joined,
		Conflicts:     recs,
		StateJSON:     stateJSON,
		At:            time.Now(),
	})
}
