package exec_test

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/satanbaby/kernelgraph/exec"
	"github.com/satanbaby/kernelgraph/exec/emit"
	"github.com/satanbaby/kernelgraph/exec/store"
)

func mustAdd(t *testing.T, g *exec.Graph, id string, fn func(ctx context.Context, s exec.State) exec.NodeResult) {
	t.Helper()
	if err := g.Add(id, exec.NodeFunc(fn)); err != nil {
		t.Fatalf("add %s failed: %v", id, err)
	}
}

func mustStart(t *testing.T, g *exec.Graph, id string) {
	t.Helper()
	if err := g.StartAt(id); err != nil {
		t.Fatalf("start failed: %v", err)
	}
}

func newExecutor(t *testing.T, g *exec.Graph, options ...exec.Option) *exec.Executor {
	t.Helper()
	ex, err := exec.New(g, options...)
	if err != nil {
		t.Fatalf("new executor failed: %v", err)
	}
	return ex
}

func TestSequentialRun(t *testing.T) {
	g := exec.NewGraph()
	mustAdd(t, g, "first", func(ctx context.Context, s exec.State) exec.NodeResult {
		return exec.NodeResult{
			Delta: exec.State{"steps": []any{"first"}},
			Route: exec.Goto("second"),
		}
	})
	mustAdd(t, g, "second", func(ctx context.Context, s exec.State) exec.NodeResult {
		steps := append(s["steps"].([]any), "second")
		return exec.NodeResult{
			Delta: exec.State{"steps": steps},
			Route: exec.Stop(),
		}
	})
	mustStart(t, g, "first")

	final, err := newExecutor(t, g).Run(context.Background(), exec.State{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	want := []any{"first", "second"}
	if !reflect.DeepEqual(final["steps"], want) {
		t.Errorf("steps: got %v, want %v", final["steps"], want)
	}
}

func TestForkJoinMerge(t *testing.T) {
	g := exec.NewGraph()
	mustAdd(t, g, "fork", func(ctx context.Context, s exec.State) exec.NodeResult {
		return exec.NodeResult{Route: exec.FanOut("a", "b", "c")}
	})
	// Distinct contributions per branch: identical values never conflict,
	// so they would not be reduced.
	for i, id := range []string{"a", "b", "c"} {
		key := id
		contribution := i + 1
		mustAdd(t, g, id, func(ctx context.Context, s exec.State) exec.NodeResult {
			return exec.NodeResult{
				Delta: exec.State{key: "done", "count": contribution},
				Route: exec.Stop(),
			}
		})
	}
	mustStart(t, g, "fork")

	ex := newExecutor(t, g, exec.WithMergeConfig(exec.MergeConfig{
		Default: exec.PreferFirst,
		PerKey:  map[string]exec.MergePolicy{"count": exec.Reduce},
	}))
	final, err := ex.Run(context.Background(), exec.State{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	for _, key := range []string{"a", "b", "c"} {
		if final[key] != "done" {
			t.Errorf("%s: got %v, want done", key, final[key])
		}
	}
	if final["count"] != int64(6) {
		t.Errorf("count: got %v, want 6", final["count"])
	}
}

func TestRunDeterminism(t *testing.T) {
	// Branches write seeded random values; identical seeds must produce
	// identical final states across runs, different seeds must not.
	build := func(t *testing.T) *exec.Executor {
		g := exec.NewGraph()
		mustAdd(t, g, "fork", func(ctx context.Context, s exec.State) exec.NodeResult {
			return exec.NodeResult{Route: exec.FanOut("r1", "r2", "r3")}
		})
		for _, id := range []string{"r1", "r2", "r3"} {
			key := id
			mustAdd(t, g, id, func(ctx context.Context, s exec.State) exec.NodeResult {
				// Random per-branch delay shuffles completion order; the
				// merged result must not notice.
				time.Sleep(time.Duration(exec.RNGFromContext(ctx).Intn(20)) * time.Millisecond)
				return exec.NodeResult{
					Delta: exec.State{key: exec.RNGFromContext(ctx).Intn(1 << 30)},
					Route: exec.Stop(),
				}
			})
		}
		mustStart(t, g, "fork")
		return newExecutor(t, g)
	}

	ex := build(t)
	ctx := context.Background()
	first, err := ex.RunSeeded(ctx, 42, exec.State{})
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	second, err := ex.RunSeeded(ctx, 42, exec.State{})
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if !reflect.DeepEqual(map[string]any(first), map[string]any(second)) {
		t.Errorf("same seed diverged:\n  %v\n  %v", first, second)
	}

	other, err := ex.RunSeeded(ctx, 43, exec.State{})
	if err != nil {
		t.Fatalf("third run failed: %v", err)
	}
	if reflect.DeepEqual(map[string]any(first), map[string]any(other)) {
		t.Error("different seeds produced identical states")
	}
}

func TestLastWriteWinsDeterminism(t *testing.T) {
	// Two branches race on the same key with jittered delays. Under
	// LastWriteWins the survivor is fixed by work order, so every
	// same-seed run must land on the same value no matter which branch
	// finishes last on the wall clock.
	g := exec.NewGraph()
	mustAdd(t, g, "fork", func(ctx context.Context, s exec.State) exec.NodeResult {
		return exec.NodeResult{Route: exec.FanOut("a", "b")}
	})
	for _, id := range []string{"a", "b"} {
		who := id
		mustAdd(t, g, id, func(ctx context.Context, s exec.State) exec.NodeResult {
			time.Sleep(time.Duration(exec.RNGFromContext(ctx).Intn(20)) * time.Millisecond)
			return exec.NodeResult{Delta: exec.State{"x": who}, Route: exec.Stop()}
		})
	}
	mustStart(t, g, "fork")

	ex := newExecutor(t, g, exec.WithMergeConfig(exec.MergeConfig{Default: exec.LastWriteWins}))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		final, err := ex.RunSeeded(ctx, 7, exec.State{})
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		// Branch b is enqueued after a, so its write is the later one.
		if final["x"] != "b" {
			t.Fatalf("run %d: x = %v, want b", i, final["x"])
		}
	}
}

func TestBranchFailureIsolation(t *testing.T) {
	build := func(t *testing.T, opts ...exec.Option) (*exec.Executor, *atomic.Int64) {
		var siblingRuns atomic.Int64
		g := exec.NewGraph()
		mustAdd(t, g, "fork", func(ctx context.Context, s exec.State) exec.NodeResult {
			return exec.NodeResult{Route: exec.FanOut("doomed", "healthy")}
		})
		mustAdd(t, g, "doomed", func(ctx context.Context, s exec.State) exec.NodeResult {
			return exec.NodeResult{Err: errors.New("boom")}
		})
		mustAdd(t, g, "healthy", func(ctx context.Context, s exec.State) exec.NodeResult {
			siblingRuns.Add(1)
			return exec.NodeResult{
				Delta: exec.State{"healthy": "done"},
				Route: exec.Stop(),
			}
		})
		mustStart(t, g, "fork")
		return newExecutor(t, g, opts...), &siblingRuns
	}

	t.Run("fail fast surfaces aggregate error at the join", func(t *testing.T) {
		ex, siblingRuns := build(t)
		_, err := ex.Run(context.Background(), exec.State{})
		if !errors.Is(err, exec.ErrBranchFailed) {
			t.Fatalf("expected ErrBranchFailed, got %v", err)
		}
		// The sibling is never aborted by the failure.
		if siblingRuns.Load() != 1 {
			t.Errorf("sibling ran %d times, want 1", siblingRuns.Load())
		}
	})

	t.Run("partial merge keeps surviving branches", func(t *testing.T) {
		concurrency := exec.DefaultConcurrencyOptions()
		concurrency.AllowPartialMerge = true
		ex, _ := build(t, exec.WithConcurrency(concurrency))

		final, err := ex.Run(context.Background(), exec.State{})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if final["healthy"] != "done" {
			t.Errorf("healthy: got %v, want done", final["healthy"])
		}
	})
}

func TestCycleFallback(t *testing.T) {
	// A fork whose targets can reach back to the fork node degrades to
	// sequential execution: observed branch concurrency stays at one.
	var inflight, peak atomic.Int64
	observe := func() {
		cur := inflight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
	}

	g := exec.NewGraph()
	mustAdd(t, g, "loop", func(ctx context.Context, s exec.State) exec.NodeResult {
		if s["rounds"] == float64(1) || s["rounds"] == 1 {
			return exec.NodeResult{Route: exec.Stop()}
		}
		return exec.NodeResult{
			Delta: exec.State{"rounds": 1},
			Route: exec.FanOut("left", "right"),
		}
	})
	mustAdd(t, g, "left", func(ctx context.Context, s exec.State) exec.NodeResult {
		observe()
		return exec.NodeResult{Route: exec.Goto("loop")}
	})
	mustAdd(t, g, "right", func(ctx context.Context, s exec.State) exec.NodeResult {
		observe()
		return exec.NodeResult{Route: exec.Stop()}
	})
	mustStart(t, g, "loop")

	if _, err := newExecutor(t, g).Run(context.Background(), exec.State{}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if peak.Load() != 1 {
		t.Errorf("cyclic fork ran %d branches concurrently, want sequential", peak.Load())
	}
}

func TestMaxSteps(t *testing.T) {
	g := exec.NewGraph()
	mustAdd(t, g, "spin", func(ctx context.Context, s exec.State) exec.NodeResult {
		return exec.NodeResult{Route: exec.Goto("spin")}
	})
	mustStart(t, g, "spin")

	_, err := newExecutor(t, g, exec.WithMaxSteps(5)).Run(context.Background(), exec.State{})
	if !errors.Is(err, exec.ErrMaxStepsExceeded) {
		t.Fatalf("expected ErrMaxStepsExceeded, got %v", err)
	}
}

func TestRunCancellation(t *testing.T) {
	g := exec.NewGraph()
	mustAdd(t, g, "slow", func(ctx context.Context, s exec.State) exec.NodeResult {
		select {
		case <-ctx.Done():
			return exec.NodeResult{Err: ctx.Err()}
		case <-time.After(5 * time.Second):
			return exec.NodeResult{Route: exec.Stop()}
		}
	})
	mustStart(t, g, "slow")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newExecutor(t, g).Run(ctx, exec.State{})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("cancellation did not interrupt the run promptly")
	}
}

func TestNoRoute(t *testing.T) {
	g := exec.NewGraph()
	mustAdd(t, g, "stuck", func(ctx context.Context, s exec.State) exec.NodeResult {
		return exec.NodeResult{} // defer to edges
	})
	mustAdd(t, g, "unreachable", func(ctx context.Context, s exec.State) exec.NodeResult {
		return exec.NodeResult{Route: exec.Stop()}
	})
	mustConnect(t, g, "stuck", "unreachable", func(s exec.State) bool { return false })
	mustStart(t, g, "stuck")

	_, err := newExecutor(t, g).Run(context.Background(), exec.State{})
	if !errors.Is(err, exec.ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestRunEvents(t *testing.T) {
	g := exec.NewGraph()
	mustAdd(t, g, "fork", func(ctx context.Context, s exec.State) exec.NodeResult {
		return exec.NodeResult{Route: exec.FanOut("a", "b")}
	})
	for _, id := range []string{"a", "b"} {
		mustAdd(t, g, id, func(ctx context.Context, s exec.State) exec.NodeResult {
			return exec.NodeResult{Delta: exec.State{"k": 1}, Route: exec.Stop()}
		})
	}
	mustStart(t, g, "fork")

	buffered := emit.NewBufferedEmitter()
	ex := newExecutor(t, g,
		exec.WithEmitter(buffered),
		exec.WithMergeConfig(exec.MergeConfig{Default: exec.Reduce}),
	)
	if _, err := ex.RunWithID(context.Background(), "run-1", 1, exec.State{}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	counts := map[string]int{}
	for _, ev := range buffered.History("run-1") {
		counts[ev.Msg]++
	}
	want := map[string]int{
		emit.MsgRunStarted:      1,
		emit.MsgNodeCompleted:   1, // the fork node itself runs as a width-one step
		emit.MsgBranchStarted:   2,
		emit.MsgBranchCompleted: 2,
		emit.MsgMergeCompleted:  1,
		emit.MsgRunCompleted:    1,
	}
	for msg, n := range want {
		if counts[msg] != n {
			t.Errorf("%s: got %d events, want %d", msg, counts[msg], n)
		}
	}
}

func TestRunTrace(t *testing.T) {
	g := exec.NewGraph()
	mustAdd(t, g, "fork", func(ctx context.Context, s exec.State) exec.NodeResult {
		return exec.NodeResult{Route: exec.FanOut("a", "b")}
	})
	for _, id := range []string{"a", "b"} {
		key := id
		mustAdd(t, g, id, func(ctx context.Context, s exec.State) exec.NodeResult {
			return exec.NodeResult{Delta: exec.State{key: true}, Route: exec.Stop()}
		})
	}
	mustStart(t, g, "fork")

	st := store.NewMemStore()
	ex := newExecutor(t, g, exec.WithStore(st))
	if _, err := ex.RunWithID(context.Background(), "traced", 1, exec.State{}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	branches, err := st.LoadBranches(context.Background(), "traced")
	if err != nil {
		t.Fatalf("load branches failed: %v", err)
	}
	// fork + two branches.
	if len(branches) != 3 {
		t.Fatalf("got %d branch records, want 3", len(branches))
	}
	wantNodes := []string{"fork", "a", "b"}
	for i, rec := range branches {
		if rec.NodeID != wantNodes[i] {
			t.Errorf("record %d: node %s, want %s", i, rec.NodeID, wantNodes[i])
		}
		if rec.Status != "success" {
			t.Errorf("record %d: status %s, want success", i, rec.Status)
		}
	}

	merges, err := st.LoadMerges(context.Background(), "traced")
	if err != nil {
		t.Fatalf("load merges failed: %v", err)
	}
	if len(merges) != 1 {
		t.Fatalf("got %d merge records, want 1", len(merges))
	}
	if len(merges[0].JoinedWorkIDs) != 2 {
		t.Errorf("joined %d branches, want 2", len(merges[0].JoinedWorkIDs))
	}
}

func TestParallelismBound(t *testing.T) {
	var inflight, peak atomic.Int64
	g := exec.NewGraph()
	targets := []string{"t1", "t2", "t3", "t4", "t5", "t6"}
	mustAdd(t, g, "fork", func(ctx context.Context, s exec.State) exec.NodeResult {
		return exec.NodeResult{Route: exec.FanOut(targets...)}
	})
	for _, id := range targets {
		mustAdd(t, g, id, func(ctx context.Context, s exec.State) exec.NodeResult {
			cur := inflight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inflight.Add(-1)
			return exec.NodeResult{Route: exec.Stop()}
		})
	}
	mustStart(t, g, "fork")

	ex := newExecutor(t, g, exec.WithMaxParallelism(2))
	if _, err := ex.Run(context.Background(), exec.State{}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("ran %d branches concurrently, bound is 2", p)
	}
}
