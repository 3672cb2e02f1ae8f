package exec_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/satanbaby/kernelgraph/exec"
)

func testBreakerOptions() exec.CircuitBreakerOptions {
	return exec.CircuitBreakerOptions{
		Enabled:            true,
		FailureThreshold:   3,
		OpenTimeout:        60 * time.Millisecond,
		HalfOpenRetryCount: 1,
		FailureWindow:      10 * time.Second,
	}
}

func newTestBreakers(t *testing.T, opts exec.CircuitBreakerOptions) *exec.BreakerManager {
	t.Helper()
	m, err := exec.NewBreakerManager(opts)
	if err != nil {
		t.Fatalf("NewBreakerManager failed: %v", err)
	}
	return m
}

func failingOp(err error) exec.Operation {
	return func(ctx context.Context) (exec.State, error) { return nil, err }
}

func succeedingOp(delta exec.State) exec.Operation {
	return func(ctx context.Context) (exec.State, error) { return delta, nil }
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	m := newTestBreakers(t, testBreakerOptions())
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if m.State("node") != exec.BreakerClosed {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i)
		}
		if _, err := m.Execute(ctx, "node", "run", failingOp(boom), nil); !errors.Is(err, boom) {
			t.Fatalf("execute %d: got %v, want boom", i, err)
		}
	}

	if m.State("node") != exec.BreakerOpen {
		t.Fatalf("breaker state after threshold: got %s, want open", m.State("node"))
	}

	// Open breaker short-circuits without invoking the operation.
	called := false
	_, err := m.Execute(ctx, "node", "run", func(ctx context.Context) (exec.State, error) {
		called = true
		return nil, nil
	}, nil)
	if !errors.Is(err, exec.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("operation invoked while breaker open")
	}
}

func TestBreakerFallback(t *testing.T) {
	m := newTestBreakers(t, testBreakerOptions())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = m.Execute(ctx, "node", "run", failingOp(errors.New("boom")), nil)
	}

	delta, err := m.Execute(ctx, "node", "run",
		succeedingOp(exec.State{"source": "primary"}),
		succeedingOp(exec.State{"source": "fallback"}))
	if err != nil {
		t.Fatalf("fallback failed: %v", err)
	}
	if delta["source"] != "fallback" {
		t.Errorf("got %v, want fallback result", delta["source"])
	}
}

func TestBreakerRecovery(t *testing.T) {
	m := newTestBreakers(t, testBreakerOptions())
	ctx := context.Background()

	t.Run("successful probe closes the breaker", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_, _ = m.Execute(ctx, "node", "run", failingOp(errors.New("boom")), nil)
		}
		time.Sleep(80 * time.Millisecond) // past the open timeout

		delta, err := m.Execute(ctx, "node", "run", succeedingOp(exec.State{"ok": true}), nil)
		if err != nil {
			t.Fatalf("probe failed: %v", err)
		}
		if delta["ok"] != true {
			t.Error("probe did not run the operation")
		}
		if m.State("node") != exec.BreakerClosed {
			t.Errorf("state after successful probe: got %s, want closed", m.State("node"))
		}
	})

	t.Run("failed probe reopens the breaker", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_, _ = m.Execute(ctx, "relapse", "run", failingOp(errors.New("boom")), nil)
		}
		time.Sleep(80 * time.Millisecond)

		if _, err := m.Execute(ctx, "relapse", "run", failingOp(errors.New("still broken")), nil); err == nil {
			t.Fatal("expected probe failure")
		}
		if m.State("relapse") != exec.BreakerOpen {
			t.Errorf("state after failed probe: got %s, want open", m.State("relapse"))
		}
	})
}

func TestBreakerLiveness(t *testing.T) {
	// An open breaker must always admit a probe eventually; it can never
	// stay open forever while time advances.
	m := newTestBreakers(t, testBreakerOptions())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = m.Execute(ctx, "node", "run", failingOp(errors.New("boom")), nil)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := m.Execute(ctx, "node", "run", succeedingOp(nil), nil)
		if err == nil {
			return // probe admitted and breaker closed
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("breaker never admitted a probe")
}

func TestBreakerCancellationNotCounted(t *testing.T) {
	m := newTestBreakers(t, testBreakerOptions())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _ = m.Execute(ctx, "node", "run", failingOp(context.Canceled), nil)
	}
	if m.State("node") != exec.BreakerClosed {
		t.Errorf("cancellations tripped the breaker: state %s", m.State("node"))
	}
}

func TestBreakerCancelledCallReleasesProbeSlot(t *testing.T) {
	m := newTestBreakers(t, testBreakerOptions())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = m.Execute(ctx, "node", "run", failingOp(errors.New("boom")), nil)
	}
	time.Sleep(80 * time.Millisecond) // past the open timeout

	// The half-open slot goes to a call that is cancelled before it can
	// say anything about node health.
	if _, err := m.Execute(ctx, "node", "run", failingOp(context.Canceled), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled call: got %v, want context.Canceled", err)
	}
	if m.State("node") != exec.BreakerHalfOpen {
		t.Fatalf("state after cancelled call: got %s, want half_open", m.State("node"))
	}

	// With the slot returned, a healthy call must still be admitted and
	// close the breaker. HalfOpenRetryCount is 1, so if the cancelled
	// call kept the slot this would be rejected forever.
	delta, err := m.Execute(ctx, "node", "run", succeedingOp(exec.State{"ok": true}), nil)
	if err != nil {
		t.Fatalf("recovery call rejected after cancellation: %v", err)
	}
	if delta["ok"] != true {
		t.Error("recovery call did not run the operation")
	}
	if m.State("node") != exec.BreakerClosed {
		t.Errorf("state after recovery: got %s, want closed", m.State("node"))
	}
}

func TestBreakerFailureWindow(t *testing.T) {
	opts := testBreakerOptions()
	opts.FailureWindow = 50 * time.Millisecond
	m := newTestBreakers(t, opts)
	ctx := context.Background()

	// Two failures, then the window expires; the third failure starts a
	// fresh count instead of tripping.
	for i := 0; i < 2; i++ {
		_, _ = m.Execute(ctx, "node", "run", failingOp(errors.New("boom")), nil)
	}
	time.Sleep(70 * time.Millisecond)
	_, _ = m.Execute(ctx, "node", "run", failingOp(errors.New("boom")), nil)

	if m.State("node") != exec.BreakerClosed {
		t.Errorf("stale failures counted across windows: state %s", m.State("node"))
	}
}

func TestBreakerPerNodeConfig(t *testing.T) {
	m := newTestBreakers(t, testBreakerOptions())
	sensitive := testBreakerOptions()
	sensitive.FailureThreshold = 1
	if err := m.Configure("fragile", sensitive); err != nil {
		t.Fatalf("configure failed: %v", err)
	}

	ctx := context.Background()
	_, _ = m.Execute(ctx, "fragile", "run", failingOp(errors.New("boom")), nil)
	_, _ = m.Execute(ctx, "sturdy", "run", failingOp(errors.New("boom")), nil)

	if m.State("fragile") != exec.BreakerOpen {
		t.Errorf("fragile node: got %s, want open after 1 failure", m.State("fragile"))
	}
	if m.State("sturdy") != exec.BreakerClosed {
		t.Errorf("sturdy node: got %s, want closed after 1 failure", m.State("sturdy"))
	}
}

func TestBreakerExhaustionTrigger(t *testing.T) {
	opts := testBreakerOptions()
	opts.TriggerOnBudgetExhaustion = true
	m := newTestBreakers(t, opts)

	for i := 0; i < 3; i++ {
		m.RecordExhaustion("starved")
	}
	if m.State("starved") != exec.BreakerOpen {
		t.Errorf("sustained exhaustion did not trip: state %s", m.State("starved"))
	}

	// Without the trigger flag, exhaustion reports are ignored.
	plain := newTestBreakers(t, testBreakerOptions())
	for i := 0; i < 10; i++ {
		plain.RecordExhaustion("node")
	}
	if plain.State("node") != exec.BreakerClosed {
		t.Errorf("exhaustion tripped without trigger flag: state %s", plain.State("node"))
	}
}

func TestBreakerTransitionLog(t *testing.T) {
	m := newTestBreakers(t, testBreakerOptions())
	ctx := context.Background()

	var observed []exec.Transition
	m.SetTransitionHandler(func(nodeID string, tr exec.Transition) {
		observed = append(observed, tr)
	})

	for i := 0; i < 3; i++ {
		_, _ = m.Execute(ctx, "node", "run", failingOp(errors.New("boom")), nil)
	}
	time.Sleep(80 * time.Millisecond)
	if _, err := m.Execute(ctx, "node", "run", succeedingOp(nil), nil); err != nil {
		t.Fatalf("probe failed: %v", err)
	}

	want := []struct{ from, to exec.BreakerState }{
		{exec.BreakerClosed, exec.BreakerOpen},
		{exec.BreakerOpen, exec.BreakerHalfOpen},
		{exec.BreakerHalfOpen, exec.BreakerClosed},
	}
	log := m.Transitions("node")
	if len(log) != len(want) {
		t.Fatalf("got %d transitions, want %d: %+v", len(log), len(want), log)
	}
	for i, w := range want {
		if log[i].From != w.from || log[i].To != w.to {
			t.Errorf("transition %d: got %s->%s, want %s->%s", i, log[i].From, log[i].To, w.from, w.to)
		}
	}
	if len(observed) != len(want) {
		t.Errorf("handler observed %d transitions, want %d", len(observed), len(want))
	}
}
