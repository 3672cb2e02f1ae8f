package exec_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/satanbaby/kernelgraph/exec"
)

func TestWorkIDAssignment(t *testing.T) {
	t.Run("monotonic under concurrency", func(t *testing.T) {
		q := exec.NewWorkQueue(0)

		const n = 200
		ids := make(chan uint64, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ids <- q.NewItem("node", exec.PriorityNormal, 1, nil).WorkID
			}()
		}
		wg.Wait()
		close(ids)

		seen := make(map[uint64]bool, n)
		for id := range ids {
			if seen[id] {
				t.Fatalf("duplicate work ID %d", id)
			}
			seen[id] = true
			if id < 1 || id > n {
				t.Fatalf("work ID %d outside [1,%d]", id, n)
			}
		}
	})

	t.Run("sequential IDs strictly increase", func(t *testing.T) {
		q := exec.NewWorkQueue(0)
		prev := uint64(0)
		for i := 0; i < 10; i++ {
			id := q.NewItem("node", exec.PriorityNormal, 1, nil).WorkID
			if id <= prev {
				t.Fatalf("work ID %d not greater than previous %d", id, prev)
			}
			prev = id
		}
	})
}

func TestDequeueOrder(t *testing.T) {
	t.Run("dequeues in work-ID order regardless of enqueue order", func(t *testing.T) {
		q := exec.NewWorkQueue(16)
		ctx := context.Background()

		items := make([]exec.WorkItem, 5)
		for i := range items {
			items[i] = q.NewItem("node", exec.PriorityNormal, 1, nil)
		}

		// Enqueue in reverse.
		for i := len(items) - 1; i >= 0; i-- {
			if err := q.Enqueue(ctx, items[i]); err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}
		}

		for i := range items {
			got, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("dequeue failed: %v", err)
			}
			if got.WorkID != items[i].WorkID {
				t.Errorf("dequeue %d: got work ID %d, want %d", i, got.WorkID, items[i].WorkID)
			}
		}
	})

	t.Run("dequeue respects cancellation", func(t *testing.T) {
		q := exec.NewWorkQueue(4)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		if _, err := q.Dequeue(ctx); err == nil {
			t.Error("expected error from dequeue on empty queue with expired context")
		}
	})
}

func TestQueueBackpressure(t *testing.T) {
	t.Run("enqueue blocks at capacity until space frees", func(t *testing.T) {
		q := exec.NewWorkQueue(2)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			if err := q.Enqueue(ctx, q.NewItem("node", exec.PriorityNormal, 1, nil)); err != nil {
				t.Fatalf("enqueue %d failed: %v", i, err)
			}
		}

		unblocked := make(chan error, 1)
		go func() {
			unblocked <- q.Enqueue(ctx, q.NewItem("node", exec.PriorityNormal, 1, nil))
		}()

		select {
		case <-unblocked:
			t.Fatal("enqueue did not block on full queue")
		case <-time.After(50 * time.Millisecond):
		}

		if _, err := q.Dequeue(ctx); err != nil {
			t.Fatalf("dequeue failed: %v", err)
		}
		select {
		case err := <-unblocked:
			if err != nil {
				t.Fatalf("blocked enqueue failed: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("enqueue still blocked after space freed")
		}
	})

	t.Run("enqueue returns context error when cancelled while full", func(t *testing.T) {
		q := exec.NewWorkQueue(1)
		if err := q.Enqueue(context.Background(), q.NewItem("node", exec.PriorityNormal, 1, nil)); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		if err := q.Enqueue(ctx, q.NewItem("node", exec.PriorityNormal, 1, nil)); err == nil {
			t.Error("expected context error from enqueue on full queue")
		}
		if q.Len() != 1 {
			t.Errorf("cancelled enqueue changed queue length: got %d, want 1", q.Len())
		}
	})
}

func TestTryDequeue(t *testing.T) {
	q := exec.NewWorkQueue(4)

	if _, ok := q.TryDequeue(); ok {
		t.Error("TryDequeue succeeded on empty queue")
	}

	item := q.NewItem("node", exec.PriorityNormal, 1, nil)
	if err := q.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	got, ok := q.TryDequeue()
	if !ok {
		t.Fatal("TryDequeue failed on non-empty queue")
	}
	if got.WorkID != item.WorkID {
		t.Errorf("got work ID %d, want %d", got.WorkID, item.WorkID)
	}
	if _, ok := q.TryDequeue(); ok {
		t.Error("TryDequeue succeeded after queue drained")
	}
}

func TestOrderDeterministically(t *testing.T) {
	items := []exec.WorkItem{
		{WorkID: 3, NodeID: "c"},
		{WorkID: 1, NodeID: "a"},
		{WorkID: 2, NodeID: "b"},
	}
	ordered := exec.OrderDeterministically(items)

	for i, want := range []uint64{1, 2, 3} {
		if ordered[i].WorkID != want {
			t.Errorf("position %d: got work ID %d, want %d", i, ordered[i].WorkID, want)
		}
	}
	if items[0].WorkID != 3 {
		t.Error("input slice was modified")
	}
}
