package exec

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// WorkItem is a schedulable branch execution. Items are created at fork time,
// consumed exactly once by a worker, and identified by a monotonic WorkID
// scoped to the owning queue.
//
// The WorkID is the canonical deterministic order: whenever concurrent
// completions must be serialized (merge order, conflict reports, trace
// records), components sort by WorkID and never by arrival timing.
type WorkItem struct {
	// WorkID strictly increases with each enqueue call for the lifetime of
	// the owning WorkQueue.
	WorkID uint64

	// NodeID is the node this item will execute.
	NodeID string

	// Priority is the execution priority the branch was forked with.
	Priority Priority

	// CostWeight is the node's base cost weight before the priority factor
	// is applied.
	CostWeight float64

	// EnqueuedAt records when the item entered the queue. Informational
	// only; it is never used for ordering decisions.
	EnqueuedAt time.Time

	// State is the branch-local state snapshot the node will run against.
	State State
}

// less orders items by (WorkID, NodeID) lexicographically. NodeID is a
// tie-break that can only matter if two queues are mixed; within one queue
// WorkIDs are unique.
func (w WorkItem) less(other WorkItem) bool {
	if w.WorkID != other.WorkID {
		return w.WorkID < other.WorkID
	}
	return w.NodeID < other.NodeID
}

// OrderDeterministically returns the given items sorted into the canonical
// deterministic order. The input slice is not modified.
func OrderDeterministically(items []WorkItem) []WorkItem {
	ordered := make([]WorkItem, len(items))
	copy(ordered, items)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].less(ordered[j])
	})
	return ordered
}

// workHeap implements heap.Interface ordered by (WorkID, NodeID).
type workHeap []WorkItem

func (h workHeap) Len() int           { return len(h) }
func (h workHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h workHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *workHeap) Push(x any) {
	*h = append(*h, x.(WorkItem))
}

func (h *workHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// WorkQueue assigns stable monotonic identifiers to pending branch
// executions and hands them out in deterministic (WorkID, NodeID) order
// regardless of which goroutine enqueued them first in wall-clock terms.
//
// The queue is bounded: Enqueue blocks when capacity work items are already
// pending, providing backpressure against unbounded fan-out.
//
// All methods are safe for concurrent use.
type WorkQueue struct {
	nextID atomic.Uint64

	mu   sync.Mutex
	heap workHeap

	// slots bounds capacity; ready carries one token per committed item.
	// A ready token is sent only after the item is in the heap, so a
	// receiver always finds something to pop.
	slots    chan struct{}
	ready    chan struct{}
	capacity int
}

// NewWorkQueue creates a WorkQueue that holds at most capacity pending
// items. A non-positive capacity falls back to the default queue depth.
func NewWorkQueue(capacity int) *WorkQueue {
	if capacity <= 0 {
		capacity = defaultQueueDepth
	}
	q := &WorkQueue{
		heap:     make(workHeap, 0),
		slots:    make(chan struct{}, capacity),
		ready:    make(chan struct{}, capacity),
		capacity: capacity,
	}
	heap.Init(&q.heap)
	return q
}

// NewItem assigns the next monotonic WorkID and builds a WorkItem without
// enqueuing it. ID assignment is atomic, so concurrent callers always
// receive strictly increasing, unique IDs.
func (q *WorkQueue) NewItem(nodeID string, pri Priority, costWeight float64, st State) WorkItem {
	return WorkItem{
		WorkID:     q.nextID.Add(1),
		NodeID:     nodeID,
		Priority:   pri,
		CostWeight: costWeight,
		EnqueuedAt: time.Now(),
		State:      st,
	}
}

// Enqueue adds an item to the queue. If the queue is full it blocks until
// space frees or ctx is cancelled, in which case the item is not enqueued
// and the context error is returned.
func (q *WorkQueue) Enqueue(ctx context.Context, item WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.slots <- struct{}{}:
	}

	q.mu.Lock()
	heap.Push(&q.heap, item)
	q.mu.Unlock()
	q.ready <- struct{}{}
	return nil
}

// Dequeue removes and returns the pending item with the smallest
// (WorkID, NodeID) key, blocking until an item is available or ctx is
// cancelled.
func (q *WorkQueue) Dequeue(ctx context.Context) (WorkItem, error) {
	var zero WorkItem
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-q.ready:
	}

	q.mu.Lock()
	item := heap.Pop(&q.heap).(WorkItem)
	q.mu.Unlock()
	<-q.slots
	return item, nil
}

// TryDequeue removes the smallest pending item without blocking. It returns
// false when the queue is empty. Workers draining a fork's batch use this to
// steal queued-but-unstarted items as they go idle.
func (q *WorkQueue) TryDequeue() (WorkItem, bool) {
	select {
	case <-q.ready:
	default:
		return WorkItem{}, false
	}

	q.mu.Lock()
	item := heap.Pop(&q.heap).(WorkItem)
	q.mu.Unlock()
	<-q.slots
	return item, true
}

// Len returns the number of pending items.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}
