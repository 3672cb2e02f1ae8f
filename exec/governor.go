package exec

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"
)

// refillInterval is how often blocked acquirers re-drive the grant loop.
// Grants always go to the head of the priority-ordered waiter queue, so any
// waiter's tick can admit any other waiter.
const refillInterval = 20 * time.Millisecond

// ResourceOptions configures the Governor.
//
// Zero values are replaced by DefaultResourceOptions values at construction.
type ResourceOptions struct {
	// Enable turns governing on. When false, Acquire returns immediately
	// with a no-op lease.
	Enable bool

	// BasePermitsPerSecond is the steady-state token refill rate.
	BasePermitsPerSecond float64

	// MaxBurstSize caps both the token bucket and the total outstanding
	// granted weight at any instant.
	MaxBurstSize float64

	// CPUSoftLimitPercent is the load above which the effective refill rate
	// scales down linearly, reaching zero at CPUHighWatermarkPercent.
	CPUSoftLimitPercent float64

	// CPUHighWatermarkPercent is the load at or above which no new permits
	// are granted (strong backpressure).
	CPUHighWatermarkPercent float64

	// MinAvailableMemoryMB is the hard memory floor: below it no permits
	// are granted, except a Critical-priority cooperative-preemption bypass.
	MinAvailableMemoryMB float64

	// DefaultPriority is applied to work that does not carry its own.
	DefaultPriority Priority

	// NodeCostWeights overrides the base cost weight per node ID. Nodes
	// without an entry weigh 1.0.
	NodeCostWeights map[string]float64

	// EnableCooperativePreemption lets one Critical-priority acquisition
	// per exhaustion window bypass the memory floor.
	EnableCooperativePreemption bool

	// ExhaustionWindow bounds how often the cooperative-preemption bypass
	// may recur and scopes the per-node exhaustion counters.
	ExhaustionWindow time.Duration
}

// DefaultResourceOptions returns the governor defaults: 10 permits/second
// with a burst of 20, soft CPU limit 75%, high watermark 90%, 256 MB memory
// floor, cooperative preemption on.
func DefaultResourceOptions() ResourceOptions {
	return ResourceOptions{
		Enable:                      true,
		BasePermitsPerSecond:        10,
		MaxBurstSize:                20,
		CPUSoftLimitPercent:         75,
		CPUHighWatermarkPercent:     90,
		MinAvailableMemoryMB:        256,
		DefaultPriority:             PriorityNormal,
		EnableCooperativePreemption: true,
		ExhaustionWindow:            30 * time.Second,
	}
}

// Validate reports configuration errors.
func (o ResourceOptions) Validate() error {
	if o.BasePermitsPerSecond <= 0 {
		return fmt.Errorf("BasePermitsPerSecond must be positive, got %v", o.BasePermitsPerSecond)
	}
	if o.MaxBurstSize <= 0 {
		return fmt.Errorf("MaxBurstSize must be positive, got %v", o.MaxBurstSize)
	}
	if o.CPUSoftLimitPercent > o.CPUHighWatermarkPercent {
		return fmt.Errorf("CPUSoftLimitPercent (%v) must not exceed CPUHighWatermarkPercent (%v)",
			o.CPUSoftLimitPercent, o.CPUHighWatermarkPercent)
	}
	for nodeID, w := range o.NodeCostWeights {
		if w < 0 {
			return fmt.Errorf("node %s has negative cost weight %v", nodeID, w)
		}
	}
	return nil
}

// BudgetExhaustedEvent is the notification fired when the governor throttles
// an acquisition.
type BudgetExhaustedEvent struct {
	NodeID            string
	Timestamp         time.Time
	CPUPercent        float64
	AvailableMemoryMB float64
	ExhaustionCount   int64
}

// Lease is a scoped permit. CostWeight is the effective (priority-scaled)
// weight consumed; it returns to the governor's outstanding budget on
// Release, which is idempotent and must run on every exit path.
type Lease struct {
	NodeID     string
	CostWeight float64
	Priority   Priority
	AcquiredAt time.Time

	g    *Governor
	once sync.Once
}

// Release returns the lease's weight to the governor. Safe to call more
// than once; releases of a no-op lease (governor disabled) do nothing.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.g != nil {
			l.g.release(l.CostWeight)
		}
	})
}

// waiter is a blocked acquisition in the priority-ordered grant queue.
type waiter struct {
	priority Priority
	seq      uint64
	cost     float64
	nodeID   string
	ch       chan struct{}
	granted  bool
	index    int
}

// waiterHeap grants in priority-weighted fairness order: higher priority
// first, FIFO within a priority. Not strict FIFO across priorities: high
// priority work overtakes queued lower-priority work.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[0 : n-1]
	return w
}

// Governor issues weighted, priority-aware execution permits from a token
// bucket and adapts the grant rate to reported system load.
//
// Two budgets apply simultaneously:
//
//   - Rate: tokens refill at BasePermitsPerSecond (scaled down linearly once
//     CPU exceeds the soft limit) and each grant consumes the effective cost.
//   - Concurrency: the sum of outstanding granted weight never exceeds
//     MaxBurstSize at any instant; Release returns weight to this budget.
//
// Acquire blocks until a permit is available or the context is cancelled;
// the governor never silently drops work. All methods are safe for
// concurrent use.
type Governor struct {
	opts ResourceOptions

	mu          sync.Mutex
	tokens      float64
	lastRefill  time.Time
	outstanding float64
	waiters     waiterHeap
	waiterSeq   uint64

	// reported system load
	cpuPct    float64
	availMem  float64
	hasMemory bool

	// cooperative preemption bookkeeping
	windowStart time.Time
	bypassUsed  bool

	exhaustions map[string]int64

	onExhausted func(BudgetExhaustedEvent)
}

// NewGovernor creates a Governor. Invalid options return an error; zero
// values were expected to be filled by the caller (see
// DefaultResourceOptions).
func NewGovernor(opts ResourceOptions) (*Governor, error) {
	if opts.ExhaustionWindow <= 0 {
		opts.ExhaustionWindow = DefaultResourceOptions().ExhaustionWindow
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	now := time.Now()
	g := &Governor{
		opts:        opts,
		tokens:      opts.MaxBurstSize,
		lastRefill:  now,
		windowStart: now,
		exhaustions: make(map[string]int64),
	}
	heap.Init(&g.waiters)
	return g, nil
}

// SetExhaustionHandler registers the callback invoked (outside the
// governor's lock) each time an acquisition is throttled. The executor wires
// this to the event sink and, when configured, the circuit breaker manager.
func (g *Governor) SetExhaustionHandler(fn func(BudgetExhaustedEvent)) {
	g.mu.Lock()
	g.onExhausted = fn
	g.mu.Unlock()
}

// UpdateSystemLoad feeds the governor the current CPU percentage and
// available memory. The core never samples the host itself; a collaborator
// pushes load at whatever cadence it chooses. Waiters blocked on load limits
// are re-evaluated immediately.
func (g *Governor) UpdateSystemLoad(cpuPct, availableMemoryMB float64) {
	g.mu.Lock()
	memRecovered := g.hasMemory && g.availMem < g.opts.MinAvailableMemoryMB &&
		availableMemoryMB >= g.opts.MinAvailableMemoryMB
	g.cpuPct = cpuPct
	g.availMem = availableMemoryMB
	g.hasMemory = true
	if memRecovered {
		g.bypassUsed = false
	}
	g.grantLocked(time.Now())
	g.mu.Unlock()
}

// ResolveCost returns the base cost weight for a node: an explicit weight if
// positive, the NodeCostWeights entry otherwise, defaulting to 1.0. Negative
// weights are a programmer error and panic.
func (g *Governor) ResolveCost(nodeID string, explicit float64) float64 {
	if explicit < 0 {
		panic(fmt.Sprintf("exec: negative cost weight %v for node %s", explicit, nodeID))
	}
	if explicit > 0 {
		return explicit
	}
	if w, ok := g.opts.NodeCostWeights[nodeID]; ok {
		return w
	}
	return 1.0
}

// Acquire obtains a permit for nodeID at the given base cost weight and
// priority, blocking until granted or ctx is cancelled. The consumed cost is
// costWeight x priority.CostFactor(). The returned lease must be released on
// every exit path.
func (g *Governor) Acquire(ctx context.Context, nodeID string, costWeight float64, pri Priority) (*Lease, error) {
	if !g.opts.Enable {
		return &Lease{NodeID: nodeID, Priority: pri, AcquiredAt: time.Now()}, nil
	}

	cost := g.ResolveCost(nodeID, costWeight) * pri.CostFactor()
	if cost > g.opts.MaxBurstSize {
		return nil, &ExecError{
			Code:       "RESOURCE_EXHAUSTED",
			Message:    fmt.Sprintf("effective cost %.2f exceeds max burst size %.2f", cost, g.opts.MaxBurstSize),
			NodeID:     nodeID,
			CostWeight: cost,
			Priority:   pri,
			Err:        ErrResourceExhausted,
		}
	}

	now := time.Now()
	g.mu.Lock()
	g.refillLocked(now)
	if ok, usesBypass := g.admissibleLocked(cost, pri); ok && g.waiters.Len() == 0 {
		g.consumeLocked(cost, usesBypass)
		g.mu.Unlock()
		return g.newLease(nodeID, cost, pri, now), nil
	}

	// Throttled: queue as a waiter and report exhaustion.
	w := &waiter{
		priority: pri,
		seq:      g.waiterSeq,
		cost:     cost,
		nodeID:   nodeID,
		ch:       make(chan struct{}),
	}
	g.waiterSeq++
	heap.Push(&g.waiters, w)
	ev := g.exhaustionEventLocked(nodeID, now)
	handler := g.onExhausted
	g.mu.Unlock()

	if handler != nil {
		handler(ev)
	}

	ticker := time.NewTicker(refillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			if w.granted {
				// Granted concurrently with cancellation: hand the weight
				// back so the budget stays conserved.
				g.outstanding -= w.cost
				g.grantLocked(time.Now())
			} else {
				heap.Remove(&g.waiters, w.index)
			}
			g.mu.Unlock()
			return nil, &ExecError{
				Code:       "CANCELLED",
				Message:    "acquisition cancelled while waiting for permit: " + ctx.Err().Error(),
				NodeID:     nodeID,
				CostWeight: cost,
				Priority:   pri,
				Err:        ErrCancelled,
			}
		case <-w.ch:
			return g.newLease(nodeID, cost, pri, time.Now()), nil
		case <-ticker.C:
			g.mu.Lock()
			g.grantLocked(time.Now())
			g.mu.Unlock()
		}
	}
}

// TryAcquire is the non-blocking form of Acquire: if no permit is available
// right now it fails with ErrResourceExhausted instead of suspending.
func (g *Governor) TryAcquire(nodeID string, costWeight float64, pri Priority) (*Lease, error) {
	if !g.opts.Enable {
		return &Lease{NodeID: nodeID, Priority: pri, AcquiredAt: time.Now()}, nil
	}

	cost := g.ResolveCost(nodeID, costWeight) * pri.CostFactor()
	now := time.Now()

	g.mu.Lock()
	g.refillLocked(now)
	ok, usesBypass := g.admissibleLocked(cost, pri)
	if ok && g.waiters.Len() == 0 && cost <= g.opts.MaxBurstSize {
		g.consumeLocked(cost, usesBypass)
		g.mu.Unlock()
		return g.newLease(nodeID, cost, pri, now), nil
	}
	ev := g.exhaustionEventLocked(nodeID, now)
	handler := g.onExhausted
	g.mu.Unlock()

	if handler != nil {
		handler(ev)
	}
	return nil, &ExecError{
		Code:       "RESOURCE_EXHAUSTED",
		Message:    "no permit available",
		NodeID:     nodeID,
		CostWeight: cost,
		Priority:   pri,
		Err:        ErrResourceExhausted,
	}
}

// Outstanding returns the sum of granted weight currently held by leases.
func (g *Governor) Outstanding() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding
}

// ExhaustionCount returns how many times acquisitions for nodeID have been
// throttled.
func (g *Governor) ExhaustionCount(nodeID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exhaustions[nodeID]
}

func (g *Governor) newLease(nodeID string, cost float64, pri Priority, at time.Time) *Lease {
	return &Lease{
		NodeID:     nodeID,
		CostWeight: cost,
		Priority:   pri,
		AcquiredAt: at,
		g:          g,
	}
}

func (g *Governor) release(cost float64) {
	g.mu.Lock()
	g.outstanding -= cost
	if g.outstanding < 0 {
		g.outstanding = 0
	}
	g.grantLocked(time.Now())
	g.mu.Unlock()
}

// refillLocked adds tokens for the elapsed time at the load-scaled rate and
// rolls the exhaustion window.
func (g *Governor) refillLocked(now time.Time) {
	if now.Sub(g.windowStart) >= g.opts.ExhaustionWindow {
		g.windowStart = now
		g.bypassUsed = false
	}

	elapsed := now.Sub(g.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	g.lastRefill = now

	rate := g.opts.BasePermitsPerSecond * g.rateScaleLocked()
	if rate <= 0 {
		return
	}
	g.tokens += rate * elapsed
	if g.tokens > g.opts.MaxBurstSize {
		g.tokens = g.opts.MaxBurstSize
	}
}

// rateScaleLocked returns the effective refill multiplier: 1.0 at or below
// the soft limit, declining linearly to 0 at the high watermark.
func (g *Governor) rateScaleLocked() float64 {
	soft, high := g.opts.CPUSoftLimitPercent, g.opts.CPUHighWatermarkPercent
	switch {
	case g.cpuPct <= soft || high <= soft:
		return 1.0
	case g.cpuPct >= high:
		return 0
	default:
		return 1.0 - (g.cpuPct-soft)/(high-soft)
	}
}

// admissibleLocked reports whether a grant of the given effective cost is
// allowed right now, and whether granting it would consume the Critical
// cooperative-preemption bypass.
func (g *Governor) admissibleLocked(cost float64, pri Priority) (ok, usesBypass bool) {
	if g.cpuPct >= g.opts.CPUHighWatermarkPercent && g.opts.CPUHighWatermarkPercent > 0 {
		return false, false
	}
	if g.hasMemory && g.opts.MinAvailableMemoryMB > 0 && g.availMem < g.opts.MinAvailableMemoryMB {
		if pri != PriorityCritical || !g.opts.EnableCooperativePreemption || g.bypassUsed {
			return false, false
		}
		usesBypass = true
	}
	if g.tokens < cost || g.outstanding+cost > g.opts.MaxBurstSize {
		return false, false
	}
	return true, usesBypass
}

func (g *Governor) consumeLocked(cost float64, usesBypass bool) {
	g.tokens -= cost
	g.outstanding += cost
	if usesBypass {
		g.bypassUsed = true
	}
}

// grantLocked admits queued waiters, head first, for as long as the head is
// admissible. Granting strictly from the head preserves priority-weighted
// fairness.
func (g *Governor) grantLocked(now time.Time) {
	g.refillLocked(now)
	for g.waiters.Len() > 0 {
		head := g.waiters[0]
		ok, usesBypass := g.admissibleLocked(head.cost, head.priority)
		if !ok {
			return
		}
		heap.Pop(&g.waiters)
		g.consumeLocked(head.cost, usesBypass)
		head.granted = true
		close(head.ch)
	}
}

func (g *Governor) exhaustionEventLocked(nodeID string, now time.Time) BudgetExhaustedEvent {
	g.exhaustions[nodeID]++
	return BudgetExhaustedEvent{
		NodeID:            nodeID,
		Timestamp:         now,
		CPUPercent:        g.cpuPct,
		AvailableMemoryMB: g.availMem,
		ExhaustionCount:   g.exhaustions[nodeID],
	}
}
