package exec

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
)

// ExecContext carries the per-run determinism state through one graph
// execution: the seed, the active priority, and the queue/governor handles.
//
// The reproducibility contract: identical seed + identical input state yield
// an identical sequence of scheduling and merge decisions across runs, even
// though wall-clock concurrency may differ. Everything random a node does
// must therefore draw from the context's RNG, never from global or
// time-derived sources.
//
// Contexts are cloned into each branch (never shared): every branch gets its
// own RNG stream derived from (seed, work ID), so streams stay stable no
// matter which worker runs the branch or when it completes.
type ExecContext struct {
	// RunID identifies this execution.
	RunID string

	// Seed is the run's reproducibility seed.
	Seed uint64

	// Priority is the active execution priority.
	Priority Priority

	rng      *rand.Rand
	queue    *WorkQueue
	governor *Governor
}

// newExecContext builds the root context for a run.
func newExecContext(runID string, seed uint64, pri Priority, q *WorkQueue, g *Governor) *ExecContext {
	return &ExecContext{
		RunID:    runID,
		Seed:     seed,
		Priority: pri,
		rng:      seededRNG(seed, 0),
		queue:    q,
		governor: g,
	}
}

// Branch derives a branch-local context whose RNG stream depends only on
// (seed, workID). Branch contexts are independent: concurrent branches never
// contend on a shared RNG.
func (ec *ExecContext) Branch(workID uint64) *ExecContext {
	return &ExecContext{
		RunID:    ec.RunID,
		Seed:     ec.Seed,
		Priority: ec.Priority,
		rng:      seededRNG(ec.Seed, workID),
		queue:    ec.queue,
		governor: ec.governor,
	}
}

// RNG returns the context's seeded random source. Not safe for use from
// multiple goroutines; each branch owns its own context.
func (ec *ExecContext) RNG() *rand.Rand {
	return ec.rng
}

// seededRNG derives a rand.Rand from (seed, salt) via SHA-256, so nearby
// seeds and work IDs still produce well-separated streams.
func seededRNG(seed, salt uint64) *rand.Rand {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], seed)
	binary.BigEndian.PutUint64(buf[8:], salt)
	sum := sha256.Sum256(buf[:])
	derived := binary.BigEndian.Uint64(sum[:8])
	return rand.New(rand.NewSource(int64(derived))) // #nosec G404 -- reproducibility RNG, not security
}

// ctxKey is the private type for context.Context values set by the core.
type ctxKey int

const (
	rngCtxKey ctxKey = iota
	workIDCtxKey
)

// withBranchValues attaches a branch's RNG and work ID to a context so node
// callbacks can reach them without depending on scheduler internals.
func withBranchValues(ctx context.Context, ec *ExecContext, workID uint64) context.Context {
	ctx = context.WithValue(ctx, rngCtxKey, ec.rng)
	return context.WithValue(ctx, workIDCtxKey, workID)
}

// RNGFromContext returns the seeded RNG for the current node invocation.
// Nodes needing randomness must use this to stay replayable; it is nil
// outside node execution.
func RNGFromContext(ctx context.Context) *rand.Rand {
	rng, _ := ctx.Value(rngCtxKey).(*rand.Rand)
	return rng
}

// WorkIDFromContext returns the deterministic work-item ID for the current
// branch, or zero outside a fork.
func WorkIDFromContext(ctx context.Context) uint64 {
	id, _ := ctx.Value(workIDCtxKey).(uint64)
	return id
}
