// Package exec implements the deterministic parallel execution core of the
// kernelgraph workflow engine.
//
// The package schedules independent graph branches concurrently while keeping
// every semantic decision reproducible: work items carry monotonic per-run
// IDs, branch results are merged in work-queue order (never in
// wall-clock completion order), and all randomness flows from a per-run seed.
//
// Components:
//
//   - Governor: weighted, priority-aware execution permits with token-bucket
//     throttling and adaptive backpressure under CPU/memory load.
//   - BreakerManager: per-node circuit breakers consulted before each node
//     invocation, optionally tripped by sustained budget exhaustion.
//   - WorkQueue: monotonic work-item IDs and a deterministic total order over
//     pending branches.
//   - Executor: the run loop and fork/join scheduler; the only component that
//     spawns concurrent work.
//   - Merger: combines branch-local state deltas under configurable per-key
//     and per-type conflict policies.
//
// Graph-specific logic enters the core only through the Node callback; the
// core reports outcomes through the emit.Emitter observer and optionally
// records run traces through a store.Store.
package exec
