package exec

import (
	"context"
	"fmt"
	"sync"
)

// Node is a processing unit in the workflow graph. It receives a branch-local
// state clone, performs its work, and returns a NodeResult with the state
// delta and a routing decision.
//
// Nodes are the only way graph-specific logic enters the execution core.
// They must respect ctx cancellation at their internal checkpoints.
type Node interface {
	Run(ctx context.Context, state State) NodeResult
}

// NodeResult is the output of one node execution.
type NodeResult struct {
	// Delta holds the keys this node wrote. It is merged into the run
	// state, not a replacement for it.
	Delta State

	// Route decides where execution goes next.
	Route Next

	// Err halts this branch; sibling branches are unaffected.
	Err error
}

// Next is a routing decision: terminal, a single successor, or a fan-out to
// several successors executed as parallel branches.
type Next struct {
	// To routes to a single node. Mutually exclusive with Many and
	// Terminal.
	To string

	// Many fans out to multiple nodes. More than one entry triggers
	// fork/join scheduling.
	Many []string

	// Terminal stops the run.
	Terminal bool
}

// Stop returns a terminal route.
func Stop() Next { return Next{Terminal: true} }

// Goto routes to a single node.
func Goto(nodeID string) Next { return Next{To: nodeID} }

// FanOut routes to several nodes executed as parallel branches.
func FanOut(nodeIDs ...string) Next { return Next{Many: nodeIDs} }

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc func(ctx context.Context, state State) NodeResult

// Run implements Node.
func (f NodeFunc) Run(ctx context.Context, state State) NodeResult {
	return f(ctx, state)
}

// Predicate evaluates state to decide whether an edge is traversable.
// Predicates must be pure: deterministic and side-effect free, or the
// reproducibility contract breaks.
type Predicate func(state State) bool

// Graph is the workflow topology: nodes and edges held in an arena indexed
// by small integers. Node identity is by string ID at the API surface and by
// arena index internally, which keeps cycle detection and adjacency walks
// allocation-free.
//
// Graphs are safe for concurrent reads during execution; mutation
// (Add/Connect/StartAt) must finish before Run starts.
type Graph struct {
	mu    sync.RWMutex
	nodes []nodeEntry
	index map[string]int
	out   [][]graphEdge
	start int
}

type nodeEntry struct {
	id         string
	node       Node
	costWeight float64
}

type graphEdge struct {
	to   int
	when Predicate
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		index: make(map[string]int),
		start: -1,
	}
}

// Add registers a node with the default cost weight.
func (g *Graph) Add(nodeID string, n Node) error {
	return g.AddWithCost(nodeID, n, 0)
}

// AddWithCost registers a node with an explicit base cost weight consumed
// (after priority scaling) per execution permit. A zero weight defers to the
// governor's NodeCostWeights table; a negative weight is a programmer error
// and panics.
func (g *Graph) AddWithCost(nodeID string, n Node, costWeight float64) error {
	if nodeID == "" {
		return &ExecError{Code: "INVALID_NODE", Message: "node ID cannot be empty"}
	}
	if n == nil {
		return &ExecError{Code: "INVALID_NODE", Message: "node cannot be nil", NodeID: nodeID}
	}
	if costWeight < 0 {
		panic(fmt.Sprintf("exec: negative cost weight %v for node %s", costWeight, nodeID))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.index[nodeID]; exists {
		return &ExecError{Code: "DUPLICATE_NODE", Message: "duplicate node ID", NodeID: nodeID}
	}

	g.index[nodeID] = len(g.nodes)
	g.nodes = append(g.nodes, nodeEntry{id: nodeID, node: n, costWeight: costWeight})
	g.out = append(g.out, nil)
	return nil
}

// Connect creates an edge from one registered node to another. A nil
// predicate makes the edge unconditional. Both endpoints must already exist:
// the arena resolves edges to integer indices at construction time.
func (g *Graph) Connect(from, to string, when Predicate) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	fromIdx, ok := g.index[from]
	if !ok {
		return &ExecError{Code: "NODE_NOT_FOUND", Message: "edge source does not exist", NodeID: from}
	}
	toIdx, ok := g.index[to]
	if !ok {
		return &ExecError{Code: "NODE_NOT_FOUND", Message: "edge target does not exist", NodeID: to}
	}

	g.out[fromIdx] = append(g.out[fromIdx], graphEdge{to: toIdx, when: when})
	return nil
}

// StartAt sets the entry node for execution.
func (g *Graph) StartAt(nodeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.index[nodeID]
	if !ok {
		return &ExecError{Code: "NODE_NOT_FOUND", Message: "start node does not exist", NodeID: nodeID}
	}
	g.start = idx
	return nil
}

// lookup returns the arena index for a node ID.
func (g *Graph) lookup(nodeID string) (int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[nodeID]
	return idx, ok
}

// entry returns the arena entry at idx.
func (g *Graph) entry(idx int) nodeEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[idx]
}

// startIndex returns the configured entry node, or -1.
func (g *Graph) startIndex() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.start
}

// hasEdges reports whether idx has any outgoing edges.
func (g *Graph) hasEdges(idx int) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.out[idx]) > 0
}

// matchingEdges returns the targets of every edge from idx whose predicate
// accepts the state, in edge-registration order. More than one match is a
// fan-out.
func (g *Graph) matchingEdges(idx int, state State) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var targets []int
	for _, e := range g.out[idx] {
		if e.when == nil || e.when(state) {
			targets = append(targets, e.to)
		}
	}
	return targets
}

// cyclicFork reports whether any of the fork targets can reach back to the
// fork node, i.e. whether the fan-out sits on a cycle. This is the
// standalone pre-pass consulted by the scheduler's sequential-fallback
// decision; it ignores edge predicates and answers purely topologically.
func (g *Graph) cyclicFork(forkIdx int, targets []int) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make([]bool, len(g.nodes))
	stack := make([]int, 0, len(targets))
	stack = append(stack, targets...)

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == forkIdx {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, e := range g.out[cur] {
			stack = append(stack, e.to)
		}
	}
	return false
}
