package exec

// Priority orders work items for permit acquisition and scales their
// effective cost. Higher priorities consume less budget per unit of node
// cost, so they are cheaper to schedule under contention and overtake queued
// lower-priority work when permits become scarce.
type Priority int

const (
	// PriorityLow is background work; costs 1.5x its base weight.
	PriorityLow Priority = iota

	// PriorityNormal is the default priority; costs exactly its base weight.
	PriorityNormal

	// PriorityHigh is latency-sensitive work; costs 0.6x its base weight.
	PriorityHigh

	// PriorityCritical is must-run work; costs 0.5x its base weight and may
	// bypass the governor's memory floor once per exhaustion window when
	// cooperative preemption is enabled.
	PriorityCritical
)

// CostFactor returns the multiplier applied to a node's base cost weight
// before permit consumption. The factor is monotonically non-increasing in
// priority: for any fixed base weight, a higher-priority request never costs
// more than a lower-priority one.
func (p Priority) CostFactor() float64 {
	switch p {
	case PriorityLow:
		return 1.5
	case PriorityHigh:
		return 0.6
	case PriorityCritical:
		return 0.5
	default:
		return 1.0
	}
}

// String returns the priority name for logs and events.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}
