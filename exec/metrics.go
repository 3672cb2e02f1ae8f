package exec

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects execution-core metrics for production
// monitoring, namespaced "kernelgraph":
//
//   - permits_outstanding (gauge): granted weight currently held by leases
//   - permit_wait_ms (histogram): time spent blocked in Governor.Acquire
//   - queue_depth (gauge): pending work items
//   - inflight_branches (gauge): branches currently executing
//   - branch_latency_ms (histogram): branch execution duration by node/status
//   - breaker_transitions_total (counter): circuit state changes
//   - merge_conflicts_total (counter): join-point conflicts by policy
//   - budget_exhausted_total (counter): governor throttling events by node
//
// All methods are nil-safe: a nil *PrometheusMetrics disables collection,
// so call sites never need a guard.
type PrometheusMetrics struct {
	permitsOutstanding prometheus.Gauge
	queueDepth         prometheus.Gauge
	inflightBranches   prometheus.Gauge

	permitWait    prometheus.Histogram
	branchLatency *prometheus.HistogramVec

	breakerTransitions *prometheus.CounterVec
	mergeConflicts     *prometheus.CounterVec
	budgetExhausted    *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all execution metrics with the
// given registry. A nil registry uses prometheus.DefaultRegisterer.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := exec.NewPrometheusMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		permitsOutstanding: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernelgraph",
			Name:      "permits_outstanding",
			Help:      "Sum of granted permit weight currently held by active leases",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernelgraph",
			Name:      "queue_depth",
			Help:      "Number of pending work items in the deterministic work queue",
		}),
		inflightBranches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernelgraph",
			Name:      "inflight_branches",
			Help:      "Number of forked branches currently executing",
		}),
		permitWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kernelgraph",
			Name:      "permit_wait_ms",
			Help:      "Time spent blocked acquiring an execution permit in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}),
		branchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kernelgraph",
			Name:      "branch_latency_ms",
			Help:      "Branch execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node_id", "status"}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernelgraph",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"node_id", "from", "to"}),
		mergeConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernelgraph",
			Name:      "merge_conflicts_total",
			Help:      "State merge conflicts observed at join points",
		}, []string{"policy", "resolved"}),
		budgetExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernelgraph",
			Name:      "budget_exhausted_total",
			Help:      "Resource governor throttling events",
		}, []string{"node_id"}),
	}
}

// SetPermitsOutstanding records the governor's current outstanding weight.
func (pm *PrometheusMetrics) SetPermitsOutstanding(weight float64) {
	if pm == nil {
		return
	}
	pm.permitsOutstanding.Set(weight)
}

// SetQueueDepth records the pending work-item count.
func (pm *PrometheusMetrics) SetQueueDepth(depth int) {
	if pm == nil {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

// SetInflightBranches records the executing branch count.
func (pm *PrometheusMetrics) SetInflightBranches(count int) {
	if pm == nil {
		return
	}
	pm.inflightBranches.Set(float64(count))
}

// ObservePermitWait records how long one acquisition blocked.
func (pm *PrometheusMetrics) ObservePermitWait(d time.Duration) {
	if pm == nil {
		return
	}
	pm.permitWait.Observe(float64(d.Milliseconds()))
}

// ObserveBranchLatency records one branch's execution duration.
// Status is "success", "failed", or "cancelled".
func (pm *PrometheusMetrics) ObserveBranchLatency(nodeID string, d time.Duration, status string) {
	if pm == nil {
		return
	}
	pm.branchLatency.WithLabelValues(nodeID, status).Observe(float64(d.Milliseconds()))
}

// IncBreakerTransition counts one circuit state change.
func (pm *PrometheusMetrics) IncBreakerTransition(nodeID string, from, to BreakerState) {
	if pm == nil {
		return
	}
	pm.breakerTransitions.WithLabelValues(nodeID, from.String(), to.String()).Inc()
}

// IncMergeConflict counts one observed merge conflict.
func (pm *PrometheusMetrics) IncMergeConflict(policy MergePolicy, resolved bool) {
	if pm == nil {
		return
	}
	label := "true"
	if !resolved {
		label = "false"
	}
	pm.mergeConflicts.WithLabelValues(policy.String(), label).Inc()
}

// IncBudgetExhausted counts one governor throttling event.
func (pm *PrometheusMetrics) IncBudgetExhausted(nodeID string) {
	if pm == nil {
		return
	}
	pm.budgetExhausted.WithLabelValues(nodeID).Inc()
}
