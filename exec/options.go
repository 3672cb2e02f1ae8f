package exec

import (
	"fmt"

	"github.com/satanbaby/kernelgraph/exec/emit"
	"github.com/satanbaby/kernelgraph/exec/store"
)

const (
	defaultMaxParallelism = 8
	defaultQueueDepth     = 1024
	defaultMaxSteps       = 1000
)

// ConcurrencyOptions configures fork/join scheduling and state merging.
type ConcurrencyOptions struct {
	// EnableParallelExecution turns concurrent branch execution on. When
	// false every fan-out degrades to sequential execution in deterministic
	// order (same semantics, no concurrency).
	EnableParallelExecution bool

	// MaxDegreeOfParallelism bounds how many branches run at once.
	MaxDegreeOfParallelism int

	// QueueDepth bounds the pending work-item queue; enqueueing past it
	// blocks (backpressure).
	QueueDepth int

	// MergeConfig selects conflict policies for join-point merges.
	MergeConfig MergeConfig

	// FallbackToSequentialOnCycles degrades a fan-out to sequential
	// execution when the fork sits on a cycle, instead of running the
	// cyclic branches concurrently.
	FallbackToSequentialOnCycles bool

	// AllowPartialMerge merges the surviving branches when some fail,
	// instead of failing the whole join. The default is fail-fast: any
	// branch failure surfaces as an aggregate BranchFailed error.
	AllowPartialMerge bool
}

// DefaultConcurrencyOptions enables parallelism with 8 workers, a queue
// depth of 1024, sequential fallback on cycles, and fail-fast merging under
// the PreferFirst default policy.
func DefaultConcurrencyOptions() ConcurrencyOptions {
	return ConcurrencyOptions{
		EnableParallelExecution:      true,
		MaxDegreeOfParallelism:       defaultMaxParallelism,
		QueueDepth:                   defaultQueueDepth,
		FallbackToSequentialOnCycles: true,
	}
}

// Validate reports configuration errors.
func (o ConcurrencyOptions) Validate() error {
	if o.MaxDegreeOfParallelism < 1 {
		return fmt.Errorf("MaxDegreeOfParallelism must be >= 1, got %d", o.MaxDegreeOfParallelism)
	}
	if o.QueueDepth < 1 {
		return fmt.Errorf("QueueDepth must be >= 1, got %d", o.QueueDepth)
	}
	return nil
}

// Options is the executor's collected configuration. Zero values fall back
// to defaults at construction.
type Options struct {
	// MaxSteps bounds the run loop as the guard against unbounded cycles.
	MaxSteps int

	// Seed is the default reproducibility seed; RunSeeded overrides it
	// per run.
	Seed uint64

	// Concurrency, Resources, and Breakers configure the respective
	// subsystems.
	Concurrency ConcurrencyOptions
	Resources   ResourceOptions
	Breakers    CircuitBreakerOptions

	// NodeBreakers holds per-node breaker overrides.
	NodeBreakers map[string]CircuitBreakerOptions

	// Emitter receives observability events; nil means no sink attached.
	Emitter emit.Emitter

	// Metrics receives Prometheus observations; nil disables collection.
	Metrics *PrometheusMetrics

	// Store records run traces for audit and replay verification; nil
	// disables recording.
	Store store.Store
}

// Option is a functional option for configuring an Executor.
type Option func(*Options) error

// WithMaxSteps bounds the run loop; exceeding it fails the run with
// ErrMaxStepsExceeded.
func WithMaxSteps(n int) Option {
	return func(o *Options) error {
		if n < 1 {
			return fmt.Errorf("MaxSteps must be >= 1, got %d", n)
		}
		o.MaxSteps = n
		return nil
	}
}

// WithSeed sets the default reproducibility seed for runs started via Run.
func WithSeed(seed uint64) Option {
	return func(o *Options) error {
		o.Seed = seed
		return nil
	}
}

// WithConcurrency replaces the fork/join configuration.
func WithConcurrency(c ConcurrencyOptions) Option {
	return func(o *Options) error {
		if err := c.Validate(); err != nil {
			return err
		}
		o.Concurrency = c
		return nil
	}
}

// WithMaxParallelism sets only the parallelism degree, keeping the rest of
// the concurrency configuration.
func WithMaxParallelism(n int) Option {
	return func(o *Options) error {
		if n < 1 {
			return fmt.Errorf("MaxDegreeOfParallelism must be >= 1, got %d", n)
		}
		o.Concurrency.MaxDegreeOfParallelism = n
		return nil
	}
}

// WithMergeConfig sets the join-point conflict policies.
func WithMergeConfig(cfg MergeConfig) Option {
	return func(o *Options) error {
		o.Concurrency.MergeConfig = cfg
		return nil
	}
}

// WithResources replaces the governor configuration.
func WithResources(r ResourceOptions) Option {
	return func(o *Options) error {
		if r.Enable {
			if err := r.Validate(); err != nil {
				return err
			}
		}
		o.Resources = r
		return nil
	}
}

// WithBreakers replaces the global circuit breaker configuration.
func WithBreakers(b CircuitBreakerOptions) Option {
	return func(o *Options) error {
		if err := b.Validate(); err != nil {
			return err
		}
		o.Breakers = b
		return nil
	}
}

// WithNodeBreaker registers breaker options for one node, overriding the
// global configuration for that node only.
func WithNodeBreaker(nodeID string, b CircuitBreakerOptions) Option {
	return func(o *Options) error {
		if nodeID == "" {
			return fmt.Errorf("node ID cannot be empty")
		}
		if err := b.Validate(); err != nil {
			return err
		}
		if o.NodeBreakers == nil {
			o.NodeBreakers = make(map[string]CircuitBreakerOptions)
		}
		o.NodeBreakers[nodeID] = b
		return nil
	}
}

// WithEmitter attaches the observability event sink.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) error {
		o.Emitter = e
		return nil
	}
}

// WithMetrics attaches Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(o *Options) error {
		o.Metrics = m
		return nil
	}
}

// WithStore attaches the run-trace store.
func WithStore(s store.Store) Option {
	return func(o *Options) error {
		o.Store = s
		return nil
	}
}
