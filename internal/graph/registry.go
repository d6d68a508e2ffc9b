// Package graph builds and executes the dependency-aware stage DAG.
package graph

import (
	"context"
	"time"
)

// Inputs maps dependency stage ids to their outputs.
type Inputs map[string][]byte

// SpanMeta is the resource metadata an executor reports for one call.
type SpanMeta struct {
	ExternalCalls int
	Tokens        int
	CostUSD       float64
}

// Result is what an executor produces. When Execute also returns an error,
// Data may still carry partial output produced before the failure; the
// runner preserves it in the bundle rather than discarding it.
type Result struct {
	Data []byte
	Meta SpanMeta
}

// Executor is the fixed capability contract a stage implementation
// provides. Stage internals (evidence grading, retrieval ranking, report
// rendering) are opaque to the runtime.
type Executor interface {
	Execute(ctx context.Context, inputs Inputs) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, inputs Inputs) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, inputs Inputs) (Result, error) {
	return f(ctx, inputs)
}

// CachePolicy declares whether a stage's output may be cached and which
// stage-level parameters participate in the cache key.
type CachePolicy struct {
	Cacheable bool
	// KeyInputs are stage parameters folded into the key's config
	// component. Anything that changes the output belongs here.
	KeyInputs map[string]any
}

// StageSpec declares one stage of the graph.
type StageSpec struct {
	// ID is the unique stage identifier, also used as the bundle segment id.
	ID string

	// DependsOn lists the ids of stages whose outputs this stage consumes.
	DependsOn []string

	// Dependency names the external service this stage calls, if any. It
	// selects the circuit breaker and rate limiter shared by all stages
	// hitting the same service. Empty means pure local compute.
	Dependency string

	// MaxDuration bounds one execution attempt. Exceeding it is classified
	// as a TIMEOUT failure. Zero means unbounded.
	MaxDuration time.Duration

	// ExtractorVersion and ModelVersion are cache key components: bumping
	// either invalidates previously cached outputs for this stage.
	ExtractorVersion string
	ModelVersion     string

	CachePolicy CachePolicy
	Executor    Executor
}

// Registry is a typed mapping from stage id to its spec, in declaration
// order. No reflection, no name-based dynamic lookup.
type Registry struct {
	specs []StageSpec
	byID  map[string]int
}

// NewRegistry creates an empty stage registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]int)}
}

// Register appends a stage spec. Duplicate ids are rejected at Build time.
func (r *Registry) Register(spec StageSpec) *Registry {
	r.specs = append(r.specs, spec)
	if _, exists := r.byID[spec.ID]; !exists {
		r.byID[spec.ID] = len(r.specs) - 1
	}
	return r
}

// Specs returns the registered specs in declaration order.
func (r *Registry) Specs() []StageSpec {
	return r.specs
}

// Lookup returns the spec for id.
func (r *Registry) Lookup(id string) (StageSpec, bool) {
	i, ok := r.byID[id]
	if !ok {
		return StageSpec{}, false
	}
	return r.specs[i], true
}
