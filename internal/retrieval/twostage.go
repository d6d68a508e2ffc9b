package retrieval

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pipeline-runtime/internal/cost"
	"github.com/sells-group/pipeline-runtime/internal/pareto"
)

// Document is one retrieved item.
type Document struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// PassResult is the output of one retrieval pass plus what it actually
// cost, mirroring the stage executor contract.
type PassResult struct {
	Documents []Document
	CostUSD   float64
	LatencyMs float64
}

// Backend executes the real retrieval passes. The runtime never looks
// inside a pass; it only prices and sequences them.
type Backend interface {
	Generate(ctx context.Context, query, strategy string) (PassResult, error)
	Rerank(ctx context.Context, query string, docs []Document) (PassResult, error)
}

// Result is the outcome of one two-stage retrieval.
type Result struct {
	Strategy  string     `json:"strategy"`
	Documents []Document `json:"documents"`
	Reranked  bool       `json:"reranked"`
	Tags      []string   `json:"tags,omitempty"`
	CostUSD   float64    `json:"cost_usd"`

	// PlanViolation is set when even the cheapest plan broke a ceiling and
	// retrieval proceeded on the degrade path.
	PlanViolation bool `json:"plan_violation,omitempty"`
}

// TwoStage always runs the cheap generation pass, then runs the refinement
// pass only when the plan includes it and the budget left after generation
// covers the refinement's estimated cost. Actual pass costs feed back into
// the cost model.
type TwoStage struct {
	router  *Router
	backend Backend
	costs   *cost.Model
}

// NewTwoStage wires the two-stage flow.
func NewTwoStage(router *Router, backend Backend, costs *cost.Model) *TwoStage {
	return &TwoStage{router: router, backend: backend, costs: costs}
}

// Run routes and executes one retrieval.
func (t *TwoStage) Run(ctx context.Context, query string, constraints pareto.Constraints) (*Result, error) {
	plan, err := t.router.Route(constraints)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("strategy", plan.Strategy))

	gen, err := t.backend.Generate(ctx, query, plan.Strategy)
	if err != nil {
		return nil, eris.Wrapf(err, "retrieval: generate with %s", plan.Strategy)
	}
	t.costs.Observe(plan.Strategy, cost.Observation{
		CostUSD:   gen.CostUSD,
		LatencyMs: gen.LatencyMs,
	})

	result := &Result{
		Strategy:      plan.Strategy,
		Documents:     gen.Documents,
		CostUSD:       gen.CostUSD,
		PlanViolation: plan.ConstraintViolation,
	}

	if !plan.Rerank {
		result.Tags = append(result.Tags, TagRerankSkipped)
		return result, nil
	}
	if !t.rerankAffordable(constraints, gen.CostUSD) {
		log.Info("retrieval: rerank priced out after generation",
			zap.Float64("generation_cost_usd", gen.CostUSD))
		result.Tags = append(result.Tags, TagRerankSkipped)
		return result, nil
	}

	reranked, err := t.backend.Rerank(ctx, query, gen.Documents)
	if err != nil {
		return nil, eris.Wrap(err, "retrieval: rerank")
	}
	t.costs.Observe(rerankID, cost.Observation{
		CostUSD:   reranked.CostUSD,
		LatencyMs: reranked.LatencyMs,
	})

	result.Documents = reranked.Documents
	result.Reranked = true
	result.CostUSD += reranked.CostUSD
	return result, nil
}

// rerankAffordable checks the refinement's estimated cost against what the
// budget has left after the generation pass actually ran.
func (t *TwoStage) rerankAffordable(constraints pareto.Constraints, spentUSD float64) bool {
	if constraints.BudgetMaxCostUSD <= 0 {
		return true
	}
	remaining := constraints.BudgetMaxCostUSD - spentUSD
	return remaining > t.costs.Estimate(rerankID).ExpectedCostUSD
}
