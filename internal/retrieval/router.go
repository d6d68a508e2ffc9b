package retrieval

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pipeline-runtime/internal/cost"
	"github.com/sells-group/pipeline-runtime/internal/pareto"
)

// Plan is a routed retrieval decision: which strategy to generate with and
// whether the refinement pass is in scope.
type Plan struct {
	Strategy string             `json:"strategy"`
	Rerank   bool               `json:"rerank"`
	Selected pareto.Candidate   `json:"selected"`
	Frontier []pareto.Candidate `json:"frontier"`

	// ConstraintViolation carries the selector's infeasibility flag through
	// to the caller; the plan is the cheapest degrade path, not a normal
	// selection.
	ConstraintViolation bool `json:"constraint_violation"`
}

// Router builds pareto candidates for every configured strategy, with and
// without the refinement pass, and delegates selection.
type Router struct {
	cfg     *Config
	costs   *cost.Model
	quality *cost.QualityEstimator
}

// NewRouter wires a router. The model and estimator are shared with the
// rest of the runtime so span history sharpens routing over time.
func NewRouter(cfg *Config, costs *cost.Model, quality *cost.QualityEstimator) *Router {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Router{cfg: cfg, costs: costs, quality: quality}
}

// Candidates projects every strategy into the selector's space: the base
// pass alone, and the base pass plus refinement. Strategy order is sorted
// so candidate construction is deterministic.
func (r *Router) Candidates() []pareto.Candidate {
	ids := make([]string, 0, len(r.cfg.Strategies))
	for id := range r.cfg.Strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rerankEst := r.costs.Estimate(rerankID)
	rerankGain := r.quality.Gain(rerankID)

	candidates := make([]pareto.Candidate, 0, 2*len(ids))
	for _, id := range ids {
		est := r.costs.Estimate(id)
		gain := r.quality.Gain(id)
		candidates = append(candidates,
			pareto.Candidate{
				ID:        id,
				CostUSD:   est.ExpectedCostUSD,
				LatencyMs: est.ExpectedLatencyMs,
				Quality:   gain,
			},
			pareto.Candidate{
				ID:        id + rerankSuffix,
				CostUSD:   est.ExpectedCostUSD + rerankEst.ExpectedCostUSD,
				LatencyMs: est.ExpectedLatencyMs + rerankEst.ExpectedLatencyMs,
				Quality:   gain + rerankGain,
			},
		)
	}
	return candidates
}

// Route selects a plan for the given ceilings.
func (r *Router) Route(constraints pareto.Constraints) (Plan, error) {
	result, err := pareto.Select(r.Candidates(), constraints)
	if err != nil {
		return Plan{}, eris.Wrap(err, "retrieval: route")
	}

	strategy, rerank := splitPlanID(result.Selected.ID)
	plan := Plan{
		Strategy:            strategy,
		Rerank:              rerank,
		Selected:            result.Selected,
		Frontier:            result.Frontier,
		ConstraintViolation: result.ConstraintViolation,
	}

	zap.L().Info("retrieval: routed",
		zap.String("strategy", plan.Strategy),
		zap.Bool("rerank", plan.Rerank),
		zap.Bool("constraint_violation", plan.ConstraintViolation),
		zap.Float64("expected_cost_usd", plan.Selected.CostUSD),
		zap.Float64("expected_latency_ms", plan.Selected.LatencyMs),
	)
	return plan, nil
}

func splitPlanID(id string) (strategy string, rerank bool) {
	strategy, rerank = strings.CutSuffix(id, rerankSuffix)
	return strategy, rerank
}
