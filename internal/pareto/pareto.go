// Package pareto chooses a feasible, quality-maximizing strategy under
// latency and budget ceilings. Pure Go — no API calls, no clock.
package pareto

import (
	"sort"

	"github.com/rotisserie/eris"
)

// Candidate is one strategy with its projected totals.
type Candidate struct {
	ID        string  `json:"strategy_id"`
	CostUSD   float64 `json:"total_cost_usd"`
	LatencyMs float64 `json:"total_latency_ms"`
	Quality   float64 `json:"total_quality"`
}

// Constraints are the hard ceilings a selection must satisfy. A zero or
// negative ceiling means unconstrained on that axis.
type Constraints struct {
	SLOMaxLatencyMs  float64 `yaml:"slo_max_latency_ms" mapstructure:"slo_max_latency_ms"`
	BudgetMaxCostUSD float64 `yaml:"budget_max_cost_usd" mapstructure:"budget_max_cost_usd"`
}

// Result is the outcome of a selection.
type Result struct {
	Selected Candidate   `json:"selected"`
	Frontier []Candidate `json:"frontier"`

	// ConstraintViolation is set when no candidate satisfied both ceilings
	// and the lowest-cost candidate was chosen instead. Never silently
	// reported as a normal selection.
	ConstraintViolation bool `json:"constraint_violation"`
}

// ErrNoCandidates is returned when selection is attempted over nothing.
var ErrNoCandidates = eris.New("pareto: no candidates")

// dominates reports whether a dominates b: no worse on every axis and
// strictly better on at least one.
func dominates(a, b Candidate) bool {
	if a.CostUSD > b.CostUSD || a.LatencyMs > b.LatencyMs || a.Quality < b.Quality {
		return false
	}
	return a.CostUSD < b.CostUSD || a.LatencyMs < b.LatencyMs || a.Quality > b.Quality
}

// Frontier returns the non-dominated subset, ordered by ascending cost then
// id for stable output.
func Frontier(candidates []Candidate) []Candidate {
	var frontier []Candidate
	for i, c := range candidates {
		dominated := false
		for j, other := range candidates {
			if i == j {
				continue
			}
			if dominates(other, c) {
				dominated = true
				break
			}
			// Exact duplicates: keep only the lexicographically first id.
			if other.CostUSD == c.CostUSD && other.LatencyMs == c.LatencyMs &&
				other.Quality == c.Quality && other.ID < c.ID {
				dominated = true
				break
			}
		}
		if !dominated {
			frontier = append(frontier, c)
		}
	}
	sort.Slice(frontier, func(i, j int) bool {
		if frontier[i].CostUSD != frontier[j].CostUSD {
			return frontier[i].CostUSD < frontier[j].CostUSD
		}
		return frontier[i].ID < frontier[j].ID
	})
	return frontier
}

func (c Constraints) satisfied(cand Candidate) bool {
	if c.SLOMaxLatencyMs > 0 && cand.LatencyMs > c.SLOMaxLatencyMs {
		return false
	}
	if c.BudgetMaxCostUSD > 0 && cand.CostUSD > c.BudgetMaxCostUSD {
		return false
	}
	return true
}

// Select picks the maximum-quality frontier candidate satisfying both
// ceilings. Ties break to lowest cost, then lowest latency, then
// lexicographic id, so selection is fully deterministic. When nothing is
// feasible, the lowest-cost frontier candidate is selected and the result
// is flagged as a constraint violation.
func Select(candidates []Candidate, constraints Constraints) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, ErrNoCandidates
	}

	frontier := Frontier(candidates)

	var feasible []Candidate
	for _, c := range frontier {
		if constraints.satisfied(c) {
			feasible = append(feasible, c)
		}
	}

	if len(feasible) == 0 {
		// Degrade deterministically: cheapest frontier candidate, flagged.
		cheapest := frontier[0]
		for _, c := range frontier[1:] {
			if lowerCost(c, cheapest) {
				cheapest = c
			}
		}
		return Result{Selected: cheapest, Frontier: frontier, ConstraintViolation: true}, nil
	}

	best := feasible[0]
	for _, c := range feasible[1:] {
		if betterQuality(c, best) {
			best = c
		}
	}
	return Result{Selected: best, Frontier: frontier}, nil
}

func betterQuality(a, b Candidate) bool {
	if a.Quality != b.Quality {
		return a.Quality > b.Quality
	}
	return lowerCost(a, b)
}

func lowerCost(a, b Candidate) bool {
	if a.CostUSD != b.CostUSD {
		return a.CostUSD < b.CostUSD
	}
	if a.LatencyMs != b.LatencyMs {
		return a.LatencyMs < b.LatencyMs
	}
	return a.ID < b.ID
}
