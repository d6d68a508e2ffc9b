// Package report builds the performance report consumed by the CLI and the
// HTTP layer: per-stage span statistics, SLO/Budget compliance, cache
// effectiveness, and dependency health.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/pipeline-runtime/internal/model"
	"github.com/sells-group/pipeline-runtime/internal/pareto"
	"github.com/sells-group/pipeline-runtime/internal/resilience"
)

// SchemaVersion identifies the report wire format. Bump on any breaking
// field change.
const SchemaVersion = "1"

// StageStat is the reported view of one span.
type StageStat struct {
	StageID       string  `json:"stage_id"`
	Status        string  `json:"status"`
	DurationMs    int64   `json:"duration_ms"`
	Attempts      int     `json:"attempts"`
	FromCache     bool    `json:"from_cache"`
	ExternalCalls int     `json:"external_calls"`
	Tokens        int     `json:"tokens"`
	CostUSD       float64 `json:"cost_usd"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// Compliance reports the run against its ceilings. A zero ceiling means
// the axis was unconstrained and trivially compliant.
type Compliance struct {
	SLOMaxLatencyMs  float64 `json:"slo_max_latency_ms"`
	BudgetMaxCostUSD float64 `json:"budget_max_cost_usd"`
	WithinSLO        bool    `json:"within_slo"`
	WithinBudget     bool    `json:"within_budget"`
}

// Report is the full performance report.
type Report struct {
	SchemaVersion string    `json:"schema_version"`
	RunID         string    `json:"run_id"`
	GeneratedAt   time.Time `json:"generated_at"`

	Stages          []StageStat     `json:"stages"`
	Warnings        []model.Warning `json:"warnings,omitempty"`
	StagesSucceeded int             `json:"stages_succeeded"`
	StagesCached    int             `json:"stages_cached"`
	StagesFailed    int             `json:"stages_failed"`

	CacheHits    int     `json:"cache_hits"`
	CacheMisses  int     `json:"cache_misses"`
	CacheHitRate float64 `json:"cache_hit_rate"`

	TotalCostUSD    float64 `json:"total_cost_usd"`
	TotalDurationMs int64   `json:"total_duration_ms"`
	QualityScore    float64 `json:"quality_score,omitempty"`

	FailureReason       string `json:"failure_reason,omitempty"`
	ConstraintViolation bool   `json:"constraint_violation,omitempty"`

	Compliance Compliance            `json:"compliance"`
	Breakers   []resilience.Snapshot `json:"breakers,omitempty"`
}

// Build assembles a report from a run result, the ceilings it ran under,
// and the breaker state observed at run end.
func Build(result *model.RunResult, constraints pareto.Constraints, breakers []resilience.Snapshot, now time.Time) *Report {
	r := &Report{
		SchemaVersion:       SchemaVersion,
		RunID:               result.RunID,
		GeneratedAt:         now.UTC(),
		Warnings:            result.Warnings,
		CacheHits:           result.CacheHits,
		CacheMisses:         result.CacheMisses,
		TotalCostUSD:        result.TotalCostUSD,
		TotalDurationMs:     result.TotalDurationMs,
		QualityScore:        result.QualityScore,
		FailureReason:       result.FailureReason,
		ConstraintViolation: result.ConstraintViolation,
		Breakers:            breakers,
	}

	r.Stages = make([]StageStat, 0, len(result.Spans))
	for _, s := range result.Spans {
		r.Stages = append(r.Stages, StageStat{
			StageID:       s.StageID,
			Status:        string(s.Status),
			DurationMs:    s.DurationMs,
			Attempts:      s.Attempts,
			FromCache:     s.FromCache,
			ExternalCalls: s.ExternalCalls,
			Tokens:        s.Tokens,
			CostUSD:       s.CostUSD,
			FailureReason: s.FailureReason,
		})
		switch s.Status {
		case model.StageSucceeded:
			r.StagesSucceeded++
		case model.StageSkippedCached:
			r.StagesCached++
		case model.StageFailed:
			r.StagesFailed++
		}
	}
	sort.Slice(r.Stages, func(i, j int) bool { return r.Stages[i].StageID < r.Stages[j].StageID })

	if lookups := r.CacheHits + r.CacheMisses; lookups > 0 {
		r.CacheHitRate = float64(r.CacheHits) / float64(lookups)
	}

	r.Compliance = Compliance{
		SLOMaxLatencyMs:  constraints.SLOMaxLatencyMs,
		BudgetMaxCostUSD: constraints.BudgetMaxCostUSD,
		WithinSLO:        constraints.SLOMaxLatencyMs <= 0 || float64(result.TotalDurationMs) <= constraints.SLOMaxLatencyMs,
		WithinBudget:     constraints.BudgetMaxCostUSD <= 0 || result.TotalCostUSD <= constraints.BudgetMaxCostUSD,
	}
	return r
}

// Format generates the human-readable report.
func Format(r *Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Pipeline Run Report: %s\n", r.RunID)
	fmt.Fprintf(&b, "Schema: %s\n", r.SchemaVersion)
	fmt.Fprintf(&b, "Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339))

	// Summary.
	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "- Stages: %d (%d succeeded, %d cached, %d failed)\n",
		len(r.Stages), r.StagesSucceeded, r.StagesCached, r.StagesFailed)
	fmt.Fprintf(&b, "- Cache: %d hits, %d misses (%.0f%% hit rate)\n",
		r.CacheHits, r.CacheMisses, r.CacheHitRate*100)
	fmt.Fprintf(&b, "- Total cost: $%.4f\n", r.TotalCostUSD)
	fmt.Fprintf(&b, "- Duration: %dms\n", r.TotalDurationMs)
	if r.QualityScore > 0 {
		fmt.Fprintf(&b, "- Quality score: %.2f\n", r.QualityScore)
	}
	if r.FailureReason != "" {
		fmt.Fprintf(&b, "- Failure reason: %s\n", r.FailureReason)
	}
	if r.ConstraintViolation {
		b.WriteString("- CONSTRAINT VIOLATION: no feasible strategy, degrade path taken\n")
	}
	b.WriteString("\n")

	// Compliance.
	b.WriteString("## Compliance\n")
	b.WriteString("- SLO: " + complianceLine(r.Compliance.WithinSLO,
		fmt.Sprintf("%dms against %.0fms ceiling", r.TotalDurationMs, r.Compliance.SLOMaxLatencyMs),
		r.Compliance.SLOMaxLatencyMs <= 0) + "\n")
	b.WriteString("- Budget: " + complianceLine(r.Compliance.WithinBudget,
		fmt.Sprintf("$%.4f against $%.4f ceiling", r.TotalCostUSD, r.Compliance.BudgetMaxCostUSD),
		r.Compliance.BudgetMaxCostUSD <= 0) + "\n\n")

	// Stage results.
	b.WriteString("## Stages\n")
	for _, s := range r.Stages {
		fmt.Fprintf(&b, "- %s: %s (%dms, %d attempts, $%.4f)", s.StageID, s.Status, s.DurationMs, s.Attempts, s.CostUSD)
		if s.FromCache {
			b.WriteString(" [cached]")
		}
		b.WriteString("\n")
		if s.FailureReason != "" {
			fmt.Fprintf(&b, "  Failure: %s\n", s.FailureReason)
		}
	}
	b.WriteString("\n")

	if len(r.Warnings) > 0 {
		b.WriteString("## Warnings\n")
		for _, w := range r.Warnings {
			if w.StageID != "" {
				fmt.Fprintf(&b, "- [%s] %s: %s\n", w.StageID, w.Reason, w.Message)
			} else {
				fmt.Fprintf(&b, "- %s: %s\n", w.Reason, w.Message)
			}
		}
		b.WriteString("\n")
	}

	if len(r.Breakers) > 0 {
		b.WriteString("## Dependencies\n")
		snaps := make([]resilience.Snapshot, len(r.Breakers))
		copy(snaps, r.Breakers)
		sort.Slice(snaps, func(i, j int) bool { return snaps[i].Dependency < snaps[j].Dependency })
		for _, snap := range snaps {
			fmt.Fprintf(&b, "- %s: %s (%d consecutive failures)\n",
				snap.Dependency, snap.State, snap.ConsecutiveFailures)
		}
	}

	return b.String()
}

func complianceLine(within bool, detail string, unconstrained bool) string {
	if unconstrained {
		return "unconstrained"
	}
	if within {
		return "within (" + detail + ")"
	}
	return "EXCEEDED (" + detail + ")"
}
