package report

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pipeline-runtime/internal/model"
	"github.com/sells-group/pipeline-runtime/internal/pareto"
	"github.com/sells-group/pipeline-runtime/internal/resilience"
)

func sampleResult() *model.RunResult {
	return &model.RunResult{
		RunID: "run-1",
		Spans: []model.Span{
			{StageID: "extract", Status: model.StageSucceeded, DurationMs: 120, Attempts: 1, CostUSD: 0.02},
			{StageID: "grade", Status: model.StageSkippedCached, FromCache: true},
			{StageID: "publish", Status: model.StageFailed, Attempts: 3, FailureReason: "NETWORK"},
		},
		Warnings:        []model.Warning{{StageID: "publish", Reason: "NETWORK", Message: "conn reset"}},
		CacheHits:       1,
		CacheMisses:     1,
		TotalCostUSD:    0.02,
		TotalDurationMs: 150,
		QualityScore:    0.81,
		FailureReason:   "NETWORK",
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Build(sampleResult(), pareto.Constraints{SLOMaxLatencyMs: 200, BudgetMaxCostUSD: 0.01}, nil, now)

	assert.Equal(t, SchemaVersion, r.SchemaVersion)
	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, now, r.GeneratedAt)
	assert.Equal(t, 1, r.StagesSucceeded)
	assert.Equal(t, 1, r.StagesCached)
	assert.Equal(t, 1, r.StagesFailed)
	assert.Equal(t, 0.5, r.CacheHitRate)
	assert.Equal(t, "NETWORK", r.FailureReason)

	assert.True(t, r.Compliance.WithinSLO, "150ms under a 200ms ceiling")
	assert.False(t, r.Compliance.WithinBudget, "$0.02 over a $0.01 ceiling")
}

func TestBuild_UnconstrainedIsCompliant(t *testing.T) {
	t.Parallel()

	r := Build(sampleResult(), pareto.Constraints{}, nil, time.Now())
	assert.True(t, r.Compliance.WithinSLO)
	assert.True(t, r.Compliance.WithinBudget)
}

func TestBuild_StagesSortedByID(t *testing.T) {
	t.Parallel()

	result := &model.RunResult{
		RunID: "run-2",
		Spans: []model.Span{
			{StageID: "zeta", Status: model.StageSucceeded},
			{StageID: "alpha", Status: model.StageSucceeded},
		},
	}
	r := Build(result, pareto.Constraints{}, nil, time.Now())
	require.Len(t, r.Stages, 2)
	assert.Equal(t, "alpha", r.Stages[0].StageID)
	assert.Equal(t, "zeta", r.Stages[1].StageID)
}

func TestReport_SchemaVersionInJSON(t *testing.T) {
	t.Parallel()

	r := Build(sampleResult(), pareto.Constraints{}, nil, time.Now())
	raw, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "1", decoded["schema_version"])
}

func TestFormat(t *testing.T) {
	t.Parallel()

	breakers := resilience.NewBreakers(resilience.DefaultBreakerConfig())
	breakers.Get("search-api").RecordFailure(resilience.ReasonNetwork)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Build(sampleResult(), pareto.Constraints{SLOMaxLatencyMs: 200, BudgetMaxCostUSD: 0.01}, breakers.Snapshots(), now)
	out := Format(r)

	assert.Contains(t, out, "# Pipeline Run Report: run-1")
	assert.Contains(t, out, "Schema: 1")
	assert.Contains(t, out, "3 (1 succeeded, 1 cached, 1 failed)")
	assert.Contains(t, out, "1 hits, 1 misses (50% hit rate)")
	assert.Contains(t, out, "- SLO: within")
	assert.Contains(t, out, "- Budget: EXCEEDED")
	assert.Contains(t, out, "- grade: skipped_cached")
	assert.Contains(t, out, "[cached]")
	assert.Contains(t, out, "Failure: NETWORK")
	assert.Contains(t, out, "- [publish] NETWORK: conn reset")
	assert.Contains(t, out, "- search-api: closed (1 consecutive failures)")
}
