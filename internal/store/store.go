// Package store persists pipeline runs, their spans, and the rolling
// strategy statistics used to warm-start the cost model across processes.
package store

import (
	"context"

	"github.com/sells-group/pipeline-runtime/internal/cost"
	"github.com/sells-group/pipeline-runtime/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Name   string          `json:"name,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the pipeline runtime.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, name string, mode model.ExecutionMode, seed int64) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	SaveResult(ctx context.Context, runID string, result *model.RunResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Spans
	SaveSpans(ctx context.Context, runID string, spans []model.Span) error

	// Strategy stats for cost model warm-start
	SaveStrategyStats(ctx context.Context, stats []cost.StrategyStat) error
	LoadStrategyStats(ctx context.Context) ([]cost.StrategyStat, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
