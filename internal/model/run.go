// Package model defines the shared data types for pipeline runs.
package model

import "time"

// RunStatus tracks the lifecycle of a pipeline run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// ExecutionMode selects how the scheduler dispatches stages.
type ExecutionMode string

const (
	ModeParallel   ExecutionMode = "parallel"
	ModeSequential ExecutionMode = "sequential"
)

// StageStatus tracks the lifecycle of a single stage within a run.
type StageStatus string

const (
	StagePending       StageStatus = "pending"
	StageRunning       StageStatus = "running"
	StageSkippedCached StageStatus = "skipped_cached"
	StageSucceeded     StageStatus = "succeeded"
	StageFailed        StageStatus = "failed"
)

// Run is a single execution of the task graph.
type Run struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Mode      ExecutionMode `json:"mode"`
	Seed      int64         `json:"seed"`
	Status    RunStatus     `json:"status"`
	Result    *RunResult    `json:"result,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Span records the timing and resource usage of one stage execution.
// A span is recorded for cache hits too, with FromCache set, so the audit
// trail covers every stage the scheduler touched.
type Span struct {
	StageID       string      `json:"stage_id"`
	Status        StageStatus `json:"status"`
	StartedAt     time.Time   `json:"started_at"`
	EndedAt       time.Time   `json:"ended_at"`
	DurationMs    int64       `json:"duration_ms"`
	Attempts      int         `json:"attempts"`
	FromCache     bool        `json:"from_cache"`
	FailureReason string      `json:"failure_reason,omitempty"`
	ExternalCalls int         `json:"external_calls"`
	Tokens        int         `json:"tokens"`
	CostUSD       float64     `json:"cost_usd"`
}

// Warning is a non-fatal condition surfaced in the run output.
type Warning struct {
	StageID string `json:"stage_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// RunResult is the terminal output of a run. A run always produces one,
// even when cancelled or failed — everything successfully computed is kept.
type RunResult struct {
	RunID               string    `json:"run_id"`
	BundleID            string    `json:"bundle_id,omitempty"`
	BundleDir           string    `json:"bundle_dir,omitempty"`
	Spans               []Span    `json:"spans"`
	Warnings            []Warning `json:"warnings,omitempty"`
	CacheHits           int       `json:"cache_hits"`
	CacheMisses         int       `json:"cache_misses"`
	TotalCostUSD        float64   `json:"total_cost_usd"`
	TotalDurationMs     int64     `json:"total_duration_ms"`
	QualityScore        float64   `json:"quality_score,omitempty"`
	FailureReason       string    `json:"failure_reason,omitempty"`
	ConstraintViolation bool      `json:"constraint_violation,omitempty"`
}

// Failed reports whether any stage in the result failed.
func (r *RunResult) Failed() bool {
	for _, s := range r.Spans {
		if s.Status == StageFailed {
			return true
		}
	}
	return false
}

// Span returns the span for the given stage id, or nil.
func (r *RunResult) Span(stageID string) *Span {
	for i := range r.Spans {
		if r.Spans[i].StageID == stageID {
			return &r.Spans[i]
		}
	}
	return nil
}
