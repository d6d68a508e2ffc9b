package graph

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sells-group/pipeline-runtime/internal/bundle"
	"github.com/sells-group/pipeline-runtime/internal/cache"
	"github.com/sells-group/pipeline-runtime/internal/cachekey"
	"github.com/sells-group/pipeline-runtime/internal/model"
	"github.com/sells-group/pipeline-runtime/internal/resilience"
)

// RunnerConfig controls one run of the graph.
type RunnerConfig struct {
	Mode        model.ExecutionMode
	Concurrency int
	Seed        int64

	// ThresholdConfigHash and ConfigHash are run-level cache key components.
	ThresholdConfigHash string
	ConfigHash          string

	Retry resilience.RetryConfig

	// DependencyRates maps dependency name to a requests-per-second limit.
	// Unlisted dependencies are unlimited.
	DependencyRates map[string]float64

	// OnSpan is called after each stage settles, cache hits included.
	// Used to feed the cost model.
	OnSpan func(model.Span)
}

// Runner executes a built graph. The cache, breaker registry, and bundle
// writer are injected at construction; the runner owns none of their
// lifecycles.
type Runner struct {
	graph    *Graph
	cache    *cache.Cache
	breakers *resilience.Breakers
	writer   *bundle.Writer
	cfg      RunnerConfig

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	nowFunc func() time.Time
}

// NewRunner wires a runner. cache and writer may be nil (caching and
// bundling disabled respectively); breakers must not be.
func NewRunner(g *Graph, c *cache.Cache, breakers *resilience.Breakers, w *bundle.Writer, cfg RunnerConfig) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Mode == "" {
		cfg.Mode = model.ModeParallel
	}
	return &Runner{
		graph:    g,
		cache:    c,
		breakers: breakers,
		writer:   w,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		nowFunc:  time.Now,
	}
}

// WithNow overrides the span clock. Test hook.
func (r *Runner) WithNow(fn func() time.Time) *Runner {
	r.nowFunc = fn
	return r
}

// runState is the mutable per-run bookkeeping, guarded by one mutex.
type runState struct {
	mu       sync.Mutex
	status   []model.StageStatus
	outputs  [][]byte
	spans    []model.Span
	warnings []model.Warning
}

func (s *runState) set(i int, status model.StageStatus) {
	s.mu.Lock()
	s.status[i] = status
	s.mu.Unlock()
}

func (s *runState) warn(w model.Warning) {
	s.mu.Lock()
	s.warnings = append(s.warnings, w)
	s.mu.Unlock()
}

// Run executes every stage in dependency order and always returns a
// result containing everything successfully computed, even when stages
// failed or the context was cancelled mid-run.
func (r *Runner) Run(ctx context.Context) (*model.RunResult, error) {
	runID := uuid.New().String()
	log := zap.L().With(zap.String("run_id", runID), zap.String("mode", string(r.cfg.Mode)))
	log.Info("graph: starting run", zap.Int("stages", r.graph.Len()))
	started := r.nowFunc()

	n := r.graph.Len()
	state := &runState{
		status:  make([]model.StageStatus, n),
		outputs: make([][]byte, n),
		spans:   make([]model.Span, n),
	}
	for i := range state.status {
		state.status[i] = model.StagePending
	}

	concurrency := r.cfg.Concurrency
	if r.cfg.Mode == model.ModeSequential {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	done := make(chan int, n)
	inFlight := 0
	cancelled := false

	for {
		if ctx.Err() != nil && !cancelled {
			cancelled = true
			log.Warn("graph: cancellation observed, halting new dispatch")
		}

		if !cancelled {
			// Dispatch every eligible stage, in declaration order, while a
			// worker slot is free. Dispatch order affects only when work
			// starts, never the result.
			for _, i := range r.graph.topo {
				r.settleIfBlocked(state, i)
				if !r.eligible(state, i) {
					continue
				}
				if !sem.TryAcquire(1) {
					break
				}
				state.set(i, model.StageRunning)
				inFlight++
				go func(i int) {
					defer sem.Release(1)
					r.runStage(ctx, runID, state, i)
					done <- i
				}(i)
			}
		}

		if inFlight == 0 {
			// Nothing running and nothing dispatchable: remaining pending
			// stages are unreachable and settle below.
			break
		}
		<-done
		inFlight--
	}

	// Stages never dispatched (cancellation, failed upstreams) settle now.
	state.mu.Lock()
	for i, st := range state.status {
		if st == model.StagePending {
			state.status[i] = model.StageFailed
			state.spans[i] = model.Span{
				StageID: r.graph.nodes[i].spec.ID,
				Status:  model.StageFailed,
			}
			if cancelled {
				state.warnings = append(state.warnings, model.Warning{
					StageID: r.graph.nodes[i].spec.ID,
					Reason:  "cancelled",
					Message: "run cancelled before stage was dispatched",
				})
			}
		}
	}
	state.mu.Unlock()

	result := r.buildResult(runID, state, started)
	if cancelled {
		result.Warnings = append(result.Warnings, model.Warning{
			Reason:  "cancelled",
			Message: "run cancelled; completed work preserved",
		})
	}

	// Completed work is preserved even on cancellation or failure.
	if r.writer != nil {
		if err := r.flushBundle(cancelled, result); err != nil {
			return result, err
		}
	}
	if r.cache != nil {
		if err := r.cache.Flush(context.WithoutCancel(ctx)); err != nil {
			log.Warn("graph: cache flush failed", zap.Error(err))
		}
	}

	log.Info("graph: run settled",
		zap.Int("cache_hits", result.CacheHits),
		zap.Int("cache_misses", result.CacheMisses),
		zap.Int64("duration_ms", result.TotalDurationMs),
	)
	return result, nil
}

// eligible reports whether stage i is pending with all dependencies
// terminal and successful. Caller need not hold the lock.
func (r *Runner) eligible(state *runState, i int) bool {
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.status[i] != model.StagePending {
		return false
	}
	for _, j := range r.graph.nodes[i].deps {
		if state.status[j] != model.StageSucceeded && state.status[j] != model.StageSkippedCached {
			return false
		}
	}
	return true
}

// settleIfBlocked fails stage i without executing it when an upstream has
// already failed.
func (r *Runner) settleIfBlocked(state *runState, i int) {
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.status[i] != model.StagePending {
		return
	}
	for _, j := range r.graph.nodes[i].deps {
		if state.status[j] == model.StageFailed {
			spec := r.graph.nodes[i].spec
			state.status[i] = model.StageFailed
			state.spans[i] = model.Span{StageID: spec.ID, Status: model.StageFailed}
			state.warnings = append(state.warnings, model.Warning{
				StageID: spec.ID,
				Reason:  "upstream_failed",
				Message: "dependency " + r.graph.nodes[j].spec.ID + " failed",
			})
			return
		}
	}
}

// runStage executes one stage end to end: checkpoint skip, cache consult,
// guarded execution, bundle write, span recording.
func (r *Runner) runStage(ctx context.Context, runID string, state *runState, i int) {
	spec := r.graph.nodes[i].spec
	log := zap.L().With(zap.String("run_id", runID), zap.String("stage", spec.ID))
	start := r.nowFunc()

	span := model.Span{StageID: spec.ID, StartedAt: start}
	finish := func(status model.StageStatus, output []byte) {
		span.Status = status
		span.EndedAt = r.nowFunc()
		span.DurationMs = span.EndedAt.Sub(start).Milliseconds()

		state.mu.Lock()
		state.status[i] = status
		state.outputs[i] = output
		state.spans[i] = span
		state.mu.Unlock()

		if r.cfg.OnSpan != nil {
			r.cfg.OnSpan(span)
		}
	}

	// A segment already validly committed by an interrupted run is not
	// recomputed: resume picks up at the first uncommitted stage.
	if r.writer != nil && r.writer.IsCommitted(spec.ID) {
		content, err := r.writer.ReadSegment(spec.ID)
		if err == nil {
			log.Info("graph: stage restored from checkpoint")
			finish(model.StageSkippedCached, content)
			return
		}
		log.Warn("graph: committed segment unreadable, recomputing", zap.Error(err))
	}

	inputs := r.gatherInputs(state, i)

	// Cache consult. A hit still records a span for audit.
	var key string
	if r.cache != nil && spec.CachePolicy.Cacheable {
		var err error
		key, err = r.stageKey(spec, inputs)
		if err != nil {
			// Malformed key components are a config defect, not a miss.
			span.FailureReason = string(resilience.ReasonConfig)
			state.warn(model.Warning{StageID: spec.ID, Reason: string(resilience.ReasonConfig), Message: err.Error()})
			finish(model.StageFailed, nil)
			return
		}
		if value, ok, err := r.cache.Get(ctx, key); err == nil && ok {
			span.FromCache = true
			log.Info("graph: stage served from cache")
			r.commitSegment(spec.ID, value, state)
			finish(model.StageSkippedCached, value)
			return
		} else if err != nil {
			log.Warn("graph: cache read failed, executing stage", zap.Error(err))
		}
	}

	res, attempts, err := r.execute(ctx, spec, inputs)
	span.Attempts = attempts
	span.ExternalCalls = res.Meta.ExternalCalls
	span.Tokens = res.Meta.Tokens
	span.CostUSD = res.Meta.CostUSD

	if err != nil {
		r.settleFailure(spec, state, &span, res, err, log)
		finish(model.StageFailed, nil)
		return
	}

	if key != "" {
		if putErr := r.cache.Put(ctx, key, res.Data); putErr != nil {
			log.Warn("graph: cache write failed", zap.Error(putErr))
		}
	}
	r.commitSegment(spec.ID, res.Data, state)
	finish(model.StageSucceeded, res.Data)
}

// settleFailure classifies err, files warnings, and salvages partial output.
func (r *Runner) settleFailure(spec StageSpec, state *runState, span *model.Span, res Result, err error, log *zap.Logger) {
	var coe *resilience.CircuitOpenError
	if errors.As(err, &coe) {
		// Not a classified stage failure: the dependency was never invoked.
		state.warn(model.Warning{
			StageID: spec.ID,
			Reason:  "circuit_open",
			Message: "dependency " + coe.Dependency + " circuit open until " + coe.NextEligible.UTC().Format(time.RFC3339),
		})
		log.Warn("graph: stage rejected by open circuit", zap.String("dependency", coe.Dependency))
	} else {
		reason := resilience.Classify(err)
		span.FailureReason = string(reason)
		state.warn(model.Warning{StageID: spec.ID, Reason: string(reason), Message: err.Error()})
		log.Error("graph: stage failed", zap.String("reason", string(reason)), zap.Error(err))
	}

	// External failure must never erase completed partial work.
	if len(res.Data) > 0 && r.writer != nil {
		if werr := r.writer.WritePartial(spec.ID, res.Data); werr != nil {
			log.Warn("graph: failed to preserve partial output", zap.Error(werr))
		}
	}
}

// execute performs the breaker-, limiter-, retry-, and timeout-guarded call.
func (r *Runner) execute(ctx context.Context, spec StageSpec, inputs Inputs) (Result, int, error) {
	var brk *resilience.Breaker
	if spec.Dependency != "" {
		brk = r.breakers.Get(spec.Dependency)
	}

	retryCfg := r.cfg.Retry
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = resilience.RetryLogger(spec.Dependency, spec.ID)
	}

	// DoVal zeroes its return on failure; keep the last attempt's result so
	// partial output and call metadata survive a terminal failure.
	var lastRes Result
	attempts := 0
	res, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (Result, error) {
		attempts++

		if brk != nil {
			if allowErr := brk.Allow(); allowErr != nil {
				return Result{}, allowErr
			}
		}
		if limiter := r.limiter(spec.Dependency); limiter != nil {
			if waitErr := limiter.Wait(ctx); waitErr != nil {
				// The admitted call never reached the dependency; give the
				// probe ticket back so the breaker cannot wedge half-open.
				if brk != nil {
					brk.Release()
				}
				return Result{}, eris.Wrapf(waitErr, "graph: rate wait for %s", spec.Dependency)
			}
		}

		// In-flight stages run to completion on cancellation; only the
		// stage's own deadline applies.
		execCtx := context.WithoutCancel(ctx)
		cancel := func() {}
		if spec.MaxDuration > 0 {
			execCtx, cancel = context.WithTimeout(execCtx, spec.MaxDuration)
		}
		defer cancel()

		res, execErr := spec.Executor.Execute(execCtx, inputs)
		lastRes = res
		if execErr != nil {
			if execCtx.Err() == context.DeadlineExceeded {
				execErr = resilience.NewStageFailure(spec.ID, resilience.ReasonTimeout, execErr)
			}
			if brk != nil {
				brk.RecordFailure(resilience.Classify(execErr))
			}
			return res, execErr
		}
		if brk != nil {
			brk.RecordSuccess()
		}
		return res, nil
	})
	if err != nil {
		return lastRes, attempts, err
	}
	return res, attempts, nil
}

// gatherInputs snapshots the outputs of stage i's dependencies.
func (r *Runner) gatherInputs(state *runState, i int) Inputs {
	state.mu.Lock()
	defer state.mu.Unlock()

	inputs := make(Inputs, len(r.graph.nodes[i].deps))
	for _, j := range r.graph.nodes[i].deps {
		inputs[r.graph.nodes[j].spec.ID] = state.outputs[j]
	}
	return inputs
}

// stageKey derives the stage's cache key from its inputs, versions, and
// config components.
func (r *Runner) stageKey(spec StageSpec, inputs Inputs) (string, error) {
	depHashes := make(map[string]any, len(inputs))
	for id, out := range inputs {
		depHashes[id] = cachekey.HashBytes(out)
	}
	inputHash, err := cachekey.HashCanonical(map[string]any{
		"stage": spec.ID,
		"deps":  depHashes,
	})
	if err != nil {
		return "", err
	}
	configHash, err := cachekey.HashCanonical(map[string]any{
		"run":   r.cfg.ConfigHash,
		"stage": spec.CachePolicy.KeyInputs,
	})
	if err != nil {
		return "", err
	}
	return cachekey.Derive(cachekey.Components{
		InputHash:           inputHash,
		ExtractorVersion:    spec.ExtractorVersion,
		ModelVersion:        spec.ModelVersion,
		ThresholdConfigHash: r.cfg.ThresholdConfigHash,
		ConfigHash:          configHash,
	})
}

// commitSegment writes a stage's output into the bundle unless an earlier
// run already committed it.
func (r *Runner) commitSegment(stageID string, data []byte, state *runState) {
	if r.writer == nil || r.writer.IsCommitted(stageID) {
		return
	}
	if err := r.writer.WriteSegment(stageID, data); err != nil {
		state.warn(model.Warning{StageID: stageID, Reason: "bundle_write", Message: err.Error()})
	}
}

func (r *Runner) limiter(dependency string) *rate.Limiter {
	if dependency == "" {
		return nil
	}
	rps, ok := r.cfg.DependencyRates[dependency]
	if !ok || rps <= 0 {
		return nil
	}

	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()
	if l, ok := r.limiters[dependency]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(rps), 1)
	r.limiters[dependency] = l
	return l
}

// buildResult assembles the final run result. Spans are sorted by stage id
// so the merged output is structurally identical across execution modes.
func (r *Runner) buildResult(runID string, state *runState, started time.Time) *model.RunResult {
	state.mu.Lock()
	defer state.mu.Unlock()

	result := &model.RunResult{
		RunID:    runID,
		Spans:    make([]model.Span, len(state.spans)),
		Warnings: state.warnings,
	}
	copy(result.Spans, state.spans)
	sort.Slice(result.Spans, func(a, b int) bool {
		return result.Spans[a].StageID < result.Spans[b].StageID
	})

	for _, s := range result.Spans {
		result.TotalCostUSD += s.CostUSD
		switch {
		case s.FromCache:
			result.CacheHits++
		case s.Status == model.StageSucceeded:
			result.CacheMisses++
		}
		if s.Status == model.StageFailed && s.FailureReason != "" && result.FailureReason == "" {
			result.FailureReason = s.FailureReason
		}
	}
	result.TotalDurationMs = r.nowFunc().Sub(started).Milliseconds()
	if r.writer != nil {
		result.BundleID = r.writer.BundleID()
		result.BundleDir = r.writer.Dir()
	}
	return result
}

// flushBundle finalizes a complete run's bundle or closes (keeping it
// resumable) a cancelled or failed one.
func (r *Runner) flushBundle(cancelled bool, result *model.RunResult) error {
	if cancelled || result.Failed() {
		return r.writer.Close()
	}
	return r.writer.Finalize()
}
