package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pipeline-runtime/internal/bundle"
	"github.com/sells-group/pipeline-runtime/internal/cachekey"
	"github.com/sells-group/pipeline-runtime/internal/cost"
	"github.com/sells-group/pipeline-runtime/internal/graph"
	"github.com/sells-group/pipeline-runtime/internal/model"
	"github.com/sells-group/pipeline-runtime/internal/pareto"
	"github.com/sells-group/pipeline-runtime/internal/report"
	"github.com/sells-group/pipeline-runtime/internal/retrieval"
)

var (
	runName       string
	runQuery      string
	runSeed       int64
	runMode       string
	runMaxCost    float64
	runMaxLatency float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the retrieval pipeline as a new run",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		mode := model.ExecutionMode(runMode)
		if mode == "" {
			mode = model.ExecutionMode(cfg.Runtime.Mode)
		}
		constraints := pareto.Constraints{
			SLOMaxLatencyMs:  runMaxLatency,
			BudgetMaxCostUSD: runMaxCost,
		}
		if runMaxLatency == 0 {
			constraints.SLOMaxLatencyMs = cfg.SLO.SLOMaxLatencyMs
		}
		if runMaxCost == 0 {
			constraints.BudgetMaxCostUSD = cfg.SLO.BudgetMaxCostUSD
		}

		run, err := env.Store.CreateRun(ctx, runName, mode, runSeed)
		if err != nil {
			return eris.Wrap(err, "create run")
		}

		reg := buildPipeline(env, pipelineOpts{
			Query:       runQuery,
			Seed:        runSeed,
			Constraints: constraints,
		})
		g, err := graph.Build(reg)
		if err != nil {
			return err
		}

		writer, err := bundle.Create(filepath.Join(cfg.Bundle.Dir, run.ID))
		if err != nil {
			return err
		}

		if err := env.Store.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning); err != nil {
			return err
		}

		result, err := executeGraph(ctx, env, g, writer, mode, runSeed, constraints)
		if err != nil {
			return err
		}
		result.RunID = run.ID

		saveCtx := cmd.Context()
		if ctx.Err() != nil {
			if uerr := env.Store.UpdateRunStatus(saveCtx, run.ID, model.RunStatusCancelled); uerr != nil {
				zap.L().Warn("run status update failed", zap.Error(uerr))
			}
		} else if err := env.Store.SaveResult(saveCtx, run.ID, result); err != nil {
			return err
		}
		if err := env.Store.SaveSpans(saveCtx, run.ID, result.Spans); err != nil {
			zap.L().Warn("span save failed", zap.Error(err))
		}
		env.persistObservations(saveCtx)

		rep := report.Build(result, constraints, env.Breakers.Snapshots(), time.Now())
		fmt.Println(report.Format(rep))

		if artifact, rerr := writer.ReadSegment("publish"); rerr == nil {
			os.Stdout.Write(artifact)
			fmt.Println()
		}
		return nil
	},
}

// executeGraph runs a built graph against the shared environment. Used by
// both run and resume.
func executeGraph(ctx context.Context, env *runtimeEnv, g *graph.Graph, writer *bundle.Writer, mode model.ExecutionMode, seed int64, constraints pareto.Constraints) (*model.RunResult, error) {
	configHash, err := cachekey.HashCanonical(map[string]any{
		"slo_max_latency_ms":  constraints.SLOMaxLatencyMs,
		"budget_max_cost_usd": constraints.BudgetMaxCostUSD,
	})
	if err != nil {
		return nil, err
	}
	thresholdHash, err := cachekey.HashCanonical(env.Retrieval)
	if err != nil {
		return nil, err
	}

	runner := graph.NewRunner(g, env.Cache, env.Breakers, writer, graph.RunnerConfig{
		Mode:                mode,
		Concurrency:         cfg.Runtime.Concurrency,
		Seed:                seed,
		ConfigHash:          configHash,
		ThresholdConfigHash: thresholdHash,
		Retry:               cfg.Retry,
		DependencyRates:     cfg.Runtime.DependencyRates,
		OnSpan: func(s model.Span) {
			if s.Status != model.StageSucceeded {
				return
			}
			env.Costs.Observe("stage:"+s.StageID, cost.Observation{
				LatencyMs:     float64(s.DurationMs),
				ExternalCalls: s.ExternalCalls,
				Tokens:        s.Tokens,
				CostUSD:       s.CostUSD,
			})
		},
	})

	result, err := runner.Run(ctx)
	if err != nil {
		return nil, err
	}
	result.ConstraintViolation = result.ConstraintViolation ||
		(constraints.BudgetMaxCostUSD > 0 && result.TotalCostUSD > constraints.BudgetMaxCostUSD)

	if raw, rerr := writer.ReadSegment("retrieve"); rerr == nil {
		var res retrieval.Result
		if json.Unmarshal(raw, &res) == nil && res.PlanViolation {
			result.ConstraintViolation = true
		}
	}
	if raw, rerr := writer.ReadSegment("grade"); rerr == nil {
		var grade gradePayload
		if json.Unmarshal(raw, &grade) == nil {
			result.QualityScore = grade.QualityScore
		}
	}
	return result, nil
}

func init() {
	runCmd.Flags().StringVar(&runName, "name", "adhoc", "run name recorded in the store")
	runCmd.Flags().StringVar(&runQuery, "query", "", "retrieval query (required)")
	runCmd.Flags().Int64Var(&runSeed, "seed", 0, "seed for reproducible document scoring")
	runCmd.Flags().StringVar(&runMode, "mode", "", "execution mode: parallel or sequential (default from config)")
	runCmd.Flags().Float64Var(&runMaxCost, "max-cost", 0, "budget ceiling in USD (default from config)")
	runCmd.Flags().Float64Var(&runMaxLatency, "max-latency", 0, "SLO ceiling in ms (default from config)")
	_ = runCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(runCmd)
}
