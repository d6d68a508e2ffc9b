package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pipeline-runtime/internal/bundle"
	"github.com/sells-group/pipeline-runtime/internal/graph"
	"github.com/sells-group/pipeline-runtime/internal/model"
	"github.com/sells-group/pipeline-runtime/internal/report"
)

var resumeQuery string

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an interrupted run from its bundle checkpoint",
	Long:  "Revalidates the run's checkpoint log and recomputes only the stages whose segments were not validly committed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		runID := args[0]

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Store.GetRun(ctx, runID)
		if err != nil {
			return err
		}

		writer, err := bundle.Resume(filepath.Join(cfg.Bundle.Dir, runID))
		if err != nil {
			return err
		}
		zap.L().Info("bundle resumed",
			zap.String("run_id", runID),
			zap.Int("committed_segments", writer.CommittedCount()),
		)

		// The query stage's committed segment carries the original inputs;
		// without it the caller must restate the query.
		opts := pipelineOpts{Query: resumeQuery, Seed: run.Seed, Constraints: cfg.SLO}
		if raw, rerr := writer.ReadSegment("query"); rerr == nil && writer.IsCommitted("query") {
			var q queryPayload
			if json.Unmarshal(raw, &q) == nil {
				opts.Query = q.Query
				opts.Seed = q.Seed
			}
		}
		if opts.Query == "" {
			return eris.New("query segment not committed; pass --query to restate it")
		}

		reg := buildPipeline(env, opts)
		g, err := graph.Build(reg)
		if err != nil {
			return err
		}

		if err := env.Store.UpdateRunStatus(ctx, runID, model.RunStatusRunning); err != nil {
			return err
		}

		result, err := executeGraph(ctx, env, g, writer, run.Mode, opts.Seed, opts.Constraints)
		if err != nil {
			return err
		}
		result.RunID = runID

		saveCtx := cmd.Context()
		if ctx.Err() != nil {
			if uerr := env.Store.UpdateRunStatus(saveCtx, runID, model.RunStatusCancelled); uerr != nil {
				zap.L().Warn("run status update failed", zap.Error(uerr))
			}
		} else if err := env.Store.SaveResult(saveCtx, runID, result); err != nil {
			return err
		}
		if err := env.Store.SaveSpans(saveCtx, runID, result.Spans); err != nil {
			zap.L().Warn("span save failed", zap.Error(err))
		}
		env.persistObservations(saveCtx)

		rep := report.Build(result, opts.Constraints, env.Breakers.Snapshots(), time.Now())
		fmt.Println(report.Format(rep))
		return nil
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeQuery, "query", "", "original query, if the query stage never committed")
	rootCmd.AddCommand(resumeCmd)
}
