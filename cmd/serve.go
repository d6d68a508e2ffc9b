package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pipeline-runtime/internal/bundle"
	"github.com/sells-group/pipeline-runtime/internal/graph"
	"github.com/sells-group/pipeline-runtime/internal/model"
	"github.com/sells-group/pipeline-runtime/internal/report"
	"github.com/sells-group/pipeline-runtime/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run status, reports, and breaker state over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newServeRouter(env),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newServeRouter builds the HTTP surface over a shared runtime environment.
func newServeRouter(env *runtimeEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		runs, err := env.Store.ListRuns(req.Context(), store.RunFilter{
			Status: model.RunStatus(req.URL.Query().Get("status")),
			Name:   req.URL.Query().Get("name"),
			Limit:  limit,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if runs == nil {
			runs = []model.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		run, err := env.Store.GetRun(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	r.Get("/runs/{id}/report", func(w http.ResponseWriter, req *http.Request) {
		run, err := env.Store.GetRun(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if run.Result == nil {
			writeError(w, http.StatusConflict, eris.Errorf("run %s has no recorded result", run.ID))
			return
		}
		rep := report.Build(run.Result, cfg.SLO, env.Breakers.Snapshots(), time.Now())
		writeJSON(w, http.StatusOK, rep)
	})

	r.Get("/breakers", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, env.Breakers.Snapshots())
	})

	r.Post("/runs", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Name  string `json:"name"`
			Query string `json:"query"`
			Seed  int64  `json:"seed"`
			Mode  string `json:"mode"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
			return
		}
		if body.Query == "" {
			writeError(w, http.StatusBadRequest, eris.New("query is required"))
			return
		}
		if body.Name == "" {
			body.Name = "http"
		}
		mode := model.ExecutionMode(body.Mode)
		if mode == "" {
			mode = model.ExecutionMode(cfg.Runtime.Mode)
		}

		run, err := env.Store.CreateRun(req.Context(), body.Name, mode, body.Seed)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		// The run outlives the request.
		go executeServeRun(env, run, body.Query, body.Seed, mode)

		writeJSON(w, http.StatusAccepted, map[string]string{
			"run_id": run.ID,
			"status": string(run.Status),
		})
	})

	return r
}

// executeServeRun performs one HTTP-triggered run in the background.
func executeServeRun(env *runtimeEnv, run *model.Run, query string, seed int64, mode model.ExecutionMode) {
	ctx := context.Background()
	log := zap.L().With(zap.String("run_id", run.ID))

	reg := buildPipeline(env, pipelineOpts{Query: query, Seed: seed, Constraints: cfg.SLO})
	g, err := graph.Build(reg)
	if err != nil {
		log.Error("http run graph build failed", zap.Error(err))
		_ = env.Store.UpdateRunStatus(ctx, run.ID, model.RunStatusFailed)
		return
	}

	writer, err := bundle.Create(filepath.Join(cfg.Bundle.Dir, run.ID))
	if err != nil {
		log.Error("http run bundle create failed", zap.Error(err))
		_ = env.Store.UpdateRunStatus(ctx, run.ID, model.RunStatusFailed)
		return
	}

	if err := env.Store.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning); err != nil {
		log.Warn("run status update failed", zap.Error(err))
	}

	result, err := executeGraph(ctx, env, g, writer, mode, seed, cfg.SLO)
	if err != nil {
		log.Error("http run failed", zap.Error(err))
		_ = env.Store.UpdateRunStatus(ctx, run.ID, model.RunStatusFailed)
		return
	}
	result.RunID = run.ID

	if err := env.Store.SaveResult(ctx, run.ID, result); err != nil {
		log.Error("http run result save failed", zap.Error(err))
		return
	}
	if err := env.Store.SaveSpans(ctx, run.ID, result.Spans); err != nil {
		log.Warn("span save failed", zap.Error(err))
	}
	env.persistObservations(ctx)

	log.Info("http run complete",
		zap.Float64("total_cost_usd", result.TotalCostUSD),
		zap.Int64("duration_ms", result.TotalDurationMs),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
