package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pipeline-runtime/internal/cache"
	"github.com/sells-group/pipeline-runtime/internal/cost"
	"github.com/sells-group/pipeline-runtime/internal/resilience"
	"github.com/sells-group/pipeline-runtime/internal/retrieval"
	"github.com/sells-group/pipeline-runtime/internal/store"
)

// initStore opens the run store selected by config.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "pipeline.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// runtimeEnv bundles the long-lived pieces shared by run, resume, and serve:
// the store, the stage cache, the per-dependency breakers, and the cost model
// warm-started from persisted strategy observations.
type runtimeEnv struct {
	Store     store.Store
	Cache     *cache.Cache
	Breakers  *resilience.Breakers
	Costs     *cost.Model
	Quality   *cost.QualityEstimator
	Retrieval *retrieval.Config
}

func initEnv(ctx context.Context) (*runtimeEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	c, err := cache.Open(ctx, cache.Config{
		Path:       cfg.Cache.Path,
		L1Capacity: cfg.Cache.L1Capacity,
	})
	if err != nil {
		st.Close()
		return nil, eris.Wrap(err, "open cache")
	}

	rcfg := retrieval.DefaultConfig()
	if cfg.Retrieval.ConfigPath != "" {
		rcfg, err = retrieval.LoadConfig(cfg.Retrieval.ConfigPath)
		if err != nil {
			c.Close()
			st.Close()
			return nil, err
		}
	}

	costs := cost.NewModel(cost.ModelConfig{Defaults: rcfg.ModelDefaults()})
	stats, err := st.LoadStrategyStats(ctx)
	if err != nil {
		zap.L().Warn("strategy stats load failed, starting from static priors", zap.Error(err))
	} else if len(stats) > 0 {
		costs.Hydrate(stats)
		zap.L().Info("cost model warm-started", zap.Int("strategies", len(stats)))
	}

	return &runtimeEnv{
		Store:     st,
		Cache:     c,
		Breakers:  resilience.NewBreakers(cfg.Breaker),
		Costs:     costs,
		Quality:   cost.NewQualityEstimator(cost.QualityConfig{Priors: rcfg.QualityPriors()}),
		Retrieval: rcfg,
	}, nil
}

// persistObservations writes the cost model back so the next process
// warm-starts from what this one learned.
func (e *runtimeEnv) persistObservations(ctx context.Context) {
	if err := e.Store.SaveStrategyStats(ctx, e.Costs.Export()); err != nil {
		zap.L().Warn("strategy stats save failed", zap.Error(err))
	}
}

func (e *runtimeEnv) Close() {
	if err := e.Cache.Close(); err != nil {
		zap.L().Warn("cache close failed", zap.Error(err))
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close failed", zap.Error(err))
	}
}
