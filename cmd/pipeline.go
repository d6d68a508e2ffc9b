package main

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math/rand"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pipeline-runtime/internal/graph"
	"github.com/sells-group/pipeline-runtime/internal/pareto"
	"github.com/sells-group/pipeline-runtime/internal/resilience"
	"github.com/sells-group/pipeline-runtime/internal/retrieval"
)

// The reference pipeline: query -> retrieve -> grade -> publish. The
// retrieval stage exercises the cost-routed two-stage flow against a
// seeded in-process backend, so runs are reproducible for a given seed.

const (
	extractorVersion = "v3"
	graderVersion    = "v2"

	dependencySearchAPI = "search-api"
)

type pipelineOpts struct {
	Query       string
	Seed        int64
	Constraints pareto.Constraints
}

type queryPayload struct {
	Query string `json:"query"`
	Seed  int64  `json:"seed"`
}

type gradePayload struct {
	QualityScore float64 `json:"quality_score"`
	Documents    int     `json:"documents"`
	Reranked     bool    `json:"reranked"`
}

type publishPayload struct {
	Query        string               `json:"query"`
	Strategy     string               `json:"strategy"`
	QualityScore float64              `json:"quality_score"`
	Documents    []retrieval.Document `json:"documents"`
	Tags         []string             `json:"tags,omitempty"`
}

// buildPipeline registers the reference stages against the shared runtime
// environment.
func buildPipeline(env *runtimeEnv, opts pipelineOpts) *graph.Registry {
	router := retrieval.NewRouter(env.Retrieval, env.Costs, env.Quality)
	twoStage := retrieval.NewTwoStage(router, newSimBackend(env.Retrieval, opts.Seed), env.Costs)

	reg := graph.NewRegistry()

	reg.Register(graph.StageSpec{
		ID: "query",
		Executor: graph.ExecutorFunc(func(ctx context.Context, _ graph.Inputs) (graph.Result, error) {
			if opts.Query == "" {
				return graph.Result{}, resilience.NewStageFailure("query", resilience.ReasonInput, eris.New("empty query"))
			}
			data, err := json.Marshal(queryPayload{Query: opts.Query, Seed: opts.Seed})
			return graph.Result{Data: data}, err
		}),
	})

	reg.Register(graph.StageSpec{
		ID:          "retrieve",
		DependsOn:   []string{"query"},
		Dependency:  dependencySearchAPI,
		MaxDuration: 30 * time.Second,
		Executor: graph.ExecutorFunc(func(ctx context.Context, inputs graph.Inputs) (graph.Result, error) {
			var q queryPayload
			if err := json.Unmarshal(inputs["query"], &q); err != nil {
				return graph.Result{}, resilience.NewStageFailure("retrieve", resilience.ReasonInput, err)
			}

			res, err := twoStage.Run(ctx, q.Query, opts.Constraints)
			if err != nil {
				return graph.Result{}, err
			}

			data, err := json.Marshal(res)
			if err != nil {
				return graph.Result{}, err
			}
			calls := 1
			if res.Reranked {
				calls = 2
			}
			return graph.Result{
				Data: data,
				Meta: graph.SpanMeta{
					ExternalCalls: calls,
					Tokens:        len(res.Documents) * 64,
					CostUSD:       res.CostUSD,
				},
			}, nil
		}),
	})

	reg.Register(graph.StageSpec{
		ID:               "grade",
		DependsOn:        []string{"retrieve"},
		ExtractorVersion: extractorVersion,
		ModelVersion:     graderVersion,
		CachePolicy:      graph.CachePolicy{Cacheable: true},
		Executor: graph.ExecutorFunc(func(ctx context.Context, inputs graph.Inputs) (graph.Result, error) {
			var res retrieval.Result
			if err := json.Unmarshal(inputs["retrieve"], &res); err != nil {
				return graph.Result{}, resilience.NewStageFailure("grade", resilience.ReasonInput, err)
			}

			grade := gradePayload{
				QualityScore: gradeDocuments(res.Documents),
				Documents:    len(res.Documents),
				Reranked:     res.Reranked,
			}
			// Feed the gate outcome back so future routing learns from it.
			env.Quality.ObserveGate(res.Strategy, grade.QualityScore)

			data, err := json.Marshal(grade)
			return graph.Result{Data: data}, err
		}),
	})

	reg.Register(graph.StageSpec{
		ID:        "publish",
		DependsOn: []string{"retrieve", "grade"},
		Executor: graph.ExecutorFunc(func(ctx context.Context, inputs graph.Inputs) (graph.Result, error) {
			var res retrieval.Result
			if err := json.Unmarshal(inputs["retrieve"], &res); err != nil {
				return graph.Result{}, resilience.NewStageFailure("publish", resilience.ReasonInput, err)
			}
			var grade gradePayload
			if err := json.Unmarshal(inputs["grade"], &grade); err != nil {
				return graph.Result{}, resilience.NewStageFailure("publish", resilience.ReasonInput, err)
			}

			data, err := json.MarshalIndent(publishPayload{
				Query:        opts.Query,
				Strategy:     res.Strategy,
				QualityScore: grade.QualityScore,
				Documents:    res.Documents,
				Tags:         res.Tags,
			}, "", "  ")
			return graph.Result{Data: data}, err
		}),
	})

	return reg
}

// gradeDocuments scores a result set: mean score of the top five documents.
func gradeDocuments(docs []retrieval.Document) float64 {
	if len(docs) == 0 {
		return 0
	}
	n := len(docs)
	if n > 5 {
		n = 5
	}
	var sum float64
	for _, d := range docs[:n] {
		sum += d.Score
	}
	return sum / float64(n)
}

// simBackend is a seeded retrieval backend: document scores derive from the
// run seed and the strategy, and pass costs come from the configured seeds.
// It stands in for the search service in local runs and tests.
type simBackend struct {
	cfg  *retrieval.Config
	seed int64
}

func newSimBackend(cfg *retrieval.Config, seed int64) *simBackend {
	return &simBackend{cfg: cfg, seed: seed}
}

func (b *simBackend) Generate(ctx context.Context, query, strategy string) (retrieval.PassResult, error) {
	if err := ctx.Err(); err != nil {
		return retrieval.PassResult{}, err
	}

	rng := rand.New(rand.NewSource(b.seed ^ hashString(query+"|"+strategy)))
	sc := b.cfg.Strategies[strategy]

	docs := make([]retrieval.Document, 8)
	for i := range docs {
		docs[i] = retrieval.Document{
			ID:    "doc-" + strategy + "-" + string(rune('a'+i)),
			Score: sc.QualityPrior * (0.5 + rng.Float64()/2),
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })

	return retrieval.PassResult{
		Documents: docs,
		CostUSD:   sc.CostUSD,
		LatencyMs: sc.LatencyMs,
	}, nil
}

func (b *simBackend) Rerank(ctx context.Context, query string, docs []retrieval.Document) (retrieval.PassResult, error) {
	if err := ctx.Err(); err != nil {
		return retrieval.PassResult{}, err
	}

	reranked := make([]retrieval.Document, len(docs))
	copy(reranked, docs)
	for i := range reranked {
		reranked[i].Score += b.cfg.Rerank.QualityGain
	}
	sort.Slice(reranked, func(i, j int) bool { return reranked[i].Score > reranked[j].Score })

	return retrieval.PassResult{
		Documents: reranked,
		CostUSD:   b.cfg.Rerank.CostUSD,
		LatencyMs: b.cfg.Rerank.LatencyMs,
	}, nil
}

func hashString(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum64())
}
