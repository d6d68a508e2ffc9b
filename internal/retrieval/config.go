// Package retrieval routes queries to a retrieval strategy chosen by the
// pareto selector and runs the two-stage generate/rerank flow under the
// run's latency and budget ceilings.
package retrieval

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pipeline-runtime/internal/cost"
)

// Well-known strategy names. Any strategy present in the config file is
// routable; these three ship in the defaults.
const (
	StrategyBM25   = "bm25"
	StrategyDense  = "dense"
	StrategyHybrid = "hybrid"
)

const (
	rerankID     = "rerank"
	rerankSuffix = "+rerank"

	// TagRerankSkipped marks results where the refinement pass was planned
	// away or priced out, for auditability.
	TagRerankSkipped = "rerank_skipped"
)

// StrategyConfig is the static seed for one retrieval strategy: what it is
// expected to cost and gain before any history exists.
type StrategyConfig struct {
	CostUSD      float64 `yaml:"cost_usd"`
	LatencyMs    float64 `yaml:"latency_ms"`
	QualityPrior float64 `yaml:"quality_prior"`
}

// RerankConfig seeds the refinement pass the same way.
type RerankConfig struct {
	CostUSD     float64 `yaml:"cost_usd"`
	LatencyMs   float64 `yaml:"latency_ms"`
	QualityGain float64 `yaml:"quality_gain"`
}

// Config is the top-level retrieval configuration.
type Config struct {
	Strategies map[string]StrategyConfig `yaml:"strategies"`
	Rerank     RerankConfig              `yaml:"rerank"`
}

// DefaultConfig returns the built-in strategy seeds used when no config
// file is supplied.
func DefaultConfig() *Config {
	return &Config{
		Strategies: map[string]StrategyConfig{
			StrategyBM25:   {CostUSD: 0.001, LatencyMs: 40, QualityPrior: 0.55},
			StrategyDense:  {CostUSD: 0.004, LatencyMs: 120, QualityPrior: 0.72},
			StrategyHybrid: {CostUSD: 0.006, LatencyMs: 150, QualityPrior: 0.78},
		},
		Rerank: RerankConfig{CostUSD: 0.01, LatencyMs: 250, QualityGain: 0.08},
	}
}

// LoadConfig reads retrieval config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "retrieval: read config %s", path)
	}

	// The YAML has a top-level "retrieval" key
	var wrapper struct {
		Retrieval Config `yaml:"retrieval"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "retrieval: parse config")
	}

	cfg := &wrapper.Retrieval
	if len(cfg.Strategies) == 0 {
		return nil, eris.Errorf("retrieval: config %s declares no strategies", path)
	}
	return cfg, nil
}

// ModelDefaults converts the strategy seeds into cost model fallbacks, the
// rerank pass included.
func (c *Config) ModelDefaults() map[string]cost.Default {
	defaults := make(map[string]cost.Default, len(c.Strategies)+1)
	for id, sc := range c.Strategies {
		defaults[id] = cost.Default{CostUSD: sc.CostUSD, LatencyMs: sc.LatencyMs}
	}
	defaults[rerankID] = cost.Default{CostUSD: c.Rerank.CostUSD, LatencyMs: c.Rerank.LatencyMs}
	return defaults
}

// QualityPriors converts the strategy seeds into quality estimator priors.
func (c *Config) QualityPriors() map[string]float64 {
	priors := make(map[string]float64, len(c.Strategies)+1)
	for id, sc := range c.Strategies {
		priors[id] = sc.QualityPrior
	}
	priors[rerankID] = c.Rerank.QualityGain
	return priors
}
