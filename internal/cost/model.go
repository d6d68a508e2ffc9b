// Package cost derives expected cost and expected quality for candidate
// stages and strategies from span history.
package cost

import (
	"sync"
)

// Observation is one recorded execution of a stage or strategy.
type Observation struct {
	LatencyMs     float64 `json:"latency_ms"`
	ExternalCalls int     `json:"external_calls"`
	Tokens        int     `json:"tokens"`
	CostUSD       float64 `json:"cost_usd"`
}

// Estimate is the model's current expectation for one id. Static is set
// when no observations exist yet and the estimate comes from configured
// defaults.
type Estimate struct {
	ID                string  `json:"id"`
	ExpectedCostUSD   float64 `json:"expected_cost_usd"`
	ExpectedLatencyMs float64 `json:"expected_latency_ms"`
	Observations      int     `json:"observations"`
	Static            bool    `json:"static"`
}

// Default is the static fallback used before any history exists.
type Default struct {
	CostUSD   float64 `yaml:"cost_usd" mapstructure:"cost_usd"`
	LatencyMs float64 `yaml:"latency_ms" mapstructure:"latency_ms"`
}

// ModelConfig controls the exponentially-weighted moving average.
type ModelConfig struct {
	// Decay is the EWMA weight given to the newest observation, in (0, 1].
	// Default: 0.3.
	Decay float64 `yaml:"decay" mapstructure:"decay"`

	// Defaults supplies static estimates for ids with no history.
	Defaults map[string]Default `yaml:"defaults" mapstructure:"defaults"`
}

type ewmaStat struct {
	costUSD   float64
	latencyMs float64
	n         int
}

// Model keeps rolling per-id cost statistics. Safe for concurrent use.
type Model struct {
	mu       sync.Mutex
	decay    float64
	stats    map[string]*ewmaStat
	defaults map[string]Default
}

// NewModel creates a cost model.
func NewModel(cfg ModelConfig) *Model {
	decay := cfg.Decay
	if decay <= 0 || decay > 1 {
		decay = 0.3
	}
	defaults := cfg.Defaults
	if defaults == nil {
		defaults = make(map[string]Default)
	}
	return &Model{
		decay:    decay,
		stats:    make(map[string]*ewmaStat),
		defaults: defaults,
	}
}

// Observe folds one execution into the rolling average for id.
func (m *Model) Observe(id string, obs Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stats[id]
	if !ok {
		m.stats[id] = &ewmaStat{costUSD: obs.CostUSD, latencyMs: obs.LatencyMs, n: 1}
		return
	}
	st.costUSD = m.decay*obs.CostUSD + (1-m.decay)*st.costUSD
	st.latencyMs = m.decay*obs.LatencyMs + (1-m.decay)*st.latencyMs
	st.n++
}

// Estimate returns the expected cost for id: the EWMA when history exists,
// otherwise the configured static default.
func (m *Model) Estimate(id string) Estimate {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.stats[id]; ok && st.n > 0 {
		return Estimate{
			ID:                id,
			ExpectedCostUSD:   st.costUSD,
			ExpectedLatencyMs: st.latencyMs,
			Observations:      st.n,
		}
	}
	d := m.defaults[id]
	return Estimate{
		ID:                id,
		ExpectedCostUSD:   d.CostUSD,
		ExpectedLatencyMs: d.LatencyMs,
		Static:            true,
	}
}

// StrategyStat is the persistable form of one id's rolling state, used to
// warm-start the model across processes.
type StrategyStat struct {
	ID                string  `json:"id"`
	ExpectedCostUSD   float64 `json:"expected_cost_usd"`
	ExpectedLatencyMs float64 `json:"expected_latency_ms"`
	Observations      int     `json:"observations"`
}

// Export snapshots the rolling state for persistence.
func (m *Model) Export() []StrategyStat {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StrategyStat, 0, len(m.stats))
	for id, st := range m.stats {
		out = append(out, StrategyStat{
			ID:                id,
			ExpectedCostUSD:   st.costUSD,
			ExpectedLatencyMs: st.latencyMs,
			Observations:      st.n,
		})
	}
	return out
}

// Hydrate seeds the model from persisted state. Existing in-memory state
// for the same id is replaced.
func (m *Model) Hydrate(stats []StrategyStat) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range stats {
		if s.Observations <= 0 {
			continue
		}
		m.stats[s.ID] = &ewmaStat{
			costUSD:   s.ExpectedCostUSD,
			latencyMs: s.ExpectedLatencyMs,
			n:         s.Observations,
		}
	}
}
