package cost

import "sync"

// QualityConfig seeds the estimator with static priors: the expected
// quality delta of including a strategy before any gate history exists.
type QualityConfig struct {
	Priors map[string]float64 `yaml:"priors" mapstructure:"priors"`

	// Decay is the EWMA weight for observed gate deltas. Default: 0.3.
	Decay float64 `yaml:"decay" mapstructure:"decay"`
}

// QualityEstimator maps a candidate strategy to an expected quality delta,
// from static priors blended with observed quality-gate correlation. It
// mutates nothing outside its own observation store.
type QualityEstimator struct {
	mu       sync.Mutex
	decay    float64
	priors   map[string]float64
	observed map[string]*ewmaStat
}

// NewQualityEstimator creates an estimator.
func NewQualityEstimator(cfg QualityConfig) *QualityEstimator {
	decay := cfg.Decay
	if decay <= 0 || decay > 1 {
		decay = 0.3
	}
	priors := cfg.Priors
	if priors == nil {
		priors = make(map[string]float64)
	}
	return &QualityEstimator{
		decay:    decay,
		priors:   priors,
		observed: make(map[string]*ewmaStat),
	}
}

// ObserveGate folds one quality-gate outcome for id into the rolling
// average. delta is the measured quality change attributable to the
// strategy's inclusion.
func (q *QualityEstimator) ObserveGate(id string, delta float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.observed[id]
	if !ok {
		q.observed[id] = &ewmaStat{costUSD: delta, n: 1}
		return
	}
	st.costUSD = q.decay*delta + (1-q.decay)*st.costUSD
	st.n++
}

// Gain returns the expected quality delta if id is included: observed gate
// correlation when history exists, otherwise the static prior.
func (q *QualityEstimator) Gain(id string) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	if st, ok := q.observed[id]; ok && st.n > 0 {
		return st.costUSD
	}
	return q.priors[id]
}
