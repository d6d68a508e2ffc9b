package resilience

import (
	"sync"
	"time"
)

// State is the circuit breaker state for one dependency.
type State int

const (
	// StateClosed is the normal operating state — calls flow through.
	StateClosed State = iota
	// StateOpen means too many retryable failures — calls are rejected
	// until the backoff deadline elapses.
	StateOpen
	// StateHalfOpen admits a single probe call to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitOpenError is returned when a call is rejected because the circuit
// is open and the backoff deadline has not elapsed. Callers use the last
// partial result or take the degrade path.
type CircuitOpenError struct {
	Dependency   string
	NextEligible time.Time
}

func (e *CircuitOpenError) Error() string {
	return "circuit open for dependency " + e.Dependency
}

// BreakerConfig controls the failure state machine.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive retryable failures that
	// opens the circuit. Default: 3.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`

	// Window bounds how far apart consecutive failures may be and still
	// count as a streak. Default: 1m.
	Window time.Duration `yaml:"window" mapstructure:"window"`

	// InitialBackoff is how long the circuit stays open after tripping.
	// Default: 5s.
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`

	// BackoffFactor multiplies the backoff each time a half-open probe
	// fails. Default: 2.0.
	BackoffFactor float64 `yaml:"backoff_factor" mapstructure:"backoff_factor"`

	// MaxBackoff caps the grown backoff. Default: 2m.
	MaxBackoff time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`

	// OnStateChange is called on every transition.
	OnStateChange func(dependency string, from, to State)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Window:           time.Minute,
		InitialBackoff:   5 * time.Second,
		BackoffFactor:    2.0,
		MaxBackoff:       2 * time.Minute,
	}
}

func (cfg BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = d.InitialBackoff
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = d.BackoffFactor
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	return cfg
}

// Breaker is the failure state machine for a single named dependency.
// All transitions happen under one mutex, so concurrent failures cannot
// produce lost updates. The breaker never sleeps: Allow returns a
// CircuitOpenError carrying the next eligible time and the caller decides
// what to do with it, which keeps scheduling cooperative and the clock
// mockable.
type Breaker struct {
	dependency string
	cfg        BreakerConfig

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	histogram           map[FailureReason]int64
	lastFailureTime     time.Time
	backoff             time.Duration
	backoffDeadline     time.Time
	probing             bool

	nowFunc func() time.Time
}

// NewBreaker creates a breaker for the named dependency.
func NewBreaker(dependency string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		dependency: dependency,
		cfg:        cfg.withDefaults(),
		state:      StateClosed,
		histogram:  make(map[FailureReason]int64),
		nowFunc:    time.Now,
	}
}

// WithNow overrides the breaker clock. Test hook.
func (b *Breaker) WithNow(fn func() time.Time) *Breaker {
	b.nowFunc = fn
	return b
}

// Allow reports whether a call may proceed. When the circuit is open and the
// backoff deadline has elapsed, the breaker transitions to half-open and
// admits exactly one probe; further callers are rejected until the probe
// settles.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.nowFunc().Before(b.backoffDeadline) {
			return &CircuitOpenError{Dependency: b.dependency, NextEligible: b.backoffDeadline}
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return &CircuitOpenError{Dependency: b.dependency, NextEligible: b.backoffDeadline}
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess notes a successful call. In half-open it closes the circuit
// and resets the failure count and backoff.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.transition(StateClosed)
		b.consecutiveFailures = 0
		b.backoff = 0
		b.probing = false
	case StateClosed:
		b.consecutiveFailures = 0
	}
}

// RecordFailure notes a classified failure. Only retryable reasons count
// toward the trip threshold; INPUT, CONFIG, and BUDGET failures are
// recorded in the histogram but indicate nothing about dependency health.
// In half-open the probe settles on any failure: a call that errored did
// not demonstrate recovery, so the circuit reopens with grown backoff
// rather than leaving the probe ticket held.
func (b *Breaker) RecordFailure(reason FailureReason) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.histogram[reason]++
	now := b.nowFunc()

	if b.state == StateHalfOpen {
		next := time.Duration(float64(b.backoff) * b.cfg.BackoffFactor)
		if next > b.cfg.MaxBackoff {
			next = b.cfg.MaxBackoff
		}
		b.open(now, next)
		b.probing = false
		if reason.Retryable() {
			b.consecutiveFailures++
			b.lastFailureTime = now
		}
		return
	}

	if !reason.Retryable() {
		return
	}

	if !b.lastFailureTime.IsZero() && now.Sub(b.lastFailureTime) > b.cfg.Window {
		// Streak broken by the observation window.
		b.consecutiveFailures = 0
	}
	b.consecutiveFailures++
	b.lastFailureTime = now

	if b.state == StateClosed && b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.open(now, b.cfg.InitialBackoff)
	}
}

// Release returns an admitted probe ticket without settling it, for callers
// that were admitted by Allow but never reached the dependency (for
// example when the rate limiter wait is cancelled). The next caller may
// probe again.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
	}
}

// open transitions to StateOpen with the given backoff. Caller holds the lock.
func (b *Breaker) open(now time.Time, backoff time.Duration) {
	b.backoff = backoff
	b.backoffDeadline = now.Add(backoff)
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.dependency, from, to)
	}
}

// Snapshot is an observability view of one breaker.
type Snapshot struct {
	Dependency          string                  `json:"dependency"`
	State               string                  `json:"state"`
	ConsecutiveFailures int                     `json:"consecutive_failures"`
	Histogram           map[FailureReason]int64 `json:"histogram"`
	NextEligible        *time.Time              `json:"next_eligible,omitempty"`
	CurrentBackoff      time.Duration           `json:"current_backoff"`
}

// Snapshot returns the current state for reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	hist := make(map[FailureReason]int64, len(b.histogram))
	for k, v := range b.histogram {
		hist[k] = v
	}
	snap := Snapshot{
		Dependency:          b.dependency,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		Histogram:           hist,
		CurrentBackoff:      b.backoff,
	}
	if b.state == StateOpen {
		deadline := b.backoffDeadline
		snap.NextEligible = &deadline
	}
	return snap
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Breakers manages one breaker per dependency name, shared across all
// concurrent stage invocations.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
	nowFunc  func() time.Time
}

// NewBreakers creates a per-dependency breaker registry.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		nowFunc:  time.Now,
	}
}

// WithNow sets the clock used by breakers created after this call. Test hook.
func (r *Breakers) WithNow(fn func() time.Time) *Breakers {
	r.nowFunc = fn
	return r
}

// Get returns the breaker for the named dependency, creating one if needed.
func (r *Breakers) Get(dependency string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[dependency]; ok {
		return b
	}
	b = NewBreaker(dependency, r.cfg).WithNow(r.nowFunc)
	r.breakers[dependency] = b
	return b
}

// Snapshots returns the state of every known breaker, for the report layer.
func (r *Breakers) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snaps := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	return snaps
}
