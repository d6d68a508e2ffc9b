// Package resilience provides failure classification, circuit breaking, and
// retry for the external dependencies stages call out to.
package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// FailureReason is the six-way classification every stage failure receives.
type FailureReason string

const (
	// ReasonInput: malformed or unprocessable stage input. Never retried —
	// the call cannot succeed without a code change.
	ReasonInput FailureReason = "INPUT"
	// ReasonConfig: invalid configuration. Never retried.
	ReasonConfig FailureReason = "CONFIG"
	// ReasonModel: the model produced an unusable response. Retried.
	ReasonModel FailureReason = "MODEL"
	// ReasonNetwork: transport-level failure. Retried.
	ReasonNetwork FailureReason = "NETWORK"
	// ReasonTimeout: the stage exceeded its declared maximum duration, or
	// the dependency timed out. Retried.
	ReasonTimeout FailureReason = "TIMEOUT"
	// ReasonBudget: a cost ceiling was hit. Never retried; callers route to
	// a degrade path instead.
	ReasonBudget FailureReason = "BUDGET"
)

// Retryable reports whether failures with this reason may be retried.
func (r FailureReason) Retryable() bool {
	switch r {
	case ReasonNetwork, ReasonTimeout, ReasonModel:
		return true
	default:
		return false
	}
}

// Reasons lists all classifications in a fixed order, for histograms and
// reports.
func Reasons() []FailureReason {
	return []FailureReason{
		ReasonInput, ReasonConfig, ReasonModel,
		ReasonNetwork, ReasonTimeout, ReasonBudget,
	}
}

// StageFailure is a classified failure of one stage execution.
type StageFailure struct {
	Stage  string
	Reason FailureReason
	Err    error
}

func (f *StageFailure) Error() string {
	return string(f.Reason) + ": stage " + f.Stage + ": " + f.Err.Error()
}

func (f *StageFailure) Unwrap() error {
	return f.Err
}

// Retryable reports whether this failure may be retried.
func (f *StageFailure) Retryable() bool {
	return f.Reason.Retryable()
}

// NewStageFailure wraps err as a classified stage failure.
func NewStageFailure(stage string, reason FailureReason, err error) *StageFailure {
	return &StageFailure{Stage: stage, Reason: reason, Err: err}
}

// Classify maps an error to exactly one FailureReason. An explicit
// StageFailure in the chain wins; otherwise timeouts and network-level
// failures are recognized by shape, and anything else is attributed to the
// model — the dependency answered, but not usably.
func Classify(err error) FailureReason {
	var sf *StageFailure
	if errors.As(err, &sf) {
		return sf.Reason
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReasonTimeout
		}
		return ReasonNetwork
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return ReasonNetwork
	}

	msg := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return ReasonNetwork
		}
	}
	if strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "deadline exceeded") {
		return ReasonTimeout
	}

	return ReasonModel
}
