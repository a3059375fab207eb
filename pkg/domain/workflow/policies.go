package workflow

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines per-step retry behavior. The delay before attempt n+1
// is min(MaxDelay, Delay * BackoffMultiplier^(n-1)), perturbed by uniform
// jitter on [1-JitterFactor, 1+JitterFactor].
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	Delay             time.Duration `json:"delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	MaxDelay          time.Duration `json:"max_delay"`
	JitterFactor      float64       `json:"jitter_factor"`
	// RetryOn lists errors (matched with errors.Is) that are retryable;
	// empty means every error is.
	RetryOn []error `json:"-"`
	// AbortOn lists errors that stop retrying immediately; takes precedence
	// over RetryOn.
	AbortOn []error `json:"-"`
	// RetryOnFailResult also retries when the step returns a Fail result.
	RetryOnFailResult bool `json:"retry_on_fail_result"`
}

// DefaultRetryPolicy returns a single-attempt policy (no retries).
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       1,
		Delay:             time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		JitterFactor:      0,
	}
}

// DelayFor computes the backoff delay after the given failed attempt
// (1-based).
func (p *RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	delay := float64(p.Delay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFactor > 0 {
		factor := 1 + p.JitterFactor*(rand.Float64()*2-1)
		delay *= factor
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether err is retryable under this policy. AbortOn
// wins over RetryOn; an empty RetryOn list retries everything.
func (p *RetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range p.AbortOn {
		if errors.Is(err, target) {
			return false
		}
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, target := range p.RetryOn {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// LimitAction is what happens when a step exceeds its invocation limit.
type LimitAction string

const (
	// LimitStop silently finishes the workflow with the step's latest output.
	LimitStop LimitAction = "STOP"
	// LimitContinue ignores the limit.
	LimitContinue LimitAction = "CONTINUE"
	// LimitError fails the instance.
	LimitError LimitAction = "ERROR"
)

// CircuitBreakerConfig tunes the engine-global per-step circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the
	// circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// SuccessThreshold is the number of half-open successes that close it.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
	// OpenDuration is how long the circuit stays open before probing.
	OpenDuration time.Duration `json:"open_duration" yaml:"open_duration"`
	// HalfOpenMaxAttempts bounds concurrent half-open probes.
	HalfOpenMaxAttempts int `json:"half_open_max_attempts" yaml:"half_open_max_attempts"`
}

// DefaultCircuitBreakerConfig returns the default breaker tuning.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenDuration:        30 * time.Second,
		HalfOpenMaxAttempts: 1,
	}
}
