package engine

import (
	"sync"
	"time"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
)

// BreakerState is the observable state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker guards one step id across all instances. Transitions:
// CLOSED opens after FailureThreshold consecutive failures; OPEN admits
// again after OpenDuration, moving to HALF_OPEN; HALF_OPEN closes after
// SuccessThreshold successes and reopens on any failure.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg workflow.CircuitBreakerConfig

	state               BreakerState
	consecutiveFailures int
	halfOpenSuccesses   int
	halfOpenInFlight    int
	openedAt            time.Time

	now func() time.Time
}

func newCircuitBreaker(cfg workflow.CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed, now: time.Now}
}

// Allow admits or denies one invocation. The returned error carries
// CodeCircuitOpen when denied.
func (b *CircuitBreaker) Allow(stepID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenDuration {
			return errors.Newf(errors.CodeCircuitOpen, "engine",
				"circuit for step %q is open", stepID)
		}
		b.state = BreakerHalfOpen
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 0
		fallthrough
	default: // HALF_OPEN
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxAttempts {
			return errors.Newf(errors.CodeCircuitOpen, "engine",
				"circuit for step %q is half-open and saturated", stepID)
		}
		b.halfOpenInFlight++
		return nil
	}
}

// RecordSuccess reports a successful invocation.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
		}
	default:
		b.consecutiveFailures = 0
	}
}

// RecordFailure reports a failed invocation.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
	case BreakerClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	}
}

// State returns the current state without side effects.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerRegistry owns one breaker per step id, engine-scoped.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      workflow.CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates a registry with the given tuning.
func NewBreakerRegistry(cfg workflow.CircuitBreakerConfig) *BreakerRegistry {
	if cfg.FailureThreshold <= 0 {
		cfg = workflow.DefaultCircuitBreakerConfig()
	}
	return &BreakerRegistry{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// For returns the breaker for a step id, creating it on first use.
func (r *BreakerRegistry) For(stepID string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[stepID]
	if !ok {
		b = newCircuitBreaker(r.cfg)
		r.breakers[stepID] = b
	}
	return b
}

// StateOf returns the state of a step's breaker, CLOSED when untouched.
func (r *BreakerRegistry) StateOf(stepID string) BreakerState {
	r.mu.Lock()
	b, ok := r.breakers[stepID]
	r.mu.Unlock()

	if !ok {
		return BreakerClosed
	}
	return b.State()
}
