// Package circuitbreaker stops the cache proxy from hammering an origin that
// is already failing. While the breaker is open, network fetches fail fast
// and navigation requests fall back to cached pages immediately.
//
// State transitions:
//
//	Closed   → Open      when consecutive failures ≥ FailureThreshold
//	Open     → HalfOpen  after Cooldown elapses
//	HalfOpen → Closed    when consecutive successes ≥ SuccessThreshold
//	HalfOpen → Open      on any failure
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the breaker's current state.
type State int

const (
	// StateClosed: the origin is healthy and fetches pass through.
	StateClosed State = iota
	// StateOpen: the origin is considered down and fetches fail fast.
	StateOpen
	// StateHalfOpen: probing whether the origin recovered.
	StateHalfOpen
)

// String implements fmt.Stringer.
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

// ErrCircuitOpen is returned by Do when the breaker rejects the call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Settings configures a breaker. Zero values select the defaults.
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

// CircuitBreaker guards one upstream origin.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	settings  Settings
	openUntil time.Time
	onChange  func(State)
}

// New creates a breaker. Defaults: FailureThreshold=5, SuccessThreshold=1,
// Cooldown=30s.
func New(s Settings) *CircuitBreaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 1
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{state: StateClosed, settings: s}
}

// OnStateChange registers fn to be called (with the lock released) after
// every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// State returns the current state, moving Open→HalfOpen once the cooldown
// has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	st, changed := cb.resolveState()
	fn := cb.onChange
	cb.mu.Unlock()
	if changed && fn != nil {
		fn(st)
	}
	return st
}

// resolveState must be called with cb.mu held.
func (cb *CircuitBreaker) resolveState() (State, bool) {
	if cb.state == StateOpen && time.Now().After(cb.openUntil) {
		cb.state = StateHalfOpen
		cb.successes = 0
		return cb.state, true
	}
	return cb.state, false
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != StateOpen
}

// Do runs fn unless the breaker is open, recording the outcome.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// DoContext is Do for calls bound to ctx. A call that fails after ctx is done
// was abandoned by the caller and is not recorded as a failure.
func (cb *CircuitBreaker) DoContext(ctx context.Context, fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		if ctx.Err() == nil {
			cb.RecordFailure()
		}
		return err
	}
	cb.RecordSuccess()
	return nil
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	before := cb.state
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	case StateClosed:
		cb.failures = 0
	}
	cb.notifyLocked(before)
}

// RecordFailure notes a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	before := cb.state
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.settings.FailureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
	cb.notifyLocked(before)
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openUntil = time.Now().Add(cb.settings.Cooldown)
	cb.successes = 0
}

// notifyLocked releases cb.mu.
func (cb *CircuitBreaker) notifyLocked(before State) {
	after := cb.state
	fn := cb.onChange
	cb.mu.Unlock()
	if after != before && fn != nil {
		fn(after)
	}
}
