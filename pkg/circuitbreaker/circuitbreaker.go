// Package circuitbreaker stops calling a dependency that keeps failing and
// probes it again after a cooldown.
//
// A breaker starts closed. FailureThreshold consecutive failures open it and
// every call is rejected with ErrCircuitOpen until ResetTimeout has passed.
// The first call after that moves it to half-open; SuccessThreshold
// consecutive successes close it again and any failure reopens it.
//
// State is process-local. Build one breaker per dependency and keep it for the
// lifetime of the process, or share them through a Registry.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultResetTimeout     = 60 * time.Second
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
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

type Config struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

type Stats struct {
	Name            string
	State           State
	Failures        int
	Successes       int
	NextAttempt     time.Time
	LastFailure     time.Time
	LastStateChange time.Time
}

type CircuitBreaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	nextAttempt     time.Time
	lastFailure     time.Time
	lastStateChange time.Time
}

// New builds a closed breaker. Zero thresholds and timeout fall back to the
// package defaults.
func New(cfg Config) *CircuitBreaker {
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		cfg:             cfg,
		state:           StateClosed,
		lastStateChange: cfg.Clock(),
	}
}

type transition struct {
	from, to State
}

// Execute runs fn unless the breaker is open. The error from fn is returned
// unchanged; a rejected call returns an error matching ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return err
}

// ExecuteValue is Execute for operations that produce a value.
func ExecuteValue[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var value T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		value, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	var changed *transition
	if cb.state == StateOpen {
		if cb.cfg.Clock().Before(cb.nextAttempt) {
			cb.mu.Unlock()
			return fmt.Errorf("%s: %w", cb.cfg.Name, ErrCircuitOpen)
		}
		changed = cb.transitionLocked(StateHalfOpen)
	}
	cb.mu.Unlock()

	cb.notify(changed)
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	var changed *transition
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			changed = cb.transitionLocked(StateClosed)
		}
	}
	cb.mu.Unlock()

	cb.notify(changed)
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	now := cb.cfg.Clock()
	cb.lastFailure = now

	var changed *transition
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			changed = cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		changed = cb.transitionLocked(StateOpen)
	case StateOpen:
		// a call admitted before another goroutine reopened the breaker
		cb.nextAttempt = now.Add(cb.cfg.ResetTimeout)
	}
	cb.mu.Unlock()

	cb.notify(changed)
}

// transitionLocked must be called with mu held.
func (cb *CircuitBreaker) transitionLocked(to State) *transition {
	from := cb.state
	if from == to {
		return nil
	}

	now := cb.cfg.Clock()
	cb.state = to
	cb.lastStateChange = now

	switch to {
	case StateOpen:
		cb.nextAttempt = now.Add(cb.cfg.ResetTimeout)
		cb.successCount = 0
	case StateHalfOpen:
		cb.successCount = 0
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
		cb.nextAttempt = time.Time{}
	}
	return &transition{from: from, to: to}
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t == nil || cb.cfg.OnStateChange == nil {
		return
	}
	cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
}

// State reports the stored state. An open breaker whose cooldown has elapsed
// still reports open until the next call moves it to half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.cfg.Name,
		State:           cb.state,
		Failures:        cb.failureCount,
		Successes:       cb.successCount,
		NextAttempt:     cb.nextAttempt,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.transitionLocked(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.mu.Unlock()

	cb.notify(changed)
}
