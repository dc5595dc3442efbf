// Package resilience protects the bot from flaky upstream providers.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) placed
// in front of each completion and transcription backend. [FallbackGroup]
// chains several backends of the same kind so that a failing primary is
// bypassed in favour of the next healthy one. Errors caused by the request
// itself (for example a prompt that exceeds the context window) are returned
// straight to the caller and never trip a breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout has passed.
	StateOpen

	// StateHalfOpen lets one probe call through at a time.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the backend in logs and metrics, e.g. "openai/gpt-4o".
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// ProbeSuccesses is the number of successful probes that close a
	// half-open breaker. Probes run one at a time because a completion call
	// is slow and billed. Default: 1.
	ProbeSuccesses int

	// IsCallerError reports errors that are the caller's fault. They are
	// returned unchanged and count neither as failure nor as success.
	IsCallerError func(error) bool

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker's lock held and must not call back into the breaker.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now.
	Now func() time.Time
}

// CircuitBreaker is a three-state breaker guarding one backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
	probesOK int
}

// NewCircuitBreaker creates a closed [CircuitBreaker]. Zero config fields get
// their defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the breaker rejects the call with [ErrCircuitOpen].
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if probe {
		cb.probing = false
	}
	switch {
	case err == nil:
		cb.succeeded(probe)
	case cb.cfg.IsCallerError != nil && cb.cfg.IsCallerError(err):
		// Says nothing about the backend's health.
	default:
		cb.failed(probe)
	}
	return err
}

// admit decides whether a call may run and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probesOK = 0
	}
	if cb.state == StateHalfOpen {
		if cb.probing {
			return false, ErrCircuitOpen
		}
		cb.probing = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) succeeded(probe bool) {
	cb.failures = 0
	if !probe || cb.state != StateHalfOpen {
		return
	}
	cb.probesOK++
	if cb.probesOK >= cb.cfg.ProbeSuccesses {
		cb.transition(StateClosed)
		slog.Info("circuit breaker closed", "name", cb.cfg.Name)
	}
}

func (cb *CircuitBreaker) failed(probe bool) {
	cb.failures++
	if probe || (cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures) {
		cb.openedAt = cb.cfg.Now()
		cb.transition(StateOpen)
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "consecutive_failures", cb.failures)
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the breaker's state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}
