package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// OpenError is returned when a call is rejected without reaching the dependency.
type OpenError struct {
	Name  string
	State State
	cause error
}

func (e *OpenError) Error() string { return e.Name + ": " + e.cause.Error() }

func (e *OpenError) Unwrap() error { return e.cause }

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool {
	return errors.Is(err, ErrCircuitBreakerOpen) || errors.Is(err, ErrTooManyRequests)
}

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold uint32        // Failures within Window that open the breaker
	Window           time.Duration // Sliding window for counting failures in closed state
	Cooldown         time.Duration // Time to wait before transitioning from open to half-open
	HalfOpenProbes   uint32        // Requests admitted in half-open state
	OnStateChange    func(name string, from State, to State)
}

// DefaultConfig returns sensible defaults for circuit breaker
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// Counts holds the circuit breaker statistics
type Counts struct {
	Requests            uint32
	TotalSuccesses      uint32
	TotalFailures       uint32
	ConsecutiveFailures uint32
	Rejected            uint32
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Name             string        `json:"name"`
	State            string        `json:"state"`
	FailuresInWindow int           `json:"failures_in_window"`
	LastFailure      time.Time     `json:"last_failure,omitempty"`
	FailureThreshold uint32        `json:"failure_threshold"`
	Window           time.Duration `json:"window"`
	Cooldown         time.Duration `json:"cooldown"`
	Counts           Counts        `json:"counts"`
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mutex       sync.Mutex
	state       State
	generation  uint64
	counts      Counts
	failures    []time.Time
	lastFailure time.Time
	expiry      time.Time
	inFlight    uint32
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HalfOpenProbes == 0 {
		config.HalfOpenProbes = 1
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Name returns the dependency name
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute executes the given function if the circuit breaker is closed or half-open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn(ctx)
	cb.afterRequest(generation, !IsDependencyFailure(err))
	return err
}

// IsDependencyFailure reports whether err says the dependency itself is
// unhealthy. Validation and configuration errors, and caller cancellation,
// mean it answered and never count toward opening the breaker.
func IsDependencyFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch taxonomy.Classify(err) {
	case taxonomy.KindNetwork, taxonomy.KindRateLimit, taxonomy.KindUnknown:
		return true
	}
	return false
}

// Allow reports whether a request would currently be admitted, without consuming a probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	state, _ := cb.currentState(cb.now())
	switch state {
	case StateOpen:
		return false
	case StateHalfOpen:
		return cb.inFlight < cb.config.HalfOpenProbes
	}
	return true
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	state, _ := cb.currentState(cb.now())
	return state
}

// Counts returns the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.counts
}

// Snapshot returns the breaker state for reporting
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	now := cb.now()
	state, _ := cb.currentState(now)
	cb.pruneFailures(now)
	return Snapshot{
		Name:             cb.name,
		State:            state.String(),
		FailuresInWindow: len(cb.failures),
		LastFailure:      cb.lastFailure,
		FailureThreshold: cb.config.FailureThreshold,
		Window:           cb.config.Window,
		Cooldown:         cb.config.Cooldown,
		Counts:           cb.counts,
	}
}

// beforeRequest checks if request can proceed
func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		cb.counts.Rejected++
		return generation, &OpenError{Name: cb.name, State: state, cause: ErrCircuitBreakerOpen}
	} else if state == StateHalfOpen && cb.inFlight >= cb.config.HalfOpenProbes {
		cb.counts.Rejected++
		return generation, &OpenError{Name: cb.name, State: state, cause: ErrTooManyRequests}
	}

	cb.counts.Requests++
	cb.inFlight++
	return generation, nil
}

// afterRequest updates the circuit breaker state after request completion
func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}
	if cb.inFlight > 0 {
		cb.inFlight--
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

// currentState returns the current state, updating if necessary
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	if cb.state == StateOpen && !cb.expiry.After(now) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state, cb.generation
}

// onSuccess handles successful request
func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveFailures = 0
	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

// onFailure handles failed request
func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.lastFailure = now
	switch state {
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.pruneFailures(now)
		if uint32(len(cb.failures)) >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// pruneFailures drops failures that left the sliding window
func (cb *CircuitBreaker) pruneFailures(now time.Time) {
	if cb.config.Window <= 0 {
		return
	}
	cutoff := now.Add(-cb.config.Window)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}

// setState transitions to a new state
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.generation++
	cb.inFlight = 0

	switch state {
	case StateClosed:
		cb.failures = cb.failures[:0]
		cb.expiry = time.Time{}
	case StateOpen:
		cb.expiry = now.Add(cb.config.Cooldown)
	case StateHalfOpen:
		cb.expiry = time.Time{}
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}
