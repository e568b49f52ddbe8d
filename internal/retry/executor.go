package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
	"go.uber.org/zap"
)

// Policy configures bounded exponential backoff.
type Policy struct {
	MaxRetries   int           // retries after the first attempt
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration
	Jitter       float64 // fraction of the delay, applied symmetrically
}

// DefaultPolicy returns the default search policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Jitter:       0.1,
	}
}

// Scale multiplies retries and delays together. Used by resilience modes.
func (p Policy) Scale(factor float64) Policy {
	if factor <= 0 {
		return p
	}
	out := p
	out.MaxRetries = int(math.Round(float64(p.MaxRetries) * factor))
	if out.MaxRetries < 1 && p.MaxRetries > 0 {
		out.MaxRetries = 1
	}
	out.InitialDelay = time.Duration(float64(p.InitialDelay) * factor)
	out.MaxDelay = time.Duration(float64(p.MaxDelay) * factor)
	return out
}

// Delay returns the un-jittered backoff before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Predicate decides whether err may be retried.
type Predicate func(err error) bool

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Observer is told about each scheduled retry.
type Observer func(attempt int, delay time.Duration, err error)

// Executor runs operations under a Policy.
type Executor struct {
	policy    Policy
	retryable Predicate
	sleep     Sleeper
	observer  Observer
	logger    *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Option customises an Executor.
type Option func(*Executor)

// WithPredicate overrides the retryability predicate.
func WithPredicate(p Predicate) Option { return func(e *Executor) { e.retryable = p } }

// WithSleeper replaces the wall-clock sleeper, mainly for tests.
func WithSleeper(s Sleeper) Option { return func(e *Executor) { e.sleep = s } }

// WithObserver registers a retry callback.
func WithObserver(o Observer) Option { return func(e *Executor) { e.observer = o } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithSeed makes jitter deterministic.
func WithSeed(seed int64) Option {
	return func(e *Executor) { e.rng = rand.New(rand.NewSource(seed)) }
}

// NewExecutor creates an executor.
func NewExecutor(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy:    policy,
		retryable: DefaultPredicate,
		sleep:     ContextSleep,
		logger:    zap.NewNop(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor policy.
func (e *Executor) Policy() Policy { return e.policy }

// DefaultPredicate retries network, rate-limit and unknown failures but never
// configuration or validation failures.
func DefaultPredicate(err error) bool {
	switch taxonomy.Classify(err) {
	case taxonomy.KindConfiguration, taxonomy.KindValidation:
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// ContextSleep sleeps on a timer honouring ctx.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn until it succeeds, the failure is not retryable, or retries are exhausted.
// The returned error is always the original failure enhanced with diagnostic context.
func (e *Executor) Do(ctx context.Context, op, dependency string, fn func(ctx context.Context) error) error {
	var (
		lastErr   error
		lastDelay time.Duration
		attempts  int
	)
	maxRetries := e.policy.MaxRetries
	for attempt := 0; ; attempt++ {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := taxonomy.Classify(err)
		budget := taxonomy.RetryBudget(kind, maxRetries)
		if attempt >= budget || !e.retryable(err) {
			break
		}

		delay := e.jitter(time.Duration(float64(e.policy.Delay(attempt)) * taxonomy.BackoffFactor(kind)))
		var te *taxonomy.Error
		if errors.As(err, &te) && te.RetryAfter > delay {
			delay = te.RetryAfter
		}
		if e.policy.MaxDelay > 0 && kind == taxonomy.KindRateLimit && delay > 2*e.policy.MaxDelay {
			delay = 2 * e.policy.MaxDelay
		}
		lastDelay = delay
		if e.observer != nil {
			e.observer(attempt+1, delay, err)
		}
		e.logger.Debug("Retrying operation",
			zap.String("op", op),
			zap.String("dependency", dependency),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		if serr := e.sleep(ctx, delay); serr != nil {
			lastErr = err
			break
		}
	}

	kind := taxonomy.Classify(lastErr)
	if kind == taxonomy.KindUnknown && attempts > 1 {
		kind = taxonomy.KindNetwork
	}
	return &taxonomy.Error{
		Kind:       kind,
		Op:         op,
		Dependency: dependency,
		Attempts:   attempts,
		LastDelay:  lastDelay,
		Err:        lastErr,
	}
}

// Run is a typed convenience around Do.
func Run[T any](ctx context.Context, e *Executor, op, dependency string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, dependency, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (e *Executor) jitter(d time.Duration) time.Duration {
	if e.policy.Jitter <= 0 || d <= 0 {
		return d
	}
	e.mu.Lock()
	r := e.rng.Float64()
	e.mu.Unlock()
	spread := float64(d) * e.policy.Jitter
	out := float64(d) + (r-0.5)*2*spread
	if out < 0 {
		return 0
	}
	return time.Duration(out)
}
