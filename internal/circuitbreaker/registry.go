package circuitbreaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TransitionObserver is notified after every state change of any breaker in a registry.
type TransitionObserver func(name string, from, to State)

// Registry owns one breaker per dependency name. Create one per process (or per test)
// and inject it; there is no package-level instance.
type Registry struct {
	settings Settings
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	observers []TransitionObserver
}

// NewRegistry creates an empty registry
func NewRegistry(settings Settings, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		settings: settings,
		logger:   logger,
		now:      time.Now,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// WithClock swaps the time source for every breaker created afterwards
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.mu.Lock()
	r.now = now
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.Unlock()
	for _, cb := range list {
		cb.mutex.Lock()
		cb.now = now
		cb.mutex.Unlock()
	}
	return r
}

// Observe registers a transition observer
func (r *Registry) Observe(o TransitionObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Get returns the breaker for name, creating it on first use
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cfg := r.settings.ConfigFor(name)
	cfg.OnStateChange = r.notify
	cb = NewCircuitBreaker(name, cfg, r.logger)
	cb.now = r.now
	r.breakers[name] = cb
	return cb
}

// Execute runs fn through the named breaker and records request metrics
func (r *Registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	err := r.Get(name).Execute(ctx, fn)
	recordRequest(name, err)
	return err
}

// AnyOpen reports whether any breaker is currently open
func (r *Registry) AnyOpen() bool {
	return len(r.OpenBreakers()) > 0
}

// OpenBreakers lists the names of open breakers, sorted
func (r *Registry) OpenBreakers() []string {
	r.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.RUnlock()

	var open []string
	for _, cb := range list {
		if cb.State() == StateOpen {
			open = append(open, cb.Name())
		}
	}
	sort.Strings(open)
	return open
}

// Snapshots returns every breaker snapshot, sorted by name
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) notify(name string, from, to State) {
	recordStateChange(name, from, to)
	r.mu.RLock()
	observers := append([]TransitionObserver(nil), r.observers...)
	r.mu.RUnlock()
	for _, o := range observers {
		o(name, from, to)
	}
}
