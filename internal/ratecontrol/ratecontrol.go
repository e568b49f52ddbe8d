package ratecontrol

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit caps throughput for one key (a queue or a provider)
type RateLimit struct {
	RPM   int `mapstructure:"rpm"`
	Burst int `mapstructure:"burst"`
}

// Unlimited reports whether the limit imposes no cap
func (l RateLimit) Unlimited() bool { return l.RPM <= 0 }

// Registry hands out one token bucket per key. Limiters are the only shared mutable
// rate state and are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	limits   map[string]RateLimit
	limiters map[string]*rate.Limiter
}

// NewRegistry creates a registry with per-key limits
func NewRegistry(limits map[string]RateLimit) *Registry {
	normalized := make(map[string]RateLimit, len(limits))
	for k, v := range limits {
		normalized[normalize(k)] = v
	}
	return &Registry{
		limits:   normalized,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetLimit replaces the limit for key. Existing waiters keep their reservation.
func (r *Registry) SetLimit(key string, limit RateLimit) {
	key = normalize(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits[key] = limit
	if l, ok := r.limiters[key]; ok {
		l.SetLimit(toLimit(limit))
		l.SetBurst(burstFor(limit))
	}
}

// LimitFor returns the configured limit for key
func (r *Registry) LimitFor(key string) RateLimit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits[normalize(key)]
}

// Limiter returns the shared limiter for key
func (r *Registry) Limiter(key string) *rate.Limiter {
	key = normalize(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	limit := r.limits[key]
	l := rate.NewLimiter(toLimit(limit), burstFor(limit))
	r.limiters[key] = l
	return l
}

// Wait blocks until every key admits one event or ctx is done
func (r *Registry) Wait(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if err := r.Limiter(k).Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CombineLimits returns the tighter positive limit of a and b
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{}
	limit.RPM = minPositive(a.RPM, b.RPM)
	limit.Burst = minPositive(a.Burst, b.Burst)
	return limit
}

// DelayForLimit is the minimum spacing between events under limit
func DelayForLimit(limit RateLimit) time.Duration {
	if limit.RPM <= 0 {
		return 0
	}
	delayMs := 60000.0 / float64(limit.RPM)
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

func toLimit(l RateLimit) rate.Limit {
	if l.Unlimited() {
		return rate.Inf
	}
	return rate.Limit(float64(l.RPM) / 60.0)
}

func burstFor(l RateLimit) int {
	if l.Burst > 0 {
		return l.Burst
	}
	if l.Unlimited() {
		return 1
	}
	// Allow a short burst of a tenth of the per-minute budget.
	b := l.RPM / 10
	if b < 1 {
		b = 1
	}
	return b
}

func normalize(k string) string { return strings.ToLower(strings.TrimSpace(k)) }

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		if a < b {
			return a
		}
		return b
	}
}
