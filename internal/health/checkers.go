package health

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// slowProbe marks a reachable but slow dependency as degraded
const slowProbe = 100 * time.Millisecond

// RedisChecker pings the evidence dedupe store. It is not critical: dedupe
// falls back to an in-process set when redis is down.
type RedisChecker struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedisChecker creates a redis checker
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client, timeout: 2 * time.Second}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return false }
func (r *RedisChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	return probe(ctx, "Redis", func(ctx context.Context) error { return r.client.Ping(ctx).Err() })
}

// PingChecker probes a dependency through a ping function, such as the archive database
type PingChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	ping     func(ctx context.Context) error
}

// NewPingChecker creates a checker around ping
func NewPingChecker(name string, critical bool, timeout time.Duration, ping func(ctx context.Context) error) *PingChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PingChecker{name: name, critical: critical, timeout: timeout, ping: ping}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	return probe(ctx, p.name, p.ping)
}

// BreakerSource reports open circuit breakers
type BreakerSource interface {
	OpenBreakers() []string
}

// BreakerChecker degrades readiness while any provider breaker is open
type BreakerChecker struct {
	src BreakerSource
}

// NewBreakerChecker creates a breaker checker
func NewBreakerChecker(src BreakerSource) *BreakerChecker { return &BreakerChecker{src: src} }

func (b *BreakerChecker) Name() string           { return "circuit_breakers" }
func (b *BreakerChecker) IsCritical() bool       { return false }
func (b *BreakerChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerChecker) Check(context.Context) CheckResult {
	open := b.src.OpenBreakers()
	if len(open) == 0 {
		return CheckResult{Status: StatusHealthy, Message: "All breakers closed"}
	}
	return CheckResult{
		Status:  StatusDegraded,
		Message: "Open breakers: " + strings.Join(open, ", "),
		Details: map[string]interface{}{"open": open},
	}
}

func probe(ctx context.Context, label string, ping func(ctx context.Context) error) CheckResult {
	start := time.Now()
	err := ping(ctx)
	latency := time.Since(start)
	res := CheckResult{Details: map[string]interface{}{"latency_ms": latency.Milliseconds()}}
	switch {
	case err != nil:
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		res.Message = label + " ping failed"
	case latency > slowProbe:
		res.Status = StatusDegraded
		res.Message = label + " responding with high latency"
	default:
		res.Status = StatusHealthy
		res.Message = label + " healthy"
	}
	return res
}
