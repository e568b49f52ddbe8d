package evidence

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper marks content hashes as seen. Claim returns true only for the first
// caller to present a hash within a run.
type Deduper interface {
	Claim(ctx context.Context, runID, hash string) (bool, error)
}

// MemoryDeduper keeps seen hashes in process
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryDeduper creates an in-process deduper
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (d *MemoryDeduper) Claim(_ context.Context, runID, hash string) (bool, error) {
	key := runID + ":" + hash
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = struct{}{}
	return true, nil
}

// RedisDeduper shares seen hashes across orchestrator processes with SETNX.
// When redis is unreachable it degrades to the in-process deduper.
type RedisDeduper struct {
	client   redis.UniversalClient
	ttl      time.Duration
	prefix   string
	fallback *MemoryDeduper
	logger   *zap.Logger
}

// NewRedisDeduper creates a deduper backed by client
func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisDeduper{
		client:   client,
		ttl:      ttl,
		prefix:   "techscaniq:evidence:",
		fallback: NewMemoryDeduper(),
		logger:   logger,
	}
}

func (d *RedisDeduper) Claim(ctx context.Context, runID, hash string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+runID+":"+hash, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("Redis dedupe unavailable, using in-process set",
			zap.String("run_id", runID),
			zap.Error(err),
		)
		return d.fallback.Claim(ctx, runID, hash)
	}
	return ok, nil
}
