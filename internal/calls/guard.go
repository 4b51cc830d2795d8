package calls

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"companion-voice/pkg/utils"
)

// LineGuard enforces one active call per line. Acquire returns false when
// the line is already on a call.
type LineGuard interface {
	Acquire(ctx context.Context, lineID string) (bool, error)
	Release(ctx context.Context, lineID string)
}

// RedisLineGuard backs the guard with a Redis concurrency cap so the limit
// holds across processes. The TTL bounds leakage if a release is lost.
type RedisLineGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLineGuard(rdb *redis.Client, ttl time.Duration) *RedisLineGuard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisLineGuard{rdb: rdb, ttl: ttl}
}

func (g *RedisLineGuard) key(lineID string) string { return "active_call:" + lineID }

func (g *RedisLineGuard) Acquire(ctx context.Context, lineID string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, g.rdb, g.key(lineID), 1, g.ttl)
}

func (g *RedisLineGuard) Release(ctx context.Context, lineID string) {
	_ = utils.ReleaseConcurrencyCap(ctx, g.rdb, g.key(lineID))
}

// MemoryLineGuard is a process-local guard for tests.
type MemoryLineGuard struct {
	mu     sync.Mutex
	active map[string]bool
}

func NewMemoryLineGuard() *MemoryLineGuard {
	return &MemoryLineGuard{active: make(map[string]bool)}
}

func (g *MemoryLineGuard) Acquire(_ context.Context, lineID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[lineID] {
		return false, nil
	}
	g.active[lineID] = true
	return true, nil
}

func (g *MemoryLineGuard) Release(_ context.Context, lineID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, lineID)
}
