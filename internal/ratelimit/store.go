package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindowScript bumps a windowed counter atomically. The window TTL is
// set when the counter is created and repaired if the key somehow lost it.
var incrWindowScript = redis.NewScript(`
-- KEYS[1] = counter key
-- ARGV[1] = window_ms (int)
--
-- Returns {count, pttl_ms}
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisStore backs the limiter with a shared redis instance so limits hold
// across processes.
type RedisStore struct {
	rdb *redis.Client
	// Prefix namespaces keys, e.g. "rl:".
	Prefix string
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, Prefix: "rl:"}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	if s.rdb == nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: redis client is nil")
	}
	res, err := incrWindowScript.Run(ctx, s.rdb, []string{s.Prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	resetAt := time.Now().Add(time.Duration(res[1]) * time.Millisecond)
	return res[0], resetAt, nil
}

// MemoryStore is a volatile in-process counter store for tests and local
// development.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   func() time.Time

	// Fail simulates a backing-store outage.
	Fail bool
}

type bucket struct {
	count   int64
	resetAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket), clock: time.Now}
}

// WithClock overrides the clock for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	if s.Fail {
		return 0, time.Time{}, fmt.Errorf("ratelimit: store unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	b, ok := s.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(window)}
		s.buckets[key] = b
	}
	b.count++
	return b.count, b.resetAt, nil
}
