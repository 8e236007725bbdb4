package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitScript prunes, counts and records in one step so concurrent checks for the
// same origin cannot over-admit.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', tostring(now - window))
if redis.call('ZCARD', key) >= capacity then
	return 0
end
redis.call('ZADD', key, ARGV[1], ARGV[4])
redis.call('PEXPIRE', key, ARGV[2])
return 1
`)

// Redis is a sliding window limiter shared by every process using the same Redis.
// Each origin is a sorted set of admission times in milliseconds.
type Redis struct {
	rdb    *redis.Client
	cfg    Config
	prefix string
	now    func() time.Time
}

// NewRedis creates a Redis-backed limiter. Keys are namespaced with prefix.
func NewRedis(rdb *redis.Client, prefix string, cfg Config) *Redis {
	if prefix == "" {
		prefix = "resonance"
	}
	return &Redis{
		rdb:    rdb,
		cfg:    cfg.withDefaults(),
		prefix: prefix,
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (r *Redis) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Redis) key(origin string) string {
	return fmt.Sprintf("%s:ratelimit:%s", r.prefix, origin)
}

// Admit records an admission for origin if its window has room
func (r *Redis) Admit(ctx context.Context, origin string) (bool, error) {
	res, err := admitScript.Run(ctx, r.rdb, []string{r.key(origin)},
		r.now().UnixMilli(),
		r.cfg.Window.Milliseconds(),
		r.cfg.Capacity,
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}
	return res == 1, nil
}

// RetryAfter is the configured window, used as a retry hint for rejected callers
func (r *Redis) RetryAfter() time.Duration {
	return r.cfg.Window
}
