package consent

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWindowScript enforces the sliding window atomically in Redis:
// drop timestamps older than the window, count what remains, and record
// the new attempt only when under the limit.
// KEYS[1] = window key (e.g. "consent_rate:session:main")
// ARGV[1] = window in milliseconds
// ARGV[2] = max operations per window
// ARGV[3] = current unix timestamp in milliseconds
var redisWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local max_ops = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)

local count = redis.call("ZCARD", key)
if count >= max_ops then
    return 0
end

redis.call("ZADD", key, now, now .. "-" .. redis.call("INCR", key .. ":seq"))
redis.call("PEXPIRE", key, window)
redis.call("PEXPIRE", key .. ":seq", window)
return 1
`)

// RedisLimiter shares the sliding window across gateway processes via
// Redis. A Redis failure is surfaced as an infrastructure error; the
// engine fails closed rather than skipping the guard.
type RedisLimiter struct {
	client *redis.Client
	maxOps int
	window time.Duration
}

// NewRedisLimiter creates a Redis-backed sliding-window limiter.
func NewRedisLimiter(addr, password string, db, maxOps int, window time.Duration) *RedisLimiter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLimiter{client: rdb, maxOps: maxOps, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, sessionKey string) (bool, error) {
	key := fmt.Sprintf("consent_rate:session:%s", sessionKey)
	now := time.Now().UnixMilli()

	res, err := redisWindowScript.Run(ctx, l.client, []string{key},
		l.window.Milliseconds(), l.maxOps, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}

	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("invalid response from lua script")
	}
	return allowed == 1, nil
}
