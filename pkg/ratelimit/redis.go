package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript performs the token-bucket check-and-update
// atomically so concurrent proxy instances never race on the same key.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens/sec), ARGV[2] = capacity, ARGV[3] = cost,
// ARGV[4] = now (unix seconds, float)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter implements Limiter against a shared Redis instance so rate
// limits hold across multiple broker processes.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter builds a RedisLimiter dialing addr.
func NewRedisLimiter(addr string) *RedisLimiter {
	return &RedisLimiter{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string, ratePerMinute int) (bool, error) {
	bucketKey := fmt.Sprintf("ratelimit:%s", key)
	rate := float64(ratePerMinute) / 60.0
	if rate <= 0 {
		rate = 1.0 / 60.0
	}
	capacity := float64(ratePerMinute)
	if capacity <= 0 {
		capacity = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{bucketKey}, rate, capacity, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("ratelimit: unexpected redis script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Close releases the Redis client's connections.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
