package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Lua script for an atomic token bucket. Refill and consume happen
// in one round trip so concurrent workers cannot double-spend.
// The clock is passed in from Go as microseconds because script
// results must not depend on replica-local time.
const tokenBucketLuaScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local n = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
    tokens = capacity
    ts = now
end

local elapsed = (now - ts) / 1000000
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    ts = now
end

local allowed = 0
if tokens >= n then
    tokens = tokens - n
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", key, ttl)
return allowed
`

// RedisBucket is a token bucket shared between workers through
// Redis. It satisfies Limiter with the same semantics as Bucket.
type RedisBucket struct {
	redis  *redis.Client
	script *redis.Script
	log    zerolog.Logger

	key      string
	rate     float64
	capacity float64
	ttl      time.Duration

	now func() time.Time
}

// NewRedisBucket creates a shared bucket under the given key.
func NewRedisBucket(client *redis.Client, log zerolog.Logger, key string, rate, capacity float64) *RedisBucket {
	if rate <= 0 {
		rate = 1
	}
	if capacity <= 0 {
		capacity = 1
	}

	// Keep idle state around twice as long as a full refill takes.
	ttl := time.Duration(2*capacity/rate) * time.Second
	if ttl < time.Minute {
		ttl = time.Minute
	}

	return &RedisBucket{
		redis:    client,
		script:   redis.NewScript(tokenBucketLuaScript),
		log:      log,
		key:      "ratelimit:bucket:" + key,
		rate:     rate,
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// NewRedisBucketFromURL connects to Redis and creates a shared
// bucket after a ping check.
func NewRedisBucketFromURL(redisURL string, log zerolog.Logger, key string, rate, capacity float64) (*RedisBucket, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisBucket(client, log, key, rate, capacity), nil
}

// Consume takes n tokens if available. Redis being unreachable
// allows the consume, so a cache outage cannot stall every probe
// worker.
func (rb *RedisBucket) Consume(n float64) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	allowed, err := rb.script.Run(ctx, rb.redis,
		[]string{rb.key},
		rb.rate,
		rb.capacity,
		n,
		rb.now().UnixMicro(),
		rb.ttl.Milliseconds(),
	).Int()
	if err != nil {
		rb.log.Warn().Err(err).Str("key", rb.key).Msg("rate limit check error, allowing")
		return true
	}

	return allowed == 1
}

// Close closes the Redis connection.
func (rb *RedisBucket) Close() error {
	return rb.redis.Close()
}
