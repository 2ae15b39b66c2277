package cache

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// bucket describes one family of token buckets.
type bucket struct {
	prefix string
	ttl    time.Duration
}

var (
	apiKeyBucket  = bucket{prefix: "rl:key:", ttl: 2 * time.Minute}
	visitorBucket = bucket{prefix: "rl:visitor:", ttl: 10 * time.Second}
)

// takeTokenScript refills a bucket for the elapsed milliseconds and takes one
// token. Returns {allowed, retry_after_ms, remaining, full_in_ms}.
var takeTokenScript = redis.NewScript(`
local rate = tonumber(ARGV[1]) / 1000
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now
if now > ts then
	tokens = math.min(burst, tokens + (now - ts) * rate)
end

local allowed = 0
local wait = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
else
	wait = math.ceil((1 - tokens) / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', KEYS[1], ARGV[4])

return {allowed, wait, math.floor(tokens), math.ceil((burst - tokens) / rate)}
`)

// CheckAPIRateLimit takes a token from the bucket of an API key. A zero
// ratePerMinute means the key is unlimited.
func (c *Cache) CheckAPIRateLimit(ctx context.Context, keyID string, ratePerMinute, burst int) (*RateLimitResult, error) {
	if ratePerMinute == 0 {
		return unlimited(burst), nil
	}
	return c.take(ctx, apiKeyBucket, keyID, float64(ratePerMinute)/60, burst)
}

// CheckIPRateLimit takes a token from the bucket of a visitor IP on the
// redirect path. Raw addresses never reach Redis.
func (c *Cache) CheckIPRateLimit(ctx context.Context, ip string, ratePerSecond float64, burst int) (*RateLimitResult, error) {
	return c.take(ctx, visitorBucket, hashIP(ip), ratePerSecond, burst)
}

func (c *Cache) take(ctx context.Context, b bucket, id string, perSecond float64, burst int) (*RateLimitResult, error) {
	if perSecond <= 0 || math.IsInf(perSecond, 0) {
		return unlimited(burst), nil
	}

	now := time.Now()
	res, err := takeTokenScript.Run(ctx, c.client, []string{b.prefix + id},
		perSecond, burst, now.UnixMilli(), b.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		// The caller decides whether to fail open; the result allows the request.
		return unlimited(burst), fmt.Errorf("take token %s: %w", b.prefix, err)
	}
	if len(res) != 4 {
		return unlimited(burst), fmt.Errorf("take token %s: unexpected reply %v", b.prefix, res)
	}

	return &RateLimitResult{
		Allowed:    res[0] == 1,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
		Remaining:  res[2],
		ResetAt:    now.Add(time.Duration(res[3]) * time.Millisecond),
	}, nil
}

func unlimited(burst int) *RateLimitResult {
	return &RateLimitResult{
		Allowed:   true,
		Remaining: int64(burst),
		ResetAt:   time.Now().Add(time.Minute),
	}
}

// hashIP shortens the rule-cache digest to 16 hex chars.
func hashIP(ip string) string {
	return digest("ip:" + ip)[:16]
}
