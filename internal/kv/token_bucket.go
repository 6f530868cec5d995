package kv

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

-- floats are truncated by the reply conversion, so return millitokens
return {allowed, math.floor(tokens * 1000), ts}
`

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter is a keyed token bucket.
type RateLimiter interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error)
}

func validateBucket(key string, r float64, burst int) error {
	if key == "" {
		return errors.New("rate limiter key is empty")
	}
	if r <= 0 {
		return errors.New("rate limiter rate must be positive")
	}
	if burst <= 0 {
		return errors.New("rate limiter burst must be positive")
	}
	return nil
}

type RedisTokenBucket struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisTokenBucket(client *redis.Client) *RedisTokenBucket {
	return &RedisTokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

func (t *RedisTokenBucket) Allow(ctx context.Context, key string, r float64, burst int) (*RateLimitResult, error) {
	if err := validateBucket(key, r, burst); err != nil {
		return &RateLimitResult{}, err
	}

	ttl := defaultBucketTTL(r, burst)
	res, err := t.script.Run(ctx, t.client, []string{key}, r, burst, ttl.Milliseconds()).Slice()
	if err != nil {
		return &RateLimitResult{}, err
	}
	if len(res) < 3 {
		return &RateLimitResult{}, errors.New("invalid rate limit script response")
	}

	allowed := castToInt(res[0]) == 1
	remaining := float64(castToInt(res[1])) / 1000
	return &RateLimitResult{
		Allowed:    allowed,
		Limit:      burst,
		Remaining:  int(remaining),
		RetryAfter: retryAfter(allowed, remaining, r),
	}, nil
}

// MemoryTokenBucket keeps one rate.Limiter per key in process memory.
type MemoryTokenBucket struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

func NewMemoryTokenBucket(now func() time.Time) *MemoryTokenBucket {
	if now == nil {
		now = time.Now
	}
	return &MemoryTokenBucket{limiters: make(map[string]*rate.Limiter), now: now}
}

func (t *MemoryTokenBucket) Allow(_ context.Context, key string, r float64, burst int) (*RateLimitResult, error) {
	if err := validateBucket(key, r, burst); err != nil {
		return &RateLimitResult{}, err
	}

	t.mu.Lock()
	limiter, ok := t.limiters[key]
	if !ok || limiter.Burst() != burst || limiter.Limit() != rate.Limit(r) {
		limiter = rate.NewLimiter(rate.Limit(r), burst)
		t.limiters[key] = limiter
	}
	t.mu.Unlock()

	now := t.now()
	allowed := limiter.AllowN(now, 1)
	remaining := limiter.TokensAt(now)
	return &RateLimitResult{
		Allowed:    allowed,
		Limit:      burst,
		Remaining:  int(math.Max(remaining, 0)),
		RetryAfter: retryAfter(allowed, remaining, r),
	}, nil
}

func retryAfter(allowed bool, remaining, r float64) time.Duration {
	if allowed {
		return 0
	}
	needed := 1.0 - remaining
	if needed <= 0 {
		return 0
	}
	return time.Duration(needed / r * float64(time.Second))
}

func defaultBucketTTL(r float64, burst int) time.Duration {
	seconds := math.Ceil((float64(burst) / r) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func castToInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}
