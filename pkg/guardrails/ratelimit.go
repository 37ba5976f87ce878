package guardrails

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// LimitPolicy bounds an actor class: requests per minute with a burst
// allowance.
type LimitPolicy struct {
	RPM   int
	Burst int
}

// DefaultLimitPolicy is applied to actors with no class override.
func DefaultLimitPolicy() LimitPolicy { return LimitPolicy{RPM: 600, Burst: 20} }

// Limiter answers whether an actor may proceed right now.
type Limiter interface {
	Allow(ctx context.Context, actorID string) (bool, error)
}

// tokenBucketScript runs the bucket check-and-consume atomically in the
// store so multiple instances share one counter per actor.
// KEYS[1] = bucket key, ARGV = rate/sec, capacity, cost, now (seconds).
var tokenBucketScript = redis.NewScript(`
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
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
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

// RedisLimiter shares per-actor token buckets across instances.
type RedisLimiter struct {
	client   *redis.Client
	policies map[string]LimitPolicy // actor class overrides
	classOf  func(actorID string) string
}

// NewRedisLimiter creates a limiter over an existing client. classOf maps
// an actor to a policy class; nil means everyone gets the default.
func NewRedisLimiter(client *redis.Client, policies map[string]LimitPolicy, classOf func(string) string) *RedisLimiter {
	return &RedisLimiter{client: client, policies: policies, classOf: classOf}
}

func (l *RedisLimiter) policyFor(actorID string) LimitPolicy {
	if l.classOf != nil {
		if p, ok := l.policies[l.classOf(actorID)]; ok {
			return p
		}
	}
	return DefaultLimitPolicy()
}

func (l *RedisLimiter) Allow(ctx context.Context, actorID string) (bool, error) {
	policy := l.policyFor(actorID)
	ratePerSec := float64(policy.RPM) / 60.0
	if ratePerSec <= 0 {
		ratePerSec = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	key := "rate_limit:" + actorID
	res, err := tokenBucketScript.Run(ctx, l.client, []string{key}, ratePerSec, policy.Burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("guardrails: redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("guardrails: unexpected limiter script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// MemoryLimiter keeps per-actor limiters in process. Single-instance
// fallback when the shared store is unavailable.
type MemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	policy   LimitPolicy
}

// NewMemoryLimiter creates an in-process limiter with one policy for all
// actors.
func NewMemoryLimiter(policy LimitPolicy) *MemoryLimiter {
	if policy.RPM <= 0 {
		policy = DefaultLimitPolicy()
	}
	return &MemoryLimiter{limiters: make(map[string]*rate.Limiter), policy: policy}
}

func (l *MemoryLimiter) Allow(ctx context.Context, actorID string) (bool, error) {
	l.mu.Lock()
	lim, ok := l.limiters[actorID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.policy.RPM)/60.0), l.policy.Burst)
		l.limiters[actorID] = lim
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}
