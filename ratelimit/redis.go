package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "herald:rl:"

// allowScript increments the window counter and arms its expiry on first use.
// KEYS[1] = counter key
// ARGV[1] = window length in milliseconds
var allowScript = goredis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// Redis is a fixed-window limiter shared across processes.
type Redis struct {
	rdb    goredis.UniversalClient
	window time.Duration
	now    func() time.Time
}

// NewRedis creates a limiter that keeps counters in Redis. A zero window
// means DefaultWindow.
func NewRedis(rdb goredis.UniversalClient, window time.Duration) *Redis {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Redis{rdb: rdb, window: window, now: time.Now}
}

var _ Limiter = (*Redis)(nil)

// Allow consumes one unit of quota for key.
func (r *Redis) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	if limit <= 0 {
		return unlimited(), nil
	}

	res, err := allowScript.Run(ctx, r.rdb, []string{redisKeyPrefix + key}, r.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("herald/ratelimit: allow: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("herald/ratelimit: allow: unexpected reply %v", res)
	}

	return r.decide(int(res[0]), limit, time.Duration(res[1])*time.Millisecond, true), nil
}

// Peek reads the counter without incrementing it.
func (r *Redis) Peek(ctx context.Context, key string, limit int) (Decision, error) {
	if limit <= 0 {
		return unlimited(), nil
	}

	k := redisKeyPrefix + key
	pipe := r.rdb.Pipeline()
	get := pipe.Get(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return Decision{}, fmt.Errorf("herald/ratelimit: peek: %w", err)
	}

	count := 0
	if raw, err := get.Result(); err == nil {
		count, _ = strconv.Atoi(raw)
	}
	return r.decide(count, limit, ttl.Val(), false), nil
}

// Reset deletes key's counter.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("herald/ratelimit: reset: %w", err)
	}
	return nil
}

// decide maps a counter value to a Decision. consumed reports whether count
// already includes the current request.
func (r *Redis) decide(count, limit int, ttl time.Duration, consumed bool) Decision {
	now := r.now()
	if ttl <= 0 {
		ttl = r.window
	}
	resetAt := now.Add(ttl)

	allowed := count < limit
	if consumed {
		allowed = count <= limit
	}
	if !allowed {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: ttl,
		}
	}
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - count,
		ResetAt:   resetAt,
	}
}
