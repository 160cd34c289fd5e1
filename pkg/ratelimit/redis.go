package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisCheckScript evaluates the sliding windows atomically.
// KEYS[1] = resource zset, KEYS[2] = optional domain zset
// ARGV[1] = now (unix ms), ARGV[2] = per-minute, ARGV[3] = per-hour,
// ARGV[4] = domain per-minute, ARGV[5] = member to record when allowed
// (empty to only check)
// Returns {code, count, limit, oldest_ms}; code 0 allowed, 1 minute,
// 2 hour, 3 domain.
var redisCheckScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local per_minute = tonumber(ARGV[2])
local per_hour = tonumber(ARGV[3])
local domain_per_minute = tonumber(ARGV[4])
local minute_floor = "(" .. (now - 60000)

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - 3600000)

local minute = redis.call("ZCOUNT", KEYS[1], minute_floor, "+inf")
if minute >= per_minute then
    local oldest = redis.call("ZRANGEBYSCORE", KEYS[1], minute_floor, "+inf", "WITHSCORES", "LIMIT", 0, 1)
    return {1, minute, per_minute, tonumber(oldest[2])}
end

local hour = redis.call("ZCARD", KEYS[1])
if hour >= per_hour then
    local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
    return {2, hour, per_hour, tonumber(oldest[2])}
end

if #KEYS > 1 then
    redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", now - 3600000)
    local domain = redis.call("ZCOUNT", KEYS[2], minute_floor, "+inf")
    if domain >= domain_per_minute then
        local oldest = redis.call("ZRANGEBYSCORE", KEYS[2], minute_floor, "+inf", "WITHSCORES", "LIMIT", 0, 1)
        return {3, domain, domain_per_minute, tonumber(oldest[2])}
    end
end

if ARGV[5] ~= "" then
    for i, key in ipairs(KEYS) do
        redis.call("ZADD", key, now, ARGV[5])
        redis.call("PEXPIRE", key, 3600000)
    end
end

return {0, minute, per_minute, 0}
`)

// redisRecordScript appends one call to every key and refreshes expiry.
// ARGV[1] = now (unix ms), ARGV[2] = unique member
var redisRecordScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
    redis.call("ZADD", key, ARGV[1], ARGV[2])
    redis.call("PEXPIRE", key, 3600000)
end
return #KEYS
`)

// RedisLimiter shares budgets across every engine instance using the same
// Redis. Each key is a sorted set of call timestamps.
type RedisLimiter struct {
	client redis.UniversalClient
	limits *Table
	prefix string
	now    func() time.Time
}

// NewRedisLimiter wraps an existing client.
func NewRedisLimiter(client redis.UniversalClient, limits *Table, now func() time.Time) *RedisLimiter {
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{client: client, limits: limits, prefix: "conveyor:ratelimit:", now: now}
}

// NewRedisLimiterFromURL dials Redis from a redis:// URL.
func NewRedisLimiterFromURL(url string, limits *Table) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisLimiter(redis.NewClient(opts), limits, nil), nil
}

// Ping verifies connectivity.
func (r *RedisLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

func (r *RedisLimiter) keys(key, domain string) []string {
	keys := []string{r.prefix + "resource:" + key}
	if domain != "" {
		keys = append(keys, r.prefix+"domain:"+domain)
	}
	return keys
}

func (r *RedisLimiter) Check(ctx context.Context, key, domain string) (Decision, error) {
	return r.eval(ctx, key, domain, "")
}

func (r *RedisLimiter) Reserve(ctx context.Context, key, domain string) (Decision, error) {
	return r.eval(ctx, key, domain, uuid.NewString())
}

func (r *RedisLimiter) eval(ctx context.Context, key, domain, member string) (Decision, error) {
	key = task.NormalizeResourceKey(key)
	domain = task.NormalizeResourceKey(domain)
	l := r.limits.For(key)
	now := r.now()

	res, err := redisCheckScript.Run(ctx, r.client, r.keys(key, domain),
		now.UnixMilli(), l.PerMinute, l.PerHour, l.domainPerMinute(), member).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis limiter error: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 4 {
		return Decision{}, fmt.Errorf("invalid response from lua script")
	}
	vals := make([]int64, 4)
	for i, v := range results {
		n, ok := v.(int64)
		if !ok {
			return Decision{}, fmt.Errorf("invalid response from lua script: element %d is %T", i, v)
		}
		vals[i] = n
	}

	code, count, limit, oldest := vals[0], vals[1], vals[2], time.UnixMilli(vals[3])
	switch code {
	case 0:
		return allow(), nil
	case 1:
		return reject(oldest.Add(minute).Sub(now), "rate limit exceeded: %d/%d requests per minute for %s", count, limit, key), nil
	case 2:
		return reject(oldest.Add(hour).Sub(now), "rate limit exceeded: %d/%d requests per hour for %s", count, limit, key), nil
	default:
		return reject(oldest.Add(minute).Sub(now), "rate limit exceeded for domain %q: %d/%d requests per minute", domain, count, limit), nil
	}
}

func (r *RedisLimiter) Record(ctx context.Context, key, domain string) error {
	key = task.NormalizeResourceKey(key)
	domain = task.NormalizeResourceKey(domain)
	err := redisRecordScript.Run(ctx, r.client, r.keys(key, domain), r.now().UnixMilli(), uuid.NewString()).Err()
	if err != nil {
		return fmt.Errorf("redis limiter error: %w", err)
	}
	return nil
}

func (r *RedisLimiter) Stats(ctx context.Context, key string) (Stats, error) {
	key = task.NormalizeResourceKey(key)
	now := r.now().UnixMilli()
	zkey := r.keys(key, "")[0]

	var minuteCount, hourCount *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, zkey, "-inf", fmt.Sprint(now-hour.Milliseconds()))
		minuteCount = p.ZCount(ctx, zkey, fmt.Sprintf("(%d", now-minute.Milliseconds()), "+inf")
		hourCount = p.ZCard(ctx, zkey)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("redis limiter error: %w", err)
	}
	return newStats(key, r.limits.For(key), int(minuteCount.Val()), int(hourCount.Val())), nil
}
