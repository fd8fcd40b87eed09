package taskgate

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/taskgate/internal/taskgate/auditlog"
	"github.com/rcourtman/taskgate/internal/taskgate/tgmetrics"
)

// Limiter decides whether key may make another request.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter is a sliding window limiter local to one process.
type MemoryLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewMemoryLimiter allows limit requests per key per window.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow records an attempt for key when it is within the limit.
func (rl *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	valid := rl.attempts[key][:0]
	for _, t := range rl.attempts[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(rl.attempts, key)
	}

	if len(valid) >= rl.limit {
		rl.attempts[key] = valid
		return false, nil
	}
	rl.attempts[key] = append(valid, now)
	return true, nil
}

// redisTokenBucket refills at ARGV[1] tokens per second up to ARGV[2] and
// consumes one token per call. It returns 1 when allowed.
var redisTokenBucket = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if not tokens or not ts then
    tokens = capacity
    ts = now
end

local elapsed = now - ts
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    ts = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "ts", ts)
redis.call("EXPIRE", key, ttl)
return allowed
`)

// RedisLimiter shares a token bucket per key across replicas.
type RedisLimiter struct {
	client   redis.Scripter
	prefix   string
	capacity int
	window   time.Duration
	now      func() time.Time
}

// NewRedisLimiter allows bursts of limit and refills limit tokens per window.
func NewRedisLimiter(client redis.Scripter, prefix string, limit int, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: client, prefix: prefix, capacity: limit, window: window, now: time.Now}
}

// Allow runs the token bucket script for key.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	rate := float64(rl.capacity) / rl.window.Seconds()
	now := float64(rl.now().UnixMicro()) / 1e6
	ttl := int(rl.window.Seconds()) + 1

	res, err := redisTokenBucket.Run(ctx, rl.client, []string{rl.prefix + ":" + key}, rate, rl.capacity, now, ttl).Int()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return res == 1, nil
}

// rateLimit rejects requests over the limit with 429. Limiter errors fail
// open so an unavailable Redis does not take the API down.
func rateLimit(name string, l Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := auditlog.ClientIP(r)
		ok, err := l.Allow(r.Context(), name+":"+ip)
		if err != nil {
			log.Warn().Err(err).Str("limiter", name).Msg("Rate limiter unavailable, allowing request")
			ok = true
		}
		if !ok {
			tgmetrics.RateLimitedTotal.WithLabelValues(name).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(60))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
