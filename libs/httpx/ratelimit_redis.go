package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter counts requests per client in fixed windows stored in Redis, so every
// booking-api instance behind a load balancer draws from the same budget.
type RedisRateLimiter struct {
	rdb    redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
	skip   func(*http.Request) bool
}

// The window key expires on its own; the script returns the count and the remaining TTL.
var redisWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

type RedisLimitOptions struct {
	Limit  int
	Window time.Duration
	Prefix string
	// Skip exempts matching requests, e.g. health probes.
	Skip func(*http.Request) bool
}

func NewRedisRateLimiter(rdb redis.UniversalClient, opts RedisLimitOptions) *RedisRateLimiter {
	if opts.Limit <= 0 {
		opts.Limit = 60
	}
	if opts.Window < time.Second {
		opts.Window = time.Minute
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "booking:rl"
	}
	return &RedisRateLimiter{rdb: rdb, limit: opts.Limit, window: opts.Window, prefix: prefix, skip: opts.Skip}
}

// Middleware rejects clients over budget with 429. When Redis fails, requests pass if
// failOpen is set and get 503 otherwise.
func (rl *RedisRateLimiter) Middleware(logger *slog.Logger, failOpen bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.skip != nil && rl.skip(r) {
				next.ServeHTTP(w, r)
				return
			}
			count, ttl, err := rl.hit(r.Context(), clientKey(r))
			if err != nil {
				if logger != nil {
					logger.WarnContext(r.Context(), "redis rate limiter error", "err", err)
				}
				if failOpen {
					next.ServeHTTP(w, r)
					return
				}
				WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
					"error": map[string]string{"kind": "dependency", "message": "rate limiter unavailable"},
				})
				return
			}

			remaining := int64(rl.limit) - count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			if count > int64(rl.limit) {
				writeRateLimited(w, ttl)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RedisRateLimiter) hit(ctx context.Context, client string) (int64, time.Duration, error) {
	key := rl.prefix + ":" + client
	vals, err := redisWindowScript.Run(ctx, rl.rdb, []string{key}, rl.window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(vals) != 2 {
		return 0, 0, errors.New("unexpected rate limit script reply")
	}
	return vals[0], time.Duration(vals[1]) * time.Millisecond, nil
}

// SkipPaths matches requests whose path is exactly one of paths.
func SkipPaths(paths ...string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.URL.Path]
		return ok
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	WriteJSON(w, http.StatusTooManyRequests, map[string]any{
		"error": map[string]string{"kind": "rate_limited", "message": "rate limit exceeded"},
	})
}
