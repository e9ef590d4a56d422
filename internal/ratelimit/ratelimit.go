// Package ratelimit throttles HTTP ingestion with a token bucket per client
// kept in redis, so every service replica shares one budget.
package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hydronode/telemetry-service/internal/apperrors"
)

// KEYS[1] bucket; ARGV: burst, refill per second, now in ms. Returns 1 when
// a token was taken.
var tokenBucket = redis.NewScript(`
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last')
local tokens = tonumber(bucket[1]) or max_tokens
local last = tonumber(bucket[2]) or now
local refill = math.floor(math.max(0, now - last) / 1000 * refill_rate)
tokens = math.min(max_tokens, tokens + refill)
local allowed = 0
if tokens > 0 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'last', now)
redis.call('EXPIRE', KEYS[1], math.ceil(max_tokens / refill_rate) + 1)
return allowed
`)

type Config struct {
	RPS   int
	Burst int
}

type Limiter struct {
	rdb    *redis.Client
	prefix string
	cfg    Config
}

func New(rdb *redis.Client, prefix string, cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RPS
	}
	return &Limiter{rdb: rdb, prefix: prefix, cfg: cfg}
}

// Middleware rejects requests over budget with 429. When redis cannot be
// reached the request is let through.
func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := l.prefix + ":" + keyFunc(r)
			allowed, err := l.Allow(r.Context(), key)
			if err != nil {
				slog.Warn("rate limiter unavailable", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				apperrors.WriteError(w, apperrors.NewAppError(http.StatusTooManyRequests, "rate limit exceeded", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()
	n, err := tokenBucket.Run(ctx, l.rdb, []string{key}, l.cfg.Burst, l.cfg.RPS, now).Int64()
	if err != nil {
		return false, err
	}
	slog.Debug("token bucket", "key", key, "allowed", n, "burst", l.cfg.Burst, "rps", l.cfg.RPS)
	return n == 1, nil
}

// KeyByIP keys buckets by the client address. Put it behind RealIP when a
// proxy fronts the service.
func KeyByIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
