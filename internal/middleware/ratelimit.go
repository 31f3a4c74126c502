package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// IPRateLimiter throttles unauthenticated endpoints per client address using a
// sliding window kept in a Redis sorted set. Per-user chat quotas live in the
// quota package and are not enforced here.
type IPRateLimiter struct {
	client  redis.Cmdable
	prefix  string
	maxReqs int
	window  time.Duration
}

// NewIPRateLimiter allows maxReqs requests per window for each client address.
// Keys are namespaced with prefix so several limiters can share one Redis.
func NewIPRateLimiter(client redis.Cmdable, prefix string, maxReqs int, window time.Duration) *IPRateLimiter {
	return &IPRateLimiter{client: client, prefix: prefix, maxReqs: maxReqs, window: window}
}

// Middleware enforces the limit. Redis failures let the request through.
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		allowed, err := rl.allow(r.Context(), rl.key(ip), time.Now())
		if err != nil {
			slog.Warn("ip rate limiter unavailable, allowing request", "error", err, "ip", ip)
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *IPRateLimiter) key(ip string) string {
	return fmt.Sprintf("ratelimit:%s:%s", rl.prefix, ip)
}

func (rl *IPRateLimiter) allow(ctx context.Context, key string, now time.Time) (bool, error) {
	windowStart := now.Add(-rl.window).UnixMilli()

	pipe := rl.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: strconv.FormatInt(now.UnixNano(), 10)})
	pipe.Expire(ctx, key, rl.window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	return countCmd.Val() < int64(rl.maxReqs), nil
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
