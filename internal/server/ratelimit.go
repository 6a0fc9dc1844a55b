package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// maxLimiters bounds the limiter map; it is reset when exceeded.
const maxLimiters = 10000

// KeyFunc picks the bucket a request is charged to. "" skips limiting.
type KeyFunc func(r *http.Request) string

// RateLimiter applies a token bucket per key, typically per tenant.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	key      KeyFunc
	logger   *slog.Logger
}

// NewRateLimiter creates a limiter allowing requestsPerSecond per key with
// the given burst. A non-positive rate disables limiting.
func NewRateLimiter(requestsPerSecond float64, burst int, key KeyFunc, logger *slog.Logger) *RateLimiter {
	if burst <= 0 {
		burst = max(1, int(requestsPerSecond))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		key:      key,
		logger:   logger,
	}
}

// Enabled reports whether the limiter restricts anything.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.rate > 0
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= maxLimiters {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Handler rejects requests over the limit with 429.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	if !rl.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.limiter(key).Allow() {
			rl.logger.Warn("rate limit exceeded",
				slog.String("key", key),
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("path", r.URL.Path))
			AddLogField(r.Context(), "rate_limited", key)
			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.burst))
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
