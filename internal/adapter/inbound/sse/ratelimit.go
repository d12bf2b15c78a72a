package sse

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mcpmux/mcpmux/internal/domain/ratelimit"
)

// defaultIPRateLimit bounds how often one client IP may open a new SSE
// stream or post a message, independent of any per-principal limit the
// access controller might enforce of its own accord. 20 req/s with a
// burst of 40 comfortably covers a legitimate client issuing several
// rapid tool calls while still bounding a runaway or abusive one.
var defaultIPRateLimit = ratelimit.RateLimitConfig{Rate: 20, Burst: 40, Period: time.Second}

// rateLimitMiddleware enforces an IP-keyed GCRA limit ahead of every SSE
// route. /health and /metrics are exempt: they are operational endpoints,
// not client traffic.
func rateLimitMiddleware(limiter ratelimit.RateLimiter, config ratelimit.RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			ip := extractRealIP(r)
			key := ratelimit.FormatKey(ratelimit.KeyTypeIP, ip)
			result, err := limiter.Allow(r.Context(), key, config)
			if err != nil {
				// Fail open: a rate limiter outage should not take down
				// the transport.
				next.ServeHTTP(w, r)
				return
			}
			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(result.RetryAfter)))
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(d.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
