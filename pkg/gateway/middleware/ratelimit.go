package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/jguan/stagepipe/pkg/infra/ratelimit"
)

// RateLimit enforces limiter per caller. Callers presenting a bearer token are
// keyed by it; everyone else by client IP. Rejected requests get 429 with a
// Retry-After hint.
func RateLimit(limiter *ratelimit.TokenBucketLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)

			allowed, err := limiter.Allow(key)
			if err != nil || !allowed {
				wait := max(1, int(math.Ceil(limiter.RetryAfter(key).Seconds())))
				w.Header().Set("Retry-After", strconv.Itoa(wait))
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if token := extractBearerToken(r); token != "" {
		return "key:" + token
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}
