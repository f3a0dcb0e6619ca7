package middleware

import (
	"fmt"
	"net"
	"net/http"

	"bifrost-hq/bifrost/pkg/limits/ratelimit"
	"bifrost-hq/bifrost/pkg/telemetry/metrics"
)

// RateLimit gates requests through the per-IP limiter before any proxy or
// disk work happens. Rejections get 429 with Retry-After and never reach
// the wrapped handler.
func RateLimit(limiter *ratelimit.Limiter, collector *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || !limiter.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := ClientIP(r)
			if hit := limiter.Check(clientIP, r.Method, r.URL.Path); hit != nil {
				if collector != nil {
					collector.IncRateLimited(hit.RuleID)
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", hit.RetryAfterSecs))
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, "Too Many Requests (rule %s)", hit.RuleID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client address without the port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
