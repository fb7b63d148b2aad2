package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit returns an HTTP middleware that limits requests per IP address
// to the specified number per minute. This is the outer abuse guard for the
// whole server; per-key hourly budgets are enforced separately by the
// permission guard.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}

// LoginRateLimit returns a tighter per-IP limit for the credential endpoints,
// slowing down password guessing.
func LoginRateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP, func(r *http.Request) (string, error) {
			return r.URL.Path, nil
		}),
	)
}
