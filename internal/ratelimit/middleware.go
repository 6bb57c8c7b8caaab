package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Middleware guards a handler with the given policy, keying records by
// policy name and client address. Disallowed requests receive 429 with the
// limiter's retry hint verbatim in Retry-After.
func (l *Limiter) Middleware(policy Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := policy.Name + ":" + clientAddr(r)
			result := l.Check(identifier, policy)
			if !result.Allowed {
				retry := result.RetryAfterSeconds()
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":             "rate limited",
					"retryAfterSeconds": retry,
				})
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first, _, found := strings.Cut(forwarded, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
