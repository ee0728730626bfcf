// Package middleware provides HTTP middleware for the eval server.
package middleware

import (
	"net/http"
	"slices"
	"strings"
)

const preflightMaxAge = "600"

// CORS returns middleware that handles CORS headers. extraHeaders are added
// to the allowed request headers next to Content-Type.
func CORS(allowedOrigins []string, extraHeaders ...string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(allowedOrigins, "*")
	allowHeaders := strings.Join(append([]string{"Content-Type"}, extraHeaders...), ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			explicit := origin != "" && slices.Contains(allowedOrigins, origin)
			if origin != "" && (explicit || wildcard) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
				w.Header().Set("Access-Control-Max-Age", preflightMaxAge)
				// Credentials only for explicitly listed origins.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
