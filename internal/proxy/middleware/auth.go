package middleware

import (
	"net/http"
	"strings"
)

// APIKeyAuth validates the gateway API key from the Authorization header
// (Bearer) or the x-api-key header.
func APIKeyAuth(apiKey string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok && token == apiKey {
				next.ServeHTTP(w, r)
				return
			}

			if r.Header.Get("x-api-key") == apiKey {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "authentication_error"}}`))
		})
	}
}
