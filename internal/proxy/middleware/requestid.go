package middleware

import (
	"net/http"

	"github.com/PoseidonLi0514/zero2api/internal/logging"
)

// RequestID tags every request with a short id for log correlation. An
// incoming x-request-id is honored so callers can trace across hops.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("x-request-id")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("x-request-id", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}
