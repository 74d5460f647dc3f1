package handlers

import (
	_ "embed"
	"net/http"
)

//go:embed assets/index.html
var adminHTML []byte

// DashboardHandler serves the embedded admin page. The page itself is
// static; everything it shows comes from the authenticated admin API.
func DashboardHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(adminHTML)
	}
}

// HealthzHandler serves GET /healthz.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	}
}
