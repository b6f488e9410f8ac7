package server

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes are the handlers mounted on the HTTP server.
type Routes struct {
	Webhook     http.Handler
	RateLimiter *IPRateLimiter
	Version     string
}

// NewMux builds the HTTP routes.
func NewMux(routes Routes) *http.ServeMux {
	mux := http.NewServeMux()

	webhook := routes.Webhook
	if routes.RateLimiter != nil {
		webhook = routes.RateLimiter.Middleware(webhook)
	}
	mux.Handle("/webhook", webhook)
	mux.HandleFunc("/healthz", healthHandler(routes.Version))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func healthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": version,
		})
	}
}
