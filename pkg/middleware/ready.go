package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/anganwadi-lens/core/pkg/models/api"
)

// Gate reports whether the service can take job-mutating traffic
type Gate interface {
	Ready() bool
}

// RequireReady answers 503 until gate is ready
func RequireReady(gate Gate, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !gate.Ready() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{
				Success: false,
				Error:   "Scheduler is still loading persisted jobs",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
