package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/anganwadi-lens/core/pkg/logger"
)

const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestID tags every request with an id, taken from X-Request-ID when the
// caller sends one, and puts a request-scoped logger on the context.
func RequestID(log *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		reqLogger := log.WithRequestID(requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(reqLogger.ToContext(r.Context())))

		reqLogger.Debug().
			Str("action", "http_request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status_code", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	})
}
