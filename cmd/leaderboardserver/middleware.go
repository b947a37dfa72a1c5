package main

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/typemaster/leaderboard/internal/logging"
	"github.com/typemaster/leaderboard/internal/metrics"
)

// responseWriter wraps http.ResponseWriter to capture the status code for
// logging and metrics, matching the teacher's infrastructure/middleware
// convention.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// loggingMiddleware stamps every request with a trace ID and logs its
// outcome, following infrastructure/middleware/logging.go's shape.
func loggingMiddleware(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = logging.NewTraceID()
			}
			ctx := logging.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)
			r.Header.Set("X-Trace-ID", traceID)
			w.Header().Set("X-Trace-ID", traceID)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.WithContext(ctx).WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("request handled")
		})
	}
}

// recoveryMiddleware recovers from handler panics, logs the stack, and
// counts the panic against errorsTotal — mirroring
// infrastructure/middleware/recovery.go.
func recoveryMiddleware(logger *logging.Logger, m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithContext(r.Context()).WithFields(map[string]interface{}{
						"panic": fmt.Sprintf("%v", rec),
						"stack": string(debug.Stack()),
						"path":  r.URL.Path,
					}).Error("panic recovered")
					if m != nil {
						m.ErrorsTotal.WithLabelValues(m.ServiceName, "http_panic").Inc()
					}
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// bodyLimitMiddleware caps request bodies, following
// infrastructure/middleware/bodylimit.go.
func bodyLimitMiddleware(maxBytes int64) mux.MiddlewareFunc {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// metricsMiddleware counts 4xx and 5xx responses against errorsTotal under
// an "http_4xx"/"http_5xx" class label, keeping the HTTP surface observable
// without introducing metrics vectors the spec never asked for.
func metricsMiddleware(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			if m == nil || wrapped.statusCode < 400 {
				return
			}
			class := strconv.Itoa(wrapped.statusCode/100) + "xx"
			m.ErrorsTotal.WithLabelValues(m.ServiceName, "http_"+class).Inc()
		})
	}
}
