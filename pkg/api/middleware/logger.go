package middleware

import (
	"net/http"
	"time"

	"github.com/graphkeep/graphkeep/pkg/logger"
)

// healthCheckPaths are logged at debug level; orchestrators poll them constantly.
var healthCheckPaths = map[string]struct{}{
	"/health": {},
	"/ready":  {},
}

// Logger logs one record per request.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newStatusWriter(w)

			next.ServeHTTP(wrapped, r)

			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"size", wrapped.size,
				"remote_addr", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			}
			switch {
			case wrapped.statusCode >= http.StatusInternalServerError:
				log.WarnContext(r.Context(), "HTTP request", args...)
			case isHealthCheck(r.URL.Path):
				log.DebugContext(r.Context(), "HTTP request", args...)
			default:
				log.InfoContext(r.Context(), "HTTP request", args...)
			}
		})
	}
}

func isHealthCheck(path string) bool {
	_, ok := healthCheckPaths[path]
	return ok
}
