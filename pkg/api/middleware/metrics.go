package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// MetricsRecorder records admin HTTP metrics.
type MetricsRecorder interface {
	RecordHTTPRequest(method, path, status string, duration time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// TraceAwareRecorder is implemented by recorders that attach the active
// trace to the recorded sample.
type TraceAwareRecorder interface {
	RecordHTTPRequestContext(ctx context.Context, method, path, status string, duration time.Duration)
}

// Metrics records request counts, durations and in-flight requests. The
// path label is the chi route pattern when one matched.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/metrics") {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			recorder.IncActiveConnections()
			defer recorder.DecActiveConnections()

			wrapped := newStatusWriter(w)
			record := func(status int) {
				path := metricsPath(r)
				code := strconv.Itoa(status)
				if ta, ok := recorder.(TraceAwareRecorder); ok {
					ta.RecordHTTPRequestContext(r.Context(), r.Method, path, code, time.Since(start))
					return
				}
				recorder.RecordHTTPRequest(r.Method, path, code, time.Since(start))
			}

			defer func() {
				if err := recover(); err != nil {
					record(http.StatusInternalServerError)
					panic(err)
				}
			}()

			next.ServeHTTP(wrapped, r)
			record(wrapped.statusCode)
		})
	}
}

func metricsPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return normalizePath(r.URL.Path)
}

// normalizePath replaces numeric and UUID path segments to bound label
// cardinality.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = ":id"
			continue
		}
		if _, err := strconv.ParseUint(part, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}
