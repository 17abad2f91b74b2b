package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "github.com/graphkeep/graphkeep/pkg/api"

// TracingOptions configures Tracing.
type TracingOptions struct {
	// SkipPaths never get a span.
	SkipPaths map[string]struct{}
	// Node is recorded on every span when set.
	Node string
}

// DefaultTracingOptions skips health checks and the metrics scrape.
func DefaultTracingOptions() TracingOptions {
	return TracingOptions{SkipPaths: map[string]struct{}{"/health": {}, "/ready": {}, "/metrics": {}}}
}

// Tracing wraps each admin request in a server span that continues the
// caller's trace. The span is renamed after the chi route once it is known.
func Tracing(opts TracingOptions) func(http.Handler) http.Handler {
	tracer := otel.Tracer(httpTracerName)
	base := []attribute.KeyValue{}
	if opts.Node != "" {
		base = append(base, attribute.String("graphkeep.node", opts.Node))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := opts.SkipPaths[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(base...),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPathKey.String(r.URL.Path),
				),
			)
			defer span.End()

			sw := newStatusWriter(w)
			r = r.WithContext(ctx)
			next.ServeHTTP(sw, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			span.SetName("HTTP " + r.Method + " " + route)
			span.SetAttributes(
				semconv.HTTPRouteKey.String(route),
				semconv.HTTPResponseStatusCodeKey.Int(sw.statusCode),
			)
			// 4xx, including 409 not master, are answers rather than faults.
			if sw.statusCode >= http.StatusInternalServerError {
				span.SetStatus(otelcodes.Error, http.StatusText(sw.statusCode))
			}
		})
	}
}
