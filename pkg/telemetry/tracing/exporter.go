package tracing

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/graphkeep/graphkeep/config"
	"github.com/graphkeep/graphkeep/pkg/logger"
)

// newOTLPExporter dials the collector. Tests swap it for an in-process
// exporter.
var newOTLPExporter = func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	host, secure := parseEndpoint(cfg.Endpoint)
	if host == "" {
		return nil, errors.New("tracing endpoint cannot be empty")
	}
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(host),
		otlptracegrpc.WithTimeout(cfg.Timeout),
		otlptracegrpc.WithHeaders(cfg.Headers),
	}
	if !secure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

var reportExporterFailure = func(err error, kind, endpoint string, spans int) {
	logger.Component("tracing").Warn("span export failed",
		"error", err, "exporter", kind, "endpoint", endpoint, "span_count", spans)
}

// quietExporter reports export failures and swallows them. A collector
// outage costs spans, never a lock call.
type quietExporter struct {
	sdktrace.SpanExporter
	kind, endpoint string
}

func (e quietExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := e.SpanExporter.ExportSpans(ctx, spans); err != nil {
		reportExporterFailure(err, e.kind, e.endpoint, len(spans))
	}
	return nil
}

// parseEndpoint splits a collector endpoint into host:port and whether it
// wants TLS. Only https:// URLs are secure; a bare host:port is plaintext.
func parseEndpoint(endpoint string) (host string, secure bool) {
	raw := strings.TrimSpace(endpoint)
	if !strings.Contains(raw, "://") {
		return raw, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw, false
	}
	return u.Host, u.Scheme == "https"
}
