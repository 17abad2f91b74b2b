// Package tracing installs the process-wide OpenTelemetry tracer provider of
// a graphkeep node.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/graphkeep/graphkeep/config"
)

// ShutdownFunc flushes pending spans and stops the provider.
type ShutdownFunc func(ctx context.Context) error

// Resource identifies the node emitting spans.
type Resource struct {
	Service string
	Version string
	NodeID  string
}

func (r Resource) attributes() []attribute.KeyValue {
	kv := []attribute.KeyValue{semconv.ServiceName(r.Service), semconv.ServiceVersion(r.Version)}
	if r.NodeID != "" {
		kv = append(kv, semconv.ServiceInstanceID(r.NodeID))
	}
	return kv
}

func checkConfig(cfg config.TracingConfig) error {
	switch {
	case strings.TrimSpace(cfg.Exporter) == "":
		return errors.New("tracing exporter cannot be empty")
	case strings.TrimSpace(cfg.Endpoint) == "":
		return errors.New("tracing endpoint cannot be empty")
	case cfg.Timeout <= 0:
		return fmt.Errorf("tracing timeout must be > 0, got %s", cfg.Timeout)
	}
	return nil
}

// Init installs W3C trace context propagation and the tracer provider
// described by cfg. With tracing disabled spans are no-ops and the
// returned ShutdownFunc does nothing.
func Init(ctx context.Context, cfg config.TracingConfig, res Resource) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}

	r, err := resource.New(ctx, resource.WithAttributes(res.attributes()...))
	if err != nil {
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}
	exp, err := newOTLPExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create tracing exporter: %w", err)
	}
	host, _ := parseEndpoint(cfg.Endpoint)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(r),
		sdktrace.WithSampler(selectSampler(cfg)),
		sdktrace.WithBatcher(quietExporter{
			SpanExporter: exp,
			kind:         strings.ToLower(strings.TrimSpace(cfg.Exporter)),
			endpoint:     host,
		}),
	)
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		// Shutdown runs even when the flush fails so the exporter is released.
		if err := tp.ForceFlush(ctx); err != nil {
			return errors.Join(fmt.Errorf("flush spans: %w", err), tp.Shutdown(ctx))
		}
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer provider: %w", err)
		}
		return nil
	}, nil
}

// selectSampler defaults to following the parent and sampling SampleRate
// of new traces.
func selectSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
}
