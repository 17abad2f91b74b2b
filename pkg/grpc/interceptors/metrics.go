package interceptors

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds Prometheus collectors for gRPC instrumentation.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight *prometheus.GaugeVec
}

// NewMetrics creates gRPC metrics and registers them with the given registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphkeep_grpc_requests_total",
				Help: "Total number of gRPC requests served.",
			},
			[]string{"method", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "graphkeep_grpc_request_duration_seconds",
				Help:    "Duration of gRPC requests, including lock waits.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "graphkeep_grpc_in_flight",
				Help: "In-flight gRPC requests.",
			},
			[]string{"method"},
		),
	}

	m.requests = registerCollector(registerer, m.requests)
	m.duration = registerCollector(registerer, m.duration)
	m.inflight = registerCollector(registerer, m.inflight)

	return m
}

// MetricsUnaryInterceptor collects metrics for unary RPCs.
func MetricsUnaryInterceptor(metrics *Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		metrics.inflight.WithLabelValues(info.FullMethod).Inc()
		defer metrics.inflight.WithLabelValues(info.FullMethod).Dec()

		resp, err := handler(ctx, req)

		metrics.requests.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		metrics.duration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// registerCollector registers c, returning the already registered collector
// of the same type when there is one.
func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if prev, ok := existing.ExistingCollector.(C); ok {
				return prev
			}
		}
	}
	return c
}
