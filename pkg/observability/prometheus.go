package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// prometheusReadHeaderTimeoutSec bounds the /metrics server's header read,
// avoiding an unbounded-timeout HTTP server.
const prometheusReadHeaderTimeoutSec = 5

// PrometheusServer exposes a run's metrics on a pull-based /metrics
// endpoint instead of (or alongside) the OTLP push exporter Init builds.
// It is wired independently from Init because a single long-running scrape
// target and a one-shot OTLP export are different deployment shapes, and
// an operator may want either without paying for both.
type PrometheusServer struct {
	Meter    metric.Meter
	server   *http.Server
	shutdown func(ctx context.Context) error
}

// StartPrometheusServer registers a Prometheus OTel exporter, serves it on
// addr under /metrics, and returns the meter new instruments should be
// created from.
func StartPrometheusServer(serviceName, addr string) (*PrometheusServer, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("observability: build prometheus resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("observability: build prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: prometheusReadHeaderTimeoutSec * time.Second,
	}

	go func() {
		_ = httpServer.ListenAndServe()
	}()

	return &PrometheusServer{
		Meter:  provider.Meter(meterName),
		server: httpServer,
		shutdown: func(ctx context.Context) error {
			return errors.Join(provider.Shutdown(ctx), httpServer.Shutdown(ctx))
		},
	}, nil
}

// Shutdown stops the HTTP server and flushes the meter provider.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	return s.shutdown(ctx)
}
