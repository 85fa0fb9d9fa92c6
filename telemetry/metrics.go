// Package telemetry wires the OpenTelemetry metrics SDK for a batch tool:
// instruments are recorded during the run and flushed once on shutdown,
// either pushed over OTLP gRPC, written to a Prometheus node_exporter
// textfile, or both.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/wolfeidau/htcache-sweep"

// Config configures the metrics system.
type Config struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// TextfilePath, when set, is where the final metric state is written
	// in Prometheus text format for the node_exporter textfile collector.
	TextfilePath string

	// FlushInterval is how often the OTLP reader exports (default: 10s);
	// a batch run mostly relies on the force-flush at shutdown.
	FlushInterval time.Duration
}

// InitMetrics initializes the OpenTelemetry metrics system and returns the
// meter to register instruments on plus a shutdown function that flushes
// all configured exporters. Call shutdown exactly once, on exit.
func InitMetrics(ctx context.Context, cfg Config) (metric.Meter, func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "htcache-sweep"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	var readers []sdkmetric.Reader

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	var registry *prometheus.Registry
	if cfg.TextfilePath != "" {
		registry = prometheus.NewRegistry()
		promExp, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, nil, err
		}
		readers = append(readers, promExp)
	}

	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewManualReader())
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := mp.ForceFlush(ctx); err != nil {
			errs = append(errs, err)
		}
		// Gathering the registry pulls the final instrument state through
		// the Prometheus exporter before it is written out.
		if registry != nil {
			if err := prometheus.WriteToTextfile(cfg.TextfilePath, registry); err != nil {
				errs = append(errs, err)
			}
		}
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return mp.Meter(meterName), shutdown, nil
}
