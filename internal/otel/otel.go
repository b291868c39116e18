// Package otel wires the OpenTelemetry SDK for vmrunner.
//
// Traces go to OTLP over HTTP when enabled.  Metrics go to OTLP, to
// stdout, to a Prometheus registry scraped at /metrics, or any mix of
// the three.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/vmrunner/internal/buildinfo"
)

// ServiceName is reported as service.name.
const ServiceName = "vmrunner"

const exportInterval = 10 * time.Second

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled turns on OTLP push for traces and metrics.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool

	// StdOut also prints traces and metrics to stdout.
	StdOut bool

	// Prometheus adds a pull reader.  The /metrics handler is served by
	// the caller.
	Prometheus bool

	// Registerer receives the Prometheus collector.  Default:
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// SDK owns the providers installed by Setup.
type SDK struct {
	shutdownFuncs []func(context.Context) error
}

// Setup installs the global tracer and meter providers selected by cfg.
// With nothing enabled the otel no-op providers stay in place.
func Setup(ctx context.Context, cfg Config) (*SDK, error) {
	sdk := &SDK{}

	res, err := newResource()
	if err != nil {
		return nil, err
	}

	if cfg.Enabled || cfg.StdOut {
		tp, err := newTraceProvider(ctx, res, cfg)
		if err != nil {
			return nil, errors.Join(err, sdk.Shutdown(ctx))
		}
		sdk.shutdownFuncs = append(sdk.shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.Enabled || cfg.StdOut || cfg.Prometheus {
		mp, err := newMeterProvider(ctx, res, cfg)
		if err != nil {
			return nil, errors.Join(err, sdk.Shutdown(ctx))
		}
		sdk.shutdownFuncs = append(sdk.shutdownFuncs, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return sdk, nil
}

// newResource describes this process.  The semconv schema must match the
// one resource.Default uses or Merge fails.
func newResource() (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}
	return res, nil
}

// Shutdown flushes and stops every provider.  It is safe to call more
// than once.
func (s *SDK) Shutdown(ctx context.Context) error {
	var err error
	for _, fn := range s.shutdownFuncs {
		err = errors.Join(err, fn(ctx))
	}
	s.shutdownFuncs = nil
	return err
}

func newTraceProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	opts := []trace.TracerProviderOption{trace.WithResource(res)}

	if cfg.Enabled {
		var exporterOpts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			exporterOpts = append(exporterOpts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
		}
		opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)))
	}

	if cfg.StdOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)))
	}

	return trace.NewTracerProvider(opts...), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*metric.MeterProvider, error) {
	opts := []metric.Option{metric.WithResource(res)}

	if cfg.Enabled {
		var exporterOpts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			exporterOpts = append(exporterOpts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(exportInterval))))
	}

	if cfg.StdOut {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout metric exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(exportInterval))))
	}

	if cfg.Prometheus {
		var promOpts []promexporter.Option
		if cfg.Registerer != nil {
			promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
		}
		exp, err := promexporter.New(promOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(exp))
	}

	return metric.NewMeterProvider(opts...), nil
}
