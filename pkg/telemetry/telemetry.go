// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry installs the OpenTelemetry providers behind the store
// spans, the CLI --trace flag and the dev servers' /metrics endpoint.
//
// Every span and metric carries the namespace and origin of the context
// that produced it, so the traces of two sessions sharing one namespace
// can be told apart.
//
// # Environment Variables
//
//   - OTEL_TRACES_EXPORTER: otlp, stdout or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout or none (default: prometheus)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP gRPC endpoint (default: localhost:4317)
//   - MILLSYNC_ENV: environment name (default: development)
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
)

// Exporter names accepted in Config.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// Resource attribute keys identifying the sync context.
const (
	AttrNamespace = attribute.Key("millsync.namespace")
	AttrOrigin    = attribute.Key("millsync.origin")
)

var (
	// ErrNilContext is returned when Init is called without a context.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unrecognized exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter type")
)

// Config controls which providers Init installs.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	// TraceExporter is otlp, stdout or none.
	TraceExporter string `yaml:"trace_exporter"`

	// MetricExporter is prometheus, stdout or none.
	MetricExporter string `yaml:"metric_exporter"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	// SampleRatio is the fraction of root traces kept. Zero or anything at
	// or above one keeps them all.
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`

	// Namespace and Origin are filled from the millsync config by
	// ForContext, not read from YAML.
	Namespace string `yaml:"-"`
	Origin    string `yaml:"-"`

	// StdoutWriter receives stdout exporter output. Nil means os.Stderr so
	// traces never mix with command output.
	StdoutWriter io.Writer `yaml:"-"`
}

// DefaultConfig returns defaults for a CLI process: no trace export and
// Prometheus metrics served by whoever mounts MetricsHandler.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "millsync",
		ServiceVersion: "0.1.0",
		Environment:    envOr("MILLSYNC_ENV", "development"),
		TraceExporter:  envOr("OTEL_TRACES_EXPORTER", ExporterNone),
		MetricExporter: envOr("OTEL_METRICS_EXPORTER", ExporterPrometheus),
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

// ForContext returns a copy of c tagged with the sync context identity.
func (c Config) ForContext(namespace, origin string) Config {
	c.Namespace = namespace
	c.Origin = origin
	return c
}

// WithTraces returns a copy of c that exports traces to exporter unless c
// already names a trace exporter.
func (c Config) WithTraces(exporter string) Config {
	if !enabled(c.TraceExporter) {
		c.TraceExporter = exporter
	}
	return c
}

// Resource describes the process and sync context to every exporter.
func (c Config) Resource() *resource.Resource {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.version", c.ServiceVersion),
		attribute.String("deployment.environment", c.Environment),
	}
	if c.Namespace != "" {
		attrs = append(attrs, AttrNamespace.String(c.Namespace))
	}
	if c.Origin != "" {
		attrs = append(attrs, AttrOrigin.String(c.Origin))
	}
	return resource.NewWithAttributes("", attrs...)
}

func (c Config) sampler() sdktrace.Sampler {
	if c.SampleRatio > 0 && c.SampleRatio < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
	}
	return sdktrace.AlwaysSample()
}

func (c Config) stdout() io.Writer {
	if c.StdoutWriter != nil {
		return c.StdoutWriter
	}
	return os.Stderr
}

// Init installs the global tracer and meter providers named by cfg and
// returns a function that flushes and stops them.
//
// # Description
//
// Exporters are created before any provider is installed, so a failure
// leaves the global providers untouched. After a successful Init,
// otel.Tracer and otel.Meter export through the configured backends.
//
// # Thread Safety
//
// Call once at process startup.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	res := cfg.Resource()

	var stops []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for _, stop := range stops {
			errs = append(errs, stop(ctx))
		}
		return errors.Join(errs...)
	}

	var tp *sdktrace.TracerProvider
	if enabled(cfg.TraceExporter) {
		newExporter, ok := spanExporters[cfg.TraceExporter]
		if !ok {
			return nil, fmt.Errorf("traces: %w: %s", ErrUnknownExporter, cfg.TraceExporter)
		}
		exp, err := newExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("traces: create %s exporter: %w", cfg.TraceExporter, err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(cfg.sampler()),
		)
		stops = append(stops, tp.Shutdown)
	}

	var mp *metric.MeterProvider
	if enabled(cfg.MetricExporter) {
		newReader, ok := metricReaders[cfg.MetricExporter]
		if !ok {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("metrics: %w: %s", ErrUnknownExporter, cfg.MetricExporter)
		}
		reader, err := newReader(cfg)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("metrics: create %s exporter: %w", cfg.MetricExporter, err)
		}
		mp = metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader))
		stops = append(stops, mp.Shutdown)
	}

	if tp != nil {
		otel.SetTracerProvider(tp)
	}
	if mp != nil {
		otel.SetMeterProvider(mp)
	}
	return shutdown, nil
}

func enabled(exporter string) bool {
	return exporter != "" && exporter != ExporterNone
}

var spanExporters = map[string]func(context.Context, Config) (sdktrace.SpanExporter, error){
	ExporterOTLP: func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(cfg.ServiceName + "/" + cfg.ServiceVersion)),
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	},
	ExporterStdout: func(_ context.Context, cfg Config) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithWriter(cfg.stdout()), stdouttrace.WithPrettyPrint())
	},
}

var metricReaders = map[string]func(Config) (metric.Reader, error){
	// The exporter registers with the default prometheus registry, so the
	// handler also serves the store's promauto metrics.
	ExporterPrometheus: func(Config) (metric.Reader, error) {
		exp, err := promexporter.New()
		if err != nil {
			return nil, err
		}
		var h http.Handler = promhttp.Handler()
		metricsHandler.Store(&h)
		return exp, nil
	},
	ExporterStdout: func(cfg Config) (metric.Reader, error) {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.stdout()), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		return metric.NewPeriodicReader(exp), nil
	},
}

var metricsHandler atomic.Pointer[http.Handler]

// MetricsHandler returns the /metrics handler when the Prometheus exporter
// is installed, nil otherwise.
func MetricsHandler() http.Handler {
	if h := metricsHandler.Load(); h != nil {
		return *h
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
