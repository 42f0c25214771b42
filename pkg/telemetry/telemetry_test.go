// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")

	cfg := DefaultConfig()
	assert.Equal(t, "millsync", cfg.ServiceName)
	assert.Equal(t, "none", cfg.TraceExporter)
	assert.Equal(t, "prometheus", cfg.MetricExporter)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
}

func TestDefaultConfig_EnvOverride(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")
	assert.Equal(t, "stdout", DefaultConfig().TraceExporter)
}

func TestConfig_ForContextTagsResource(t *testing.T) {
	cfg := DefaultConfig().ForContext("mill-a", "cli-1234")

	attrs := map[string]string{}
	for _, kv := range cfg.Resource().Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "millsync", attrs["service.name"])
	assert.Equal(t, "mill-a", attrs[string(AttrNamespace)])
	assert.Equal(t, "cli-1234", attrs[string(AttrOrigin)])

	_, tagged := DefaultConfig().Resource().Set().Value(AttrOrigin)
	assert.False(t, tagged, "no origin attribute without a context")
}

func TestConfig_WithTraces(t *testing.T) {
	tests := []struct {
		name    string
		current string
		want    string
	}{
		{name: "unset", current: "", want: ExporterStdout},
		{name: "none", current: ExporterNone, want: ExporterStdout},
		{name: "configured exporter kept", current: ExporterOTLP, want: ExporterOTLP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{TraceExporter: tt.current}
			assert.Equal(t, tt.want, cfg.WithTraces(ExporterStdout).TraceExporter)
		})
	}
}

func TestConfig_Sampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), Config{}.sampler().Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), Config{SampleRatio: 1.5}.sampler().Description())
	assert.Contains(t, Config{SampleRatio: 0.25}.sampler().Description(), "TraceIDRatioBased{0.25}")
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard
	_, err := Init(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_None(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = ExporterNone
	cfg.MetricExporter = ExporterNone

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_Stdout(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().ForContext("mill-a", "cli-1234")
	cfg.TraceExporter = ExporterStdout
	cfg.MetricExporter = ExporterStdout
	cfg.StdoutWriter = &buf

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "Collection.Load")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "Collection.Load")
	assert.Contains(t, buf.String(), "cli-1234")
}

func TestInit_Prometheus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = ExporterNone
	cfg.MetricExporter = ExporterPrometheus

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	defer shutdown(context.Background())

	assert.NotNil(t, MetricsHandler())
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "carrier-pigeon"

	_, err := Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)
	assert.ErrorContains(t, err, "traces")

	before := otel.GetTracerProvider()
	cfg.TraceExporter = ExporterStdout
	cfg.StdoutWriter = io.Discard
	cfg.MetricExporter = "carrier-pigeon"
	_, err = Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)
	assert.ErrorContains(t, err, "metrics")
	assert.Same(t, before, otel.GetTracerProvider(), "a failed Init installs nothing")
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	LoggerWithTrace(context.Background(), logger).Info("no span")
	assert.NotContains(t, buf.String(), "trace_id")

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	buf.Reset()
	LoggerWithTrace(ctx, logger).Info("with span")
	assert.Contains(t, buf.String(), span.SpanContext().TraceID().String())
	assert.Contains(t, buf.String(), "span_id")
}

func TestRecordError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	RecordError(span, errors.New("remote unavailable"))
	span.End()

	_, okSpan := tp.Tracer("test").Start(context.Background(), "ok")
	SetSpanOK(okSpan)
	okSpan.End()

	_, canceled := tp.Tracer("test").Start(context.Background(), "canceled")
	RecordError(canceled, fmt.Errorf("list firms: %w", context.Canceled))
	canceled.End()

	RecordError(nil, errors.New("ignored"))
	RecordError(okSpan, nil)
	SetSpanOK(nil)

	ended := recorder.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, codes.Unset, ended[2].Status().Code)
	require.Len(t, ended[2].Events(), 1)
	assert.Equal(t, "canceled", ended[2].Events()[0].Name)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Len(t, ended[0].Events(), 1)
	assert.Equal(t, codes.Ok, ended[1].Status().Code)
}
