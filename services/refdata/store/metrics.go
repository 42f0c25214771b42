// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for store operations.
var (
	tracer = otel.Tracer("millsync.store")
	meter  = otel.Meter("millsync.store")
)

// Load results, used as metric labels and span attributes.
const (
	loadFresh            = "fresh"
	loadFetched          = "fetched"
	loadDiscarded        = "discarded"
	loadKeptMemory       = "kept_memory"
	loadFallbackSnapshot = "fallback_snapshot"
	loadFallbackPending  = "fallback_pending"
	loadFallbackDefault  = "fallback_default"
)

// Prometheus metrics.
var (
	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "millsync_collection_loads_total",
		Help: "Collection loads by collection and result",
	}, []string{"collection", "result"})

	loadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "millsync_collection_fetch_duration_seconds",
		Help:    "Time spent fetching a collection from the remote API",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
	}, []string{"collection"})

	pendingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "millsync_pending_entities",
		Help: "Entities created locally and not yet persisted remotely",
	}, []string{"collection"})

	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "millsync_broadcasts_total",
		Help: "Change broadcasts by collection and delivery path",
	}, []string{"collection", "path"})

	subscriberFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "millsync_subscriber_failures_total",
		Help: "Subscriber callbacks that panicked",
	}, []string{"collection"})
)

// OpenTelemetry instruments.
var (
	remoteCalls   metric.Int64Counter
	reconcileRuns metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the otel instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		remoteCalls, err = meter.Int64Counter(
			"millsync_remote_calls_total",
			metric.WithDescription("Calls to the remote ERP API by operation and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reconcileRuns, err = meter.Int64Counter(
			"millsync_reconcile_runs_total",
			metric.WithDescription("Reconciliation passes and the collections they reloaded"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordLoad(collection, result string) {
	loadsTotal.WithLabelValues(collection, result).Inc()
}

func recordFetchDuration(collection string, d time.Duration) {
	loadDuration.WithLabelValues(collection).Observe(d.Seconds())
}

func recordRemoteCall(ctx context.Context, collection, op string, err error) {
	if initMetrics() != nil {
		return
	}
	remoteCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("collection", collection),
		attribute.String("op", op),
		attribute.Bool("ok", err == nil),
	))
}

func recordReconcile(ctx context.Context, reloaded int) {
	if initMetrics() != nil {
		return
	}
	reconcileRuns.Add(ctx, 1, metric.WithAttributes(attribute.Int("reloaded", reloaded)))
}

// startSpan creates a span for a store operation on one collection.
func startSpan(ctx context.Context, operation, collection string) (context.Context, trace.Span) {
	return tracer.Start(ctx, operation,
		trace.WithAttributes(attribute.String("store.collection", collection)),
	)
}
