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
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultReconcileInterval is how often the reconciler compares versions.
const DefaultReconcileInterval = 30 * time.Second

// ErrReconcilerRunning is returned by Start when the reconciler is running.
var ErrReconcilerRunning = errors.New("reconciler is already running")

// Syncable is a collection the Reconciler can check and reload.
type Syncable interface {
	Name() string
	Diverged(ctx context.Context) bool
	Refresh(ctx context.Context)
}

// Reconciler periodically reloads collections that have diverged from the
// durable version marker.
//
// # Description
//
// It is the safety net for change notifications that never arrived, for
// example when no pub-sub channel is available or the context started after
// the broadcast. Each pass checks every collection and reloads the diverged
// ones concurrently.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Reconciler struct {
	interval time.Duration
	targets  []Syncable
	logger   *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	running bool
	wg      sync.WaitGroup
}

// NewReconciler creates a reconciler over targets. An interval <= 0 uses
// DefaultReconcileInterval.
func NewReconciler(interval time.Duration, logger *slog.Logger, targets ...Syncable) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		interval: interval,
		targets:  targets,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs passes every interval until Stop is called or ctx is done.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrReconcilerRunning
	}
	r.running = true
	r.done = make(chan struct{})

	r.logger.Debug("reconciler starting", slog.Duration("interval", r.interval))
	r.wg.Add(1)
	go r.runLoop(ctx, r.done)
	return nil
}

// Stop ends the loop and waits for an in-progress pass. Safe to call
// multiple times.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.done)
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
}

// ReconcileOnce checks every collection now and returns how many it
// reloaded.
func (r *Reconciler) ReconcileOnce(ctx context.Context) int {
	var reloaded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range r.targets {
		t := t
		g.Go(func() error {
			if !t.Diverged(gctx) {
				return nil
			}
			r.logger.Debug("collection diverged, reloading", slog.String("collection", t.Name()))
			t.Refresh(gctx)
			reloaded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(reloaded.Load())
	recordReconcile(ctx, n)
	return n
}

func (r *Reconciler) runLoop(ctx context.Context, done <-chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("reconciler stopped (context cancelled)")
			return
		case <-done:
			r.logger.Debug("reconciler stopped (stop requested)")
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}
