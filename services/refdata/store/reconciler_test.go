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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncable struct {
	name      string
	diverged  atomic.Bool
	refreshes atomic.Int32
}

func (f *fakeSyncable) Name() string { return f.name }

func (f *fakeSyncable) Diverged(context.Context) bool { return f.diverged.Load() }

func (f *fakeSyncable) Refresh(context.Context) {
	f.refreshes.Add(1)
	f.diverged.Store(false)
}

func TestReconciler_ReconcileOnce(t *testing.T) {
	firms := &fakeSyncable{name: "firms"}
	records := &fakeSyncable{name: "records"}
	r := NewReconciler(time.Hour, quietLogger(), firms, records)

	assert.Zero(t, r.ReconcileOnce(context.Background()))

	records.diverged.Store(true)
	assert.Equal(t, 1, r.ReconcileOnce(context.Background()))
	assert.Zero(t, firms.refreshes.Load())
	assert.Equal(t, int32(1), records.refreshes.Load())

	assert.Zero(t, r.ReconcileOnce(context.Background()), "converged after one pass")
}

func TestReconciler_PeriodicPasses(t *testing.T) {
	firms := &fakeSyncable{name: "firms"}
	r := NewReconciler(10*time.Millisecond, quietLogger(), firms)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	firms.diverged.Store(true)
	require.Eventually(t, func() bool { return firms.refreshes.Load() == 1 }, time.Second, 5*time.Millisecond)

	firms.diverged.Store(true)
	require.Eventually(t, func() bool { return firms.refreshes.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestReconciler_StartStop(t *testing.T) {
	r := NewReconciler(0, nil)
	assert.Equal(t, DefaultReconcileInterval, r.interval)

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrReconcilerRunning)

	r.Stop()
	r.Stop()

	require.NoError(t, r.Start(context.Background()), "restart after stop")
	r.Stop()
}

func TestReconciler_StopsOnContextCancel(t *testing.T) {
	firms := &fakeSyncable{name: "firms"}
	r := NewReconciler(5*time.Millisecond, quietLogger(), firms)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}
