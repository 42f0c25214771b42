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
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Snapshot is an immutable view of a collection at one version.
//
// Items is shared between all receivers and must not be modified.
type Snapshot[T any] struct {
	Collection string
	Version    int64
	Items      []T
}

// Source is what a Registry delivers from.
type Source[T any] interface {
	// Current returns the latest snapshot and whether the collection has
	// completed its first load.
	Current() (Snapshot[T], bool)

	// EnsureLoaded starts the first load if none has been started.
	EnsureLoaded()
}

// Registry fans collection snapshots out to subscribers.
//
// # Description
//
// Subscribe delivers the current snapshot exactly once, immediately when
// the source is ready or otherwise as soon as its first load completes, and
// then every later snapshot. A subscriber never sees a version lower than
// or equal to one it has already received.
//
// A panicking callback is recovered, logged as a SubscriberError and
// counted. Other subscribers and the collection are unaffected.
//
// # Thread Safety
//
// Safe for concurrent use. Callbacks to one subscriber never overlap or
// nest, and no registry lock is held while a callback runs, so a callback
// may subscribe, unsubscribe, write or load. A snapshot published to a
// subscriber whose callback is still running is queued and delivered by
// that same goroutine once the callback returns; queued snapshots are
// coalesced to the highest version.
type Registry[T any] struct {
	name   string
	source Source[T]
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
}

type subscriber[T any] struct {
	fn      func(Snapshot[T])
	removed atomic.Bool

	mu         sync.Mutex
	delivered  bool
	last       int64
	delivering bool
	queued     *Snapshot[T]
}

// NewRegistry creates a registry for the named collection.
func NewRegistry[T any](name string, source Source[T], logger *slog.Logger) *Registry[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[T]{
		name:   name,
		source: source,
		logger: logger,
		subs:   make(map[uint64]*subscriber[T]),
	}
}

// Subscribe registers fn and returns a function that unregisters it.
func (r *Registry[T]) Subscribe(fn func(Snapshot[T])) func() {
	sub := &subscriber[T]{fn: fn}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[id] = sub
	r.mu.Unlock()

	if snap, ready := r.source.Current(); ready {
		r.deliver(sub, snap)
	} else {
		r.source.EnsureLoaded()
	}

	return func() {
		sub.removed.Store(true)
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Len returns the number of active subscribers.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Publish delivers snap to every subscriber.
func (r *Registry[T]) Publish(snap Snapshot[T]) {
	r.mu.Lock()
	targets := make([]*subscriber[T], 0, len(r.subs))
	for _, s := range r.subs {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		r.deliver(s, snap)
	}
}

// deliver hands snap to sub, or queues it when a delivery to sub is already
// running. The running delivery drains the queue before returning.
func (r *Registry[T]) deliver(sub *subscriber[T], snap Snapshot[T]) {
	sub.mu.Lock()
	if sub.delivering {
		if sub.queued == nil || snap.Version > sub.queued.Version {
			sub.queued = &snap
		}
		sub.mu.Unlock()
		return
	}
	sub.delivering = true
	for !sub.removed.Load() {
		if !sub.delivered || snap.Version > sub.last {
			sub.delivered = true
			sub.last = snap.Version
			sub.mu.Unlock()
			r.invoke(sub.fn, snap)
			sub.mu.Lock()
		}
		if sub.queued == nil {
			break
		}
		snap = *sub.queued
		sub.queued = nil
	}
	sub.queued = nil
	sub.delivering = false
	sub.mu.Unlock()
}

func (r *Registry[T]) invoke(fn func(Snapshot[T]), snap Snapshot[T]) {
	defer func() {
		if p := recover(); p != nil {
			err := &SubscriberError{Collection: r.name, Panic: p}
			subscriberFailures.WithLabelValues(r.name).Inc()
			r.logger.Error("subscriber callback failed",
				slog.String("collection", r.name),
				slog.Int64("version", snap.Version),
				slog.String("error", err.Error()),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn(snap)
}
