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
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/millsync/pkg/telemetry"
	"github.com/AleutianAI/millsync/services/refdata/kv"
)

// DefaultCacheTTL is how long a fetched snapshot satisfies non-forced loads.
const DefaultCacheTTL = 24 * time.Hour

// State is the lifecycle state of a Collection.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Item is an element of a Collection.
type Item interface {
	EntityID() string
}

// FetchFunc lists the authoritative contents of a collection.
type FetchFunc[T any] func(ctx context.Context) ([]T, error)

// MergeFunc runs after every successful fetch and returns the items to
// commit. refetch marks the committed snapshot stale so the next load or
// reconciliation pass fetches again. The entity writer uses it for the
// pending reconciliation pass.
type MergeFunc[T any] func(ctx context.Context, fetched []T) (items []T, refetch bool)

// FallbackFunc supplies items when a load fails, nothing is in memory and
// no snapshot is cached. The string names the source for metrics.
type FallbackFunc[T any] func(ctx context.Context) ([]T, string)

// Broadcaster announces a new collection version to other contexts.
type Broadcaster interface {
	// Broadcast records version durably and publishes it. It returns the
	// marker value written and the marker value it replaced.
	Broadcast(ctx context.Context, collection string, version int64) (assigned, previous int64, err error)
}

// CollectionOptions configures a Collection.
type CollectionOptions[T any] struct {
	Name      string
	Namespace string
	TTL       time.Duration
	KV        kv.Store
	Fetch     FetchFunc[T]
	Merge     MergeFunc[T]
	Fallback  FallbackFunc[T]
	Announce  Broadcaster
	Clock     func() time.Time
	Logger    *slog.Logger
}

// keys are the durable keys of one collection.
type keys struct {
	version   string
	fetchedAt string
	snapshot  string
	pending   string
}

func collectionKeys(namespace, name string) keys {
	prefix := namespace + ":" + name + ":"
	return keys{
		version:   prefix + "version",
		fetchedAt: prefix + "fetched_at",
		snapshot:  prefix + "snapshot",
		pending:   prefix + "pending",
	}
}

// cachedSnapshot is the durable form of the last committed snapshot.
type cachedSnapshot[T any] struct {
	Version   int64     `json:"version"`
	Marker    int64     `json:"marker"`
	FetchedAt time.Time `json:"fetched_at"`
	Items     []T       `json:"items"`
}

// Collection holds the in-memory state of one logical collection.
//
// # Description
//
// Collection owns the load, merge and fallback rules for a collection and a
// version that never decreases. Every change swaps in a new slice and is
// published to subscribers only after it has been persisted.
//
// Two counters are kept. Version orders the snapshots this context
// publishes. The synced marker is the highest durable version marker whose
// changes are known to be included in memory; a durable marker above it
// means another context has changed the collection.
//
// # Loading
//
// Load never fails. A non-forced load is a no-op while the snapshot is
// non-empty, younger than the TTL and no newer marker is known. Concurrent
// loads share one fetch, which is not canceled when the caller that
// started it goes away. A merge that asks for a refetch commits its items
// and marks the collection stale. A fetch whose result would overwrite a change
// made while it was in flight is discarded and the collection marked stale
// so the next reconciliation pass reloads it. When a fetch fails the
// in-memory snapshot is kept; if it is empty the cached snapshot, then the
// fallback items, are used instead.
//
// # Thread Safety
//
// Safe for concurrent use.
type Collection[T Item] struct {
	name     string
	keys     keys
	kv       kv.Store
	ttl      time.Duration
	fetch    FetchFunc[T]
	merge    MergeFunc[T]
	fallback FallbackFunc[T]
	announce Broadcaster
	clock    func() time.Time
	logger   *slog.Logger
	subs     *Registry[T]

	flight      singleflight.Group
	hydrateOnce sync.Once
	ensureOnce  sync.Once
	readyOnce   sync.Once
	ready       chan struct{}

	mu          sync.Mutex
	items       []T
	version     int64
	synced      int64
	observed    int64
	fetchedAt   time.Time
	state       State
	initialized bool
	stale       bool
}

// NewCollection creates an uninitialized collection.
func NewCollection[T Item](opts CollectionOptions[T]) *Collection[T] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With(slog.String("collection", opts.Name))
	c := &Collection[T]{
		name:     opts.Name,
		keys:     collectionKeys(opts.Namespace, opts.Name),
		kv:       opts.KV,
		ttl:      opts.TTL,
		fetch:    opts.Fetch,
		merge:    opts.Merge,
		fallback: opts.Fallback,
		announce: opts.Announce,
		clock:    opts.Clock,
		logger:   logger,
		ready:    make(chan struct{}),
		items:    []T{},
	}
	c.subs = NewRegistry[T](opts.Name, c, logger)
	return c
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.name
}

// Subscribe registers fn with the collection's Registry.
func (c *Collection[T]) Subscribe(fn func(Snapshot[T])) func() {
	return c.subs.Subscribe(fn)
}

// Current implements Source.
func (c *Collection[T]) Current() (Snapshot[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(), c.initialized
}

// EnsureLoaded implements Source.
func (c *Collection[T]) EnsureLoaded() {
	c.ensureOnce.Do(func() {
		go c.Load(context.Background(), false)
	})
}

// Snapshot returns the current items. The slice must not be modified.
func (c *Collection[T]) Snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items
}

// Version returns the in-memory version.
func (c *Collection[T]) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// State returns the lifecycle state.
func (c *Collection[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready is closed once the first load, successful or not, has completed.
func (c *Collection[T]) Ready() <-chan struct{} {
	return c.ready
}

// WaitReady blocks until Ready is closed or ctx is done.
func (c *Collection[T]) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Find returns the first item matching pred.
func (c *Collection[T]) Find(pred func(T) bool) (T, bool) {
	for _, item := range c.Snapshot() {
		if pred(item) {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Get returns the item with the given id.
func (c *Collection[T]) Get(id string) (T, bool) {
	return c.Find(func(item T) bool { return item.EntityID() == id })
}

// MarkStale makes the next load and reconciliation pass fetch.
func (c *Collection[T]) MarkStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// IsStale reports whether the collection is waiting for a reload.
func (c *Collection[T]) IsStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// Observe records a marker announced by another context.
func (c *Collection[T]) Observe(marker int64) {
	c.mu.Lock()
	c.observed = max(c.observed, marker)
	c.mu.Unlock()
}

// DurableVersion reads the durable version marker. A corrupt marker is
// removed and reported as absent.
func (c *Collection[T]) DurableVersion(ctx context.Context) (int64, bool) {
	raw, ok, err := c.kv.Get(ctx, c.keys.version)
	if err != nil {
		c.logger.Warn("read version marker", slog.String("error", err.Error()))
		return 0, false
	}
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.drop(ctx, c.keys.version, err)
		return 0, false
	}
	return v, true
}

// Diverged reports whether another context has changed the collection
// since it was last synced, or whether it is marked stale.
func (c *Collection[T]) Diverged(ctx context.Context) bool {
	c.mu.Lock()
	stale, observed, synced := c.stale, c.observed, c.synced
	c.mu.Unlock()
	if stale || observed > synced {
		return true
	}
	d, ok := c.DurableVersion(ctx)
	return ok && d > synced
}

// Refresh forces a load.
func (c *Collection[T]) Refresh(ctx context.Context) {
	c.Load(ctx, true)
}

// Load brings the collection up to date and returns its items. It never
// fails; see the type documentation for the rules.
func (c *Collection[T]) Load(ctx context.Context, force bool) []T {
	c.hydrate(ctx)
	if !force && c.fresh(ctx) {
		recordLoad(c.name, loadFresh)
		return c.Snapshot()
	}

	// The fetch is shared, so one caller's cancellation must not fail the
	// others. Subscribers are notified outside the flight so a callback can
	// load again.
	leader := false
	v, _, _ := c.flight.Do("load", func() (any, error) {
		leader = true
		return c.load(context.WithoutCancel(ctx)), nil
	})
	res := v.(loadResult[T])
	if leader && res.publish {
		c.subs.Publish(res.snap)
	}
	return res.items
}

// loadResult is the outcome of one shared fetch.
type loadResult[T any] struct {
	items   []T
	snap    Snapshot[T]
	publish bool
}

func published[T any](snap Snapshot[T]) loadResult[T] {
	return loadResult[T]{items: snap.Items, snap: snap, publish: true}
}

func (c *Collection[T]) fresh(ctx context.Context) bool {
	c.mu.Lock()
	ok := c.initialized &&
		len(c.items) > 0 &&
		!c.stale &&
		!c.fetchedAt.IsZero() &&
		c.clock().Sub(c.fetchedAt) < c.ttl &&
		c.observed <= c.synced
	synced := c.synced
	c.mu.Unlock()
	if !ok {
		return false
	}
	d, found := c.DurableVersion(ctx)
	return !found || d <= synced
}

func (c *Collection[T]) load(ctx context.Context) loadResult[T] {
	ctx, span := startSpan(ctx, "Collection.Load", c.name)
	defer span.End()

	durable, _ := c.DurableVersion(ctx)

	c.mu.Lock()
	start := c.version
	c.state = StateLoading
	c.mu.Unlock()

	began := time.Now()
	items, err := c.fetch(ctx)
	recordFetchDuration(c.name, time.Since(began))
	recordRemoteCall(ctx, c.name, "list", err)
	if err != nil {
		telemetry.RecordError(span, err)
		return c.fail(ctx, err)
	}

	refetch := false
	if c.merge != nil {
		items, refetch = c.merge(ctx, items)
	}

	fetchedAt := c.clock()
	snap, ok := c.commit(commitArgs[T]{
		items:     items,
		expect:    start,
		floor:     durable,
		synced:    durable,
		fetchedAt: fetchedAt,
		stale:     refetch,
	})
	if !ok {
		recordLoad(c.name, loadDiscarded)
		span.SetAttributes(attribute.String("store.load_result", loadDiscarded))
		c.logger.Debug("discarding load superseded by a newer change")
		return loadResult[T]{items: c.Snapshot()}
	}
	c.persist(ctx, snap, fetchedAt)
	if refetch {
		c.logger.Debug("merged snapshot needs a refetch")
	}

	recordLoad(c.name, loadFetched)
	span.SetAttributes(
		attribute.String("store.load_result", loadFetched),
		attribute.Int("store.items", len(snap.Items)),
		attribute.Int64("store.version", snap.Version),
		attribute.Bool("store.refetch", refetch),
	)
	telemetry.SetSpanOK(span)
	return published(snap)
}

// fail handles a failed fetch.
func (c *Collection[T]) fail(ctx context.Context, err error) loadResult[T] {
	telemetry.LoggerWithTrace(ctx, c.logger).Warn("collection load failed", slog.String("error", err.Error()))

	c.mu.Lock()
	c.stale = true
	if len(c.items) > 0 {
		c.state = StateReady
		items := c.items
		c.mu.Unlock()
		recordLoad(c.name, loadKeptMemory)
		return loadResult[T]{items: items}
	}
	c.mu.Unlock()

	var (
		items  []T
		source string
		marker int64
	)
	if cached, ok := c.readSnapshot(ctx); ok && len(cached.Items) > 0 {
		items, source, marker = cached.Items, loadFallbackSnapshot, cached.Marker
	} else if c.fallback != nil {
		items, source = c.fallback(ctx)
	}

	snap, ok := c.commit(commitArgs[T]{
		items:     items,
		expect:    -1,
		onlyEmpty: true,
		synced:    marker,
		stale:     true,
	})
	if !ok {
		return loadResult[T]{items: c.Snapshot()}
	}
	c.logger.Info("serving fallback snapshot",
		slog.String("source", source),
		slog.Int("items", len(snap.Items)),
	)
	if source != "" {
		recordLoad(c.name, source)
	}
	return published(snap)
}

// hydrate adopts a cached snapshot younger than the TTL, once.
func (c *Collection[T]) hydrate(ctx context.Context) {
	var (
		snap     Snapshot[T]
		hydrated bool
	)
	c.hydrateOnce.Do(func() {
		cached, ok := c.readSnapshot(ctx)
		if !ok || len(cached.Items) == 0 {
			return
		}
		fetchedAt, ok := c.readFetchedAt(ctx)
		if !ok || c.clock().Sub(fetchedAt) >= c.ttl {
			return
		}
		snap, hydrated = c.commit(commitArgs[T]{
			items:     cached.Items,
			expect:    -1,
			onlyEmpty: true,
			floor:     cached.Version,
			synced:    cached.Marker,
			fetchedAt: fetchedAt,
		})
	})
	if hydrated {
		c.logger.Debug("hydrated from cached snapshot", slog.Int("items", len(snap.Items)))
		c.subs.Publish(snap)
	}
}

// Mutate applies fn to the current items and commits the result as a new
// version. fn must not modify its argument; it returns the new items and
// whether to commit them. The new version is persisted and broadcast before
// subscribers are notified.
func (c *Collection[T]) Mutate(ctx context.Context, fn func(current []T) ([]T, bool)) (int64, bool) {
	durable, _ := c.DurableVersion(ctx)

	c.mu.Lock()
	next, ok := fn(c.items)
	if !ok {
		v := c.version
		c.mu.Unlock()
		return v, false
	}
	if next == nil {
		next = []T{}
	}
	c.version = nextVersion(c.clock(), max(c.version, durable))
	c.items = next
	c.state = StateReady
	c.initialized = true
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.markReady()

	c.persist(ctx, snap, time.Time{})
	c.broadcast(ctx, snap.Version)
	c.subs.Publish(snap)
	return snap.Version, true
}

// Announce tells other contexts that the current version is newer than
// anything they have loaded.
func (c *Collection[T]) Announce(ctx context.Context) {
	c.broadcast(ctx, c.Version())
}

func (c *Collection[T]) broadcast(ctx context.Context, version int64) {
	if c.announce == nil {
		return
	}
	assigned, previous, err := c.announce.Broadcast(ctx, c.name, version)
	if err != nil {
		c.logger.Warn("broadcast failed", slog.Int64("version", version), slog.String("error", err.Error()))
		return
	}
	c.mu.Lock()
	// A marker we have not synced means a concurrent change elsewhere.
	if previous <= c.synced {
		c.synced = max(c.synced, assigned)
	}
	c.mu.Unlock()
}

type commitArgs[T any] struct {
	items []T

	// expect, when not negative, is the version the collection must still
	// have for the commit to apply.
	expect int64

	// onlyEmpty applies the commit only to an empty collection.
	onlyEmpty bool

	floor     int64
	synced    int64
	fetchedAt time.Time
	stale     bool
}

func (c *Collection[T]) commit(a commitArgs[T]) (Snapshot[T], bool) {
	c.mu.Lock()
	if a.expect >= 0 && c.version != a.expect {
		c.stale = true
		c.mu.Unlock()
		return Snapshot[T]{}, false
	}
	if a.onlyEmpty && len(c.items) > 0 {
		c.state = StateReady
		c.mu.Unlock()
		return Snapshot[T]{}, false
	}

	items := a.items
	if items == nil {
		items = []T{}
	}
	c.version = nextVersion(c.clock(), max(c.version, a.floor))
	c.items = items
	c.synced = max(c.synced, a.synced)
	if !a.fetchedAt.IsZero() {
		c.fetchedAt = a.fetchedAt
	}
	c.stale = a.stale
	c.state = StateReady
	c.initialized = true
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.markReady()
	return snap, true
}

func (c *Collection[T]) snapshotLocked() Snapshot[T] {
	return Snapshot[T]{Collection: c.name, Version: c.version, Items: c.items}
}

func (c *Collection[T]) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// persist writes the snapshot cache, and the freshness timestamp when
// fetchedAt is set. The snapshot cache is never replaced by an older one.
func (c *Collection[T]) persist(ctx context.Context, snap Snapshot[T], fetchedAt time.Time) {
	c.mu.Lock()
	cached := cachedSnapshot[T]{
		Version:   snap.Version,
		Marker:    c.synced,
		FetchedAt: c.fetchedAt,
		Items:     snap.Items,
	}
	c.mu.Unlock()

	data, err := json.Marshal(cached)
	if err != nil {
		c.logger.Warn("encode snapshot", slog.String("error", err.Error()))
		return
	}
	err = kv.Update(ctx, c.kv, c.keys.snapshot, func(current string, ok bool) (string, bool) {
		if ok {
			var prev cachedSnapshot[T]
			if json.Unmarshal([]byte(current), &prev) == nil && prev.Version > snap.Version {
				return "", false
			}
		}
		return string(data), true
	})
	if err != nil {
		c.logger.Warn("persist snapshot", slog.String("error", err.Error()))
	}

	if fetchedAt.IsZero() {
		return
	}
	if err := c.kv.Set(ctx, c.keys.fetchedAt, fetchedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		c.logger.Warn("persist freshness", slog.String("error", err.Error()))
	}
}

func (c *Collection[T]) readSnapshot(ctx context.Context) (cachedSnapshot[T], bool) {
	raw, ok, err := c.kv.Get(ctx, c.keys.snapshot)
	if err != nil || !ok {
		return cachedSnapshot[T]{}, false
	}
	var cached cachedSnapshot[T]
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		c.drop(ctx, c.keys.snapshot, err)
		return cachedSnapshot[T]{}, false
	}
	return cached, true
}

func (c *Collection[T]) readFetchedAt(ctx context.Context) (time.Time, bool) {
	raw, ok, err := c.kv.Get(ctx, c.keys.fetchedAt)
	if err != nil || !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		c.drop(ctx, c.keys.fetchedAt, err)
		return time.Time{}, false
	}
	return t, true
}

// drop removes a corrupt durable value.
func (c *Collection[T]) drop(ctx context.Context, key string, cause error) {
	err := &SerializationError{Key: key, Err: cause}
	c.logger.Warn("dropping corrupt durable value", slog.String("error", err.Error()))
	if rmErr := c.kv.Remove(ctx, key); rmErr != nil {
		c.logger.Warn("remove corrupt value", slog.String("key", key), slog.String("error", rmErr.Error()))
	}
}

// nextVersion returns a wall-clock version strictly above floor.
func nextVersion(now time.Time, floor int64) int64 {
	v := now.UnixMilli()
	if v <= floor {
		v = floor + 1
	}
	return v
}
