// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store keeps the reference collections of one execution context
// converged with every other context sharing the same key/value store.
//
// A Store is an owned instance: build one per context with New, inject it
// where it is needed, call Start and wait on Ready before relying on the
// first snapshot. Subscribing works before Start too; the first subscriber
// triggers the first load.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/millsync/services/refdata/datatypes"
	"github.com/AleutianAI/millsync/services/refdata/kv"
	"github.com/AleutianAI/millsync/services/refdata/remote"
	"github.com/AleutianAI/millsync/services/refdata/transport"
)

// Collection names.
const (
	FirmsCollection   = "firms"
	RecordsCollection = "records"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("store is closed")

// Config holds the tunables of a Store.
type Config struct {
	// Namespace prefixes every durable key. Default: "millsync".
	Namespace string

	// Channel is the pub-sub channel name. Default: the namespace.
	Channel string

	// CacheTTL bounds how long a fetched snapshot is fresh. Default: 24h.
	CacheTTL time.Duration

	// ReconcileInterval is the reconciler period. Default: 30s.
	ReconcileInterval time.Duration
}

// DefaultConfig returns the default Store configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:         "millsync",
		Channel:           "millsync",
		CacheTTL:          DefaultCacheTTL,
		ReconcileInterval: DefaultReconcileInterval,
	}
}

// Deps are the collaborators of a Store. The Store does not close them.
type Deps struct {
	// KV is this context's view of the shared key/value store. Required.
	KV kv.Store

	// Channels opens the pub-sub channel. Nil means no channel.
	Channels transport.Opener

	// Firms and Records are the remote API. Required.
	Firms   remote.EntityAPI
	Records remote.RecordAPI

	Logger *slog.Logger
	Clock  func() time.Time
}

// Store is the composition root for one execution context.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	firms        *Collection[datatypes.NamedEntity]
	records      *Collection[datatypes.Record]
	firmWriter   *EntityWriter
	recordWriter *RecordWriter
	changes      *ChangeTransport
	reconciler   *Reconciler

	ready    chan struct{}
	triggers chan string

	mu       sync.Mutex
	started  bool
	closed   bool
	cancel   context.CancelFunc
	channel  transport.Channel
	stopFeed func()
	wg       sync.WaitGroup
	done     chan struct{}
}

// New builds a Store. Nothing is loaded until Start or the first
// subscription.
func New(cfg Config, deps Deps) (*Store, error) {
	if deps.KV == nil {
		return nil, errors.New("store: KV is required")
	}
	if deps.Firms == nil || deps.Records == nil {
		return nil, errors.New("store: Firms and Records APIs are required")
	}
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.Channel == "" {
		cfg.Channel = cfg.Namespace
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	logger := deps.Logger.With(slog.String("origin", deps.KV.Origin()))

	s := &Store{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		ready:    make(chan struct{}),
		triggers: make(chan string, 16),
		done:     make(chan struct{}),
	}
	s.changes = NewChangeTransport(deps.KV, cfg.Namespace, logger)

	s.firmWriter = &EntityWriter{
		api:    deps.Firms,
		clock:  deps.Clock,
		logger: logger,
		pending: &pendingList{
			kv:         deps.KV,
			key:        collectionKeys(cfg.Namespace, FirmsCollection).pending,
			collection: FirmsCollection,
			logger:     logger,
		},
	}
	s.firms = NewCollection(CollectionOptions[datatypes.NamedEntity]{
		Name:      FirmsCollection,
		Namespace: cfg.Namespace,
		TTL:       cfg.CacheTTL,
		KV:        deps.KV,
		Fetch:     deps.Firms.ListEntities,
		Merge:     s.firmWriter.reconcile,
		Fallback:  s.firmWriter.fallback,
		Announce:  s.changes,
		Clock:     deps.Clock,
		Logger:    logger,
	})
	s.firmWriter.coll = s.firms
	s.firmWriter.onRename = s.firmRenamed

	s.records = NewCollection(CollectionOptions[datatypes.Record]{
		Name:      RecordsCollection,
		Namespace: cfg.Namespace,
		TTL:       cfg.CacheTTL,
		KV:        deps.KV,
		Fetch:     deps.Records.ListRecords,
		Announce:  s.changes,
		Clock:     deps.Clock,
		Logger:    logger,
	})
	s.recordWriter = &RecordWriter{
		coll:   s.records,
		firms:  s.firms,
		api:    deps.Records,
		logger: logger,
	}

	s.reconciler = NewReconciler(cfg.ReconcileInterval, logger, s.firms, s.records)

	go s.awaitReady()
	return s, nil
}

// Origin identifies this context in durable writes and change messages.
func (s *Store) Origin() string {
	return s.deps.KV.Origin()
}

// Firms returns the dyeing firm collection.
func (s *Store) Firms() *Collection[datatypes.NamedEntity] {
	return s.firms
}

// Records returns the dyeing record collection.
func (s *Store) Records() *Collection[datatypes.Record] {
	return s.records
}

// FirmWriter returns the writer for dyeing firms.
func (s *Store) FirmWriter() *EntityWriter {
	return s.firmWriter
}

// RecordWriter returns the writer for dyeing records.
func (s *Store) RecordWriter() *RecordWriter {
	return s.recordWriter
}

// Ready is closed once both collections have completed a first load.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// WaitReady blocks until Ready is closed or ctx is done.
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) awaitReady() {
	for _, ch := range []<-chan struct{}{s.firms.Ready(), s.records.Ready()} {
		select {
		case <-ch:
		case <-s.done:
			return
		}
	}
	close(s.ready)
}

// Start opens the pub-sub channel, starts listening for changes made by
// other contexts, starts the reconciler and begins the first load of both
// collections. It does not wait for the loads; use Ready for that.
//
// An unavailable channel is not an error: the store then relies on
// key/value notifications and the reconciler.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.deps.Channels != nil {
		ch, err := s.deps.Channels.Open(s.cfg.Channel)
		if err != nil {
			s.logger.Info("change channel unavailable, using key/value notifications only",
				slog.String("error", err.Error()))
		} else {
			s.channel = ch
			s.changes.Attach(ch)
		}
	}
	s.stopFeed = s.changes.OnChange(s.onRemoteChange)

	s.wg.Add(2)
	go s.listen(runCtx)
	go func() {
		defer s.wg.Done()
		g, gctx := errgroup.WithContext(runCtx)
		g.Go(func() error { s.firms.Load(gctx, false); return nil })
		g.Go(func() error { s.records.Load(gctx, false); return nil })
		_ = g.Wait()
	}()

	if err := s.reconciler.Start(runCtx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	s.logger.Debug("store started",
		slog.String("namespace", s.cfg.Namespace),
		slog.Bool("channel", s.channel != nil),
	)
	return nil
}

// ReconcileOnce runs one reconciliation pass now.
func (s *Store) ReconcileOnce(ctx context.Context) int {
	return s.reconciler.ReconcileOnce(ctx)
}

func (s *Store) syncable(name string) Syncable {
	switch name {
	case FirmsCollection:
		return s.firms
	case RecordsCollection:
		return s.records
	default:
		return nil
	}
}

// onRemoteChange runs on the notifier's goroutine; it only queues work.
func (s *Store) onRemoteChange(collection string, marker int64) {
	switch collection {
	case FirmsCollection:
		s.firms.Observe(marker)
	case RecordsCollection:
		s.records.Observe(marker)
	default:
		return
	}
	select {
	case s.triggers <- collection:
	default:
		// Queue full: a reload is already due and the reconciler covers it.
	}
}

func (s *Store) listen(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case name := <-s.triggers:
			t := s.syncable(name)
			if t != nil && t.Diverged(ctx) {
				s.logger.Debug("change notification, reloading", slog.String("collection", name))
				t.Refresh(ctx)
			}
		}
	}
}

// firmRenamed reloads records after a firm rename, since the API rewrites
// the firm name on the firm's records, and tells other contexts.
func (s *Store) firmRenamed(ctx context.Context, from, to string) {
	s.logger.Debug("firm renamed, reloading records", slog.String("from", from), slog.String("to", to))
	s.records.Load(ctx, true)
	s.records.Announce(ctx)
}

// Close stops background work and closes the channel. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	cancel, ch, stopFeed := s.cancel, s.channel, s.stopFeed
	s.mu.Unlock()

	s.reconciler.Stop()
	if stopFeed != nil {
		stopFeed()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	return errors.Join(errs...)
}
