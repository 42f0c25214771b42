// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
)

// Badger is a Store backed by BadgerDB.
//
// # Encoding
//
// Values are stored as a JSON envelope carrying the writer's origin. Remove
// writes a tombstone envelope with a TTL instead of deleting, so watchers
// learn who removed the key.
//
// # Watching
//
// Watch uses BadgerDB's Subscribe. Registration completes asynchronously:
// writes made in the instant after Watch returns may not be reported.
type Badger struct {
	db     *BadgerDB
	origin string
	owned  bool
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
	nextID  int
	closed  bool
	wg      sync.WaitGroup
}

// NewBadger returns a Store over a shared database. Close does not close db.
func NewBadger(db *BadgerDB, origin string, logger *slog.Logger) *Badger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Badger{
		db:      db,
		origin:  origin,
		logger:  logger.With(slog.String("kv", "badger")),
		cancels: make(map[int]context.CancelFunc),
	}
}

// OpenBadger opens a database for a single context. Close closes it.
func OpenBadger(cfg BadgerConfig, origin string) (*Badger, error) {
	db, err := OpenBadgerDB(cfg)
	if err != nil {
		return nil, err
	}
	b := NewBadger(db, origin, cfg.Logger)
	b.owned = true
	return b, nil
}

// Get implements Store.
func (b *Badger) Get(ctx context.Context, key string) (string, bool, error) {
	if err := b.check(ctx); err != nil {
		return "", false, err
	}

	var value string
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		value, found, err = readEnvelope(txn, key)
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("badger get %s: %w", key, err)
	}
	return value, found, nil
}

// Set implements Store.
func (b *Badger) Set(ctx context.Context, key, value string) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	data, err := encodeEnvelope(b.origin, value, false)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

// Remove implements Store.
func (b *Badger) Remove(ctx context.Context, key string) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	data, err := encodeEnvelope(b.origin, "", true)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return txn.SetEntry(badger.NewEntry([]byte(key), data).WithTTL(b.db.tombstoneTTL))
	})
	if err != nil {
		return fmt.Errorf("badger remove %s: %w", key, err)
	}
	return nil
}

// maxUpdateAttempts bounds retries of Update on transaction conflicts.
const maxUpdateAttempts = 32

// Update implements Updater. The read and write share one transaction and
// the whole step is retried when another writer commits first.
func (b *Badger) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	var err error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err = b.db.Update(func(txn *badger.Txn) error {
			current, ok, err := readEnvelope(txn, key)
			if err != nil {
				return err
			}
			next, write := fn(current, ok)
			if !write {
				return nil
			}
			data, err := encodeEnvelope(b.origin, next, false)
			if err != nil {
				return err
			}
			return txn.Set([]byte(key), data)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("badger update %s: %w", key, err)
	}
	return nil
}

func readEnvelope(txn *badger.Txn, key string) (string, bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var env envelope
	err = item.Value(func(val []byte) error {
		decoded, err := decodeEnvelope(val)
		env = decoded
		return err
	})
	if err != nil {
		return "", false, err
	}
	return env.Value, !env.Deleted, nil
}

// Watch implements Store.
func (b *Badger) Watch(prefix string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.nextID++
	id := b.nextID
	b.cancels[id] = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := b.db.Subscribe(ctx, func(list *badger.KVList) error {
			for _, item := range list.Kv {
				b.dispatch(item, handler)
			}
			return nil
		}, []pb.Match{{Prefix: []byte(prefix)}})
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn("badger subscription ended", slog.String("prefix", prefix), slog.String("error", err.Error()))
		}
	}()

	return func() {
		b.mu.Lock()
		if c, ok := b.cancels[id]; ok {
			delete(b.cancels, id)
			c()
		}
		b.mu.Unlock()
	}
}

func (b *Badger) dispatch(item *pb.KV, handler Handler) {
	env, err := decodeEnvelope(item.Value)
	if err != nil {
		b.logger.Warn("skipping undecodable badger value", slog.String("key", string(item.Key)), slog.String("error", err.Error()))
		return
	}
	if env.Origin == b.origin {
		return
	}
	handler(Change{Key: string(item.Key), Value: env.Value, Deleted: env.Deleted, Origin: env.Origin})
}

// Origin implements Store.
func (b *Badger) Origin() string {
	return b.origin
}

// Close implements Store.
func (b *Badger) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, c := range b.cancels {
		c()
		delete(b.cancels, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
	if b.owned {
		return b.db.Close()
	}
	return nil
}

func (b *Badger) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}
