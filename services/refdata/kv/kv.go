// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kv provides the durable string key-value storage shared by every
// execution context on one machine.
//
// Three backends implement Store:
//
//	Memory  - process-local, one MemorySpace shared by many views (tests, CLI)
//	Badger  - embedded BadgerDB, survives restarts, single process
//	File    - one file per key in a directory, visible across processes
//
// Every backend tags writes with the origin of the writing context so that
// Watch can report changes made by other contexts only.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("kv: store closed")

// Change describes a write observed by Watch.
type Change struct {
	// Key is the full key that changed.
	Key string

	// Value is the new value. Empty when Deleted is true.
	Value string

	// Deleted is true when the key was removed.
	Deleted bool

	// Origin identifies the context that made the write.
	Origin string
}

// Handler receives changes from Watch.
type Handler func(Change)

// Store is a durable key-value store scoped to one execution context.
//
// # Thread Safety
//
// Implementations are safe for concurrent use. Handlers may be invoked from
// backend goroutines and must not block for long.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Watch calls handler for every change to a key starting with prefix
	// that was made by another origin. The returned func stops delivery.
	Watch(prefix string, handler Handler) (cancel func())

	// Origin returns the identity this store writes under.
	Origin() string

	// Close releases the store. Watches stop.
	Close() error
}

// UpdateFunc computes the next value of a key from its current value.
// Returning write=false leaves the key untouched.
type UpdateFunc func(current string, ok bool) (next string, write bool)

// Updater is implemented by stores that can read-modify-write one key
// atomically with respect to every context sharing the data.
type Updater interface {
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// Update applies fn through s's atomic Update when it has one, or as a
// plain Get followed by Set.
func Update(ctx context.Context, s Store, key string, fn UpdateFunc) error {
	if u, ok := s.(Updater); ok {
		return u.Update(ctx, key, fn)
	}
	current, ok, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	next, write := fn(current, ok)
	if !write {
		return nil
	}
	return s.Set(ctx, key, next)
}

// envelope is the on-disk form used by backends that cannot carry the
// origin out of band.
type envelope struct {
	Origin  string `json:"o"`
	Value   string `json:"v,omitempty"`
	Deleted bool   `json:"d,omitempty"`
}

func encodeEnvelope(origin, value string, deleted bool) ([]byte, error) {
	data, err := json.Marshal(envelope{Origin: origin, Value: value, Deleted: deleted})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// watcher is one registered Watch call.
type watcher struct {
	id      uint64
	prefix  string
	handler Handler
}

func (w watcher) matches(key string) bool {
	return strings.HasPrefix(key, w.prefix)
}
