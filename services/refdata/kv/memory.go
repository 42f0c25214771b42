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
	"sync"
)

// MemorySpace is a process-local keyspace shared by several contexts.
//
// Each context opens its own view with Open. Writes through one view are
// visible to Get on every view and are reported to the Watch handlers of
// the other views.
//
// # Thread Safety
//
// Safe for concurrent use. Handlers run on the writer's goroutine after the
// space lock is released.
type MemorySpace struct {
	mu       sync.RWMutex
	data     map[string]memEntry
	watchers map[uint64]memWatcher
	nextID   uint64
}

type memEntry struct {
	value  string
	origin string
}

type memWatcher struct {
	watcher
	origin string
}

// NewMemorySpace creates an empty keyspace.
func NewMemorySpace() *MemorySpace {
	return &MemorySpace{
		data:     make(map[string]memEntry),
		watchers: make(map[uint64]memWatcher),
	}
}

// Open returns a Store view writing under origin.
func (s *MemorySpace) Open(origin string) *Memory {
	return &Memory{space: s, origin: origin, owned: make(map[uint64]struct{})}
}

// Len returns the number of keys held.
func (s *MemorySpace) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MemorySpace) write(origin, key, value string, deleted bool) {
	s.update(origin, key, func(string, bool) (string, bool) { return value, true }, deleted)
}

// update applies fn to key, or removes key when deleted is true, then
// notifies the watchers of other origins.
func (s *MemorySpace) update(origin, key string, fn UpdateFunc, deleted bool) {
	s.mu.Lock()
	current, exists := s.data[key]
	value := ""
	switch {
	case deleted && !exists:
		s.mu.Unlock()
		return
	case deleted:
		delete(s.data, key)
	default:
		next, write := fn(current.value, exists)
		if !write {
			s.mu.Unlock()
			return
		}
		value = next
		s.data[key] = memEntry{value: value, origin: origin}
	}
	var targets []Handler
	for _, w := range s.watchers {
		if w.origin != origin && w.matches(key) {
			targets = append(targets, w.handler)
		}
	}
	s.mu.Unlock()

	change := Change{Key: key, Value: value, Deleted: deleted, Origin: origin}
	for _, h := range targets {
		h(change)
	}
}

// Memory is one context's view of a MemorySpace.
type Memory struct {
	space  *MemorySpace
	origin string

	mu     sync.Mutex
	owned  map[uint64]struct{}
	closed bool
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := m.check(ctx); err != nil {
		return "", false, err
	}
	m.space.mu.RLock()
	defer m.space.mu.RUnlock()
	e, ok := m.space.data[key]
	return e.value, ok, nil
}

// Set implements Store.
func (m *Memory) Set(ctx context.Context, key, value string) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.space.write(m.origin, key, value, false)
	return nil
}

// Remove implements Store.
func (m *Memory) Remove(ctx context.Context, key string) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.space.write(m.origin, key, "", true)
	return nil
}

// Update implements Updater.
func (m *Memory) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.space.update(m.origin, key, fn, false)
	return nil
}

// Watch implements Store.
func (m *Memory) Watch(prefix string, handler Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return func() {}
	}

	m.space.mu.Lock()
	m.space.nextID++
	id := m.space.nextID
	m.space.watchers[id] = memWatcher{
		watcher: watcher{id: id, prefix: prefix, handler: handler},
		origin:  m.origin,
	}
	m.space.mu.Unlock()
	m.owned[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.owned, id)
			m.mu.Unlock()
			m.space.mu.Lock()
			delete(m.space.watchers, id)
			m.space.mu.Unlock()
		})
	}
}

// Origin implements Store.
func (m *Memory) Origin() string {
	return m.origin
}

// Close implements Store. The shared space keeps its data.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.space.mu.Lock()
	for id := range m.owned {
		delete(m.space.watchers, id)
	}
	m.space.mu.Unlock()
	m.owned = nil
	return nil
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}
