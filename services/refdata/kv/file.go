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
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	tempFilePrefix = ".tmp-"
	lockFileName   = ".lock"
)

// File is a Store keeping one file per key in a directory.
//
// It is the backend for contexts living in separate processes on one
// machine: writes are atomic renames, and Watch follows the directory with
// fsnotify.
//
// # File Names
//
// Keys are query-escaped so any key maps to a single portable file name.
//
// # Thread Safety
//
// Safe for concurrent use. Handlers are called from a single goroutine.
type File struct {
	dir    string
	origin string
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[uint64]watcher
	nextID   uint64
	fsw      *fsnotify.Watcher
	lastSeen map[string]string
	done     chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// OpenFile creates dir if needed and returns a Store writing under origin.
func OpenFile(dir, origin string, logger *slog.Logger) (*File, error) {
	if dir == "" {
		return nil, errors.New("directory is required for file store")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create store directory %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &File{
		dir:      dir,
		origin:   origin,
		logger:   logger.With(slog.String("kv", "file")),
		watchers: make(map[uint64]watcher),
		lastSeen: make(map[string]string),
		done:     make(chan struct{}),
	}, nil
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, url.QueryEscape(key))
}

// Get implements Store.
func (f *File) Get(ctx context.Context, key string) (string, bool, error) {
	if err := f.check(ctx); err != nil {
		return "", false, err
	}
	env, ok, err := f.read(f.path(key))
	if err != nil || !ok || env.Deleted {
		return "", false, err
	}
	return env.Value, true, nil
}

func (f *File) read(path string) (envelope, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return envelope{}, false, nil
	}
	if err != nil {
		return envelope{}, false, fmt.Errorf("read %s: %w", path, err)
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		return envelope{}, false, err
	}
	return env, true, nil
}

// Set implements Store.
func (f *File) Set(ctx context.Context, key, value string) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	return f.write(key, value, false)
}

// Remove implements Store. A tombstone is left so watchers see the origin.
func (f *File) Remove(ctx context.Context, key string) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	if _, err := os.Stat(f.path(key)); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return f.write(key, "", true)
}

func (f *File) write(key, value string, deleted bool) error {
	data, err := encodeEnvelope(f.origin, value, deleted)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, tempFilePrefix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename into %s: %w", key, err)
	}
	return nil
}

// Update implements Updater. Concurrent updates from any process are
// serialized by an advisory lock on the directory.
func (f *File) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	unlock, err := lockDir(filepath.Join(f.dir, lockFileName))
	if err != nil {
		return err
	}
	defer unlock()

	env, ok, err := f.read(f.path(key))
	if err != nil {
		return err
	}
	next, write := fn(env.Value, ok && !env.Deleted)
	if !write {
		return nil
	}
	return f.write(key, next, false)
}

// Watch implements Store. The directory watcher starts on the first call.
func (f *File) Watch(prefix string, handler Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return func() {}
	}

	if f.fsw == nil {
		fsw, err := fsnotify.NewWatcher()
		if err == nil {
			err = fsw.Add(f.dir)
		}
		if err != nil {
			f.logger.Error("file store watch unavailable", slog.String("dir", f.dir), slog.String("error", err.Error()))
			if fsw != nil {
				fsw.Close()
			}
			return func() {}
		}
		f.fsw = fsw
		f.wg.Add(1)
		go f.processEvents(fsw)
	}

	f.nextID++
	id := f.nextID
	f.watchers[id] = watcher{id: id, prefix: prefix, handler: handler}

	return func() {
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
	}
}

func (f *File) processEvents(fsw *fsnotify.Watcher) {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			f.handleEvent(event.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			f.logger.Warn("file store watch error", slog.String("error", err.Error()))
		}
	}
}

func (f *File) handleEvent(path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, tempFilePrefix) || base == lockFileName {
		return
	}
	key, err := url.QueryUnescape(base)
	if err != nil {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	raw := string(data)

	f.mu.Lock()
	// fsnotify may report one rename as several events.
	if f.lastSeen[key] == raw {
		f.mu.Unlock()
		return
	}
	f.lastSeen[key] = raw
	var targets []Handler
	for _, w := range f.watchers {
		if w.matches(key) {
			targets = append(targets, w.handler)
		}
	}
	f.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		f.logger.Warn("skipping undecodable file", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	if env.Origin == f.origin {
		return
	}
	change := Change{Key: key, Value: env.Value, Deleted: env.Deleted, Origin: env.Origin}
	for _, h := range targets {
		h(change)
	}
}

// Origin implements Store.
func (f *File) Origin() string {
	return f.origin
}

// Close implements Store.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.done)
	fsw := f.fsw
	f.mu.Unlock()

	var err error
	if fsw != nil {
		err = fsw.Close()
	}
	f.wg.Wait()
	return err
}

func (f *File) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return nil
}
