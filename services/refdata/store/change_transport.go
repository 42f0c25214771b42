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
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/AleutianAI/millsync/services/refdata/kv"
	"github.com/AleutianAI/millsync/services/refdata/transport"
)

const versionSuffix = ":version"

// ChangeHandler receives a collection name and the marker another context
// announced for it.
type ChangeHandler func(collection string, marker int64)

// ChangeTransport announces collection changes to other contexts and
// reports theirs.
//
// # Description
//
// Broadcast always writes the version marker into the key/value store
// first; that is the only path guaranteed to reach a context that starts
// later. The marker only grows: a write never lowers it, and concurrent
// writers each get a distinct value. The message on the pub-sub channel is
// best effort.
//
// OnChange listens on both paths. Changes made by this context are never
// reported back to it.
//
// # Thread Safety
//
// Safe for concurrent use.
type ChangeTransport struct {
	kv        kv.Store
	namespace string
	origin    string
	logger    *slog.Logger

	mu      sync.RWMutex
	channel transport.Channel
}

// NewChangeTransport creates a transport writing markers under namespace.
func NewChangeTransport(store kv.Store, namespace string, logger *slog.Logger) *ChangeTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeTransport{
		kv:        store,
		namespace: namespace,
		origin:    store.Origin(),
		logger:    logger,
	}
}

// Attach sets the pub-sub channel. A nil channel detaches it.
func (t *ChangeTransport) Attach(ch transport.Channel) {
	t.mu.Lock()
	t.channel = ch
	t.mu.Unlock()
}

func (t *ChangeTransport) currentChannel() transport.Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.channel
}

// Broadcast implements Broadcaster.
func (t *ChangeTransport) Broadcast(ctx context.Context, collection string, version int64) (int64, int64, error) {
	var assigned, previous int64
	key := collectionKeys(t.namespace, collection).version
	err := kv.Update(ctx, t.kv, key, func(current string, ok bool) (string, bool) {
		previous = 0
		if ok {
			if v, err := strconv.ParseInt(current, 10, 64); err == nil {
				previous = v
			}
		}
		assigned = max(version, previous+1)
		return strconv.FormatInt(assigned, 10), true
	})
	if err != nil {
		return 0, 0, fmt.Errorf("write version marker for %s: %w", collection, err)
	}
	broadcastsTotal.WithLabelValues(collection, "kv").Inc()

	ch := t.currentChannel()
	if ch == nil {
		return assigned, previous, nil
	}
	if err := ch.Publish(ctx, transport.Changed(collection, assigned, t.origin)); err != nil {
		t.logger.Debug("change message not sent", slog.String("collection", collection), slog.String("error", err.Error()))
		return assigned, previous, nil
	}
	broadcastsTotal.WithLabelValues(collection, "channel").Inc()
	return assigned, previous, nil
}

// OnChange registers handler for changes made by other contexts. The
// channel attached at the time of the call is the one listened on.
func (t *ChangeTransport) OnChange(handler ChangeHandler) func() {
	prefix := t.namespace + ":"
	stopKV := t.kv.Watch(prefix, func(c kv.Change) {
		if c.Deleted || c.Origin == t.origin || !strings.HasSuffix(c.Key, versionSuffix) {
			return
		}
		collection := strings.TrimSuffix(strings.TrimPrefix(c.Key, prefix), versionSuffix)
		marker, err := strconv.ParseInt(c.Value, 10, 64)
		if err != nil {
			t.logger.Warn("ignoring unreadable version marker",
				slog.String("error", (&SerializationError{Key: c.Key, Err: err}).Error()))
			return
		}
		handler(collection, marker)
	})

	stopChannel := func() {}
	if ch := t.currentChannel(); ch != nil {
		stopChannel = ch.Subscribe(func(m transport.Message) {
			if m.Type != transport.MessageCollectionChanged || m.Origin == t.origin {
				return
			}
			handler(m.Collection, m.Version)
		})
	}

	return func() {
		stopKV()
		stopChannel()
	}
}
