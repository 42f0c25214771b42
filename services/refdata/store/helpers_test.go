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
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/millsync/services/refdata/datatypes"
	"github.com/AleutianAI/millsync/services/refdata/kv"
	"github.com/AleutianAI/millsync/services/refdata/remote"
	"github.com/AleutianAI/millsync/services/refdata/transport"
)

// =============================================================================
// Fake ERP API
// =============================================================================

// fakeAPI is an in-memory remote.EntityAPI and remote.RecordAPI with
// switchable failures and call counters.
type fakeAPI struct {
	mu      sync.Mutex
	firms   []datatypes.NamedEntity
	records []datatypes.Record
	nextID  int

	down        bool
	failCreates int

	listCalls   int
	createCalls int
	updateCalls int

	// listGate, when set, blocks ListEntities after its result is computed.
	listGate    chan struct{}
	listStarted chan struct{}

	// hidden leaves names out of the next n lists, like a lagging replica.
	hidden map[string]int
}

func newFakeAPI(names ...string) *fakeAPI {
	f := &fakeAPI{}
	for _, n := range names {
		f.seed(n)
	}
	return f
}

func (f *fakeAPI) seed(name string) datatypes.NamedEntity {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	e := datatypes.NamedEntity{
		ID:        strconv.Itoa(f.nextID),
		Name:      name,
		IsActive:  true,
		CreatedAt: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
	e.UpdatedAt = e.CreatedAt
	f.firms = append(f.firms, e)
	return e
}

func (f *fakeAPI) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeAPI) counts() (list, create, update int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.createCalls, f.updateCalls
}

func (f *fakeAPI) hideFromLists(name string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hidden == nil {
		f.hidden = make(map[string]int)
	}
	f.hidden[datatypes.NormalizeName(name)] = n
}

func (f *fakeAPI) firmCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.firms)
}

func unavailable() error {
	return fmt.Errorf("%w: connection refused", remote.ErrUnavailable)
}

func (f *fakeAPI) ListEntities(ctx context.Context) ([]datatypes.NamedEntity, error) {
	f.mu.Lock()
	f.listCalls++
	if f.down {
		f.mu.Unlock()
		return nil, unavailable()
	}
	out := make([]datatypes.NamedEntity, 0, len(f.firms))
	for _, e := range f.firms {
		if f.hidden[e.Key()] > 0 {
			f.hidden[e.Key()]--
			continue
		}
		out = append(out, e)
	}
	gate, started := f.listGate, f.listStarted
	f.listStarted = nil
	f.mu.Unlock()

	if gate != nil {
		if started != nil {
			close(started)
		}
		<-gate
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (f *fakeAPI) CreateEntity(ctx context.Context, in datatypes.EntityInput) (datatypes.NamedEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.down {
		return datatypes.NamedEntity{}, unavailable()
	}
	if f.failCreates > 0 {
		f.failCreates--
		return datatypes.NamedEntity{}, &remote.StatusError{Status: http.StatusBadGateway, Message: "upstream"}
	}
	key := datatypes.NormalizeName(in.Name)
	for _, e := range f.firms {
		if e.Key() == key {
			return datatypes.NamedEntity{}, &remote.StatusError{Status: http.StatusConflict, Message: "exists"}
		}
	}
	f.nextID++
	e := datatypes.NamedEntity{
		ID:        strconv.Itoa(f.nextID),
		Name:      in.Name,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	e.UpdatedAt = e.CreatedAt
	f.firms = append(f.firms, e)
	return e, nil
}

func (f *fakeAPI) UpdateEntity(ctx context.Context, id string, patch datatypes.EntityPatch) (datatypes.NamedEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.down {
		return datatypes.NamedEntity{}, unavailable()
	}
	for i, e := range f.firms {
		if e.ID != id {
			continue
		}
		updated := patch.Apply(e)
		for _, other := range f.firms {
			if other.ID != id && other.Key() == updated.Key() {
				return datatypes.NamedEntity{}, &remote.StatusError{Status: http.StatusConflict}
			}
		}
		for j := range f.records {
			if datatypes.NormalizeName(f.records[j].DyeingFirm) == e.Key() {
				f.records[j].DyeingFirm = updated.Name
			}
		}
		f.firms[i] = updated
		return updated, nil
	}
	return datatypes.NamedEntity{}, &remote.StatusError{Status: http.StatusNotFound}
}

func (f *fakeAPI) ListRecords(ctx context.Context) ([]datatypes.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, unavailable()
	}
	return append([]datatypes.Record(nil), f.records...), nil
}

func (f *fakeAPI) CreateRecord(ctx context.Context, in datatypes.RecordInput) (datatypes.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return datatypes.Record{}, unavailable()
	}
	f.nextID++
	r := in.ToRecord()
	r.ID = strconv.Itoa(f.nextID)
	f.records = append(f.records, r)
	return r, nil
}

func (f *fakeAPI) UpdateRecord(ctx context.Context, id string, patch datatypes.RecordPatch) (datatypes.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return datatypes.Record{}, unavailable()
	}
	for i, r := range f.records {
		if r.ID == id {
			f.records[i] = patch.Apply(r)
			return f.records[i], nil
		}
	}
	return datatypes.Record{}, &remote.StatusError{Status: http.StatusNotFound}
}

// =============================================================================
// Clock and key/value helpers
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// deafStore is a kv.Store whose Watch never fires, standing in for a
// backend without change notification.
type deafStore struct {
	kv.Store
}

func (deafStore) Watch(string, kv.Handler) func() { return func() {} }

func (d deafStore) Update(ctx context.Context, key string, fn kv.UpdateFunc) error {
	return kv.Update(ctx, d.Store, key, fn)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// Store construction
// =============================================================================

type testEnv struct {
	space    *kv.MemorySpace
	kv       kv.Store
	api      *fakeAPI
	channels transport.Opener
	clock    func() time.Time
	cfg      Config
	origin   string
}

func newTestStore(t *testing.T, env testEnv) *Store {
	t.Helper()
	if env.api == nil {
		env.api = newFakeAPI()
	}
	if env.kv == nil {
		if env.space == nil {
			env.space = kv.NewMemorySpace()
		}
		origin := env.origin
		if origin == "" {
			origin = t.Name()
		}
		env.kv = env.space.Open(origin)
	}
	if env.cfg.ReconcileInterval == 0 {
		env.cfg.ReconcileInterval = time.Hour
	}
	s, err := New(env.cfg, Deps{
		KV:       env.kv,
		Channels: env.channels,
		Firms:    env.api,
		Records:  env.api,
		Logger:   quietLogger(),
		Clock:    env.clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func startAndWait(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))
}

func names(items []datatypes.NamedEntity) []string {
	out := make([]string, 0, len(items))
	for _, e := range items {
		out = append(out, e.Name)
	}
	return out
}

func countByName(items []datatypes.NamedEntity, name string) int {
	key := datatypes.NormalizeName(name)
	n := 0
	for _, e := range items {
		if e.Key() == key {
			n++
		}
	}
	return n
}
