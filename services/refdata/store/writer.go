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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/millsync/pkg/telemetry"
	"github.com/AleutianAI/millsync/services/refdata/datatypes"
	"github.com/AleutianAI/millsync/services/refdata/remote"
)

// =============================================================================
// Entity writer
// =============================================================================

// EntityWriter performs writes on a NamedEntity collection.
//
// # Description
//
// Creates are optimistic and idempotent by normalized name. If the name is
// already present the existing entity is returned. If the remote create
// fails for any reason other than a conflict or invalid input, a pending
// entity is added locally and its name recorded durably; the next
// successful load creates it remotely.
//
// Updates are conservative: nothing changes locally unless the remote
// update succeeds.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent creates of the same name within one
// context share a single remote call.
type EntityWriter struct {
	coll     *Collection[datatypes.NamedEntity]
	api      remote.EntityAPI
	pending  *pendingList
	clock    func() time.Time
	logger   *slog.Logger
	flight   singleflight.Group
	onRename func(ctx context.Context, from, to string)
}

// Create adds an entity named in.Name or returns the existing one.
//
// # Outputs
//
//   - datatypes.NamedEntity: The authoritative entity, the existing entity
//     with the same name, or a pending entity when the API is unavailable.
//   - error: ErrInvalidInput for a rejected name. Remote failures are not
//     returned.
func (w *EntityWriter) Create(ctx context.Context, in datatypes.EntityInput) (datatypes.NamedEntity, error) {
	if err := datatypes.Validate(in); err != nil {
		return datatypes.NamedEntity{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	key := datatypes.NormalizeName(in.Name)

	v, err, _ := w.flight.Do(key, func() (any, error) {
		return w.create(ctx, key, in)
	})
	if err != nil {
		return datatypes.NamedEntity{}, err
	}
	return v.(datatypes.NamedEntity), nil
}

func (w *EntityWriter) create(ctx context.Context, key string, in datatypes.EntityInput) (datatypes.NamedEntity, error) {
	ctx, span := startSpan(ctx, "EntityWriter.Create", w.coll.Name())
	defer span.End()

	w.ensureLoaded(ctx)
	if existing, ok := w.findByKey(key); ok {
		span.SetAttributes(attribute.Bool("store.existing", true))
		return existing, nil
	}

	created, err := w.api.CreateEntity(ctx, in)
	recordRemoteCall(ctx, w.coll.Name(), "create", err)
	switch {
	case err == nil:
		return w.insert(ctx, created), nil

	case errors.Is(err, remote.ErrConflict):
		// Another context or client created it first.
		w.coll.Load(ctx, true)
		if existing, ok := w.findByKey(key); ok {
			return existing, nil
		}
		return datatypes.NamedEntity{}, &ConflictError{Name: in.Name}

	case errors.Is(err, remote.ErrValidation):
		return datatypes.NamedEntity{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)

	default:
		telemetry.RecordError(span, err)
		w.logger.Warn("remote create failed, keeping entity pending",
			slog.String("name", in.Name),
			slog.String("error", err.Error()),
		)
		return w.addPending(ctx, in.Name)
	}
}

// insert adds an authoritative entity, replacing a pending one of the same
// name, and returns the entity now stored.
func (w *EntityWriter) insert(ctx context.Context, e datatypes.NamedEntity) datatypes.NamedEntity {
	stored := e
	w.coll.Mutate(ctx, func(current []datatypes.NamedEntity) ([]datatypes.NamedEntity, bool) {
		next := make([]datatypes.NamedEntity, 0, len(current)+1)
		for _, item := range current {
			if item.Key() != e.Key() {
				next = append(next, item)
				continue
			}
			if !item.Pending {
				stored = item
				return nil, false
			}
		}
		return append(next, e), true
	})
	return stored
}

func (w *EntityWriter) addPending(ctx context.Context, name string) (datatypes.NamedEntity, error) {
	candidate := datatypes.NewPendingEntity(name, w.clock())
	entry, err := w.pending.Add(ctx, pendingEntry{
		ID:        candidate.ID,
		Name:      candidate.Name,
		CreatedAt: candidate.CreatedAt,
	})
	if err != nil {
		w.logger.Warn("pending name not recorded durably", slog.String("name", name), slog.String("error", err.Error()))
		entry = pendingEntry{ID: candidate.ID, Name: candidate.Name, CreatedAt: candidate.CreatedAt}
	}
	pending := entry.entity()

	stored := pending
	w.coll.Mutate(ctx, func(current []datatypes.NamedEntity) ([]datatypes.NamedEntity, bool) {
		for _, item := range current {
			if item.Key() == pending.Key() {
				stored = item
				return nil, false
			}
		}
		next := make([]datatypes.NamedEntity, len(current), len(current)+1)
		copy(next, current)
		return append(next, pending), true
	})
	return stored, nil
}

// Update applies patch to the entity with the given id.
//
// # Outputs
//
//   - datatypes.NamedEntity: The updated entity.
//   - error: *ConflictError when the new name belongs to another entity,
//     *RemoteError when the API is unavailable, ErrNotFound,
//     ErrPendingEntity or ErrInvalidInput. On error nothing changes.
func (w *EntityWriter) Update(ctx context.Context, id string, patch datatypes.EntityPatch) (datatypes.NamedEntity, error) {
	ctx, span := startSpan(ctx, "EntityWriter.Update", w.coll.Name())
	defer span.End()

	if err := datatypes.Validate(patch); err != nil {
		return datatypes.NamedEntity{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if datatypes.IsPendingID(id) {
		return datatypes.NamedEntity{}, fmt.Errorf("%w: %s", ErrPendingEntity, id)
	}

	w.ensureLoaded(ctx)
	current, ok := w.coll.Get(id)
	if !ok {
		return datatypes.NamedEntity{}, fmt.Errorf("%w: %s %s", ErrNotFound, w.coll.Name(), id)
	}
	if patch.Name != nil {
		key := datatypes.NormalizeName(*patch.Name)
		if other, taken := w.coll.Find(func(e datatypes.NamedEntity) bool {
			return e.ID != id && e.Key() == key
		}); taken {
			return datatypes.NamedEntity{}, &ConflictError{Name: strings.TrimSpace(*patch.Name), ExistingID: other.ID}
		}
	}

	updated, err := w.api.UpdateEntity(ctx, id, patch)
	recordRemoteCall(ctx, w.coll.Name(), "update", err)
	if err != nil {
		telemetry.RecordError(span, err)
		return datatypes.NamedEntity{}, w.classify("update", patch.Name, err)
	}

	w.coll.Mutate(ctx, func(items []datatypes.NamedEntity) ([]datatypes.NamedEntity, bool) {
		next := make([]datatypes.NamedEntity, 0, len(items))
		replaced := false
		for _, item := range items {
			if item.ID == id {
				next = append(next, updated)
				replaced = true
				continue
			}
			next = append(next, item)
		}
		if !replaced {
			next = append(next, updated)
		}
		return next, true
	})

	if w.onRename != nil && updated.Name != current.Name {
		w.onRename(ctx, current.Name, updated.Name)
	}
	return updated, nil
}

func (w *EntityWriter) classify(op string, name *string, err error) error {
	switch {
	case errors.Is(err, remote.ErrConflict):
		ce := &ConflictError{}
		if name != nil {
			ce.Name = strings.TrimSpace(*name)
		}
		return ce
	case errors.Is(err, remote.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, remote.ErrValidation):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	default:
		return &RemoteError{Op: op, Err: err}
	}
}

// reconcile is the collection's MergeFunc: it runs after every successful
// fetch. Each pending name missing from the fetched items is created
// remotely once. Names that are created or already listed leave the
// pending list. A name the API reports as a duplicate but did not list
// stays pending and visible, and the result asks for a refetch. Other
// failures stay pending with their original id.
func (w *EntityWriter) reconcile(ctx context.Context, fetched []datatypes.NamedEntity) ([]datatypes.NamedEntity, bool) {
	entries := w.pending.List(ctx)
	if len(entries) == 0 {
		return fetched, false
	}

	present := make(map[string]struct{}, len(fetched))
	for _, e := range fetched {
		present[e.Key()] = struct{}{}
	}

	items := fetched
	refetch := false
	for _, entry := range entries {
		key := datatypes.NormalizeName(entry.Name)
		if _, ok := present[key]; ok {
			w.clearPending(ctx, entry.Name)
			continue
		}

		created, err := w.api.CreateEntity(ctx, datatypes.EntityInput{Name: entry.Name})
		recordRemoteCall(ctx, w.coll.Name(), "create", err)
		switch {
		case err == nil:
			items = append(items, created)
			present[key] = struct{}{}
			w.clearPending(ctx, entry.Name)
			w.logger.Info("pending entity persisted", slog.String("name", entry.Name), slog.String("id", created.ID))
		case errors.Is(err, remote.ErrConflict):
			// Exists remotely but was not listed. Keep it until a fetch lists it.
			items = append(items, entry.entity())
			present[key] = struct{}{}
			refetch = true
			w.logger.Debug("pending entity exists remotely but was not listed", slog.String("name", entry.Name))
		case errors.Is(err, remote.ErrValidation):
			w.clearPending(ctx, entry.Name)
			w.logger.Warn("dropping pending entity rejected by the API",
				slog.String("name", entry.Name), slog.String("error", err.Error()))
		default:
			items = append(items, entry.entity())
			present[key] = struct{}{}
		}
	}
	return items, refetch
}

func (w *EntityWriter) clearPending(ctx context.Context, name string) {
	if err := w.pending.Remove(ctx, name); err != nil {
		w.logger.Warn("clear pending name", slog.String("name", name), slog.String("error", err.Error()))
	}
}

// fallback is the collection's FallbackFunc: pending entities if any,
// otherwise the built-in default firms.
func (w *EntityWriter) fallback(ctx context.Context) ([]datatypes.NamedEntity, string) {
	if entries := w.pending.List(ctx); len(entries) > 0 {
		items := make([]datatypes.NamedEntity, 0, len(entries))
		for _, e := range entries {
			items = append(items, e.entity())
		}
		return items, loadFallbackPending
	}
	return datatypes.DefaultFirms(), loadFallbackDefault
}

// Pending returns the names awaiting remote creation.
func (w *EntityWriter) Pending(ctx context.Context) []string {
	entries := w.pending.List(ctx)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

func (w *EntityWriter) findByKey(key string) (datatypes.NamedEntity, bool) {
	return w.coll.Find(func(e datatypes.NamedEntity) bool { return e.Key() == key })
}

func (w *EntityWriter) ensureLoaded(ctx context.Context) {
	if w.coll.State() == StateUninitialized {
		w.coll.Load(ctx, false)
	}
}

// =============================================================================
// Record writer
// =============================================================================

// RecordWriter performs conservative writes on the record collection. The
// firm name of a record is replaced by the stored spelling when the firm is
// known.
type RecordWriter struct {
	coll   *Collection[datatypes.Record]
	firms  *Collection[datatypes.NamedEntity]
	api    remote.RecordAPI
	logger *slog.Logger
}

// Create adds a record.
func (w *RecordWriter) Create(ctx context.Context, in datatypes.RecordInput) (datatypes.Record, error) {
	ctx, span := startSpan(ctx, "RecordWriter.Create", w.coll.Name())
	defer span.End()

	in.DyeingFirm = w.canonicalFirm(in.DyeingFirm)
	if err := datatypes.Validate(in); err != nil {
		return datatypes.Record{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	created, err := w.api.CreateRecord(ctx, in)
	recordRemoteCall(ctx, w.coll.Name(), "create", err)
	if err != nil {
		telemetry.RecordError(span, err)
		return datatypes.Record{}, w.classify("create", err)
	}

	w.coll.Mutate(ctx, func(items []datatypes.Record) ([]datatypes.Record, bool) {
		next := make([]datatypes.Record, len(items), len(items)+1)
		copy(next, items)
		return append(next, created), true
	})
	return created, nil
}

// Update applies patch to the record with the given id.
func (w *RecordWriter) Update(ctx context.Context, id string, patch datatypes.RecordPatch) (datatypes.Record, error) {
	ctx, span := startSpan(ctx, "RecordWriter.Update", w.coll.Name())
	defer span.End()

	if patch.DyeingFirm != nil {
		canonical := w.canonicalFirm(*patch.DyeingFirm)
		patch.DyeingFirm = &canonical
	}
	if err := datatypes.Validate(patch); err != nil {
		return datatypes.Record{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	updated, err := w.api.UpdateRecord(ctx, id, patch)
	recordRemoteCall(ctx, w.coll.Name(), "update", err)
	if err != nil {
		telemetry.RecordError(span, err)
		return datatypes.Record{}, w.classify("update", err)
	}

	w.coll.Mutate(ctx, func(items []datatypes.Record) ([]datatypes.Record, bool) {
		next := make([]datatypes.Record, 0, len(items))
		replaced := false
		for _, item := range items {
			if item.ID == id {
				next = append(next, updated)
				replaced = true
				continue
			}
			next = append(next, item)
		}
		if !replaced {
			next = append(next, updated)
		}
		return next, true
	})
	return updated, nil
}

func (w *RecordWriter) canonicalFirm(name string) string {
	key := datatypes.NormalizeName(name)
	if firm, ok := w.firms.Find(func(e datatypes.NamedEntity) bool { return e.Key() == key }); ok {
		return firm.Name
	}
	return strings.TrimSpace(name)
}

func (w *RecordWriter) classify(op string, err error) error {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, remote.ErrValidation):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	case errors.Is(err, remote.ErrConflict):
		return &ConflictError{}
	default:
		return &RemoteError{Op: op, Err: err}
	}
}
