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
	"time"

	"github.com/AleutianAI/millsync/services/refdata/datatypes"
	"github.com/AleutianAI/millsync/services/refdata/kv"
)

// pendingEntry is the durable record of a name awaiting remote creation.
// The id is kept so the entity keeps the same id across loads and contexts.
type pendingEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

func (e pendingEntry) entity() datatypes.NamedEntity {
	return datatypes.NamedEntity{
		ID:        e.ID,
		Name:      e.Name,
		IsActive:  true,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.CreatedAt,
		Pending:   true,
	}
}

// pendingList is the durable list of pending names of one collection,
// shared by every context using the same key/value store. At most one
// entry exists per normalized name; the first variant recorded wins.
type pendingList struct {
	kv         kv.Store
	key        string
	collection string
	logger     *slog.Logger
}

func (p *pendingList) List(ctx context.Context) []pendingEntry {
	raw, ok, err := p.kv.Get(ctx, p.key)
	if err != nil {
		p.logger.Warn("read pending list", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		p.setGauge(0)
		return nil
	}
	entries, err := decodePending(raw)
	if err != nil {
		p.logger.Warn("dropping corrupt pending list",
			slog.String("error", (&SerializationError{Key: p.key, Err: err}).Error()))
		if rmErr := p.kv.Remove(ctx, p.key); rmErr != nil {
			p.logger.Warn("remove pending list", slog.String("error", rmErr.Error()))
		}
		p.setGauge(0)
		return nil
	}
	p.setGauge(len(entries))
	return entries
}

// Add records e unless its name is already pending, and returns the entry
// that is stored for the name.
func (p *pendingList) Add(ctx context.Context, e pendingEntry) (pendingEntry, error) {
	stored := e
	var count int
	err := kv.Update(ctx, p.kv, p.key, func(current string, ok bool) (string, bool) {
		entries, _ := decodePending(current)
		key := datatypes.NormalizeName(e.Name)
		for _, existing := range entries {
			if datatypes.NormalizeName(existing.Name) == key {
				stored = existing
				count = len(entries)
				return "", false
			}
		}
		entries = append(entries, e)
		count = len(entries)
		return encodePending(entries), true
	})
	if err != nil {
		return pendingEntry{}, err
	}
	p.setGauge(count)
	return stored, nil
}

// Remove deletes the entry for name, compared case-insensitively.
func (p *pendingList) Remove(ctx context.Context, name string) error {
	var count int
	err := kv.Update(ctx, p.kv, p.key, func(current string, ok bool) (string, bool) {
		if !ok {
			return "", false
		}
		entries, _ := decodePending(current)
		key := datatypes.NormalizeName(name)
		kept := entries[:0]
		for _, e := range entries {
			if datatypes.NormalizeName(e.Name) != key {
				kept = append(kept, e)
			}
		}
		count = len(kept)
		if len(kept) == len(entries) {
			return "", false
		}
		return encodePending(kept), true
	})
	if err != nil {
		return err
	}
	p.setGauge(count)
	return nil
}

func (p *pendingList) setGauge(n int) {
	pendingGauge.WithLabelValues(p.collection).Set(float64(n))
}

func decodePending(raw string) ([]pendingEntry, error) {
	if raw == "" {
		return nil, nil
	}
	var entries []pendingEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func encodePending(entries []pendingEntry) string {
	if entries == nil {
		entries = []pendingEntry{}
	}
	data, _ := json.Marshal(entries)
	return string(data)
}
