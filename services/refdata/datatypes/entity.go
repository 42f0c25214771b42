// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the reference data shared between execution
// contexts: named master entities (dyeing firms) and the dyeing records that
// reference them by name.
package datatypes

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PendingIDPrefix marks ids synthesized locally for entities the remote API
// has not accepted yet.
const PendingIDPrefix = "pending-"

// NamedEntity is a master-data entry identified to users by its name.
//
// # Uniqueness
//
// No two entities in one collection may share NormalizeName(Name).
//
// # Pending Entities
//
// Pending is true for entities created optimistically while the remote API
// was unreachable. Their ID starts with PendingIDPrefix and is never sent to
// the remote API.
type NamedEntity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Pending   bool      `json:"pending,omitempty"`
}

// EntityID returns the entity id.
func (e NamedEntity) EntityID() string {
	return e.ID
}

// Key returns the case-insensitive dedup key of the entity name.
func (e NamedEntity) Key() string {
	return NormalizeName(e.Name)
}

// EntityInput is the payload for creating a NamedEntity.
type EntityInput struct {
	Name     string `json:"name" validate:"notblank,max=200"`
	IsActive *bool  `json:"isActive,omitempty"`
}

// EntityPatch is a partial update of a NamedEntity. Nil fields are left as is.
type EntityPatch struct {
	Name     *string `json:"name,omitempty" validate:"omitnil,notblank,max=200"`
	IsActive *bool   `json:"isActive,omitempty"`
}

// Apply returns a copy of e with the patch applied. Names are trimmed.
func (p EntityPatch) Apply(e NamedEntity) NamedEntity {
	if p.Name != nil {
		e.Name = strings.TrimSpace(*p.Name)
	}
	if p.IsActive != nil {
		e.IsActive = *p.IsActive
	}
	return e
}

// NormalizeName is the dedup key for names: trimmed and lower-cased.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NewPendingEntity synthesizes a local entity for a name the remote API has
// not accepted. It is active and carries a fresh pending id.
func NewPendingEntity(name string, now time.Time) NamedEntity {
	return NamedEntity{
		ID:        PendingIDPrefix + uuid.NewString(),
		Name:      strings.TrimSpace(name),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
		Pending:   true,
	}
}

// IsPendingID reports whether id was synthesized by NewPendingEntity.
func IsPendingID(id string) bool {
	return strings.HasPrefix(id, PendingIDPrefix)
}

// DefaultFirms is the built-in list shown when the remote API has never been
// reachable and nothing is cached, so a first run is never empty.
func DefaultFirms() []NamedEntity {
	names := []string{"Sri Murugan Dyeing", "Kaveri Processors", "Annapoorna Dyers"}
	epoch := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	firms := make([]NamedEntity, 0, len(names))
	for i, name := range names {
		firms = append(firms, NamedEntity{
			ID:        "default-" + strconv.Itoa(i+1),
			Name:      name,
			IsActive:  true,
			CreatedAt: epoch,
			UpdatedAt: epoch,
		})
	}
	return firms
}
