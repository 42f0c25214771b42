// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remote is the boundary to the ERP backend that owns the
// authoritative firm and record lists.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/AleutianAI/millsync/services/refdata/datatypes"
)

var (
	// ErrUnavailable covers network failures, timeouts and 5xx responses.
	ErrUnavailable = errors.New("remote: unavailable")

	// ErrConflict is a uniqueness violation (HTTP 409).
	ErrConflict = errors.New("remote: conflict")

	// ErrValidation is a rejected payload (HTTP 400 or 422).
	ErrValidation = errors.New("remote: validation failed")

	// ErrNotFound is an unknown id (HTTP 404).
	ErrNotFound = errors.New("remote: not found")
)

// EntityAPI manages named master entities.
type EntityAPI interface {
	ListEntities(ctx context.Context) ([]datatypes.NamedEntity, error)
	CreateEntity(ctx context.Context, in datatypes.EntityInput) (datatypes.NamedEntity, error)
	UpdateEntity(ctx context.Context, id string, patch datatypes.EntityPatch) (datatypes.NamedEntity, error)
}

// RecordAPI manages dyeing records.
type RecordAPI interface {
	ListRecords(ctx context.Context) ([]datatypes.Record, error)
	CreateRecord(ctx context.Context, in datatypes.RecordInput) (datatypes.Record, error)
	UpdateRecord(ctx context.Context, id string, patch datatypes.RecordPatch) (datatypes.Record, error)
}

// StatusError is a non-2xx response. It matches one of the package
// sentinels through errors.Is.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d: %s", e.Status, e.Message)
}

// Is maps the status code onto the sentinel errors.
func (e *StatusError) Is(target error) bool {
	return target == kindOf(e.Status)
}

func kindOf(status int) error {
	switch {
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ErrValidation
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return ErrUnavailable
	default:
		return nil
	}
}

// errorBody is the JSON error shape shared by client and server.
type errorBody struct {
	Error string `json:"error"`
}
