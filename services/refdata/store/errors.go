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
	"errors"
	"fmt"
)

var (
	// ErrRemoteUnavailable is returned when a conservative write could not
	// reach the remote API. The local collection is unchanged.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrValidationConflict is returned when an update would give an entity
	// the name of another entity.
	ErrValidationConflict = errors.New("name already in use")

	// ErrInvalidInput is returned for input rejected locally or by the API.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned for an unknown id.
	ErrNotFound = errors.New("not found")

	// ErrPendingEntity is returned when updating an entity that has not been
	// persisted remotely yet.
	ErrPendingEntity = errors.New("entity is pending remote persistence")
)

// ConflictError reports a name collision on update.
type ConflictError struct {
	Name       string
	ExistingID string
}

func (e *ConflictError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("%s: %q", ErrValidationConflict, e.Name)
	}
	return fmt.Sprintf("%s: %q (id %s)", ErrValidationConflict, e.Name, e.ExistingID)
}

// Is matches ErrValidationConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrValidationConflict
}

// RemoteError wraps a remote failure surfaced to the caller of a write.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrRemoteUnavailable, e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Is matches ErrRemoteUnavailable.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteUnavailable
}

// SerializationError reports a corrupt durable payload. It is logged and
// the key is dropped; it never reaches callers.
type SerializationError struct {
	Key string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("corrupt value at %s: %v", e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// SubscriberError reports a panic in a subscriber callback. It is logged
// and counted; delivery to other subscribers continues.
type SubscriberError struct {
	Collection string
	Panic      any
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber of %s panicked: %v", e.Collection, e.Panic)
}
