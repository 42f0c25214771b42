// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport carries best-effort change notifications between
// execution contexts.
//
// Delivery is not guaranteed. Receivers treat a message as a hint to reload
// and rely on the durable version marker and periodic reconciliation for
// correctness.
//
// Implementations:
//
//	Hub              - in-process, for contexts sharing one process
//	WebSocketOpener  - client of a relay Server, for separate processes
//	Unavailable      - every publish fails, for degraded mode and tests
package transport

import (
	"context"
	"errors"
)

// MessageCollectionChanged is the only message type on a channel.
const MessageCollectionChanged = "COLLECTION_CHANGED"

var (
	// ErrUnavailable reports that the channel cannot deliver right now.
	ErrUnavailable = errors.New("transport: channel unavailable")

	// ErrClosed reports use of a closed channel.
	ErrClosed = errors.New("transport: channel closed")
)

// Message announces that a collection reached a new version.
type Message struct {
	Type       string `json:"type"`
	Collection string `json:"collection"`
	Version    int64  `json:"version"`
	Origin     string `json:"origin"`
}

// Changed builds a MessageCollectionChanged message.
func Changed(collection string, version int64, origin string) Message {
	return Message{
		Type:       MessageCollectionChanged,
		Collection: collection,
		Version:    version,
		Origin:     origin,
	}
}

// Channel is one context's endpoint on a named broadcast channel.
//
// A message published on an endpoint is delivered to the subscribers of
// every other endpoint of the same channel, never back to the publisher.
type Channel interface {
	// Publish sends msg to the other endpoints.
	Publish(ctx context.Context, msg Message) error

	// Subscribe registers fn for incoming messages. The returned func stops
	// delivery. fn is called from a single goroutine per endpoint.
	Subscribe(fn func(Message)) (cancel func())

	// Close detaches the endpoint.
	Close() error
}

// Opener opens endpoints on named channels.
type Opener interface {
	Open(name string) (Channel, error)
}

// subscribers is the callback list shared by the implementations.
type subscribers struct {
	next int
	fns  map[int]func(Message)
}

func (s *subscribers) add(fn func(Message)) int {
	if s.fns == nil {
		s.fns = make(map[int]func(Message))
	}
	s.next++
	s.fns[s.next] = fn
	return s.next
}

func (s *subscribers) snapshot() []func(Message) {
	out := make([]func(Message), 0, len(s.fns))
	for i := 1; i <= s.next; i++ {
		if fn, ok := s.fns[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// Unavailable is an Opener whose channels never deliver.
type Unavailable struct{}

// Open implements Opener.
func (Unavailable) Open(string) (Channel, error) {
	return unavailableChannel{}, nil
}

type unavailableChannel struct{}

func (unavailableChannel) Publish(context.Context, Message) error { return ErrUnavailable }
func (unavailableChannel) Subscribe(func(Message)) func()          { return func() {} }
func (unavailableChannel) Close() error                            { return nil }
