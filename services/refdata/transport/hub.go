// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"sync"
)

// Hub is an in-process Opener. Endpoints opened on the same name exchange
// messages asynchronously and in publish order.
//
// # Thread Safety
//
// Safe for concurrent use.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]map[*hubEndpoint]struct{}
	filter    func(Message) bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithFilter drops every message for which keep returns false. Used to
// simulate lost notifications.
func WithFilter(keep func(Message) bool) HubOption {
	return func(h *Hub) {
		h.filter = keep
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{endpoints: make(map[string]map[*hubEndpoint]struct{})}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Open implements Opener.
func (h *Hub) Open(name string) (Channel, error) {
	ep := &hubEndpoint{
		hub:    h,
		name:   name,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	peers, ok := h.endpoints[name]
	if !ok {
		peers = make(map[*hubEndpoint]struct{})
		h.endpoints[name] = peers
	}
	peers[ep] = struct{}{}
	h.mu.Unlock()

	ep.wg.Add(1)
	go ep.run()
	return ep, nil
}

// Endpoints returns the number of open endpoints on name.
func (h *Hub) Endpoints(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.endpoints[name])
}

func (h *Hub) publish(from *hubEndpoint, msg Message) {
	if h.filter != nil && !h.filter(msg) {
		return
	}
	h.mu.Lock()
	targets := make([]*hubEndpoint, 0, len(h.endpoints[from.name]))
	for ep := range h.endpoints[from.name] {
		if ep != from {
			targets = append(targets, ep)
		}
	}
	h.mu.Unlock()

	for _, ep := range targets {
		ep.enqueue(msg)
	}
}

func (h *Hub) detach(ep *hubEndpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints[ep.name], ep)
	if len(h.endpoints[ep.name]) == 0 {
		delete(h.endpoints, ep.name)
	}
}

type hubEndpoint struct {
	hub  *Hub
	name string

	mu     sync.Mutex
	queue  []Message
	subs   subscribers
	closed bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func (e *hubEndpoint) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.hub.publish(e, msg)
	return nil
}

func (e *hubEndpoint) Subscribe(fn func(Message)) func() {
	e.mu.Lock()
	id := e.subs.add(fn)
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs.fns, id)
		e.mu.Unlock()
	}
}

func (e *hubEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.hub.detach(e)
	close(e.done)
	e.wg.Wait()
	return nil
}

func (e *hubEndpoint) enqueue(msg Message) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, msg)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *hubEndpoint) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-e.notify:
		}

		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		fns := e.subs.snapshot()
		e.mu.Unlock()

		for _, msg := range batch {
			for _, fn := range fns {
				fn(msg)
			}
		}
	}
}
