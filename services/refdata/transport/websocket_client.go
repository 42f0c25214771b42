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
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	minRedial = 250 * time.Millisecond
	maxRedial = 30 * time.Second
)

// WebSocketOpener opens channels on a relay Server.
//
// # Description
//
// Each endpoint keeps one websocket connection and redials with exponential
// backoff when it drops. While disconnected, Publish returns ErrUnavailable
// and incoming messages are lost.
type WebSocketOpener struct {
	// BaseURL is the relay root, e.g. ws://127.0.0.1:8787.
	BaseURL string

	// Dialer is used for connections. Nil uses websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Logger receives connection events. Nil uses slog.Default().
	Logger *slog.Logger
}

// Open implements Opener. The first dial is attempted before returning;
// failure leaves the endpoint redialing in the background.
func (o *WebSocketOpener) Open(name string) (Channel, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("channel name is required")
	}
	base, err := url.Parse(o.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/v1/channels/" + url.PathEscape(name) + "/ws"

	dialer := o.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ch := &wsChannel{
		url:    base.String(),
		dialer: dialer,
		logger: logger.With(slog.String("channel", name)),
		done:   make(chan struct{}),
	}
	conn, err := ch.dial()
	if err != nil {
		ch.logger.Warn("channel relay unreachable, will retry", "error", err.Error())
	} else {
		ch.conn = conn
	}
	ch.wg.Add(1)
	go ch.run(conn)
	return ch, nil
}

type wsChannel struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   subscribers
	closed bool

	writeMu sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
}

func (c *wsChannel) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	return conn, err
}

// run owns the connection lifecycle: read until failure, then redial.
func (c *wsChannel) run(conn *websocket.Conn) {
	defer c.wg.Done()
	backoff := minRedial
	for {
		if conn != nil {
			if !c.setConn(conn) {
				conn.Close()
				return
			}
			backoff = minRedial
			c.readLoop(conn)
			c.setConn(nil)
			conn.Close()
		}

		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRedial)

		var err error
		conn, err = c.dial()
		if err != nil {
			c.logger.Debug("channel relay redial failed", "error", err.Error(), "next", backoff)
			conn = nil
		} else {
			c.logger.Info("channel relay reconnected")
		}
	}
}

func (c *wsChannel) setConn(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed && conn != nil {
		return false
	}
	c.conn = conn
	return true
}

func (c *wsChannel) readLoop(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Info("channel relay connection lost", "error", err.Error())
			}
			return
		}
		c.mu.Lock()
		fns := c.subs.snapshot()
		c.mu.Unlock()
		for _, fn := range fns {
			fn(msg)
		}
	}
}

func (c *wsChannel) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrUnavailable
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *wsChannel) Subscribe(fn func(Message)) func() {
	c.mu.Lock()
	id := c.subs.add(fn)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs.fns, id)
		c.mu.Unlock()
	}
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.wg.Wait()
	return nil
}
