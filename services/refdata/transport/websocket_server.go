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
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	peerBufferSize = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Server relays channel messages between websocket peers.
//
// # Description
//
// Every connection to /v1/channels/:name/ws joins the room for name.
// A message read from one peer is forwarded to every other peer in the room.
// The server keeps no history: a peer that connects late sees only
// messages published after it joined.
//
// # Thread Safety
//
// Safe for concurrent use.
type Server struct {
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]map[*wsPeer]struct{}
}

type wsPeer struct {
	conn *websocket.Conn
	send chan Message
}

// NewServer creates a relay server.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger: logger.With(slog.String("component", "channel_relay")),
		rooms:  make(map[string]map[*wsPeer]struct{}),
	}
}

// RegisterRoutes mounts the relay on r.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/channels/:name/ws", s.HandleWebSocket)
	r.GET("/v1/channels/:name/peers", s.handlePeers)
}

// Peers returns the number of peers connected to name.
func (s *Server) Peers(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[name])
}

func (s *Server) handlePeers(c *gin.Context) {
	name := c.Param("name")
	c.JSON(http.StatusOK, gin.H{"channel": name, "peers": s.Peers(name)})
}

// HandleWebSocket upgrades the request and relays until the peer leaves.
func (s *Server) HandleWebSocket(c *gin.Context) {
	name := c.Param("name")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade the websocket", "channel", name, "error", err)
		return
	}

	peer := &wsPeer{conn: ws, send: make(chan Message, peerBufferSize)}
	s.join(name, peer)
	s.logger.Info("channel peer connected", "channel", name, "peers", s.Peers(name))

	done := make(chan struct{})
	go s.writePump(peer, done)

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			s.logger.Info("channel peer disconnected", "channel", name, "error", err.Error())
			break
		}
		s.relay(name, peer, msg)
	}

	s.leave(name, peer)
	close(done)
	ws.Close()
}

func (s *Server) join(name string, p *wsPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[name]
	if !ok {
		room = make(map[*wsPeer]struct{})
		s.rooms[name] = room
	}
	room[p] = struct{}{}
}

func (s *Server) leave(name string, p *wsPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms[name], p)
	if len(s.rooms[name]) == 0 {
		delete(s.rooms, name)
	}
}

func (s *Server) relay(name string, from *wsPeer, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.rooms[name] {
		if p == from {
			continue
		}
		select {
		case p.send <- msg:
		default:
			s.logger.Warn("dropping message for slow channel peer", "channel", name, "collection", msg.Collection)
		}
	}
}

func (s *Server) writePump(p *wsPeer, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case msg := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sendJSON(p.conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}
