// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SignalingServer is a minimal, explicitly temporary bootstrap relay: it
// tracks connected nodeIds and forwards presence-join/signal/presence-leave
// messages by nodeId, without ever inspecting payloads. The core must not
// assume any persistent state survives a server restart.
type SignalingServer struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*serverConn
}

type serverConn struct {
	conn   *websocket.Conn
	nodeId string
	mu     sync.Mutex
}

// NewSignalingServer creates an in-memory signaling relay.
func NewSignalingServer() *SignalingServer {
	return &SignalingServer{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[string]*serverConn),
	}
}

// Handler returns the HTTP upgrade endpoint peers dial to join the mesh.
func (s *SignalingServer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.serve(conn)
	})
}

func (s *SignalingServer) serve(conn *websocket.Conn) {
	sc := &serverConn{conn: conn}
	defer func() {
		s.mu.Lock()
		if sc.nodeId != "" {
			delete(s.clients, sc.nodeId)
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			return
		}
		var msg SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.From == "" {
			continue
		}

		if sc.nodeId == "" {
			sc.nodeId = msg.From
			s.mu.Lock()
			s.clients[sc.nodeId] = sc
			s.mu.Unlock()
		}

		switch msg.Type {
		case "presence-leave":
			return
		case "presence-join":
			s.broadcastParticipants()
		default:
			s.route(msg)
		}
	}
}

// route forwards a signaling message to its named recipient only;
// the server is an opaque relay and never inspects Payload.
func (s *SignalingServer) route(msg SignalingMessage) {
	if msg.To == "" {
		return
	}
	s.mu.RLock()
	dst, ok := s.clients[msg.To]
	s.mu.RUnlock()
	if !ok {
		return
	}
	dst.write(msg)
}

func (s *SignalingServer) broadcastParticipants() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	conns := make([]*serverConn, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	payload, _ := json.Marshal(ids)
	msg := SignalingMessage{Type: "participants", Payload: payload}
	for _, c := range conns {
		c.write(msg)
	}
}

func (c *serverConn) write(msg SignalingMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	_ = c.conn.WriteJSON(msg)
}

// ConnectionCount reports the number of peers currently registered.
func (s *SignalingServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
