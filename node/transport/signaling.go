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
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SignalingMessage is the opaque envelope the bootstrap signaling channel
// relays. The server never inspects Payload; it only routes by To/From.
type SignalingMessage struct {
	Type    string          `json:"type"` // presence-join | presence-leave | signal
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session is a live connection to the bootstrap signaling server.
type Session struct {
	conn   *websocket.Conn
	nodeId string

	writeTimeout time.Duration
	readTimeout  time.Duration

	mu      sync.Mutex
	onMsg   func(SignalingMessage)
	closed  bool
	closeCh chan struct{}
}

// SignalingClient dials the bootstrap signaling server over WebSocket.
type SignalingClient struct {
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewSignalingClient creates a client with the teacher's conservative default timeouts.
func NewSignalingClient() *SignalingClient {
	return &SignalingClient{
		dialTimeout:  30 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 30 * time.Second,
	}
}

// Connect dials url and announces nodeId to the signaling server.
func (c *SignalingClient) Connect(ctx context.Context, url, nodeId string) (*Session, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("signaling dial failed: %w", err)
	}

	s := &Session{
		conn:         conn,
		nodeId:       nodeId,
		writeTimeout: c.writeTimeout,
		readTimeout:  c.readTimeout,
		closeCh:      make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Send relays one signaling message. The server treats itself as an opaque
// relay and must not inspect Payload.
func (s *Session) Send(msg SignalingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	if msg.From == "" {
		msg.From = s.nodeId
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

// OnMessage registers the callback invoked for every message the server forwards.
func (s *Session) OnMessage(cb func(SignalingMessage)) {
	s.mu.Lock()
	s.onMsg = cb
	s.mu.Unlock()
}

// Close tears down the signaling session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

func (s *Session) readLoop() {
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return
		}

		var msg SignalingMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}

		s.mu.Lock()
		cb := s.onMsg
		s.mu.Unlock()
		if cb != nil {
			cb(msg)
		}
	}
}
