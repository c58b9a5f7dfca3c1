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

// Package transport defines the abstract point-to-point byte channel the
// router dispatches envelopes over, and the bootstrap signaling collaborator
// used to establish those channels. Neither the WebRTC/QUIC substrate nor
// the signaling server implementation is in scope here: this package only
// describes the contract the node core consumes.
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned when Send is called on a closed Peer.
var ErrNotConnected = errors.New("transport: not connected")

// Peer is a point-to-point byte channel to one remote node.
type Peer interface {
	// NodeId identifies the remote end of this channel.
	NodeId() string
	// Send writes one frame (a serialized envelope) to the peer.
	Send(ctx context.Context, frame []byte) error
	// Close tears down the channel.
	Close() error
}

// EventKind distinguishes the two transport-level events the router cares about.
type EventKind int

const (
	// EventOpened fires when a byte channel to a peer becomes usable.
	EventOpened EventKind = iota
	// EventClosed fires when a previously usable channel goes away.
	EventClosed
)

// Event reports a connectivity change for one peer.
type Event struct {
	Kind   EventKind
	NodeId string
}

// Transport establishes and tears down point-to-point byte channels with
// peers and delivers inbound frames and connectivity events. Router obtains
// peers via Connect/GetConnection and must never cache them across calls;
// Transport owns the connection pool.
type Transport interface {
	// Connect establishes (or returns an existing) channel to nodeId.
	Connect(ctx context.Context, nodeId string) (Peer, error)
	// GetConnection returns an already-open channel without dialing.
	GetConnection(nodeId string) (Peer, bool)
	// OnFrame registers the callback invoked for every inbound frame.
	OnFrame(cb func(nodeId string, frame []byte))
	// OnEvent registers the callback invoked for open/close events.
	OnEvent(cb func(Event))
	// Close tears down every channel and stops accepting new ones.
	Close() error
}
