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
	"sync"
)

// MemoryBus is an in-process Transport implementation connecting Node
// instances within one test or simulation without any real byte substrate.
// It stands in for the WebRTC/QUIC transport the specification treats as
// an external collaborator.
type MemoryBus struct {
	mu    sync.RWMutex
	nodes map[string]*MemoryTransport

	// Dropped, keyed by "from->to", makes Connect fail to simulate
	// TRANSPORT_FAILED without tearing down the peer permanently.
	dropped map[string]bool
}

// NewMemoryBus creates an empty simulated network.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		nodes:   make(map[string]*MemoryTransport),
		dropped: make(map[string]bool),
	}
}

// Register creates and returns the Transport for nodeId on this bus.
func (b *MemoryBus) Register(nodeId string) *MemoryTransport {
	t := &MemoryTransport{bus: b, self: nodeId}
	b.mu.Lock()
	b.nodes[nodeId] = t
	b.mu.Unlock()
	return t
}

// Unregister removes nodeId from the bus, simulating a process going away.
func (b *MemoryBus) Unregister(nodeId string) {
	b.mu.Lock()
	delete(b.nodes, nodeId)
	b.mu.Unlock()
}

// Drop makes subsequent connects/sends from `from` to `to` fail until Restore.
func (b *MemoryBus) Drop(from, to string) {
	b.mu.Lock()
	b.dropped[from+"->"+to] = true
	b.mu.Unlock()
}

// Restore undoes Drop.
func (b *MemoryBus) Restore(from, to string) {
	b.mu.Lock()
	delete(b.dropped, from+"->"+to)
	b.mu.Unlock()
}

func (b *MemoryBus) isDropped(from, to string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[from+"->"+to]
}

func (b *MemoryBus) transportFor(nodeId string) (*MemoryTransport, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.nodes[nodeId]
	return t, ok
}

// MemoryTransport is one node's view of a MemoryBus.
type MemoryTransport struct {
	bus  *MemoryBus
	self string

	mu        sync.RWMutex
	peers     map[string]*memoryPeer
	onFrame   func(nodeId string, frame []byte)
	onEvent   func(Event)
}

type memoryPeer struct {
	nodeId string
	local  *MemoryTransport
}

// Connect opens (or returns) a logical channel to nodeId.
func (t *MemoryTransport) Connect(ctx context.Context, nodeId string) (Peer, error) {
	if t.bus.isDropped(t.self, nodeId) {
		return nil, ErrNotConnected
	}
	if _, ok := t.bus.transportFor(nodeId); !ok {
		return nil, ErrNotConnected
	}

	t.mu.Lock()
	if t.peers == nil {
		t.peers = make(map[string]*memoryPeer)
	}
	p, ok := t.peers[nodeId]
	if !ok {
		p = &memoryPeer{nodeId: nodeId, local: t}
		t.peers[nodeId] = p
		t.mu.Unlock()
		t.fireEvent(Event{Kind: EventOpened, NodeId: nodeId})
		return p, nil
	}
	t.mu.Unlock()
	return p, nil
}

// GetConnection returns an already-open channel without dialing.
func (t *MemoryTransport) GetConnection(nodeId string) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[nodeId]
	return p, ok
}

// OnFrame registers the inbound-frame callback.
func (t *MemoryTransport) OnFrame(cb func(nodeId string, frame []byte)) {
	t.mu.Lock()
	t.onFrame = cb
	t.mu.Unlock()
}

// OnEvent registers the connectivity-event callback.
func (t *MemoryTransport) OnEvent(cb func(Event)) {
	t.mu.Lock()
	t.onEvent = cb
	t.mu.Unlock()
}

// Close removes this node from the bus and drops all its channels.
func (t *MemoryTransport) Close() error {
	t.bus.Unregister(t.self)
	t.mu.Lock()
	t.peers = nil
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) fireEvent(e Event) {
	t.mu.RLock()
	cb := t.onEvent
	t.mu.RUnlock()
	if cb != nil {
		cb(e)
	}
}

func (t *MemoryTransport) deliver(from string, frame []byte) {
	t.mu.RLock()
	cb := t.onFrame
	t.mu.RUnlock()
	if cb != nil {
		cb(from, frame)
	}
}

// NodeId identifies the remote end of this channel.
func (p *memoryPeer) NodeId() string { return p.nodeId }

// Send hands frame to the peer's transport synchronously on the caller's goroutine.
func (p *memoryPeer) Send(ctx context.Context, frame []byte) error {
	if p.local.bus.isDropped(p.local.self, p.nodeId) {
		return ErrNotConnected
	}
	remote, ok := p.local.bus.transportFor(p.nodeId)
	if !ok {
		return ErrNotConnected
	}
	remote.deliver(p.local.self, frame)
	return nil
}

// Close drops this channel from the local side only.
func (p *memoryPeer) Close() error {
	p.local.mu.Lock()
	delete(p.local.peers, p.nodeId)
	p.local.mu.Unlock()
	p.local.fireEvent(Event{Kind: EventClosed, NodeId: p.nodeId})
	return nil
}
