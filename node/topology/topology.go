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

// Package topology holds each node's private view of the mesh: a
// nodeId -> PeerInfo map updated by gossip, signaling, and heartbeats.
package topology

import (
	"sync"
	"time"
)

// Role is a capability a node currently provides to the mesh.
type Role string

const (
	RoleClient   Role = "client"
	RoleRelay    Role = "relay"
	RoleBackup   Role = "backup"
	RoleObserver Role = "observer"
)

// Status is the liveness classification Heartbeat assigns a peer.
type Status string

const (
	StatusOnline  Status = "online"
	StatusStale   Status = "stale"
	StatusOffline Status = "offline"
)

const (
	// clampPast and clampFuture bound untrusted lastSeen values to defeat
	// clock-skew attacks (spec §3, §4.2).
	clampPast   = -1 * time.Hour
	clampFuture = 5 * time.Minute
)

// PeerInfo is this node's knowledge of one remote peer.
type PeerInfo struct {
	NodeID       string
	Username     string
	PublicKey    []byte
	ReachableVia []string
	LastSeen     int64 // unix ms, clamped
	Roles        map[Role]struct{}
}

// HasRole reports whether the peer currently carries role r.
func (p *PeerInfo) HasRole(r Role) bool {
	_, ok := p.Roles[r]
	return ok
}

func cloneRoles(in map[Role]struct{}) map[Role]struct{} {
	out := make(map[Role]struct{}, len(in))
	for r := range in {
		out[r] = struct{}{}
	}
	return out
}

// Clone returns a defensive copy safe to hand to a caller outside the lock.
func (p *PeerInfo) Clone() *PeerInfo {
	via := make([]string, len(p.ReachableVia))
	copy(via, p.ReachableVia)
	cp := *p
	cp.ReachableVia = via
	cp.Roles = cloneRoles(p.Roles)
	return &cp
}

// Topology is the in-memory nodeId -> PeerInfo map. Safe for concurrent use.
type Topology struct {
	mu    sync.RWMutex
	peers map[string]*PeerInfo
	now   func() time.Time
}

// New creates an empty topology. nowFn is injectable for deterministic
// tests; pass nil to use time.Now.
func New(nowFn func() time.Time) *Topology {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Topology{
		peers: make(map[string]*PeerInfo),
		now:   nowFn,
	}
}

// clampLastSeen restricts an untrusted lastSeen value to [now-1h, now+5min].
func (t *Topology) clampLastSeen(lastSeenMs int64) int64 {
	now := t.now()
	min := now.Add(clampPast).UnixMilli()
	max := now.Add(clampFuture).UnixMilli()
	if lastSeenMs < min {
		return min
	}
	if lastSeenMs > max {
		return max
	}
	return lastSeenMs
}

// Upsert inserts a new peer or updates an existing one (discovery, gossip,
// heartbeat, or presence update). lastSeenMs is clamped before storage.
func (t *Topology) Upsert(nodeID, username string, publicKey []byte, reachableVia []string, lastSeenMs int64) *PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	clamped := t.clampLastSeen(lastSeenMs)
	existing, ok := t.peers[nodeID]
	if !ok {
		p := &PeerInfo{
			NodeID:       nodeID,
			Username:     username,
			PublicKey:    publicKey,
			ReachableVia: reachableVia,
			LastSeen:     clamped,
			Roles:        map[Role]struct{}{RoleClient: {}},
		}
		t.peers[nodeID] = p
		return p.Clone()
	}

	if username != "" {
		existing.Username = username
	}
	if publicKey != nil {
		existing.PublicKey = publicKey
	}
	if reachableVia != nil {
		existing.ReachableVia = reachableVia
	}
	if clamped > existing.LastSeen {
		existing.LastSeen = clamped
	}
	return existing.Clone()
}

// TouchLastSeen refreshes lastSeen for nodeID on incoming traffic, without
// altering any other field. No-op if the peer is unknown.
func (t *Topology) TouchLastSeen(nodeID string, lastSeenMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[nodeID]
	if !ok {
		return
	}
	clamped := t.clampLastSeen(lastSeenMs)
	if clamped > p.LastSeen {
		p.LastSeen = clamped
	}
}

// SetRoles replaces a peer's role set (Role Manager's re-evaluation output).
func (t *Topology) SetRoles(nodeID string, roles map[Role]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[nodeID]; ok {
		p.Roles = cloneRoles(roles)
	}
}

// Get returns a defensive copy of a peer, or nil if unknown.
func (t *Topology) Get(nodeID string) *PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[nodeID]
	if !ok {
		return nil
	}
	return p.Clone()
}

// Remove deletes a peer. Only called on explicit presence:leave — heartbeat
// timeout must use Heartbeat's status classification instead (spec §3).
func (t *Topology) Remove(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, nodeID)
}

// All returns defensive copies of every known peer.
func (t *Topology) All() []*PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.Clone())
	}
	return out
}

// WithRole returns defensive copies of every peer currently carrying role r.
func (t *Topology) WithRole(r Role) []*PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PeerInfo, 0)
	for _, p := range t.peers {
		if p.HasRole(r) {
			out = append(out, p.Clone())
		}
	}
	return out
}

// Status classifies a peer's liveness from its lastSeen relative to now,
// per Heartbeat's stale/offline thresholds (spec §4.2: >10s stale, >30s
// offline). Unknown peers are reported offline.
func (t *Topology) Status(nodeID string, staleAfter, offlineAfter time.Duration) Status {
	p := t.Get(nodeID)
	if p == nil {
		return StatusOffline
	}
	age := t.now().Sub(time.UnixMilli(p.LastSeen))
	switch {
	case age > offlineAfter:
		return StatusOffline
	case age > staleAfter:
		return StatusStale
	default:
		return StatusOnline
	}
}

// Len returns the number of known peers.
func (t *Topology) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
