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

// Package heartbeat sends periodic liveness beacons to directly connected
// peers. Topology's lastSeen is refreshed on receipt of traffic by the
// Router's receive path, not by this package.
package heartbeat

import (
	"context"
	"sync"
	"time"
)

// Sender abstracts the minimal capability Heartbeat needs from Router:
// broadcasting a heartbeat envelope to every directly connected peer.
type Sender interface {
	BroadcastHeartbeat(peerIDs []string)
}

// PeerLister supplies the current set of directly connected peer ids.
type PeerLister interface {
	ConnectedPeerIDs() []string
}

// Heartbeat drives the periodic beacon timer. It owns no peer state itself
// — lastSeen lives in Topology, refreshed by the Router's receive path.
type Heartbeat struct {
	interval time.Duration
	sender   Sender
	peers    PeerLister

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Heartbeat with the given beacon interval (spec default 5s).
func New(interval time.Duration, sender Sender, peers PeerLister) *Heartbeat {
	return &Heartbeat{interval: interval, sender: sender, peers: peers}
}

// Start launches the periodic beacon loop. Safe to call once; a second call
// is a no-op until Stop.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.mu.Unlock()

	go h.loop(runCtx)
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sender.BroadcastHeartbeat(h.peers.ConnectedPeerIDs())
		}
	}
}

// Stop cancels the beacon timer synchronously and waits for the loop to
// exit, so no beacon fires after shutdown (spec §5).
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	done := h.done
	h.cancel = nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
