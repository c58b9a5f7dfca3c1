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

// Package offline debounces a peer's transition to the offline state so a
// brief connectivity glitch does not thrash backup activation.
package offline

import (
	"sync"
	"time"
)

// OnPeerOffline is invoked once debounceMs after a peer is last observed
// unreachable, provided it hasn't recovered in the meantime.
type OnPeerOffline func(nodeID string)

// Detector owns one pending-transition timer per suspected-offline peer.
type Detector struct {
	debounce time.Duration
	onOffline OnPeerOffline

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// New creates a Detector with the given debounce delay (spec default 2s).
func New(debounce time.Duration, onOffline OnPeerOffline) *Detector {
	return &Detector{
		debounce:  debounce,
		onOffline: onOffline,
		pending:   make(map[string]*time.Timer),
	}
}

// MarkSuspect starts (or restarts) the debounce timer for nodeID. Call this
// whenever Heartbeat/Topology observes the peer crossing into offline
// classification.
func (d *Detector) MarkSuspect(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if existing, ok := d.pending[nodeID]; ok {
		existing.Stop()
	}
	d.pending[nodeID] = time.AfterFunc(d.debounce, func() {
		d.fire(nodeID)
	})
}

func (d *Detector) fire(nodeID string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, nodeID)
	d.mu.Unlock()

	d.onOffline(nodeID)
}

// MarkRecovered cancels any pending offline transition for nodeID — the
// peer was observed online again before the debounce window elapsed.
func (d *Detector) MarkRecovered(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timer, ok := d.pending[nodeID]; ok {
		timer.Stop()
		delete(d.pending, nodeID)
	}
}

// Destroy clears every pending transition timer synchronously, so no
// callback fires after shutdown (spec §4.5, §5).
func (d *Detector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, timer := range d.pending {
		timer.Stop()
	}
	d.pending = make(map[string]*time.Timer)
}

// PendingCount reports how many peers currently have a running debounce
// timer. Test/observability helper.
func (d *Detector) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
