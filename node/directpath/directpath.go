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

// Package directpath opportunistically upgrades relayed two-party
// conversations to a direct transport channel, and degrades transparently
// back to relay on failure, retrying with capped exponential backoff.
package directpath

import (
	"sync"
	"time"

	"github.com/tom-mesh/tomnode/internal/metrics"
)

// availability is a peer's current direct-channel state.
type availability int

const (
	relayOnly availability = iota
	directAvailable
)

// Connector abstracts the signaling-backed direct connection attempt.
// Implementations live alongside Transport.
type Connector interface {
	EstablishDirect(peerID string) error
}

// Listener receives direct-path lifecycle events (spec §4.4).
type Listener interface {
	OnDirectPathLost(peerID string)
	OnDirectPathRestored(peerID string)
}

type peerState struct {
	state       availability
	attempt     int
	lastAttempt time.Time
}

const maxBackoff = 4 * time.Second

// Manager tracks per-peer direct-channel state and retry timing. The
// caller (Router) consults IsDirectAvailable fresh on every send — the
// manager never queues application messages itself.
type Manager struct {
	connector Connector
	listener  Listener
	now       func() time.Time

	mu    sync.Mutex
	peers map[string]*peerState
}

// New creates a Manager. nowFn is injectable for deterministic tests.
func New(connector Connector, listener Listener, nowFn func() time.Time) *Manager {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{
		connector: connector,
		listener:  listener,
		now:       nowFn,
		peers:     make(map[string]*peerState),
	}
}

// IsDirectAvailable reports whether peerID currently has an established
// direct channel this manager considers usable.
func (m *Manager) IsDirectAvailable(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.peers[peerID]
	return ok && s.state == directAvailable
}

// AttemptUpgrade is called after the first successful relayed exchange
// with peerID. On success the peer is marked direct-available.
func (m *Manager) AttemptUpgrade(peerID string) {
	start := time.Now()
	metrics.HandshakesInitiated.WithLabelValues("client").Inc()
	if err := m.connector.EstablishDirect(peerID); err != nil {
		m.mu.Lock()
		m.peers[peerID] = &peerState{state: relayOnly, attempt: 0, lastAttempt: m.now()}
		m.mu.Unlock()
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		metrics.HandshakeDuration.WithLabelValues("init").Observe(time.Since(start).Seconds())
		return
	}
	m.mu.Lock()
	m.peers[peerID] = &peerState{state: directAvailable}
	m.mu.Unlock()
	metrics.HandshakesCompleted.WithLabelValues("success").Inc()
	metrics.HandshakeDuration.WithLabelValues("finalize").Observe(time.Since(start).Seconds())
	metrics.SessionsCreated.WithLabelValues("success").Inc()
	metrics.SessionsActive.Inc()
}

// OnTransportDisconnect marks peerID relay-only and resets its backoff
// state (attempt 0, last attempt now). It does not schedule a retry
// itself: ShouldRetryNow gates re-attempts on the capped exponential
// backoff (1s, 2s, 4s...), per spec §4.4, so a peer that just failed is
// never re-attempted immediately.
func (m *Manager) OnTransportDisconnect(peerID string) {
	m.mu.Lock()
	wasDirect := false
	if s, ok := m.peers[peerID]; ok {
		wasDirect = s.state == directAvailable
	}
	m.peers[peerID] = &peerState{state: relayOnly, attempt: 0, lastAttempt: m.now()}
	m.mu.Unlock()

	if wasDirect {
		metrics.SessionsActive.Dec()
		metrics.SessionsClosed.Inc()
		m.listener.OnDirectPathLost(peerID)
	}
}

// ShouldRetryNow reports whether enough backoff time has elapsed to attempt
// another upgrade for peerID. Call before RetryUpgrade.
func (m *Manager) ShouldRetryNow(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.peers[peerID]
	if !ok || s.state == directAvailable {
		return false
	}
	backoff := backoffFor(s.attempt)
	return m.now().Sub(s.lastAttempt) >= backoff
}

// RetryUpgrade attempts another direct connection for a relay-only peer
// whose backoff has elapsed. On success emits OnDirectPathRestored.
func (m *Manager) RetryUpgrade(peerID string) {
	m.mu.Lock()
	s, ok := m.peers[peerID]
	if !ok {
		s = &peerState{}
		m.peers[peerID] = s
	}
	s.lastAttempt = m.now()
	s.attempt++
	m.mu.Unlock()

	start := time.Now()
	metrics.HandshakesInitiated.WithLabelValues("client").Inc()
	if err := m.connector.EstablishDirect(peerID); err != nil {
		metrics.HandshakesFailed.WithLabelValues("network").Inc()
		metrics.HandshakeDuration.WithLabelValues("init").Observe(time.Since(start).Seconds())
		return
	}
	metrics.HandshakesCompleted.WithLabelValues("success").Inc()
	metrics.HandshakeDuration.WithLabelValues("finalize").Observe(time.Since(start).Seconds())

	m.mu.Lock()
	m.peers[peerID] = &peerState{state: directAvailable}
	m.mu.Unlock()
	metrics.SessionsCreated.WithLabelValues("success").Inc()
	metrics.SessionsActive.Inc()
	m.listener.OnDirectPathRestored(peerID)
}

func backoffFor(attempt int) time.Duration {
	backoff := time.Second
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff
		}
	}
	return backoff
}
