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

// Package tracker holds the sender-side per-message lifecycle state
// machine: pending -> sent -> relayed -> delivered -> read, strictly
// monotonic, backed by a bounded LRU so long-running nodes never grow
// this map without bound.
package tracker

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Status is a point in the message lifecycle. Later constants are "greater"
// in the monotonic ordering the tracker enforces.
type Status int

const (
	Pending Status = iota
	Sent
	Relayed
	Delivered
	Read
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Relayed:
		return "relayed"
	case Delivered:
		return "delivered"
	case Read:
		return "read"
	default:
		return "unknown"
	}
}

// Entry is one message's tracked state.
type Entry struct {
	MessageID string
	Status    Status
	UpdatedAt time.Time
	// history holds the timestamp each status was first reached, so
	// hasReachedStatus can answer without losing earlier transitions.
	history map[Status]time.Time
}

// ReachedAt returns when the message first reached status s, if ever.
func (e *Entry) ReachedAt(s Status) (time.Time, bool) {
	t, ok := e.history[s]
	return t, ok
}

const defaultCapacity = 10_000

// Tracker is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Entry]
	now   func() time.Time
}

// New creates a Tracker with the given bounded capacity (spec default
// 10,000 tracked messages). nowFn is injectable for deterministic tests.
func New(capacity int, nowFn func() time.Time) *Tracker {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	cache, err := lru.New[string, *Entry](capacity)
	if err != nil {
		// Only invalid (non-positive) sizes return an error, and capacity
		// is normalized above, so this path is unreachable in practice.
		panic(err)
	}
	return &Tracker{cache: cache, now: nowFn}
}

// Record creates a tracked entry in Pending status if one does not already
// exist, otherwise returns the existing entry unchanged.
func (t *Tracker) Record(messageID string) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.cache.Get(messageID); ok {
		return existing
	}
	now := t.now()
	entry := &Entry{
		MessageID: messageID,
		Status:    Pending,
		UpdatedAt: now,
		history:   map[Status]time.Time{Pending: now},
	}
	t.cache.Add(messageID, entry)
	return entry
}

// Advance attempts to move messageID to newStatus. Strictly monotonic: a
// transition to a status that is not strictly greater than the current one
// is discarded (spec §4.6, §8 property 2). Returns true if the transition
// was applied.
func (t *Tracker) Advance(messageID string, newStatus Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.cache.Get(messageID)
	if !ok {
		now := t.now()
		entry = &Entry{MessageID: messageID, Status: Pending, UpdatedAt: now, history: map[Status]time.Time{Pending: now}}
		t.cache.Add(messageID, entry)
	}
	if newStatus <= entry.Status {
		return false
	}
	entry.Status = newStatus
	entry.UpdatedAt = t.now()
	if _, seen := entry.history[newStatus]; !seen {
		entry.history[newStatus] = entry.UpdatedAt
	}
	return true
}

// Get returns the tracked entry, or nil if unknown/evicted.
func (t *Tracker) Get(messageID string) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.cache.Get(messageID)
	if !ok {
		return nil
	}
	return entry
}

// HasReachedStatus reports whether messageID has ever reached at least
// status s. Lets callers (e.g. read-receipt senders) deduplicate repeated
// sends (spec §4.6, §8 property 9).
func (t *Tracker) HasReachedStatus(messageID string, s Status) bool {
	entry := t.Get(messageID)
	if entry == nil {
		return false
	}
	return entry.Status >= s
}

// CleanupOldMessages evicts tracked entries whose last update is older than
// maxAge. Intended to run periodically alongside the LRU's natural
// size-based eviction (spec §4.6).
func (t *Tracker) CleanupOldMessages(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for _, key := range t.cache.Keys() {
		entry, ok := t.cache.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(entry.UpdatedAt) > maxAge {
			t.cache.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of currently tracked messages.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}
