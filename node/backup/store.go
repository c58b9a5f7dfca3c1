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

package backup

import (
	"sort"
	"sync"
	"time"

	"github.com/tom-mesh/tomnode/internal/logger"
	"github.com/tom-mesh/tomnode/internal/metrics"
	"github.com/tom-mesh/tomnode/node/envelope"
)

// Store is the memory-only (never-touches-disk) host for messages addressed
// to an offline recipient. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	byID    map[string]*Entry
	ttl     time.Duration
	now     func() time.Time
	log     logger.Logger
}

// New creates an empty Store with the given TTL (spec default 24h). nowFn
// is injectable for deterministic tests.
func New(ttl time.Duration, nowFn func() time.Time, log logger.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &Store{
		byID: make(map[string]*Entry),
		ttl:  ttl,
		now:  nowFn,
		log:  logger.NewRedactingLogger(log),
	}
}

// StoreForRecipient creates a BackupEntry for e addressed to recipientID.
// Returns the stored entry so callers (Coordinator, Replicator) can act on
// it further.
func (s *Store) StoreForRecipient(recipientID string, e *envelope.Envelope, factors Factors) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := NewEntry(e, recipientID, s.now(), s.ttl)
	entry.Viability = factors
	s.byID[e.ID] = entry
	metrics.BackupStoreSize.Set(float64(len(s.byID)))
	return entry
}

// GetForRecipient returns every stored entry for recipientID, oldest first.
func (s *Store) GetForRecipient(recipientID string) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Entry
	for _, e := range s.byID {
		if e.RecipientID == recipientID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoredAt.Before(out[j].StoredAt) })
	return out
}

// Get returns a stored entry by message id, or nil if absent.
func (s *Store) Get(messageID string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[messageID]
}

// Delete removes a stored entry, e.g. on received-confirmation or
// self-deletion at critical-low viability.
func (s *Store) Delete(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, messageID)
	metrics.BackupStoreSize.Set(float64(len(s.byID)))
}

// AddReplica records that targetID now holds a copy of messageID.
func (s *Store) AddReplica(messageID, targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[messageID]; ok {
		e.Replicas[targetID] = struct{}{}
	}
}

// UpdateViability overwrites the stored viability factors for messageID.
func (s *Store) UpdateViability(messageID string, factors Factors) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[messageID]; ok {
		e.Viability = factors
	}
}

// All returns every currently stored entry. Used by the cleanup pass and by
// MessageViability's continuous re-evaluation.
func (s *Store) All() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e)
	}
	return out
}

// Len returns the number of currently stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Cleanup purges every entry past its TTL deadline and logs (id only,
// never content) a message-expired event per entry (spec §4.7, §8
// property 3).
func (s *Store) Cleanup() []string {
	s.mu.Lock()
	now := s.now()
	var expired []string
	for id, e := range s.byID {
		if e.Expired(now) {
			expired = append(expired, id)
			delete(s.byID, id)
		}
	}
	metrics.BackupStoreSize.Set(float64(len(s.byID)))
	s.mu.Unlock()

	for _, id := range expired {
		s.log.Info("backup entry expired", logger.String("messageId", id))
	}
	return expired
}
