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

import "context"

// Authoritative thresholds from spec §4.7: below ReplicationThreshold,
// trigger async replication to a better host; below DeletionThreshold, the
// current host self-deletes immediately rather than wait to die.
const (
	ReplicationThreshold = 0.30
	DeletionThreshold    = 0.10
)

// HostScorer supplies the current host's Factors for one stored message.
// The concrete factors (timezone, stability, bandwidth, contribution) are
// implementation-defined inputs (spec §9 open question); only the
// thresholds above are authoritative.
type HostScorer func(entry *Entry) Factors

// Replicate is called to proactively replicate a message to a healthier
// backup host. Implemented by Replicator.Replicate; kept as a narrow
// callback here so Viability does not hold a full Replicator handle.
type Replicate func(ctx context.Context, entry *Entry)

// Viability continuously re-scores every stored entry against the current
// host and acts on the two thresholds.
type Viability struct {
	store     *Store
	score     HostScorer
	replicate Replicate
}

// NewViability creates an evaluator bound to store, using score to measure
// each entry against the current host and replicate to hand a copy to a
// better-scoring one.
func NewViability(store *Store, score HostScorer, replicate Replicate) *Viability {
	return &Viability{store: store, score: score, replicate: replicate}
}

// Reevaluate scores every stored entry once. A message crossing below
// ReplicationThreshold triggers an async (non-blocking) replicate call; one
// crossing below DeletionThreshold self-deletes from this host immediately,
// trusting replicas elsewhere to carry it forward (spec §4.7 "virus
// survival" rationale). Returns the ids deleted this pass.
func (v *Viability) Reevaluate(ctx context.Context) []string {
	var deleted []string
	for _, entry := range v.store.All() {
		factors := v.score(entry)
		v.store.UpdateViability(entry.Envelope.ID, factors)
		s := factors.Score()

		if s < DeletionThreshold {
			v.store.Delete(entry.Envelope.ID)
			deleted = append(deleted, entry.Envelope.ID)
			continue
		}
		if s < ReplicationThreshold && v.replicate != nil {
			go v.replicate(ctx, entry)
		}
	}
	return deleted
}
