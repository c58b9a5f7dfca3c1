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

// Package backup implements the "virus survival" offline message store: a
// memory-only host for messages addressed to an unreachable recipient,
// scored for host-survival viability, proactively replicated to healthier
// hosts, and purged on received-confirmation or 24h TTL (spec §4.7, ADR-009).
package backup

import (
	"time"

	"github.com/tom-mesh/tomnode/node/envelope"
)

// DefaultTTL bounds how long any backup entry may survive without a
// received confirmation (spec §3, §5).
const DefaultTTL = 24 * time.Hour

// Factors are the four inputs to a stored message's viability score, each
// normalized to [0,1] and describing the *current host* (spec §4.7,
// SPEC_FULL.md §"Viability score formula"): how well the host's waking
// hours line up with the recipient's, how stable its connection has been,
// how much bandwidth it can spare, and its historical contribution to the
// mesh's backup pool.
type Factors struct {
	TimezoneAlignment float64
	HostStability     float64
	Bandwidth         float64
	Contribution      float64
}

// Score combines Factors into a single [0,1] viability figure using the
// weighted mean documented in SPEC_FULL.md: 0.25 timezone + 0.35 stability
// + 0.25 bandwidth + 0.15 contribution. Stability carries the heaviest
// weight because a host that vanishes mid-window loses the message outright
// regardless of the other three factors.
func (f Factors) Score() float64 {
	s := 0.25*clamp01(f.TimezoneAlignment) +
		0.35*clamp01(f.HostStability) +
		0.25*clamp01(f.Bandwidth) +
		0.15*clamp01(f.Contribution)
	return clamp01(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Entry is one stored message held on behalf of an offline recipient.
type Entry struct {
	Envelope    *envelope.Envelope
	RecipientID string
	StoredAt    time.Time
	TTLDeadline time.Time
	Viability   Factors
	Replicas    map[string]struct{}
}

// NewEntry constructs an Entry with TTLDeadline = storedAt + ttl.
func NewEntry(e *envelope.Envelope, recipientID string, storedAt time.Time, ttl time.Duration) *Entry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Entry{
		Envelope:    e,
		RecipientID: recipientID,
		StoredAt:    storedAt,
		TTLDeadline: storedAt.Add(ttl),
		Replicas:    make(map[string]struct{}),
	}
}

// Expired reports whether the entry has outlived its TTL as of now.
func (en *Entry) Expired(now time.Time) bool {
	return now.After(en.TTLDeadline)
}

// ReplicatePayload is the body of a backup-replicate envelope: the original
// envelope, value-copied, wrapped for the new host.
type ReplicatePayload struct {
	RecipientID string             `json:"recipientId"`
	Envelope    *envelope.Envelope `json:"envelope"`
}

// QueryPayload is the body of a backup-query envelope, sent to known
// backup nodes when a previously-offline peer comes back online.
type QueryPayload struct {
	Recipient string `json:"recipient"`
}

// ResponsePayload is the body of a backup-response envelope: one stored
// envelope a backup node is returning for the queried recipient.
type ResponsePayload struct {
	Recipient string             `json:"recipient"`
	Envelope  *envelope.Envelope `json:"envelope"`
}

// ReceivedConfirmationPayload is broadcast to known backups once a pending
// envelope has actually been delivered, so every replica purges itself.
type ReceivedConfirmationPayload struct {
	MessageID string `json:"messageId"`
}
