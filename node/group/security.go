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

package group

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tom-mesh/tomnode/internal/metrics"
	"github.com/tom-mesh/tomnode/node/identity"
)

// Security toggles the two orthogonal anti-abuse mechanisms a group may
// enable (off by default for backwards compatibility, spec §4.8).
type Security struct {
	RequireSignatures bool
	RequireNonces     bool
}

// canonicalSigningForm is the deterministic byte form signed over a group
// message when RequireSignatures is enabled: {type, groupId, messageId,
// senderId, text, sentAt, nonce} (spec §4.8).
func canonicalSigningForm(groupID string, msg MessagePayload) []byte {
	var buf bytes.Buffer
	writeField := func(b []byte) {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
		buf.Write(lenBuf[:])
		buf.Write(b)
	}
	writeField([]byte("group-message"))
	writeField([]byte(groupID))
	writeField([]byte(msg.MessageID))
	writeField([]byte(msg.SenderID))
	writeField([]byte(msg.Text))
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(msg.SentAt))
	writeField(tsBuf[:])
	writeField([]byte(msg.Nonce))
	return buf.Bytes()
}

// Sign signs msg's canonical form with id and returns the signature bytes
// to attach as MessagePayload.Signature.
func Sign(id *identity.Identity, groupID string, msg MessagePayload) []byte {
	return id.Sign(canonicalSigningForm(groupID, msg))
}

// VerifySignature checks msg.Signature against the claimed sender's public
// key over the canonical signing form.
func VerifySignature(groupID string, msg MessagePayload) bool {
	if msg.Signature == nil {
		return false
	}
	return identity.Verify(msg.SenderID, canonicalSigningForm(groupID, msg), msg.Signature)
}

// NonceTracker is the hub-side replay guard: a bounded, TTL-expiring set of
// (groupId, nonce) pairs (spec §4.8, §8 property 5; default capacity
// 10,000, TTL 5 minutes).
type NonceTracker struct {
	seen *expirable.LRU[string, struct{}]
}

// NewNonceTracker creates a tracker with the given capacity and TTL.
func NewNonceTracker(capacity int, ttl time.Duration) *NonceTracker {
	if capacity <= 0 {
		capacity = DefaultNonceCapacity
	}
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &NonceTracker{seen: expirable.NewLRU[string, struct{}](capacity, nil, ttl)}
}

func nonceKey(groupID, nonce string) string {
	return groupID + "\x00" + nonce
}

// CheckAndRecord reports whether (groupID, nonce) has been seen before. If
// not, it is recorded and false is returned (not a replay). If seen, true
// is returned without altering the tracker (spec §8 property 5: no prior
// (groupId, nonce) may be accepted twice).
func (n *NonceTracker) CheckAndRecord(groupID, nonce string) (replay bool) {
	key := nonceKey(groupID, nonce)
	if _, ok := n.seen.Get(key); ok {
		metrics.NonceValidations.WithLabelValues("invalid").Inc()
		metrics.ReplayAttacksDetected.Inc()
		return true
	}
	n.seen.Add(key, struct{}{})
	metrics.NonceValidations.WithLabelValues("valid").Inc()
	return false
}

// Len reports how many (groupId, nonce) pairs are currently tracked.
func (n *NonceTracker) Len() int {
	return n.seen.Len()
}
