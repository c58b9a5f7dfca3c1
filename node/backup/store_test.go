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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tom-mesh/tomnode/node/envelope"
)

func newTestEnvelope(id string) *envelope.Envelope {
	return &envelope.Envelope{ID: id, From: "a", To: "b", Type: envelope.TypeChat, Payload: []byte("hi")}
}

func TestStoreForRecipientAndGet(t *testing.T) {
	now := time.Unix(0, 0)
	s := New(24*time.Hour, func() time.Time { return now }, nil)

	e := newTestEnvelope("m1")
	s.StoreForRecipient("bob", e, Factors{})

	entries := s.GetForRecipient("bob")
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Envelope.ID)
	assert.Equal(t, 1, s.Len())
}

func TestDeleteRemovesEntry(t *testing.T) {
	s := New(24*time.Hour, nil, nil)
	s.StoreForRecipient("bob", newTestEnvelope("m1"), Factors{})
	s.Delete("m1")
	assert.Nil(t, s.Get("m1"))
	assert.Equal(t, 0, s.Len())
}

func TestCleanupPurgesPastTTL(t *testing.T) {
	now := time.Unix(0, 0)
	s := New(24*time.Hour, func() time.Time { return now }, nil)
	s.StoreForRecipient("bob", newTestEnvelope("m1"), Factors{})

	// still within the 24h window, one second shy
	now = now.Add(24*time.Hour - time.Second)
	expired := s.Cleanup()
	assert.Empty(t, expired)
	assert.NotNil(t, s.Get("m1"))

	// one cleanup pass after the ceiling
	now = now.Add(2 * time.Second)
	expired = s.Cleanup()
	assert.Equal(t, []string{"m1"}, expired)
	assert.Nil(t, s.Get("m1"))
}

func TestAddReplicaTracksHosts(t *testing.T) {
	s := New(24*time.Hour, nil, nil)
	s.StoreForRecipient("bob", newTestEnvelope("m1"), Factors{})
	s.AddReplica("m1", "hostX")
	s.AddReplica("m1", "hostY")

	entry := s.Get("m1")
	require.NotNil(t, entry)
	assert.Len(t, entry.Replicas, 2)
}
