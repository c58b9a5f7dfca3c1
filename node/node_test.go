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

package node

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tom-mesh/tomnode/config"
	"github.com/tom-mesh/tomnode/node/envelope"
	"github.com/tom-mesh/tomnode/node/identity"
	"github.com/tom-mesh/tomnode/node/transport"
)

func newTestNode(t *testing.T, bus *transport.MemoryBus) *Node {
	t.Helper()
	id, err := identity.New()
	require.NoError(t, err)
	tr := bus.Register(id.NodeID())
	n, err := New(Config{Mesh: config.DefaultMeshConfig(), Identity: id, Transport: tr})
	require.NoError(t, err)
	return n
}

// TestOfflineBackupThenReconnectDelivers drives spec §8 S3: A sends a chat
// message to C while C is offline; the message is stored as a backup entry
// instead of failing outright, and delivered once A learns C is back
// online. It also exercises the Router.buildOutgoing/deliverLocally seal
// round trip end to end: the payload observed in transit must never equal
// the plaintext, and the final inner envelope recovered from the backup
// delivery must decrypt back to the original message.
func TestOfflineBackupThenReconnectDelivers(t *testing.T) {
	bus := transport.NewMemoryBus()
	a := newTestNode(t, bus)
	c := newTestNode(t, bus)

	var deliveries []*envelope.Envelope
	c.Router().OnType(envelope.TypeChat, func(e *envelope.Envelope) {
		deliveries = append(deliveries, e)
	})

	plaintext := []byte("hi there")
	longAgo := time.Now().UnixMilli() - 60_000 // older than the default 30s OfflineAfter
	a.Topology().Upsert(c.NodeID(), "", nil, nil, longAgo)

	msgID, err := a.Router().Send(context.Background(), c.NodeID(), envelope.TypeChat, plaintext, time.Now().UnixMilli())
	require.NoError(t, err)
	require.Empty(t, deliveries, "C must not receive anything while still marked offline")

	entry := a.backupStore.Get(msgID)
	require.NotNil(t, entry, "A must locally stash the envelope as a backup entry (spec §4.7)")
	assert.True(t, entry.Envelope.Encrypted)
	assert.NotEqual(t, plaintext, entry.Envelope.Payload, "stored backup copy must be ciphertext, never plaintext")
	assert.Equal(t, envelope.RouteBackup, entry.Envelope.RouteType)

	trkEntry := a.trk.Get(msgID)
	require.NotNil(t, trkEntry)
	assert.Equal(t, "delivered", trkEntry.Status.String())

	// C reconnects: A's topology learns about it, then the coordinator's
	// pending-delivery path runs.
	a.Topology().Upsert(c.NodeID(), "", nil, nil, time.Now().UnixMilli())
	a.OnPeerOnline(context.Background(), c.NodeID())

	require.Len(t, deliveries, 1, "C must receive exactly one copy once back online")
	outer := deliveries[0]

	var inner envelope.Envelope
	require.NoError(t, json.Unmarshal(outer.Payload, &inner))
	assert.Equal(t, msgID, inner.ID)
	assert.Equal(t, envelope.RouteBackup, inner.RouteType)
	assert.True(t, inner.Encrypted)
	assert.NotEqual(t, plaintext, inner.Payload, "payload recovered from the backup delivery must still be sealed, not plaintext")

	opened, err := c.id.Open(inner.Payload)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened, "the original chat message must round-trip through seal -> backup -> reconnect -> open")

	assert.Nil(t, a.backupStore.Get(msgID), "delivered backup entries are pruned")
}

// TestMarkAsReadSuppressesDuplicateReceipts drives spec §8 property 9:
// calling MarkAsRead on the same message repeatedly must dispatch at most
// one read receipt.
func TestMarkAsReadSuppressesDuplicateReceipts(t *testing.T) {
	bus := transport.NewMemoryBus()
	a := newTestNode(t, bus)
	c := newTestNode(t, bus)

	var receipts []*envelope.Envelope
	a.Router().OnType(envelope.TypeReadReceipt, func(e *envelope.Envelope) {
		receipts = append(receipts, e)
	})

	a.Topology().Upsert(c.NodeID(), "", nil, nil, time.Now().UnixMilli())
	c.Topology().Upsert(a.NodeID(), "", nil, nil, time.Now().UnixMilli())

	msgID, err := a.Router().Send(context.Background(), c.NodeID(), envelope.TypeChat, []byte("hi"), time.Now().UnixMilli())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c.Router().MarkAsRead(context.Background(), a.NodeID(), msgID, time.Now().UnixMilli())
	}

	require.Len(t, receipts, 1, "repeated MarkAsRead calls must dispatch at most one receipt")
	assert.Equal(t, msgID, mustReadReceiptOriginalID(t, receipts[0]))
}

func mustReadReceiptOriginalID(t *testing.T, e *envelope.Envelope) string {
	t.Helper()
	var payload envelope.ReadReceiptPayload
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	return payload.OriginalMessageID
}
