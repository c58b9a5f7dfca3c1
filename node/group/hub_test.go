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
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tom-mesh/tomnode/node/envelope"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []struct {
		to  string
		typ envelope.Type
	}
}

func (s *recordingSender) Send(ctx context.Context, to string, typ envelope.Type, payload []byte, nowMs int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, struct {
		to  string
		typ envelope.Type
	}{to, typ})
	return "id", nil
}

func (s *recordingSender) countTo(to string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.sent {
		if e.to == to {
			n++
		}
	}
	return n
}

func newTestHub(sender Sender) *Hub {
	cfg := DefaultConfig()
	return NewHub("hub1", cfg, sender, func() int64 { return 1000 }, nil)
}

func TestCreateGroupInvitesMembersNotBroadcast(t *testing.T) {
	sender := &recordingSender{}
	h := newTestHub(sender)

	info, err := h.CreateGroup(context.Background(), "alice", "Alice", CreatePayload{
		GroupID:        "g1",
		Name:           "friends",
		InitialMembers: []Member{{NodeID: "bob", Role: RoleMember}, {NodeID: "carol", Role: RoleMember}},
	})
	require.NoError(t, err)
	assert.Len(t, info.Members, 3)
	assert.Equal(t, RoleAdmin, info.Members[0].Role)

	assert.Equal(t, 1, sender.countTo("alice"))
	assert.Equal(t, 1, sender.countTo("bob"))
	assert.Equal(t, 1, sender.countTo("carol"))
}

func TestHandleJoinRejectsImpersonation(t *testing.T) {
	sender := &recordingSender{}
	h := newTestHub(sender)
	_, err := h.CreateGroup(context.Background(), "alice", "Alice", CreatePayload{GroupID: "g1", Name: "n"})
	require.NoError(t, err)

	err = h.HandleJoin(context.Background(), "bob", JoinPayload{GroupID: "g1", NodeID: "mallory"})
	var hubErr *HubError
	require.ErrorAs(t, err, &hubErr)
	assert.Equal(t, ErrImpersonation, hubErr.Code)
}

func TestHandleJoinEnforcesCapacity(t *testing.T) {
	sender := &recordingSender{}
	h := newTestHub(sender)
	_, err := h.CreateGroup(context.Background(), "alice", "Alice", CreatePayload{GroupID: "g1", Name: "n", MaxMembers: 1})
	require.NoError(t, err)

	err = h.HandleJoin(context.Background(), "bob", JoinPayload{GroupID: "g1", NodeID: "bob"})
	var hubErr *HubError
	require.ErrorAs(t, err, &hubErr)
	assert.Equal(t, ErrCapacityExceeded, hubErr.Code)
}

func TestHandleJoinSyncsAndBroadcasts(t *testing.T) {
	sender := &recordingSender{}
	h := newTestHub(sender)
	_, err := h.CreateGroup(context.Background(), "alice", "Alice", CreatePayload{GroupID: "g1", Name: "n"})
	require.NoError(t, err)
	sender.sent = nil // drop the group-created sent to alice by CreateGroup

	err = h.HandleJoin(context.Background(), "bob", JoinPayload{GroupID: "g1", NodeID: "bob", Username: "Bob"})
	require.NoError(t, err)

	assert.Equal(t, 1, sender.countTo("bob")) // group-sync
	assert.Equal(t, 1, sender.countTo("alice")) // group-member-joined
	info := h.Group("g1")
	assert.True(t, info.HasMember("bob"))
}

func TestHandleLeaveRejectsNonAdminKick(t *testing.T) {
	sender := &recordingSender{}
	h := newTestHub(sender)
	_, err := h.CreateGroup(context.Background(), "alice", "Alice", CreatePayload{
		GroupID: "g1", Name: "n", InitialMembers: []Member{{NodeID: "bob"}, {NodeID: "carol"}},
	})
	require.NoError(t, err)

	err = h.HandleLeave(context.Background(), "bob", LeavePayload{GroupID: "g1", NodeID: "carol", Kick: true})
	var hubErr *HubError
	require.ErrorAs(t, err, &hubErr)
	assert.Equal(t, ErrNonAdminKick, hubErr.Code)
}

func TestHandleLeaveAdminCanKick(t *testing.T) {
	sender := &recordingSender{}
	h := newTestHub(sender)
	_, err := h.CreateGroup(context.Background(), "alice", "Alice", CreatePayload{
		GroupID: "g1", Name: "n", InitialMembers: []Member{{NodeID: "bob"}},
	})
	require.NoError(t, err)

	err = h.HandleLeave(context.Background(), "alice", LeavePayload{GroupID: "g1", NodeID: "bob", Kick: true})
	require.NoError(t, err)
	assert.False(t, h.Group("g1").HasMember("bob"))
}

func TestHandleLeaveDeletesEmptyGroup(t *testing.T) {
	sender := &recordingSender{}
	h := newTestHub(sender)
	_, err := h.CreateGroup(context.Background(), "alice", "Alice", CreatePayload{GroupID: "g1", Name: "n"})
	require.NoError(t, err)

	err = h.HandleLeave(context.Background(), "alice", LeavePayload{GroupID: "g1", NodeID: "alice"})
	require.NoError(t, err)
	assert.Nil(t, h.Group("g1"))
}

func TestHandleMessageRejectsNonMember(t *testing.T) {
	sender := &recordingSender{}
	h := newTestHub(sender)
	_, err := h.CreateGroup(context.Background(), "alice", "Alice", CreatePayload{GroupID: "g1", Name: "n"})
	require.NoError(t, err)

	_, err = h.HandleMessage(context.Background(), "mallory", MessagePayload{GroupID: "g1", MessageID: "m1", SenderID: "mallory"})
	var hubErr *HubError
	require.ErrorAs(t, err, &hubErr)
	assert.Equal(t, ErrNotMember, hubErr.Code)
}

func TestHandleMessageFansOutExcludingSender(t *testing.T) {
	sender := &recordingSender{}
	h := newTestHub(sender)
	_, err := h.CreateGroup(context.Background(), "alice", "Alice", CreatePayload{
		GroupID: "g1", Name: "n", InitialMembers: []Member{{NodeID: "bob"}, {NodeID: "carol"}},
	})
	require.NoError(t, err)
	sender.sent = nil // drop the group-created and invites sent by CreateGroup

	_, err = h.HandleMessage(context.Background(), "alice", MessagePayload{GroupID: "g1", MessageID: "m1", SenderID: "alice", Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, 1, sender.countTo("bob"))
	assert.Equal(t, 1, sender.countTo("carol"))
	assert.Equal(t, 0, sender.countTo("alice"))
}

func TestHandleMessageEnforcesRateLimit(t *testing.T) {
	sender := &recordingSender{}
	cfg := DefaultConfig()
	cfg.RateLimitPerSecond = 1
	h := NewHub("hub1", cfg, sender, func() int64 { return 1000 }, nil)
	_, err := h.CreateGroup(context.Background(), "alice", "Alice", CreatePayload{GroupID: "g1", Name: "n"})
	require.NoError(t, err)

	_, err = h.HandleMessage(context.Background(), "alice", MessagePayload{GroupID: "g1", MessageID: "m1", SenderID: "alice"})
	require.NoError(t, err)
	_, err = h.HandleMessage(context.Background(), "alice", MessagePayload{GroupID: "g1", MessageID: "m2", SenderID: "alice"})
	var hubErr *HubError
	require.ErrorAs(t, err, &hubErr)
	assert.Equal(t, ErrRateLimited, hubErr.Code)
}

func TestHandleMessageDetectsReplayWhenNoncesRequired(t *testing.T) {
	sender := &recordingSender{}
	cfg := DefaultConfig()
	cfg.Security.RequireNonces = true
	h := NewHub("hub1", cfg, sender, func() int64 { return 1000 }, nil)
	_, err := h.CreateGroup(context.Background(), "alice", "Alice", CreatePayload{GroupID: "g1", Name: "n"})
	require.NoError(t, err)

	payload := MessagePayload{GroupID: "g1", MessageID: "m1", SenderID: "alice", Nonce: "n1"}
	_, err = h.HandleMessage(context.Background(), "alice", payload)
	require.NoError(t, err)

	payload.MessageID = "m2"
	_, err = h.HandleMessage(context.Background(), "alice", payload)
	var hubErr *HubError
	require.ErrorAs(t, err, &hubErr)
	assert.Equal(t, ErrReplayDetected, hubErr.Code)
}

func TestHandleMessageRejectsInvalidSignatureWhenRequired(t *testing.T) {
	sender := &recordingSender{}
	cfg := DefaultConfig()
	cfg.Security.RequireSignatures = true
	h := NewHub("hub1", cfg, sender, func() int64 { return 1000 }, nil)
	_, err := h.CreateGroup(context.Background(), "alice", "Alice", CreatePayload{GroupID: "g1", Name: "n"})
	require.NoError(t, err)

	_, err = h.HandleMessage(context.Background(), "alice", MessagePayload{GroupID: "g1", MessageID: "m1", SenderID: "alice", Text: "hi"})
	var hubErr *HubError
	require.ErrorAs(t, err, &hubErr)
	assert.Equal(t, ErrInvalidSignature, hubErr.Code)
}

func TestHistoryIsBoundedPerGroup(t *testing.T) {
	sender := &recordingSender{}
	cfg := DefaultConfig()
	cfg.RateLimitPerSecond = 1_000_000
	cfg.HistoryPerGroup = 2
	h := NewHub("hub1", cfg, sender, func() int64 { return 1000 }, nil)
	_, err := h.CreateGroup(context.Background(), "alice", "Alice", CreatePayload{GroupID: "g1", Name: "n"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = h.HandleMessage(context.Background(), "alice", MessagePayload{GroupID: "g1", MessageID: string(rune('a' + i)), SenderID: "alice"})
		require.NoError(t, err)
	}
	h.mu.Lock()
	hist := h.history["g1"]
	h.mu.Unlock()
	assert.Len(t, hist, 2)
}

func TestDeliveryAckClearsPending(t *testing.T) {
	sender := &recordingSender{}
	h := newTestHub(sender)
	_, err := h.CreateGroup(context.Background(), "alice", "Alice", CreatePayload{
		GroupID: "g1", Name: "n", InitialMembers: []Member{{NodeID: "bob"}},
	})
	require.NoError(t, err)
	_, err = h.HandleMessage(context.Background(), "alice", MessagePayload{GroupID: "g1", MessageID: "m1", SenderID: "alice"})
	require.NoError(t, err)

	h.mu.Lock()
	before := len(h.pending["g1"]["m1"])
	h.mu.Unlock()
	assert.Equal(t, 1, before)

	h.HandleDeliveryAck(DeliveryAckPayload{GroupID: "g1", MessageID: "m1", MemberID: "bob"})

	h.mu.Lock()
	_, stillPending := h.pending["g1"]["m1"]
	h.mu.Unlock()
	assert.False(t, stillPending)
}

func TestMigrationExportImportRoundTrip(t *testing.T) {
	sender := &recordingSender{}
	h := newTestHub(sender)
	_, err := h.CreateGroup(context.Background(), "alice", "Alice", CreatePayload{
		GroupID: "g1", Name: "n", InitialMembers: []Member{{NodeID: "bob"}},
	})
	require.NoError(t, err)
	_, err = h.HandleMessage(context.Background(), "alice", MessagePayload{GroupID: "g1", MessageID: "m1", SenderID: "alice", SentAt: 1})
	require.NoError(t, err)

	state, err := h.ExportMigration("g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", state.Info.GroupID)
	assert.Len(t, state.History, 1)

	newHub := NewHub("hub2", DefaultConfig(), sender, func() int64 { return 2000 }, nil)
	newHub.ImportMigration(state)

	imported := newHub.Group("g1")
	require.NotNil(t, imported)
	assert.Equal(t, "hub2", imported.HubRelayID)
}
