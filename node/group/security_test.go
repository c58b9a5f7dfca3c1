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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tom-mesh/tomnode/node/identity"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	id, err := identity.New()
	require.NoError(t, err)

	msg := MessagePayload{GroupID: "g1", MessageID: "m1", SenderID: id.NodeID(), Text: "hi", SentAt: 1000, Nonce: "n1"}
	msg.Signature = Sign(id, "g1", msg)

	assert.True(t, VerifySignature("g1", msg))
}

func TestVerifySignatureRejectsTamperedText(t *testing.T) {
	id, err := identity.New()
	require.NoError(t, err)

	msg := MessagePayload{GroupID: "g1", MessageID: "m1", SenderID: id.NodeID(), Text: "hi", SentAt: 1000, Nonce: "n1"}
	msg.Signature = Sign(id, "g1", msg)

	msg.Text = "tampered"
	assert.False(t, VerifySignature("g1", msg))
}

func TestVerifySignatureRejectsMissingSignature(t *testing.T) {
	msg := MessagePayload{GroupID: "g1", MessageID: "m1", SenderID: "someone", Text: "hi"}
	assert.False(t, VerifySignature("g1", msg))
}

func TestNonceTrackerDetectsReplay(t *testing.T) {
	nt := NewNonceTracker(10, time.Minute)
	assert.False(t, nt.CheckAndRecord("g1", "n1"), "first use must not be a replay")
	assert.True(t, nt.CheckAndRecord("g1", "n1"), "second use of the same nonce must be a replay")
	assert.Equal(t, 1, nt.Len())
}

func TestNonceTrackerIsolatesGroups(t *testing.T) {
	nt := NewNonceTracker(10, time.Minute)
	assert.False(t, nt.CheckAndRecord("g1", "n1"))
	assert.False(t, nt.CheckAndRecord("g2", "n1"), "the same nonce in a different group is not a replay")
}
