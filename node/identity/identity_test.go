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

package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeneratesDistinctIdentities(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)

	assert.NotEqual(t, a.NodeID(), b.NodeID())
	assert.Len(t, a.NodeID(), 64) // 32-byte pubkey, hex-encoded
}

func TestLoadPersistsAndReloadsIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	first, err := Load(path)
	require.NoError(t, err)

	second, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, first.NodeID(), second.NodeID())
}

func TestSignAndVerify(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	msg := []byte("envelope canonical form")
	sig := id.Sign(msg)

	assert.True(t, Verify(id.NodeID(), msg, sig))
	assert.False(t, Verify(id.NodeID(), []byte("tampered"), sig))
}

func TestVerifyRejectsMalformedNodeID(t *testing.T) {
	assert.False(t, Verify("not-hex", []byte("m"), []byte("s")))
	assert.False(t, Verify("ab", []byte("m"), []byte("s")))
}

func TestSealOpenRoundTrip(t *testing.T) {
	recipient, err := New()
	require.NoError(t, err)

	plaintext := []byte("direct message payload")
	sealed, err := Seal(recipient.NodeID(), plaintext)
	require.NoError(t, err)

	opened, err := recipient.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealRejectsMalformedRecipient(t *testing.T) {
	_, err := Seal("zz", []byte("x"))
	assert.Error(t, err)
}

func TestOpenFailsForWrongRecipient(t *testing.T) {
	intended, err := New()
	require.NoError(t, err)
	other, err := New()
	require.NoError(t, err)

	sealed, err := Seal(intended.NodeID(), []byte("secret"))
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.Error(t, err)
}
