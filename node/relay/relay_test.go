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

package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tom-mesh/tomnode/node/topology"
)

func TestSelectRejectsSelfRecipient(t *testing.T) {
	now := time.Now()
	topo := topology.New(func() time.Time { return now })

	result := Select("self", "self", topo, nil, nil)
	assert.Equal(t, ReasonSelfRecipient, result.Reason)
	assert.Error(t, result.Err)
}

func TestSelectPrefersDirectPathWhenTargetOnlineAndReachable(t *testing.T) {
	now := time.Now()
	topo := topology.New(func() time.Time { return now })
	topo.Upsert("target", "", nil, nil, now.UnixMilli())

	result := Select("self", "target", topo, nil, nil)
	assert.Equal(t, ReasonDirectPath, result.Reason)
	assert.Empty(t, result.RelayID)
}

func TestSelectPicksRelayByHopsThenLastSeen(t *testing.T) {
	now := time.Now()
	topo := topology.New(func() time.Time { return now })
	// target unreachable directly (has a reachableVia hop), forces relay path
	topo.Upsert("target", "", nil, []string{"relay-a"}, now.Add(-40*time.Second).UnixMilli())
	topo.Upsert("relay-a", "", nil, nil, now.UnixMilli())
	topo.SetRoles("relay-a", map[topology.Role]struct{}{topology.RoleRelay: {}})
	topo.Upsert("relay-b", "", nil, nil, now.UnixMilli())
	topo.SetRoles("relay-b", map[topology.Role]struct{}{topology.RoleRelay: {}})

	hops := map[string]int{"relay-a": 2, "relay-b": 1}
	result := Select("self", "target", topo, nil, hops)

	assert.Equal(t, ReasonRelaySelected, result.Reason)
	assert.Equal(t, "relay-b", result.RelayID)
}

func TestSelectTieBreaksLexicographically(t *testing.T) {
	now := time.Now()
	topo := topology.New(func() time.Time { return now })
	topo.Upsert("target", "", nil, []string{"x"}, now.Add(-40*time.Second).UnixMilli())
	topo.Upsert("relay-z", "", nil, nil, now.UnixMilli())
	topo.SetRoles("relay-z", map[topology.Role]struct{}{topology.RoleRelay: {}})
	topo.Upsert("relay-a", "", nil, nil, now.UnixMilli())
	topo.SetRoles("relay-a", map[topology.Role]struct{}{topology.RoleRelay: {}})

	hops := map[string]int{"relay-z": 1, "relay-a": 1}
	result := Select("self", "target", topo, nil, hops)

	assert.Equal(t, "relay-a", result.RelayID)
}

func TestSelectExcludesFailedRelays(t *testing.T) {
	now := time.Now()
	topo := topology.New(func() time.Time { return now })
	topo.Upsert("target", "", nil, []string{"x"}, now.Add(-40*time.Second).UnixMilli())
	topo.Upsert("relay-a", "", nil, nil, now.UnixMilli())
	topo.SetRoles("relay-a", map[topology.Role]struct{}{topology.RoleRelay: {}})
	topo.Upsert("relay-b", "", nil, nil, now.UnixMilli())
	topo.SetRoles("relay-b", map[topology.Role]struct{}{topology.RoleRelay: {}})

	hops := map[string]int{"relay-a": 1, "relay-b": 1}
	failed := map[string]struct{}{"relay-a": {}}
	result := Select("self", "target", topo, failed, hops)

	assert.Equal(t, "relay-b", result.RelayID)
}

func TestSelectReturnsNoRelaysAvailable(t *testing.T) {
	now := time.Now()
	topo := topology.New(func() time.Time { return now })
	// target offline, no relays at all, network larger than tiny threshold
	for i := 0; i < 5; i++ {
		topo.Upsert(string(rune('a'+i)), "", nil, nil, now.UnixMilli())
	}
	topo.Upsert("target", "", nil, []string{"x"}, now.Add(-40*time.Second).UnixMilli())

	result := Select("self", "target", topo, nil, nil)
	assert.Equal(t, ReasonNoRelays, result.Reason)
	assert.Error(t, result.Err)
}

func TestSelectTinyNetworkFallback(t *testing.T) {
	now := time.Now()
	topo := topology.New(func() time.Time { return now })
	topo.Upsert("target", "", nil, []string{"x"}, now.UnixMilli()) // online but not directly reachable

	result := Select("self", "target", topo, nil, nil)
	assert.Equal(t, ReasonDirectFallback, result.Reason)
}
