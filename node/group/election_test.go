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

	"github.com/stretchr/testify/assert"
)

func TestElectPrefersBackupHubWhenEligible(t *testing.T) {
	info := &Info{GroupID: "g1", HubRelayID: "hubA", BackupHubID: "hubB"}
	candidates := []Elector{
		{NodeID: "hubB", IsRelay: true, LastSeen: 59_000},
		{NodeID: "hubC", IsRelay: true, LastSeen: 59_000},
	}
	result, ok := Elect(info, candidates, "hubA", 60_000)
	assert.True(t, ok)
	assert.Equal(t, "hubB", result.WinnerID)
	assert.True(t, result.UsedBackupHub)
}

func TestElectFallsBackToLexicographicWinner(t *testing.T) {
	info := &Info{GroupID: "g1", HubRelayID: "hubA"}
	candidates := []Elector{
		{NodeID: "hubZ", IsRelay: true, LastSeen: 60_000},
		{NodeID: "hubB", IsRelay: true, LastSeen: 60_000},
	}
	result, ok := Elect(info, candidates, "hubA", 60_000)
	assert.True(t, ok)
	assert.Equal(t, "hubB", result.WinnerID)
	assert.False(t, result.UsedBackupHub)
}

func TestElectExcludesFailedHubAndNonRelays(t *testing.T) {
	info := &Info{GroupID: "g1", HubRelayID: "hubA"}
	candidates := []Elector{
		{NodeID: "hubA", IsRelay: true, LastSeen: 60_000},
		{NodeID: "memberOnly", IsRelay: false, LastSeen: 60_000},
	}
	_, ok := Elect(info, candidates, "hubA", 60_000)
	assert.False(t, ok, "no eligible candidate remains")
}

func TestElectExcludesStaleCandidates(t *testing.T) {
	info := &Info{GroupID: "g1", HubRelayID: "hubA"}
	candidates := []Elector{
		{NodeID: "hubB", IsRelay: true, LastSeen: 0}, // 60_001ms old, past the 60s cutoff
	}
	_, ok := Elect(info, candidates, "hubA", 60_001)
	assert.False(t, ok)
}

func TestElectIgnoresIneligibleBackupHub(t *testing.T) {
	info := &Info{GroupID: "g1", HubRelayID: "hubA", BackupHubID: "hubB"}
	candidates := []Elector{
		{NodeID: "hubC", IsRelay: true, LastSeen: 60_000},
	}
	result, ok := Elect(info, candidates, "hubA", 60_000)
	assert.True(t, ok)
	assert.Equal(t, "hubC", result.WinnerID)
	assert.False(t, result.UsedBackupHub)
}
