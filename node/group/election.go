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

import "sort"

// Elector is a member candidate considered for hub election, restricted to
// whatever topology facts the caller already has on hand.
type Elector struct {
	NodeID   string
	IsRelay  bool
	LastSeen int64 // unix millis
}

// ElectionResult names the winner and why it won.
type ElectionResult struct {
	WinnerID string
	UsedBackupHub bool
}

// maxLastSeenAge bounds how stale a candidate's last-known presence may be
// to still be eligible (spec §4.8 "Hub Election": eligible peers are
// relays seen within the last 60s).
const maxLastSeenAge = 60_000 // ms

// Elect runs the deterministic, coordinator-free hub election described in
// spec §4.8: every member computes the same answer from the same shared
// state, with no round of communication required. Eligible candidates are
// relays, excluding the failed hub, seen within the last 60s. The group's
// declared backup hub wins if still eligible; otherwise the lexicographically
// smallest eligible node id wins. Returns a zero ElectionResult and false
// if no candidate is eligible.
func Elect(info *Info, candidates []Elector, failedHubID string, now int64) (ElectionResult, bool) {
	eligible := make(map[string]struct{})
	for _, c := range candidates {
		if !c.IsRelay {
			continue
		}
		if c.NodeID == failedHubID {
			continue
		}
		if now-c.LastSeen > maxLastSeenAge {
			continue
		}
		eligible[c.NodeID] = struct{}{}
	}
	if len(eligible) == 0 {
		return ElectionResult{}, false
	}

	if info.BackupHubID != "" {
		if _, ok := eligible[info.BackupHubID]; ok {
			return ElectionResult{WinnerID: info.BackupHubID, UsedBackupHub: true}, true
		}
	}

	ids := make([]string, 0, len(eligible))
	for id := range eligible {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ElectionResult{WinnerID: ids[0]}, true
}
