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

// Package role deterministically derives each peer's role set from
// topology, so every observer in the mesh independently reaches the same
// assignment without a coordinator.
package role

import (
	"math"
	"sort"
	"time"

	"github.com/tom-mesh/tomnode/node/topology"
)

// Candidate is the subset of peer state the role assignment algorithm
// consumes. Kept narrow and value-typed so callers build it fresh from
// Topology rather than handing over mutable peer references (spec §9
// "narrow capability" cycle-breaking convention).
type Candidate struct {
	NodeID       string
	Status       topology.Status
	OnlineSince  time.Time
	Uptime       time.Duration
	Bandwidth    float64
	Contribution float64
}

// Change describes a role transition for a single peer.
type Change struct {
	NodeID   string
	OldRoles map[topology.Role]struct{}
	NewRoles map[topology.Role]struct{}
}

// Assignment is the deterministic output of one re-evaluation pass.
type Assignment struct {
	Roles map[string]map[topology.Role]struct{}
}

const (
	minOnlineAgeDefault = 5 * time.Second
)

// Reassign derives new role sets for every candidate peer (spec §4.3).
// Only ids in candidates receive roles; the local node is not a parameter,
// so this pass never promotes it to relay/backup.
func Reassign(candidates []Candidate, minOnlineAge time.Duration, now time.Time) Assignment {
	if minOnlineAge == 0 {
		minOnlineAge = minOnlineAgeDefault
	}

	online := onlinePeers(candidates)
	n := len(online)

	target := int(math.Ceil(float64(n) / 3.0))
	capLimit := int(math.Ceil(float64(n) / 2.0))
	if capLimit < target {
		capLimit = target
	}

	relayEligible := make([]Candidate, 0, n)
	for _, c := range online {
		if now.Sub(c.OnlineSince) >= minOnlineAge {
			relayEligible = append(relayEligible, c)
		}
	}
	sort.Slice(relayEligible, func(i, j int) bool {
		return relayEligible[i].NodeID < relayEligible[j].NodeID
	})
	relayCount := target
	if relayCount > capLimit {
		relayCount = capLimit
	}
	if relayCount > len(relayEligible) {
		relayCount = len(relayEligible)
	}
	relays := make(map[string]struct{}, relayCount)
	for i := 0; i < relayCount; i++ {
		relays[relayEligible[i].NodeID] = struct{}{}
	}

	backupEligible := make([]Candidate, len(online))
	copy(backupEligible, online)
	sort.Slice(backupEligible, func(i, j int) bool {
		si := backupScore(backupEligible[i])
		sj := backupScore(backupEligible[j])
		if si != sj {
			return si > sj
		}
		return backupEligible[i].NodeID < backupEligible[j].NodeID
	})
	backupCount := target
	if backupCount > len(backupEligible) {
		backupCount = len(backupEligible)
	}
	backups := make(map[string]struct{}, backupCount)
	for i := 0; i < backupCount; i++ {
		backups[backupEligible[i].NodeID] = struct{}{}
	}

	result := make(map[string]map[topology.Role]struct{}, n)
	for _, c := range candidates {
		roles := map[topology.Role]struct{}{topology.RoleClient: {}}
		if _, ok := relays[c.NodeID]; ok {
			roles[topology.RoleRelay] = struct{}{}
		}
		if _, ok := backups[c.NodeID]; ok {
			roles[topology.RoleBackup] = struct{}{}
		}
		result[c.NodeID] = roles
	}
	return Assignment{Roles: result}
}

func onlinePeers(candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Status == topology.StatusOnline {
			out = append(out, c)
		}
	}
	return out
}

// backupScore combines uptime, bandwidth, and contribution into a single
// ranking figure. The spec leaves the exact formula implementation-defined
// (§9 open question); uptime is normalized against a 24h reference window.
func backupScore(c Candidate) float64 {
	uptimeScore := c.Uptime.Hours() / 24.0
	if uptimeScore > 1 {
		uptimeScore = 1
	}
	return 0.4*uptimeScore + 0.3*c.Bandwidth + 0.3*c.Contribution
}

// Diff computes role-changed events between two assignments (spec §4.3
// "role-changed(nodeId, oldRoles, newRoles)") for every peer in new whose
// roles differ from old; a peer absent from old is compared against an
// empty role set. Peers present only in old produce no event.
func Diff(old, new Assignment) []Change {
	var changes []Change
	for nodeID, newRoles := range new.Roles {
		oldRoles, existed := old.Roles[nodeID]
		if !existed {
			oldRoles = map[topology.Role]struct{}{}
		}
		if !rolesEqual(oldRoles, newRoles) {
			changes = append(changes, Change{NodeID: nodeID, OldRoles: oldRoles, NewRoles: newRoles})
		}
	}
	return changes
}

func rolesEqual(a, b map[topology.Role]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for r := range a {
		if _, ok := b[r]; !ok {
			return false
		}
	}
	return true
}

// CleanupStaleAssignments drops role entries for peers no longer online,
// per spec §4.3's "stale/offline peers are removed from assignments".
func CleanupStaleAssignments(assignment Assignment, statuses map[string]topology.Status) Assignment {
	cleaned := make(map[string]map[topology.Role]struct{}, len(assignment.Roles))
	for nodeID, roles := range assignment.Roles {
		if statuses[nodeID] == topology.StatusOnline {
			cleaned[nodeID] = roles
		}
	}
	return Assignment{Roles: cleaned}
}
