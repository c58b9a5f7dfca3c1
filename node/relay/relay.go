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

// Package relay picks a relay (or none) for a destination given a topology
// snapshot, per the deterministic ranking algorithm in spec §4.2.
package relay

import (
	"sort"
	"time"

	"github.com/tom-mesh/tomnode/node/topology"
)

// Reason explains why a selection came out the way it did; useful for
// logging and for the S1-S6 scenario tests.
type Reason string

const (
	ReasonSelfRecipient   Reason = "self-recipient"
	ReasonDirectPath      Reason = "direct-path"
	ReasonDirectFallback  Reason = "direct-fallback"
	ReasonNoRelays        Reason = "no-relays-available"
	ReasonRelaySelected   Reason = "relay-selected"
)

// Result is the outcome of a selection pass. RelayID is empty for a direct
// send (nil relay); Err is set when no route exists at all or the target
// is this node itself.
type Result struct {
	RelayID string
	Reason  Reason
	Err     error
}

// ErrSelfRecipient is returned via Result.Err when target == self.
type ErrSelfRecipient struct{}

func (ErrSelfRecipient) Error() string { return "relay: target is self" }

// ErrPeerUnreachable is returned via Result.Err when no route exists.
type ErrPeerUnreachable struct{}

func (ErrPeerUnreachable) Error() string { return "relay: PEER_UNREACHABLE" }

// tinyNetworkThreshold is the "network is tiny" fallback bound (spec §4.2
// step 4).
const tinyNetworkThreshold = 3

// candidateRank is the precomputed ranking key for one relay candidate.
type candidateRank struct {
	nodeID    string
	hops      int
	freshness int // 0 = online, 1 = stale
	lastSeen  int64
}

// Select implements the primary selection algorithm. hopsToTarget supplies
// each relay candidate's hop distance to target (from the caller's routing
// table / gossip view); candidates missing from it are treated as
// unreachable and excluded.
func Select(self, target string, topo *topology.Topology, failedRelays map[string]struct{}, hopsToTarget map[string]int) Result {
	return selectWithCandidates(self, target, topo, failedRelays, hopsToTarget)
}

// SelectAlternate is identical to Select but named to match spec §4.2's
// "selectAlternateRelay" contract used for rerouting on relay failure.
func SelectAlternate(self, target string, topo *topology.Topology, failedRelays map[string]struct{}, hopsToTarget map[string]int) Result {
	return selectWithCandidates(self, target, topo, failedRelays, hopsToTarget)
}

func selectWithCandidates(self, target string, topo *topology.Topology, failedRelays map[string]struct{}, hopsToTarget map[string]int) Result {
	if target == self {
		return Result{Reason: ReasonSelfRecipient, Err: ErrSelfRecipient{}}
	}

	targetStatus := topo.Status(target, defaultStale, defaultOffline)
	targetPeer := topo.Get(target)
	if targetStatus == topology.StatusOnline && targetPeer != nil && directlyReachable(targetPeer) {
		return Result{RelayID: "", Reason: ReasonDirectPath}
	}

	relays := topo.WithRole(topology.RoleRelay)
	ranked := make([]candidateRank, 0, len(relays))
	for _, r := range relays {
		if _, failed := failedRelays[r.NodeID]; failed {
			continue
		}
		status := topo.Status(r.NodeID, defaultStale, defaultOffline)
		if status != topology.StatusOnline && status != topology.StatusStale {
			continue
		}
		hops, known := hopsToTarget[r.NodeID]
		if !known {
			continue
		}
		freshness := 0
		if status == topology.StatusStale {
			freshness = 1
		}
		ranked = append(ranked, candidateRank{
			nodeID:    r.NodeID,
			hops:      hops,
			freshness: freshness,
			lastSeen:  r.LastSeen,
		})
	}

	if len(ranked) == 0 {
		if targetStatus == topology.StatusOnline && topo.Len() <= tinyNetworkThreshold {
			return Result{RelayID: "", Reason: ReasonDirectFallback}
		}
		return Result{Reason: ReasonNoRelays, Err: ErrPeerUnreachable{}}
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.hops != b.hops {
			return a.hops < b.hops
		}
		if a.freshness != b.freshness {
			return a.freshness < b.freshness
		}
		if a.lastSeen != b.lastSeen {
			return a.lastSeen > b.lastSeen
		}
		return a.nodeID < b.nodeID
	})

	return Result{RelayID: ranked[0].nodeID, Reason: ReasonRelaySelected}
}

func directlyReachable(p *topology.PeerInfo) bool {
	return len(p.ReachableVia) == 0
}

const (
	defaultStale   = 10 * time.Second
	defaultOffline = 30 * time.Second
)
