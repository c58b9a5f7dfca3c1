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

package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tom-mesh/tomnode/node/envelope"
	"github.com/tom-mesh/tomnode/node/identity"
	"github.com/tom-mesh/tomnode/node/topology"
	"github.com/tom-mesh/tomnode/node/tracker"
	"github.com/tom-mesh/tomnode/node/transport"
)

// harness wires one Router to a shared MemoryBus and its own Topology, the
// way Node does but without the rest of the subsystem so router-only
// scenarios (spec §8 S1/S2) can be driven directly.
type harness struct {
	id     *identity.Identity
	topo   *topology.Topology
	trk    *tracker.Tracker
	router *Router
	tr     *transport.MemoryTransport
}

func newHarness(t *testing.T, bus *transport.MemoryBus, hopTable func(string) map[string]int) *harness {
	t.Helper()
	id, err := identity.New()
	require.NoError(t, err)

	topo := topology.New(nil)
	trk := tracker.New(0, nil)
	tr := bus.Register(id.NodeID())

	r, err := New(Config{
		Self:      id,
		Topology:  topo,
		Transport: tr,
		Tracker:   trk,
		HopTable:  hopTable,
		NowMs:     func() int64 { return time.Now().UnixMilli() },
	})
	require.NoError(t, err)

	return &harness{id: id, topo: topo, trk: trk, router: r, tr: tr}
}

func onlineAt(topo *topology.Topology, nodeID string, reachableVia []string, role topology.Role) {
	topo.Upsert(nodeID, "", nil, reachableVia, time.Now().UnixMilli())
	if role != "" {
		topo.SetRoles(nodeID, map[topology.Role]struct{}{role: {}, topology.RoleClient: {}})
	}
}

// TestThreePartySingleRelay drives spec §8 S1: A sends to C, which is only
// known reachable through relay B; the message must cross B and land on C
// with the tracker reflecting sent -> relayed -> delivered.
func TestThreePartySingleRelay(t *testing.T) {
	bus := transport.NewMemoryBus()
	aHops := map[string]int{}
	a := newHarness(t, bus, func(string) map[string]int { return aHops })
	c := newHarness(t, bus, nil)

	hopToC := map[string]int{}
	b := newHarness(t, bus, func(target string) map[string]int {
		if target == c.id.NodeID() {
			return hopToC
		}
		return nil
	})
	hopToC[b.id.NodeID()] = 1
	aHops[b.id.NodeID()] = 1 // A's routing view: B is one hop from C

	var delivered *envelope.Envelope
	c.router.OnType(envelope.TypeChat, func(e *envelope.Envelope) { delivered = e })

	onlineAt(a.topo, b.id.NodeID(), nil, topology.RoleRelay)
	onlineAt(a.topo, c.id.NodeID(), []string{b.id.NodeID()}, "") // not directly reachable from A
	onlineAt(b.topo, c.id.NodeID(), nil, "")                     // B can reach C directly
	onlineAt(b.topo, a.id.NodeID(), nil, "")                     // B's relayed ack can reach A
	onlineAt(c.topo, a.id.NodeID(), nil, "")                     // C's delivery ack can reach A

	id, err := a.router.Send(context.Background(), c.id.NodeID(), envelope.TypeChat, []byte("hi"), time.Now().UnixMilli())
	require.NoError(t, err)

	require.NotNil(t, delivered, "message must reach C via relay B")
	assert.Equal(t, id, delivered.ID)

	entry := a.trk.Get(id)
	require.NotNil(t, entry)
	assert.True(t, entry.Status >= tracker.Relayed, "A must observe at least the relayed ack from B")
}

// TestRelayFailureReroutesAndDedupes drives spec §8 S2: the first-choice
// relay is unreachable, forcing selection of an alternate; the recipient
// must still see exactly one copy even though the sender retries.
func TestRelayFailureReroutesAndDedupes(t *testing.T) {
	bus := transport.NewMemoryBus()
	badRelay := newHarness(t, bus, nil)
	goodRelay := newHarness(t, bus, func(target string) map[string]int { return nil })
	c := newHarness(t, bus, func(target string) map[string]int { return nil })

	hops := map[string]int{badRelay.id.NodeID(): 1, goodRelay.id.NodeID(): 2}
	a := newHarness(t, bus, func(target string) map[string]int {
		if target == c.id.NodeID() {
			return hops
		}
		return nil
	})

	var deliveries []*envelope.Envelope
	c.router.OnType(envelope.TypeChat, func(e *envelope.Envelope) { deliveries = append(deliveries, e) })

	onlineAt(a.topo, badRelay.id.NodeID(), nil, topology.RoleRelay)
	onlineAt(a.topo, goodRelay.id.NodeID(), nil, topology.RoleRelay)
	onlineAt(a.topo, c.id.NodeID(), []string{badRelay.id.NodeID()}, "")
	onlineAt(goodRelay.topo, c.id.NodeID(), nil, "")

	// badRelay is reachable in topology (so it's selected first, lowest hop
	// count) but its transport link is severed, forcing TRANSPORT_FAILED ->
	// alternate relay selection.
	bus.Drop(a.id.NodeID(), badRelay.id.NodeID())

	id, err := a.router.Send(context.Background(), c.id.NodeID(), envelope.TypeChat, []byte("hi"), time.Now().UnixMilli())
	require.NoError(t, err)

	require.Len(t, deliveries, 1, "recipient must see exactly one copy despite the reroute")
	assert.Equal(t, id, deliveries[0].ID)
}
