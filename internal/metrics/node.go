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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// tomNamespace prefixes every mesh-node collector, kept distinct from the
// inherited "sage" namespace since these observe a different subsystem.
const tomNamespace = "tom"

var (
	// EnvelopesRouted counts Router's terminal decision for every envelope
	// it has handled (spec §4.1: deliver, forward, reject).
	EnvelopesRouted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: tomNamespace,
			Subsystem: "envelopes",
			Name:      "routed_total",
			Help:      "Total number of envelopes handled by the router, by outcome",
		},
		[]string{"result"}, // delivered, forwarded, rejected, duplicate
	)

	// TrackerStatusTransitions observes the message lifecycle every tracked
	// message passes through (spec §4.6).
	TrackerStatusTransitions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: tomNamespace,
			Subsystem: "tracker",
			Name:      "status_transitions_total",
			Help:      "Total number of message tracker status transitions, by status",
		},
		[]string{"status"}, // sent, relayed, delivered, read
	)

	// BackupStoreSize tracks how many envelopes this node currently holds
	// on behalf of offline recipients (spec §4.7).
	BackupStoreSize = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: tomNamespace,
			Subsystem: "backup",
			Name:      "store_size",
			Help:      "Current number of backup entries held by this node",
		},
	)

	// BackupReplications counts replicate attempts by outcome.
	BackupReplications = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: tomNamespace,
			Subsystem: "backup",
			Name:      "replications_total",
			Help:      "Total number of backup replication attempts, by outcome",
		},
		[]string{"result"}, // sent, failed
	)

	// GroupFanout counts per-group message fanout sends.
	GroupFanout = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: tomNamespace,
			Subsystem: "group",
			Name:      "fanout_total",
			Help:      "Total number of group message fanout sends, by outcome",
		},
		[]string{"result"}, // sent, failed
	)

	// HubElections counts deterministic hub elections this node has
	// observed or participated in.
	HubElections = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: tomNamespace,
			Subsystem: "group",
			Name:      "hub_elections_total",
			Help:      "Total number of hub elections, by role of this node",
		},
		[]string{"role"}, // winner, member
	)
)
