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

package backup

import (
	"context"
	"encoding/json"

	"github.com/tom-mesh/tomnode/internal/logger"
	"github.com/tom-mesh/tomnode/internal/metrics"
	"github.com/tom-mesh/tomnode/node/envelope"
)

// Sender is the narrow capability Replicator needs from Router: build,
// sign, and dispatch an envelope (spec §9 cycle-breaking convention).
type Sender interface {
	Send(ctx context.Context, to string, typ envelope.Type, payload []byte, nowMs int64) (string, error)
}

// TargetPicker chooses the best backup host currently available for a
// message, excluding hosts already holding a replica. Returns ok=false if
// no better target exists.
type TargetPicker func(entry *Entry) (target string, ok bool)

// Replicator sends a fire-and-forget backup-replicate copy to a better-
// scoring host. It never retries on failure — the next Viability
// re-evaluation will simply trigger another attempt (spec §4.7).
type Replicator struct {
	sender Sender
	store  *Store
	pick   TargetPicker
	nowMs  func() int64
	log    logger.Logger
}

// NewReplicator wires a Replicator to sender (for dispatch), store (to
// record which hosts already hold a replica), and pick (to choose targets).
func NewReplicator(sender Sender, store *Store, pick TargetPicker, nowMs func() int64, log logger.Logger) *Replicator {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &Replicator{sender: sender, store: store, pick: pick, nowMs: nowMs, log: logger.NewRedactingLogger(log)}
}

// Replicate chooses a target via TargetPicker and sends entry's envelope to
// it wrapped in a backup-replicate payload. Matches the Replicate signature
// Viability.Reevaluate invokes asynchronously.
func (r *Replicator) Replicate(ctx context.Context, entry *Entry) {
	target, ok := r.pick(entry)
	if !ok {
		return
	}

	payload := ReplicatePayload{RecipientID: entry.RecipientID, Envelope: entry.Envelope}
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.BackupReplications.WithLabelValues("failed").Inc()
		return
	}

	if _, err := r.sender.Send(ctx, target, envelope.TypeBackupReplicate, data, r.nowMs()); err != nil {
		metrics.BackupReplications.WithLabelValues("failed").Inc()
		r.log.Debug("backup replicate failed", logger.String("messageId", entry.Envelope.ID), logger.String("target", target), logger.Error(err))
		return
	}

	r.store.AddReplica(entry.Envelope.ID, target)
	metrics.BackupReplications.WithLabelValues("sent").Inc()
}
