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
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tom-mesh/tomnode/internal/logger"
	"github.com/tom-mesh/tomnode/node/envelope"
)

const defaultReceivedWindow = 10_000

// DirectSender is the narrow capability Coordinator needs to deliver a
// pending backup copy, preferring a direct channel if one is available
// (spec §4.7 "delivery via sendWithDirectPreference").
type DirectSender interface {
	SendWithDirectPreference(ctx context.Context, to string, typ envelope.Type, payload []byte, nowMs int64) (string, error)
}

// PeerLister supplies the set of backup nodes currently known to this node,
// used to fan out backup-query and received-confirmation broadcasts.
type PeerLister interface {
	BackupNodeIDs() []string
}

// Coordinator implements the three backup protocols from spec §4.7: pending
// query on peer-online, delivery on reconnect, and received-confirmation
// propagation.
type Coordinator struct {
	self   string
	store  *Store
	sender DirectSender
	peers  PeerLister
	nowMs  func() int64
	log    logger.Logger

	received *lru.Cache[string, struct{}]
}

// NewCoordinator creates a Coordinator. self is this node's own id (used so a node
// never queries or confirms to itself).
func NewCoordinator(self string, store *Store, sender DirectSender, peers PeerLister, nowMs func() int64, log logger.Logger) (*Coordinator, error) {
	cache, err := lru.New[string, struct{}](defaultReceivedWindow)
	if err != nil {
		return nil, fmt.Errorf("backup: coordinator received-window cache: %w", err)
	}
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &Coordinator{
		self:     self,
		store:    store,
		sender:   sender,
		peers:    peers,
		nowMs:    nowMs,
		log:      logger.NewRedactingLogger(log),
		received: cache,
	}, nil
}

// OnPeerOnline implements the pending-query protocol: when peer P comes
// back online, ask every known backup node whether it holds anything for
// P. Sending a query to self is skipped.
func (c *Coordinator) OnPeerOnline(ctx context.Context, peerID string) {
	payload, err := json.Marshal(QueryPayload{Recipient: peerID})
	if err != nil {
		return
	}
	for _, backupID := range c.peers.BackupNodeIDs() {
		if backupID == c.self {
			continue
		}
		_, _ = c.sender.SendWithDirectPreference(ctx, backupID, envelope.TypeBackupQuery, payload, c.nowMs())
	}
}

// HandleQuery answers a backup-query by returning every stored envelope
// this node holds for the queried recipient, wrapped as backup-response
// payloads ready to send back to the querier.
func (c *Coordinator) HandleQuery(q QueryPayload) []ResponsePayload {
	entries := c.store.GetForRecipient(q.Recipient)
	out := make([]ResponsePayload, 0, len(entries))
	for _, e := range entries {
		out = append(out, ResponsePayload{Recipient: q.Recipient, Envelope: e.Envelope})
	}
	return out
}

// DeliverPending delivers every backup entry held for recipientID, most
// likely invoked once the recipient reconnects. Each delivered message id
// is recorded in the dedup window and a received-confirmation is broadcast
// to known backups so replicas elsewhere self-purge (spec §4.7).
func (c *Coordinator) DeliverPending(ctx context.Context, recipientID string) {
	for _, entry := range c.store.GetForRecipient(recipientID) {
		c.deliverOne(ctx, entry)
	}
}

// HandleResponse processes one backup-response arriving from a remote
// backup node: if the envelope hasn't already been delivered, deliver it
// now and confirm.
func (c *Coordinator) HandleResponse(ctx context.Context, resp ResponsePayload) {
	if resp.Envelope == nil {
		return
	}
	if _, seen := c.received.Get(resp.Envelope.ID); seen {
		return
	}
	entry := NewEntry(resp.Envelope, resp.Recipient, time.UnixMilli(c.nowMs()), DefaultTTL)
	c.deliverOne(ctx, entry)
}

func (c *Coordinator) deliverOne(ctx context.Context, entry *Entry) {
	id := entry.Envelope.ID
	if _, seen := c.received.Get(id); seen {
		return
	}
	c.received.Add(id, struct{}{})

	data, err := json.Marshal(entry.Envelope)
	if err != nil {
		return
	}
	if _, err := c.sender.SendWithDirectPreference(ctx, entry.RecipientID, entry.Envelope.Type, data, c.nowMs()); err != nil {
		c.log.Debug("backup delivery failed", logger.String("messageId", id), logger.Error(err))
		return
	}
	c.store.Delete(id)
	c.broadcastConfirmation(ctx, id)
}

// ReceivedConfirmation reports whether messageID has already been observed
// delivered by this coordinator (used by late replicas racing delivery).
func (c *Coordinator) ReceivedConfirmation(messageID string) bool {
	_, seen := c.received.Get(messageID)
	return seen
}

// HandleReceivedConfirmation deletes the local copy of a message once
// another node confirms delivery, per the race-condition discipline in
// spec §4.7: a late-arriving replica self-deletes rather than re-deliver.
func (c *Coordinator) HandleReceivedConfirmation(confirmation ReceivedConfirmationPayload) {
	c.received.Add(confirmation.MessageID, struct{}{})
	c.store.Delete(confirmation.MessageID)
}

func (c *Coordinator) broadcastConfirmation(ctx context.Context, messageID string) {
	payload, err := json.Marshal(ReceivedConfirmationPayload{MessageID: messageID})
	if err != nil {
		return
	}
	for _, backupID := range c.peers.BackupNodeIDs() {
		if backupID == c.self {
			continue
		}
		_, _ = c.sender.SendWithDirectPreference(ctx, backupID, envelope.TypeReceivedConfirmation, payload, c.nowMs())
	}
}
