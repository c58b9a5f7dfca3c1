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

// Package envelope defines the wire unit of the mesh: MessageEnvelope, its
// canonical signing form, and the bound checks every envelope must pass
// before a Router will act on it.
package envelope

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tom-mesh/tomnode/node/identity"
)

// Type is the envelope's discriminant. The Router dispatches on this tag
// rather than on a class hierarchy.
type Type string

const (
	TypeChat          Type = "chat"
	TypeAck           Type = "ack"
	TypeReadReceipt   Type = "read-receipt"
	TypeRoleAssign    Type = "role-assign"
	TypeHeartbeat     Type = "heartbeat"
	TypePresenceJoin  Type = "presence-join"
	TypePresenceLeave Type = "presence-leave"
	TypeSignal        Type = "signal"

	TypeBackupReplicate      Type = "backup-replicate"
	TypeBackupQuery          Type = "backup-query"
	TypeBackupResponse       Type = "backup-response"
	TypeReceivedConfirmation Type = "received-confirmation"

	TypeGroupCreate       Type = "group-create"
	TypeGroupCreated      Type = "group-created"
	TypeGroupInvite       Type = "group-invite"
	TypeGroupJoin         Type = "group-join"
	TypeGroupMemberJoined Type = "group-member-joined"
	TypeGroupLeave        Type = "group-leave"
	TypeGroupMemberLeft   Type = "group-member-left"
	TypeGroupMessage      Type = "group-message"
	TypeGroupSync         Type = "group-sync"
	TypeGroupHubMigration Type = "group-hub-migration"
	TypeGroupDeliveryAck  Type = "group-delivery-ack"
	TypeGroupReadReceipt  Type = "group-read-receipt"
	TypeGroupHubHeartbeat Type = "group-hub-heartbeat"
)

// RouteType is advisory metadata set by the deliverer describing how the
// envelope actually reached its destination.
type RouteType string

const (
	RouteDirect RouteType = "direct"
	RouteRelay  RouteType = "relay"
	RouteBackup RouteType = "backup"
)

// MaxHops bounds the length of the via chain (spec default: 4).
const MaxHops = 4

// MaxSizeBytes bounds the total serialized envelope (spec default: 64 KiB).
const MaxSizeBytes = 64 * 1024

// Envelope is the wire unit exchanged between nodes.
type Envelope struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Via       []string  `json:"via"`
	Type      Type      `json:"type"`
	Payload   []byte    `json:"payload"`
	Timestamp int64     `json:"timestamp"`
	Signature []byte    `json:"signature"`
	Encrypted bool      `json:"encrypted"`
	RouteType RouteType `json:"routeType,omitempty"`
}

// New builds an unsigned envelope with a fresh id.
func New(from, to string, typ Type, payload []byte, nowMs int64) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Via:       nil,
		Type:      typ,
		Payload:   payload,
		Timestamp: nowMs,
		Encrypted: false,
	}
}

// signingForm is the canonical, deterministic byte form signed by the
// sender: (from, to, via, type, payload, timestamp, id). Field lengths are
// length-prefixed so no field can absorb a neighbor's bytes.
func (e *Envelope) signingForm() []byte {
	var buf bytes.Buffer
	writeField := func(b []byte) {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
		buf.Write(lenBuf[:])
		buf.Write(b)
	}

	writeField([]byte(e.From))
	writeField([]byte(e.To))
	for _, hop := range e.Via {
		writeField([]byte(hop))
	}
	writeField([]byte{0}) // via terminator, disambiguates from payload bytes
	writeField([]byte(e.Type))
	writeField(e.Payload)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(e.Timestamp))
	writeField(tsBuf[:])

	writeField([]byte(e.ID))
	return buf.Bytes()
}

// Sign signs the canonical form with id and stores the signature.
func (e *Envelope) Sign(id *identity.Identity) {
	e.From = id.NodeID()
	e.Signature = id.Sign(e.signingForm())
}

// VerifySignature checks the envelope's signature against its claimed sender.
func (e *Envelope) VerifySignature() bool {
	if e.Signature == nil {
		return false
	}
	return identity.Verify(e.From, e.signingForm(), e.Signature)
}

// Validate enforces the structural invariants from the data model: distinct
// endpoints, bounded via chain, bounded serialized size, and a verifiable
// signature.
func (e *Envelope) Validate() error {
	if e.From == "" || e.To == "" {
		return fmt.Errorf("envelope: from/to must be set")
	}
	if e.From == e.To {
		return fmt.Errorf("envelope: to must not equal from")
	}
	if len(e.Via) > MaxHops {
		return fmt.Errorf("envelope: via chain length %d exceeds MAX_HOPS %d", len(e.Via), MaxHops)
	}
	if !e.VerifySignature() {
		return fmt.Errorf("envelope: signature invalid")
	}
	size, err := e.EncodeSize()
	if err != nil {
		return fmt.Errorf("envelope: encode: %w", err)
	}
	if size > MaxSizeBytes {
		return fmt.Errorf("envelope: serialized size %d exceeds bound %d", size, MaxSizeBytes)
	}
	return nil
}

// EncodeSize returns the JSON-serialized size used for the bound check.
func (e *Envelope) EncodeSize() (int, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Encode serializes the envelope for wire transmission.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire-format envelope. It does not verify the signature or
// bounds — callers must call Validate separately so the caller controls the
// error taxonomy (INVALID_ENVELOPE vs a raw decode failure).
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	return &e, nil
}

// ExpectsAck reports whether delivering this envelope should synthesize a
// recipient-received ACK back toward the sender (spec §4.1 step 3).
func ExpectsAck(t Type) bool {
	switch t {
	case TypeChat, TypeGroupMessage:
		return true
	default:
		return false
	}
}

// NextHop returns the peer this envelope should be forwarded to next,
// consuming the front of via. ok is false when via is empty.
func NextHop(via []string) (hop string, rest []string, ok bool) {
	if len(via) == 0 {
		return "", nil, false
	}
	return via[0], via[1:], true
}
