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
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tom-mesh/tomnode/internal/logger"
	"github.com/tom-mesh/tomnode/internal/metrics"
	"github.com/tom-mesh/tomnode/node/envelope"
)

// ErrorCode enumerates the hub's own rejection reasons, surfaced via
// Activity rather than the wire error taxonomy (hub-local policy, not a
// transport/routing failure).
type ErrorCode string

const (
	ErrNotMember         ErrorCode = "not-member"
	ErrCapacityExceeded  ErrorCode = "capacity-exceeded"
	ErrImpersonation     ErrorCode = "impersonation"
	ErrNonAdminKick      ErrorCode = "non-admin-kick"
	ErrReplayDetected    ErrorCode = "replay-detected"
	ErrInvalidSignature  ErrorCode = "invalid-signature"
	ErrRateLimited       ErrorCode = "rate-limited"
	ErrUnknownGroup      ErrorCode = "unknown-group"
	ErrGlobalCapExceeded ErrorCode = "global-capacity-exceeded"
)

// HubError reports why the hub rejected an operation.
type HubError struct {
	Code ErrorCode
	Msg  string
}

func (e *HubError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Msg) }

// Activity is a structured record of one hub decision, useful for logging
// and for the replay-detection scenario in spec §8 (S5).
type Activity struct {
	GroupID string
	Reason  ErrorCode
}

// Sender is the narrow capability Hub needs from Router: build, sign, and
// dispatch an envelope to one peer (spec §9 cycle-breaking convention).
type Sender interface {
	Send(ctx context.Context, to string, typ envelope.Type, payload []byte, nowMs int64) (string, error)
}

// Config bundles Hub's tunables, all named in spec §4.8/§5.
type Config struct {
	MaxGroups           int
	MaxMembers          int
	HistoryPerGroup     int
	GlobalHistoryCap    int
	MaxPendingPerGroup  int
	RateLimitPerSecond  int
	RateLimitWindow     time.Duration
	NonceCapacity       int
	NonceTTL            time.Duration
	Security            Security
}

// DefaultConfig returns the defaults named directly by the specification.
func DefaultConfig() Config {
	return Config{
		MaxGroups:          10_000,
		MaxMembers:         DefaultMaxMembers,
		HistoryPerGroup:    DefaultHistoryPerGroup,
		GlobalHistoryCap:   1_000_000,
		MaxPendingPerGroup: 10_000,
		RateLimitPerSecond: DefaultRateLimitPerSecond,
		RateLimitWindow:    time.Second,
		NonceCapacity:      DefaultNonceCapacity,
		NonceTTL:           DefaultNonceTTL,
	}
}

// Hub is the relay-elected fanout point for a set of groups. A node only
// runs a Hub for the groups it has actually been elected to serve.
type Hub struct {
	self   string
	cfg    Config
	sender Sender
	nowMs  func() int64
	log    logger.Logger

	mu       sync.Mutex
	groups   map[string]*Info
	history  map[string][]StoredMessage
	pending  map[string]map[string]map[string]struct{} // groupId -> messageId -> memberId -> struct{}
	totalLen int

	nonces *NonceTracker
	limit  *RateLimiter
}

// NewHub constructs a Hub bound to self (this node's id) and sender (for
// 1-to-1 invites and broadcast fanout).
func NewHub(self string, cfg Config, sender Sender, nowMs func() int64, log logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &Hub{
		self:    self,
		cfg:     cfg,
		sender:  sender,
		nowMs:   nowMs,
		log:     logger.NewRedactingLogger(log),
		groups:  make(map[string]*Info),
		history: make(map[string][]StoredMessage),
		pending: make(map[string]map[string]map[string]struct{}),
		nonces:  NewNonceTracker(cfg.NonceCapacity, cfg.NonceTTL),
		limit:   NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitWindow, cfg.MaxPendingPerGroup),
	}
}

// Group returns a defensive copy of a hosted group's state, or nil.
func (h *Hub) Group(groupID string) *Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[groupID]
	if !ok {
		return nil
	}
	return g.Clone()
}

// CreateGroup implements the group-create contract: records the creator as
// admin, sends group-created back, and invites every initial member 1-to-1
// (never broadcast) (spec §4.8).
func (h *Hub) CreateGroup(ctx context.Context, creatorID, creatorUsername string, payload CreatePayload) (*Info, error) {
	h.mu.Lock()
	if len(h.groups) >= h.cfg.MaxGroups {
		h.mu.Unlock()
		return nil, &HubError{Code: ErrGlobalCapExceeded, Msg: "max groups reached"}
	}
	maxMembers := payload.MaxMembers
	if maxMembers <= 0 || maxMembers > h.cfg.MaxMembers {
		maxMembers = h.cfg.MaxMembers
	}
	now := h.nowMs()
	info := &Info{
		GroupID:      payload.GroupID,
		Name:         payload.Name,
		HubRelayID:   h.self,
		Members:      []Member{{NodeID: creatorID, Username: creatorUsername, JoinedAt: now, Role: RoleAdmin}},
		CreatedBy:    creatorID,
		CreatedAt:    now,
		LastActivity: now,
		MaxMembers:   maxMembers,
	}
	for _, m := range payload.InitialMembers {
		if m.NodeID == creatorID {
			continue
		}
		if len(info.Members) >= info.MaxMembers {
			break
		}
		if m.Role == "" {
			m.Role = RoleMember
		}
		if m.JoinedAt == 0 {
			m.JoinedAt = now
		}
		info.Members = append(info.Members, m)
	}
	h.groups[info.GroupID] = info
	h.mu.Unlock()

	h.sendTo(ctx, creatorID, envelope.TypeGroupCreated, CreatedPayload{GroupID: info.GroupID, Info: info.Clone()})
	for _, m := range info.Members {
		if m.NodeID == creatorID {
			continue
		}
		h.sendTo(ctx, m.NodeID, envelope.TypeGroupInvite, InvitePayload{Info: info.Clone()})
	}
	return info.Clone(), nil
}

// HandleJoin implements the group-join contract: verifies the anti-
// impersonation invariant, enforces the membership cap, then syncs the
// joiner and broadcasts the new member to everyone else (spec §4.8).
func (h *Hub) HandleJoin(ctx context.Context, fromID string, payload JoinPayload) error {
	if payload.NodeID != fromID {
		return &HubError{Code: ErrImpersonation, Msg: "payload.nodeId must equal envelope.from"}
	}

	h.mu.Lock()
	info, ok := h.groups[payload.GroupID]
	if !ok {
		h.mu.Unlock()
		return &HubError{Code: ErrUnknownGroup, Msg: payload.GroupID}
	}
	if info.HasMember(fromID) {
		h.mu.Unlock()
		return nil // idempotent rejoin
	}
	if len(info.Members) >= info.MaxMembers {
		h.mu.Unlock()
		return &HubError{Code: ErrCapacityExceeded, Msg: "group is at max members"}
	}
	member := Member{NodeID: fromID, Username: payload.Username, JoinedAt: h.nowMs(), Role: RoleMember}
	info.Members = append(info.Members, member)
	info.LastActivity = h.nowMs()
	existing := make([]Member, len(info.Members)-1)
	copy(existing, info.Members[:len(info.Members)-1])
	history := h.boundedHistoryCopy(payload.GroupID)
	snapshot := info.Clone()
	h.mu.Unlock()

	h.sendTo(ctx, fromID, envelope.TypeGroupSync, SyncPayload{Info: snapshot, History: history})
	for _, m := range existing {
		h.sendTo(ctx, m.NodeID, envelope.TypeGroupMemberJoined, MemberJoinedPayload{GroupID: payload.GroupID, Member: member})
	}
	return nil
}

// HandleLeave implements voluntary leave and admin-initiated kick (non-
// admin kicking is rejected). Deletes the group once membership reaches
// zero (spec §4.8, §3 GroupInfo lifecycle).
func (h *Hub) HandleLeave(ctx context.Context, fromID string, payload LeavePayload) error {
	h.mu.Lock()
	info, ok := h.groups[payload.GroupID]
	if !ok {
		h.mu.Unlock()
		return &HubError{Code: ErrUnknownGroup, Msg: payload.GroupID}
	}

	target := payload.NodeID
	if payload.Kick || target != fromID {
		actor := info.MemberByID(fromID)
		if actor == nil || actor.Role != RoleAdmin {
			h.mu.Unlock()
			return &HubError{Code: ErrNonAdminKick, Msg: "only an admin may remove another member"}
		}
	}

	kept := info.Members[:0]
	removed := false
	for _, m := range info.Members {
		if m.NodeID == target {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	info.Members = kept
	info.LastActivity = h.nowMs()
	remaining := make([]Member, len(info.Members))
	copy(remaining, info.Members)
	empty := len(info.Members) == 0
	if empty {
		delete(h.groups, payload.GroupID)
		delete(h.history, payload.GroupID)
		delete(h.pending, payload.GroupID)
	}
	h.mu.Unlock()

	if !removed {
		return nil
	}
	for _, m := range remaining {
		h.sendTo(ctx, m.NodeID, envelope.TypeGroupMemberLeft, MemberLeftPayload{GroupID: payload.GroupID, NodeID: target})
	}
	return nil
}

// HandleMessage implements the group-message contract: membership check,
// optional signature/nonce verification, rate limiting, bounded history,
// and fanout to every member but the sender (spec §4.8).
func (h *Hub) HandleMessage(ctx context.Context, fromID string, payload MessagePayload) (*Activity, error) {
	h.mu.Lock()
	info, ok := h.groups[payload.GroupID]
	if !ok {
		h.mu.Unlock()
		return nil, &HubError{Code: ErrUnknownGroup, Msg: payload.GroupID}
	}
	if !info.HasMember(fromID) {
		h.mu.Unlock()
		return nil, &HubError{Code: ErrNotMember, Msg: fromID}
	}

	if h.cfg.Security.RequireNonces {
		if h.nonces.CheckAndRecord(payload.GroupID, payload.Nonce) {
			h.mu.Unlock()
			return &Activity{GroupID: payload.GroupID, Reason: ErrReplayDetected}, &HubError{Code: ErrReplayDetected, Msg: payload.MessageID}
		}
	}
	if h.cfg.Security.RequireSignatures && !VerifySignature(payload.GroupID, payload) {
		h.mu.Unlock()
		return nil, &HubError{Code: ErrInvalidSignature, Msg: payload.MessageID}
	}

	now := time.UnixMilli(h.nowMs())
	if !h.limit.Allow(payload.GroupID, fromID, now) {
		h.mu.Unlock()
		return nil, &HubError{Code: ErrRateLimited, Msg: fromID}
	}

	info.LastActivity = h.nowMs()
	members := make([]Member, len(info.Members))
	copy(members, info.Members)
	h.appendHistoryLocked(payload.GroupID, payload)
	h.trackPendingLocked(payload.GroupID, payload.MessageID, members, fromID)
	h.mu.Unlock()

	sent := 0
	for _, m := range members {
		if m.NodeID == fromID {
			continue
		}
		h.sendTo(ctx, m.NodeID, envelope.TypeGroupMessage, payload)
		sent++
	}
	if sent > 0 {
		metrics.GroupFanout.WithLabelValues("sent").Inc()
	}
	return nil, nil
}

// HandleDeliveryAck clears one member's pending-delivery entry for a
// message.
func (h *Hub) HandleDeliveryAck(ack DeliveryAckPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byMsg, ok := h.pending[ack.GroupID]
	if !ok {
		return
	}
	members, ok := byMsg[ack.MessageID]
	if !ok {
		return
	}
	delete(members, ack.MemberID)
	if len(members) == 0 {
		delete(byMsg, ack.MessageID)
	}
}

func (h *Hub) appendHistoryLocked(groupID string, payload MessagePayload) {
	cap := h.cfg.HistoryPerGroup
	if cap <= 0 {
		cap = DefaultHistoryPerGroup
	}
	msg := StoredMessage{MessageID: payload.MessageID, SenderID: payload.SenderID, Text: payload.Text, SentAt: payload.SentAt, Nonce: payload.Nonce}
	h.history[groupID] = append(h.history[groupID], msg)
	if len(h.history[groupID]) > cap {
		h.history[groupID] = h.history[groupID][len(h.history[groupID])-cap:]
	}
	h.totalLen++
	if h.cfg.GlobalHistoryCap > 0 && h.totalLen > h.cfg.GlobalHistoryCap {
		h.evictOldestGlobalLocked()
	}
}

// evictOldestGlobalLocked drops the oldest message across every group's
// history when the global cap is exceeded, so one chatty group cannot
// starve every other group's retained history.
func (h *Hub) evictOldestGlobalLocked() {
	var oldestGroup string
	var oldestAt int64 = -1
	for gid, msgs := range h.history {
		if len(msgs) == 0 {
			continue
		}
		if oldestAt == -1 || msgs[0].SentAt < oldestAt {
			oldestAt = msgs[0].SentAt
			oldestGroup = gid
		}
	}
	if oldestGroup == "" {
		return
	}
	h.history[oldestGroup] = h.history[oldestGroup][1:]
	h.totalLen--
}

func (h *Hub) trackPendingLocked(groupID, messageID string, members []Member, senderID string) {
	byMsg, ok := h.pending[groupID]
	if !ok {
		byMsg = make(map[string]map[string]struct{})
		h.pending[groupID] = byMsg
	}
	if len(byMsg) >= h.cfg.MaxPendingPerGroup {
		h.evictOldestPendingLocked(byMsg)
	}
	awaiting := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m.NodeID != senderID {
			awaiting[m.NodeID] = struct{}{}
		}
	}
	byMsg[messageID] = awaiting
}

func (h *Hub) evictOldestPendingLocked(byMsg map[string]map[string]struct{}) {
	for k := range byMsg {
		delete(byMsg, k)
		return
	}
}

func (h *Hub) boundedHistoryCopy(groupID string) []StoredMessage {
	hist := h.history[groupID]
	out := make([]StoredMessage, len(hist))
	copy(out, hist)
	return out
}

// BroadcastHeartbeat sends a group-hub-heartbeat to every member of every
// group this node hubs (spec §4.8 "Hub Heartbeat", default every 30s).
func (h *Hub) BroadcastHeartbeat(ctx context.Context) {
	h.mu.Lock()
	type target struct {
		groupID string
		members []string
	}
	targets := make([]target, 0, len(h.groups))
	for gid, info := range h.groups {
		ids := make([]string, 0, len(info.Members))
		for _, m := range info.Members {
			ids = append(ids, m.NodeID)
		}
		targets = append(targets, target{groupID: gid, members: ids})
	}
	h.mu.Unlock()

	for _, t := range targets {
		payload := HubHeartbeatPayload{GroupID: t.groupID, HubID: h.self}
		for _, id := range t.members {
			if id == h.self {
				continue
			}
			h.sendTo(ctx, id, envelope.TypeGroupHubHeartbeat, payload)
		}
	}
}

// ExportMigration captures a group's full state for handoff to an election
// winner (spec §4.8 "Hub Migration").
func (h *Hub) ExportMigration(groupID string) (*MigrationState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.groups[groupID]
	if !ok {
		return nil, &HubError{Code: ErrUnknownGroup, Msg: groupID}
	}
	history := make([]StoredMessage, len(h.history[groupID]))
	copy(history, h.history[groupID])

	pendingOut := make(map[string][]string)
	for msgID, members := range h.pending[groupID] {
		ids := make([]string, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		pendingOut[msgID] = ids
	}
	return &MigrationState{Info: info.Clone(), History: history, PendingDeliveries: pendingOut}, nil
}

// ImportMigration adopts a group previously hosted elsewhere, rewriting
// hubRelayId to self (spec §4.8 "Hub Migration").
func (h *Hub) ImportMigration(state *MigrationState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := state.Info.Clone()
	info.HubRelayID = h.self
	h.groups[info.GroupID] = info
	h.history[info.GroupID] = append([]StoredMessage(nil), state.History...)

	byMsg := make(map[string]map[string]struct{}, len(state.PendingDeliveries))
	for msgID, ids := range state.PendingDeliveries {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		byMsg[msgID] = set
	}
	h.pending[info.GroupID] = byMsg
}

func (h *Hub) sendTo(ctx context.Context, to string, typ envelope.Type, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := h.sender.Send(ctx, to, typ, data, h.nowMs()); err != nil {
		metrics.GroupFanout.WithLabelValues("failed").Inc()
		h.log.Debug("group send failed", logger.String("to", to), logger.String("type", string(typ)), logger.Error(err))
	}
}
