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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tom-mesh/tomnode/internal/logger"
	"github.com/tom-mesh/tomnode/internal/metrics"
	"github.com/tom-mesh/tomnode/node/envelope"
	"github.com/tom-mesh/tomnode/node/identity"
	"github.com/tom-mesh/tomnode/node/router"
	"github.com/tom-mesh/tomnode/node/topology"
)

// ManagerSender is the narrow capability Manager needs from Router: build,
// sign, and dispatch an envelope, preferring a direct channel when one
// exists (spec §9 cycle-breaking convention).
type ManagerSender interface {
	Send(ctx context.Context, to string, typ envelope.Type, payload []byte, nowMs int64) (string, error)
	SendWithDirectPreference(ctx context.Context, to string, typ envelope.Type, payload []byte, nowMs int64) (string, error)
}

// Registrar is the narrow capability Manager needs to subscribe to
// type-specific inbound envelopes.
type Registrar interface {
	OnType(t envelope.Type, h router.Handler)
}

// groupState is Manager's locally cached view of one group, built up from
// group-created/invite/sync/member-joined/member-left envelopes.
type groupState struct {
	info            *Info
	history         []StoredMessage
	missedBeats     int
	lastHeartbeatAt int64
}

// Manager is the per-node client side of the group subsystem: it issues
// create/join/leave/send requests, caches the groups the local node
// belongs to, monitors hub liveness, and promotes the local node to Hub
// when it wins an election (spec §4.8).
type Manager struct {
	self     string
	id       *identity.Identity
	sender   ManagerSender
	topo     *topology.Topology
	nowMs    func() int64
	log      logger.Logger
	security Security
	hubCfg   Config

	onMessage     func(groupID string, msg MessagePayload)
	onReadReceipt func(groupID string, receipt ReadReceiptPayload)

	mu     sync.Mutex
	groups map[string]*groupState
	hub    *Hub

	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerConfig bundles Manager's constructor dependencies.
type ManagerConfig struct {
	Self          string
	Identity      *identity.Identity
	Sender        ManagerSender
	Registrar     Registrar
	Topology      *topology.Topology
	NowMs         func() int64
	Logger        logger.Logger
	Security      Security
	HubConfig     Config
	OnMessage     func(groupID string, msg MessagePayload)
	OnReadReceipt func(groupID string, receipt ReadReceiptPayload)
}

// NewManager constructs a Manager and registers its inbound handlers on
// registrar.
func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	m := &Manager{
		self:          cfg.Self,
		id:            cfg.Identity,
		sender:        cfg.Sender,
		topo:          cfg.Topology,
		nowMs:         cfg.NowMs,
		log:           logger.NewRedactingLogger(log),
		security:      cfg.Security,
		hubCfg:        cfg.HubConfig,
		onMessage:     cfg.OnMessage,
		onReadReceipt: cfg.OnReadReceipt,
		groups:        make(map[string]*groupState),
	}
	if cfg.Registrar != nil {
		m.register(cfg.Registrar)
	}
	return m
}

func (m *Manager) register(r Registrar) {
	r.OnType(envelope.TypeGroupCreate, m.handleGroupCreate)
	r.OnType(envelope.TypeGroupCreated, m.handleGroupCreated)
	r.OnType(envelope.TypeGroupInvite, m.handleGroupInvite)
	r.OnType(envelope.TypeGroupJoin, m.handleGroupJoin)
	r.OnType(envelope.TypeGroupMemberJoined, m.handleGroupMemberJoined)
	r.OnType(envelope.TypeGroupLeave, m.handleGroupLeave)
	r.OnType(envelope.TypeGroupMemberLeft, m.handleGroupMemberLeft)
	r.OnType(envelope.TypeGroupMessage, m.handleGroupMessage)
	r.OnType(envelope.TypeGroupSync, m.handleGroupSync)
	r.OnType(envelope.TypeGroupHubMigration, m.handleGroupHubMigration)
	r.OnType(envelope.TypeGroupDeliveryAck, m.handleGroupDeliveryAck)
	r.OnType(envelope.TypeGroupReadReceipt, m.handleGroupReadReceipt)
	r.OnType(envelope.TypeGroupHubHeartbeat, m.handleGroupHubHeartbeat)
}

func (m *Manager) ensureHub() *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hub == nil {
		m.hub = NewHub(m.self, m.hubCfg, m.sender, m.nowMs, nil)
	}
	return m.hub
}

// CreateGroup asks hubTarget to host a new group and returns its id.
func (m *Manager) CreateGroup(ctx context.Context, hubTarget, name string, initialMembers []Member, maxMembers int) (string, error) {
	groupID := uuid.NewString()
	payload := CreatePayload{GroupID: groupID, Name: name, InitialMembers: initialMembers, MaxMembers: maxMembers}
	if err := m.send(ctx, hubTarget, envelope.TypeGroupCreate, payload); err != nil {
		return "", err
	}
	return groupID, nil
}

// Join asks hubTarget to admit the local node into groupID.
func (m *Manager) Join(ctx context.Context, hubTarget, groupID, username string) error {
	payload := JoinPayload{GroupID: groupID, NodeID: m.self, Username: username}
	return m.send(ctx, hubTarget, envelope.TypeGroupJoin, payload)
}

// Leave asks the group's known hub to remove targetID (self for a
// voluntary leave, another member for an admin kick).
func (m *Manager) Leave(ctx context.Context, groupID, targetID string, kick bool) error {
	hub, ok := m.hubFor(groupID)
	if !ok {
		return &HubError{Code: ErrUnknownGroup, Msg: groupID}
	}
	payload := LeavePayload{GroupID: groupID, NodeID: targetID, Kick: kick}
	return m.send(ctx, hub, envelope.TypeGroupLeave, payload)
}

// SendMessage submits text to groupID via its known hub, attaching a nonce
// and (if required) a signature per the group's Security policy.
func (m *Manager) SendMessage(ctx context.Context, groupID, text string) (string, error) {
	hub, ok := m.hubFor(groupID)
	if !ok {
		return "", &HubError{Code: ErrUnknownGroup, Msg: groupID}
	}
	msg := MessagePayload{
		GroupID:   groupID,
		MessageID: uuid.NewString(),
		SenderID:  m.self,
		Text:      text,
		SentAt:    m.nowMs(),
	}
	if m.security.RequireNonces {
		msg.Nonce = uuid.NewString()
	}
	if m.security.RequireSignatures && m.id != nil {
		msg.Signature = Sign(m.id, groupID, msg)
	}
	if err := m.send(ctx, hub, envelope.TypeGroupMessage, msg); err != nil {
		return "", err
	}
	return msg.MessageID, nil
}

func (m *Manager) hubFor(groupID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.groups[groupID]
	if !ok || st.info == nil {
		return "", false
	}
	return st.info.HubRelayID, true
}

func (m *Manager) send(ctx context.Context, to string, typ envelope.Type, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = m.sender.SendWithDirectPreference(ctx, to, typ, data, m.nowMs())
	return err
}

func (m *Manager) cacheGroup(info *Info) *groupState {
	st, ok := m.groups[info.GroupID]
	if !ok {
		st = &groupState{lastHeartbeatAt: m.nowMs()}
		m.groups[info.GroupID] = st
	}
	st.info = info
	return st
}

func (m *Manager) handleGroupCreate(e *envelope.Envelope) {
	var payload CreatePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}
	if _, err := m.ensureHub().CreateGroup(context.Background(), e.From, "", payload); err != nil {
		m.log.Debug("group create rejected", logger.String("groupId", payload.GroupID), logger.Error(err))
	}
}

func (m *Manager) handleGroupCreated(e *envelope.Envelope) {
	var payload CreatedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}
	m.mu.Lock()
	m.cacheGroup(payload.Info)
	m.mu.Unlock()
}

func (m *Manager) handleGroupInvite(e *envelope.Envelope) {
	var payload InvitePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}
	m.mu.Lock()
	m.cacheGroup(payload.Info)
	m.mu.Unlock()
}

func (m *Manager) handleGroupJoin(e *envelope.Envelope) {
	var payload JoinPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}
	if err := m.ensureHub().HandleJoin(context.Background(), e.From, payload); err != nil {
		m.log.Debug("group join rejected", logger.String("groupId", payload.GroupID), logger.Error(err))
	}
}

func (m *Manager) handleGroupMemberJoined(e *envelope.Envelope) {
	var payload MemberJoinedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.groups[payload.GroupID]
	if !ok || st.info == nil {
		return
	}
	if !st.info.HasMember(payload.Member.NodeID) {
		st.info.Members = append(st.info.Members, payload.Member)
	}
}

func (m *Manager) handleGroupLeave(e *envelope.Envelope) {
	var payload LeavePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}
	if err := m.ensureHub().HandleLeave(context.Background(), e.From, payload); err != nil {
		m.log.Debug("group leave rejected", logger.String("groupId", payload.GroupID), logger.Error(err))
	}
}

func (m *Manager) handleGroupMemberLeft(e *envelope.Envelope) {
	var payload MemberLeftPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.groups[payload.GroupID]
	if !ok || st.info == nil {
		return
	}
	kept := st.info.Members[:0]
	for _, mem := range st.info.Members {
		if mem.NodeID != payload.NodeID {
			kept = append(kept, mem)
		}
	}
	st.info.Members = kept
	if len(st.info.Members) == 0 {
		delete(m.groups, payload.GroupID)
	}
}

func (m *Manager) handleGroupSync(e *envelope.Envelope) {
	var payload SyncPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}
	m.mu.Lock()
	st := m.cacheGroup(payload.Info)
	st.history = payload.History
	m.mu.Unlock()
}

func (m *Manager) handleGroupMessage(e *envelope.Envelope) {
	var payload MessagePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}
	if hub := m.currentHub(); hub != nil && hub.Group(payload.GroupID) != nil {
		if _, err := hub.HandleMessage(context.Background(), e.From, payload); err != nil {
			metrics.GroupFanout.WithLabelValues("rejected").Inc()
		}
		return
	}
	if m.onMessage != nil {
		m.onMessage(payload.GroupID, payload)
	}
	if hub, ok := m.hubFor(payload.GroupID); ok {
		ack := DeliveryAckPayload{GroupID: payload.GroupID, MessageID: payload.MessageID, MemberID: m.self}
		_ = m.send(context.Background(), hub, envelope.TypeGroupDeliveryAck, ack)
	}
}

func (m *Manager) handleGroupDeliveryAck(e *envelope.Envelope) {
	var payload DeliveryAckPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}
	if hub := m.currentHub(); hub != nil {
		hub.HandleDeliveryAck(payload)
	}
}

func (m *Manager) handleGroupReadReceipt(e *envelope.Envelope) {
	var payload ReadReceiptPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}
	if hub := m.currentHub(); hub != nil && hub.Group(payload.GroupID) != nil {
		info := hub.Group(payload.GroupID)
		for _, mem := range info.Members {
			if mem.NodeID == payload.ReaderID {
				continue
			}
			_ = m.send(context.Background(), mem.NodeID, envelope.TypeGroupReadReceipt, payload)
		}
		return
	}
	if m.onReadReceipt != nil {
		m.onReadReceipt(payload.GroupID, payload)
	}
}

func (m *Manager) handleGroupHubMigration(e *envelope.Envelope) {
	var payload HubMigrationPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.groups[payload.GroupID]
	if !ok || st.info == nil {
		return
	}
	st.info.HubRelayID = payload.NewHub
	st.missedBeats = 0
	st.lastHeartbeatAt = m.nowMs()
}

func (m *Manager) handleGroupHubHeartbeat(e *envelope.Envelope) {
	var payload HubHeartbeatPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.groups[payload.GroupID]
	if !ok {
		return
	}
	st.missedBeats = 0
	st.lastHeartbeatAt = m.nowMs()
}

func (m *Manager) currentHub() *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hub
}

// Start runs the hub-liveness monitor: every HubHeartbeatInterval it checks
// every cached group for missed beacons and triggers an election once a
// group crosses HubFailureThreshold (spec §4.8).
func (m *Manager) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(HubHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.checkHubLiveness(loopCtx)
			}
		}
	}()
}

// Stop cancels the liveness monitor and blocks until its goroutine exits.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) checkHubLiveness(ctx context.Context) {
	now := m.nowMs()
	type due struct {
		groupID  string
		failedID string
	}
	var toElect []due

	m.mu.Lock()
	for gid, st := range m.groups {
		if st.info == nil || st.info.HubRelayID == m.self {
			continue
		}
		if now-st.lastHeartbeatAt <= HubHeartbeatInterval.Milliseconds() {
			continue
		}
		st.missedBeats++
		if st.missedBeats >= HubFailureThreshold {
			toElect = append(toElect, due{groupID: gid, failedID: st.info.HubRelayID})
			st.missedBeats = 0
		}
	}
	m.mu.Unlock()

	for _, d := range toElect {
		m.electAndMigrate(ctx, d.groupID, d.failedID, now)
	}
}

func (m *Manager) electAndMigrate(ctx context.Context, groupID, failedHubID string, now int64) {
	m.mu.Lock()
	st, ok := m.groups[groupID]
	if !ok || st.info == nil {
		m.mu.Unlock()
		return
	}
	info := st.info.Clone()
	history := append([]StoredMessage(nil), st.history...)
	m.mu.Unlock()

	candidates := m.electionCandidates(info)
	result, ok := Elect(info, candidates, failedHubID, now)
	if !ok {
		return
	}
	metrics.HubElections.WithLabelValues(electionRole(result.WinnerID, m.self)).Inc()

	if result.WinnerID != m.self {
		m.mu.Lock()
		if st, ok := m.groups[groupID]; ok && st.info != nil {
			st.info.HubRelayID = result.WinnerID
		}
		m.mu.Unlock()
		return
	}

	info.HubRelayID = m.self
	hub := m.ensureHub()
	hub.ImportMigration(&MigrationState{Info: info, History: history, PendingDeliveries: map[string][]string{}})

	m.mu.Lock()
	st2 := m.groups[groupID]
	st2.info = info
	m.mu.Unlock()

	payload := HubMigrationPayload{GroupID: groupID, NewHub: m.self, OldHub: failedHubID, Reason: "hub-failure"}
	for _, mem := range info.Members {
		if mem.NodeID == m.self {
			continue
		}
		_ = m.send(ctx, mem.NodeID, envelope.TypeGroupHubMigration, payload)
	}
}

func electionRole(winner, self string) string {
	if winner == self {
		return "won"
	}
	return "lost"
}

func (m *Manager) electionCandidates(info *Info) []Elector {
	if m.topo == nil {
		return nil
	}
	peers := m.topo.WithRole(topology.RoleRelay)
	candidates := make([]Elector, 0, len(peers))
	for _, p := range peers {
		candidates = append(candidates, Elector{NodeID: p.NodeID, IsRelay: true, LastSeen: p.LastSeen})
	}
	return candidates
}
