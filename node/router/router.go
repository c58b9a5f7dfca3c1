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

// Package router is the single point of envelope ingress and egress for a
// node: it decides deliver-locally vs forward vs reject, deduplicates,
// emits ACKs, and coalesces parallel connection attempts to the same next
// hop.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/tom-mesh/tomnode/internal/metrics"
	"github.com/tom-mesh/tomnode/node/directpath"
	"github.com/tom-mesh/tomnode/node/envelope"
	"github.com/tom-mesh/tomnode/node/identity"
	"github.com/tom-mesh/tomnode/node/relay"
	"github.com/tom-mesh/tomnode/node/topology"
	"github.com/tom-mesh/tomnode/node/tracker"
	"github.com/tom-mesh/tomnode/node/transport"
)

// ErrorCode is one of the wire-visible error taxonomy codes (spec §6).
type ErrorCode string

const (
	ErrTransportFailed ErrorCode = "TRANSPORT_FAILED"
	ErrPeerUnreachable ErrorCode = "PEER_UNREACHABLE"
	ErrInvalidEnvelope ErrorCode = "INVALID_ENVELOPE"
	ErrIdentityMissing ErrorCode = "IDENTITY_MISSING"
	ErrRelayRejected   ErrorCode = "RELAY_REJECTED"
)

// RouterError is a protocol-level failure surfaced to the caller/sender.
type RouterError struct {
	Code ErrorCode
	Msg  string
}

func (e *RouterError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Msg) }

const defaultDedupWindow = 10_000

// Handler processes a delivered envelope's type-specific payload (chat,
// ack, read-receipt, role-assign, group-*). Kept as a narrow callback
// rather than a full component handle (spec §9 cycle-breaking convention).
type Handler func(e *envelope.Envelope)

// Router is the central dispatcher.
type Router struct {
	self     *identity.Identity
	topo     *topology.Topology
	tr       transport.Transport
	tracker  *tracker.Tracker
	direct   *directpath.Manager
	hopTable func(target string) map[string]int // relay-candidate -> hops, supplied by gossip layer

	dedup *lru.Cache[string, struct{}]
	group singleflight.Group

	mu       sync.RWMutex
	handlers map[envelope.Type]Handler

	nowMs func() int64

	onDelivered func(e *envelope.Envelope)
	onForwarded func(e *envelope.Envelope, nextHop string)
	onRejected  func(e *envelope.Envelope, code ErrorCode)
}

// Config bundles the Router's constructor dependencies.
type Config struct {
	Self        *identity.Identity
	Topology    *topology.Topology
	Transport   transport.Transport
	Tracker     *tracker.Tracker
	DirectPath  *directpath.Manager
	HopTable    func(target string) map[string]int
	DedupWindow int
	NowMs       func() int64
	OnDelivered func(e *envelope.Envelope)
	OnForwarded func(e *envelope.Envelope, nextHop string)
	OnRejected  func(e *envelope.Envelope, code ErrorCode)
}

// New constructs a Router and wires it to the transport's inbound frame
// callback.
func New(cfg Config) (*Router, error) {
	window := cfg.DedupWindow
	if window <= 0 {
		window = defaultDedupWindow
	}
	dedup, err := lru.New[string, struct{}](window)
	if err != nil {
		return nil, fmt.Errorf("router: dedup cache: %w", err)
	}

	nowMs := cfg.NowMs
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}

	r := &Router{
		self:        cfg.Self,
		topo:        cfg.Topology,
		tr:          cfg.Transport,
		tracker:     cfg.Tracker,
		direct:      cfg.DirectPath,
		hopTable:    cfg.HopTable,
		dedup:       dedup,
		handlers:    make(map[envelope.Type]Handler),
		nowMs:       nowMs,
		onDelivered: cfg.OnDelivered,
		onForwarded: cfg.OnForwarded,
		onRejected:  cfg.OnRejected,
	}
	r.tr.OnFrame(func(nodeID string, frame []byte) {
		r.handleFrame(nodeID, frame)
	})
	return r, nil
}

// OnType registers a handler for envelope type t (spec §4.1 step 5:
// ack/read-receipt/role-assign/group-* short-circuit to their owning
// subsystem).
func (r *Router) OnType(t envelope.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// buildOutgoing seals chat payloads for `to` (spec's Open Question 1:
// backup hosts and intermediaries must never observe plaintext), then
// builds and signs the envelope. Sealing happens before signing so the
// signature covers the ciphertext actually placed on the wire and stored
// in a BackupEntry.
func (r *Router) buildOutgoing(to string, typ envelope.Type, payload []byte, nowMs int64) *envelope.Envelope {
	encrypted := false
	if typ == envelope.TypeChat {
		if sealed, err := identity.Seal(to, payload); err == nil {
			payload = sealed
			encrypted = true
		}
	}
	e := envelope.New(r.self.NodeID(), to, typ, payload, nowMs)
	e.Encrypted = encrypted
	e.Sign(r.self)
	return e
}

// Send builds, signs, tracks, and dispatches an envelope to `to` (spec
// §4.1 sender-side contract).
func (r *Router) Send(ctx context.Context, to string, typ envelope.Type, payload []byte, nowMs int64) (string, error) {
	if r.self == nil {
		return "", &RouterError{Code: ErrIdentityMissing, Msg: "no local identity"}
	}

	e := r.buildOutgoing(to, typ, payload, nowMs)
	r.tracker.Record(e.ID)
	r.tracker.Advance(e.ID, tracker.Sent)

	failed := map[string]struct{}{}
	if err := r.dispatchViaSelector(ctx, e, failed); err != nil {
		return e.ID, err
	}
	return e.ID, nil
}

// SendWithDirectPreference consults the Direct-Path Manager first; falls
// back to Relay Selector otherwise. On a direct-channel failure detected
// between the check and the send, it re-syncs direct-path state and
// retries once via relay before surfacing the error (spec §4.1).
func (r *Router) SendWithDirectPreference(ctx context.Context, to string, typ envelope.Type, payload []byte, nowMs int64) (string, error) {
	if r.self == nil {
		return "", &RouterError{Code: ErrIdentityMissing, Msg: "no local identity"}
	}

	e := r.buildOutgoing(to, typ, payload, nowMs)
	r.tracker.Record(e.ID)
	r.tracker.Advance(e.ID, tracker.Sent)

	if r.direct != nil && r.direct.IsDirectAvailable(to) {
		e.RouteType = envelope.RouteDirect
		if err := r.sendToHop(ctx, to, e); err == nil {
			return e.ID, nil
		}
		r.direct.OnTransportDisconnect(to)
	}

	failed := map[string]struct{}{}
	if err := r.dispatchViaSelector(ctx, e, failed); err != nil {
		return e.ID, err
	}
	return e.ID, nil
}

// dispatchViaSelector picks a route and sends, retrying with
// relay.SelectAlternate against a growing failed-relay set whenever the
// chosen relay's transport hop fails (spec §4.2/§8 S2: a relay failure
// triggers rerouting, not a hard error). The loop terminates on its own
// once every relay candidate has failed, since Select then reports
// ErrPeerUnreachable. On the originating node the envelope is re-signed
// after a relay is written into via, since via is part of the signed form.
// If the reject hook stores the envelope for later delivery (setting
// RouteType to backup), the send is not reported as an error.
func (r *Router) dispatchViaSelector(ctx context.Context, e *envelope.Envelope, failed map[string]struct{}) error {
	for {
		var hops map[string]int
		if r.hopTable != nil {
			hops = r.hopTable(e.To)
		}
		result := relay.SelectAlternate(r.self.NodeID(), e.To, r.topo, failed, hops)
		if result.Err != nil {
			r.reject(e, ErrPeerUnreachable)
			if e.RouteType == envelope.RouteBackup {
				return nil // the reject hook stored e for later delivery
			}
			return &RouterError{Code: ErrPeerUnreachable, Msg: string(result.Reason)}
		}

		if result.RelayID == "" {
			e.RouteType = envelope.RouteDirect
			return r.sendToHop(ctx, e.To, e)
		}

		e.Via = []string{result.RelayID}
		e.RouteType = envelope.RouteRelay
		if e.From == r.self.NodeID() {
			e.Sign(r.self) // via is part of the signed form
		}
		err := r.sendToHop(ctx, result.RelayID, e)
		if err == nil {
			return nil
		}
		routerErr, ok := err.(*RouterError)
		if !ok || routerErr.Code != ErrTransportFailed {
			return err
		}
		failed[result.RelayID] = struct{}{}
	}
}

// sendToHop dispatches the envelope to nextHop via Transport, coalescing
// concurrent connection attempts to the same hop (spec §4.1 "connection
// race discipline").
func (r *Router) sendToHop(ctx context.Context, nextHop string, e *envelope.Envelope) error {
	data, err := envelope.Encode(e)
	if err != nil {
		return &RouterError{Code: ErrInvalidEnvelope, Msg: err.Error()}
	}

	peerAny, err, _ := r.group.Do(nextHop, func() (interface{}, error) {
		if p, ok := r.tr.GetConnection(nextHop); ok {
			return p, nil
		}
		return r.tr.Connect(ctx, nextHop)
	})
	if err != nil {
		r.reject(e, ErrTransportFailed)
		return &RouterError{Code: ErrTransportFailed, Msg: err.Error()}
	}

	peer := peerAny.(transport.Peer)
	if sendErr := peer.Send(ctx, data); sendErr != nil {
		r.reject(e, ErrTransportFailed)
		return &RouterError{Code: ErrTransportFailed, Msg: sendErr.Error()}
	}
	return nil
}

func (r *Router) reject(e *envelope.Envelope, code ErrorCode) {
	metrics.EnvelopesRouted.WithLabelValues("rejected").Inc()
	if r.onRejected != nil {
		r.onRejected(e, code)
	}
}

// handleFrame decodes and dispatches one inbound frame (spec §4.1 receive
// side).
func (r *Router) handleFrame(fromPeer string, frame []byte) {
	start := time.Now()
	metrics.MessageSize.Observe(float64(len(frame)))

	e, err := envelope.Decode(frame)
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("unknown", "failure").Inc()
		return // malformed frame from the wire: drop silently, nothing to blame
	}
	r.HandleIncoming(e)
	metrics.MessagesProcessed.WithLabelValues(string(e.Type), "success").Inc()
	metrics.MessageProcessingDuration.Observe(time.Since(start).Seconds())
}

// HandleIncoming implements the receive-side contract (spec §4.1).
func (r *Router) HandleIncoming(e *envelope.Envelope) {
	if !e.VerifySignature() {
		r.surfaceInvalidIfSelfDestined(e)
		return
	}

	if r.topo != nil {
		r.topo.TouchLastSeen(e.From, r.nowMs())
	}

	if r.isDuplicate(e.ID) {
		return // already considered delivered by the sender; drop silently
	}

	if e.To == r.self.NodeID() {
		r.deliverLocally(e)
		return
	}

	r.forward(e)
}

func (r *Router) surfaceInvalidIfSelfDestined(e *envelope.Envelope) {
	if r.self != nil && e.To == r.self.NodeID() && r.onRejected != nil {
		r.onRejected(e, ErrInvalidEnvelope)
	}
	// Dropped silently on intermediaries — per spec §7 propagation policy.
}

func (r *Router) isDuplicate(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.dedup.Get(id); seen {
		metrics.EnvelopesRouted.WithLabelValues("duplicate").Inc()
		return true
	}
	r.dedup.Add(id, struct{}{})
	return false
}

// deliverLocally dispatches an envelope addressed to this node. A sealed
// chat payload (e.Encrypted) is opened with this node's private key before
// the type handler runs — the one point a sealed payload is ever turned
// back into plaintext. Failure leaves Payload as the ciphertext the
// recipient received; a handler keyed to e.Encrypted can tell the two
// cases apart.
func (r *Router) deliverLocally(e *envelope.Envelope) {
	if e.Encrypted && r.self != nil {
		if plain, err := r.self.Open(e.Payload); err == nil {
			e.Payload = plain
		}
	}
	r.dispatchByType(e)
	metrics.EnvelopesRouted.WithLabelValues("delivered").Inc()
	if r.tracker.Advance(e.ID, tracker.Delivered) {
		metrics.TrackerStatusTransitions.WithLabelValues(tracker.Delivered.String()).Inc()
	}
	if r.onDelivered != nil {
		r.onDelivered(e)
	}
	if envelope.ExpectsAck(e.Type) {
		r.emitAck(e, envelope.AckRecipientReceived)
	}
}

func (r *Router) forward(e *envelope.Envelope) {
	via := e.Via
	for len(via) > 0 && via[0] == r.self.NodeID() {
		via = via[1:] // drop hops already consumed by virtue of having arrived here
	}
	nextHop, rest, ok := envelope.NextHop(via)
	if !ok {
		failed := map[string]struct{}{}
		if err := r.dispatchViaSelector(context.Background(), e, failed); err != nil {
			r.reject(e, ErrPeerUnreachable)
			return
		}
		r.emitAck(e, envelope.AckRelayForwarded)
		return
	}

	if r.topo.Status(nextHop, 10*time.Second, 30*time.Second) == topology.StatusOffline {
		r.reject(e, ErrPeerUnreachable)
		return
	}

	forwarded := *e
	forwarded.Via = rest
	data, err := envelope.Encode(&forwarded)
	if err != nil {
		return
	}
	peerAny, err, _ := r.group.Do(nextHop, func() (interface{}, error) {
		if p, ok := r.tr.GetConnection(nextHop); ok {
			return p, nil
		}
		return r.tr.Connect(context.Background(), nextHop)
	})
	if err != nil {
		r.reject(e, ErrPeerUnreachable)
		return
	}
	peer := peerAny.(transport.Peer)
	if err := peer.Send(context.Background(), data); err != nil {
		r.reject(e, ErrPeerUnreachable)
		return
	}
	metrics.EnvelopesRouted.WithLabelValues("forwarded").Inc()
	if r.onForwarded != nil {
		r.onForwarded(e, nextHop)
	}
	r.emitAck(e, envelope.AckRelayForwarded)
}

// emitAck synthesizes and routes an ACK back toward the original sender.
// Best-effort: failure to deliver never rolls back any tracked status
// (spec §4.1).
func (r *Router) emitAck(original *envelope.Envelope, kind envelope.AckType) {
	if r.self == nil {
		return
	}
	payload, err := json.Marshal(envelope.AckPayload{
		OriginalMessageID: original.ID,
		AckType:           kind,
		HopNodeID:         r.self.NodeID(),
	})
	if err != nil {
		return
	}
	ackEnv := envelope.New(r.self.NodeID(), original.From, envelope.TypeAck, payload, original.Timestamp)
	ackEnv.Sign(r.self)
	failed := map[string]struct{}{}
	_ = r.dispatchViaSelector(context.Background(), ackEnv, failed)
}

// dispatchByType routes type-specific side effects to registered handlers
// (role-assign, group-*) and applies the tracker transitions owned directly
// by the router for ack/read-receipt (spec §4.1 step 5).
func (r *Router) dispatchByType(e *envelope.Envelope) {
	switch e.Type {
	case envelope.TypeAck:
		r.handleAck(e)
	case envelope.TypeReadReceipt:
		r.handleReadReceipt(e)
	}

	r.mu.RLock()
	h, ok := r.handlers[e.Type]
	r.mu.RUnlock()
	if ok {
		h(e)
	}
}

func (r *Router) handleAck(e *envelope.Envelope) {
	var payload envelope.AckPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}
	var newStatus tracker.Status
	switch payload.AckType {
	case envelope.AckRelayForwarded:
		newStatus = tracker.Relayed
	case envelope.AckRecipientReceived:
		newStatus = tracker.Delivered
	default:
		return
	}
	if r.tracker.Advance(payload.OriginalMessageID, newStatus) {
		metrics.TrackerStatusTransitions.WithLabelValues(newStatus.String()).Inc()
	}
}

func (r *Router) handleReadReceipt(e *envelope.Envelope) {
	var payload envelope.ReadReceiptPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}
	if r.tracker.Advance(payload.OriginalMessageID, tracker.Read) {
		metrics.TrackerStatusTransitions.WithLabelValues(tracker.Read.String()).Inc()
	}
}

// MarkAsRead sends a best-effort read-receipt for originalMessageID back to
// `to`, but only the first time — HasReachedStatus makes repeated calls a
// no-op so the SDK can call this freely without re-sending (spec §4.6,
// §8 property 9).
func (r *Router) MarkAsRead(ctx context.Context, to, originalMessageID string, nowMs int64) {
	if r.tracker.HasReachedStatus(originalMessageID, tracker.Read) {
		return
	}
	payload, err := json.Marshal(envelope.ReadReceiptPayload{OriginalMessageID: originalMessageID, ReadAt: nowMs})
	if err != nil {
		return
	}
	if _, err := r.SendWithDirectPreference(ctx, to, envelope.TypeReadReceipt, payload, nowMs); err != nil {
		return
	}
	if r.tracker.Advance(originalMessageID, tracker.Read) {
		metrics.TrackerStatusTransitions.WithLabelValues(tracker.Read.String()).Inc()
	}
}
