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

package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSender struct {
	calls int32
}

func (f *fakeSender) BroadcastHeartbeat(peerIDs []string) {
	atomic.AddInt32(&f.calls, 1)
}

type fakePeerLister struct{ ids []string }

func (f *fakePeerLister) ConnectedPeerIDs() []string { return f.ids }

func TestHeartbeatFiresPeriodically(t *testing.T) {
	sender := &fakeSender{}
	hb := New(5*time.Millisecond, sender, &fakePeerLister{ids: []string{"a"}})

	hb.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	hb.Stop()

	assert.Greater(t, atomic.LoadInt32(&sender.calls), int32(0))
}

func TestHeartbeatStopPreventsFurtherBeacons(t *testing.T) {
	sender := &fakeSender{}
	hb := New(5*time.Millisecond, sender, &fakePeerLister{ids: nil})

	hb.Start(context.Background())
	time.Sleep(15 * time.Millisecond)
	hb.Stop()

	after := atomic.LoadInt32(&sender.calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&sender.calls), "no beacons after Stop")
}

func TestHeartbeatStartIsIdempotent(t *testing.T) {
	sender := &fakeSender{}
	hb := New(5*time.Millisecond, sender, &fakePeerLister{ids: nil})

	hb.Start(context.Background())
	hb.Start(context.Background()) // must not spawn a second loop
	hb.Stop()
}
