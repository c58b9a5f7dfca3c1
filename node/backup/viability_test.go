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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFactorsScoreWeighting(t *testing.T) {
	perfect := Factors{TimezoneAlignment: 1, HostStability: 1, Bandwidth: 1, Contribution: 1}
	assert.InDelta(t, 1.0, perfect.Score(), 1e-9)

	zero := Factors{}
	assert.InDelta(t, 0.0, zero.Score(), 1e-9)

	// stability alone, at weight 0.35, is enough to sit above the 0.30
	// replication threshold
	stabilityOnly := Factors{HostStability: 1}
	assert.InDelta(t, 0.35, stabilityOnly.Score(), 1e-9)
}

func TestReevaluateTriggersReplicationBelowThreshold(t *testing.T) {
	s := New(24*time.Hour, nil, nil)
	s.StoreForRecipient("bob", newTestEnvelope("m1"), Factors{})

	var mu sync.Mutex
	var replicated []string
	done := make(chan struct{})

	v := NewViability(s, func(e *Entry) Factors {
		return Factors{TimezoneAlignment: 0.25, HostStability: 0.25, Bandwidth: 0.25, Contribution: 0.25} // 0.25, below 0.30
	}, func(ctx context.Context, e *Entry) {
		mu.Lock()
		replicated = append(replicated, e.Envelope.ID)
		mu.Unlock()
		close(done)
	})

	v.Reevaluate(context.Background())
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m1"}, replicated)
	assert.NotNil(t, s.Get("m1"), "entry above deletion threshold must survive")
}

func TestReevaluateSelfDeletesBelowCriticalThreshold(t *testing.T) {
	s := New(24*time.Hour, nil, nil)
	s.StoreForRecipient("bob", newTestEnvelope("m1"), Factors{})

	v := NewViability(s, func(e *Entry) Factors {
		return Factors{} // score 0, below 0.10
	}, func(ctx context.Context, e *Entry) {
		t.Fatal("must not replicate a self-deleted entry")
	})

	deleted := v.Reevaluate(context.Background())
	assert.Equal(t, []string{"m1"}, deleted)
	assert.Nil(t, s.Get("m1"))
}

func TestReevaluateLeavesHealthyEntryAlone(t *testing.T) {
	s := New(24*time.Hour, nil, nil)
	s.StoreForRecipient("bob", newTestEnvelope("m1"), Factors{})

	replicateCalled := false
	v := NewViability(s, func(e *Entry) Factors {
		return Factors{TimezoneAlignment: 1, HostStability: 1, Bandwidth: 1, Contribution: 1}
	}, func(ctx context.Context, e *Entry) {
		replicateCalled = true
	})

	deleted := v.Reevaluate(context.Background())
	assert.Empty(t, deleted)
	assert.False(t, replicateCalled)
	assert.NotNil(t, s.Get("m1"))
}
