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

package offline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOfflineFiresAfterDebounce(t *testing.T) {
	var mu sync.Mutex
	var fired string

	d := New(10*time.Millisecond, func(nodeID string) {
		mu.Lock()
		fired = nodeID
		mu.Unlock()
	})

	d.MarkSuspect("node-a")
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "node-a", fired)
}

func TestRecoveryWithinDebounceCancelsTransition(t *testing.T) {
	var mu sync.Mutex
	fired := false

	d := New(20*time.Millisecond, func(nodeID string) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	d.MarkSuspect("node-a")
	time.Sleep(5 * time.Millisecond)
	d.MarkRecovered("node-a")
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired, "brief glitch must not trigger offline callback")
}

func TestDestroyPreventsLateCallback(t *testing.T) {
	fired := int32(0)
	d := New(10*time.Millisecond, func(nodeID string) {
		fired++
	})

	d.MarkSuspect("node-a")
	d.Destroy()
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, int32(0), fired)
	assert.Equal(t, 0, d.PendingCount())
}

func TestMarkSuspectRestartsTimer(t *testing.T) {
	var mu sync.Mutex
	count := 0
	d := New(15*time.Millisecond, func(nodeID string) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	d.MarkSuspect("node-a")
	time.Sleep(10 * time.Millisecond)
	d.MarkSuspect("node-a") // restarts the timer before it fires
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count, "restarted timer should not have fired yet")
}
