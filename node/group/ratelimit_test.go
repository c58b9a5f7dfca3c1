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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	r := NewRateLimiter(5, time.Second, 100)
	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		assert.True(t, r.Allow("g1", "alice", now))
	}
	assert.False(t, r.Allow("g1", "alice", now), "6th message within the window must be rejected")
}

func TestRateLimiterWindowSlides(t *testing.T) {
	r := NewRateLimiter(5, time.Second, 100)
	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		assert.True(t, r.Allow("g1", "alice", now))
	}
	later := now.Add(2 * time.Second)
	assert.True(t, r.Allow("g1", "alice", later), "a fresh window must reopen capacity")
}

func TestRateLimiterIsolatesGroupsAndSenders(t *testing.T) {
	r := NewRateLimiter(1, time.Second, 100)
	now := time.Unix(0, 0)
	assert.True(t, r.Allow("g1", "alice", now))
	assert.True(t, r.Allow("g2", "alice", now), "same sender in a different group has its own bucket")
	assert.True(t, r.Allow("g1", "bob", now), "a different sender in the same group has its own bucket")
	assert.False(t, r.Allow("g1", "alice", now))
}

func TestRateLimiterCleanupEvictsStaleSenders(t *testing.T) {
	r := NewRateLimiter(1, time.Second, 100)
	now := time.Unix(0, 0)
	r.Allow("g1", "alice", now)
	r.Cleanup(now.Add(5 * time.Second))
	assert.Equal(t, 0, len(r.entries))
}
