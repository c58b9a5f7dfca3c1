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

package tracker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStartsAtPending(t *testing.T) {
	tr := New(100, nil)
	entry := tr.Record("m1")
	assert.Equal(t, Pending, entry.Status)
}

func TestAdvanceIsMonotonic(t *testing.T) {
	tr := New(100, nil)
	tr.Record("m1")

	assert.True(t, tr.Advance("m1", Sent))
	assert.True(t, tr.Advance("m1", Relayed))
	assert.False(t, tr.Advance("m1", Sent), "regressing to an earlier status must be discarded")
	assert.Equal(t, Relayed, tr.Get("m1").Status)
}

func TestAdvanceToleratesOutOfOrderArrival(t *testing.T) {
	tr := New(100, nil)
	tr.Record("m1")

	// delivered arrives before relayed due to network reordering
	assert.True(t, tr.Advance("m1", Delivered))
	assert.False(t, tr.Advance("m1", Relayed))
	assert.Equal(t, Delivered, tr.Get("m1").Status)
}

func TestHasReachedStatus(t *testing.T) {
	tr := New(100, nil)
	tr.Record("m1")
	tr.Advance("m1", Sent)
	tr.Advance("m1", Relayed)

	assert.True(t, tr.HasReachedStatus("m1", Sent))
	assert.True(t, tr.HasReachedStatus("m1", Relayed))
	assert.False(t, tr.HasReachedStatus("m1", Delivered))
	assert.False(t, tr.HasReachedStatus("unknown", Pending))
}

func TestBoundedLRUEvictsOldest(t *testing.T) {
	tr := New(2, nil)
	tr.Record("m1")
	tr.Record("m2")
	tr.Record("m3") // evicts m1

	assert.Nil(t, tr.Get("m1"))
	assert.NotNil(t, tr.Get("m3"))
	assert.Equal(t, 2, tr.Len())
}

func TestCleanupOldMessages(t *testing.T) {
	now := time.Now()
	tr := New(100, func() time.Time { return now })
	tr.Record("old")

	now = now.Add(2 * time.Hour)
	tr.Record("new")

	removed := tr.CleanupOldMessages(1 * time.Hour)
	assert.Equal(t, 1, removed)
	assert.Nil(t, tr.Get("old"))
	assert.NotNil(t, tr.Get("new"))
}

func TestConcurrentAdvanceSameMessageIsSafe(t *testing.T) {
	tr := New(100, nil)
	tr.Record("m1")

	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			tr.Advance("m1", Delivered)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}

	assert.Equal(t, Delivered, tr.Get("m1").Status)
}

func TestManyDistinctMessagesTrackIndependently(t *testing.T) {
	tr := New(1000, nil)
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("m-%d", i)
		tr.Record(id)
		if i%2 == 0 {
			tr.Advance(id, Sent)
		}
	}
	require.Equal(t, 100, tr.Len())
}
