// Copyright 2024-2025 The restogw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/cortezalberto/restogw/registry"
)

func TestHeartbeatMonitorStaleness(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetHeartbeatMonitor()
	assert.Nil(err)
	impl := uut.(*heartbeatMonitorImpl)
	current := time.Unix(1700000000, 0)
	impl.timeNow = func() time.Time { return current }

	timeout := time.Second * 60
	conn1 := &registry.Connection{ID: uuid.NewString(), TenantID: "t1", UserID: "u1"}
	conn2 := &registry.Connection{ID: uuid.NewString(), TenantID: "t1", UserID: "u2"}
	uut.Track(conn1)
	uut.Track(conn2)
	assert.Equal(2, uut.TrackedCount())

	// Case 0: admission counts as the first heartbeat
	assert.Empty(uut.Stale(timeout))

	// Case 1: one connection keeps beating, the other goes quiet
	current = current.Add(time.Second * 45)
	uut.Beat(conn1.ID)
	current = current.Add(time.Second * 30)
	stale := uut.Stale(timeout)
	assert.Equal([]string{conn2.ID}, stale)

	// Case 2: a beat on a stale connection revives it
	uut.Beat(conn2.ID)
	assert.Empty(uut.Stale(timeout))

	// Case 3: beats on unknown connections are ignored
	uut.Beat(uuid.NewString())

	// Case 4: forgotten connections never show up stale
	uut.Forget(conn1.ID)
	uut.Forget(conn2.ID)
	current = current.Add(time.Hour)
	assert.Empty(uut.Stale(timeout))
	assert.Equal(0, uut.TrackedCount())
}

func TestRateLimiterWindowBudget(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRateLimiter(RateLimiterParams{MaxMessagesPerSec: 20, AbuseStrikes: 3})
	assert.Nil(err)
	impl := uut.(*rateLimiterImpl)
	current := time.Unix(1700000000, 0)
	impl.timeNow = func() time.Time { return current }

	connID := uuid.NewString()
	uut.Track(connID)
	assert.Equal(1, uut.TrackedCount())

	// Case 0: the full budget passes within one window
	for itr := 0; itr < 20; itr++ {
		decision := uut.Check(connID)
		assert.True(decision.Allowed)
	}

	// Case 1: the 21st message in the window is dropped, first strike
	decision := uut.Check(connID)
	assert.False(decision.Allowed)
	assert.Equal(1, decision.Strikes)
	assert.False(decision.CloseConnection)

	// Repeated violations within the same window do not add strikes
	decision = uut.Check(connID)
	assert.False(decision.Allowed)
	assert.Equal(1, decision.Strikes)

	// Case 2: the saturated previous window keeps the next one over budget
	current = current.Add(time.Second)
	decision = uut.Check(connID)
	assert.False(decision.Allowed)
	assert.Equal(2, decision.Strikes)
	assert.False(decision.CloseConnection)

	// Case 3: the client keeps flooding through a third window; the strike
	// budget runs out and the connection is closed
	current = current.Add(time.Second)
	for itr := 0; itr < 25; itr++ {
		decision = uut.Check(connID)
		if !decision.Allowed {
			break
		}
	}
	assert.False(decision.Allowed)
	assert.Equal(3, decision.Strikes)
	assert.True(decision.CloseConnection)
}

func TestRateLimiterStrikeReset(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRateLimiter(RateLimiterParams{MaxMessagesPerSec: 5, AbuseStrikes: 3})
	assert.Nil(err)
	impl := uut.(*rateLimiterImpl)
	current := time.Unix(1700000000, 0)
	impl.timeNow = func() time.Time { return current }

	connID := uuid.NewString()
	uut.Track(connID)

	for itr := 0; itr < 5; itr++ {
		assert.True(uut.Check(connID).Allowed)
	}
	assert.Equal(1, uut.Check(connID).Strikes)

	// A quiet gap empties both window buckets and the next violation starts
	// a fresh strike sequence
	current = current.Add(time.Second * 5)
	for itr := 0; itr < 5; itr++ {
		assert.True(uut.Check(connID).Allowed)
	}
	decision := uut.Check(connID)
	assert.False(decision.Allowed)
	assert.Equal(1, decision.Strikes)
}

func TestRateLimiterBookkeepingRemoval(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRateLimiter(RateLimiterParams{MaxMessagesPerSec: 1, AbuseStrikes: 1})
	assert.Nil(err)

	connID := uuid.NewString()
	uut.Track(connID)
	// Track is idempotent
	uut.Track(connID)
	assert.Equal(1, uut.TrackedCount())

	uut.Forget(connID)
	assert.Equal(0, uut.TrackedCount())

	// Untracked connections are not limited
	assert.True(uut.Check(connID).Allowed)
	assert.True(uut.Check(connID).Allowed)
}
