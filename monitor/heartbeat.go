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
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/cortezalberto/restogw/common"
	"github.com/cortezalberto/restogw/registry"
)

// HeartbeatMonitor tracks connection liveness. A connection which stops
// sending heartbeats past the stale timeout is reported by the sweep and
// torn down through the normal disconnect path.
type HeartbeatMonitor interface {
	// Track start observing a connection. The admission time counts as the
	// first heartbeat.
	Track(conn *registry.Connection)
	// Beat record a heartbeat receipt
	Beat(connID string)
	// Forget stop observing a connection
	Forget(connID string)
	// Stale connection IDs whose last heartbeat is older than the timeout
	Stale(timeout time.Duration) []string
	// TrackedCount number of observed connections
	TrackedCount() int
}

// heartbeatMonitorImpl implements HeartbeatMonitor
type heartbeatMonitorImpl struct {
	common.Component
	lock    sync.RWMutex
	tracked map[string]*registry.Connection
	timeNow func() time.Time
}

// GetHeartbeatMonitor define a HeartbeatMonitor
func GetHeartbeatMonitor() (HeartbeatMonitor, error) {
	logTags := log.Fields{"module": "monitor", "component": "heartbeat"}
	return &heartbeatMonitorImpl{
		Component: common.Component{LogTags: logTags},
		tracked:   map[string]*registry.Connection{},
		timeNow:   time.Now,
	}, nil
}

// Track start observing a connection
func (m *heartbeatMonitorImpl) Track(conn *registry.Connection) {
	m.lock.Lock()
	defer m.lock.Unlock()
	conn.RecordHeartbeat(m.timeNow())
	m.tracked[conn.ID] = conn
}

// Beat record a heartbeat receipt
func (m *heartbeatMonitorImpl) Beat(connID string) {
	m.lock.RLock()
	conn, ok := m.tracked[connID]
	m.lock.RUnlock()
	if !ok {
		log.WithFields(m.LogTags).Debugf("Heartbeat from untracked connection %s", connID)
		return
	}
	conn.RecordHeartbeat(m.timeNow())
}

// Forget stop observing a connection
func (m *heartbeatMonitorImpl) Forget(connID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.tracked, connID)
}

// Stale connection IDs whose last heartbeat is older than the timeout
func (m *heartbeatMonitorImpl) Stale(timeout time.Duration) []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	cutoff := m.timeNow().Add(-timeout)
	result := []string{}
	for connID, conn := range m.tracked {
		if conn.LastHeartbeat().Before(cutoff) {
			result = append(result, connID)
		}
	}
	return result
}

// TrackedCount number of observed connections
func (m *heartbeatMonitorImpl) TrackedCount() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.tracked)
}
