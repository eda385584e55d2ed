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

package registry

import (
	"fmt"
	"sync"

	"github.com/apex/log"

	"github.com/cortezalberto/restogw/common"
)

// IndexKind classification axis a connection is indexed under
type IndexKind string

const (
	// IndexTenant all connections of a tenant
	IndexTenant IndexKind = "tenant"
	// IndexUser connections of one staff user
	IndexUser IndexKind = "user"
	// IndexBranchStaff non-admin staff connections scoped to a branch
	IndexBranchStaff IndexKind = "branch-staff"
	// IndexBranchAdmin admin connections scoped to a branch
	IndexBranchAdmin IndexKind = "branch-admin"
	// IndexSector staff connections covering a sector of a branch
	IndexSector IndexKind = "sector"
	// IndexSession connections of one guest session
	IndexSession IndexKind = "session"
	// IndexTenantAdmin admin connections of a tenant
	IndexTenantAdmin IndexKind = "tenant-admin"
	// IndexBranchUnresolved staff connections of a branch whose sector
	// coverage could not be resolved at admission
	IndexBranchUnresolved IndexKind = "branch-unresolved"
)

// IndexKey one forward index entry locator
type IndexKey struct {
	// Kind the classification axis
	Kind IndexKind `json:"kind"`
	// Key the axis-specific key, always tenant prefixed
	Key string `json:"key"`
}

// String implements Stringer
func (k IndexKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.Key)
}

// UserKey index key for a staff user's connections
func UserKey(tenant, user string) IndexKey {
	return IndexKey{Kind: IndexUser, Key: fmt.Sprintf("%s/%s", tenant, user)}
}

// BranchStaffKey index key for a branch's non-admin staff connections
func BranchStaffKey(tenant, branch string) IndexKey {
	return IndexKey{Kind: IndexBranchStaff, Key: fmt.Sprintf("%s/%s", tenant, branch)}
}

// BranchAdminKey index key for a branch's admin connections
func BranchAdminKey(tenant, branch string) IndexKey {
	return IndexKey{Kind: IndexBranchAdmin, Key: fmt.Sprintf("%s/%s", tenant, branch)}
}

// SectorKey index key for a sector's staff connections
func SectorKey(tenant, branch, sector string) IndexKey {
	return IndexKey{Kind: IndexSector, Key: fmt.Sprintf("%s/%s/%s", tenant, branch, sector)}
}

// SessionKey index key for a guest session's connections
func SessionKey(tenant, session string) IndexKey {
	return IndexKey{Kind: IndexSession, Key: fmt.Sprintf("%s/%s", tenant, session)}
}

// TenantKey index key for every connection of a tenant
func TenantKey(tenant string) IndexKey {
	return IndexKey{Kind: IndexTenant, Key: tenant}
}

// TenantAdminKey index key for a tenant's admin connections
func TenantAdminKey(tenant string) IndexKey {
	return IndexKey{Kind: IndexTenantAdmin, Key: tenant}
}

// BranchUnresolvedKey index key for a branch's unknown-coverage staff
func BranchUnresolvedKey(tenant, branch string) IndexKey {
	return IndexKey{Kind: IndexBranchUnresolved, Key: fmt.Sprintf("%s/%s", tenant, branch)}
}

// =======================================================================

// ConnectionRegistry the canonical live connection set plus the forward and
// reverse classification indices. Mutations of compound state must be
// sequenced through the LockCoordinator by the caller; the registry's own
// mutex only protects map integrity.
type ConnectionRegistry interface {
	// Register add a connection to the all-set and every applicable index
	Register(conn *Connection) error
	// Unregister remove a connection from every index it is in via the
	// reverse map, then from the all-set. Returns the connection and true if
	// it was present; idempotent otherwise.
	Unregister(connID string) (*Connection, bool)
	// Get fetch a connection by ID
	Get(connID string) (*Connection, bool)
	// ConnectionsForKey snapshot the connections under one index key
	ConnectionsForKey(key IndexKey) []*Connection
	// KeysOfConnection snapshot the reverse map entry of a connection
	KeysOfConnection(connID string) []IndexKey
	// TotalCount current size of the all-set
	TotalCount() int
	// CountForUser current live connection count of one staff user
	CountForUser(tenant, user string) int
	// CountsByRole current connection counts grouped by endpoint role
	CountsByRole() map[string]int
	// MarkDead flag a connection for removal by the cleanup sweep without
	// touching the indices
	MarkDead(connID string)
	// TakeDead drain the dead-set
	TakeDead() []string
	// DeadCount current dead-set size
	DeadCount() int
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock    sync.RWMutex
	all     map[string]*Connection
	forward map[IndexKey]map[string]*Connection
	reverse map[string][]IndexKey

	// dead is guarded by the coordinator's dead-set lock, which is never
	// held together with any connection scope lock
	locks LockCoordinator
	dead  map[string]bool
}

// GetConnectionRegistry define a ConnectionRegistry
func GetConnectionRegistry(locks LockCoordinator) (ConnectionRegistry, error) {
	logTags := log.Fields{"module": "registry", "component": "connection-registry"}
	return &connectionRegistryImpl{
		Component: common.Component{LogTags: logTags},
		all:       make(map[string]*Connection),
		forward:   make(map[IndexKey]map[string]*Connection),
		reverse:   make(map[string][]IndexKey),
		locks:     locks,
		dead:      make(map[string]bool),
	}, nil
}

// indexKeysFor derive every index key a connection belongs under
func indexKeysFor(conn *Connection) []IndexKey {
	keys := []IndexKey{TenantKey(conn.TenantID)}
	if conn.UserID != "" {
		keys = append(keys, UserKey(conn.TenantID, conn.UserID))
	}
	if conn.SessionID != "" {
		keys = append(keys, SessionKey(conn.TenantID, conn.SessionID))
	}
	if conn.IsAdmin {
		keys = append(keys, TenantAdminKey(conn.TenantID))
	}
	for _, branch := range conn.BranchIDs {
		if conn.IsAdmin {
			keys = append(keys, BranchAdminKey(conn.TenantID, branch))
		} else if conn.UserID != "" {
			keys = append(keys, BranchStaffKey(conn.TenantID, branch))
			if conn.SectorsUnknown {
				keys = append(keys, BranchUnresolvedKey(conn.TenantID, branch))
			}
		}
	}
	for _, sector := range conn.SectorIDs {
		for _, branch := range conn.BranchIDs {
			keys = append(keys, SectorKey(conn.TenantID, branch, sector))
		}
	}
	return keys
}

// Register add a connection to the all-set and every applicable index
func (r *connectionRegistryImpl) Register(conn *Connection) error {
	if conn.TenantID == "" {
		return fmt.Errorf("refusing to register connection %s without tenant", conn.ID)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.all[conn.ID]; ok {
		return fmt.Errorf("connection %s already registered", conn.ID)
	}
	keys := indexKeysFor(conn)
	r.all[conn.ID] = conn
	for _, key := range keys {
		bucket, ok := r.forward[key]
		if !ok {
			bucket = make(map[string]*Connection)
			r.forward[key] = bucket
		}
		bucket[conn.ID] = conn
	}
	r.reverse[conn.ID] = keys
	log.WithFields(r.LogTags).Debugf("Registered %s under %d keys", conn, len(keys))
	return nil
}

// Unregister remove a connection from every index it is in
func (r *connectionRegistryImpl) Unregister(connID string) (*Connection, bool) {
	r.lock.Lock()
	conn, present := r.all[connID]
	if !present {
		r.lock.Unlock()
		return nil, false
	}
	for _, key := range r.reverse[connID] {
		if bucket, ok := r.forward[key]; ok {
			delete(bucket, connID)
			if len(bucket) == 0 {
				delete(r.forward, key)
			}
		}
	}
	delete(r.reverse, connID)
	delete(r.all, connID)
	r.lock.Unlock()

	// The connection can no longer be swept, drop any dead mark
	release := r.locks.AcquireDeadSet()
	delete(r.dead, connID)
	release()

	log.WithFields(r.LogTags).Debugf("Unregistered %s", conn)
	return conn, true
}

// Get fetch a connection by ID
func (r *connectionRegistryImpl) Get(connID string) (*Connection, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conn, ok := r.all[connID]
	return conn, ok
}

// ConnectionsForKey snapshot the connections under one index key
func (r *connectionRegistryImpl) ConnectionsForKey(key IndexKey) []*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	bucket, ok := r.forward[key]
	if !ok {
		return nil
	}
	result := make([]*Connection, 0, len(bucket))
	for _, conn := range bucket {
		result = append(result, conn)
	}
	return result
}

// KeysOfConnection snapshot the reverse map entry of a connection
func (r *connectionRegistryImpl) KeysOfConnection(connID string) []IndexKey {
	r.lock.RLock()
	defer r.lock.RUnlock()
	keys, ok := r.reverse[connID]
	if !ok {
		return nil
	}
	result := make([]IndexKey, len(keys))
	copy(result, keys)
	return result
}

// TotalCount current size of the all-set
func (r *connectionRegistryImpl) TotalCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.all)
}

// CountForUser current live connection count of one staff user
func (r *connectionRegistryImpl) CountForUser(tenant, user string) int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.forward[UserKey(tenant, user)])
}

// CountsByRole current connection counts grouped by endpoint role
func (r *connectionRegistryImpl) CountsByRole() map[string]int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := map[string]int{}
	for _, conn := range r.all {
		result[conn.Role]++
	}
	return result
}

// MarkDead flag a connection for removal by the cleanup sweep
func (r *connectionRegistryImpl) MarkDead(connID string) {
	release := r.locks.AcquireDeadSet()
	defer release()
	r.dead[connID] = true
}

// TakeDead drain the dead-set
func (r *connectionRegistryImpl) TakeDead() []string {
	release := r.locks.AcquireDeadSet()
	defer release()
	result := make([]string, 0, len(r.dead))
	for connID := range r.dead {
		result = append(result, connID)
	}
	r.dead = make(map[string]bool)
	return result
}

// DeadCount current dead-set size
func (r *connectionRegistryImpl) DeadCount() int {
	release := r.locks.AcquireDeadSet()
	defer release()
	return len(r.dead)
}
