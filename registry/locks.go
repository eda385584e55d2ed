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
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/apex/log"

	"github.com/cortezalberto/restogw/common"
)

// LockShardCounts per-shard lock acquisition counts for the diagnostics probe
type LockShardCounts struct {
	// Counter acquisitions of the global connection counter lock
	Counter uint64 `json:"counter"`
	// UserShards acquisitions per user lock shard
	UserShards []uint64 `json:"user_shards"`
	// BranchShards acquisitions per branch lock shard
	BranchShards []uint64 `json:"branch_shards"`
	// Sector acquisitions of the global sector lock
	Sector uint64 `json:"sector"`
	// Session acquisitions of the global session lock
	Session uint64 `json:"session"`
	// DeadSet acquisitions of the dead-set lock
	DeadSet uint64 `json:"dead_set"`
}

// ScopeRelease releases a previously acquired lock scope
type ScopeRelease func()

// LockCoordinator owns every lock guarding connection state. All compound
// mutations acquire their locks through here, in one fixed order:
//
//	global counter -> per-user shard -> per-branch shards (ascending) ->
//	sector -> session
//
// The dead-set lock sits outside that order and is never held together
// with any of the above.
type LockCoordinator interface {
	// AcquireConnectionScope take every lock a connect / disconnect of the
	// given connection needs, in the fixed order. The returned release
	// unlocks in reverse order.
	AcquireConnectionScope(userKey string, branchIDs []string) ScopeRelease
	// AcquireDeadSet take the dead-set lock
	AcquireDeadSet() ScopeRelease
	// ShardCounts snapshot the per-shard acquisition counters
	ShardCounts() LockShardCounts
}

// lockCoordinatorImpl implements LockCoordinator
type lockCoordinatorImpl struct {
	common.Component
	counterLock  sync.Mutex
	userShards   []sync.Mutex
	branchShards []sync.Mutex
	sectorLock   sync.Mutex
	sessionLock  sync.Mutex
	deadLock     sync.Mutex

	counterAcq  uint64
	userAcq     []uint64
	branchAcq   []uint64
	sectorAcq   uint64
	sessionAcq  uint64
	deadSetAcq  uint64
}

// GetLockCoordinator define a LockCoordinator with the given shard counts
func GetLockCoordinator(userShards, branchShards int) (LockCoordinator, error) {
	logTags := log.Fields{"module": "registry", "component": "lock-coordinator"}
	if userShards < 1 {
		userShards = 1
	}
	if branchShards < 1 {
		branchShards = 1
	}
	return &lockCoordinatorImpl{
		Component:    common.Component{LogTags: logTags},
		userShards:   make([]sync.Mutex, userShards),
		branchShards: make([]sync.Mutex, branchShards),
		userAcq:      make([]uint64, userShards),
		branchAcq:    make([]uint64, branchShards),
	}, nil
}

// shardOf map a key onto a shard index
func shardOf(key string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}

// AcquireConnectionScope take every lock a connect / disconnect needs
func (l *lockCoordinatorImpl) AcquireConnectionScope(
	userKey string, branchIDs []string,
) ScopeRelease {
	// Resolve branch shards first. Several branches can land on one shard, so
	// dedupe before locking or the second acquisition would self-deadlock.
	branchShardSet := map[int]bool{}
	for _, branchID := range branchIDs {
		branchShardSet[shardOf(branchID, len(l.branchShards))] = true
	}
	branchShardIdx := make([]int, 0, len(branchShardSet))
	for idx := range branchShardSet {
		branchShardIdx = append(branchShardIdx, idx)
	}
	sort.Ints(branchShardIdx)

	userShardIdx := shardOf(userKey, len(l.userShards))

	l.counterLock.Lock()
	atomic.AddUint64(&l.counterAcq, 1)
	l.userShards[userShardIdx].Lock()
	atomic.AddUint64(&l.userAcq[userShardIdx], 1)
	for _, idx := range branchShardIdx {
		l.branchShards[idx].Lock()
		atomic.AddUint64(&l.branchAcq[idx], 1)
	}
	l.sectorLock.Lock()
	atomic.AddUint64(&l.sectorAcq, 1)
	l.sessionLock.Lock()
	atomic.AddUint64(&l.sessionAcq, 1)

	return func() {
		l.sessionLock.Unlock()
		l.sectorLock.Unlock()
		for itr := len(branchShardIdx) - 1; itr >= 0; itr-- {
			l.branchShards[branchShardIdx[itr]].Unlock()
		}
		l.userShards[userShardIdx].Unlock()
		l.counterLock.Unlock()
	}
}

// AcquireDeadSet take the dead-set lock
func (l *lockCoordinatorImpl) AcquireDeadSet() ScopeRelease {
	l.deadLock.Lock()
	atomic.AddUint64(&l.deadSetAcq, 1)
	return func() { l.deadLock.Unlock() }
}

// ShardCounts snapshot the per-shard acquisition counters
func (l *lockCoordinatorImpl) ShardCounts() LockShardCounts {
	result := LockShardCounts{
		Counter:      atomic.LoadUint64(&l.counterAcq),
		UserShards:   make([]uint64, len(l.userAcq)),
		BranchShards: make([]uint64, len(l.branchAcq)),
		Sector:       atomic.LoadUint64(&l.sectorAcq),
		Session:      atomic.LoadUint64(&l.sessionAcq),
		DeadSet:      atomic.LoadUint64(&l.deadSetAcq),
	}
	for itr := range l.userAcq {
		result.UserShards[itr] = atomic.LoadUint64(&l.userAcq[itr])
	}
	for itr := range l.branchAcq {
		result.BranchShards[itr] = atomic.LoadUint64(&l.branchAcq[itr])
	}
	return result
}
