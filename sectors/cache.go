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

package sectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"

	"github.com/cortezalberto/restogw/common"
)

// SectorAssignmentCache TTL cache over the sector assignment source of
// truth. A lookup which cannot be answered in time comes back unknown; the
// router then widens delivery instead of dropping.
type SectorAssignmentCache interface {
	// Covers fetch the sector IDs a user covers in a branch. known is false
	// when the source of truth could not answer in time.
	Covers(ctxt context.Context, tenant, branch, user string) (sectors []string, known bool)
	// Invalidate drop the cached assignment for one user in a branch
	Invalidate(tenant, branch, user string)
	// EntryCount current number of cached assignments
	EntryCount() int
}

// SectorCacheParams cache tuning
type SectorCacheParams struct {
	// TTL entry lifetime
	TTL time.Duration `validate:"gt=0"`
	// LookupTimeout hard deadline on a source of truth query
	LookupTimeout time.Duration `validate:"gt=0"`
	// MaxEntries cache size bound; the entry closest to expiry is evicted
	MaxEntries int `validate:"gte=1"`
}

// cacheEntry one cached (tenant, branch, user) assignment
type cacheEntry struct {
	sectors    []string
	expiresAt  time.Time
	refreshing bool
}

// sectorCacheImpl implements SectorAssignmentCache
type sectorCacheImpl struct {
	common.Component
	lock    sync.Mutex
	source  AssignmentSource
	params  SectorCacheParams
	entries map[string]*cacheEntry
	timeNow func() time.Time
}

// GetSectorAssignmentCache define a SectorAssignmentCache
func GetSectorAssignmentCache(
	source AssignmentSource, params SectorCacheParams,
) (SectorAssignmentCache, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "sectors", "component": "assignment-cache"}
	return &sectorCacheImpl{
		Component: common.Component{LogTags: logTags},
		source:    source,
		params:    params,
		entries:   map[string]*cacheEntry{},
		timeNow:   time.Now,
	}, nil
}

// entryKey cache key for one (tenant, branch, user)
func entryKey(tenant, branch, user string) string {
	return fmt.Sprintf("%s/%s/%s", tenant, branch, user)
}

// Covers fetch the sector IDs a user covers in a branch
func (c *sectorCacheImpl) Covers(
	ctxt context.Context, tenant, branch, user string,
) ([]string, bool) {
	key := entryKey(tenant, branch, user)

	c.lock.Lock()
	entry, hit := c.entries[key]
	if hit {
		sectors := entry.sectors
		if c.timeNow().Before(entry.expiresAt) {
			c.lock.Unlock()
			return sectors, true
		}
		// Expired entries still answer while a background refresh runs
		if !entry.refreshing {
			entry.refreshing = true
			go c.refresh(tenant, branch, user, key)
		}
		c.lock.Unlock()
		return sectors, true
	}
	c.lock.Unlock()

	// Miss, query the source of truth under the strict deadline. Timeouts
	// and errors surface as unknown, never as an empty assignment.
	lookupCtxt, cancel := context.WithTimeout(ctxt, c.params.LookupTimeout)
	defer cancel()
	sectors, err := c.source.Lookup(lookupCtxt, tenant, branch, user)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Warnf(
			"Sector coverage of %s unknown", key,
		)
		return nil, false
	}
	c.store(key, sectors)
	return sectors, true
}

// refresh re-query the source of truth for one expired entry. The stale
// value keeps serving if the refresh fails.
func (c *sectorCacheImpl) refresh(tenant, branch, user, key string) {
	ctxt, cancel := context.WithTimeout(context.Background(), c.params.LookupTimeout)
	defer cancel()
	sectors, err := c.source.Lookup(ctxt, tenant, branch, user)

	c.lock.Lock()
	defer c.lock.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	entry.refreshing = false
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Warnf(
			"Background refresh of %s failed, keeping stale entry", key,
		)
		return
	}
	entry.sectors = sectors
	entry.expiresAt = c.timeNow().Add(c.params.TTL)
}

// store insert one entry, evicting the entry closest to expiry when full
func (c *sectorCacheImpl) store(key string, sectors []string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.params.MaxEntries {
		evictKey := ""
		var evictAt time.Time
		for candidate, entry := range c.entries {
			if evictKey == "" || entry.expiresAt.Before(evictAt) {
				evictKey = candidate
				evictAt = entry.expiresAt
			}
		}
		delete(c.entries, evictKey)
		log.WithFields(c.LogTags).Debugf("Cache full, evicted %s", evictKey)
	}
	c.entries[key] = &cacheEntry{
		sectors:   sectors,
		expiresAt: c.timeNow().Add(c.params.TTL),
	}
}

// Invalidate drop the cached assignment for one user in a branch
func (c *sectorCacheImpl) Invalidate(tenant, branch, user string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.entries, entryKey(tenant, branch, user))
}

// EntryCount current number of cached assignments
func (c *sectorCacheImpl) EntryCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.entries)
}
