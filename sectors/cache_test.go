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
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

// stubAssignmentSource scripted AssignmentSource
type stubAssignmentSource struct {
	lookups  int64
	sectors  []string
	failWith error
	blockFor time.Duration
}

func (s *stubAssignmentSource) Lookup(
	ctxt context.Context, tenant, branch, user string,
) ([]string, error) {
	atomic.AddInt64(&s.lookups, 1)
	if s.blockFor > 0 {
		select {
		case <-ctxt.Done():
			return nil, ctxt.Err()
		case <-time.After(s.blockFor):
		}
	}
	if s.failWith != nil {
		return nil, s.failWith
	}
	return s.sectors, nil
}

func utCacheParams() SectorCacheParams {
	return SectorCacheParams{
		TTL:           time.Minute * 5,
		LookupTimeout: time.Millisecond * 100,
		MaxEntries:    64,
	}
}

func TestSectorCacheAgainstRedis(t *testing.T) {
	assert := assert.New(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() {
		assert.Nil(client.Close())
	}()
	source, err := GetRedisAssignmentSource(client)
	assert.Nil(err)
	uut, err := GetSectorAssignmentCache(source, utCacheParams())
	assert.Nil(err)

	ctxt := context.Background()
	_, err = client.SAdd(ctxt, "sector-assign:t1:b1:u1", "s1", "s2").Result()
	assert.Nil(err)

	// Case 0: miss fills from redis
	sectors, known := uut.Covers(ctxt, "t1", "b1", "u1")
	assert.True(known)
	sort.Strings(sectors)
	assert.Equal([]string{"s1", "s2"}, sectors)
	assert.Equal(1, uut.EntryCount())

	// Case 1: the fresh entry answers even after redis changes
	_, err = client.SAdd(ctxt, "sector-assign:t1:b1:u1", "s3").Result()
	assert.Nil(err)
	sectors, known = uut.Covers(ctxt, "t1", "b1", "u1")
	assert.True(known)
	assert.Len(sectors, 2)

	// Case 2: a user with no assignment set covers nothing, and that is a
	// known answer, not an unknown one
	sectors, known = uut.Covers(ctxt, "t1", "b1", "u2")
	assert.True(known)
	assert.Empty(sectors)

	// Case 3: invalidation forces the next answer back through redis
	uut.Invalidate("t1", "b1", "u1")
	sectors, known = uut.Covers(ctxt, "t1", "b1", "u1")
	assert.True(known)
	assert.Len(sectors, 3)
}

func TestSectorCacheUnknownOnSlowSource(t *testing.T) {
	assert := assert.New(t)

	source := &stubAssignmentSource{
		sectors: []string{"s1"}, blockFor: time.Second,
	}
	uut, err := GetSectorAssignmentCache(source, utCacheParams())
	assert.Nil(err)

	// The deadline fires long before the source answers
	startTime := time.Now()
	sectors, known := uut.Covers(context.Background(), "t1", "b1", "u1")
	assert.False(known)
	assert.Nil(sectors)
	assert.Less(time.Since(startTime), time.Millisecond*500)

	// Unknown answers are never cached
	assert.Equal(0, uut.EntryCount())
}

func TestSectorCacheUnknownOnSourceError(t *testing.T) {
	assert := assert.New(t)

	source := &stubAssignmentSource{failWith: fmt.Errorf("dummy source outage")}
	uut, err := GetSectorAssignmentCache(source, utCacheParams())
	assert.Nil(err)

	_, known := uut.Covers(context.Background(), "t1", "b1", "u1")
	assert.False(known)

	// Once the source recovers the next call succeeds
	source.failWith = nil
	source.sectors = []string{"s1"}
	sectors, known := uut.Covers(context.Background(), "t1", "b1", "u1")
	assert.True(known)
	assert.Equal([]string{"s1"}, sectors)
}

func TestSectorCacheStaleWhileRevalidate(t *testing.T) {
	assert := assert.New(t)

	source := &stubAssignmentSource{sectors: []string{"s1"}}
	uut, err := GetSectorAssignmentCache(source, utCacheParams())
	assert.Nil(err)
	impl := uut.(*sectorCacheImpl)
	current := time.Unix(1700000000, 0)
	impl.timeNow = func() time.Time { return current }

	ctxt := context.Background()
	sectors, known := uut.Covers(ctxt, "t1", "b1", "u1")
	assert.True(known)
	assert.Equal([]string{"s1"}, sectors)
	assert.EqualValues(1, atomic.LoadInt64(&source.lookups))

	// Entry expires; the assignment also changed at the source
	current = current.Add(time.Minute * 10)
	source.sectors = []string{"s1", "s2"}

	// The stale value answers immediately while the refresh runs behind
	sectors, known = uut.Covers(ctxt, "t1", "b1", "u1")
	assert.True(known)
	assert.Equal([]string{"s1"}, sectors)

	// The refresh lands and subsequent answers see the new assignment
	assert.Eventually(func() bool {
		sectors, known := uut.Covers(ctxt, "t1", "b1", "u1")
		return known && len(sectors) == 2
	}, time.Second, time.Millisecond*10)
	assert.EqualValues(2, atomic.LoadInt64(&source.lookups))
}

func TestSectorCacheEviction(t *testing.T) {
	assert := assert.New(t)

	source := &stubAssignmentSource{sectors: []string{"s1"}}
	params := utCacheParams()
	params.MaxEntries = 2
	uut, err := GetSectorAssignmentCache(source, params)
	assert.Nil(err)
	impl := uut.(*sectorCacheImpl)
	current := time.Unix(1700000000, 0)
	impl.timeNow = func() time.Time { return current }

	ctxt := context.Background()
	for itr := 0; itr < 4; itr++ {
		current = current.Add(time.Second)
		_, known := uut.Covers(ctxt, "t1", "b1", fmt.Sprintf("u%d", itr))
		assert.True(known)
	}
	assert.Equal(2, uut.EntryCount())

	// The freshest entries survived
	assert.Equal(2, impl.entryCountMatching("t1/b1/u2", "t1/b1/u3"))
}

// entryCountMatching test helper counting which keys remain cached
func (c *sectorCacheImpl) entryCountMatching(keys ...string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	count := 0
	for _, key := range keys {
		if _, ok := c.entries[key]; ok {
			count++
		}
	}
	return count
}
