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

	"github.com/apex/log"
	"github.com/redis/go-redis/v9"

	"github.com/cortezalberto/restogw/common"
)

// AssignmentSource the source of truth for staff sector assignments
type AssignmentSource interface {
	// Lookup fetch the sector IDs assigned to a user within a branch
	Lookup(ctxt context.Context, tenant, branch, user string) ([]string, error)
}

// redisAssignmentSource AssignmentSource backed by redis, where the floor
// management service maintains one set per (tenant, branch, user)
type redisAssignmentSource struct {
	common.Component
	client *redis.Client
}

// GetRedisAssignmentSource define an AssignmentSource reading from redis
func GetRedisAssignmentSource(client *redis.Client) (AssignmentSource, error) {
	logTags := log.Fields{"module": "sectors", "component": "redis-source"}
	return &redisAssignmentSource{
		Component: common.Component{LogTags: logTags},
		client:    client,
	}, nil
}

// assignmentKey redis key holding one user's sector set within a branch
func assignmentKey(tenant, branch, user string) string {
	return fmt.Sprintf("sector-assign:%s:%s:%s", tenant, branch, user)
}

// Lookup fetch the sector IDs assigned to a user within a branch
func (s *redisAssignmentSource) Lookup(
	ctxt context.Context, tenant, branch, user string,
) ([]string, error) {
	members, err := s.client.SMembers(ctxt, assignmentKey(tenant, branch, user)).Result()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Warnf(
			"Sector lookup failed for %s/%s/%s", tenant, branch, user,
		)
		return nil, err
	}
	return members, nil
}
