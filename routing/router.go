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

package routing

import (
	"context"
	"errors"

	"github.com/apex/log"

	"github.com/cortezalberto/restogw/common"
	"github.com/cortezalberto/restogw/registry"
)

// ErrNoTenant the event carries no tenant ID and must not be routed
var ErrNoTenant = errors.New("event missing tenant id")

// ErrUnroutable the event resolved to an empty target set
var ErrUnroutable = errors.New("event resolved to no targets")

// SectorCoverage answers which sectors a staff user covers within a branch.
// Implemented by the sector assignment cache.
type SectorCoverage interface {
	// Covers fetch the sector IDs a user covers in a branch. known is false
	// when the source of truth could not answer in time; callers must then
	// widen delivery rather than drop.
	Covers(ctxt context.Context, tenant, branch, user string) (sectors []string, known bool)
}

// EventRouter resolves an event to the set of live target connections
type EventRouter interface {
	// Route resolve the target set of one event. The returned set has already
	// passed the tenant filter.
	Route(ctxt context.Context, event Event) ([]*registry.Connection, error)
}

// eventRouterImpl implements EventRouter
type eventRouterImpl struct {
	common.Component
	reg      registry.ConnectionRegistry
	coverage SectorCoverage
	filter   TenantFilter
}

// GetEventRouter define an EventRouter
func GetEventRouter(
	reg registry.ConnectionRegistry, coverage SectorCoverage, filter TenantFilter,
) (EventRouter, error) {
	logTags := log.Fields{"module": "routing", "component": "event-router"}
	return &eventRouterImpl{
		Component: common.Component{LogTags: logTags},
		reg:       reg,
		coverage:  coverage,
		filter:    filter,
	}, nil
}

// Route resolve the target set of one event
func (r *eventRouterImpl) Route(
	ctxt context.Context, event Event,
) ([]*registry.Connection, error) {
	if event.TenantID == "" {
		return nil, ErrNoTenant
	}

	var targets []*registry.Connection
	switch {
	case event.SessionID != "":
		targets = r.reg.ConnectionsForKey(
			registry.SessionKey(event.TenantID, event.SessionID),
		)
	case event.SectorID != "":
		targets = r.resolveSectorAudience(ctxt, event)
	case event.BranchID != "":
		// Branch scope reaches branch admins and branch staff, but not the
		// sector breakdown and not guests
		targets = append(
			r.reg.ConnectionsForKey(registry.BranchAdminKey(event.TenantID, event.BranchID)),
			r.reg.ConnectionsForKey(registry.BranchStaffKey(event.TenantID, event.BranchID))...,
		)
	default:
		// No narrower scope, deliver tenant admin wide
		targets = r.reg.ConnectionsForKey(registry.TenantAdminKey(event.TenantID))
	}

	targets = r.filter.Filter(event, dedupeConnections(targets))
	if len(targets) == 0 {
		return nil, ErrUnroutable
	}
	return targets, nil
}

// resolveSectorAudience resolve targets of a sector scoped event. Staff with
// known coverage come from the sector index; staff whose coverage was
// unresolved at admission are re-checked against the assignment cache, and
// included outright when the lookup still cannot answer. False positives are
// preferred over silent loss.
func (r *eventRouterImpl) resolveSectorAudience(
	ctxt context.Context, event Event,
) []*registry.Connection {
	targets := r.reg.ConnectionsForKey(
		registry.SectorKey(event.TenantID, event.BranchID, event.SectorID),
	)
	unresolved := r.reg.ConnectionsForKey(
		registry.BranchUnresolvedKey(event.TenantID, event.BranchID),
	)
	for _, conn := range unresolved {
		sectors, known := r.coverage.Covers(ctxt, event.TenantID, event.BranchID, conn.UserID)
		if !known {
			log.WithFields(r.LogTags).Debugf(
				"Sector coverage of %s still unknown, widening delivery of %s", conn, event,
			)
			targets = append(targets, conn)
			continue
		}
		for _, sector := range sectors {
			if sector == event.SectorID {
				targets = append(targets, conn)
				break
			}
		}
	}
	return targets
}

// dedupeConnections collapse duplicate connections from overlapping indices
func dedupeConnections(conns []*registry.Connection) []*registry.Connection {
	seen := make(map[string]bool, len(conns))
	result := make([]*registry.Connection, 0, len(conns))
	for _, conn := range conns {
		if !seen[conn.ID] {
			seen[conn.ID] = true
			result = append(result, conn)
		}
	}
	return result
}
