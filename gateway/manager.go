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

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cortezalberto/restogw/auth"
	"github.com/cortezalberto/restogw/common"
	"github.com/cortezalberto/restogw/monitor"
	"github.com/cortezalberto/restogw/registry"
	"github.com/cortezalberto/restogw/routing"
)

// Application close codes sent to clients on gateway-initiated closes
const (
	// CloseAuthFailure credential rejected
	CloseAuthFailure = 4001
	// CloseCapacity connection limit reached
	CloseCapacity = 4002
	// CloseRateLimited inbound message abuse
	CloseRateLimited = 4003
	// CloseStale heartbeats stopped or delivery failed
	CloseStale = 4004
)

// ErrUserConnectionLimit the per-user connection limit is reached
var ErrUserConnectionLimit = errors.New("per-user connection limit reached")

// ErrGlobalConnectionLimit the per-instance connection limit is reached
var ErrGlobalConnectionLimit = errors.New("instance connection limit reached")

// ConnectionManager owns the connection lifecycle. All admission,
// teardown and sweeping flows through here so the registry, heartbeat
// monitor and rate limiter never drift apart.
type ConnectionManager interface {
	// Connect admit one authenticated connection. Limit violations return
	// their sentinel without mutating any state.
	Connect(
		ctxt context.Context, socket registry.ClientSocket, claims auth.Claims, role string,
	) (*registry.Connection, error)
	// Disconnect tear one connection down and close its socket. Safe to call
	// for unknown or already-removed connections.
	Disconnect(ctxt context.Context, connID string, code int, reason string) error
	// Heartbeat record a client heartbeat
	Heartbeat(connID string)
	// AllowInbound account one inbound client message. False means the
	// message must be dropped; sustained abuse closes the connection.
	AllowInbound(ctxt context.Context, connID string) bool
	// SweepOnce remove every dead-flagged and heartbeat-stale connection
	SweepOnce(ctxt context.Context) int
	// TotalCount live connections on this instance
	TotalCount() int
	// CountsByRole live connections grouped by endpoint role
	CountsByRole() map[string]int
}

// ConnectionManagerParams admission tuning
type ConnectionManagerParams struct {
	// MaxConnectionsPerUser per-user live connection limit
	MaxConnectionsPerUser int `validate:"gte=1"`
	// MaxConnectionsTotal per-instance live connection limit
	MaxConnectionsTotal int `validate:"gte=1"`
	// StaleTimeout max silence since the last heartbeat before the sweep
	// removes a connection
	StaleTimeout time.Duration `validate:"gt=0"`
}

// connectionManagerImpl implements ConnectionManager
type connectionManagerImpl struct {
	common.Component
	params    ConnectionManagerParams
	registry  registry.ConnectionRegistry
	locks     registry.LockCoordinator
	heartbeat monitor.HeartbeatMonitor
	limiter   monitor.RateLimiter
	coverage  routing.SectorCoverage
}

// GetConnectionManager define a ConnectionManager
func GetConnectionManager(
	params ConnectionManagerParams,
	reg registry.ConnectionRegistry,
	locks registry.LockCoordinator,
	heartbeat monitor.HeartbeatMonitor,
	limiter monitor.RateLimiter,
	coverage routing.SectorCoverage,
) (ConnectionManager, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "gateway", "component": "connection-manager"}
	return &connectionManagerImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		registry:  reg,
		locks:     locks,
		heartbeat: heartbeat,
		limiter:   limiter,
		coverage:  coverage,
	}, nil
}

// Connect admit one authenticated connection
func (m *connectionManagerImpl) Connect(
	ctxt context.Context, socket registry.ClientSocket, claims auth.Claims, role string,
) (*registry.Connection, error) {
	conn := &registry.Connection{
		ID:        uuid.NewString(),
		TenantID:  claims.TenantID,
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		Role:      role,
		Roles:     claims.Roles,
		BranchIDs: claims.BranchIDs,
		IsAdmin:   claims.IsAdmin,
		CreatedAt: time.Now(),
		Socket:    socket,
	}

	// Resolve sector coverage before taking any lock; the lookup can block
	// up to its own deadline
	if conn.UserID != "" && !conn.IsAdmin {
		m.resolveSectors(ctxt, conn)
	}
	if err := ctxt.Err(); err != nil {
		return nil, err
	}

	release := m.locks.AcquireConnectionScope(conn.LockKey(), conn.BranchIDs)
	defer release()

	// Both limits are checked before any state mutation so a refused
	// connection leaves no trace
	if m.registry.TotalCount() >= m.params.MaxConnectionsTotal {
		log.WithFields(m.LogTags).Warnf("Refused %s, instance at capacity", conn)
		return nil, ErrGlobalConnectionLimit
	}
	if m.liveCountOfOwner(conn) >= m.params.MaxConnectionsPerUser {
		log.WithFields(m.LogTags).Infof("Refused %s, owner at connection limit", conn)
		return nil, ErrUserConnectionLimit
	}

	if err := m.registry.Register(conn); err != nil {
		return nil, err
	}
	m.heartbeat.Track(conn)
	m.limiter.Track(conn.ID)
	log.WithFields(m.LogTags).Infof("Admitted %s as %s", conn, role)
	return conn, nil
}

// resolveSectors resolve the sectors a staff user covers across all claimed
// branches. An unanswerable lookup marks the whole connection unresolved so
// routing errs toward delivery.
func (m *connectionManagerImpl) resolveSectors(
	ctxt context.Context, conn *registry.Connection,
) {
	sectorSet := map[string]bool{}
	for _, branch := range conn.BranchIDs {
		sectors, known := m.coverage.Covers(ctxt, conn.TenantID, branch, conn.UserID)
		if !known {
			conn.SectorsUnknown = true
			conn.SectorIDs = nil
			return
		}
		for _, sector := range sectors {
			sectorSet[sector] = true
		}
	}
	conn.SectorIDs = make([]string, 0, len(sectorSet))
	for sector := range sectorSet {
		conn.SectorIDs = append(conn.SectorIDs, sector)
	}
}

// liveCountOfOwner live connections held by the same staff user or guest
// session
func (m *connectionManagerImpl) liveCountOfOwner(conn *registry.Connection) int {
	if conn.UserID != "" {
		return m.registry.CountForUser(conn.TenantID, conn.UserID)
	}
	return len(m.registry.ConnectionsForKey(
		registry.SessionKey(conn.TenantID, conn.SessionID),
	))
}

// Disconnect tear one connection down and close its socket
func (m *connectionManagerImpl) Disconnect(
	ctxt context.Context, connID string, code int, reason string,
) error {
	conn, found := m.registry.Get(connID)
	if !found {
		return nil
	}

	release := m.locks.AcquireConnectionScope(conn.LockKey(), conn.BranchIDs)
	conn, found = m.registry.Unregister(connID)
	release()
	if !found {
		// Lost the race against a concurrent disconnect
		return nil
	}

	m.heartbeat.Forget(connID)
	m.limiter.Forget(connID)
	if err := conn.Socket.Close(code, reason); err != nil {
		log.WithError(err).WithFields(m.LogTags).Debugf("Close of %s reported", conn)
	}
	log.WithFields(m.LogTags).Infof("Removed %s (%d %s)", conn, code, reason)
	return nil
}

// Heartbeat record a client heartbeat
func (m *connectionManagerImpl) Heartbeat(connID string) {
	m.heartbeat.Beat(connID)
}

// AllowInbound account one inbound client message
func (m *connectionManagerImpl) AllowInbound(ctxt context.Context, connID string) bool {
	decision := m.limiter.Check(connID)
	if decision.CloseConnection {
		if err := m.Disconnect(ctxt, connID, CloseRateLimited, "message rate exceeded"); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unable to remove abusive connection %s", connID,
			)
		}
	}
	return decision.Allowed
}

// SweepOnce remove every dead-flagged and heartbeat-stale connection
func (m *connectionManagerImpl) SweepOnce(ctxt context.Context) int {
	targets := map[string]string{}
	for _, connID := range m.registry.TakeDead() {
		targets[connID] = "delivery failure"
	}
	for _, connID := range m.heartbeat.Stale(m.params.StaleTimeout) {
		targets[connID] = "heartbeat timeout"
	}
	for connID, reason := range targets {
		if err := m.Disconnect(ctxt, connID, CloseStale, reason); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Sweep unable to remove %s", connID,
			)
		}
	}
	if len(targets) > 0 {
		log.WithFields(m.LogTags).Infof("Sweep removed %d connections", len(targets))
	}
	return len(targets)
}

// TotalCount live connections on this instance
func (m *connectionManagerImpl) TotalCount() int {
	return m.registry.TotalCount()
}

// CountsByRole live connections grouped by endpoint role
func (m *connectionManagerImpl) CountsByRole() map[string]int {
	return m.registry.CountsByRole()
}
