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
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// ClientSocket transport-level handle of a live client connection. The
// concrete implementation wraps a WebSocket; tests substitute fakes.
type ClientSocket interface {
	// Send write one payload to the client. The context deadline bounds the
	// write; a slow client must not stall the caller past it.
	Send(ctxt context.Context, payload []byte) error
	// Close close the socket with a reason code visible to the client
	Close(code int, reason string) error
}

// Connection a live authenticated client connection. Owned exclusively by
// the ConnectionRegistry; every other component holds references only.
type Connection struct {
	// ID unique connection instance ID
	ID string
	// TenantID tenant the connection belongs to. Never empty once registered.
	TenantID string
	// UserID staff user, empty for guest sessions
	UserID string
	// SessionID guest session, empty for staff connections
	SessionID string
	// Role the endpoint role this connection came in through
	Role string
	// Roles role names carried by the credential
	Roles []string
	// BranchIDs branches the connection is scoped to
	BranchIDs []string
	// SectorIDs sectors the connection's user covers, as resolved at admission
	SectorIDs []string
	// SectorsUnknown set when sector coverage could not be resolved at
	// admission; routing treats such connections as covering every sector of
	// their branches
	SectorsUnknown bool
	// IsAdmin whether the connection has admin scope
	IsAdmin bool
	// CreatedAt admission timestamp
	CreatedAt time.Time
	// Socket the live transport handle
	Socket ClientSocket

	// lastBeat unix nanoseconds of the most recent heartbeat
	lastBeat int64
}

// String implements Stringer
func (c *Connection) String() string {
	if c.UserID != "" {
		return fmt.Sprintf("%s[%s/%s]", c.ID, c.TenantID, c.UserID)
	}
	return fmt.Sprintf("%s[%s/sess:%s]", c.ID, c.TenantID, c.SessionID)
}

// RecordHeartbeat record that the client was alive at the given time
func (c *Connection) RecordHeartbeat(at time.Time) {
	atomic.StoreInt64(&c.lastBeat, at.UnixNano())
}

// LastHeartbeat fetch the most recent time the client was known alive
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastBeat))
}

// LockKey the key the per-user lock shard is derived from. Guests shard by
// session since they carry no user.
func (c *Connection) LockKey() string {
	if c.UserID != "" {
		return fmt.Sprintf("%s/%s", c.TenantID, c.UserID)
	}
	return fmt.Sprintf("%s/sess/%s", c.TenantID, c.SessionID)
}
