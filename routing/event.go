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
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Event one immutable record from the shared event stream. The gateway
// validates only the envelope; Entity is opaque payload.
type Event struct {
	// Type the event type tag
	Type string `json:"type" validate:"required"`
	// TenantID the tenant the event belongs to. Mandatory; events without it
	// are rejected before routing.
	TenantID string `json:"tenant_id" validate:"required"`
	// BranchID scopes the event to a branch
	BranchID string `json:"branch_id,omitempty"`
	// SectorID scopes the event to a sector of BranchID
	SectorID string `json:"sector_id,omitempty"`
	// SessionID scopes the event to a guest session
	SessionID string `json:"session_id,omitempty"`
	// Entity the opaque business payload
	Entity json.RawMessage `json:"entity,omitempty"`
}

// String implements Stringer
func (e Event) String() string {
	switch {
	case e.SessionID != "":
		return fmt.Sprintf("%s@%s/session/%s", e.Type, e.TenantID, e.SessionID)
	case e.SectorID != "":
		return fmt.Sprintf("%s@%s/%s/%s", e.Type, e.TenantID, e.BranchID, e.SectorID)
	case e.BranchID != "":
		return fmt.Sprintf("%s@%s/%s", e.Type, e.TenantID, e.BranchID)
	}
	return fmt.Sprintf("%s@%s/admin", e.Type, e.TenantID)
}

// ParseEvent decode and validate one raw broker message into an Event
func ParseEvent(payload []byte, validate *validator.Validate) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, err
	}
	if err := validate.Struct(&event); err != nil {
		return Event{}, err
	}
	if event.SectorID != "" && event.BranchID == "" {
		return Event{}, fmt.Errorf("sector scoped event %s carries no branch", event.Type)
	}
	return event, nil
}
