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
	"sync/atomic"

	"github.com/apex/log"

	"github.com/cortezalberto/restogw/common"
	"github.com/cortezalberto/restogw/registry"
)

// TenantFilter second, independent safety net against cross-tenant delivery.
// The primary enforcement is tenant scoped index construction; any mismatch
// surviving to this point is a programming error worth shouting about.
type TenantFilter interface {
	// Filter drop every connection whose tenant mismatches the event
	Filter(event Event, conns []*registry.Connection) []*registry.Connection
	// MismatchCount total connections dropped since startup
	MismatchCount() uint64
}

// tenantFilterImpl implements TenantFilter
type tenantFilterImpl struct {
	common.Component
	mismatches uint64
}

// GetTenantFilter define a TenantFilter
func GetTenantFilter() (TenantFilter, error) {
	logTags := log.Fields{"module": "routing", "component": "tenant-filter"}
	return &tenantFilterImpl{Component: common.Component{LogTags: logTags}}, nil
}

// Filter drop every connection whose tenant mismatches the event
func (f *tenantFilterImpl) Filter(
	event Event, conns []*registry.Connection,
) []*registry.Connection {
	result := make([]*registry.Connection, 0, len(conns))
	for _, conn := range conns {
		if conn.TenantID != event.TenantID {
			atomic.AddUint64(&f.mismatches, 1)
			log.WithFields(f.LogTags).Warnf(
				"Dropped cross-tenant resolution: %s resolved for %s", conn, event,
			)
			continue
		}
		result = append(result, conn)
	}
	return result
}

// MismatchCount total connections dropped since startup
func (f *tenantFilterImpl) MismatchCount() uint64 {
	return atomic.LoadUint64(&f.mismatches)
}
