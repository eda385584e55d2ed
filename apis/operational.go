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

package apis

import (
	"net/http"

	"github.com/apex/log"

	"github.com/cortezalberto/restogw/common"
	"github.com/cortezalberto/restogw/gateway"
	"github.com/cortezalberto/restogw/registry"
	"github.com/cortezalberto/restogw/routing"
	"github.com/cortezalberto/restogw/subscriber"
)

// AliveResponse liveness probe response
type AliveResponse struct {
	StandardResponse
	// TotalConnections live connections on this instance
	TotalConnections int `json:"total_connections"`
	// ConnectionsByRole live connections grouped by endpoint role
	ConnectionsByRole map[string]int `json:"connections_by_role"`
}

// DiagResponse diagnostics probe response
type DiagResponse struct {
	StandardResponse
	// BreakerState state of the breaker guarding the broker subscription
	BreakerState string `json:"breaker_state"`
	// QueueDepth current event queue depth
	QueueDepth int `json:"queue_depth"`
	// DropRate trailing window event drop rate in [0, 1]
	DropRate float64 `json:"drop_rate"`
	// EventsProcessed lifetime processed event count
	EventsProcessed uint64 `json:"events_processed"`
	// EventsDropped lifetime dropped event count
	EventsDropped uint64 `json:"events_dropped"`
	// TenantMismatches cross-tenant deliveries stopped by the filter
	TenantMismatches uint64 `json:"tenant_mismatches"`
	// DeadFlagged connections awaiting the cleanup sweep
	DeadFlagged int `json:"dead_flagged"`
	// RejectedInbound rejected inbound client frames
	RejectedInbound uint64 `json:"rejected_inbound"`
	// LockShards per-shard lock acquisition counts
	LockShards registry.LockShardCounts `json:"lock_shards"`
}

// APIRestOperationalHandler handler for the read-only operational probes
type APIRestOperationalHandler struct {
	APIRestHandler
	manager   gateway.ConnectionManager
	sub       subscriber.EventSubscriber
	filter    routing.TenantFilter
	reg       registry.ConnectionRegistry
	locks     registry.LockCoordinator
	wsHandler *APIRestGatewayWSHandler
}

// GetAPIRestOperationalHandler define APIRestOperationalHandler
func GetAPIRestOperationalHandler(
	httpConfig *common.HTTPConfig,
	manager gateway.ConnectionManager,
	sub subscriber.EventSubscriber,
	filter routing.TenantFilter,
	reg registry.ConnectionRegistry,
	locks registry.LockCoordinator,
	wsHandler *APIRestGatewayWSHandler,
) (APIRestOperationalHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "operational",
	}
	return APIRestOperationalHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		manager:   manager,
		sub:       sub,
		filter:    filter,
		reg:       reg,
		locks:     locks,
		wsHandler: wsHandler,
	}, nil
}

// Alive godoc
// @Summary Gateway liveness check
// @Description Report live connection counts by endpoint role
// @tags Operational
// @Produce json
// @Success 200 {object} AliveResponse "success"
// @Router /alive [get]
func (h APIRestOperationalHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.contextLogTags(r.Context())
	resp := AliveResponse{
		StandardResponse:  getStdRESTSuccessMsg(),
		TotalConnections:  h.manager.TotalCount(),
		ConnectionsByRole: h.manager.CountsByRole(),
	}
	h.reply(w, http.StatusOK, &resp, "GET /alive", localLogTags)
}

// AliveHandler Wrapper around Alive
func (h APIRestOperationalHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// -----------------------------------------------------------------------

// Diag godoc
// @Summary Gateway diagnostics
// @Description Report event pipeline and lock shard diagnostics
// @tags Operational
// @Produce json
// @Success 200 {object} DiagResponse "success"
// @Router /diag [get]
func (h APIRestOperationalHandler) Diag(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.contextLogTags(r.Context())
	processed, dropped := h.sub.Totals()
	resp := DiagResponse{
		StandardResponse: getStdRESTSuccessMsg(),
		BreakerState:     h.sub.BreakerState().String(),
		QueueDepth:       h.sub.QueueDepth(),
		DropRate:         h.sub.DropRate(),
		EventsProcessed:  processed,
		EventsDropped:    dropped,
		TenantMismatches: h.filter.MismatchCount(),
		DeadFlagged:      h.reg.DeadCount(),
		RejectedInbound:  h.wsHandler.RejectedInboundCount(),
		LockShards:       h.locks.ShardCounts(),
	}
	h.reply(w, http.StatusOK, &resp, "GET /diag", localLogTags)
}

// DiagHandler Wrapper around Diag
func (h APIRestOperationalHandler) DiagHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Diag(w, r)
	})
}
