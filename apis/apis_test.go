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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/cortezalberto/restogw/auth"
	"github.com/cortezalberto/restogw/common"
	"github.com/cortezalberto/restogw/gateway"
	"github.com/cortezalberto/restogw/monitor"
	"github.com/cortezalberto/restogw/registry"
	"github.com/cortezalberto/restogw/routing"
	"github.com/cortezalberto/restogw/subscriber"
)

var utStaffSecret = []byte("ut-staff-secret")
var utGuestSecret = []byte("ut-guest-secret")

// utIdleSource MessageSource which attaches and stays silent
type utIdleSource struct{}

func (s utIdleSource) Subscribe(
	ctxt context.Context, handler func(payload []byte),
) (<-chan error, func(), error) {
	return make(chan error, 1), func() {}, nil
}

// utCoverage static sector coverage
type utCoverage struct{}

func (c utCoverage) Covers(
	ctxt context.Context, tenant, branch, user string,
) ([]string, bool) {
	return []string{"s1"}, true
}

type utAPIFixture struct {
	server    *httptest.Server
	manager   gateway.ConnectionManager
	registry  registry.ConnectionRegistry
	wsHandler *APIRestGatewayWSHandler
	opHandler APIRestOperationalHandler
	wg        *sync.WaitGroup
	cancel    context.CancelFunc
}

func utDefineAPIFixture(t *testing.T, perUserLimit int) *utAPIFixture {
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	httpConfig := &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Restogw-Request-ID"},
	}

	locks, err := registry.GetLockCoordinator(8, 8)
	assert.Nil(t, err)
	reg, err := registry.GetConnectionRegistry(locks)
	assert.Nil(t, err)
	heartbeat, err := monitor.GetHeartbeatMonitor()
	assert.Nil(t, err)
	limiter, err := monitor.GetRateLimiter(monitor.RateLimiterParams{
		MaxMessagesPerSec: 100, AbuseStrikes: 3,
	})
	assert.Nil(t, err)
	manager, err := gateway.GetConnectionManager(gateway.ConnectionManagerParams{
		MaxConnectionsPerUser: perUserLimit,
		MaxConnectionsTotal:   64,
		StaleTimeout:          time.Minute,
	}, reg, locks, heartbeat, limiter, utCoverage{})
	assert.Nil(t, err)

	staffAuth, err := auth.GetStaffAuthStrategy(utStaffSecret, time.Second*30)
	assert.Nil(t, err)
	guestAuth, err := auth.GetGuestAuthStrategy(utGuestSecret, time.Second*30)
	assert.Nil(t, err)

	wsHandler, err := GetAPIRestGatewayWSHandler(
		utCtxt, httpConfig, manager, staffAuth, guestAuth, time.Second*5, wg,
	)
	assert.Nil(t, err)

	filter, err := routing.GetTenantFilter()
	assert.Nil(t, err)
	breaker, err := subscriber.GetCircuitBreaker(
		"ut-api", subscriber.CircuitBreakerParams{
			FailureThreshold: 5, Cooldown: time.Second * 30, HalfOpenTrials: 1,
		},
	)
	assert.Nil(t, err)
	sub, err := subscriber.GetEventSubscriber(utCtxt, subscriber.EventSubscriberParams{
		Source:             utIdleSource{},
		Sink:               func(ctxt context.Context, event routing.Event) error { return nil },
		QueueCapacity:      16,
		DrainBatchSize:     8,
		BackoffBase:        time.Millisecond * 10,
		BackoffMax:         time.Millisecond * 100,
		Breaker:            breaker,
		DropAlertThreshold: 0.5,
	}, subscriber.NewDropRateWindow(time.Second*30))
	assert.Nil(t, err)

	opHandler, err := GetAPIRestOperationalHandler(
		httpConfig, manager, sub, filter, reg, locks, wsHandler,
	)
	assert.Nil(t, err)

	router := mux.NewRouter()
	_ = RegisterPathPrefix(router, "/v1/connect/{role}", MethodHandlers{
		"get": wsHandler.ConnectWSHandler(),
	})
	_ = RegisterPathPrefix(router, "/alive", MethodHandlers{
		"get": opHandler.AliveHandler(),
	})
	_ = RegisterPathPrefix(router, "/diag", MethodHandlers{
		"get": opHandler.DiagHandler(),
	})

	return &utAPIFixture{
		server:    httptest.NewServer(router),
		manager:   manager,
		registry:  reg,
		wsHandler: wsHandler,
		opHandler: opHandler,
		wg:        wg,
		cancel:    utCtxtCancel,
	}
}

func (f *utAPIFixture) close() {
	f.cancel()
	f.server.Close()
}

func (f *utAPIFixture) wsURL(role string) string {
	return strings.Replace(f.server.URL, "http://", "ws://", 1) + "/v1/connect/" + role
}

func utDialStaff(
	t *testing.T, fixture *utAPIFixture, role, user string, admin bool,
) *websocket.Conn {
	token, err := auth.IssueStaffToken(
		utStaffSecret, "t1", user, []string{"waiter"}, []string{"b1"}, admin, time.Hour,
	)
	assert.Nil(t, err)
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	wsConn, _, err := websocket.DefaultDialer.Dial(fixture.wsURL(role), header)
	assert.Nil(t, err)
	return wsConn
}

func TestWSControlProtocol(t *testing.T) {
	assert := assert.New(t)
	fixture := utDefineAPIFixture(t, 4)
	defer fixture.close()

	wsConn := utDialStaff(t, fixture, "staff", "u1", false)
	defer func() {
		_ = wsConn.Close()
	}()

	assert.Eventually(func() bool {
		return fixture.manager.TotalCount() == 1
	}, time.Second, time.Millisecond*10)

	// Case 0: ping answers pong
	assert.Nil(wsConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Nil(wsConn.SetReadDeadline(time.Now().Add(time.Second)))
	_, payload, err := wsConn.ReadMessage()
	assert.Nil(err)
	var reply clientControlMsg
	assert.Nil(json.Unmarshal(payload, &reply))
	assert.Equal("pong", reply.Type)

	// Case 1: unknown frame types are counted, not fatal
	assert.Nil(wsConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)))
	assert.Nil(wsConn.WriteMessage(websocket.TextMessage, []byte(`not even json`)))
	assert.Eventually(func() bool {
		return fixture.wsHandler.RejectedInboundCount() == 2
	}, time.Second, time.Millisecond*10)
	assert.Equal(1, fixture.manager.TotalCount())

	// Case 2: client close tears the connection down
	assert.Nil(wsConn.Close())
	assert.Eventually(func() bool {
		return fixture.manager.TotalCount() == 0
	}, time.Second, time.Millisecond*10)
}

func utReadCloseCode(t *testing.T, wsConn *websocket.Conn) int {
	assert.Nil(t, wsConn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := wsConn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	assert.True(t, ok)
	return closeErr.Code
}

func TestWSAuthFailures(t *testing.T) {
	assert := assert.New(t)
	fixture := utDefineAPIFixture(t, 4)
	defer fixture.close()

	// Case 0: garbage credential
	header := http.Header{"Authorization": []string{"Bearer garbage"}}
	wsConn, _, err := websocket.DefaultDialer.Dial(fixture.wsURL("staff"), header)
	assert.Nil(err)
	assert.Equal(gateway.CloseAuthFailure, utReadCloseCode(t, wsConn))
	_ = wsConn.Close()

	// Case 1: missing credential
	wsConn, _, err = websocket.DefaultDialer.Dial(fixture.wsURL("kitchen"), nil)
	assert.Nil(err)
	assert.Equal(gateway.CloseAuthFailure, utReadCloseCode(t, wsConn))
	_ = wsConn.Close()

	// Case 2: staff credential on the admin endpoint
	token, err := auth.IssueStaffToken(
		utStaffSecret, "t1", "u1", []string{"waiter"}, []string{"b1"}, false, time.Hour,
	)
	assert.Nil(err)
	header = http.Header{"Authorization": []string{"Bearer " + token}}
	wsConn, _, err = websocket.DefaultDialer.Dial(fixture.wsURL("admin"), header)
	assert.Nil(err)
	assert.Equal(gateway.CloseAuthFailure, utReadCloseCode(t, wsConn))
	_ = wsConn.Close()

	// Case 3: unknown role fails the handshake outright
	_, resp, err := websocket.DefaultDialer.Dial(fixture.wsURL("plumber"), header)
	assert.ErrorIs(err, websocket.ErrBadHandshake)
	assert.Equal(http.StatusNotFound, resp.StatusCode)

	assert.Equal(0, fixture.manager.TotalCount())
}

func TestWSGuestConnect(t *testing.T) {
	assert := assert.New(t)
	fixture := utDefineAPIFixture(t, 4)
	defer fixture.close()

	token, err := auth.IssueGuestToken(utGuestSecret, "t1", "sess-1", "b1", time.Minute*15)
	assert.Nil(err)

	// Guests pass the credential as a query param
	wsConn, _, err := websocket.DefaultDialer.Dial(
		fixture.wsURL("guest")+"?token="+token, nil,
	)
	assert.Nil(err)
	defer func() {
		_ = wsConn.Close()
	}()

	assert.Eventually(func() bool {
		return fixture.manager.TotalCount() == 1
	}, time.Second, time.Millisecond*10)
	assert.Len(
		fixture.registry.ConnectionsForKey(registry.SessionKey("t1", "sess-1")), 1,
	)

	// A staff token does not pass guest verification
	staffToken, err := auth.IssueStaffToken(
		utStaffSecret, "t1", "u1", []string{"waiter"}, []string{"b1"}, false, time.Hour,
	)
	assert.Nil(err)
	rejected, _, err := websocket.DefaultDialer.Dial(
		fixture.wsURL("guest")+"?token="+staffToken, nil,
	)
	assert.Nil(err)
	assert.Equal(gateway.CloseAuthFailure, utReadCloseCode(t, rejected))
	_ = rejected.Close()
}

func TestWSCapacityClose(t *testing.T) {
	assert := assert.New(t)
	fixture := utDefineAPIFixture(t, 1)
	defer fixture.close()

	first := utDialStaff(t, fixture, "staff", "u1", false)
	defer func() {
		_ = first.Close()
	}()
	assert.Eventually(func() bool {
		return fixture.manager.TotalCount() == 1
	}, time.Second, time.Millisecond*10)

	token, err := auth.IssueStaffToken(
		utStaffSecret, "t1", "u1", []string{"waiter"}, []string{"b1"}, false, time.Hour,
	)
	assert.Nil(err)
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	second, _, err := websocket.DefaultDialer.Dial(fixture.wsURL("staff"), header)
	assert.Nil(err)
	assert.Equal(gateway.CloseCapacity, utReadCloseCode(t, second))
	_ = second.Close()

	assert.Equal(1, fixture.manager.TotalCount())
}

func TestOperationalProbes(t *testing.T) {
	assert := assert.New(t)
	fixture := utDefineAPIFixture(t, 4)
	defer fixture.close()

	wsConn := utDialStaff(t, fixture, "staff", "u1", false)
	defer func() {
		_ = wsConn.Close()
	}()
	assert.Eventually(func() bool {
		return fixture.manager.TotalCount() == 1
	}, time.Second, time.Millisecond*10)

	// Liveness probe
	resp, err := http.Get(fixture.server.URL + "/alive")
	assert.Nil(err)
	var alive AliveResponse
	assert.Nil(json.NewDecoder(resp.Body).Decode(&alive))
	assert.Nil(resp.Body.Close())
	assert.True(alive.Success)
	assert.Equal(1, alive.TotalConnections)
	assert.Equal(1, alive.ConnectionsByRole["staff"])

	// Diagnostics probe
	resp, err = http.Get(fixture.server.URL + "/diag")
	assert.Nil(err)
	assert.NotEmpty(resp.Header.Get("Restogw-Request-ID"))
	var diag DiagResponse
	assert.Nil(json.NewDecoder(resp.Body).Decode(&diag))
	assert.Nil(resp.Body.Close())
	assert.True(diag.Success)
	assert.Equal("CLOSED", diag.BreakerState)
	assert.Equal(0, diag.QueueDepth)
	assert.Zero(diag.TenantMismatches)
	assert.Len(diag.LockShards.UserShards, 8)
	assert.NotZero(diag.LockShards.Counter)
}
