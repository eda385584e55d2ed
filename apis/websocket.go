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
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/cortezalberto/restogw/auth"
	"github.com/cortezalberto/restogw/common"
	"github.com/cortezalberto/restogw/gateway"
	"github.com/cortezalberto/restogw/registry"
)

// pongWriteTimeout write deadline on control protocol replies
const pongWriteTimeout = time.Second * 5

// connectRoles endpoint roles and whether each requires admin scope
var connectRoles = map[string]bool{
	"staff":   false,
	"kitchen": false,
	"admin":   true,
	"guest":   false,
}

// wsClientSocket registry.ClientSocket over a gorilla WebSocket
type wsClientSocket struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
}

// Send write one payload to the client
func (s *wsClientSocket) Send(ctxt context.Context, payload []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if deadline, ok := ctxt.Deadline(); ok {
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close close the socket with a reason code visible to the client
func (s *wsClientSocket) Close(code int, reason string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	// Best effort close frame so the client sees the code
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	return s.conn.Close()
}

// ========================================================================================

// clientControlMsg inbound control protocol envelope
type clientControlMsg struct {
	Type string `json:"type"`
}

// APIRestGatewayWSHandler handler for the client facing WebSocket endpoints
type APIRestGatewayWSHandler struct {
	APIRestHandler
	manager       gateway.ConnectionManager
	staffAuth     auth.Strategy
	guestAuth     auth.Strategy
	upgrader      websocket.Upgrader
	acceptTimeout time.Duration
	baseContext   context.Context
	wg            *sync.WaitGroup
	rejectedMsgs  uint64
}

// GetAPIRestGatewayWSHandler define APIRestGatewayWSHandler
func GetAPIRestGatewayWSHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	manager gateway.ConnectionManager,
	staffAuth auth.Strategy,
	guestAuth auth.Strategy,
	acceptTimeout time.Duration,
	wg *sync.WaitGroup,
) (*APIRestGatewayWSHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "gateway-websocket",
	}
	return &APIRestGatewayWSHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		manager:   manager,
		staffAuth: staffAuth,
		guestAuth: guestAuth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The gateway sits behind the platform LB which enforces origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		acceptTimeout: acceptTimeout,
		baseContext:   baseContext,
		wg:            wg,
	}, nil
}

// extractCredential pull the client credential from the request. Bearer
// header first, "token" query param as fallback for browser clients.
func extractCredential(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ConnectWS godoc
// @Summary Open a realtime connection
// @Description Upgrade to WebSocket and admit the client under the given role
// @tags Gateway
// @Produce json
// @Param role path string true "Endpoint role: staff, kitchen, admin or guest"
// @Param token query string false "Client credential if not sent as a Bearer header"
// @Failure 400 {object} StandardResponse "error"
// @Router /v1/connect/{role} [get]
func (h *APIRestGatewayWSHandler) ConnectWS(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.contextLogTags(r.Context())

	vars := mux.Vars(r)
	role, ok := vars["role"]
	needAdmin, valid := connectRoles[role]
	if !ok || !valid {
		msg := fmt.Sprintf("Unknown endpoint role %s", role)
		log.WithFields(localLogTags).Error(msg)
		h.reply(
			w, http.StatusNotFound, getStdRESTErrorMsg(http.StatusNotFound, &msg),
			"GET /v1/connect/{role}", localLogTags,
		)
		return
	}
	credential := extractCredential(r)

	// Auth outcomes are reported over application close codes, so the
	// upgrade happens before verification
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}
	socket := &wsClientSocket{conn: wsConn}

	admitCtxt, cancel := context.WithTimeout(h.baseContext, h.acceptTimeout)
	defer cancel()

	strategy := h.staffAuth
	if role == "guest" {
		strategy = h.guestAuth
	}
	claims, err := strategy.Authenticate(admitCtxt, credential)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Infof(
			"Credential rejected on %s endpoint", role,
		)
		_ = socket.Close(gateway.CloseAuthFailure, "credential rejected")
		return
	}
	if needAdmin && !claims.IsAdmin {
		log.WithFields(localLogTags).Infof(
			"Non-admin credential on admin endpoint, tenant %s", claims.TenantID,
		)
		_ = socket.Close(gateway.CloseAuthFailure, "admin scope required")
		return
	}

	conn, err := h.manager.Connect(admitCtxt, socket, claims, role)
	if err != nil {
		switch {
		case err == gateway.ErrUserConnectionLimit || err == gateway.ErrGlobalConnectionLimit:
			_ = socket.Close(gateway.CloseCapacity, err.Error())
		default:
			log.WithError(err).WithFields(localLogTags).Error("Connection admission failed")
			_ = socket.Close(websocket.CloseInternalServerErr, "admission failed")
		}
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.readPump(conn, socket)
	}()
}

// readPump consume inbound frames of one connection until it goes away
func (h *APIRestGatewayWSHandler) readPump(
	conn *registry.Connection, socket *wsClientSocket,
) {
	for {
		_, payload, err := socket.conn.ReadMessage()
		if err != nil {
			// Covers client closes, network drops and gateway side closes
			if dErr := h.manager.Disconnect(
				h.baseContext, conn.ID, websocket.CloseNormalClosure, "client departed",
			); dErr != nil {
				log.WithError(dErr).WithFields(h.LogTags).Errorf(
					"Teardown of %s failed", conn,
				)
			}
			return
		}
		if !h.manager.AllowInbound(h.baseContext, conn.ID) {
			// Message dropped; an abusive connection is torn down by the
			// manager and the next read surfaces the close
			continue
		}
		h.handleControlMsg(conn, socket, payload)
	}
}

// handleControlMsg process one inbound control protocol message
func (h *APIRestGatewayWSHandler) handleControlMsg(
	conn *registry.Connection, socket *wsClientSocket, payload []byte,
) {
	var msg clientControlMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		atomic.AddUint64(&h.rejectedMsgs, 1)
		log.WithError(err).WithFields(h.LogTags).Debugf("Undecodable frame from %s", conn)
		return
	}
	switch msg.Type {
	case "ping":
		h.manager.Heartbeat(conn.ID)
		sendCtxt, cancel := context.WithTimeout(h.baseContext, pongWriteTimeout)
		defer cancel()
		if err := socket.Send(sendCtxt, []byte(`{"type":"pong"}`)); err != nil {
			log.WithError(err).WithFields(h.LogTags).Infof("Pong to %s failed", conn)
		}
	default:
		// Rejected but not fatal
		atomic.AddUint64(&h.rejectedMsgs, 1)
		log.WithFields(h.LogTags).Debugf(
			"Rejected frame type '%s' from %s", msg.Type, conn,
		)
	}
}

// RejectedInboundCount lifetime count of rejected inbound frames
func (h *APIRestGatewayWSHandler) RejectedInboundCount() uint64 {
	return atomic.LoadUint64(&h.rejectedMsgs)
}

// ConnectWSHandler Wrapper around ConnectWS
func (h *APIRestGatewayWSHandler) ConnectWSHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.ConnectWS(w, r)
	})
}
