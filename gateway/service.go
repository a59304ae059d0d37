// Copyright 2021-2022 The vistrack Authors
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
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/vistrack/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// ConnectionState connection lifecycle state
type ConnectionState int

// Connection lifecycle states. Rejected and Closed are terminal; a connection
// failing authentication or admission is never registered anywhere.
const (
	ConnStateConnecting ConnectionState = iota
	ConnStateAuthenticating
	ConnStateAdmitted
	ConnStateRejected
	ConnStateActive
	ConnStateDisconnecting
	ConnStateClosed
)

// String implements Stringer
func (s ConnectionState) String() string {
	switch s {
	case ConnStateConnecting:
		return "connecting"
	case ConnStateAuthenticating:
		return "authenticating"
	case ConnStateAdmitted:
		return "admitted"
	case ConnStateRejected:
		return "rejected"
	case ConnStateActive:
		return "active"
	case ConnStateDisconnecting:
		return "disconnecting"
	case ConnStateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	// wsWriteWait max duration of one transport write
	wsWriteWait = time.Second * 10
	// wsAuthWait how long a connection may sit in Authenticating before the
	// transport is closed
	wsAuthWait = time.Second * 10
	// wsMaxFrameSize max inbound frame size in bytes
	wsMaxFrameSize = 16 * 1024
	// wsSendBuffer outbound frame buffer depth per connection
	wsSendBuffer = 64
)

// GatewayServiceParams parameters of one GatewayService
type GatewayServiceParams struct {
	// Instance name of this gateway process
	Instance string `validate:"required"`
	// Auth token verification collaborator
	Auth AuthVerifier `validate:"required"`
	// Router inbound event router
	Router EventRouter `validate:"required"`
	// Connections live connection registry
	Connections ConnectionRegistry `validate:"required"`
	// Subscriptions visitor subscription registry
	Subscriptions SubscriptionRegistry `validate:"required"`
	// Limiter per-client admission control
	Limiter RateLimiter `validate:"required"`
	// Backplane cross-process broadcast transport
	Backplane Backplane `validate:"required"`
	// Metrics gateway instruments
	Metrics *Metrics `validate:"required"`
	// HeartbeatInterval expected client heartbeat interval
	HeartbeatInterval time.Duration `validate:"required"`
	// SweepInterval interval between stale subscription sweeps
	SweepInterval time.Duration `validate:"required"`
}

// GatewayService top-level orchestrator of the connection lifecycle:
// accept -> authenticate -> admit -> register -> listen -> heartbeat ->
// disconnect -> deregister. Also fans backplane messages out to the local
// connections they target.
type GatewayService interface {
	// Start begin receiving backplane messages and running periodic sweeps
	Start() error
	// HandleConnection serve one client websocket session. Blocks until the
	// session ends.
	HandleConnection(w http.ResponseWriter, r *http.Request)
	// Stop stop backplane delivery and periodic sweeps
	Stop() error
}

// gatewayServiceImpl implements GatewayService
type gatewayServiceImpl struct {
	common.Component
	params     GatewayServiceParams
	rootCtxt   context.Context
	sweepTimer common.IntervalTimer
	upgrader   websocket.Upgrader
}

// GetGatewayService define a new GatewayService
func GetGatewayService(
	params GatewayServiceParams, rootCtxt context.Context, wg *sync.WaitGroup,
) (GatewayService, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "gateway-service", "instance": params.Instance,
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid service params")
		return nil, err
	}
	sweepTimer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s.sub-sweep", params.Instance), rootCtxt, wg,
	)
	if err != nil {
		return nil, err
	}
	return &gatewayServiceImpl{
		Component:  common.Component{LogTags: logTags},
		params:     params,
		rootCtxt:   rootCtxt,
		sweepTimer: sweepTimer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Start begin receiving backplane messages and running periodic sweeps
func (s *gatewayServiceImpl) Start() error {
	if err := s.params.Backplane.Listen(s.deliver); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start backplane delivery")
		return err
	}
	return s.sweepTimer.Start(s.params.SweepInterval, func() error {
		evicted := s.params.Subscriptions.SweepStale(time.Now())
		if evicted > 0 {
			s.params.Metrics.ActiveSubscriptions.Set(
				float64(s.params.Subscriptions.SubscriptionCount()),
			)
		}
		return nil
	}, false)
}

// Stop stop backplane delivery and periodic sweeps
func (s *gatewayServiceImpl) Stop() error {
	if err := s.sweepTimer.Stop(); err != nil {
		return err
	}
	return s.params.Backplane.Stop()
}

// HandleConnection serve one client websocket session
func (s *gatewayServiceImpl) HandleConnection(w http.ResponseWriter, r *http.Request) {
	state := ConnStateConnecting
	logTags := log.Fields{}
	for key, value := range s.LogTags {
		logTags[key] = value
	}
	logTags["remote"] = r.RemoteAddr
	moveTo := func(next ConnectionState) {
		log.WithFields(logTags).Debugf("Connection state %s => %s", state, next)
		state = next
	}

	moveTo(ConnStateAuthenticating)
	tenantID := r.URL.Query().Get("companyId")
	if tenantID == "" {
		moveTo(ConnStateRejected)
		http.Error(w, "missing companyId", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")

	var userID string
	if token != "" {
		// Token on the upgrade request. Authenticate before upgrading.
		verified, err := s.params.Auth.Verify(r.Context(), token)
		if err != nil {
			log.WithError(err).WithFields(logTags).Info("Authentication failed")
			moveTo(ConnStateRejected)
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
		userID = verified
		if !s.params.Limiter.Allow(fmt.Sprintf("connect/%s", userID)) {
			moveTo(ConnStateRejected)
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Websocket upgrade failed")
		return
	}

	if token == "" {
		// No token on the upgrade request. The first frame must authenticate
		// within the auth deadline.
		verified, err := s.authByFirstFrame(ws)
		if err != nil {
			log.WithError(err).WithFields(logTags).Info("Authentication failed")
			moveTo(ConnStateRejected)
			_ = writeDirectFrame(ws, EventFrame{Event: EventError}, ErrorReport{
				Message: "authentication failed", Code: "authentication_failed",
			})
			_ = ws.Close()
			return
		}
		userID = verified
		if !s.params.Limiter.Allow(fmt.Sprintf("connect/%s", userID)) {
			moveTo(ConnStateRejected)
			_ = writeDirectFrame(ws, EventFrame{Event: EventError}, ErrorReport{
				Message: "too many connection attempts", Code: ErrCodeRateLimited,
			})
			_ = ws.Close()
			return
		}
	}

	moveTo(ConnStateAdmitted)
	session := newWSSession(ws, s.params.HeartbeatInterval*2*9/10)
	conn := NewConnection(tenantID, userID, session)
	logTags["connection"] = conn.ID
	logTags["correlation_id"] = conn.CorrelationID
	s.params.Connections.Add(conn)
	s.params.Metrics.ActiveConnections.Set(float64(s.params.Connections.ConnectionCount()))
	log.WithFields(conn.LogTags).Infof("Admitted connection for user %s", userID)

	go session.writePump()
	moveTo(ConnStateActive)
	s.readLoop(conn, session)

	moveTo(ConnStateDisconnecting)
	s.teardown(conn)
	moveTo(ConnStateClosed)
}

// authByFirstFrame wait for an auth frame on a fresh session
func (s *gatewayServiceImpl) authByFirstFrame(ws *websocket.Conn) (string, error) {
	if err := ws.SetReadDeadline(time.Now().Add(wsAuthWait)); err != nil {
		return "", err
	}
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return "", common.AuthenticationError{Msg: "no auth frame received", Cause: err}
	}
	var frame EventFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event != EventAuth {
		return "", common.AuthenticationError{Msg: "first frame is not an auth frame"}
	}
	var request AuthRequest
	if err := json.Unmarshal(frame.Payload, &request); err != nil || request.Token == "" {
		return "", common.AuthenticationError{Msg: "auth frame carries no token"}
	}
	userID, err := s.params.Auth.Verify(context.Background(), request.Token)
	if err != nil {
		return "", common.AuthenticationError{Msg: "token verification failed", Cause: err}
	}
	return userID, nil
}

// readLoop process inbound frames of one connection until disconnect
func (s *gatewayServiceImpl) readLoop(conn *Connection, session *wsSession) {
	ws := session.ws
	ws.SetReadLimit(wsMaxFrameSize)
	readWait := s.params.HeartbeatInterval * 2
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		s.params.Subscriptions.Heartbeat(conn.ID)
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.WithFields(conn.LogTags).Info("Heartbeat missed, closing connection")
			} else if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(conn.LogTags).Info("Connection read failed")
			} else {
				log.WithFields(conn.LogTags).Debug("Connection closed by peer")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		// Errors are reported to the client and logged in the router; a
		// failed event never ends the session
		_ = s.params.Router.ProcessFrame(s.rootCtxt, conn, raw)
	}
}

// teardown deregister a connection everywhere. Safe to invoke concurrently
// with in-flight handler calls; deliveries after removal no-op.
func (s *gatewayServiceImpl) teardown(conn *Connection) {
	s.params.Connections.Remove(conn.TenantID, conn.ID)
	s.params.Subscriptions.DropConnection(conn.ID)
	s.params.Limiter.Forget(conn.ID)
	_ = conn.CloseTransport()
	s.params.Metrics.ActiveConnections.Set(float64(s.params.Connections.ConnectionCount()))
	s.params.Metrics.ActiveSubscriptions.Set(
		float64(s.params.Subscriptions.SubscriptionCount()),
	)
	log.WithFields(conn.LogTags).Info("Connection closed")
}

// deliver push one backplane message to the local connections it targets
func (s *gatewayServiceImpl) deliver(msg BackplaneMessage) {
	frame := EventFrame{Event: msg.Event, Payload: msg.Payload}
	if msg.VisitorID != "" {
		for _, connectionID := range s.params.Subscriptions.SubscribersOf(msg.VisitorID) {
			conn, ok := s.params.Connections.Get(connectionID)
			if !ok || conn.TenantID != msg.TenantID {
				// Subscriber is gone, or held by another process
				continue
			}
			if err := conn.SendFrame(frame); err != nil {
				log.WithError(err).WithFields(conn.LogTags).Debugf("Dropped %s", msg.Event)
			}
		}
		return
	}
	s.params.Connections.ForEachInTenant(msg.TenantID, func(conn *Connection) {
		if err := conn.SendFrame(frame); err != nil {
			log.WithError(err).WithFields(conn.LogTags).Debugf("Dropped %s", msg.Event)
		}
	})
}

// ========================================================================================
// Websocket session

// wsSession write side of one websocket connection. Outbound frames queue on
// a buffered channel; the write pump owns all writes to the socket.
type wsSession struct {
	ws         *websocket.Conn
	send       chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	pingPeriod time.Duration
}

// newWSSession wrap a websocket connection. pingPeriod must be shorter than
// the peer's read deadline.
func newWSSession(ws *websocket.Conn, pingPeriod time.Duration) *wsSession {
	return &wsSession{
		ws:         ws,
		send:       make(chan []byte, wsSendBuffer),
		closed:     make(chan struct{}),
		pingPeriod: pingPeriod,
	}
}

// SendFrame queue one frame for delivery. Never blocks; a full buffer or a
// closed session drops the frame.
func (s *wsSession) SendFrame(frame EventFrame) error {
	encoded, err := json.Marshal(&frame)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return fmt.Errorf("session closed")
	case s.send <- encoded:
		return nil
	default:
		return fmt.Errorf("session send buffer full")
	}
}

// Close tear down the session
func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

// writePump owns all writes to the socket: queued frames and liveness pings
func (s *wsSession) writePump() {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()
	for {
		select {
		case <-s.closed:
			_ = s.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = s.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeDirectFrame write one frame synchronously on a session that has no
// write pump yet (pre-admission rejection path)
func writeDirectFrame(ws *websocket.Conn, frame EventFrame, payload interface{}) error {
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		frame.Payload = encoded
	}
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.WriteJSON(&frame)
}
