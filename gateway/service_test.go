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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// serviceTestFixture a gateway service behind a live HTTP test server
type serviceTestFixture struct {
	service       GatewayService
	server        *httptest.Server
	connections   ConnectionRegistry
	subscriptions SubscriptionRegistry
	backplane     Backplane
	limiter       RateLimiter
}

func defineServiceFixture(t *testing.T, maxEvents int) *serviceTestFixture {
	assert := assert.New(t)

	limiter, err := GetRateLimiter("unit-test", maxEvents, time.Hour)
	assert.Nil(err)
	breaker, err := GetCircuitBreaker("enrichment", CircuitBreakerParams{
		EvalWindow:            time.Hour,
		ErrorThresholdPercent: 50,
		MinSamples:            5,
		Cooldown:              time.Hour,
		CallTimeout:           time.Second,
	})
	assert.Nil(err)
	subscriptions, err := GetSubscriptionRegistry("unit-test", time.Hour)
	assert.Nil(err)
	connections, err := GetConnectionRegistry("unit-test")
	assert.Nil(err)
	backplane, err := GetMemoryBackplane("unit-test", 16)
	assert.Nil(err)
	metrics := testMetrics()

	activities := GetMemActivityStore(100)
	activityHandler, err := GetActivityHandler(activities, limiter, backplane, metrics)
	assert.Nil(err)
	visitorHandler, err := GetVisitorHandler(
		GetMemVisitorStore(),
		activities,
		GetNoopEnricher(),
		breaker,
		limiter,
		subscriptions,
		backplane,
		metrics,
	)
	assert.Nil(err)
	router, err := GetEventRouter(activityHandler, visitorHandler, subscriptions, metrics)
	assert.Nil(err)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	service, err := GetGatewayService(GatewayServiceParams{
		Instance: "unit-test",
		Auth: GetStaticAuthVerifier(map[string]string{
			"good-token": "user-1",
		}),
		Router:            router,
		Connections:       connections,
		Subscriptions:     subscriptions,
		Limiter:           limiter,
		Backplane:         backplane,
		Metrics:           metrics,
		HeartbeatInterval: time.Second * 30,
		SweepInterval:     time.Hour,
	}, ctxt, &wg)
	assert.Nil(err)
	assert.Nil(service.Start())

	server := httptest.NewServer(http.HandlerFunc(service.HandleConnection))
	t.Cleanup(func() {
		server.Close()
		_ = service.Stop()
		cancel()
		wg.Wait()
	})

	return &serviceTestFixture{
		service:       service,
		server:        server,
		connections:   connections,
		subscriptions: subscriptions,
		backplane:     backplane,
		limiter:       limiter,
	}
}

func (f *serviceTestFixture) dial(query string) (*websocket.Conn, *http.Response, error) {
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/?" + query
	return websocket.DefaultDialer.Dial(wsURL, nil)
}

// readUntilFrame read frames off the wire until one matches the wanted event
func readUntilFrame(ws *websocket.Conn, event string, timeout time.Duration) (
	EventFrame, error,
) {
	deadline := time.Now().Add(timeout)
	for {
		_ = ws.SetReadDeadline(deadline)
		var frame EventFrame
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return frame, err
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			return frame, err
		}
		if frame.Event == event {
			return frame, nil
		}
	}
}

func sendFrame(ws *websocket.Conn, event string, payload interface{}) error {
	frame := EventFrame{Event: event}
	if payload != nil {
		frame.Payload = mustEncode(payload)
	}
	return ws.WriteJSON(&frame)
}

func TestGatewayServiceAdmission(t *testing.T) {
	assert := assert.New(t)

	uut := defineServiceFixture(t, 100)

	// Case 0: missing companyId is rejected before the upgrade
	{
		_, resp, err := uut.dial("token=good-token")
		assert.NotNil(err)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
	}

	// Case 1: a bad token is rejected before the upgrade
	{
		_, resp, err := uut.dial("companyId=company-1&token=bad-token")
		assert.NotNil(err)
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)
	}

	// Case 2: a good token on the upgrade request is admitted
	{
		ws, _, err := uut.dial("companyId=company-1&token=good-token")
		assert.Nil(err)
		assert.Eventually(func() bool {
			return uut.connections.ConnectionCount() == 1
		}, time.Second, time.Millisecond*5)
		assert.Nil(ws.Close())
		assert.Eventually(func() bool {
			return uut.connections.ConnectionCount() == 0
		}, time.Second, time.Millisecond*5)
	}

	// Case 3: with no token the first frame must authenticate
	{
		ws, _, err := uut.dial("companyId=company-1")
		assert.Nil(err)
		assert.Nil(sendFrame(ws, EventAuth, AuthRequest{Token: "good-token"}))
		visitorID := uuid.New().String()
		assert.Nil(sendFrame(ws, EventSubscribeVisitor, visitorID))
		frame, err := readUntilFrame(ws, EventInitialActivities, time.Second*2)
		assert.Nil(err)
		var snapshot []Activity
		assert.Nil(json.Unmarshal(frame.Payload, &snapshot))
		assert.Empty(snapshot)
		assert.Nil(ws.Close())
	}

	// Case 4: a non-auth first frame is rejected and the session closed
	{
		ws, _, err := uut.dial("companyId=company-1")
		assert.Nil(err)
		assert.Nil(sendFrame(ws, EventHeartbeat, nil))
		frame, err := readUntilFrame(ws, EventError, time.Second*2)
		assert.Nil(err)
		assert.Equal("authentication_failed", decodeErrorReport(t, frame).Code)
		_ = ws.SetReadDeadline(time.Now().Add(time.Second))
		_, _, err = ws.ReadMessage()
		assert.NotNil(err)
		// Never registered
		assert.Equal(0, uut.connections.ConnectionCount())
	}
}

func TestGatewayServiceConnectRateLimit(t *testing.T) {
	assert := assert.New(t)

	uut := defineServiceFixture(t, 2)

	sockets := []*websocket.Conn{}
	defer func() {
		for _, ws := range sockets {
			_ = ws.Close()
		}
	}()

	// The first two attempts of the user pass
	for i := 0; i < 2; i++ {
		ws, _, err := uut.dial("companyId=company-1&token=good-token")
		assert.Nilf(err, "attempt %d", i)
		sockets = append(sockets, ws)
	}

	// The third is turned away before the upgrade
	_, resp, err := uut.dial("companyId=company-1&token=good-token")
	assert.NotNil(err)
	assert.Equal(http.StatusTooManyRequests, resp.StatusCode)
}

func TestGatewayServiceEventFlow(t *testing.T) {
	assert := assert.New(t)

	uut := defineServiceFixture(t, 100)
	visitorID := uuid.New().String()

	dashboard, _, err := uut.dial("companyId=company-1&token=good-token")
	assert.Nil(err)
	defer func() { _ = dashboard.Close() }()
	producer, _, err := uut.dial("companyId=company-1&token=good-token")
	assert.Nil(err)
	defer func() { _ = producer.Close() }()
	assert.Eventually(func() bool {
		return uut.connections.ConnectionCount() == 2
	}, time.Second, time.Millisecond*5)

	// Dashboard subscribes and receives the empty snapshot
	assert.Nil(sendFrame(dashboard, EventSubscribeVisitor, visitorID))
	_, err = readUntilFrame(dashboard, EventInitialActivities, time.Second*2)
	assert.Nil(err)

	// An activity from another connection reaches the dashboard
	assert.Nil(sendFrame(producer, EventVisitorActivity, ActivityEventRequest{
		VisitorID: visitorID,
		Type:      "pageview",
		Data:      map[string]interface{}{"path": "/"},
	}))
	frame, err := readUntilFrame(dashboard, EventActivityUpdate, time.Second*2)
	assert.Nil(err)
	var activity Activity
	assert.Nil(json.Unmarshal(frame.Payload, &activity))
	assert.Equal(visitorID, activity.VisitorID)

	// Disconnect clears the dashboard out of both registries
	assert.Nil(dashboard.Close())
	assert.Eventually(func() bool {
		return uut.connections.ConnectionCount() == 1 &&
			uut.subscriptions.SubscriptionCount() == 0
	}, time.Second, time.Millisecond*5)
}

func TestGatewayServiceDeliveryAfterSweep(t *testing.T) {
	assert := assert.New(t)

	uut := defineServiceFixture(t, 100)
	impl := uut.service.(*gatewayServiceImpl)
	visitorID := uuid.New().String()

	// A registered connection whose subscription went stale
	sink := &testSink{}
	conn := NewConnection("company-1", "user-1", sink)
	uut.connections.Add(conn)
	assert.Nil(uut.subscriptions.Subscribe(visitorID, conn.ID))

	subImpl := uut.subscriptions.(*subscriptionRegistryImpl)
	assert.Equal(1, uut.subscriptions.SweepStale(time.Now().Add(subImpl.staleAfter+time.Second)))

	// Delivery to the swept subscription is a no-op
	impl.deliver(BackplaneMessage{
		TenantID:  "company-1",
		VisitorID: visitorID,
		Event:     EventActivityUpdate,
		Payload:   mustEncode(map[string]string{"id": "x"}),
	})
	assert.Equal(0, sink.frameCount())

	// Delivery to a subscriber that already disconnected skips it quietly
	assert.Nil(uut.subscriptions.Subscribe(visitorID, "gone-connection"))
	impl.deliver(BackplaneMessage{
		TenantID:  "company-1",
		VisitorID: visitorID,
		Event:     EventActivityUpdate,
	})
	assert.Equal(0, sink.frameCount())

	// Tenant-scoped delivery still reaches the live connection
	impl.deliver(BackplaneMessage{
		TenantID: "company-1",
		Event:    EventVisitorIdentified,
		Payload:  mustEncode(VisitorIdentifiedReport{ID: visitorID}),
	})
	assert.Equal(1, len(sink.framesOf(EventVisitorIdentified)))

	// A different tenant's broadcast does not
	impl.deliver(BackplaneMessage{
		TenantID: "company-2",
		Event:    EventVisitorIdentified,
	})
	assert.Equal(1, sink.frameCount())
}
