package pushserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gorilla/websocket/websockettest"

	"relaymesh/hub/internal/delivery"
	"relaymesh/hub/internal/dispatch"
	"relaymesh/hub/internal/events"
	"relaymesh/hub/internal/pushserver"
	"relaymesh/hub/internal/registry"
)

func newTestServer(t *testing.T, cfg pushserver.Config) (*pushserver.Server, *httptest.Server, func()) {
	t.Helper()
	bus := events.NewBus()
	reg := registry.New(registry.WithBus(bus))

	var server *pushserver.Server
	fabric := dispatch.New(transportFunc(func(envelope delivery.Envelope) error {
		return server.Deliver(envelope)
	}), bus)
	engine := delivery.New(reg, fabric, delivery.Config{
		DeliveryTimeout: time.Second,
		AckTimeout:      time.Second,
		MaxRetries:      1,
		BaseBackoff:     10 * time.Millisecond,
		SweeperInterval: time.Hour,
		EvictionAge:     time.Hour,
	})
	server = pushserver.New(reg, engine, bus, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	server.Start(ctx)

	httpSrv := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	return server, httpSrv, func() {
		cancel()
		httpSrv.Close()
	}
}

type transportFunc func(delivery.Envelope) error

func (f transportFunc) Deliver(envelope delivery.Envelope) error { return f(envelope) }

func TestRegisterThenHeartbeatAck(t *testing.T) {
	_, httpSrv, cleanup := newTestServer(t, pushserver.Config{HeartbeatTimeout: time.Second, SweeperInterval: time.Hour})
	defer cleanup()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websockettest.DialIgnoringPongs(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Drain the welcome frame.
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read welcome: %v", err)
	}

	register := map[string]any{"type": "register", "id": "r1", "agentId": "agent-a", "instanceId": "inst-1"}
	data, _ := json.Marshal(register)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write register: %v", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read registration reply: %v", err)
	}
	var reply map[string]any
	if err := json.Unmarshal(msg, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply["type"] != "registration.success" {
		t.Fatalf("expected registration.success, got %v", reply["type"])
	}

	heartbeat := map[string]any{"type": "heartbeat", "id": "hb1"}
	data, _ = json.Marshal(heartbeat)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	_, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read heartbeat ack: %v", err)
	}
	if err := json.Unmarshal(msg, &reply); err != nil {
		t.Fatalf("unmarshal heartbeat ack: %v", err)
	}
	if reply["type"] != "heartbeat.ack" {
		t.Fatalf("expected heartbeat.ack, got %v", reply["type"])
	}
}
