package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcall/internal/config"
	"github.com/mikeyg42/rtcall/internal/store"
)

// wsServer is a minimal signaling endpoint for tests: it accepts one
// websocket upgrade at a time, records every inbound frame, and can inject
// frames toward the client.
type wsServer struct {
	srv    *httptest.Server
	frames chan []byte

	// dropFirst, when set before the first dial, closes the first accepted
	// connection right after the handshake to simulate a network drop.
	dropFirst bool
	upgrades  atomic.Int32

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{frames: make(chan []byte, 16)}

	upgrader := websocket.Upgrader{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if ws.upgrades.Add(1) == 1 && ws.dropFirst {
			conn.Close()
			return
		}
		ws.mu.Lock()
		ws.conn = conn
		ws.mu.Unlock()

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ws.frames <- message
		}
	}))

	t.Cleanup(func() {
		ws.mu.Lock()
		if ws.conn != nil {
			ws.conn.Close()
		}
		ws.mu.Unlock()
		ws.srv.Close()
	})
	return ws
}

// endpoint returns the host:port form the manager dials.
func (ws *wsServer) endpoint() string {
	return strings.TrimPrefix(ws.srv.URL, "http://")
}

func (ws *wsServer) inject(t *testing.T, method string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	params := json.RawMessage(raw)
	req := &jsonrpc2.Request{
		Method: method,
		Params: &params,
		ID:     jsonrpc2.ID{Num: uint64(uuid.New().ID())},
	}
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(req); err != nil {
		t.Fatalf("Failed to encode frame: %v", err)
	}

	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		t.Fatal("No client connected")
	}
	if err := conn.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
}

func (ws *wsServer) nextFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-ws.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a frame")
		return nil
	}
}

func testConfig(endpoints ...string) *config.Config {
	return &config.Config{
		SelfID:            "self",
		SignalEndpoints:   endpoints,
		ConnectTimeout:    2 * time.Second,
		LastResortTimeout: 500 * time.Millisecond,
		// Keep the heartbeat out of short tests.
		HeartbeatInterval: time.Hour,
	}
}

func testCache(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestManager(t *testing.T, cache *store.Store, endpoints ...string) *Manager {
	t.Helper()
	m, err := NewManager(testConfig(endpoints...), cache, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(m.Disconnect)
	return m
}

func TestConnectFallsThroughToWorkingEndpoint(t *testing.T) {
	ws := newWSServer(t)
	cache := testCache(t)

	// Port 1 refuses immediately; the walk must reach the live endpoint.
	m := newTestManager(t, cache, "127.0.0.1:1", ws.endpoint())

	ch, err := m.Connect(context.Background(), "")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if ch.Endpoint() != ws.endpoint() {
		t.Fatalf("Expected connection to %s, got %s", ws.endpoint(), ch.Endpoint())
	}

	// The winner is persisted so the next connect tries it first.
	last, err := cache.Get(context.Background(), lastEndpointKey)
	if err != nil {
		t.Fatalf("Expected the last endpoint persisted: %v", err)
	}
	if string(last) != ws.endpoint() {
		t.Fatalf("Expected %s persisted, got %s", ws.endpoint(), last)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	ws := newWSServer(t)
	m := newTestManager(t, nil, ws.endpoint())

	first, err := m.Connect(context.Background(), "")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	second, err := m.Connect(context.Background(), "")
	if err != nil {
		t.Fatalf("Second connect failed: %v", err)
	}
	if first != second {
		t.Fatal("Connect while connected must return the existing channel")
	}
}

func TestConnectAllEndpointsFail(t *testing.T) {
	cfg := testConfig("127.0.0.1:1")
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.LastResortTimeout = 200 * time.Millisecond

	m, err := NewManager(cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	_, err = m.Connect(context.Background(), "")
	if !errors.Is(err, ErrAllEndpointsFailed) {
		t.Fatalf("Expected ErrAllEndpointsFailed, got %v", err)
	}
}

func TestSendProducesRequestFrame(t *testing.T) {
	ws := newWSServer(t)
	m := newTestManager(t, nil, ws.endpoint())

	if _, err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := m.Send(MethodGetUserStatus, GetUserStatus{UserID: "alice"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var req jsonrpc2.Request
	if err := json.Unmarshal(ws.nextFrame(t), &req); err != nil {
		t.Fatalf("Frame is not a request: %v", err)
	}
	if req.Method != MethodGetUserStatus {
		t.Fatalf("Expected method %s, got %s", MethodGetUserStatus, req.Method)
	}

	var payload GetUserStatus
	if err := json.Unmarshal(*req.Params, &payload); err != nil {
		t.Fatalf("Failed to decode params: %v", err)
	}
	if payload.UserID != "alice" {
		t.Fatalf("Expected alice in params, got %+v", payload)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	m := newTestManager(t, nil, "127.0.0.1:1")

	if err := m.Send(MethodUserActivity, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected, got %v", err)
	}
}

func TestInboundFrameDispatch(t *testing.T) {
	ws := newWSServer(t)
	m := newTestManager(t, nil, ws.endpoint())

	got := make(chan UserStatus, 1)
	m.Handle(MethodUserStatus, func(params json.RawMessage) {
		var status UserStatus
		if err := json.Unmarshal(params, &status); err != nil {
			t.Errorf("Failed to decode params: %v", err)
			return
		}
		got <- status
	})

	if _, err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ws.inject(t, MethodUserStatus, UserStatus{UserID: "alice", Online: true})

	select {
	case status := <-got:
		if status.UserID != "alice" || !status.Online {
			t.Fatalf("Unexpected status: %+v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handler never received the frame")
	}
}

func TestDisconnectEmitsOneEvent(t *testing.T) {
	ws := newWSServer(t)
	m := newTestManager(t, nil, ws.endpoint())

	var mu sync.Mutex
	var events []Event
	m.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	if _, err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("Expected connected + disconnected, got %+v", events)
	}
	if events[0].Kind != EventConnected {
		t.Fatalf("Expected connected first, got %+v", events[0])
	}
	if events[1].Kind != EventDisconnected || events[1].Err != nil {
		t.Fatalf("Deliberate disconnect must report no error, got %+v", events[1])
	}

	if m.Channel() != nil {
		t.Fatal("Expected no live channel after Disconnect")
	}
}

func TestRedialsAfterChannelLoss(t *testing.T) {
	ws := newWSServer(t)
	ws.dropFirst = true
	m := newTestManager(t, nil, ws.endpoint())

	if _, err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// The server killed the first connection; the manager must come back on
	// its own without anyone calling Connect again.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ws.upgrades.Load() >= 2 && m.Channel() != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Never redialed after losing the channel: %d upgrade(s), channel=%v",
		ws.upgrades.Load(), m.Channel())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ws := newWSServer(t)
	m := newTestManager(t, nil, ws.endpoint())

	var mu sync.Mutex
	var count int
	unsubscribe := m.Subscribe(func(Event) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})
	unsubscribe()

	if _, err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("Unsubscribed listener received %d events", count)
	}
}
