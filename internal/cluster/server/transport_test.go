package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
)

// newTestServerWithConn starts an httptest server that upgrades every
// request to a WebSocket and hands it to s.HandleConnection, dials a client
// against it, and completes a real register handshake. It returns the
// connected agent id and the live client-side connection.
func newTestServerWithConn(t *testing.T, s *Server, store *fakeStore, agentID string) (*websocket.Conn, string) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.HandleConnection(context.Background(), wsConn, r.RemoteAddr)
	}))
	t.Cleanup(ts.Close)

	rc := cluster.RegistrationCode{
		ID:        "code-" + agentID,
		AgentID:   agentID,
		Code:      "code-" + agentID,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveRegistrationCode(rc); err != nil {
		t.Fatalf("SaveRegistrationCode: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = clientConn.Close() })

	if err := clientConn.WriteJSON(handshakeFrame{Type: "register", Code: rc.Code, Version: "1.0.0"}); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	var resp registeredResponse
	if err := clientConn.ReadJSON(&resp); err != nil {
		t.Fatalf("read handshake response: %v", err)
	}
	if resp.Type != "registered" || resp.AgentID != agentID {
		t.Fatalf("unexpected handshake response: %+v", resp)
	}

	// Give runConnection's goroutine-free receive loop a moment to register
	// the handle before the test starts driving the connection.
	deadline := time.Now().Add(2 * time.Second)
	for !s.Registry().IsConnected(agentID) {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for agent to register")
		}
		time.Sleep(time.Millisecond)
	}

	return clientConn, resp.AgentID
}

func newTestServer(clk *mockClock) (*Server, *fakeStore) {
	store := newFakeStore()
	cfg := DefaultConfig()
	cfg.MaxConsecutiveErrors = 5
	s := New(cfg, store, nil, testLogger(), clk)
	return s, store
}

// TestHandleConnectionClosesAfterConsecutiveMalformedFrames covers P10: five
// malformed frames in a row close the connection.
func TestHandleConnectionClosesAfterConsecutiveMalformedFrames(t *testing.T) {
	s, store := newTestServer(newMockClock(time.Now()))
	clientConn, _ := newTestServerWithConn(t, s, store, "agent-p10-a")

	for i := 0; i < s.cfg.MaxConsecutiveErrors; i++ {
		if err := clientConn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
			t.Fatalf("write malformed frame %d: %v", i, err)
		}
	}

	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := clientConn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed after five consecutive malformed frames")
	}
}

// TestHandleConnectionValidFrameResetsMalformedCounter covers the other half
// of P10: a valid frame between malformed ones resets the counter, so the
// connection survives more than MaxConsecutiveErrors malformed frames total
// as long as none of them are consecutive.
func TestHandleConnectionValidFrameResetsMalformedCounter(t *testing.T) {
	s, store := newTestServer(newMockClock(time.Now()))
	clientConn, _ := newTestServerWithConn(t, s, store, "agent-p10-b")

	send := func(msg string) {
		if err := clientConn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write %q: %v", msg, err)
		}
	}

	for round := 0; round < 2; round++ {
		for i := 0; i < s.cfg.MaxConsecutiveErrors-1; i++ {
			send("not json")
		}
		// A valid notification resets the consecutive-error counter.
		send(`{"jsonrpc":"2.0","method":"journal.sync","params":[]}`)
	}

	// The connection must still be alive: a well-formed ping request gets a
	// real response rather than the socket being closed out from under us.
	if err := clientConn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "agent.ping",
		"id":      1,
	}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("expected the connection to survive non-consecutive malformed frames, got: %v", err)
	}
	if !strings.Contains(string(data), `"status":"ok"`) {
		t.Fatalf("expected a successful ping response, got %s", data)
	}
}

// TestReconnectDoesNotClobberConnectedStatus covers last-connection-wins:
// when an agent reconnects before its prior socket has observed the close,
// the superseded receive loop's teardown must not flip the persisted
// status back to DISCONNECTED while the new connection is live.
func TestReconnectDoesNotClobberConnectedStatus(t *testing.T) {
	s, store := newTestServer(newMockClock(time.Now()))

	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.HandleConnection(context.Background(), wsConn, r.RemoteAddr)
	}))
	t.Cleanup(ts.Close)

	rc := cluster.RegistrationCode{
		ID:        "rc-reconnect",
		AgentID:   "agent-reconnect",
		Code:      "code-reconnect",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveRegistrationCode(rc); err != nil {
		t.Fatalf("SaveRegistrationCode: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	t.Cleanup(func() { _ = first.Close() })
	if err := first.WriteJSON(handshakeFrame{Type: "register", Code: rc.Code, Version: "1.0.0"}); err != nil {
		t.Fatalf("write register: %v", err)
	}
	var reg registeredResponse
	if err := first.ReadJSON(&reg); err != nil {
		t.Fatalf("read register response: %v", err)
	}

	firstHandle, ok := s.Registry().Get("agent-reconnect")
	for deadline := time.Now().Add(2 * time.Second); !ok && time.Now().Before(deadline); {
		time.Sleep(time.Millisecond)
		firstHandle, ok = s.Registry().Get("agent-reconnect")
	}
	if !ok {
		t.Fatal("timed out waiting for first connection to register")
	}

	// Reconnect with the issued token while the first socket is still up.
	// Register closes the superseded handle server-side.
	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })
	if err := second.WriteJSON(handshakeFrame{Type: "authenticate", Token: reg.Token}); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}
	var authed authenticatedResponse
	if err := second.ReadJSON(&authed); err != nil {
		t.Fatalf("read authenticate response: %v", err)
	}

	// Wait until the superseded connection's teardown has run: the first
	// client observes the server-side close, and the registry holds a
	// different handle than the one the first connection installed.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("expected the first connection to be closed after the reconnect")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		h, ok := s.Registry().Get("agent-reconnect")
		if ok && h != firstHandle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the new handle to take over")
		}
		time.Sleep(time.Millisecond)
	}

	// Give the old receive loop's deferred teardown a moment to finish,
	// then verify it left the new connection's persisted status intact.
	time.Sleep(50 * time.Millisecond)
	a, found, _ := store.GetAgent("agent-reconnect")
	if !found {
		t.Fatal("agent record missing")
	}
	if a.Status != cluster.StatusConnected {
		t.Fatalf("status = %s after superseded teardown, want CONNECTED", a.Status)
	}
	if !s.Registry().IsConnected("agent-reconnect") {
		t.Fatal("new connection no longer registered")
	}
}

// TestHandleConnectionDisconnectCancelsPendingCalls exercises the ordinary
// disconnect path (spec section 5 / section 7 error kind 3): when the agent
// drops the connection outright, an outbound call already in flight must
// fail immediately with a transport error instead of waiting out its own
// deadline.
func TestHandleConnectionDisconnectCancelsPendingCalls(t *testing.T) {
	s, store := newTestServer(newMockClock(time.Now()))
	clientConn, agentID := newTestServerWithConn(t, s, store, "agent-disconnect")

	// Drain whatever the agent writes (it won't answer) so the write side
	// of the client socket doesn't block; the client never responds to this
	// call on purpose, simulating a hung peer that then vanishes.
	go func() {
		for {
			if _, _, err := clientConn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	done := make(chan error, 1)
	go func() {
		_, err := s.Registry().SendRequest(context.Background(), agentID, "containers.list", nil, time.Hour)
		done <- err
	}()

	// Give the outbound request a moment to be written and registered, then
	// sever the connection from the client side -- this triggers the
	// server's ReadMessage error path in runConnection.
	time.Sleep(50 * time.Millisecond)
	_ = clientConn.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected the pending call to fail once the connection drops")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call was not cancelled promptly after disconnect; CancelAll likely missing on the ordinary disconnect path")
	}
}
