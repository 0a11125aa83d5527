package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/rpc"
)

const (
	writeControlTimeout = 5 * time.Second
	handshakeTimeout    = 30 * time.Second
)

// agentIDCtxKey tags the agent id of the connection a handler call is
// currently being dispatched on, so server-exposed methods (agent.update)
// can act on "the agent that called me" without threading an extra
// parameter through rpc.Handler.
type agentIDCtxKey struct{}

func withAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDCtxKey{}, agentID)
}

func agentIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(agentIDCtxKey{}).(string)
	return v, ok
}

// Close codes the endpoint uses to signal why a connection was closed
// (spec section 6). gorilla/websocket close frames carry a numeric code
// plus free-text reason; we use the reserved PolicyViolation code with a
// distinguishing reason string for all four, since none of these map to a
// standard RFC 6455 code.
const (
	closeReasonRateLimited   = "rate_limited"
	closeReasonAuthFailed    = "auth_failed"
	closeReasonAuthTimeout   = "auth_timeout"
	closeReasonServerShutdown = "server_shutdown"
)

// wsTransport adapts a gorilla/websocket connection to rpc.Transport.
// gorilla's Conn is not safe for concurrent writers, so every write is
// serialized under a mutex -- the RPC layer and the handshake responder
// both write to the same connection.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) WriteFrame(f *rpc.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(f)
}

func (t *wsTransport) writeJSON(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) close(reason string) {
	t.mu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(writeControlTimeout))
	t.mu.Unlock()
	_ = t.conn.Close()
}

// HandleConnection runs the full per-connection lifecycle described in spec
// section 4.1: rate-limit gate, handshake, then the receive loop. It blocks
// until the connection ends (handshake failure, rate limit, or the receive
// loop exiting) and never returns an error -- failures are logged and the
// connection is closed.
func (s *Server) HandleConnection(ctx context.Context, wsConn *websocket.Conn, remoteIP string) {
	t := &wsTransport{conn: wsConn}

	if !s.limiter.Allow(remoteIP) {
		t.close(closeReasonRateLimited)
		s.log.Info("connection rejected by rate limiter", "ip", remoteIP)
		return
	}

	// The first frame must arrive promptly; a peer that connects and says
	// nothing would otherwise hold the handshake goroutine forever.
	_ = wsConn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var hf handshakeFrame
	if err := wsConn.ReadJSON(&hf); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			t.close(closeReasonAuthTimeout)
			return
		}
		_ = t.writeJSON(errorResponse{Type: "error", Error: "malformed handshake"})
		t.close(closeReasonAuthFailed)
		return
	}
	_ = wsConn.SetReadDeadline(time.Time{})

	var (
		resp    interface{}
		agentID string
		err     error
	)
	switch hf.Type {
	case "register":
		resp, agentID, err = s.handleRegister(hf)
	case "authenticate":
		resp, agentID, err = s.handleAuthenticate(hf)
	default:
		resp = errorResponse{Type: "error", Error: "unknown handshake frame type"}
		err = fmt.Errorf("unknown handshake type %q", hf.Type)
	}

	if err != nil {
		if resp != nil {
			_ = t.writeJSON(resp)
		}
		t.close(closeReasonAuthFailed)
		s.log.Info("handshake failed", "ip", remoteIP, "error", err)
		return
	}

	if err := t.writeJSON(resp); err != nil {
		t.close(closeReasonAuthFailed)
		return
	}

	s.limiter.RecordSuccess(remoteIP)
	s.runConnection(ctx, t, agentID)
}

// runConnection wires a fresh rpc.Conn over the transport, installs it in
// the registry, and runs the receive loop until disconnect (spec section
// 4.1.3). A successful message resets the consecutive-error counter; after
// MaxConsecutiveErrors in a row, the connection is forcibly closed and the
// agent marked DISCONNECTED.
func (s *Server) runConnection(ctx context.Context, t *wsTransport, agentID string) {
	ctx = withAgentID(ctx, agentID)
	conn := rpc.NewConn(t, s.table, s.clock, s.log)
	if len(s.cfg.AgentPermissions) > 0 {
		conn.SetAllowedPermissions(s.cfg.AgentPermissions...)
	}
	handle := newConnHandle(agentID, agentID, conn, func() { _ = t.conn.Close() })
	handle.Touch(s.clock.Now())
	s.registry.Register(agentID, handle)

	s.log.Info("agent connected", "agent_id", agentID)

	defer func() {
		handle.Conn.CancelAll(fmt.Errorf("agent connection closed"))
		// Only persist DISCONNECTED if this handle is still the registered
		// one. When a reconnecting agent has superseded it, the new
		// connection owns the CONNECTED status and must not be clobbered
		// by the old receive loop winding down.
		if s.registry.Unregister(agentID, handle) {
			s.setDisconnected(agentID)
		}
		_ = t.conn.Close()
		s.log.Info("agent disconnected", "agent_id", agentID)
	}()

	consecutiveErrors := 0
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return // transport error or close: surfaced only via the log above
		}

		var f rpc.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			consecutiveErrors++
			s.log.Warn("malformed frame", "agent_id", agentID, "error", err)
			if consecutiveErrors >= s.cfg.MaxConsecutiveErrors {
				s.log.Warn("too many consecutive errors, closing connection", "agent_id", agentID)
				return
			}
			continue
		}

		consecutiveErrors = 0
		now := s.clock.Now()
		handle.Touch(now)
		s.touchLastSeen(agentID, now)
		conn.Deliver(ctx, &f)
	}
}
