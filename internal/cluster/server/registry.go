// Package server implements the cluster control plane: the transport
// endpoint, RPC dispatcher wiring, agent registry, lifecycle manager, token
// rotation engine, and command router described for the agent fleet.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/rpc"
	"github.com/Will-Luck/Docker-Sentinel/internal/metrics"
)

// ConnHandle is the live connection handle C3 maps an agent id to: a
// reference to the agent's Conn (which owns the per-agent pending-call
// table and the outbound request id generator), plus the bookkeeping the
// registry itself needs.
type ConnHandle struct {
	AgentID  string
	ServerID string
	Conn     *rpc.Conn
	Close    func() // force-closes the underlying transport

	mu       sync.RWMutex
	lastSeen time.Time
}

func newConnHandle(agentID, serverID string, conn *rpc.Conn, closeFn func()) *ConnHandle {
	return &ConnHandle{AgentID: agentID, ServerID: serverID, Conn: conn, Close: closeFn}
}

// Touch updates the handle's last-activity timestamp.
func (h *ConnHandle) Touch(t time.Time) {
	h.mu.Lock()
	h.lastSeen = t
	h.mu.Unlock()
}

// LastSeen returns the handle's last-activity timestamp.
func (h *ConnHandle) LastSeen() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastSeen
}

// Registry is the process-wide, in-memory map from agent id to live
// connection handle (C3). It is the source of truth for "is this agent
// currently reachable" -- the persisted Agent record is the source of truth
// for everything else.
//
// Concurrency: insertions and deletions are serialized under a single
// map-level lock; per-agent pending-call state lives inside each handle's
// own Conn and is never touched while holding the registry lock.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*ConnHandle
	log   *slog.Logger
}

// NewRegistry creates an empty Registry. There is nothing to load from
// store on construction -- unlike the persisted Agent table, C3 starts
// empty every process restart, by design (invariant 3 in spec section 3.2).
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{conns: make(map[string]*ConnHandle), log: log}
}

// Register installs the handle for agentID. If another handle is already
// registered for the same id, the previous one is closed -- last connection
// wins, which is what lets a reconnecting agent whose prior socket hasn't
// yet observed the close take over cleanly.
func (r *Registry) Register(agentID string, handle *ConnHandle) {
	r.mu.Lock()
	old, existed := r.conns[agentID]
	r.conns[agentID] = handle
	n := len(r.conns)
	r.mu.Unlock()
	metrics.ClusterAgentsConnected.Set(float64(n))

	if existed && old != handle {
		r.log.Info("replacing existing connection for agent", "agent_id", agentID)
		old.Conn.CancelAll(fmt.Errorf("superseded by new connection"))
		if old.Close != nil {
			old.Close()
		}
	}
}

// Unregister removes the stored handle for agentID only if it is the same
// object passed in -- this avoids a stale close racing the removal of a
// newer connection that has already replaced it. Reports whether the
// handle was actually removed: a caller tearing down a superseded
// connection must not touch shared state (the persisted agent status)
// that now belongs to the replacement.
func (r *Registry) Unregister(agentID string, handle *ConnHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[agentID]; ok && cur == handle {
		delete(r.conns, agentID)
		metrics.ClusterAgentsConnected.Set(float64(len(r.conns)))
		return true
	}
	return false
}

// Get returns the connection handle for agentID, if connected.
func (r *Registry) Get(agentID string) (*ConnHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.conns[agentID]
	return h, ok
}

// IsConnected reports whether agentID currently has a live connection.
func (r *Registry) IsConnected(agentID string) bool {
	_, ok := r.Get(agentID)
	return ok
}

// SendRequest awaits a correlated outbound call via the agent's Conn. It
// returns an error if the agent is not currently connected.
func (r *Registry) SendRequest(ctx context.Context, agentID, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	h, ok := r.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("agent %s not connected", agentID)
	}
	return h.Conn.Call(ctx, method, params, timeout)
}

// Broadcast writes a best-effort notification to every connected agent.
// Send errors are logged, not returned -- per spec section 4.1, transport
// errors on send are surfaced by the sender, not retried at this layer.
func (r *Registry) Broadcast(method string, params interface{}) {
	r.mu.RLock()
	handles := make([]*ConnHandle, 0, len(r.conns))
	for _, h := range r.conns {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		if err := h.Conn.Notify(method, params); err != nil {
			r.log.Warn("broadcast send failed", "agent_id", h.AgentID, "error", err)
		}
	}
}

// AllAgentIDs returns a snapshot of currently connected agent ids.
func (r *Registry) AllAgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

// StaleHandles returns connected handles whose last-seen time is older than
// cutoff, for the lifecycle manager's staleness sweep (C4).
func (r *Registry) StaleHandles(cutoff time.Time) []*ConnHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ConnHandle
	for _, h := range r.conns {
		if h.LastSeen().Before(cutoff) {
			out = append(out, h)
		}
	}
	return out
}

// CloseAll force-closes every live connection, completing their pending
// outbound calls with a transport error. Used during server shutdown (spec
// section 9 startup/teardown ordering).
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := make([]*ConnHandle, 0, len(r.conns))
	for id, h := range r.conns {
		handles = append(handles, h)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Conn.CancelAll(fmt.Errorf("server shutting down"))
		if h.Close != nil {
			h.Close()
		}
	}
}
