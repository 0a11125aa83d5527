package server

import (
	"context"
	"errors"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
	"github.com/Will-Luck/Docker-Sentinel/internal/metrics"
)

var errStaleAgent = errors.New("agent exceeded heartbeat timeout")

// LifecycleManager is C4: it repairs invariant (3) on startup (no agent may
// be CONNECTED with no live connection in the registry) and runs the
// periodic staleness sweep that force-disconnects agents that have gone
// silent past the heartbeat timeout.
type LifecycleManager struct {
	s *Server
}

// NewLifecycleManager creates a LifecycleManager bound to s.
func NewLifecycleManager(s *Server) *LifecycleManager {
	return &LifecycleManager{s: s}
}

// ReconcileStartup scans persisted agents and resets any left CONNECTED by
// a previous process to DISCONNECTED (spec section 4.4, section 9 startup
// ordering: this runs before C1 starts accepting). Returns the number of
// agents reset.
func (lm *LifecycleManager) ReconcileStartup(ctx context.Context) (int, error) {
	agents, err := lm.s.store.ListAgents()
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, a := range agents {
		if a.Status != cluster.StatusConnected {
			continue
		}
		a.Status = cluster.StatusDisconnected
		if err := lm.s.store.SaveAgent(a); err != nil {
			lm.s.log.Error("reconciliation: failed to reset agent", "agent_id", a.ID, "error", err)
			continue
		}
		reset++
	}

	lm.s.log.Info("startup reconciliation complete", "reset", reset)
	return reset, nil
}

// Run starts the periodic staleness sweep. It blocks until ctx is
// cancelled or Stop is called, finishing its current iteration before
// returning (spec section 4.4's cooperative stop signal).
func (lm *LifecycleManager) Run(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-lm.s.stopCh:
			return
		case <-lm.s.clock.After(interval):
			lm.sweepOnce()
		}
	}
}

// sweepOnce force-closes every connected agent whose last-seen time exceeds
// HeartbeatTimeout, unregisters it, and persists DISCONNECTED (spec section
// 4.4).
func (lm *LifecycleManager) sweepOnce() {
	cutoff := lm.s.clock.Now().Add(-lm.s.cfg.HeartbeatTimeout)
	stale := lm.s.registry.StaleHandles(cutoff)

	for _, h := range stale {
		lm.s.log.Warn("agent stale, forcing disconnect", "agent_id", h.AgentID, "last_seen", h.LastSeen())
		h.Conn.CancelAll(errStaleAgent)
		if h.Close != nil {
			h.Close()
		}
		if lm.s.registry.Unregister(h.AgentID, h) {
			lm.s.setDisconnected(h.AgentID)
		}
		metrics.ClusterStaleDisconnects.Inc()
	}

	if len(stale) > 0 {
		lm.s.log.Info("staleness sweep complete", "disconnected", len(stale))
	}
}
