package server

import (
	"context"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/auth"
	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
	"github.com/Will-Luck/Docker-Sentinel/internal/metrics"
)

// RotationEngine is C5: a background sweep that finds agents whose tokens
// are nearing expiry and drives a two-token handover without breaking
// active connections (spec section 4.5).
type RotationEngine struct {
	s *Server
}

// NewRotationEngine creates a RotationEngine bound to s.
func NewRotationEngine(s *Server) *RotationEngine {
	return &RotationEngine{s: s}
}

// Run starts the periodic rotation sweep. It blocks until ctx is cancelled
// or Stop is called, finishing its current iteration before returning.
func (re *RotationEngine) Run(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-re.s.stopCh:
			return
		case <-re.s.clock.After(interval):
			re.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single rotation pass over all candidates and returns the
// number initiated. Exported so tests and the dynamic-interval case can
// drive it directly.
func (re *RotationEngine) SweepOnce(ctx context.Context) int {
	agents, err := re.s.store.ListAgents()
	if err != nil {
		re.s.log.Error("rotation sweep: list agents failed", "error", err)
		return 0
	}

	now := re.s.clock.Now()
	advanceWindow := now.Add(re.s.cfg.RotationAdvanceWindow)

	initiated := 0
	for _, a := range agents {
		// Open question resolved (spec section 9): only rotate agents that
		// are currently connected. Initiating against an offline agent
		// would leave pending_token_hash set indefinitely.
		if a.Status != cluster.StatusConnected {
			continue
		}
		if a.TokenExpiresAt.IsZero() || a.TokenExpiresAt.After(advanceWindow) {
			continue
		}
		if re.initiate(ctx, a) {
			initiated++
		}
	}
	return initiated
}

// initiate runs the full initiate-notify-schedule sequence for one agent
// (spec section 4.5 steps 1-4).
func (re *RotationEngine) initiate(ctx context.Context, a cluster.Agent) bool {
	// Idempotency (spec section 4.5, Open Question decided in DESIGN.md):
	// re-read under the store and skip if pending is already set by a
	// concurrent sweep, rather than overwrite an in-flight grace window.
	current, found, err := re.s.store.GetAgent(a.ID)
	if err != nil || !found {
		return false
	}
	if current.PendingTokenHash != "" {
		re.s.log.Debug("rotation sweep: agent already rotating, skipping", "agent_id", a.ID)
		return false
	}

	plaintext, hash, err := auth.GenerateAPIToken()
	if err != nil {
		re.s.log.Error("rotation: generate token failed", "agent_id", a.ID, "error", err)
		return false
	}

	current.PendingTokenHash = hash
	if err := re.s.store.SaveAgent(current); err != nil {
		re.s.log.Error("rotation: persist pending token failed", "agent_id", a.ID, "error", err)
		return false
	}

	graceSeconds := int(re.s.cfg.RotationGracePeriod / time.Second)
	params := map[string]interface{}{
		"new_token":          plaintext,
		"grace_period_seconds": graceSeconds,
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err = re.s.registry.SendRequest(callCtx, current.ID, "agent.rotate_token", params, 30*time.Second)
	if err != nil {
		re.s.log.Warn("rotation: ack failed, cancelling", "agent_id", current.ID, "error", err)
		re.cancel(current.ID)
		return false
	}

	re.s.log.Info("rotation initiated", "agent_id", current.ID, "grace_seconds", graceSeconds)
	metrics.ClusterRotationsTotal.WithLabelValues("initiated").Inc()
	re.schedulePromotion(current.ID, re.s.cfg.RotationGracePeriod)
	return true
}

// schedulePromotion waits out the grace period then promotes pending to
// current. Runs in its own goroutine since the grace window (default 5m)
// must not block the sweep loop.
func (re *RotationEngine) schedulePromotion(agentID string, grace time.Duration) {
	go func() {
		<-re.s.clock.After(grace)
		re.promote(agentID)
	}()
}

// promote finalizes a rotation: token_hash <- pending_token_hash,
// pending_token_hash cleared, issued/expires refreshed (spec section 4.5
// step 3).
func (re *RotationEngine) promote(agentID string) {
	a, found, err := re.s.store.GetAgent(agentID)
	if err != nil || !found || a.PendingTokenHash == "" {
		return // rotation was cancelled or agent deleted before grace elapsed
	}

	now := re.s.clock.Now()
	a.TokenHash = a.PendingTokenHash
	a.PendingTokenHash = ""
	a.TokenIssuedAt = now
	a.TokenExpiresAt = now.Add(re.s.cfg.TokenValidity)

	if err := re.s.store.SaveAgent(a); err != nil {
		re.s.log.Error("rotation: promote failed", "agent_id", agentID, "error", err)
		return
	}
	re.s.log.Info("rotation promoted", "agent_id", agentID)
	metrics.ClusterRotationsTotal.WithLabelValues("promoted").Inc()
}

// cancel clears pending_token_hash, leaving the active token untouched
// (spec section 4.5 step 4 / section 4.5's state machine "cancel()" edge).
// Safe to call even when there is nothing pending.
func (re *RotationEngine) cancel(agentID string) {
	a, found, err := re.s.store.GetAgent(agentID)
	if err != nil || !found {
		return
	}
	if a.PendingTokenHash == "" {
		return
	}
	a.PendingTokenHash = ""
	if err := re.s.store.SaveAgent(a); err != nil {
		re.s.log.Error("rotation: cancel failed", "agent_id", agentID, "error", err)
		return
	}
	re.s.log.Info("rotation cancelled", "agent_id", agentID)
	metrics.ClusterRotationsTotal.WithLabelValues("cancelled").Inc()
}

// CancelRotation exposes cancel for external callers (e.g. an admin
// endpoint or a transport-error handler observing a dropped connection
// mid-rotation, spec scenario 5).
func (re *RotationEngine) CancelRotation(agentID string) {
	re.cancel(agentID)
}
