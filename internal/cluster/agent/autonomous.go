// Package agent — autonomous.go implements the offline fallback scan loop
// for when the agent loses connectivity to the server.
//
// Flow:
//  1. Agent detects server unreachable (heartbeat failure, stream error)
//  2. Reconnection attempts with exponential backoff (handled by agent.go)
//  3. After GracePeriodOffline, agent switches to autonomous mode
//  4. Autonomous mode: monitors container health using local label policy
//  5. On reconnect: the offline journal is drained and sent to the server
//     (sync.go)
//
// Autonomous mode does NOT attempt container updates — it cannot do registry
// checks without the server. It monitors health, logs anomalies, and waits
// for reconnection.
package agent

import (
	"context"
	"time"
)

// defaultAutonomousPollInterval is how often the autonomous scan runs when
// no server-pushed interval is available -- there is no such push in this
// protocol, so this is always the effective interval.
const defaultAutonomousPollInterval = 6 * time.Hour

// defaultContainerPolicy is the safest fallback when a container carries no
// explicit policy label and the agent has no server connection to consult.
const defaultContainerPolicy = "manual"

// resolveLocalPolicy determines the effective update policy for a container
// using only information available locally: the "sentinel.policy" label.
// Without a server connection there is nothing else to consult, so any
// container lacking the label defaults to "manual", the safest choice for
// unattended operation.
func resolveLocalPolicy(labels map[string]string) string {
	if lbl, ok := labels["sentinel.policy"]; ok && lbl != "" {
		return lbl
	}
	return defaultContainerPolicy
}

// --- Autonomous scan loop ---

// runAutonomous runs the monitoring loop when disconnected from the server.
// It periodically lists containers and logs their state, but does NOT
// attempt any updates — the agent lacks registry access without the server.
//
// The loop exits when ctx is cancelled (typically because reconnection
// succeeded or the agent is shutting down).
func (a *Agent) runAutonomous(ctx context.Context) error {
	a.log.Warn("entering autonomous mode -- server unreachable",
		"offline_since", a.offlineSince,
		"grace_period", a.cfg.GracePeriodOffline,
	)

	// Run one scan immediately on entry, then on the ticker.
	a.autonomousScan(ctx)

	ticker := time.NewTicker(defaultAutonomousPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.autonomousScan(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// autonomousScan lists local containers and logs their state. In autonomous
// mode we cannot check registries for updates, so this is purely a health
// monitoring pass.
func (a *Agent) autonomousScan(ctx context.Context) {
	containers, err := a.docker.ListContainers(ctx)
	if err != nil {
		a.log.Error("autonomous scan: failed to list containers", "error", err)
		return
	}

	running, stopped := 0, 0
	byPolicy := map[string]int{"auto": 0, "manual": 0, "pinned": 0}

	for _, c := range containers {
		if c.State == "running" {
			running++
		} else {
			stopped++
		}

		pol := resolveLocalPolicy(c.Labels)
		byPolicy[pol]++
	}

	a.log.Info("autonomous scan complete",
		"total", len(containers),
		"running", running,
		"stopped", stopped,
		"policy_auto", byPolicy["auto"],
		"policy_manual", byPolicy["manual"],
		"policy_pinned", byPolicy["pinned"],
	)
}

// shouldEnterAutonomous checks whether the grace period has elapsed and
// autonomous mode should activate. Returns false if no grace period is
// configured (meaning autonomous mode is disabled).
func (a *Agent) shouldEnterAutonomous() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.GracePeriodOffline <= 0 {
		return false
	}
	if a.offlineSince.IsZero() {
		return false
	}
	return time.Since(a.offlineSince) > a.cfg.GracePeriodOffline
}
