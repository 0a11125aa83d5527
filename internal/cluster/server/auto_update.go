package server

import (
	"context"
	"strings"
	"time"
)

// CheckAgentVersions iterates connected agents and triggers an update for any
// agent running a different version than the server. The sentinel container on
// each agent is identified by the "sentinel.self=true" label. The update is
// sent via UpdateContainerSync, which recreates the container with the new
// image tag -- the agent process is killed during the stop phase and the new
// container starts a fresh agent that reconnects automatically.
//
// Skipped when serverVersion is empty or "dev" (local/untagged builds).
func (s *Server) CheckAgentVersions(ctx context.Context, serverVersion string) {
	baseServer := baseVersion(serverVersion)
	if baseServer == "" || baseServer == "dev" {
		return
	}

	for _, agentID := range s.registry.AllAgentIDs() {
		agent, found, err := s.store.GetAgent(agentID)
		if err != nil || !found {
			continue
		}

		baseAgent := baseVersion(agent.Version)
		if baseAgent == "" || baseAgent == "dev" {
			continue // agent hasn't reported version yet, or is a dev build
		}
		if baseAgent == baseServer {
			continue // already on the right version
		}

		s.log.Info("agent version mismatch",
			"agent_id", agentID,
			"agent_version", agent.Version,
			"server_version", serverVersion,
		)

		s.updateAgentContainer(ctx, agentID, baseServer)
	}
}

// updateAgentContainer finds the sentinel container on the given agent and
// dispatches a container update to bring it to the target version.
func (s *Server) updateAgentContainer(ctx context.Context, agentID, targetVersion string) {
	listCtx, listCancel := context.WithTimeout(ctx, hostCommandTimeout)
	containers, err := s.ListContainersSync(listCtx, agentID)
	listCancel()
	if err != nil {
		s.log.Warn("auto-update: list containers failed", "agent_id", agentID, "error", err)
		return
	}

	var sentinelName, sentinelImage string
	for _, c := range containers {
		if c.Labels["sentinel.self"] == "true" {
			sentinelName = c.Name
			sentinelImage = c.Image
			break
		}
	}

	if sentinelName == "" {
		s.log.Warn("auto-update: no sentinel container found on agent", "agent_id", agentID)
		return
	}

	newImage := replaceImageTag(sentinelImage, targetVersion)
	if newImage == sentinelImage {
		s.log.Debug("auto-update: image already matches target", "agent_id", agentID, "image", sentinelImage)
		return
	}

	s.log.Info("auto-update: updating agent container",
		"agent_id", agentID,
		"container", sentinelName,
		"from", sentinelImage,
		"to", newImage,
	)

	// Use a generous timeout -- the agent needs to pull the new image,
	// stop, remove, and recreate the container.
	updateCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	entry, err := s.UpdateContainerSync(updateCtx, agentID, sentinelName, newImage, "")
	if err != nil {
		s.log.Error("auto-update: update failed", "agent_id", agentID, "container", sentinelName, "error", err)
		return
	}

	if entry.Outcome != "success" {
		s.log.Warn("auto-update: update did not succeed",
			"agent_id", agentID,
			"container", sentinelName,
			"outcome", entry.Outcome,
			"error", entry.Error,
		)
		return
	}

	s.log.Info("auto-update: agent updated successfully", "agent_id", agentID, "container", sentinelName, "new_image", newImage)
}

// baseVersion strips the commit hash suffix from a version string.
// "v2.0.1 (abc1234)" -> "v2.0.1", "dev" -> "dev", "" -> "".
func baseVersion(v string) string {
	v = strings.TrimSpace(v)
	if idx := strings.Index(v, " ("); idx != -1 {
		return v[:idx]
	}
	return v
}

// replaceImageTag replaces the tag portion of a Docker image reference.
// "ghcr.io/foo/sentinel:v2.0.0" + "v2.0.1" -> "ghcr.io/foo/sentinel:v2.0.1"
// "sentinel:latest" + "v2.0.1" -> "sentinel:v2.0.1"
// "sentinel" + "v2.0.1" -> "sentinel:v2.0.1"
// "ghcr.io/foo/sentinel@sha256:abc123" + "v2.0.1" -> "ghcr.io/foo/sentinel:v2.0.1"
// "registry.example.com:5000/sentinel" + "v2.0.1" -> "registry.example.com:5000/sentinel:v2.0.1"
func replaceImageTag(image, newTag string) string {
	// Strip digest if present.
	if at := strings.Index(image, "@"); at != -1 {
		image = image[:at]
	}
	// Find tag colon -- must be after the last slash to avoid port confusion.
	lastSlash := strings.LastIndex(image, "/")
	lastColon := strings.LastIndex(image, ":")
	if lastColon > lastSlash {
		return image[:lastColon] + ":" + newTag
	}
	return image + ":" + newTag
}

// AgentVersions returns a snapshot of all connected agents and their reported
// versions, keyed by agent ID. Useful for dashboard display and debugging.
func (s *Server) AgentVersions() map[string]string {
	out := make(map[string]string)
	for _, agentID := range s.registry.AllAgentIDs() {
		a, found, err := s.store.GetAgent(agentID)
		if err != nil || !found {
			continue
		}
		out[agentID] = a.Version
	}
	return out
}
