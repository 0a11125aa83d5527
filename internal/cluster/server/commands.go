package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
)

var (
	errHostRemoved = errors.New("host removed by administrator")
	errHostRevoked = errors.New("host access revoked by administrator")
	errHostDrained = errors.New("host drained by administrator")
)

func newAgentID() string { return uuid.NewString() }

// The methods in this file are the typed counterparts to Router.Execute: they
// call straight into the registry rather than going through the agent/SSH
// fallback decision, for callers (the dashboard's host management pages)
// that only make sense against a connected agent and want a concrete Go
// type back instead of a generic CommandResult.

const hostCommandTimeout = 30 * time.Second

// ConnectedHosts returns the server IDs of every currently connected agent.
func (s *Server) ConnectedHosts() []string {
	return s.registry.AllAgentIDs()
}

// GetAgent returns the persisted record for agentID.
func (s *Server) GetAgent(agentID string) (cluster.Agent, bool) {
	a, found, err := s.store.GetAgent(agentID)
	if err != nil {
		return cluster.Agent{}, false
	}
	return a, found
}

// AllAgents returns every persisted agent record.
func (s *Server) AllAgents() []cluster.Agent {
	agents, err := s.store.ListAgents()
	if err != nil {
		return nil
	}
	return agents
}

// GenerateEnrollToken mints a fresh agent identity and a single-use
// registration code for it, returning the plaintext code and the new
// agent's id.
func (s *Server) GenerateEnrollToken(ttl time.Duration) (code string, agentID string, err error) {
	agentID = newAgentID()
	rc, err := s.NewRegistrationCode(agentID, ttl)
	if err != nil {
		return "", "", err
	}
	return rc.Code, agentID, nil
}

// RemoveHost deletes an agent's persisted record and, if it is currently
// connected, tears down the connection.
func (s *Server) RemoveHost(agentID string) error {
	s.disconnectIfConnected(agentID, errHostRemoved)
	return s.store.DeleteAgent(agentID)
}

// RevokeHost immediately disconnects an agent and deletes its record,
// preventing it from authenticating again with its current token.
func (s *Server) RevokeHost(agentID string) error {
	s.disconnectIfConnected(agentID, errHostRevoked)
	return s.store.DeleteAgent(agentID)
}

// DrainHost forces a connected agent to disconnect without deleting its
// record, so it stops receiving dispatched commands until it reconnects.
func (s *Server) DrainHost(agentID string) error {
	s.disconnectIfConnected(agentID, errHostDrained)
	return nil
}

func (s *Server) disconnectIfConnected(agentID string, reason error) {
	handle, ok := s.registry.Get(agentID)
	if !ok {
		return
	}
	handle.Conn.CancelAll(reason)
	if handle.Close != nil {
		handle.Close()
	}
	if s.registry.Unregister(agentID, handle) {
		s.setDisconnected(agentID)
	}
}

// ListContainersSync asks a connected agent for its current container
// inventory.
func (s *Server) ListContainersSync(ctx context.Context, agentID string) ([]cluster.ContainerInfo, error) {
	raw, err := s.registry.SendRequest(ctx, agentID, "containers.list", nil, hostCommandTimeout)
	if err != nil {
		return nil, err
	}
	var containers []cluster.ContainerInfo
	if err := json.Unmarshal(raw, &containers); err != nil {
		return nil, fmt.Errorf("decode containers.list response: %w", err)
	}
	return containers, nil
}

// UpdateContainerSync dispatches a container update to a connected agent and
// waits for the resulting journal entry.
func (s *Server) UpdateContainerSync(ctx context.Context, agentID, containerName, targetImage, targetDigest string) (cluster.JournalEntry, error) {
	params := map[string]interface{}{
		"container":     containerName,
		"target_image":  targetImage,
		"target_digest": targetDigest,
	}
	raw, err := s.registry.SendRequest(ctx, agentID, "containers.update", params, hostCommandTimeout)
	if err != nil {
		return cluster.JournalEntry{}, err
	}
	var entry cluster.JournalEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return cluster.JournalEntry{}, fmt.Errorf("decode containers.update response: %w", err)
	}
	return entry, nil
}

// ContainerLogsSync fetches the last lines of a container's logs from a
// connected agent.
func (s *Server) ContainerLogsSync(ctx context.Context, agentID, containerName string, lines int) (string, error) {
	params := map[string]interface{}{
		"container": containerName,
		"lines":     lines,
	}
	raw, err := s.registry.SendRequest(ctx, agentID, "containers.logs", params, hostCommandTimeout)
	if err != nil {
		return "", err
	}
	var resp struct {
		Logs string `json:"logs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode containers.logs response: %w", err)
	}
	return resp.Logs, nil
}

// ContainerActionSync dispatches a lifecycle action (start/stop/restart) to
// a container on a connected agent.
func (s *Server) ContainerActionSync(ctx context.Context, agentID, containerName, action string) error {
	params := map[string]interface{}{
		"container": containerName,
		"action":    action,
	}
	_, err := s.registry.SendRequest(ctx, agentID, "containers.action", params, hostCommandTimeout)
	return err
}
