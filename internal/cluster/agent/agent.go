// Package agent implements the Sentinel agent that connects to a Sentinel
// server over a JSON-RPC-over-WebSocket channel, reports local container
// state, and executes update commands on the Docker host it runs on.
//
// The agent handles its full lifecycle: registration (one-time enrollment
// code exchange for a bearer token), authenticated reconnection, heartbeat
// keepalive, bidirectional command dispatch, and exponential-backoff
// reconnection.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/Will-Luck/Docker-Sentinel/internal/clock"
	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/rpc"
)

const credentialsFilename = "credentials.json"

const defaultHeartbeatInterval = 30 * time.Second

// DockerAPI defines the subset of Docker operations the agent needs.
// This is intentionally narrow — the agent only needs container lifecycle
// operations, not swarm, image cleanup, distribution checks, or exec.
type DockerAPI interface {
	ListContainers(ctx context.Context) ([]container.Summary, error)
	ListAllContainers(ctx context.Context) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	StopContainer(ctx context.Context, id string, timeout int) error
	RemoveContainer(ctx context.Context, id string) error
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string) error
	PullImage(ctx context.Context, refStr string) error
	ImageDigest(ctx context.Context, imageRef string) (string, error)
	ContainerLogs(ctx context.Context, id string, lines int) (string, error)
}

// Config holds agent-specific configuration.
type Config struct {
	ServerAddr         string        // control plane address (host:port, optionally ws(s):// prefixed)
	EnrollToken        string        // single-use registration code (empty if already registered)
	HostName           string        // human-readable label for this agent
	DataDir            string        // directory for credentials and state files
	GracePeriodOffline time.Duration // time before autonomous mode activates
	DockerSock         string        // Docker socket path (informational)
	Version            string        // agent binary version
}

// Agent connects to a Sentinel server and executes commands on the local
// Docker host. It is the client-side counterpart to the server's C1
// transport endpoint and C2 dispatcher.
type Agent struct {
	cfg    Config
	docker DockerAPI
	log    *slog.Logger
	table  *rpc.Table

	mu             sync.RWMutex
	agentID        string
	conn           *rpc.Conn
	connected      bool
	containerCount int

	// offlineSince tracks when server connectivity was lost.
	// Zero value means currently connected.
	offlineSince time.Time

	journal *journal
}

// New creates a new Agent. Call Run to start the main loop.
func New(cfg Config, docker DockerAPI, log *slog.Logger) *Agent {
	a := &Agent{
		cfg:    cfg,
		docker: docker,
		log:    log,
	}
	a.table = a.buildTable()
	return a
}

// buildTable registers the methods the server may invoke on this agent
// (containers.list/update/action, agent.rotate_token) -- explicit and
// static, no reflection.
func (a *Agent) buildTable() *rpc.Table {
	t := rpc.NewTable()
	t.Register("containers.list", rpc.PermRead, a.rpcListContainers)
	t.Register("containers.update", rpc.PermWrite, a.rpcUpdateContainer)
	t.Register("containers.action", rpc.PermWrite, a.rpcContainerAction)
	t.Register("containers.logs", rpc.PermRead, a.rpcContainerLogs)
	t.Register("agent.rotate_token", rpc.PermAdmin, a.rpcRotateToken)
	return t
}

// Run starts the agent. It handles registration (if not already registered)
// and enters the main reconnect + heartbeat + command loop. Run blocks until
// ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting", "server", a.cfg.ServerAddr, "host", a.cfg.HostName)

	if err := os.MkdirAll(a.cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	jrnl, err := newJournal(a.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("init journal: %w", err)
	}
	a.journal = jrnl
	if n := a.journal.Len(); n > 0 {
		a.log.Info("loaded offline journal from disk", "entries", n)
	}

	if !a.isEnrolled() && a.cfg.EnrollToken == "" {
		return fmt.Errorf("not registered and no enrollment code provided")
	}

	// Main reconnection loop — reconnect with backoff on any error. If the
	// server stays unreachable past GracePeriodOffline, the agent enters
	// autonomous mode (monitoring only, no updates) while continuing
	// reconnection attempts in the background.
	bo := newBackoff()
	var autonomousCancel context.CancelFunc

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if autonomousCancel != nil {
			autonomousCancel()
			autonomousCancel = nil
			a.log.Info("autonomous mode suspended for reconnection attempt")
		}

		sessionStart := time.Now()
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// If the session lasted more than a minute, the connection was
		// healthy — reset backoff so the next reconnect starts fast.
		if time.Since(sessionStart) > time.Minute {
			bo.reset()
		}

		a.setOffline()

		if a.shouldEnterAutonomous() {
			autoCtx, cancel := context.WithCancel(ctx)
			autonomousCancel = cancel
			go func() {
				if err := a.runAutonomous(autoCtx); err != nil && autoCtx.Err() == nil {
					a.log.Error("autonomous mode exited with error", "error", err)
				}
			}()
		}

		wait := bo.next()
		a.log.Warn("session ended, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			if autonomousCancel != nil {
				autonomousCancel()
			}
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runSession dials the server, performs the handshake, and runs the
// heartbeat + receive loops until the connection ends.
func (a *Agent) runSession(ctx context.Context) error {
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(a.cfg.ServerAddr), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer wsConn.Close()

	agentCfg, err := a.handshake(wsConn)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	t := &wsTransport{conn: wsConn}
	conn := rpc.NewConn(t, a.table, clock.Real{}, a.log)

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	a.setConnected()
	a.log.Info("connected to server", "agent_id", a.agentIDSnapshot())

	if err := a.syncJournal(conn); err != nil {
		a.log.Error("journal sync failed, entries remain on disk", "error", err)
	}

	heartbeatInterval := time.Duration(agentCfg.HeartbeatIntervalSeconds) * time.Second
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	errCh := make(chan error, 2)
	go func() { errCh <- a.heartbeatLoop(ctx, conn, heartbeatInterval) }()
	go func() { errCh <- a.receiveLoop(ctx, wsConn, conn) }()

	err = <-errCh
	conn.CancelAll(fmt.Errorf("connection closed"))
	return err
}

// wsURL turns a configured server address into the agent endpoint's
// WebSocket URL. Accepts a bare host:port or an explicit ws(s)/http(s)
// scheme.
func wsURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return strings.TrimSuffix(addr, "/") + "/agent"
	case strings.HasPrefix(addr, "https://"):
		return "wss://" + strings.TrimSuffix(strings.TrimPrefix(addr, "https://"), "/") + "/agent"
	case strings.HasPrefix(addr, "http://"):
		return "ws://" + strings.TrimSuffix(strings.TrimPrefix(addr, "http://"), "/") + "/agent"
	default:
		return "ws://" + strings.TrimSuffix(addr, "/") + "/agent"
	}
}

// wsTransport adapts a gorilla/websocket connection to rpc.Transport.
// gorilla's Conn is not safe for concurrent writers, so every write is
// serialized under a mutex -- the heartbeat loop and the RPC response path
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

// --- Handshake ---

type handshakeFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Token   string `json:"token,omitempty"`
	Version string `json:"version,omitempty"`
}

// handshakeAck covers the three shapes a server handshake response can
// take (registered/authenticated/error) -- their JSON fields don't
// collide, so one struct parses all of them.
type handshakeAck struct {
	Type    string              `json:"type"`
	AgentID string              `json:"agent_id"`
	Token   string              `json:"token,omitempty"`
	Config  cluster.AgentConfig `json:"config"`
	Error   string              `json:"error,omitempty"`
}

// isEnrolled reports whether this agent already holds a saved bearer token.
func (a *Agent) isEnrolled() bool {
	_, ok := a.loadCredentials()
	return ok
}

// handshake performs the register-or-authenticate exchange described in
// spec section 4.1.2: register when no credentials are saved yet,
// otherwise authenticate with the saved token.
func (a *Agent) handshake(wsConn *websocket.Conn) (cluster.AgentConfig, error) {
	var hf handshakeFrame
	hf.Version = a.cfg.Version

	creds, hasCreds := a.loadCredentials()
	if hasCreds {
		hf.Type = "authenticate"
		hf.Token = creds.Token
	} else {
		hf.Type = "register"
		hf.Code = a.cfg.EnrollToken
	}

	if err := wsConn.WriteJSON(hf); err != nil {
		return cluster.AgentConfig{}, fmt.Errorf("write handshake frame: %w", err)
	}

	var ack handshakeAck
	if err := wsConn.ReadJSON(&ack); err != nil {
		return cluster.AgentConfig{}, fmt.Errorf("read handshake response: %w", err)
	}
	if ack.Type == "error" {
		return cluster.AgentConfig{}, fmt.Errorf("rejected: %s", ack.Error)
	}

	a.mu.Lock()
	a.agentID = ack.AgentID
	a.mu.Unlock()

	if ack.Type == "registered" {
		if err := a.saveCredentials(credentials{AgentID: ack.AgentID, Token: ack.Token}); err != nil {
			return cluster.AgentConfig{}, fmt.Errorf("save credentials: %w", err)
		}
	}

	return ack.Config, nil
}

func (a *Agent) agentIDSnapshot() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.agentID
}

// --- Credentials ---

// credentials is the on-disk representation of the agent's identity and
// bearer token, the registration-free replacement for the mTLS cert/key
// pair: a single JSON file under DataDir.
type credentials struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

func (a *Agent) credentialsPath() string {
	return filepath.Join(a.cfg.DataDir, credentialsFilename)
}

func (a *Agent) loadCredentials() (credentials, bool) {
	data, err := os.ReadFile(a.credentialsPath())
	if err != nil {
		return credentials{}, false
	}
	var c credentials
	if err := json.Unmarshal(data, &c); err != nil || c.Token == "" {
		return credentials{}, false
	}
	return c, true
}

func (a *Agent) saveCredentials(c credentials) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	return os.WriteFile(a.credentialsPath(), data, 0600)
}

// --- Heartbeat / receive loops ---

// pingResponse is the shape agent.ping replies with (spec section 4.2):
// {status, version, agent_id}. version is the server's own version, which
// lets the agent notice a mismatch without the server pushing anything.
type pingResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	AgentID string `json:"agent_id"`
}

// heartbeatLoop sends periodic pings to the server. Returns on call error or
// context cancellation. Each reply is checked for a version mismatch against
// this agent's own build; on mismatch it requests an update via agent.update
// (spec section 4.2), at most once per session so a slow or refused update
// doesn't get re-requested every heartbeat.
func (a *Agent) heartbeatLoop(ctx context.Context, conn *rpc.Conn, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	updateRequested := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			params := map[string]string{"version": a.cfg.Version}
			raw, err := conn.Call(ctx, "agent.ping", params, 10*time.Second)
			if err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
			a.log.Debug("heartbeat sent")

			if updateRequested {
				continue
			}
			var resp pingResponse
			if err := json.Unmarshal(raw, &resp); err != nil || resp.Version == "" {
				continue
			}
			if baseVersion(resp.Version) == baseVersion(a.cfg.Version) {
				continue
			}
			a.log.Info("version mismatch detected, requesting update",
				"agent_version", a.cfg.Version, "server_version", resp.Version)
			updateParams := map[string]string{"version": resp.Version}
			if _, err := conn.Call(ctx, "agent.update", updateParams, 10*time.Second); err != nil {
				a.log.Warn("agent.update request failed", "error", err)
				continue
			}
			updateRequested = true
		}
	}
}

// baseVersion strips a trailing " (commit)" suffix for comparison, mirroring
// the server's own normalization in auto_update.go.
func baseVersion(v string) string {
	v = strings.TrimSpace(v)
	if idx := strings.Index(v, " ("); idx != -1 {
		return v[:idx]
	}
	return v
}

// receiveLoop reads frames off the WebSocket and hands each to conn for
// dispatch or correlation. Returns on transport error or closed connection.
func (a *Agent) receiveLoop(ctx context.Context, wsConn *websocket.Conn, conn *rpc.Conn) error {
	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var f rpc.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			a.log.Warn("malformed frame from server", "error", err)
			continue
		}
		conn.Deliver(ctx, &f)
	}
}

// --- RPC handlers (server-invoked methods) ---

// rpcListContainers implements "containers.list".
func (a *Agent) rpcListContainers(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	containers, err := a.listLocalContainers(ctx)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternal, err.Error())
	}

	a.mu.Lock()
	a.containerCount = len(containers)
	a.mu.Unlock()

	return containers, nil
}

type updateContainerParams struct {
	Container    string `json:"container"`
	TargetImage  string `json:"target_image"`
	TargetDigest string `json:"target_digest"`
}

// rpcUpdateContainer implements "containers.update": inspect -> pull -> stop
// -> remove -> create -> start -> report, returning a JournalEntry whether
// the update succeeded or failed (the Outcome field distinguishes the two).
func (a *Agent) rpcUpdateContainer(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var req updateContainerParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidRequest, "bad containers.update params")
	}

	a.log.Info("updating container", "name", req.Container, "target", req.TargetImage)

	start := time.Now()
	oldImage, oldDigest, newDigest, err := a.recreateContainer(ctx, req.Container, req.TargetImage)
	dur := time.Since(start)

	entry := cluster.JournalEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    "update",
		Container: req.Container,
		OldImage:  oldImage,
		NewImage:  req.TargetImage,
		OldDigest: oldDigest,
		NewDigest: newDigest,
		Duration:  dur,
	}

	if err != nil {
		entry.Outcome = "failed"
		entry.Error = err.Error()
		a.log.Error("update failed", "name", req.Container, "error", err, "duration", dur)
	} else {
		entry.Outcome = "success"
		a.log.Info("update succeeded", "name", req.Container, "old_image", oldImage, "new_digest", newDigest, "duration", dur)
	}

	return entry, nil
}

type containerActionParams struct {
	Container string `json:"container"`
	Action    string `json:"action"`
}

// rpcContainerAction implements "containers.action": start, stop, or
// restart a named container.
func (a *Agent) rpcContainerAction(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var req containerActionParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidRequest, "bad containers.action params")
	}

	a.log.Info("container action", "name", req.Container, "action", req.Action)

	cID, err := a.findContainerID(ctx, req.Container)
	if err == nil {
		switch req.Action {
		case "stop":
			err = a.docker.StopContainer(ctx, cID, 10)
		case "start":
			err = a.docker.StartContainer(ctx, cID)
		case "restart":
			err = a.docker.RestartContainer(ctx, cID)
		default:
			err = fmt.Errorf("unknown action: %s", req.Action)
		}
	}

	result := map[string]string{"container": req.Container, "action": req.Action}
	if err != nil {
		result["outcome"] = "failed"
		result["error"] = err.Error()
		a.log.Error("container action failed", "name", req.Container, "action", req.Action, "error", err)
		return result, nil
	}

	result["outcome"] = "success"
	a.log.Info("container action succeeded", "name", req.Container, "action", req.Action)
	return result, nil
}

type containerLogsParams struct {
	Container string `json:"container"`
	Lines     int    `json:"lines"`
}

// rpcContainerLogs implements "containers.logs": fetch the last N lines of
// a named container's logs.
func (a *Agent) rpcContainerLogs(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var req containerLogsParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidRequest, "bad containers.logs params")
	}
	if req.Lines <= 0 {
		req.Lines = 100
	}

	cID, err := a.findContainerID(ctx, req.Container)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternal, err.Error())
	}
	logs, err := a.docker.ContainerLogs(ctx, cID, req.Lines)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternal, err.Error())
	}
	return map[string]string{"logs": logs}, nil
}

type rotateTokenParams struct {
	NewToken          string `json:"new_token"`
	GracePeriodSeconds int   `json:"grace_period_seconds"`
}

// rpcRotateToken implements "agent.rotate_token" (spec section 4.5 step 3):
// the server hands over a freshly minted token; the agent saves it as its
// credential for the next connection attempt while continuing to use the
// current session uninterrupted.
func (a *Agent) rpcRotateToken(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var req rotateTokenParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidRequest, "bad agent.rotate_token params")
	}
	if req.NewToken == "" {
		return nil, rpc.NewError(rpc.CodeInvalidRequest, "empty new_token")
	}

	if err := a.saveCredentials(credentials{AgentID: a.agentIDSnapshot(), Token: req.NewToken}); err != nil {
		return nil, rpc.NewError(rpc.CodeInternal, "save rotated token: "+err.Error())
	}

	a.log.Info("token rotated", "grace_period_seconds", req.GracePeriodSeconds)
	return map[string]string{"status": "ack"}, nil
}

// --- Container operations ---

// recreateContainer stops, removes, and recreates a container with a new
// image. Preserves all configuration from the current container inspect.
// Returns the old image, old digest, new digest, and any error.
func (a *Agent) recreateContainer(ctx context.Context, name, targetImage string) (oldImage, oldDigest, newDigest string, err error) {
	cID, err := a.findContainerID(ctx, name)
	if err != nil {
		return "", "", "", fmt.Errorf("find container %s: %w", name, err)
	}

	inspect, err := a.docker.InspectContainer(ctx, cID)
	if err != nil {
		return "", "", "", fmt.Errorf("inspect %s: %w", name, err)
	}

	oldImage = inspect.Config.Image
	oldDigest, _ = a.docker.ImageDigest(ctx, oldImage)

	if err := a.docker.PullImage(ctx, targetImage); err != nil {
		return oldImage, oldDigest, "", fmt.Errorf("pull %s: %w", targetImage, err)
	}

	newDigest, _ = a.docker.ImageDigest(ctx, targetImage)

	if err := a.docker.StopContainer(ctx, cID, 30); err != nil {
		return oldImage, oldDigest, newDigest, fmt.Errorf("stop %s: %w", name, err)
	}

	if err := a.docker.RemoveContainer(ctx, cID); err != nil {
		return oldImage, oldDigest, newDigest, fmt.Errorf("remove %s: %w", name, err)
	}

	cfg, hostCfg, netCfg := configFromInspect(&inspect, targetImage)

	newID, err := a.docker.CreateContainer(ctx, name, cfg, hostCfg, netCfg)
	if err != nil {
		return oldImage, oldDigest, newDigest, fmt.Errorf("create %s: %w", name, err)
	}

	if err := a.docker.StartContainer(ctx, newID); err != nil {
		return oldImage, oldDigest, newDigest, fmt.Errorf("start %s: %w", name, err)
	}

	return oldImage, oldDigest, newDigest, nil
}

// configFromInspect extracts container creation parameters from an
// InspectResponse, replacing the image with targetImage. This preserves
// env vars, volumes, ports, networks, and all other configuration from
// the original container.
func configFromInspect(inspect *container.InspectResponse, targetImage string) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	cfgCopy := *inspect.Config
	cfgCopy.Image = targetImage

	hostCfg := inspect.HostConfig

	// Rebuild NetworkingConfig from the inspect's network settings. Only
	// copy user-specified fields (IPAM, aliases, driver opts). Copying
	// runtime fields (Gateway, IPAddress, etc.) causes conflicts when
	// Docker tries to assign them on the new container.
	netCfg := &network.NetworkingConfig{}
	if inspect.NetworkSettings != nil && len(inspect.NetworkSettings.Networks) > 0 {
		netCfg.EndpointsConfig = make(map[string]*network.EndpointSettings, len(inspect.NetworkSettings.Networks))
		for name, ep := range inspect.NetworkSettings.Networks {
			netCfg.EndpointsConfig[name] = &network.EndpointSettings{
				IPAMConfig: ep.IPAMConfig,
				Aliases:    ep.Aliases,
				DriverOpts: ep.DriverOpts,
				NetworkID:  ep.NetworkID,
				MacAddress: ep.MacAddress,
			}
		}
	}

	return &cfgCopy, hostCfg, netCfg
}

// --- Helpers ---

// listLocalContainers fetches all containers (regardless of state) from the
// local Docker daemon and converts them into wire-shaped ContainerInfo.
// Using ListAllContainers ensures stopped containers remain visible on the
// dashboard after a stop action.
func (a *Agent) listLocalContainers(ctx context.Context) ([]cluster.ContainerInfo, error) {
	summaries, err := a.docker.ListAllContainers(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]cluster.ContainerInfo, 0, len(summaries))
	for i := range summaries {
		// Skip Swarm task containers — they're managed by the Swarm
		// orchestrator and can't be updated through the recreate flow.
		if _, isTask := summaries[i].Labels["com.docker.swarm.task"]; isTask {
			continue
		}
		out = append(out, containerInfoFromSummary(&summaries[i]))
	}
	return out, nil
}

// containerInfoFromSummary converts a Docker container.Summary into the
// wire ContainerInfo shape.
func containerInfoFromSummary(c *container.Summary) cluster.ContainerInfo {
	name := ""
	if len(c.Names) > 0 {
		// Docker prefixes names with "/" — strip it for cleanliness.
		name = strings.TrimPrefix(c.Names[0], "/")
	}

	info := cluster.ContainerInfo{
		ID:    c.ID,
		Name:  name,
		Image: c.Image,
		State: string(c.State),
	}

	if len(c.Labels) > 0 {
		info.Labels = c.Labels
	}

	// container.Summary.Created is Unix timestamp (int64).
	if c.Created > 0 {
		info.Created = time.Unix(c.Created, 0)
	}

	return info
}

// findContainerID looks up a container by name and returns its ID. Uses
// ListAllContainers so it can locate stopped containers (e.g. to start them
// after a previous stop action).
func (a *Agent) findContainerID(ctx context.Context, name string) (string, error) {
	containers, err := a.docker.ListAllContainers(ctx)
	if err != nil {
		return "", fmt.Errorf("list containers: %w", err)
	}

	for _, c := range containers {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == name {
				return c.ID, nil
			}
		}
	}
	return "", fmt.Errorf("container %q not found", name)
}

// setConnected marks the agent as connected and clears the offline timer.
func (a *Agent) setConnected() {
	a.mu.Lock()
	defer a.mu.Unlock()
	wasOffline := !a.offlineSince.IsZero()
	a.connected = true
	a.offlineSince = time.Time{}
	if wasOffline {
		a.log.Info("connection restored")
	}
}

// setOffline marks the agent as disconnected and starts the offline timer.
func (a *Agent) setOffline() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	if a.offlineSince.IsZero() {
		a.offlineSince = time.Now()
		a.log.Warn("lost connection to server")
	}
}

// --- Backoff ---

// backoff implements exponential backoff for reconnection attempts.
// Caps at maxDelay.
type backoff struct {
	attempt  int
	base     time.Duration
	maxDelay time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		base:     1 * time.Second,
		maxDelay: 30 * time.Second,
	}
}

// next returns the next backoff delay and increments the attempt counter.
// Sequence: 1s, 2s, 4s, 8s, 16s, 30s, 30s, ...
func (b *backoff) next() time.Duration {
	shift := b.attempt
	if shift > 30 {
		shift = 30
	}
	delay := b.base << uint(shift) //nolint:gosec // capped above
	if delay > b.maxDelay || delay < 0 {
		delay = b.maxDelay
	}
	b.attempt++
	return delay
}

// reset clears the attempt counter after a successful long-running session.
func (b *backoff) reset() {
	b.attempt = 0
}

// Connected reports whether the agent currently has an active server connection.
func (a *Agent) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// ContainerCount returns the cached number of containers on the local host.
func (a *Agent) ContainerCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.containerCount
}
