package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Docker-Sentinel/internal/auth"
	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/rpc"
	"github.com/Will-Luck/Docker-Sentinel/internal/clock"
)

// Config bundles the tunables spec section 6 lists for the cluster core.
type Config struct {
	HeartbeatInterval       time.Duration
	HeartbeatTimeout        time.Duration
	RateLimit               RateLimitConfig
	MaxConsecutiveErrors    int
	RotationCheckInterval   time.Duration
	RotationAdvanceWindow   time.Duration
	RotationGracePeriod     time.Duration
	TokenValidity           time.Duration // lifetime assigned to a freshly issued token
	Version                 string        // server's own version, echoed in agent.ping responses

	// AgentPermissions restricts which permission levels agents may invoke
	// on the server. Empty means all levels are allowed.
	AgentPermissions []rpc.Permission
}

// DefaultConfig matches the spec's default knob values (section 6).
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      90 * time.Second,
		RateLimit:             DefaultRateLimitConfig(),
		MaxConsecutiveErrors:  5,
		RotationCheckInterval: time.Hour,
		RotationAdvanceWindow: 24 * time.Hour,
		RotationGracePeriod:   5 * time.Minute,
		TokenValidity:         7 * 24 * time.Hour,
	}
}

// FallbackExecutor is the externally supplied side-channel command runner
// C6 falls back to when the agent path is unavailable and policy permits
// (spec section 4.6).
type FallbackExecutor interface {
	Execute(ctx context.Context, serverID string, method string, params interface{}, timeout time.Duration) (output string, exitCode int, err error)
}

// Server is the cluster control plane: C1 transport endpoint, C2 dispatcher
// wiring, C3 registry, C4 lifecycle manager, C5 rotation engine, and C6
// command router, composed into one object constructed by the service
// factory (spec section 9: no module-level singletons).
type Server struct {
	cfg   Config
	store ClusterStore
	log   *slog.Logger
	clock clock.Clock

	registry *Registry
	limiter  *RateLimiter
	table    *rpc.Table
	fallback FallbackExecutor

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	bgCancel context.CancelFunc
	httpSrv  *http.Server
}

// New constructs a Server. Call ReconcileStartup then Start to bring it up,
// per the ordering in spec section 9.
func New(cfg Config, store ClusterStore, fallback FallbackExecutor, log *slog.Logger, clk clock.Clock) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		log:      log,
		clock:    clk,
		registry: NewRegistry(log),
		limiter:  NewRateLimiter(cfg.RateLimit, clk),
		fallback: fallback,
		stopCh:   make(chan struct{}),
	}
	s.table = s.buildMethodTable()
	return s
}

// buildMethodTable registers the server-exposed methods an agent may call
// (spec section 4.2's minimum set), explicit and static -- no reflection.
func (s *Server) buildMethodTable() *rpc.Table {
	t := rpc.NewTable()
	t.Register("agent.ping", rpc.PermRead, s.handlePing)
	t.Register("agent.update", rpc.PermAdmin, s.handleAgentUpdateRequest)
	t.Register("journal.sync", rpc.PermWrite, s.handleJournalSync)
	return t
}

// RegisterMethod exposes an additional domain method to connected agents,
// for the "any domain methods the host system wishes to expose, registered
// dynamically at startup" clause of spec section 4.2. "Dynamically" here
// means "at process wiring time, by the service factory" -- not via name
// reflection (spec section 9).
func (s *Server) RegisterMethod(name string, perm rpc.Permission, h rpc.Handler) {
	s.table.Register(name, perm, h)
}

// handlePing answers agent.ping with the shape spec section 4.2 requires:
// {status:"ok", version, agent_id}. The returned version is the server's own
// version, which lets the agent detect a mismatch and request an update via
// agent.update without the server having to push anything unsolicited.
func (s *Server) handlePing(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	agentID, _ := agentIDFromContext(ctx)
	return map[string]string{"status": "ok", "version": s.cfg.Version, "agent_id": agentID}, nil
}

// agentUpdateRequest is the params shape for agent.update (spec section 4.2:
// "agent.update with version -> pulls a new image for the agent container,
// then schedules local shutdown to let the supervisor restart it").
type agentUpdateRequest struct {
	Version string `json:"version"`
}

// handleAgentUpdateRequest drives the same version-mismatch update path the
// auto-update sweep uses (auto_update.go's updateAgentContainer), but
// triggered directly by the calling agent instead of waiting for the next
// polling pass. The update runs in the background: the agent container will
// be recreated with the new image and its process killed mid-call, so the
// ack below just confirms the request was accepted, not that the update
// finished.
func (s *Server) handleAgentUpdateRequest(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var req agentUpdateRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &rpc.Error{Code: rpc.CodeInvalidRequest, Message: "invalid params"}
		}
	}
	if req.Version == "" {
		return nil, &rpc.Error{Code: rpc.CodeInvalidRequest, Message: "version is required"}
	}

	agentID, ok := agentIDFromContext(ctx)
	if !ok {
		return nil, &rpc.Error{Code: rpc.CodeInternal, Message: "internal error"}
	}

	s.log.Info("agent.update requested", "agent_id", agentID, "version", req.Version)
	go s.updateAgentContainer(context.Background(), agentID, baseVersion(req.Version))

	return map[string]string{"status": "ack"}, nil
}

// handleJournalSync receives the actions an agent took while operating
// without a server connection (spec section 9's offline journal replay).
// It is sent as a notification -- no response is expected or sent.
func (s *Server) handleJournalSync(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var entries []cluster.JournalEntry
	if err := json.Unmarshal(params, &entries); err != nil {
		s.log.Warn("journal.sync: malformed payload", "error", err)
		return nil, nil
	}
	s.log.Info("received offline journal from agent", "entries", len(entries))
	return nil, nil
}

// --- Handshake (C1 section 4.1.2) ---

type handshakeFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Token   string `json:"token,omitempty"`
	Version string `json:"version,omitempty"`
}

type registeredResponse struct {
	Type    string             `json:"type"`
	AgentID string             `json:"agent_id"`
	Token   string             `json:"token"`
	Config  cluster.AgentConfig `json:"config"`
}

type authenticatedResponse struct {
	Type    string             `json:"type"`
	AgentID string             `json:"agent_id"`
	Config  cluster.AgentConfig `json:"config"`
}

type errorResponse struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// defaultAgentConfig is pushed to agents on every successful handshake.
func (s *Server) defaultAgentConfig() cluster.AgentConfig {
	return cluster.AgentConfig{HeartbeatIntervalSeconds: int(s.cfg.HeartbeatInterval / time.Second)}
}

// handleRegister processes a {"type":"register"} handshake frame (spec
// section 4.1.2). Returns the response to write and the agent id on
// success, or an error to send before closing.
func (s *Server) handleRegister(hf handshakeFrame) (interface{}, string, error) {
	// Consumption is atomic at the store: lookup, validity check, and the
	// used flag flip happen in one transaction, so two concurrent register
	// frames presenting the same code can never both pass.
	code, ok, err := s.store.ConsumeRegistrationCode(hf.Code, s.clock.Now())
	if err != nil {
		return nil, "", fmt.Errorf("consume registration code: %w", err)
	}
	if !ok {
		return errorResponse{Type: "error", Error: "Invalid registration code"}, "", fmt.Errorf("invalid or used registration code")
	}

	plaintext, hash, err := auth.GenerateAPIToken()
	if err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}

	now := s.clock.Now()
	a := cluster.Agent{
		ID:             code.AgentID,
		ServerID:       code.AgentID,
		Status:         cluster.StatusPending,
		TokenHash:      hash,
		TokenIssuedAt:  now,
		TokenExpiresAt: now.Add(s.cfg.TokenValidity),
		Version:        hf.Version,
		RegisteredAt:   now,
		Config:         s.defaultAgentConfig(),
	}
	if existing, found, _ := s.store.GetAgent(code.AgentID); found {
		a.RegisteredAt = existing.RegisteredAt
		a.ServerID = existing.ServerID
	}
	if err := s.store.SaveAgent(a); err != nil {
		return nil, "", fmt.Errorf("save agent: %w", err)
	}

	return registeredResponse{
		Type:    "registered",
		AgentID: a.ID,
		Token:   plaintext,
		Config:  a.Config,
	}, a.ID, nil
}

// handleAuthenticate processes a {"type":"authenticate"} handshake frame.
// The token is hashed and matched against either TokenHash or
// PendingTokenHash -- the latter is what lets an agent reconnect mid
// rotation (spec section 4.1.2, section 4.5 step 3).
func (s *Server) handleAuthenticate(hf handshakeFrame) (interface{}, string, error) {
	hash := auth.HashToken(hf.Token)

	agents, err := s.store.ListAgents()
	if err != nil {
		return nil, "", fmt.Errorf("list agents: %w", err)
	}

	var matched *cluster.Agent
	for i := range agents {
		if agents[i].TokenHash == hash || (agents[i].PendingTokenHash != "" && agents[i].PendingTokenHash == hash) {
			matched = &agents[i]
			break
		}
	}
	if matched == nil {
		return errorResponse{Type: "error", Error: "invalid token"}, "", fmt.Errorf("invalid token")
	}

	now := s.clock.Now()
	matched.Status = cluster.StatusConnected
	matched.LastSeen = now
	if hf.Version != "" {
		matched.Version = hf.Version
	}
	if err := s.store.SaveAgent(*matched); err != nil {
		return nil, "", fmt.Errorf("persist agent state: %w", err)
	}

	return authenticatedResponse{
		Type:    "authenticated",
		AgentID: matched.ID,
		Config:  matched.Config,
	}, matched.ID, nil
}

// touchLastSeen refreshes persisted last_seen on any inbound message
// carrying timing-relevant metadata (spec section 3.3).
func (s *Server) touchLastSeen(agentID string, t time.Time) {
	a, found, err := s.store.GetAgent(agentID)
	if err != nil || !found {
		return
	}
	a.LastSeen = t
	_ = s.store.SaveAgent(a)
}

// setDisconnected transitions an agent to DISCONNECTED, per spec section
// 3.3's transition (a) connection closes.
func (s *Server) setDisconnected(agentID string) {
	a, found, err := s.store.GetAgent(agentID)
	if err != nil || !found {
		return
	}
	a.Status = cluster.StatusDisconnected
	_ = s.store.SaveAgent(a)
}

// NewRegistrationCode issues a fresh single-use enrollment ticket for a
// newly administered agent, binding agentID to the server (spec section
// 3.3: "An Agent is created when an administrator issues a
// RegistrationCode").
func (s *Server) NewRegistrationCode(agentID string, ttl time.Duration) (cluster.RegistrationCode, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return cluster.RegistrationCode{}, fmt.Errorf("generate code: %w", err)
	}
	rc := cluster.RegistrationCode{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Code:      base64.RawURLEncoding.EncodeToString(raw),
		ExpiresAt: s.clock.Now().Add(ttl),
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.SaveRegistrationCode(rc); err != nil {
		return cluster.RegistrationCode{}, fmt.Errorf("save registration code: %w", err)
	}
	return rc, nil
}

// Registry exposes C3 for callers that need direct access (router, tests).
func (s *Server) Registry() *Registry { return s.registry }

// Store exposes the persistence boundary for callers that need direct
// access (rotation engine, lifecycle manager, tests).
func (s *Server) Store() ClusterStore { return s.store }
