// Package cluster holds the data types shared between the cluster server and
// the cluster agent: the persisted Agent record, registration codes, and the
// container/journal payloads carried over the JSON-RPC wire.
package cluster

import "time"

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	StatusPending      AgentStatus = "PENDING"
	StatusConnected    AgentStatus = "CONNECTED"
	StatusDisconnected AgentStatus = "DISCONNECTED"
	StatusUpdating     AgentStatus = "UPDATING"
)

// AgentConfig holds per-agent tunables pushed to the agent on handshake.
type AgentConfig struct {
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
	MetricsIntervalSeconds   int `json:"metrics_interval_seconds,omitempty"`
}

// Agent is a registered remote daemon, owned by persistent storage.
// In-memory state (the server registry's connection handle, the rotation
// engine's bookkeeping) holds only a transient reference keyed by ID and
// must be reconstructible from this record plus the live connection.
type Agent struct {
	ID                string      `json:"id"`
	ServerID          string      `json:"server_id"`
	Status            AgentStatus `json:"status"`
	TokenHash         string      `json:"token_hash"`
	PendingTokenHash  string      `json:"pending_token_hash,omitempty"`
	TokenIssuedAt     time.Time   `json:"token_issued_at,omitempty"`
	TokenExpiresAt    time.Time   `json:"token_expires_at,omitempty"`
	Version           string      `json:"version,omitempty"`
	LastSeen          time.Time   `json:"last_seen,omitempty"`
	RegisteredAt      time.Time   `json:"registered_at"`
	Config            AgentConfig `json:"config"`
}

// RegistrationCode is a single-use enrollment ticket binding an agent to its
// server. Consumption is atomic: once Used is true, any second attempt with
// the same Code must fail even though the string value is unchanged.
type RegistrationCode struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
}

// ContainerInfo is a simplified container representation sent over the wire.
// Contains only the fields the server needs for update decisions -- not the
// full Docker inspect response, which would be wasteful to serialise.
type ContainerInfo struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	ImageDigest string            `json:"image_digest"`
	State       string            `json:"state"`
	Labels      map[string]string `json:"labels,omitempty"`
	Created     time.Time         `json:"created"`
}

// JournalEntry records an action taken by an agent while offline (or while
// the server was unreachable). When the connection is re-established,
// pending journal entries are replayed to the server as a best-effort audit
// trail.
type JournalEntry struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Action    string        `json:"action"`
	Container string        `json:"container"`
	OldImage  string        `json:"old_image,omitempty"`
	NewImage  string        `json:"new_image,omitempty"`
	OldDigest string        `json:"old_digest,omitempty"`
	NewDigest string        `json:"new_digest,omitempty"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// CommandResult is the uniform return value of the command router (C6).
type CommandResult struct {
	Success         bool           `json:"success"`
	Output          string         `json:"output"`
	Error           string         `json:"error,omitempty"`
	ExitCode        *int           `json:"exit_code,omitempty"`
	Method          ExecutionPath  `json:"method"`
	ExecutionTimeMs float64        `json:"execution_time_ms"`
}

// ExecutionPath identifies how a CommandResult was produced.
type ExecutionPath string

const (
	ExecAgent ExecutionPath = "AGENT"
	ExecSSH   ExecutionPath = "SSH"
	ExecNone  ExecutionPath = "NONE"
)

// RoutePolicy controls how the command router chooses between the agent
// path and the fallback executor.
type RoutePolicy string

const (
	PolicyPreferAgent  RoutePolicy = "prefer_agent"
	PolicyForceAgent   RoutePolicy = "force_agent"
	PolicyForceFallback RoutePolicy = "force_fallback"
)
