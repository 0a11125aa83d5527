package server

import (
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
)

// ClusterStore is the persistence boundary the server package depends on.
// The concrete implementation (internal/store/bolt_cluster.go) is backed by
// BoltDB, the same embedded database the rest of the application already
// uses. Agent records are owned by this store; in-memory state (Registry's
// connection map, the rotation engine's bookkeeping) is a transient
// reference reconstructible from it.
type ClusterStore interface {
	SaveAgent(a cluster.Agent) error
	GetAgent(id string) (cluster.Agent, bool, error)
	GetAgentByServerID(serverID string) (cluster.Agent, bool, error)
	ListAgents() ([]cluster.Agent, error)
	DeleteAgent(id string) error

	SaveRegistrationCode(c cluster.RegistrationCode) error

	// ConsumeRegistrationCode atomically looks up a code by its plaintext
	// value and marks it used in the same transaction. Returns false when
	// the code does not exist, was already used, or expired before now --
	// two concurrent register attempts with the same code can never both
	// pass.
	ConsumeRegistrationCode(code string, now time.Time) (cluster.RegistrationCode, bool, error)
}
