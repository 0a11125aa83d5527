package server

import (
	"context"
	"fmt"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
)

// Router is C6, the public command-execution facade: given (server_id,
// method, params, timeout, policy), it selects an execution path and
// returns a uniform CommandResult. It is the only place that makes the
// agent-vs-fallback choice (spec section 4.6).
type Router struct {
	s *Server
}

// NewRouter creates a Router bound to s.
func NewRouter(s *Server) *Router {
	return &Router{s: s}
}

// Execute implements the algorithm of spec section 4.6. It never returns an
// error and never panics out of its boundary -- every path produces a
// CommandResult (spec section 4.6's failure semantics, section 7
// propagation policy).
func (r *Router) Execute(ctx context.Context, serverID, method string, params interface{}, timeout time.Duration, policy cluster.RoutePolicy) cluster.CommandResult {
	start := r.s.clock.Now()
	result := r.execute(ctx, serverID, method, params, timeout, policy)
	result.ExecutionTimeMs = float64(r.s.clock.Since(start).Microseconds()) / 1000.0
	return result
}

func (r *Router) execute(ctx context.Context, serverID, method string, params interface{}, timeout time.Duration, policy cluster.RoutePolicy) cluster.CommandResult {
	if policy == cluster.PolicyForceFallback {
		return r.fallback(ctx, serverID, method, params, timeout)
	}

	agent, found, err := r.s.store.GetAgentByServerID(serverID)
	notConnected := err != nil || !found || !r.s.registry.IsConnected(agent.ID)

	if notConnected {
		if policy == cluster.PolicyForceAgent {
			return cluster.CommandResult{
				Success: false,
				Method:  cluster.ExecNone,
				Error:   fmt.Sprintf("agent for server %s is not connected", serverID),
			}
		}
		return r.fallback(ctx, serverID, method, params, timeout)
	}

	raw, err := r.s.registry.SendRequest(ctx, agent.ID, method, params, timeout)
	if err != nil {
		if policy == cluster.PolicyForceAgent {
			return cluster.CommandResult{
				Success: false,
				Method:  cluster.ExecNone,
				Error:   err.Error(),
			}
		}
		return r.fallback(ctx, serverID, method, params, timeout)
	}

	// The agent path carries the raw JSON-RPC result as Output. Agent
	// methods are heterogeneous (container lists, journal entries, acks),
	// so there is no process exit status to normalize -- ExitCode is only
	// populated on the fallback path, where a real command runs.
	return cluster.CommandResult{
		Success: true,
		Output:  string(raw),
		Method:  cluster.ExecAgent,
	}
}

func (r *Router) fallback(ctx context.Context, serverID, method string, params interface{}, timeout time.Duration) cluster.CommandResult {
	if r.s.fallback == nil {
		return cluster.CommandResult{
			Success: false,
			Method:  cluster.ExecNone,
			Error:   "no fallback executor configured",
		}
	}

	output, exitCode, err := r.s.fallback.Execute(ctx, serverID, method, params, timeout)
	res := cluster.CommandResult{
		Output:   output,
		Method:   cluster.ExecSSH,
		ExitCode: &exitCode,
	}
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}
