package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/clock"
)

// Transport is the minimal duplex send primitive a Conn needs. The
// WebSocket implementation in cluster/server and cluster/agent satisfies
// this with a single frame-write method; Conn never reads -- the owning
// receive loop calls Deliver with frames it has already decoded.
type Transport interface {
	WriteFrame(f *Frame) error
}

// pendingCall is the one-shot completion slot described in spec section 4.2
// and section 9: at most one of Complete/timeout fires, and late arrivals
// after the deadline are dropped silently.
type pendingCall struct {
	once sync.Once
	done chan *Frame
}

func newPendingCall() *pendingCall {
	return &pendingCall{done: make(chan *Frame, 1)}
}

// complete fills the slot exactly once; subsequent calls are no-ops so a
// deadline firing after (or racing with) a real response can never panic on
// a closed channel or double send.
func (p *pendingCall) complete(f *Frame) {
	p.once.Do(func() {
		p.done <- f
	})
}

// Conn correlates outbound JSON-RPC calls with later responses and routes
// inbound requests to a Table. One Conn exists per live agent connection;
// it holds no knowledge of the transport encoding beyond Transport.
type Conn struct {
	transport Transport
	table     *Table
	clock     clock.Clock
	log       *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[string]*pendingCall

	permMu       sync.RWMutex
	allowedPerms map[Permission]bool
}

// NewConn creates a Conn over the given transport and method table. All
// permission levels are allowed by default; call SetAllowedPermissions to
// restrict what the peer may invoke.
func NewConn(transport Transport, table *Table, clk clock.Clock, log *slog.Logger) *Conn {
	return &Conn{
		transport: transport,
		table:     table,
		clock:     clk,
		log:       log,
		pending:   make(map[string]*pendingCall),
		allowedPerms: map[Permission]bool{
			PermRead: true, PermWrite: true, PermAdmin: true,
		},
	}
}

// SetAllowedPermissions replaces the mutable allowed-permissions set (spec
// section 4.2): methods whose level is not in this set are rejected with
// -32001 even though they exist in the table.
func (c *Conn) SetAllowedPermissions(perms ...Permission) {
	next := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		next[p] = true
	}
	c.permMu.Lock()
	c.allowedPerms = next
	c.permMu.Unlock()
}

func (c *Conn) permitted(p Permission) bool {
	c.permMu.RLock()
	defer c.permMu.RUnlock()
	return c.allowedPerms[p]
}

// Call issues an outbound JSON-RPC request and blocks until a correlated
// response arrives or timeout elapses. Implements the completion-slot
// protocol of spec section 4.2: the id is always released on completion,
// and a response that arrives after the deadline is dropped by Deliver
// before it ever reaches here.
func (c *Conn) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	idKey := strconv.FormatUint(id, 10)
	slot := newPendingCall()
	c.pending[idKey] = slot
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.pending, idKey)
		c.mu.Unlock()
	}

	frame, err := NewRequest(method, params, id)
	if err != nil {
		release()
		return nil, fmt.Errorf("marshal request params: %w", err)
	}

	if err := c.transport.WriteFrame(frame); err != nil {
		release()
		return nil, fmt.Errorf("write request: %w", err)
	}

	timer := c.clock.After(timeout)
	select {
	case resp := <-slot.done:
		release()
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer:
		release()
		return nil, fmt.Errorf("rpc call %q timed out after %s", method, timeout)
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// Notify writes a one-way JSON-RPC notification -- no id, no response ever
// expected, per spec section 6.
func (c *Conn) Notify(method string, params interface{}) error {
	frame, err := NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("marshal notification params: %w", err)
	}
	return c.transport.WriteFrame(frame)
}

// CancelAll completes every pending outbound call on this connection with a
// transport-error result, per spec section 5: "a connection close cancels
// all pending outbound calls on that connection with a transport-error
// result." Used when the underlying connection drops.
func (c *Conn) CancelAll(reason error) {
	c.mu.Lock()
	slots := make([]*pendingCall, 0, len(c.pending))
	for id, s := range c.pending {
		slots = append(slots, s)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	errFrame := &Frame{Error: NewError(CodeInternal, reason.Error())}
	for _, s := range slots {
		s.complete(errFrame)
	}
}

// Deliver hands a decoded frame to the connection: if it is a request or
// notification it is dispatched against the Table (response written back
// via responder, unless it is a notification); if it is a response it
// completes the matching pending call, or is logged and dropped if
// unmatched.
func (c *Conn) Deliver(ctx context.Context, f *Frame) {
	if f.IsRequest() {
		c.handleIncomingRequest(ctx, f)
		return
	}
	c.handleIncomingResponse(f)
}

func (c *Conn) handleIncomingResponse(f *Frame) {
	key := IDString(f.ID)
	if key == "" {
		c.log.Warn("rpc: response with no id, dropping")
		return
	}
	c.mu.Lock()
	slot, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("rpc: unmatched response, dropping", "id", key)
		return
	}
	slot.complete(f)
}

func (c *Conn) handleIncomingRequest(ctx context.Context, f *Frame) {
	notification := f.IsNotification()

	respond := func(result interface{}, rpcErr *Error) {
		if notification {
			return // spec section 4.2: notifications never receive a response
		}
		var resp *Frame
		if rpcErr != nil {
			resp = NewErrorResponse(f.ID, rpcErr)
		} else {
			built, err := NewResult(f.ID, result)
			if err != nil {
				resp = NewErrorResponse(f.ID, NewError(CodeInternal, "internal error"))
			} else {
				resp = built
			}
		}
		if err := c.transport.WriteFrame(resp); err != nil {
			c.log.Warn("rpc: failed to write response", "method", f.Method, "error", err)
		}
	}

	if f.Method == "" {
		respond(nil, NewError(CodeInvalidRequest, "method is required"))
		return
	}

	m, ok := c.table.lookup(f.Method)
	if !ok {
		respond(nil, NewError(CodeMethodNotFound, "method not found: "+f.Method))
		return
	}

	if !c.permitted(m.perm) {
		respond(nil, NewError(CodePermissionDenied, "permission denied for method: "+f.Method))
		return
	}

	result, rpcErr := c.invoke(ctx, m.handler, f)
	respond(result, rpcErr)
}

// invoke calls the handler, translating a panic into the taxonomy's
// "internal" error kind (spec section 7) so a single bad handler never
// takes down the receive loop.
func (c *Conn) invoke(ctx context.Context, h Handler, f *Frame) (result interface{}, rpcErr *Error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("rpc: handler panic", "method", f.Method, "panic", r)
			result = nil
			rpcErr = NewError(CodeInternal, "internal error")
		}
	}()
	return h(ctx, f.Params)
}
