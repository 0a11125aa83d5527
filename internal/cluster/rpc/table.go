package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler is a registered JSON-RPC method implementation. It receives the
// raw params (an object or array per spec section 4.2) and returns either a
// result to marshal into the response or a typed RPC error.
type Handler func(ctx context.Context, params json.RawMessage) (result interface{}, rpcErr *Error)

// method pairs a handler with the permission level required to invoke it.
type method struct {
	perm    Permission
	handler Handler
}

// Table is an explicit method registry populated at startup -- the Go
// replacement for the reflection-based "walk public attributes of handler
// modules" dispatch spec section 9 calls out. No method is ever resolved by
// name reflection; everything reachable here was registered explicitly.
type Table struct {
	methods map[string]method
}

// NewTable returns an empty method table.
func NewTable() *Table {
	return &Table{methods: make(map[string]method)}
}

// Register adds a method to the table. Registering the same name twice is a
// programming error and panics -- this only happens at startup wiring time.
func (t *Table) Register(name string, perm Permission, h Handler) {
	if _, exists := t.methods[name]; exists {
		panic(fmt.Sprintf("rpc: method %q already registered", name))
	}
	t.methods[name] = method{perm: perm, handler: h}
}

// lookup returns the method and whether it was found. Unknown methods carry
// an implicit ADMIN permission level per spec section 4.2, enforced by the
// caller when found is false.
func (t *Table) lookup(name string) (method, bool) {
	m, ok := t.methods[name]
	return m, ok
}
