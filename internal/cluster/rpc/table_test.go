package rpc

import (
	"context"
	"encoding/json"
	"testing"
)

func TestTableRegisterAndLookup(t *testing.T) {
	table := NewTable()
	table.Register("agent.ping", PermRead, func(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
		return "pong", nil
	})

	m, ok := table.lookup("agent.ping")
	if !ok {
		t.Fatal("expected agent.ping to be registered")
	}
	if m.perm != PermRead {
		t.Errorf("expected PermRead, got %v", m.perm)
	}

	if _, ok := table.lookup("does.not.exist"); ok {
		t.Error("expected unknown method to be not found")
	}
}

func TestTableRegisterDuplicatePanics(t *testing.T) {
	table := NewTable()
	table.Register("agent.ping", PermRead, func(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
		return nil, nil
	})

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected registering a duplicate method name to panic")
		}
	}()
	table.Register("agent.ping", PermAdmin, func(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
		return nil, nil
	})
}
