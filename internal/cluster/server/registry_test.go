package server

import (
	"testing"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/rpc"
)

func newTestHandle(agentID string) (*ConnHandle, *fakeTransport, *bool) {
	transport := &fakeTransport{}
	table := rpc.NewTable()
	conn := rpc.NewConn(transport, table, newMockClock(time.Now()), testLogger())
	closed := false
	handle := newConnHandle(agentID, agentID, conn, func() { closed = true })
	return handle, transport, &closed
}

func TestRegistryRegisterReplacesAndClosesOld(t *testing.T) {
	reg := NewRegistry(testLogger())

	oldHandle, _, oldClosed := newTestHandle("agent-1")
	reg.Register("agent-1", oldHandle)

	newHandle, _, newClosed := newTestHandle("agent-1")
	reg.Register("agent-1", newHandle)

	if !*oldClosed {
		t.Error("expected the replaced handle to be closed")
	}
	if *newClosed {
		t.Error("did not expect the new handle to be closed")
	}

	got, ok := reg.Get("agent-1")
	if !ok || got != newHandle {
		t.Error("expected registry to return the new handle")
	}
}

func TestRegistryUnregisterIsIdentityChecked(t *testing.T) {
	reg := NewRegistry(testLogger())

	stale, _, _ := newTestHandle("agent-1")
	reg.Register("agent-1", stale)

	current, _, _ := newTestHandle("agent-1")
	reg.Register("agent-1", current)

	// A disconnect event for the superseded (stale) handle must not evict
	// the handle that replaced it, and must report that nothing was
	// removed so the caller leaves the persisted status alone.
	if reg.Unregister("agent-1", stale) {
		t.Error("unregistering a stale handle reported a removal")
	}

	got, ok := reg.Get("agent-1")
	if !ok || got != current {
		t.Error("unregistering a stale handle evicted the current connection")
	}

	if !reg.Unregister("agent-1", current) {
		t.Error("unregistering the current handle did not report a removal")
	}
	if reg.IsConnected("agent-1") {
		t.Error("current handle still registered after unregister")
	}
}

func TestRegistryStaleHandles(t *testing.T) {
	reg := NewRegistry(testLogger())

	fresh, _, _ := newTestHandle("fresh")
	fresh.Touch(time.Now())
	reg.Register("fresh", fresh)

	old, _, _ := newTestHandle("old")
	old.Touch(time.Now().Add(-time.Hour))
	reg.Register("old", old)

	stale := reg.StaleHandles(time.Now().Add(-time.Minute))
	if len(stale) != 1 || stale[0].AgentID != "old" {
		t.Errorf("expected only 'old' to be stale, got %d handles", len(stale))
	}
}

func TestRegistryIsConnected(t *testing.T) {
	reg := NewRegistry(testLogger())
	if reg.IsConnected("nope") {
		t.Error("unregistered agent reported connected")
	}

	h, _, _ := newTestHandle("agent-1")
	reg.Register("agent-1", h)
	if !reg.IsConnected("agent-1") {
		t.Error("registered agent reported not connected")
	}
}
