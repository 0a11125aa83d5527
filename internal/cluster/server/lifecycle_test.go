package server

import (
	"context"
	"testing"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
)

func newTestServer(clk *mockClock) (*Server, *fakeStore) {
	store := newFakeStore()
	s := New(DefaultConfig(), store, nil, testLogger(), clk)
	return s, store
}

func TestReconcileStartupResetsConnectedAgents(t *testing.T) {
	clk := newMockClock(time.Now())
	s, store := newTestServer(clk)

	_ = store.SaveAgent(cluster.Agent{ID: "a1", Status: cluster.StatusConnected})
	_ = store.SaveAgent(cluster.Agent{ID: "a2", Status: cluster.StatusDisconnected})
	_ = store.SaveAgent(cluster.Agent{ID: "a3", Status: cluster.StatusConnected})

	lm := NewLifecycleManager(s)
	reset, err := lm.ReconcileStartup(context.Background())
	if err != nil {
		t.Fatalf("ReconcileStartup: %v", err)
	}
	if reset != 2 {
		t.Errorf("expected 2 agents reset, got %d", reset)
	}

	for _, id := range []string{"a1", "a2", "a3"} {
		a, _, _ := store.GetAgent(id)
		if a.Status != cluster.StatusDisconnected {
			t.Errorf("agent %s: expected DISCONNECTED, got %v", id, a.Status)
		}
	}
}

func TestLifecycleSweepOnceDisconnectsStaleHandles(t *testing.T) {
	clk := newMockClock(time.Now())
	s, store := newTestServer(clk)
	_ = store.SaveAgent(cluster.Agent{ID: "stale", Status: cluster.StatusConnected})
	_ = store.SaveAgent(cluster.Agent{ID: "fresh", Status: cluster.StatusConnected})

	staleHandle, _, staleClosed := newTestHandle("stale")
	staleHandle.Touch(clk.Now().Add(-2 * s.cfg.HeartbeatTimeout))
	s.registry.Register("stale", staleHandle)

	freshHandle, _, freshClosed := newTestHandle("fresh")
	freshHandle.Touch(clk.Now())
	s.registry.Register("fresh", freshHandle)

	lm := NewLifecycleManager(s)
	lm.sweepOnce()

	if !*staleClosed {
		t.Error("expected stale handle to be closed")
	}
	if *freshClosed {
		t.Error("did not expect fresh handle to be closed")
	}

	if s.registry.IsConnected("stale") {
		t.Error("expected stale agent to be unregistered")
	}
	if !s.registry.IsConnected("fresh") {
		t.Error("expected fresh agent to remain registered")
	}

	a, _, _ := store.GetAgent("stale")
	if a.Status != cluster.StatusDisconnected {
		t.Errorf("expected stale agent persisted as DISCONNECTED, got %v", a.Status)
	}
}
