package server

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/rpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockClock implements clock.Clock for testing, matching the idiom already
// used by internal/engine/mock_test.go: After fires immediately against the
// instant it was requested so tests never actually sleep.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(t time.Time) *mockClock {
	return &mockClock{now: t}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	fire := c.now.Add(d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- fire
	return ch
}

func (c *mockClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(t)
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// neverClock never fires After. Success-path tests give it to the agent
// side of an outbound call: mockClock's already-fired After channel would
// otherwise race the synchronously delivered response in Call's select,
// making the outcome a coin flip.
type neverClock struct{}

func (neverClock) Now() time.Time                       { return time.Time{} }
func (neverClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }
func (neverClock) Since(time.Time) time.Duration        { return 0 }

// fakeStore is an in-memory ClusterStore for tests that avoids standing up
// BoltDB.
type fakeStore struct {
	mu     sync.Mutex
	agents map[string]cluster.Agent
	codes  map[string]cluster.RegistrationCode
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents: make(map[string]cluster.Agent),
		codes:  make(map[string]cluster.RegistrationCode),
	}
}

func (s *fakeStore) SaveAgent(a cluster.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
	return nil
}

func (s *fakeStore) GetAgent(id string) (cluster.Agent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	return a, ok, nil
}

func (s *fakeStore) GetAgentByServerID(serverID string) (cluster.Agent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.ServerID == serverID {
			return a, true, nil
		}
	}
	return cluster.Agent{}, false, nil
}

func (s *fakeStore) ListAgents() ([]cluster.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cluster.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out, nil
}

func (s *fakeStore) DeleteAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	return nil
}

func (s *fakeStore) SaveRegistrationCode(c cluster.RegistrationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[c.Code] = c
	return nil
}

func (s *fakeStore) ConsumeRegistrationCode(code string, now time.Time) (cluster.RegistrationCode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok || c.Used || now.After(c.ExpiresAt) {
		return cluster.RegistrationCode{}, false, nil
	}
	c.Used = true
	s.codes[code] = c
	return c, true, nil
}

var _ ClusterStore = (*fakeStore)(nil)

// fakeTransport records every frame written to it and optionally answers
// outbound requests automatically, for conn/registry tests that don't need
// a real socket.
type fakeTransport struct {
	mu      sync.Mutex
	written []*rpc.Frame
	onWrite func(f *rpc.Frame)
}

func (t *fakeTransport) WriteFrame(f *rpc.Frame) error {
	t.mu.Lock()
	t.written = append(t.written, f)
	cb := t.onWrite
	t.mu.Unlock()
	if cb != nil {
		cb(f)
	}
	return nil
}

func (t *fakeTransport) writtenFrames() []*rpc.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*rpc.Frame, len(t.written))
	copy(out, t.written)
	return out
}

var _ rpc.Transport = (*fakeTransport)(nil)

// fakeFallback implements FallbackExecutor for router tests.
type fakeFallback struct {
	output   string
	exitCode int
	err      error
	calls    int
}

func (f *fakeFallback) Execute(ctx context.Context, serverID string, method string, params interface{}, timeout time.Duration) (string, int, error) {
	f.calls++
	return f.output, f.exitCode, f.err
}

var _ FallbackExecutor = (*fakeFallback)(nil)
