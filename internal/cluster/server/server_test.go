package server

import (
	"testing"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/auth"
	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
)

func seedCode(t *testing.T, store *fakeStore, agentID string, expiresAt time.Time) cluster.RegistrationCode {
	t.Helper()
	rc := cluster.RegistrationCode{
		ID:        "rc-" + agentID,
		AgentID:   agentID,
		Code:      "code-" + agentID,
		ExpiresAt: expiresAt,
	}
	if err := store.SaveRegistrationCode(rc); err != nil {
		t.Fatalf("SaveRegistrationCode: %v", err)
	}
	return rc
}

func TestRegisterThenAuthenticateRoundTrip(t *testing.T) {
	s, store := newTestServer(newMockClock(time.Now()))
	rc := seedCode(t, store, "a1", time.Now().Add(time.Hour))

	resp, agentID, err := s.handleRegister(handshakeFrame{Type: "register", Code: rc.Code, Version: "1.2.3"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if agentID != "a1" {
		t.Fatalf("agent id = %q, want a1", agentID)
	}
	reg, ok := resp.(registeredResponse)
	if !ok {
		t.Fatalf("response type = %T, want registeredResponse", resp)
	}
	if reg.Token == "" {
		t.Fatal("registered response carries no token")
	}

	a, found, _ := store.GetAgent("a1")
	if !found {
		t.Fatal("agent not persisted")
	}
	if a.Status != cluster.StatusPending {
		t.Fatalf("status after register = %s, want PENDING", a.Status)
	}
	if a.TokenHash != auth.HashToken(reg.Token) {
		t.Fatal("persisted token hash does not match issued token")
	}
	if a.Version != "1.2.3" {
		t.Fatalf("version = %q, want 1.2.3", a.Version)
	}

	// The issued token authenticates, and keeps authenticating: tokens are
	// reusable until rotated.
	for i := 0; i < 2; i++ {
		resp, id, err := s.handleAuthenticate(handshakeFrame{Type: "authenticate", Token: reg.Token, Version: "1.2.4"})
		if err != nil {
			t.Fatalf("authenticate attempt %d: %v", i+1, err)
		}
		if id != "a1" {
			t.Fatalf("authenticate attempt %d: agent id = %q, want a1", i+1, id)
		}
		if _, ok := resp.(authenticatedResponse); !ok {
			t.Fatalf("authenticate attempt %d: response type = %T", i+1, resp)
		}
	}

	a, _, _ = store.GetAgent("a1")
	if a.Status != cluster.StatusConnected {
		t.Fatalf("status after authenticate = %s, want CONNECTED", a.Status)
	}
	if a.Version != "1.2.4" {
		t.Fatalf("version not refreshed on authenticate: %q", a.Version)
	}
	if a.LastSeen.IsZero() {
		t.Fatal("last_seen not refreshed on authenticate")
	}
}

func TestRegistrationCodeIsSingleUse(t *testing.T) {
	s, store := newTestServer(newMockClock(time.Now()))
	rc := seedCode(t, store, "a2", time.Now().Add(time.Hour))

	if _, _, err := s.handleRegister(handshakeFrame{Type: "register", Code: rc.Code}); err != nil {
		t.Fatalf("first register: %v", err)
	}

	resp, _, err := s.handleRegister(handshakeFrame{Type: "register", Code: rc.Code})
	if err == nil {
		t.Fatal("second register with the same code succeeded")
	}
	er, ok := resp.(errorResponse)
	if !ok {
		t.Fatalf("response type = %T, want errorResponse", resp)
	}
	if er.Error != "Invalid registration code" {
		t.Fatalf("error = %q", er.Error)
	}
}

func TestRegisterRejectsExpiredCode(t *testing.T) {
	s, store := newTestServer(newMockClock(time.Now()))
	rc := seedCode(t, store, "a3", time.Now().Add(-time.Minute))

	if _, _, err := s.handleRegister(handshakeFrame{Type: "register", Code: rc.Code}); err == nil {
		t.Fatal("register with expired code succeeded")
	}
	if _, found, _ := store.GetAgent("a3"); found {
		t.Fatal("agent was created despite expired code")
	}
}

func TestAuthenticateAcceptsEitherTokenDuringRotation(t *testing.T) {
	s, store := newTestServer(newMockClock(time.Now()))

	oldToken, oldHash, err := auth.GenerateAPIToken()
	if err != nil {
		t.Fatal(err)
	}
	newToken, newHash, err := auth.GenerateAPIToken()
	if err != nil {
		t.Fatal(err)
	}

	if err := store.SaveAgent(cluster.Agent{
		ID:               "a4",
		ServerID:         "a4",
		Status:           cluster.StatusDisconnected,
		TokenHash:        oldHash,
		PendingTokenHash: newHash,
	}); err != nil {
		t.Fatal(err)
	}

	for _, tok := range []string{oldToken, newToken} {
		_, id, err := s.handleAuthenticate(handshakeFrame{Type: "authenticate", Token: tok})
		if err != nil {
			t.Fatalf("authenticate mid-rotation: %v", err)
		}
		if id != "a4" {
			t.Fatalf("agent id = %q, want a4", id)
		}
	}
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	s, _ := newTestServer(newMockClock(time.Now()))

	resp, _, err := s.handleAuthenticate(handshakeFrame{Type: "authenticate", Token: "stk_bogus"})
	if err == nil {
		t.Fatal("authenticate with unknown token succeeded")
	}
	if _, ok := resp.(errorResponse); !ok {
		t.Fatalf("response type = %T, want errorResponse", resp)
	}
}
