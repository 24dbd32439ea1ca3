package bus

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T, dbPath string) *SQLiteStore {
	t.Helper()
	now := time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)
	var seq int
	s, err := NewSQLiteStore(dbPath, Config{
		Clock: func() time.Time { return now },
		NewID: func() string {
			seq++
			return fmt.Sprintf("msg-%d", seq)
		},
	})
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bus.db")

	s := newTestSQLiteStore(t, dbPath)
	if _, err := s.RegisterAgent(RegisterAgentInput{AgentID: "zeta", Token: "z", Capabilities: map[string]any{"role": "worker"}}); err != nil {
		t.Fatalf("register zeta: %v", err)
	}
	if _, err := s.RegisterAgent(RegisterAgentInput{AgentID: "alpha", Allowlist: []string{"zeta"}}); err != nil {
		t.Fatalf("register alpha: %v", err)
	}
	if _, err := s.SendMessage(SendMessageInput{From: "alpha", To: "zeta", Body: "one", Meta: map[string]any{"k": "v"}}); err != nil {
		t.Fatalf("send one: %v", err)
	}
	if _, err := s.SendMessage(SendMessageInput{From: "alpha", To: "zeta", Body: "two"}); err != nil {
		t.Fatalf("send two: %v", err)
	}
	s.Close()

	reloaded := newTestSQLiteStore(t, dbPath)

	views := reloaded.ListAgents()
	if len(views) != 2 || views[0].AgentID != "zeta" || views[1].AgentID != "alpha" {
		t.Fatalf("registration order lost across reload: %+v", views)
	}
	if views[0].Capabilities["role"] != "worker" {
		t.Fatalf("capabilities lost across reload: %+v", views[0])
	}

	res, err := reloaded.ReadMessages(ReadMessagesInput{AgentID: "zeta", Max: 10, Drain: true, Token: "z"})
	if err != nil {
		t.Fatalf("read after reload: %v", err)
	}
	if res.Count != 2 || res.Messages[0].Body != "one" || res.Messages[1].Body != "two" {
		t.Fatalf("mailbox order lost across reload: %+v", res.Messages)
	}
	if res.Messages[0].Meta["k"] != "v" {
		t.Fatalf("meta lost across reload: %v", res.Messages[0].Meta)
	}
}

func TestSQLiteDrainPersists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bus.db")

	s := newTestSQLiteStore(t, dbPath)
	if _, err := s.RegisterAgent(RegisterAgentInput{AgentID: "a", Allowlist: []string{"b"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.RegisterAgent(RegisterAgentInput{AgentID: "b"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.SendMessage(SendMessageInput{From: "a", To: "b", Body: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if _, err := s.ReadMessages(ReadMessagesInput{AgentID: "b", Max: 2, Drain: true}); err != nil {
		t.Fatalf("read: %v", err)
	}
	s.Close()

	reloaded := newTestSQLiteStore(t, dbPath)
	res, err := reloaded.ReadMessages(ReadMessagesInput{AgentID: "b", Max: 10, Drain: false})
	if err != nil {
		t.Fatalf("read after reload: %v", err)
	}
	if res.Count != 1 || res.Messages[0].Body != "m2" {
		t.Fatalf("expected only m2 left, got %+v", res.Messages)
	}
}

func TestSQLiteUnregisterRemovesRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bus.db")

	s := newTestSQLiteStore(t, dbPath)
	if _, err := s.RegisterAgent(RegisterAgentInput{AgentID: "a", Allowlist: []string{"b"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.RegisterAgent(RegisterAgentInput{AgentID: "b"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.SendMessage(SendMessageInput{From: "a", To: "b", Body: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.UnregisterAgent(UnregisterAgentInput{AgentID: "b"}); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	s.Close()

	reloaded := newTestSQLiteStore(t, dbPath)
	if got := len(reloaded.ListAgents()); got != 1 {
		t.Fatalf("expected 1 agent after reload, got %d", got)
	}
	counts := reloaded.PeekAll()
	if _, ok := counts["b"]; ok {
		t.Fatalf("expected b's mailbox gone, got %v", counts)
	}
}

func TestSQLiteUnregisterWithPaddedIDRemovesRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bus.db")

	s := newTestSQLiteStore(t, dbPath)
	if _, err := s.RegisterAgent(RegisterAgentInput{AgentID: "a", Allowlist: []string{"b"}}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if _, err := s.RegisterAgent(RegisterAgentInput{AgentID: "b"}); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if _, err := s.SendMessage(SendMessageInput{From: "a", To: "b", Body: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.UnregisterAgent(UnregisterAgentInput{AgentID: " b "}); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if got := len(s.ListAgents()); got != 1 {
		t.Fatalf("expected 1 agent in memory, got %d", got)
	}
	s.Close()

	reloaded := newTestSQLiteStore(t, dbPath)
	views := reloaded.ListAgents()
	if len(views) != 1 || views[0].AgentID != "a" {
		t.Fatalf("agent came back after reload: %+v", views)
	}
	counts := reloaded.PeekAll()
	if _, ok := counts["b"]; ok {
		t.Fatalf("discarded mailbox came back after reload: %v", counts)
	}
}

func TestSQLiteReRegisterKeepsPositionAcrossReload(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bus.db")

	s := newTestSQLiteStore(t, dbPath)
	for _, id := range []string{"zeta", "alpha"} {
		if _, err := s.RegisterAgent(RegisterAgentInput{AgentID: id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if _, err := s.RegisterAgent(RegisterAgentInput{AgentID: "zeta", Capabilities: map[string]any{"v": 2}}); err != nil {
		t.Fatalf("re-register zeta: %v", err)
	}
	s.Close()

	reloaded := newTestSQLiteStore(t, dbPath)
	views := reloaded.ListAgents()
	if len(views) != 2 || views[0].AgentID != "zeta" || views[1].AgentID != "alpha" {
		t.Fatalf("re-registration moved zeta in the listing: %+v", views)
	}
}

func TestSQLiteNewAgentAfterUnregisterKeepsOrder(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bus.db")

	s := newTestSQLiteStore(t, dbPath)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.RegisterAgent(RegisterAgentInput{AgentID: id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if err := s.UnregisterAgent(UnregisterAgentInput{AgentID: "a"}); err != nil {
		t.Fatalf("unregister a: %v", err)
	}
	if _, err := s.RegisterAgent(RegisterAgentInput{AgentID: "d"}); err != nil {
		t.Fatalf("register d: %v", err)
	}
	s.Close()

	reloaded := newTestSQLiteStore(t, dbPath)
	views := reloaded.ListAgents()
	if len(views) != 3 || views[0].AgentID != "b" || views[1].AgentID != "c" || views[2].AgentID != "d" {
		t.Fatalf("order wrong after unregister and re-register: %+v", views)
	}
}
