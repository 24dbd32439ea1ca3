package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/joelkehle/agent-bus/internal/bus"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	now := time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)
	var seq int
	store := bus.NewStore(bus.Config{
		Clock: func() time.Time { return now },
		NewID: func() string {
			seq++
			return fmt.Sprintf("msg-%d", seq)
		},
	})
	srv := httptest.NewServer(NewServer(store))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, operation, args string) (int, map[string]any) {
	t.Helper()
	body := fmt.Sprintf(`{"operation":%q,"arguments":%s}`, operation, args)
	resp, err := http.Post(srv.URL+"/v1/tools/call", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", operation, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s response: %v", operation, err)
	}
	return resp.StatusCode, payload
}

func mustCall(t *testing.T, srv *httptest.Server, operation, args string) map[string]any {
	t.Helper()
	status, payload := call(t, srv, operation, args)
	if status != 200 || payload["ok"] != true {
		t.Fatalf("%s: expected ok, got status=%d payload=%v", operation, status, payload)
	}
	return payload
}

func TestToolCallLifecycle(t *testing.T) {
	srv := newTestServer(t)

	out := mustCall(t, srv, "agent_register", `{"agent_id":"a","capabilities":{"lang":"go"},"allowlist":["b"],"token":"s"}`)
	if out["result"] != "registered agent a" {
		t.Fatalf("unexpected register result: %v", out["result"])
	}
	mustCall(t, srv, "agent_register", `{"agent_id":"b"}`)

	out = mustCall(t, srv, "agent_list", `{}`)
	agents, ok := out["agents"].([]any)
	if !ok || len(agents) != 2 {
		t.Fatalf("unexpected agents payload: %v", out["agents"])
	}
	first, ok := agents[0].(map[string]any)
	if !ok || first["agent_id"] != "a" {
		t.Fatalf("unexpected first agent: %v", agents[0])
	}
	if _, leaked := first["token_hash"]; leaked {
		t.Fatalf("token hash leaked in list payload: %v", first)
	}

	mustCall(t, srv, "message_send", `{"from":"a","to":"b","body":"hello","token":"s"}`)

	out = mustCall(t, srv, "message_peek", `{"agent_id":"b"}`)
	if out["count"] != float64(1) {
		t.Fatalf("expected 1 queued, got %v", out["count"])
	}

	out = mustCall(t, srv, "message_read", `{"agent_id":"b"}`)
	if out["count"] != float64(1) || out["remaining"] != float64(0) {
		t.Fatalf("unexpected read payload: %v", out)
	}
	msgs, ok := out["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("unexpected messages: %v", out["messages"])
	}
	msg := msgs[0].(map[string]any)
	if msg["from"] != "a" || msg["body"] != "hello" {
		t.Fatalf("unexpected message: %v", msg)
	}

	mustCall(t, srv, "agent_unregister", `{"agent_id":"a","token":"s"}`)
}

func TestToolCallErrorStatuses(t *testing.T) {
	srv := newTestServer(t)
	mustCall(t, srv, "agent_register", `{"agent_id":"a","token":"s"}`)
	mustCall(t, srv, "agent_register", `{"agent_id":"b","allowlist":["a"]}`)
	mustCall(t, srv, "agent_register", `{"agent_id":"c"}`)

	cases := []struct {
		name      string
		operation string
		args      string
		status    int
		code      string
	}{
		{"unknown operation", "message_snoop", `{}`, 400, "unknown_operation"},
		{"missing agent_id", "agent_register", `{}`, 400, "validation"},
		{"negative max", "message_read", `{"agent_id":"a","max":-1,"token":"s"}`, 400, "validation"},
		{"bad token", "message_read", `{"agent_id":"a","token":"wrong"}`, 401, "unauthorized"},
		{"unknown recipient", "message_send", `{"from":"a","to":"ghost","body":"x","token":"s"}`, 404, "not_found"},
		{"allowlist blocked", "message_send", `{"from":"b","to":"c","body":"x"}`, 403, "not_allowed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := call(t, srv, tc.operation, tc.args)
			if status != tc.status {
				t.Fatalf("expected status %d, got %d: %v", tc.status, status, payload)
			}
			if payload["ok"] != false {
				t.Fatalf("expected ok=false, got %v", payload)
			}
			inner, ok := payload["error"].(map[string]any)
			if !ok {
				t.Fatalf("expected error object, got %T", payload["error"])
			}
			if inner["code"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, inner["code"])
			}
		})
	}
}

func TestToolCallMethodAndBody(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/tools/call")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/tools/call", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400 for malformed json, got %d", resp.StatusCode)
	}
}

func TestOperationsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/operations")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var payload struct {
		OK         bool     `json:"ok"`
		Operations []string `json:"operations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.OK || len(payload.Operations) != 6 {
		t.Fatalf("unexpected operations payload: %+v", payload)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	mustCall(t, srv, "agent_register", `{"agent_id":"a"}`)

	resp, err := http.Get(srv.URL + "/v1/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["ok"] != true || payload["status"] != "healthy" {
		t.Fatalf("unexpected health payload: %v", payload)
	}
	if payload["agents"] != float64(1) {
		t.Fatalf("expected 1 agent, got %v", payload["agents"])
	}
}
