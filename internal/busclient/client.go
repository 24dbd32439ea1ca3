package busclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type AgentInfo struct {
	AgentID      string         `json:"agent_id"`
	Capabilities map[string]any `json:"capabilities"`
	Allowlist    []string       `json:"allowlist"`
}

type Message struct {
	ID   string         `json:"id"`
	TS   int64          `json:"ts"`
	From string         `json:"from"`
	To   string         `json:"to"`
	Body string         `json:"body"`
	Meta map[string]any `json:"meta,omitempty"`
}

type ReadResult struct {
	AgentID   string    `json:"agent_id"`
	Count     int       `json:"count"`
	Remaining int       `json:"remaining"`
	Messages  []Message `json:"messages"`
}

// Error mirrors the bus error envelope so callers can switch on Code
// without importing server internals.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// CallTool posts one tool call and returns the raw success payload. A
// response with ok=false comes back as *Error.
func (c *Client) CallTool(ctx context.Context, operation string, arguments any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"operation": operation,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tools/call", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope struct {
		OK    bool   `json:"ok"`
		Error *Error `json:"error"`
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", operation, err)
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%s: decode envelope: %w", operation, err)
	}
	if !envelope.OK {
		if envelope.Error == nil {
			return nil, fmt.Errorf("%s failed status=%d body=%s", operation, resp.StatusCode, string(raw))
		}
		envelope.Error.Status = resp.StatusCode
		return nil, envelope.Error
	}
	return raw, nil
}

func (c *Client) RegisterAgent(ctx context.Context, agentID string, capabilities map[string]any, allowlist []string, token string) error {
	_, err := c.CallTool(ctx, "agent_register", map[string]any{
		"agent_id":     agentID,
		"capabilities": capabilities,
		"allowlist":    allowlist,
		"token":        token,
	})
	return err
}

func (c *Client) UnregisterAgent(ctx context.Context, agentID, token string) error {
	_, err := c.CallTool(ctx, "agent_unregister", map[string]any{
		"agent_id": agentID,
		"token":    token,
	})
	return err
}

func (c *Client) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	raw, err := c.CallTool(ctx, "agent_list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Agents []AgentInfo `json:"agents"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

func (c *Client) SendMessage(ctx context.Context, from, to, body, token string, meta map[string]any) error {
	_, err := c.CallTool(ctx, "message_send", map[string]any{
		"from":  from,
		"to":    to,
		"body":  body,
		"meta":  meta,
		"token": token,
	})
	return err
}

func (c *Client) ReadMessages(ctx context.Context, agentID, token string, max int, drain bool) (*ReadResult, error) {
	raw, err := c.CallTool(ctx, "message_read", map[string]any{
		"agent_id": agentID,
		"token":    token,
		"max":      max,
		"drain":    drain,
	})
	if err != nil {
		return nil, err
	}
	var out ReadResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Peek(ctx context.Context, agentID string) (int, error) {
	raw, err := c.CallTool(ctx, "message_peek", map[string]any{
		"agent_id": agentID,
	})
	if err != nil {
		return 0, err
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) PeekAll(ctx context.Context) (map[string]int, error) {
	raw, err := c.CallTool(ctx, "message_peek", map[string]any{})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Counts map[string]int `json:"counts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return resp.Counts, nil
}
