package bus

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tool operation names. These are the wire-level identifiers callers put in
// the "operation" field of a tool call.
const (
	OpAgentList       = "agent_list"
	OpAgentRegister   = "agent_register"
	OpAgentUnregister = "agent_unregister"
	OpMessageSend     = "message_send"
	OpMessageRead     = "message_read"
	OpMessagePeek     = "message_peek"
)

// DefaultReadMax is the message_read batch size when the caller omits max.
const DefaultReadMax = 50

// Operations returns the supported operation names in a stable order.
func Operations() []string {
	return []string{
		OpAgentList,
		OpAgentRegister,
		OpAgentUnregister,
		OpMessageSend,
		OpMessageRead,
		OpMessagePeek,
	}
}

// Dispatcher routes tool-call operations to a bus backend and shapes the
// uniform response payloads. Every success payload carries ok=true; errors
// are returned as *Error and rendered by ErrorPayload.
type Dispatcher struct {
	store API
}

func NewDispatcher(store API) *Dispatcher {
	return &Dispatcher{store: store}
}

func decodeArgs(operation string, raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return newError(CodeValidation, "invalid arguments for %s: %v", operation, err)
	}
	return nil
}

func (d *Dispatcher) Dispatch(operation string, args json.RawMessage) (map[string]any, error) {
	switch operation {
	case OpAgentList:
		return d.agentList()
	case OpAgentRegister:
		return d.agentRegister(args)
	case OpAgentUnregister:
		return d.agentUnregister(args)
	case OpMessageSend:
		return d.messageSend(args)
	case OpMessageRead:
		return d.messageRead(args)
	case OpMessagePeek:
		return d.messagePeek(args)
	default:
		return nil, newError(CodeUnknownOperation, "unknown operation: %s", operation)
	}
}

func (d *Dispatcher) agentList() (map[string]any, error) {
	return map[string]any{
		"ok":     true,
		"agents": d.store.ListAgents(),
	}, nil
}

func (d *Dispatcher) agentRegister(args json.RawMessage) (map[string]any, error) {
	var req struct {
		AgentID      string         `json:"agent_id"`
		Capabilities map[string]any `json:"capabilities"`
		Allowlist    []string       `json:"allowlist"`
		Token        string         `json:"token"`
	}
	if err := decodeArgs(OpAgentRegister, args, &req); err != nil {
		return nil, err
	}
	agent, err := d.store.RegisterAgent(RegisterAgentInput{
		AgentID:      req.AgentID,
		Capabilities: req.Capabilities,
		Allowlist:    req.Allowlist,
		Token:        req.Token,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":     true,
		"result": fmt.Sprintf("registered agent %s", agent.AgentID),
	}, nil
}

func (d *Dispatcher) agentUnregister(args json.RawMessage) (map[string]any, error) {
	var req struct {
		AgentID string `json:"agent_id"`
		Token   string `json:"token"`
	}
	if err := decodeArgs(OpAgentUnregister, args, &req); err != nil {
		return nil, err
	}
	if err := d.store.UnregisterAgent(UnregisterAgentInput{
		AgentID: req.AgentID,
		Token:   req.Token,
	}); err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":     true,
		"result": fmt.Sprintf("unregistered agent %s", req.AgentID),
	}, nil
}

func (d *Dispatcher) messageSend(args json.RawMessage) (map[string]any, error) {
	var req struct {
		From  string         `json:"from"`
		To    string         `json:"to"`
		Body  string         `json:"body"`
		Meta  map[string]any `json:"meta"`
		Token string         `json:"token"`
	}
	if err := decodeArgs(OpMessageSend, args, &req); err != nil {
		return nil, err
	}
	m, err := d.store.SendMessage(SendMessageInput{
		From:  req.From,
		To:    req.To,
		Body:  req.Body,
		Meta:  req.Meta,
		Token: req.Token,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":     true,
		"result": fmt.Sprintf("message sent to %s", m.To),
	}, nil
}

func (d *Dispatcher) messageRead(args json.RawMessage) (map[string]any, error) {
	var req struct {
		AgentID string `json:"agent_id"`
		Max     *int   `json:"max"`
		Drain   *bool  `json:"drain"`
		Token   string `json:"token"`
	}
	if err := decodeArgs(OpMessageRead, args, &req); err != nil {
		return nil, err
	}
	max := DefaultReadMax
	if req.Max != nil {
		max = *req.Max
	}
	drain := true
	if req.Drain != nil {
		drain = *req.Drain
	}
	res, err := d.store.ReadMessages(ReadMessagesInput{
		AgentID: req.AgentID,
		Max:     max,
		Drain:   drain,
		Token:   req.Token,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":        true,
		"agent_id":  res.AgentID,
		"count":     res.Count,
		"remaining": res.Remaining,
		"messages":  res.Messages,
	}, nil
}

func (d *Dispatcher) messagePeek(args json.RawMessage) (map[string]any, error) {
	var req struct {
		AgentID *string `json:"agent_id"`
	}
	if err := decodeArgs(OpMessagePeek, args, &req); err != nil {
		return nil, err
	}
	if req.AgentID == nil || *req.AgentID == "" {
		return map[string]any{
			"ok":     true,
			"counts": d.store.PeekAll(),
		}, nil
	}
	return map[string]any{
		"ok":       true,
		"agent_id": *req.AgentID,
		"count":    d.store.Peek(*req.AgentID),
	}, nil
}

// ErrorPayload renders any error as the uniform failure envelope. Errors
// that are not *Error surface as internal.
func ErrorPayload(err error) map[string]any {
	var busErr *Error
	if !errors.As(err, &busErr) {
		busErr = newError(CodeInternal, "%s", err.Error())
	}
	return map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":    busErr.Code,
			"message": busErr.Message,
		},
	}
}
