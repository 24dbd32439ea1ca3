package bus

// Agent is a registered identity on the bus. TokenHash is the hex digest of
// the agent's secret; empty means the agent requires no authentication.
type Agent struct {
	AgentID      string         `json:"agent_id"`
	Capabilities map[string]any `json:"capabilities"`
	Allowlist    []string       `json:"allowlist"`
	TokenHash    string         `json:"token_hash,omitempty"`
}

// AgentView is the public projection of an Agent returned by agent_list.
// Token hashes are never exposed.
type AgentView struct {
	AgentID      string         `json:"agent_id"`
	Capabilities map[string]any `json:"capabilities"`
	Allowlist    []string       `json:"allowlist"`
}

// Message is immutable once created and belongs to exactly one mailbox (the
// recipient's) until drained. TS is milliseconds since the Unix epoch,
// non-decreasing per process clock.
type Message struct {
	ID   string         `json:"id"`
	TS   int64          `json:"ts"`
	From string         `json:"from"`
	To   string         `json:"to"`
	Body string         `json:"body"`
	Meta map[string]any `json:"meta,omitempty"`
}

type RegisterAgentInput struct {
	AgentID      string
	Capabilities map[string]any
	Allowlist    []string
	Token        string
}

type UnregisterAgentInput struct {
	AgentID string
	Token   string
}

type SendMessageInput struct {
	From  string
	To    string
	Body  string
	Meta  map[string]any
	Token string
}

type ReadMessagesInput struct {
	AgentID string
	Max     int
	Drain   bool
	Token   string
}

// ReadResult reports what message_read returned. Remaining is the mailbox
// length after the optional drain.
type ReadResult struct {
	AgentID   string    `json:"agent_id"`
	Count     int       `json:"count"`
	Remaining int       `json:"remaining"`
	Messages  []Message `json:"messages"`
}
