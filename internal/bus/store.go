package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	// Clock supplies message timestamps. Default: time.Now.
	Clock func() time.Time
	// NewID supplies message identifiers. Default: random UUIDs.
	NewID func() string
}

// Store owns the in-memory State and implements every bus operation over it.
// A single mutex serializes each operation's validate/mutate sequence end to
// end, so no caller ever observes a half-updated aggregate.
type Store struct {
	mu sync.Mutex

	cfg   Config
	state *State

	// lastTS clamps timestamps so they never decrease within a process,
	// even if the wall clock steps backward.
	lastTS int64
}

func NewStore(cfg Config) *Store {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Store{
		cfg:   cfg,
		state: NewState(),
	}
}

func (s *Store) nextTimestampLocked() int64 {
	ts := s.cfg.Clock().UTC().UnixMilli()
	if ts < s.lastTS {
		ts = s.lastTS
	}
	s.lastTS = ts
	return ts
}

// --- authorization gate ---

func (s *Store) requireAgentLocked(agentID string) (*Agent, error) {
	agent, ok := s.state.agents[agentID]
	if !ok {
		return nil, newError(CodeNotFound, "agent not found: %s", agentID)
	}
	return agent, nil
}

// checkToken succeeds unconditionally for agents without a token hash.
func checkToken(agent *Agent, token string) error {
	if agent.TokenHash == "" {
		return nil
	}
	if token == "" || !tokenMatches(agent.TokenHash, token) {
		return newError(CodeUnauthorized, "invalid token for agent %s", agent.AgentID)
	}
	return nil
}

// checkAllowlist is directional: sender->recipient permission does not imply
// the reverse.
func checkAllowlist(sender *Agent, recipientID string) error {
	for _, id := range sender.Allowlist {
		if id == recipientID {
			return nil
		}
	}
	return newError(CodeNotAllowed, "agent %s is not allowed to message %s", sender.AgentID, recipientID)
}

// --- agent registry ---

// RegisterAgent inserts or fully replaces the record for an agent id:
// last write wins, no merge of prior capabilities or allowlist, and
// registering without a token clears any previous token requirement. The
// agent's mailbox is created if absent and never cleared if present.
func (s *Store) RegisterAgent(input RegisterAgentInput) (*Agent, error) {
	agentID := strings.TrimSpace(input.AgentID)
	if agentID == "" {
		return nil, newError(CodeValidation, "agent_id is required")
	}

	agent := &Agent{
		AgentID:      agentID,
		Capabilities: copyMeta(input.Capabilities),
		Allowlist:    append([]string{}, input.Allowlist...),
	}
	if input.Token != "" {
		agent.TokenHash = HashToken(input.Token)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.putAgent(agent)
	s.state.ensureMailbox(agentID)

	cp := *agent
	return &cp, nil
}

// UnregisterAgent removes the agent and its mailbox, discarding any
// undelivered messages.
func (s *Store) UnregisterAgent(input UnregisterAgentInput) error {
	agentID := strings.TrimSpace(input.AgentID)
	if agentID == "" {
		return newError(CodeValidation, "agent_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.requireAgentLocked(agentID)
	if err != nil {
		return err
	}
	if err := checkToken(agent, input.Token); err != nil {
		return err
	}

	s.state.removeAgent(agentID)
	delete(s.state.mailboxes, agentID)
	return nil
}

// ListAgents returns every registered agent in registration order, token
// hashes omitted.
func (s *Store) ListAgents() []AgentView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AgentView, 0, len(s.state.agentOrder))
	for _, id := range s.state.agentOrder {
		a := s.state.agents[id]
		out = append(out, AgentView{
			AgentID:      a.AgentID,
			Capabilities: copyMeta(a.Capabilities),
			Allowlist:    append([]string{}, a.Allowlist...),
		})
	}
	return out
}

// --- mailbox store ---

func (s *Store) appendLocked(recipientID string, m Message) {
	s.state.ensureMailbox(recipientID)
	s.state.mailboxes[recipientID] = append(s.state.mailboxes[recipientID], m)
}

// SendMessage validates sender identity, sender token, recipient existence,
// and the sender's allowlist, then appends to the tail of the recipient's
// mailbox.
func (s *Store) SendMessage(input SendMessageInput) (*Message, error) {
	from := strings.TrimSpace(input.From)
	to := strings.TrimSpace(input.To)
	if from == "" {
		return nil, newError(CodeValidation, "from is required")
	}
	if to == "" {
		return nil, newError(CodeValidation, "to is required")
	}
	if input.Body == "" {
		return nil, newError(CodeValidation, "body is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sender, err := s.requireAgentLocked(from)
	if err != nil {
		return nil, err
	}
	if err := checkToken(sender, input.Token); err != nil {
		return nil, err
	}
	if _, ok := s.state.agents[to]; !ok {
		return nil, newError(CodeNotFound, "recipient agent not found: %s", to)
	}
	if err := checkAllowlist(sender, to); err != nil {
		return nil, err
	}

	m := Message{
		ID:   s.cfg.NewID(),
		TS:   s.nextTimestampLocked(),
		From: from,
		To:   to,
		Body: input.Body,
	}
	if input.Meta != nil {
		m.Meta = copyMeta(input.Meta)
	}
	s.appendLocked(to, m)

	cp := m
	return &cp, nil
}

// ReadMessages returns up to Max messages from the head of the mailbox,
// oldest first. With Drain set it removes exactly the returned messages,
// leaving the remainder in original order.
func (s *Store) ReadMessages(input ReadMessagesInput) (*ReadResult, error) {
	agentID := strings.TrimSpace(input.AgentID)
	if agentID == "" {
		return nil, newError(CodeValidation, "agent_id is required")
	}
	if input.Max < 0 {
		return nil, newError(CodeValidation, "max must be a non-negative integer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.requireAgentLocked(agentID)
	if err != nil {
		return nil, err
	}
	if err := checkToken(agent, input.Token); err != nil {
		return nil, err
	}

	box := s.state.mailboxes[agentID]
	n := input.Max
	if n > len(box) {
		n = len(box)
	}
	out := append([]Message{}, box[:n]...)
	if input.Drain {
		s.state.mailboxes[agentID] = append([]Message{}, box[n:]...)
	}

	return &ReadResult{
		AgentID:   agentID,
		Count:     len(out),
		Remaining: len(s.state.mailboxes[agentID]),
		Messages:  out,
	}, nil
}

// Peek returns the number of messages queued for one agent without consuming
// or revealing them. Unknown mailboxes count as zero; no authentication.
func (s *Store) Peek(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.mailboxes[agentID])
}

// PeekAll returns counts for every mailbox known to the store, including
// empty ones and any left behind by unregistered agents.
func (s *Store) PeekAll() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.state.mailboxes))
	for id, box := range s.state.mailboxes {
		out[id] = len(box)
	}
	return out
}

func (s *Store) Health() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := 0
	for _, box := range s.state.mailboxes {
		queued += len(box)
	}
	return map[string]any{
		"ok":        true,
		"status":    "healthy",
		"agents":    len(s.state.agents),
		"mailboxes": len(s.state.mailboxes),
		"queued":    queued,
	}
}
