package bus

// API is the storage/service interface consumed by the dispatcher and the
// HTTP layer. It allows swapping the in-memory, file-backed, and
// SQLite-backed implementations.
type API interface {
	RegisterAgent(input RegisterAgentInput) (*Agent, error)
	UnregisterAgent(input UnregisterAgentInput) error
	ListAgents() []AgentView
	SendMessage(input SendMessageInput) (*Message, error)
	ReadMessages(input ReadMessagesInput) (*ReadResult, error)
	Peek(agentID string) int
	PeekAll() map[string]int
	Health() map[string]any
}

var _ API = (*Store)(nil)
