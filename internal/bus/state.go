package bus

// State is the single persisted aggregate: every registered agent plus every
// mailbox. The Store owns exactly one State per process; other components only
// borrow it under the Store's lock. Mailbox existence is tracked independently
// of agent existence so that a stray mailbox entry in restored storage cannot
// break message operations.
type State struct {
	agents     map[string]*Agent
	agentOrder []string // registration order, preserved through persistence
	mailboxes  map[string][]Message
}

func NewState() *State {
	return &State{
		agents:    map[string]*Agent{},
		mailboxes: map[string][]Message{},
	}
}

// putAgent inserts or fully replaces the record for an agent id. A
// replacement keeps the agent's original position in the listing order.
func (st *State) putAgent(a *Agent) {
	if _, ok := st.agents[a.AgentID]; !ok {
		st.agentOrder = append(st.agentOrder, a.AgentID)
	}
	st.agents[a.AgentID] = a
}

func (st *State) removeAgent(agentID string) {
	delete(st.agents, agentID)
	for i, id := range st.agentOrder {
		if id == agentID {
			st.agentOrder = append(st.agentOrder[:i], st.agentOrder[i+1:]...)
			break
		}
	}
}

// ensureMailbox creates an empty mailbox for agentID if none exists. An
// existing mailbox is left untouched.
func (st *State) ensureMailbox(agentID string) {
	if _, ok := st.mailboxes[agentID]; !ok {
		st.mailboxes[agentID] = []Message{}
	}
}

func copyMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
