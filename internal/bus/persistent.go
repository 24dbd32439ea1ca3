package bus

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// persistentState is the on-disk shape of the aggregate. Agents are stored as
// an ordered array so registration order survives a reload.
type persistentState struct {
	Agents    []Agent              `json:"agents"`
	Mailboxes map[string][]Message `json:"mailboxes"`
}

// FileStore wraps a Store with a JSON blob on disk. The whole aggregate is
// rewritten synchronously after every mutating operation, before the result
// is returned to the caller. A failed write surfaces as an error even though
// the in-memory state has already changed.
type FileStore struct {
	inner  *Store
	path   string
	mu     sync.Mutex
	logger *log.Logger
}

// NewFileStore loads the blob at path if one exists. A missing or empty file
// starts clean; a corrupt (non-empty, unparsable) file also starts clean but
// logs a warning, since the two cases are worth telling apart.
func NewFileStore(path string, cfg Config) (*FileStore, error) {
	fs := &FileStore{
		inner:  NewStore(cfg),
		path:   path,
		logger: log.New(os.Stdout, "agent-bus ", log.LstdFlags),
	}
	fs.load()
	return fs, nil
}

func (f *FileStore) stateSnapshot() persistentState {
	f.inner.mu.Lock()
	defer f.inner.mu.Unlock()

	state := persistentState{
		Agents:    make([]Agent, 0, len(f.inner.state.agentOrder)),
		Mailboxes: map[string][]Message{},
	}
	for _, id := range f.inner.state.agentOrder {
		cp := *f.inner.state.agents[id]
		cp.Capabilities = copyMeta(cp.Capabilities)
		cp.Allowlist = append([]string{}, cp.Allowlist...)
		state.Agents = append(state.Agents, cp)
	}
	for id, box := range f.inner.state.mailboxes {
		state.Mailboxes[id] = append([]Message{}, box...)
	}
	return state
}

func (f *FileStore) applyState(state persistentState) {
	f.inner.mu.Lock()
	defer f.inner.mu.Unlock()

	f.inner.state = NewState()
	for i := range state.Agents {
		cp := state.Agents[i]
		if cp.Capabilities == nil {
			cp.Capabilities = map[string]any{}
		}
		if cp.Allowlist == nil {
			cp.Allowlist = []string{}
		}
		f.inner.state.putAgent(&cp)
	}
	for id, box := range state.Mailboxes {
		f.inner.state.mailboxes[id] = append([]Message{}, box...)
		for _, m := range box {
			if m.TS > f.inner.lastTS {
				f.inner.lastTS = m.TS
			}
		}
	}
	for _, a := range state.Agents {
		f.inner.state.ensureMailbox(a.AgentID)
	}
}

// load never fails the process: absent, empty, or unreadable storage means a
// fresh aggregate.
func (f *FileStore) load() {
	if f.path == "" {
		return
	}
	blob, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			f.logger.Printf("state file %s unreadable, starting clean: %v", f.path, err)
		}
		return
	}
	if len(blob) == 0 {
		return
	}
	var state persistentState
	if err := json.Unmarshal(blob, &state); err != nil {
		f.logger.Printf("state file %s is corrupt, starting clean: %v", f.path, err)
		return
	}
	f.applyState(state)
}

func (f *FileStore) persist() error {
	if f.path == "" {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	state := f.stateSnapshot()
	blob, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return NewInternalError("marshal state: " + err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return NewInternalError("create state directory: " + err.Error())
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return NewInternalError("write state: " + err.Error())
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return NewInternalError("replace state: " + err.Error())
	}
	return nil
}

// --- bus.API implementation ---

func (f *FileStore) RegisterAgent(input RegisterAgentInput) (*Agent, error) {
	out, err := f.inner.RegisterAgent(input)
	if err != nil {
		return nil, err
	}
	if perr := f.persist(); perr != nil {
		return nil, perr
	}
	return out, nil
}

func (f *FileStore) UnregisterAgent(input UnregisterAgentInput) error {
	if err := f.inner.UnregisterAgent(input); err != nil {
		return err
	}
	return f.persist()
}

func (f *FileStore) ListAgents() []AgentView {
	return f.inner.ListAgents()
}

func (f *FileStore) SendMessage(input SendMessageInput) (*Message, error) {
	m, err := f.inner.SendMessage(input)
	if err != nil {
		return nil, err
	}
	if perr := f.persist(); perr != nil {
		return nil, perr
	}
	return m, nil
}

func (f *FileStore) ReadMessages(input ReadMessagesInput) (*ReadResult, error) {
	out, err := f.inner.ReadMessages(input)
	if err != nil {
		return nil, err
	}
	if input.Drain {
		if perr := f.persist(); perr != nil {
			return nil, perr
		}
	}
	return out, nil
}

func (f *FileStore) Peek(agentID string) int {
	return f.inner.Peek(agentID)
}

func (f *FileStore) PeekAll() map[string]int {
	return f.inner.PeekAll()
}

func (f *FileStore) Health() map[string]any {
	return f.inner.Health()
}

var _ API = (*FileStore)(nil)
