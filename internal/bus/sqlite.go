package bus

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements bus.API with SQLite-backed persistence. It delegates
// all bus logic to an embedded in-memory Store and writes the mutated
// entities through to SQLite before returning. The agents.position column
// preserves registration order across restarts; mailbox rows are keyed by
// (agent_id, position) so FIFO order survives a reload.
type SQLiteStore struct {
	inner *Store
	db    *sqlx.DB
	mu    sync.Mutex

	nextPosition int64
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id     TEXT PRIMARY KEY,
	capabilities TEXT NOT NULL DEFAULT '{}',
	allowlist    TEXT NOT NULL DEFAULT '[]',
	token_hash   TEXT NOT NULL DEFAULT '',
	position     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mailboxes (
	agent_id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS mailbox_messages (
	agent_id   TEXT NOT NULL,
	position   INTEGER NOT NULL,
	message_id TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	from_agent TEXT NOT NULL,
	body       TEXT NOT NULL DEFAULT '',
	meta       TEXT,
	PRIMARY KEY (agent_id, position)
);
`

func NewSQLiteStore(dbPath string, cfg Config) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{
		inner: NewStore(cfg),
		db:    db,
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- load all state from SQLite into the in-memory Store ---

func (s *SQLiteStore) loadAll() error {
	if err := s.loadAgents(); err != nil {
		return err
	}
	if err := s.loadMailboxes(); err != nil {
		return err
	}
	return s.loadMessages()
}

func (s *SQLiteStore) loadAgents() error {
	rows, err := s.db.Query("SELECT agent_id, capabilities, allowlist, token_hash, position FROM agents ORDER BY position")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var a Agent
		var capsJSON, allowJSON string
		var position int64
		if err := rows.Scan(&a.AgentID, &capsJSON, &allowJSON, &a.TokenHash, &position); err != nil {
			return err
		}
		_ = json.Unmarshal([]byte(capsJSON), &a.Capabilities)
		_ = json.Unmarshal([]byte(allowJSON), &a.Allowlist)
		if a.Capabilities == nil {
			a.Capabilities = map[string]any{}
		}
		if a.Allowlist == nil {
			a.Allowlist = []string{}
		}
		s.inner.state.putAgent(&a)
		if position >= s.nextPosition {
			s.nextPosition = position + 1
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) loadMailboxes() error {
	rows, err := s.db.Query("SELECT agent_id FROM mailboxes")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		s.inner.state.ensureMailbox(id)
	}
	return rows.Err()
}

func (s *SQLiteStore) loadMessages() error {
	rows, err := s.db.Query("SELECT agent_id, message_id, ts, from_agent, body, meta FROM mailbox_messages ORDER BY agent_id, position")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var agentID, metaJSON string
		var m Message
		if err := rows.Scan(&agentID, &m.ID, &m.TS, &m.From, &m.Body, &metaJSON); err != nil {
			return err
		}
		m.To = agentID
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &m.Meta)
		}
		s.inner.appendLocked(agentID, m)
		if m.TS > s.inner.lastTS {
			s.inner.lastTS = m.TS
		}
	}
	return rows.Err()
}

// --- persist helpers ---

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func (s *SQLiteStore) saveAgent(a *Agent) error {
	var position int64
	err := s.db.QueryRow("SELECT position FROM agents WHERE agent_id = ?", a.AgentID).Scan(&position)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		position = s.nextPosition
		s.nextPosition++
	case err != nil:
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO agents (agent_id, capabilities, allowlist, token_hash, position)
		VALUES (?, ?, ?, ?, ?)`,
		a.AgentID,
		marshalJSON(a.Capabilities),
		marshalJSON(a.Allowlist),
		a.TokenHash,
		position,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec("INSERT OR IGNORE INTO mailboxes (agent_id) VALUES (?)", a.AgentID)
	return err
}

func (s *SQLiteStore) deleteAgent(agentID string) error {
	if _, err := s.db.Exec("DELETE FROM agents WHERE agent_id = ?", agentID); err != nil {
		return err
	}
	if _, err := s.db.Exec("DELETE FROM mailboxes WHERE agent_id = ?", agentID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM mailbox_messages WHERE agent_id = ?", agentID)
	return err
}

// saveMailbox rewrites one mailbox wholesale. Mailboxes are head-drained
// queues, so rewriting beats tracking per-row position shifts.
func (s *SQLiteStore) saveMailbox(agentID string) error {
	s.inner.mu.Lock()
	box := append([]Message{}, s.inner.state.mailboxes[agentID]...)
	s.inner.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM mailbox_messages WHERE agent_id = ?", agentID); err != nil {
		return err
	}
	for i, m := range box {
		meta := ""
		if m.Meta != nil {
			meta = marshalJSON(m.Meta)
		}
		if _, err := s.db.Exec(`INSERT INTO mailbox_messages (agent_id, position, message_id, ts, from_agent, body, meta)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			agentID, i, m.ID, m.TS, m.From, m.Body, meta,
		); err != nil {
			return err
		}
	}
	_, err := s.db.Exec("INSERT OR IGNORE INTO mailboxes (agent_id) VALUES (?)", agentID)
	return err
}

func persistError(err error) error {
	return NewInternalError("persist state: " + err.Error())
}

// --- bus.API implementation ---

func (s *SQLiteStore) RegisterAgent(input RegisterAgentInput) (*Agent, error) {
	out, err := s.inner.RegisterAgent(input)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if perr := s.saveAgent(out); perr != nil {
		return nil, persistError(perr)
	}
	return out, nil
}

func (s *SQLiteStore) UnregisterAgent(input UnregisterAgentInput) error {
	if err := s.inner.UnregisterAgent(input); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// The inner store trims the id; delete under the same canonical key or
	// the rows would outlive the agent.
	if perr := s.deleteAgent(strings.TrimSpace(input.AgentID)); perr != nil {
		return persistError(perr)
	}
	return nil
}

func (s *SQLiteStore) ListAgents() []AgentView {
	return s.inner.ListAgents()
}

func (s *SQLiteStore) SendMessage(input SendMessageInput) (*Message, error) {
	m, err := s.inner.SendMessage(input)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if perr := s.saveMailbox(m.To); perr != nil {
		return nil, persistError(perr)
	}
	return m, nil
}

func (s *SQLiteStore) ReadMessages(input ReadMessagesInput) (*ReadResult, error) {
	out, err := s.inner.ReadMessages(input)
	if err != nil {
		return nil, err
	}
	if input.Drain {
		s.mu.Lock()
		defer s.mu.Unlock()
		if perr := s.saveMailbox(out.AgentID); perr != nil {
			return nil, persistError(perr)
		}
	}
	return out, nil
}

func (s *SQLiteStore) Peek(agentID string) int {
	return s.inner.Peek(agentID)
}

func (s *SQLiteStore) PeekAll() map[string]int {
	return s.inner.PeekAll()
}

func (s *SQLiteStore) Health() map[string]any {
	return s.inner.Health()
}

var _ API = (*SQLiteStore)(nil)
