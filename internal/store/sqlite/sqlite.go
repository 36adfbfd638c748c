// Package sqlite is the default store.Store backend, a single-file database
// via the pure-Go driver.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parleylabs/parley/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	name               TEXT NOT NULL,
	seed_prompt        TEXT NOT NULL DEFAULT '',
	kind               TEXT NOT NULL DEFAULT 'persona',
	model              TEXT NOT NULL DEFAULT '',
	token_budget       INTEGER NOT NULL DEFAULT 8000,
	knowledge_pct      INTEGER NOT NULL DEFAULT 30,
	recent_actions_pct INTEGER NOT NULL DEFAULT 10,
	rooms_pct          INTEGER NOT NULL DEFAULT 60,
	interval_secs      REAL NOT NULL DEFAULT 5,
	wpm                INTEGER NOT NULL DEFAULT 60,
	status             TEXT NOT NULL DEFAULT 'idle',
	sleep_until        TEXT,
	may_create_agents  INTEGER NOT NULL DEFAULT 0,
	is_architect       INTEGER NOT NULL DEFAULT 0,
	knowledge          TEXT NOT NULL DEFAULT '{}',
	billboard          TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS memberships (
	agent_id            INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	room_id             INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	joined_at           TEXT NOT NULL,
	last_seq            INTEGER NOT NULL DEFAULT 0,
	last_response_at    TEXT,
	last_response_words INTEGER NOT NULL DEFAULT 0,
	attention_pct       REAL NOT NULL DEFAULT 0,
	dynamic             INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (agent_id, room_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id     INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	sender_id   INTEGER,
	sender_name TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	seq         INTEGER NOT NULL UNIQUE,
	type        TEXT NOT NULL DEFAULT 'text',
	reply_to    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room_id, seq);

CREATE TABLE IF NOT EXISTS sequence_counter (
	id    INTEGER PRIMARY KEY CHECK (id = 1),
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO sequence_counter (id, value) VALUES (1, 0);
`

// Store implements store.Store over one SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" works for
// tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under concurrency.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

const agentCols = `id, name, seed_prompt, kind, model, token_budget,
	knowledge_pct, recent_actions_pct, rooms_pct, interval_secs, wpm,
	status, sleep_until, may_create_agents, is_architect, knowledge,
	billboard, created_at`

func (s *Store) GetAgent(id int64) (*store.Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentCols+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

func (s *Store) SaveAgent(a *store.Agent) error {
	knowledge, err := json.Marshal(knowledgeOrEmpty(a.Knowledge))
	if err != nil {
		return fmt.Errorf("sqlite: encode knowledge: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.ID == 0 {
		res, err := s.db.Exec(`INSERT INTO agents
			(name, seed_prompt, kind, model, token_budget,
			 knowledge_pct, recent_actions_pct, rooms_pct, interval_secs, wpm,
			 status, sleep_until, may_create_agents, is_architect, knowledge,
			 billboard, created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			a.Name, a.SeedPrompt, string(a.Kind), a.Model, a.TokenBudget,
			a.KnowledgePct, a.RecentActionsPct, a.RoomsPct, a.IntervalSecs, a.WPM,
			string(a.Status), encodeTimePtr(a.SleepUntil), a.MayCreateAgents, a.IsArchitect,
			string(knowledge), a.Billboard, encodeTime(a.CreatedAt))
		if err != nil {
			return fmt.Errorf("sqlite: insert agent: %w", err)
		}
		a.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("sqlite: agent id: %w", err)
		}
		return nil
	}
	_, err = s.db.Exec(`INSERT INTO agents
		(id, name, seed_prompt, kind, model, token_budget,
		 knowledge_pct, recent_actions_pct, rooms_pct, interval_secs, wpm,
		 status, sleep_until, may_create_agents, is_architect, knowledge,
		 billboard, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			seed_prompt = excluded.seed_prompt,
			kind = excluded.kind,
			model = excluded.model,
			token_budget = excluded.token_budget,
			knowledge_pct = excluded.knowledge_pct,
			recent_actions_pct = excluded.recent_actions_pct,
			rooms_pct = excluded.rooms_pct,
			interval_secs = excluded.interval_secs,
			wpm = excluded.wpm,
			status = excluded.status,
			sleep_until = excluded.sleep_until,
			may_create_agents = excluded.may_create_agents,
			is_architect = excluded.is_architect,
			knowledge = excluded.knowledge,
			billboard = excluded.billboard`,
		a.ID, a.Name, a.SeedPrompt, string(a.Kind), a.Model, a.TokenBudget,
		a.KnowledgePct, a.RecentActionsPct, a.RoomsPct, a.IntervalSecs, a.WPM,
		string(a.Status), encodeTimePtr(a.SleepUntil), a.MayCreateAgents, a.IsArchitect,
		string(knowledge), a.Billboard, encodeTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: upsert agent %d: %w", a.ID, err)
	}
	return nil
}

func (s *Store) DeleteAgent(id int64) error {
	res, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete agent %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	// Memberships where this agent is a member elsewhere are covered by the
	// agent_id cascade; the room-side cascade handles the rest.
	return nil
}

func (s *Store) ListAgents() ([]*store.Agent, error) {
	return s.queryAgents(`SELECT ` + agentCols + ` FROM agents ORDER BY id`)
}

func (s *Store) ListAIAgents() ([]*store.Agent, error) {
	return s.queryAgents(`SELECT ` + agentCols + ` FROM agents WHERE is_architect = 0 ORDER BY id`)
}

func (s *Store) GetArchitect() (*store.Agent, error) {
	row := s.db.QueryRow(`SELECT ` + agentCols + ` FROM agents WHERE is_architect = 1 LIMIT 1`)
	return scanAgent(row)
}

func (s *Store) queryAgents(query string, args ...any) ([]*store.Agent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list agents: %w", err)
	}
	defer rows.Close()
	var out []*store.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*store.Agent, error) {
	var a store.Agent
	var kind, status, knowledge, createdAt string
	var sleepUntil sql.NullString
	err := row.Scan(&a.ID, &a.Name, &a.SeedPrompt, &kind, &a.Model, &a.TokenBudget,
		&a.KnowledgePct, &a.RecentActionsPct, &a.RoomsPct, &a.IntervalSecs, &a.WPM,
		&status, &sleepUntil, &a.MayCreateAgents, &a.IsArchitect, &knowledge,
		&a.Billboard, &createdAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan agent: %w", err)
	}
	a.Kind = store.AgentKind(kind)
	a.Status = store.AgentStatus(status)
	a.SleepUntil = decodeTimePtr(sleepUntil)
	a.CreatedAt = decodeTime(createdAt)
	if err := json.Unmarshal([]byte(knowledge), &a.Knowledge); err != nil {
		a.Knowledge = map[string]any{}
	}
	return &a, nil
}

func (s *Store) GetMembership(agentID, roomID int64) (*store.Membership, error) {
	row := s.db.QueryRow(`SELECT agent_id, room_id, joined_at, last_seq,
		last_response_at, last_response_words, attention_pct, dynamic
		FROM memberships WHERE agent_id = ? AND room_id = ?`, agentID, roomID)
	return scanMembership(row)
}

func (s *Store) ListMembershipsForAgent(agentID int64) ([]*store.Membership, error) {
	return s.queryMemberships(`SELECT agent_id, room_id, joined_at, last_seq,
		last_response_at, last_response_words, attention_pct, dynamic
		FROM memberships WHERE agent_id = ? ORDER BY room_id`, agentID)
}

func (s *Store) ListMembersOfRoom(roomID int64) ([]*store.Membership, error) {
	return s.queryMemberships(`SELECT agent_id, room_id, joined_at, last_seq,
		last_response_at, last_response_words, attention_pct, dynamic
		FROM memberships WHERE room_id = ? ORDER BY agent_id`, roomID)
}

func (s *Store) queryMemberships(query string, args ...any) ([]*store.Membership, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list memberships: %w", err)
	}
	defer rows.Close()
	var out []*store.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMembership(row scanner) (*store.Membership, error) {
	var m store.Membership
	var joinedAt string
	var lastResponseAt sql.NullString
	err := row.Scan(&m.AgentID, &m.RoomID, &joinedAt, &m.LastSeq,
		&lastResponseAt, &m.LastResponseWords, &m.AttentionPct, &m.Dynamic)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan membership: %w", err)
	}
	m.JoinedAt = decodeTime(joinedAt)
	m.LastResponseAt = decodeTimePtr(lastResponseAt)
	return &m, nil
}

func (s *Store) SaveMembership(m *store.Membership) error {
	_, err := s.db.Exec(`INSERT INTO memberships
		(agent_id, room_id, joined_at, last_seq, last_response_at,
		 last_response_words, attention_pct, dynamic)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(agent_id, room_id) DO UPDATE SET
			last_seq = excluded.last_seq,
			last_response_at = excluded.last_response_at,
			last_response_words = excluded.last_response_words,
			attention_pct = excluded.attention_pct,
			dynamic = excluded.dynamic`,
		m.AgentID, m.RoomID, encodeTime(m.JoinedAt), m.LastSeq,
		encodeTimePtr(m.LastResponseAt), m.LastResponseWords, m.AttentionPct, m.Dynamic)
	if err != nil {
		return fmt.Errorf("sqlite: upsert membership (%d,%d): %w", m.AgentID, m.RoomID, err)
	}
	return nil
}

func (s *Store) DeleteMembership(agentID, roomID int64) error {
	res, err := s.db.Exec(`DELETE FROM memberships WHERE agent_id = ? AND room_id = ?`,
		agentID, roomID)
	if err != nil {
		return fmt.Errorf("sqlite: delete membership (%d,%d): %w", agentID, roomID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) NextSequence() (int64, error) {
	var v int64
	err := s.db.QueryRow(
		`UPDATE sequence_counter SET value = value + 1 WHERE id = 1 RETURNING value`,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("sqlite: next sequence: %w", err)
	}
	return v, nil
}

func (s *Store) SaveMessage(msg *store.Message) error {
	res, err := s.db.Exec(`INSERT INTO messages
		(room_id, sender_id, sender_name, content, timestamp, seq, type, reply_to)
		VALUES (?,?,?,?,?,?,?,?)`,
		msg.RoomID, msg.SenderID, msg.SenderName, msg.Content,
		encodeTime(msg.Timestamp), msg.Seq, string(msg.Type), msg.ReplyTo)
	if err != nil {
		return fmt.Errorf("sqlite: insert message: %w", err)
	}
	msg.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: message id: %w", err)
	}
	return nil
}

func (s *Store) ListMessagesForRoom(roomID int64) ([]*store.Message, error) {
	return s.ListMessagesForRoomSince(roomID, 0)
}

func (s *Store) ListMessagesForRoomSince(roomID, seq int64) ([]*store.Message, error) {
	rows, err := s.db.Query(`SELECT id, room_id, sender_id, sender_name, content,
		timestamp, seq, type, reply_to
		FROM messages WHERE room_id = ? AND seq > ? ORDER BY seq`, roomID, seq)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer rows.Close()
	var out []*store.Message
	for rows.Next() {
		var m store.Message
		var ts, typ string
		var senderID, replyTo sql.NullInt64
		if err := rows.Scan(&m.ID, &m.RoomID, &senderID, &m.SenderName, &m.Content,
			&ts, &m.Seq, &typ, &replyTo); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		m.Timestamp = decodeTime(ts)
		m.Type = store.MessageType(typ)
		if senderID.Valid {
			m.SenderID = &senderID.Int64
		}
		if replyTo.Valid {
			m.ReplyTo = &replyTo.Int64
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) ClearMessagesForRoom(roomID int64) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("sqlite: clear messages for room %d: %w", roomID, err)
	}
	return nil
}

func knowledgeOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func decodeTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := decodeTime(s.String)
	return &t
}
