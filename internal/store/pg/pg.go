// Package pg is the Postgres store.Store backend for multi-process
// deployments. Schema is managed by the migrate command; this package only
// assumes the tables exist.
package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/parleylabs/parley/internal/store"
)

// Store implements store.Store over Postgres.
type Store struct {
	db *sql.DB
}

// Open connects and pings.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

const agentCols = `id, name, seed_prompt, kind, model, token_budget,
	knowledge_pct, recent_actions_pct, rooms_pct, interval_secs, wpm,
	status, sleep_until, may_create_agents, is_architect, knowledge,
	billboard, created_at`

func (s *Store) GetAgent(id int64) (*store.Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentCols+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (s *Store) SaveAgent(a *store.Agent) error {
	knowledge, err := json.Marshal(knowledgeOrEmpty(a.Knowledge))
	if err != nil {
		return fmt.Errorf("pg: encode knowledge: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.ID == 0 {
		err := s.db.QueryRow(`INSERT INTO agents
			(name, seed_prompt, kind, model, token_budget,
			 knowledge_pct, recent_actions_pct, rooms_pct, interval_secs, wpm,
			 status, sleep_until, may_create_agents, is_architect, knowledge,
			 billboard, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			RETURNING id`,
			a.Name, a.SeedPrompt, string(a.Kind), a.Model, a.TokenBudget,
			a.KnowledgePct, a.RecentActionsPct, a.RoomsPct, a.IntervalSecs, a.WPM,
			string(a.Status), a.SleepUntil, a.MayCreateAgents, a.IsArchitect,
			string(knowledge), a.Billboard, a.CreatedAt).Scan(&a.ID)
		if err != nil {
			return fmt.Errorf("pg: insert agent: %w", err)
		}
		return nil
	}
	_, err = s.db.Exec(`INSERT INTO agents
		(id, name, seed_prompt, kind, model, token_budget,
		 knowledge_pct, recent_actions_pct, rooms_pct, interval_secs, wpm,
		 status, sleep_until, may_create_agents, is_architect, knowledge,
		 billboard, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
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
		string(a.Status), a.SleepUntil, a.MayCreateAgents, a.IsArchitect,
		string(knowledge), a.Billboard, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: upsert agent %d: %w", a.ID, err)
	}
	return nil
}

func (s *Store) DeleteAgent(id int64) error {
	res, err := s.db.Exec(`DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pg: delete agent %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListAgents() ([]*store.Agent, error) {
	return s.queryAgents(`SELECT ` + agentCols + ` FROM agents ORDER BY id`)
}

func (s *Store) ListAIAgents() ([]*store.Agent, error) {
	return s.queryAgents(`SELECT ` + agentCols + ` FROM agents WHERE NOT is_architect ORDER BY id`)
}

func (s *Store) GetArchitect() (*store.Agent, error) {
	row := s.db.QueryRow(`SELECT ` + agentCols + ` FROM agents WHERE is_architect LIMIT 1`)
	return scanAgent(row)
}

func (s *Store) queryAgents(query string, args ...any) ([]*store.Agent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("pg: list agents: %w", err)
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
	var kind, status, knowledge string
	var sleepUntil sql.NullTime
	err := row.Scan(&a.ID, &a.Name, &a.SeedPrompt, &kind, &a.Model, &a.TokenBudget,
		&a.KnowledgePct, &a.RecentActionsPct, &a.RoomsPct, &a.IntervalSecs, &a.WPM,
		&status, &sleepUntil, &a.MayCreateAgents, &a.IsArchitect, &knowledge,
		&a.Billboard, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg: scan agent: %w", err)
	}
	a.Kind = store.AgentKind(kind)
	a.Status = store.AgentStatus(status)
	if sleepUntil.Valid {
		t := sleepUntil.Time.UTC()
		a.SleepUntil = &t
	}
	a.CreatedAt = a.CreatedAt.UTC()
	if err := json.Unmarshal([]byte(knowledge), &a.Knowledge); err != nil {
		a.Knowledge = map[string]any{}
	}
	return &a, nil
}

func (s *Store) GetMembership(agentID, roomID int64) (*store.Membership, error) {
	row := s.db.QueryRow(`SELECT agent_id, room_id, joined_at, last_seq,
		last_response_at, last_response_words, attention_pct, dynamic
		FROM memberships WHERE agent_id = $1 AND room_id = $2`, agentID, roomID)
	return scanMembership(row)
}

func (s *Store) ListMembershipsForAgent(agentID int64) ([]*store.Membership, error) {
	return s.queryMemberships(`SELECT agent_id, room_id, joined_at, last_seq,
		last_response_at, last_response_words, attention_pct, dynamic
		FROM memberships WHERE agent_id = $1 ORDER BY room_id`, agentID)
}

func (s *Store) ListMembersOfRoom(roomID int64) ([]*store.Membership, error) {
	return s.queryMemberships(`SELECT agent_id, room_id, joined_at, last_seq,
		last_response_at, last_response_words, attention_pct, dynamic
		FROM memberships WHERE room_id = $1 ORDER BY agent_id`, roomID)
}

func (s *Store) queryMemberships(query string, args ...any) ([]*store.Membership, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("pg: list memberships: %w", err)
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
	var lastResponseAt sql.NullTime
	err := row.Scan(&m.AgentID, &m.RoomID, &m.JoinedAt, &m.LastSeq,
		&lastResponseAt, &m.LastResponseWords, &m.AttentionPct, &m.Dynamic)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg: scan membership: %w", err)
	}
	m.JoinedAt = m.JoinedAt.UTC()
	if lastResponseAt.Valid {
		t := lastResponseAt.Time.UTC()
		m.LastResponseAt = &t
	}
	return &m, nil
}

func (s *Store) SaveMembership(m *store.Membership) error {
	_, err := s.db.Exec(`INSERT INTO memberships
		(agent_id, room_id, joined_at, last_seq, last_response_at,
		 last_response_words, attention_pct, dynamic)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (agent_id, room_id) DO UPDATE SET
			last_seq = excluded.last_seq,
			last_response_at = excluded.last_response_at,
			last_response_words = excluded.last_response_words,
			attention_pct = excluded.attention_pct,
			dynamic = excluded.dynamic`,
		m.AgentID, m.RoomID, m.JoinedAt, m.LastSeq,
		m.LastResponseAt, m.LastResponseWords, m.AttentionPct, m.Dynamic)
	if err != nil {
		return fmt.Errorf("pg: upsert membership (%d,%d): %w", m.AgentID, m.RoomID, err)
	}
	return nil
}

func (s *Store) DeleteMembership(agentID, roomID int64) error {
	res, err := s.db.Exec(`DELETE FROM memberships WHERE agent_id = $1 AND room_id = $2`,
		agentID, roomID)
	if err != nil {
		return fmt.Errorf("pg: delete membership (%d,%d): %w", agentID, roomID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) NextSequence() (int64, error) {
	var v int64
	if err := s.db.QueryRow(`SELECT nextval('message_seq')`).Scan(&v); err != nil {
		return 0, fmt.Errorf("pg: next sequence: %w", err)
	}
	return v, nil
}

func (s *Store) SaveMessage(msg *store.Message) error {
	err := s.db.QueryRow(`INSERT INTO messages
		(room_id, sender_id, sender_name, content, timestamp, seq, type, reply_to)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
		msg.RoomID, msg.SenderID, msg.SenderName, msg.Content,
		msg.Timestamp, msg.Seq, string(msg.Type), msg.ReplyTo).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("pg: insert message: %w", err)
	}
	return nil
}

func (s *Store) ListMessagesForRoom(roomID int64) ([]*store.Message, error) {
	return s.ListMessagesForRoomSince(roomID, 0)
}

func (s *Store) ListMessagesForRoomSince(roomID, seq int64) ([]*store.Message, error) {
	rows, err := s.db.Query(`SELECT id, room_id, sender_id, sender_name, content,
		timestamp, seq, type, reply_to
		FROM messages WHERE room_id = $1 AND seq > $2 ORDER BY seq`, roomID, seq)
	if err != nil {
		return nil, fmt.Errorf("pg: list messages: %w", err)
	}
	defer rows.Close()
	var out []*store.Message
	for rows.Next() {
		var m store.Message
		var typ string
		var senderID, replyTo sql.NullInt64
		if err := rows.Scan(&m.ID, &m.RoomID, &senderID, &m.SenderName, &m.Content,
			&m.Timestamp, &m.Seq, &typ, &replyTo); err != nil {
			return nil, fmt.Errorf("pg: scan message: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
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
	if _, err := s.db.Exec(`DELETE FROM messages WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("pg: clear messages for room %d: %w", roomID, err)
	}
	return nil
}

func knowledgeOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
