// Package store defines the persistence contract for agents, memberships,
// and messages, plus the record types the rest of the system passes around.
// Every room is the conversation owned by an agent: room ids and agent ids
// are the same number space.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned by lookups for absent records.
var ErrNotFound = errors.New("store: not found")

// AgentKind distinguishes user-facing personas from utility bots.
type AgentKind string

const (
	KindPersona AgentKind = "persona"
	KindBot     AgentKind = "bot"
)

// AgentStatus is the scheduler-visible lifecycle state.
type AgentStatus string

const (
	StatusIdle     AgentStatus = "idle"
	StatusThinking AgentStatus = "thinking"
	StatusTyping   AgentStatus = "typing"
	StatusSleeping AgentStatus = "sleeping"
)

// MessageType tags a message's origin.
type MessageType string

const (
	MessageText    MessageType = "text"
	MessageSystem  MessageType = "system"
	MessageImage   MessageType = "image"
	MessageStarter MessageType = "starter"
)

// Agent is one agent and, by identity, the room it owns.
type Agent struct {
	ID         int64
	Name       string
	SeedPrompt string
	Kind       AgentKind
	Model      string

	TokenBudget      int
	KnowledgePct     int
	RecentActionsPct int
	RoomsPct         int

	IntervalSecs float64 // heartbeat, clamped to [1,10]
	WPM          int     // typing speed, clamped to [10,200]

	Status     AgentStatus
	SleepUntil *time.Time

	MayCreateAgents bool
	IsArchitect     bool

	Knowledge map[string]any // persisted as a JSON blob
	Billboard string

	CreatedAt time.Time
}

// Membership links an agent to a room it participates in.
type Membership struct {
	AgentID int64
	RoomID  int64

	JoinedAt time.Time
	LastSeq  int64 // last sequence seen at join or send

	LastResponseAt    *time.Time
	LastResponseWords int

	AttentionPct float64 // share of the rooms monitor, ignored when Dynamic
	Dynamic      bool
}

// SelfRoom reports whether this is the agent's membership in its own room.
func (m *Membership) SelfRoom() bool { return m.AgentID == m.RoomID }

// Message is one append-only room message. SenderID is nil for system
// messages; Seq is globally monotonic across all rooms.
type Message struct {
	ID         int64
	RoomID     int64
	SenderID   *int64
	SenderName string
	Content    string
	Timestamp  time.Time
	Seq        int64
	Type       MessageType
	ReplyTo    *int64
}

// Store is the persistence backend. Implementations are safe for concurrent
// use; callers never see partially written records.
type Store interface {
	// Agents. SaveAgent inserts when ID is zero (assigning the id) and
	// updates otherwise. DeleteAgent cascades to the agent's memberships,
	// to memberships in the agent's room, and to the room's messages.
	GetAgent(id int64) (*Agent, error)
	SaveAgent(a *Agent) error
	DeleteAgent(id int64) error
	ListAgents() ([]*Agent, error)
	ListAIAgents() ([]*Agent, error) // everyone but the Architect
	GetArchitect() (*Agent, error)

	// Memberships. SaveMembership upserts on (agent_id, room_id).
	GetMembership(agentID, roomID int64) (*Membership, error)
	ListMembershipsForAgent(agentID int64) ([]*Membership, error)
	ListMembersOfRoom(roomID int64) ([]*Membership, error)
	SaveMembership(m *Membership) error
	DeleteMembership(agentID, roomID int64) error

	// Messages. NextSequence is strictly monotonic across the whole store.
	// SaveMessage assigns the message id. Listings come back in ascending
	// sequence order.
	NextSequence() (int64, error)
	SaveMessage(msg *Message) error
	ListMessagesForRoom(roomID int64) ([]*Message, error)
	ListMessagesForRoomSince(roomID, seq int64) ([]*Message, error)
	ClearMessagesForRoom(roomID int64) error

	Close() error
}

// ClampInterval bounds a heartbeat interval to the legal range.
func ClampInterval(secs float64) float64 {
	if secs < 1 {
		return 1
	}
	if secs > 10 {
		return 10
	}
	return secs
}

// ClampWPM bounds a typing speed to the legal range.
func ClampWPM(wpm int) int {
	if wpm < 10 {
		return 10
	}
	if wpm > 200 {
		return 200
	}
	return wpm
}
