// Package mem is an in-memory store.Store used by tests and by ephemeral
// runs that do not want a database file.
package mem

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/parleylabs/parley/internal/store"
)

// Store keeps everything in maps under one mutex. Records are deep-copied on
// the way in and out so callers never share mutable state.
type Store struct {
	mu          sync.Mutex
	agents      map[int64]*store.Agent
	memberships map[[2]int64]*store.Membership
	messages    []*store.Message
	nextAgentID int64
	nextMsgID   int64
	nextSeq     int64
}

func New() *Store {
	return &Store{
		agents:      make(map[int64]*store.Agent),
		memberships: make(map[[2]int64]*store.Membership),
	}
}

func (s *Store) GetAgent(id int64) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyAgent(a), nil
}

func (s *Store) SaveAgent(a *store.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		s.nextAgentID++
		a.ID = s.nextAgentID
	} else if a.ID > s.nextAgentID {
		s.nextAgentID = a.ID
	}
	s.agents[a.ID] = copyAgent(a)
	return nil
}

func (s *Store) DeleteAgent(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.agents, id)
	for key := range s.memberships {
		if key[0] == id || key[1] == id {
			delete(s.memberships, key)
		}
	}
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.RoomID != id {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	return nil
}

func (s *Store) ListAgents() ([]*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListAIAgents() ([]*store.Agent, error) {
	all, _ := s.ListAgents()
	out := all[:0]
	for _, a := range all {
		if !a.IsArchitect {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) GetArchitect() (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.IsArchitect {
			return copyAgent(a), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetMembership(agentID, roomID int64) (*store.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[[2]int64{agentID, roomID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyMembership(m), nil
}

func (s *Store) ListMembershipsForAgent(agentID int64) ([]*store.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Membership
	for _, m := range s.memberships {
		if m.AgentID == agentID {
			out = append(out, copyMembership(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

func (s *Store) ListMembersOfRoom(roomID int64) ([]*store.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Membership
	for _, m := range s.memberships {
		if m.RoomID == roomID {
			out = append(out, copyMembership(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *Store) SaveMembership(m *store.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[[2]int64{m.AgentID, m.RoomID}] = copyMembership(m)
	return nil
}

func (s *Store) DeleteMembership(agentID, roomID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{agentID, roomID}
	if _, ok := s.memberships[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.memberships, key)
	return nil
}

func (s *Store) NextSequence() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	return s.nextSeq, nil
}

func (s *Store) SaveMessage(msg *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsgID++
	msg.ID = s.nextMsgID
	s.messages = append(s.messages, copyMessage(msg))
	return nil
}

func (s *Store) ListMessagesForRoom(roomID int64) ([]*store.Message, error) {
	return s.ListMessagesForRoomSince(roomID, 0)
}

func (s *Store) ListMessagesForRoomSince(roomID, seq int64) ([]*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Message
	for _, m := range s.messages {
		if m.RoomID == roomID && m.Seq > seq {
			out = append(out, copyMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) ClearMessagesForRoom(roomID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.RoomID != roomID {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	return nil
}

func (s *Store) Close() error { return nil }

func copyAgent(a *store.Agent) *store.Agent {
	out := *a
	if a.SleepUntil != nil {
		t := *a.SleepUntil
		out.SleepUntil = &t
	}
	out.Knowledge = copyTree(a.Knowledge)
	return &out
}

// copyTree deep-copies a knowledge document via JSON, which also normalizes
// numeric types the way every backend round trip would.
func copyTree(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func copyMembership(m *store.Membership) *store.Membership {
	out := *m
	if m.LastResponseAt != nil {
		t := *m.LastResponseAt
		out.LastResponseAt = &t
	}
	return &out
}

func copyMessage(m *store.Message) *store.Message {
	out := *m
	if m.SenderID != nil {
		v := *m.SenderID
		out.SenderID = &v
	}
	if m.ReplyTo != nil {
		v := *m.ReplyTo
		out.ReplyTo = &v
	}
	return &out
}
