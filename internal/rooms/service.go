// Package rooms owns agent, membership, and message lifecycle. A room is the
// conversation owned by an agent; room ids and agent ids coincide, and every
// agent is a member of its own room.
package rooms

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleylabs/parley/internal/bus"
	"github.com/parleylabs/parley/internal/store"
	"github.com/parleylabs/parley/pkg/protocol"
)

var (
	// ErrSelfRoom is returned for operations forbidden on an agent's own room.
	ErrSelfRoom = errors.New("rooms: cannot leave own room")
	// ErrArchitect guards the singleton human-proxy agent from retirement.
	ErrArchitect = errors.New("rooms: the architect cannot be deleted")
)

// Service is the single writer for room state. All mutation goes through it
// so invariants (self-membership, architect singleton, system messages)
// cannot be bypassed.
type Service struct {
	store store.Store
	bus   bus.Publisher
	now   func() time.Time
}

func New(st store.Store, pub bus.Publisher) *Service {
	return &Service{store: st, bus: pub, now: time.Now}
}

// SetClock overrides the service clock for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Store exposes the backing store for read paths (HUD builder).
func (s *Service) Store() store.Store { return s.store }

// CreateParams describes a new agent.
type CreateParams struct {
	Name         string
	SeedPrompt   string
	Kind         store.AgentKind
	Model        string
	InRoomID     *int64 // optional room to join at birth
	TokenBudget  int
	IntervalSecs float64
	WPM          int
	MayCreate    bool
	IsArchitect  bool
}

// CreateAgent persists a new agent, gives it its self-membership, and
// optionally joins it into an existing room with a birth announcement.
func (s *Service) CreateAgent(p CreateParams) (*store.Agent, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("rooms: agent name required")
	}
	if p.IsArchitect {
		if _, err := s.store.GetArchitect(); err == nil {
			return nil, fmt.Errorf("rooms: architect already exists")
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if p.Kind == "" {
		p.Kind = store.KindPersona
	}
	if p.TokenBudget <= 0 {
		p.TokenBudget = 8000
	}
	if p.IntervalSecs == 0 {
		p.IntervalSecs = 5
	}
	if p.WPM == 0 {
		p.WPM = 60
	}

	a := &store.Agent{
		Name:             p.Name,
		SeedPrompt:       p.SeedPrompt,
		Kind:             p.Kind,
		Model:            p.Model,
		TokenBudget:      p.TokenBudget,
		KnowledgePct:     30,
		RecentActionsPct: 10,
		RoomsPct:         60,
		IntervalSecs:     store.ClampInterval(p.IntervalSecs),
		WPM:              store.ClampWPM(p.WPM),
		Status:           store.StatusIdle,
		MayCreateAgents:  p.MayCreate,
		IsArchitect:      p.IsArchitect,
		Knowledge:        map[string]any{},
		CreatedAt:        s.now().UTC(),
	}
	if err := s.store.SaveAgent(a); err != nil {
		return nil, fmt.Errorf("rooms: create agent: %w", err)
	}

	// Self-membership: full attention when solo, split when born into a room.
	selfAttention := 100.0
	if p.InRoomID != nil {
		selfAttention = 50
	}
	self := &store.Membership{
		AgentID:      a.ID,
		RoomID:       a.ID,
		JoinedAt:     s.now().UTC(),
		AttentionPct: selfAttention,
	}
	if err := s.store.SaveMembership(self); err != nil {
		return nil, fmt.Errorf("rooms: self membership: %w", err)
	}

	if p.InRoomID != nil {
		if _, err := s.joinWithAttention(a, *p.InRoomID, 50); err != nil {
			return nil, err
		}
	}

	slog.Info("agent created", "id", a.ID, "name", a.Name, "model", a.Model)
	s.bus.Broadcast(bus.Event{Name: protocol.EventAgentCreated, Payload: map[string]any{
		"agent_id": a.ID, "name": a.Name,
	}})
	return a, nil
}

// EnsureArchitect returns the Architect, creating it on first run.
func (s *Service) EnsureArchitect(name string) (*store.Agent, error) {
	arch, err := s.store.GetArchitect()
	if err == nil {
		return arch, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if name == "" {
		name = "Architect"
	}
	return s.CreateAgent(CreateParams{Name: name, Kind: store.KindPersona, IsArchitect: true})
}

// Join adds an agent to a room. Idempotent: an existing membership is
// returned untouched. New memberships snapshot the room's current tail so
// the HUD never replays pre-join history.
func (s *Service) Join(agentID, roomID int64) (*store.Membership, error) {
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return nil, fmt.Errorf("rooms: join: agent %d: %w", agentID, err)
	}
	return s.joinWithAttention(agent, roomID, 0)
}

func (s *Service) joinWithAttention(agent *store.Agent, roomID int64, attention float64) (*store.Membership, error) {
	if existing, err := s.store.GetMembership(agent.ID, roomID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if _, err := s.store.GetAgent(roomID); err != nil {
		return nil, fmt.Errorf("rooms: join: room %d: %w", roomID, err)
	}

	lastSeq := int64(0)
	if msgs, err := s.store.ListMessagesForRoom(roomID); err == nil && len(msgs) > 0 {
		lastSeq = msgs[len(msgs)-1].Seq
	}

	m := &store.Membership{
		AgentID:      agent.ID,
		RoomID:       roomID,
		JoinedAt:     s.now().UTC(),
		LastSeq:      lastSeq,
		AttentionPct: attention,
		Dynamic:      attention == 0,
	}
	if err := s.store.SaveMembership(m); err != nil {
		return nil, fmt.Errorf("rooms: join: %w", err)
	}
	if err := s.SystemMessage(roomID, fmt.Sprintf("%s has joined", agent.Name)); err != nil {
		slog.Warn("join announcement failed", "room", roomID, "error", err)
	}
	s.broadcastMembership(agent.ID, roomID, "joined")
	return m, nil
}

// Leave removes an agent from a room. The self-room membership is permanent.
func (s *Service) Leave(agentID, roomID int64) error {
	if agentID == roomID {
		return ErrSelfRoom
	}
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return fmt.Errorf("rooms: leave: agent %d: %w", agentID, err)
	}
	if err := s.store.DeleteMembership(agentID, roomID); err != nil {
		return fmt.Errorf("rooms: leave: %w", err)
	}
	if err := s.SystemMessage(roomID, fmt.Sprintf("%s has left", agent.Name)); err != nil {
		slog.Warn("leave announcement failed", "room", roomID, "error", err)
	}
	s.broadcastMembership(agentID, roomID, "left")
	return nil
}

// DeleteAgent retires an agent, cascading its room and memberships. The
// Architect is indestructible.
func (s *Service) DeleteAgent(id int64) error {
	agent, err := s.store.GetAgent(id)
	if err != nil {
		return fmt.Errorf("rooms: delete agent %d: %w", id, err)
	}
	if agent.IsArchitect {
		return ErrArchitect
	}
	// Announce into rooms the agent participated in before the cascade.
	memberships, _ := s.store.ListMembershipsForAgent(id)
	if err := s.store.DeleteAgent(id); err != nil {
		return fmt.Errorf("rooms: delete agent %d: %w", id, err)
	}
	for _, m := range memberships {
		if m.RoomID == id {
			continue
		}
		if err := s.SystemMessage(m.RoomID, fmt.Sprintf("%s has retired", agent.Name)); err != nil {
			slog.Warn("retire announcement failed", "room", m.RoomID, "error", err)
		}
	}
	slog.Info("agent retired", "id", id, "name", agent.Name)
	s.bus.Broadcast(bus.Event{Name: protocol.EventAgentRetired, Payload: map[string]any{
		"agent_id": id, "name": agent.Name,
	}})
	return nil
}

// SetStatus updates the scheduler-visible status and notifies observers.
func (s *Service) SetStatus(agentID int64, status store.AgentStatus) error {
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	if agent.Status == status {
		return nil
	}
	agent.Status = status
	if err := s.store.SaveAgent(agent); err != nil {
		return fmt.Errorf("rooms: set status: %w", err)
	}
	s.bus.Broadcast(bus.Event{Name: protocol.EventStatusChanged, Payload: map[string]any{
		"agent_id": agentID, "status": string(status),
	}})
	return nil
}

// PostMessage allocates the next global sequence and persists one message.
func (s *Service) PostMessage(roomID int64, senderID *int64, senderName, content string, typ store.MessageType, replyTo *int64) (*store.Message, error) {
	seq, err := s.store.NextSequence()
	if err != nil {
		return nil, fmt.Errorf("rooms: sequence: %w", err)
	}
	msg := &store.Message{
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
		Timestamp:  s.now().UTC(),
		Seq:        seq,
		Type:       typ,
		ReplyTo:    replyTo,
	}
	if err := s.store.SaveMessage(msg); err != nil {
		return nil, fmt.Errorf("rooms: save message: %w", err)
	}
	s.bus.Broadcast(bus.Event{Name: protocol.EventMessage, Payload: map[string]any{
		"room_id": roomID, "seq": seq, "type": string(typ), "sender": senderName,
	}})
	return msg, nil
}

// SystemMessage posts an unsigned message into a room.
func (s *Service) SystemMessage(roomID int64, content string) error {
	_, err := s.PostMessage(roomID, nil, "system", content, store.MessageSystem, nil)
	return err
}

// NotifyRoomChanged signals billboard or pacing changes on a room.
func (s *Service) NotifyRoomChanged(roomID int64) {
	s.bus.Broadcast(bus.Event{Name: protocol.EventRoomChanged, Payload: map[string]any{
		"room_id": roomID,
	}})
}

func (s *Service) broadcastMembership(agentID, roomID int64, change string) {
	s.bus.Broadcast(bus.Event{Name: protocol.EventMembershipChanged, Payload: map[string]any{
		"agent_id": agentID, "room_id": roomID, "change": change,
	}})
}
