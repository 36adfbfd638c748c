// Package storetest runs the store.Store contract against any backend.
package storetest

import (
	"testing"
	"time"

	"github.com/parleylabs/parley/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises the full Store contract.
func Run(t *testing.T, open Factory) {
	t.Run("AgentRoundTrip", func(t *testing.T) { testAgentRoundTrip(t, open(t)) })
	t.Run("AgentNotFound", func(t *testing.T) { testAgentNotFound(t, open(t)) })
	t.Run("Architect", func(t *testing.T) { testArchitect(t, open(t)) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, open(t)) })
	t.Run("Memberships", func(t *testing.T) { testMemberships(t, open(t)) })
	t.Run("SequenceMonotonic", func(t *testing.T) { testSequenceMonotonic(t, open(t)) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, open(t)) })
}

func newAgent(name string) *store.Agent {
	return &store.Agent{
		Name:             name,
		SeedPrompt:       "seed for " + name,
		Kind:             store.KindPersona,
		Model:            "test-model",
		TokenBudget:      8000,
		KnowledgePct:     30,
		RecentActionsPct: 10,
		RoomsPct:         60,
		IntervalSecs:     5,
		WPM:              60,
		Status:           store.StatusIdle,
		Knowledge:        map[string]any{"note": "hi"},
	}
}

func mustSave(t *testing.T, s store.Store, a *store.Agent) *store.Agent {
	t.Helper()
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if a.ID == 0 {
		t.Fatal("SaveAgent left ID zero")
	}
	return a
}

func testAgentRoundTrip(t *testing.T, s store.Store) {
	defer s.Close()
	until := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	a := newAgent("ada")
	a.SleepUntil = &until
	a.Billboard = "hello"
	mustSave(t, s, a)

	got, err := s.GetAgent(a.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Name != "ada" || got.Model != "test-model" || got.Billboard != "hello" {
		t.Errorf("round trip: %+v", got)
	}
	if got.SleepUntil == nil || !got.SleepUntil.Equal(until) {
		t.Errorf("sleep_until: %v", got.SleepUntil)
	}
	if got.Knowledge["note"] != "hi" {
		t.Errorf("knowledge: %#v", got.Knowledge)
	}

	got.Name = "ada2"
	got.SleepUntil = nil
	if err := s.SaveAgent(got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := s.GetAgent(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Name != "ada2" || again.SleepUntil != nil {
		t.Errorf("update not persisted: %+v", again)
	}
}

func testAgentNotFound(t *testing.T, s store.Store) {
	defer s.Close()
	if _, err := s.GetAgent(999); err != store.ErrNotFound {
		t.Errorf("GetAgent(999) err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteAgent(999); err != store.ErrNotFound {
		t.Errorf("DeleteAgent(999) err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetMembership(1, 2); err != store.ErrNotFound {
		t.Errorf("GetMembership err = %v, want ErrNotFound", err)
	}
}

func testArchitect(t *testing.T, s store.Store) {
	defer s.Close()
	arch := newAgent("architect")
	arch.IsArchitect = true
	mustSave(t, s, arch)
	mustSave(t, s, newAgent("ada"))
	mustSave(t, s, newAgent("lin"))

	got, err := s.GetArchitect()
	if err != nil {
		t.Fatalf("GetArchitect: %v", err)
	}
	if got.ID != arch.ID {
		t.Errorf("architect id %d, want %d", got.ID, arch.ID)
	}
	ai, err := s.ListAIAgents()
	if err != nil {
		t.Fatal(err)
	}
	if len(ai) != 2 {
		t.Errorf("ListAIAgents: %d, want 2", len(ai))
	}
	for _, a := range ai {
		if a.IsArchitect {
			t.Errorf("architect in AI list: %+v", a)
		}
	}
	all, err := s.ListAgents()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("ListAgents: %d, want 3", len(all))
	}
}

func testDeleteCascades(t *testing.T, s store.Store) {
	defer s.Close()
	a := mustSave(t, s, newAgent("a"))
	b := mustSave(t, s, newAgent("b"))
	now := time.Now().UTC()
	for _, m := range []*store.Membership{
		{AgentID: a.ID, RoomID: a.ID, JoinedAt: now, Dynamic: true},
		{AgentID: b.ID, RoomID: b.ID, JoinedAt: now, Dynamic: true},
		{AgentID: b.ID, RoomID: a.ID, JoinedAt: now, Dynamic: true},
	} {
		if err := s.SaveMembership(m); err != nil {
			t.Fatal(err)
		}
	}
	seq, _ := s.NextSequence()
	if err := s.SaveMessage(&store.Message{RoomID: a.ID, Content: "x", Seq: seq, Type: store.MessageText, Timestamp: now}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteAgent(a.ID); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := s.GetAgent(a.ID); err != store.ErrNotFound {
		t.Errorf("agent survives delete: %v", err)
	}
	if ms, _ := s.ListMembersOfRoom(a.ID); len(ms) != 0 {
		t.Errorf("room memberships survive delete: %d", len(ms))
	}
	if ms, _ := s.ListMembershipsForAgent(b.ID); len(ms) != 1 {
		t.Errorf("b should keep only its self membership, has %d", len(ms))
	}
	if msgs, _ := s.ListMessagesForRoom(a.ID); len(msgs) != 0 {
		t.Errorf("messages survive delete: %d", len(msgs))
	}
}

func testMemberships(t *testing.T, s store.Store) {
	defer s.Close()
	a := mustSave(t, s, newAgent("a"))
	b := mustSave(t, s, newAgent("b"))
	joined := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	m := &store.Membership{
		AgentID: a.ID, RoomID: b.ID, JoinedAt: joined, LastSeq: 4,
		AttentionPct: 25, Dynamic: false,
	}
	if err := s.SaveMembership(m); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMembership(a.ID, b.ID)
	if err != nil {
		t.Fatalf("GetMembership: %v", err)
	}
	if !got.JoinedAt.Equal(joined) || got.LastSeq != 4 || got.AttentionPct != 25 || got.Dynamic {
		t.Errorf("membership round trip: %+v", got)
	}
	if got.SelfRoom() {
		t.Error("a in b's room is not a self room")
	}

	respAt := joined.Add(time.Minute)
	got.LastSeq = 9
	got.LastResponseAt = &respAt
	got.LastResponseWords = 12
	if err := s.SaveMembership(got); err != nil {
		t.Fatal(err)
	}
	again, _ := s.GetMembership(a.ID, b.ID)
	if again.LastSeq != 9 || again.LastResponseAt == nil || !again.LastResponseAt.Equal(respAt) || again.LastResponseWords != 12 {
		t.Errorf("membership update: %+v", again)
	}

	if err := s.DeleteMembership(a.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetMembership(a.ID, b.ID); err != store.ErrNotFound {
		t.Errorf("membership survives delete: %v", err)
	}
}

func testSequenceMonotonic(t *testing.T, s store.Store) {
	defer s.Close()
	var last int64
	for i := 0; i < 50; i++ {
		seq, err := s.NextSequence()
		if err != nil {
			t.Fatal(err)
		}
		if seq <= last {
			t.Fatalf("sequence not increasing: %d after %d", seq, last)
		}
		last = seq
	}
}

func testMessages(t *testing.T, s store.Store) {
	defer s.Close()
	room := mustSave(t, s, newAgent("room"))
	sender := mustSave(t, s, newAgent("sender"))
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	var seqs []int64
	for i := 0; i < 3; i++ {
		seq, err := s.NextSequence()
		if err != nil {
			t.Fatal(err)
		}
		seqs = append(seqs, seq)
		msg := &store.Message{
			RoomID: room.ID, SenderID: &sender.ID, SenderName: "sender",
			Content: "m", Timestamp: base.Add(time.Duration(i) * time.Second),
			Seq: seq, Type: store.MessageText,
		}
		if i == 2 {
			msg.SenderID = nil
			msg.Type = store.MessageSystem
			msg.ReplyTo = &seqs[0]
		}
		if err := s.SaveMessage(msg); err != nil {
			t.Fatal(err)
		}
		if msg.ID == 0 {
			t.Fatal("SaveMessage left ID zero")
		}
	}

	msgs, err := s.ListMessagesForRoom(room.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Seq <= msgs[i-1].Seq {
			t.Errorf("out of order: %d then %d", msgs[i-1].Seq, msgs[i].Seq)
		}
	}
	if msgs[2].SenderID != nil || msgs[2].Type != store.MessageSystem || msgs[2].ReplyTo == nil {
		t.Errorf("system message round trip: %+v", msgs[2])
	}

	since, err := s.ListMessagesForRoomSince(room.ID, seqs[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 2 {
		t.Errorf("since: got %d, want 2", len(since))
	}

	if err := s.ClearMessagesForRoom(room.ID); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := s.ListMessagesForRoom(room.ID); len(msgs) != 0 {
		t.Errorf("clear left %d messages", len(msgs))
	}
}
