package rooms

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parleylabs/parley/internal/bus"
	"github.com/parleylabs/parley/internal/store"
	"github.com/parleylabs/parley/internal/store/mem"
	"github.com/parleylabs/parley/pkg/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) record(e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

func newService(t *testing.T) (*Service, *recorder) {
	t.Helper()
	b := bus.New()
	rec := &recorder{}
	b.Subscribe("test", rec.record)
	svc := New(mem.New(), b)
	svc.SetClock(func() time.Time {
		return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	})
	return svc, rec
}

func TestCreateAgentSoloSelfMembership(t *testing.T) {
	svc, _ := newService(t)
	a, err := svc.CreateAgent(CreateParams{Name: "ada", Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	m, err := svc.Store().GetMembership(a.ID, a.ID)
	if err != nil {
		t.Fatalf("self membership missing: %v", err)
	}
	if m.AttentionPct != 100 || m.Dynamic {
		t.Errorf("solo self membership: %+v", m)
	}
	if !m.SelfRoom() {
		t.Error("not a self room")
	}
}

func TestCreateAgentIntoRoom(t *testing.T) {
	svc, rec := newService(t)
	host, err := svc.CreateAgent(CreateParams{Name: "host"})
	if err != nil {
		t.Fatal(err)
	}
	guest, err := svc.CreateAgent(CreateParams{Name: "guest", InRoomID: &host.ID})
	if err != nil {
		t.Fatal(err)
	}

	self, _ := svc.Store().GetMembership(guest.ID, guest.ID)
	if self.AttentionPct != 50 {
		t.Errorf("self attention when born into a room: %v", self.AttentionPct)
	}
	joined, err := svc.Store().GetMembership(guest.ID, host.ID)
	if err != nil {
		t.Fatal(err)
	}
	if joined.AttentionPct != 50 || joined.Dynamic {
		t.Errorf("host-room membership: %+v", joined)
	}

	msgs, _ := svc.Store().ListMessagesForRoom(host.ID)
	if len(msgs) != 1 || msgs[0].Type != store.MessageSystem || msgs[0].Content != "guest has joined" {
		t.Errorf("join announcement: %#v", msgs)
	}

	var sawMembership, sawCreated bool
	for _, n := range rec.names() {
		switch n {
		case protocol.EventMembershipChanged:
			sawMembership = true
		case protocol.EventAgentCreated:
			sawCreated = true
		}
	}
	if !sawMembership || !sawCreated {
		t.Errorf("events: %v", rec.names())
	}
}

func TestJoinIdempotentAndSnapshotsTail(t *testing.T) {
	svc, _ := newService(t)
	host, _ := svc.CreateAgent(CreateParams{Name: "host"})
	other, _ := svc.CreateAgent(CreateParams{Name: "other"})

	// Pre-join traffic the newcomer must not replay.
	for i := 0; i < 3; i++ {
		if err := svc.SystemMessage(host.ID, "old news"); err != nil {
			t.Fatal(err)
		}
	}
	tail, _ := svc.Store().ListMessagesForRoom(host.ID)
	want := tail[len(tail)-1].Seq

	m, err := svc.Join(other.ID, host.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.LastSeq != want {
		t.Errorf("LastSeq = %d, want %d", m.LastSeq, want)
	}
	if !m.Dynamic {
		t.Error("plain joins default to dynamic attention")
	}

	again, err := svc.Join(other.ID, host.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.LastSeq != m.LastSeq || again.JoinedAt != m.JoinedAt {
		t.Errorf("join not idempotent: %+v vs %+v", again, m)
	}
	msgs, _ := svc.Store().ListMessagesForRoom(host.ID)
	joins := 0
	for _, msg := range msgs {
		if msg.Content == "other has joined" {
			joins++
		}
	}
	if joins != 1 {
		t.Errorf("join announced %d times", joins)
	}
}

func TestLeave(t *testing.T) {
	svc, _ := newService(t)
	host, _ := svc.CreateAgent(CreateParams{Name: "host"})
	other, _ := svc.CreateAgent(CreateParams{Name: "other"})
	if _, err := svc.Join(other.ID, host.ID); err != nil {
		t.Fatal(err)
	}

	if err := svc.Leave(other.ID, other.ID); !errors.Is(err, ErrSelfRoom) {
		t.Errorf("self-room leave err = %v", err)
	}
	if err := svc.Leave(other.ID, host.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Store().GetMembership(other.ID, host.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("membership survives leave: %v", err)
	}
	msgs, _ := svc.Store().ListMessagesForRoom(host.ID)
	if msgs[len(msgs)-1].Content != "other has left" {
		t.Errorf("leave announcement: %q", msgs[len(msgs)-1].Content)
	}
}

func TestDeleteAgent(t *testing.T) {
	svc, rec := newService(t)
	arch, err := svc.EnsureArchitect("Architect")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := svc.CreateAgent(CreateParams{Name: "doomed", InRoomID: &arch.ID})

	if err := svc.DeleteAgent(arch.ID); !errors.Is(err, ErrArchitect) {
		t.Errorf("architect delete err = %v", err)
	}
	if err := svc.DeleteAgent(a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Store().GetAgent(a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("agent survives retirement")
	}
	msgs, _ := svc.Store().ListMessagesForRoom(arch.ID)
	if msgs[len(msgs)-1].Content != "doomed has retired" {
		t.Errorf("retire announcement: %q", msgs[len(msgs)-1].Content)
	}
	found := false
	for _, n := range rec.names() {
		if n == protocol.EventAgentRetired {
			found = true
		}
	}
	if !found {
		t.Errorf("no retirement event: %v", rec.names())
	}
}

func TestEnsureArchitectSingleton(t *testing.T) {
	svc, _ := newService(t)
	first, err := svc.EnsureArchitect("Architect")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.EnsureArchitect("Other")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("second EnsureArchitect created a new agent: %d vs %d", second.ID, first.ID)
	}
	if _, err := svc.CreateAgent(CreateParams{Name: "imposter", IsArchitect: true}); err == nil {
		t.Error("second architect creation allowed")
	}
}

func TestSetStatus(t *testing.T) {
	svc, rec := newService(t)
	a, _ := svc.CreateAgent(CreateParams{Name: "a"})
	if err := svc.SetStatus(a.ID, store.StatusThinking); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Store().GetAgent(a.ID)
	if got.Status != store.StatusThinking {
		t.Errorf("status = %s", got.Status)
	}
	before := len(rec.names())
	if err := svc.SetStatus(a.ID, store.StatusThinking); err != nil {
		t.Fatal(err)
	}
	if len(rec.names()) != before {
		t.Error("no-op status change broadcast an event")
	}
}
