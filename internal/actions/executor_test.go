package actions

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parleylabs/parley/internal/bus"
	"github.com/parleylabs/parley/internal/rooms"
	"github.com/parleylabs/parley/internal/store"
	"github.com/parleylabs/parley/internal/store/mem"
	"github.com/parleylabs/parley/internal/wire"
)

var t0 = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *rooms.Service
	exec  *Executor
	rings *Rings
	clock *fakeClock
	slept []time.Duration
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: t0}
	svc := rooms.New(mem.New(), bus.New())
	svc.SetClock(clock.Now)
	rings := NewRings(20)
	exec := NewExecutor(svc, rings, Config{DefaultModel: "default-model"})
	exec.SetClock(clock.Now)
	f := &fixture{svc: svc, exec: exec, rings: rings, clock: clock}
	// The fake sleeper records the wait and advances the clock as if it
	// really elapsed.
	exec.SetSleeper(func(ctx context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		clock.Advance(d)
		return ctx.Err()
	})
	return f
}

func (f *fixture) agent(t *testing.T, name string, mutate func(*store.Agent)) *store.Agent {
	t.Helper()
	a, err := f.svc.CreateAgent(rooms.CreateParams{Name: name, Model: "m", WPM: 60})
	if err != nil {
		t.Fatal(err)
	}
	if mutate != nil {
		mutate(a)
		if err := f.svc.Store().SaveAgent(a); err != nil {
			t.Fatal(err)
		}
	}
	return a
}

func (f *fixture) apply(t *testing.T, agentID int64, reply wire.Reply, overBudget bool) {
	t.Helper()
	if err := f.exec.Apply(context.Background(), agentID, reply, overBudget); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func action(kv ...any) map[string]any {
	m := map[string]any{}
	for i := 0; i < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

func lastOutcome(t *testing.T, ring *Ring, kind string) string {
	t.Helper()
	entries := ring.List()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Kind == kind {
			return entries[i].Outcome
		}
	}
	t.Fatalf("no ring entry of kind %q in %#v", kind, entries)
	return ""
}

func TestKnowledgeSetRoundTrip(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "ada", nil)

	f.apply(t, a.ID, wire.Reply{Actions: []map[string]any{
		action("type", "knowledge.set", "path", "mood", "value", "happy"),
	}}, false)

	got, _ := f.svc.Store().GetAgent(a.ID)
	if got.Knowledge["mood"] != "happy" {
		t.Errorf("knowledge: %#v", got.Knowledge)
	}
	if out := lastOutcome(t, f.rings.For(a.ID), "knowledge.set"); out != "ok" {
		t.Errorf("outcome: %q", out)
	}
}

func TestSendWithTypingWait(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "ada", nil) // room WPM 60: one word per second

	// Last response 5s ago; a 10-word chunk needs ~5 more seconds.
	m, _ := f.svc.Store().GetMembership(a.ID, a.ID)
	last := t0.Add(-5 * time.Second)
	m.LastResponseAt = &last
	if err := f.svc.Store().SaveMembership(m); err != nil {
		t.Fatal(err)
	}
	before, _ := f.svc.Store().ListMessagesForRoom(a.ID)
	var priorMax int64
	for _, msg := range before {
		priorMax = msg.Seq
	}

	f.apply(t, a.ID, wire.Reply{Actions: []map[string]any{
		action("kind", "message", "room_id", float64(a.ID),
			"content", "one two three four five six seven eight nine ten"),
	}}, false)

	if len(f.slept) != 1 {
		t.Fatalf("typing waits: %v", f.slept)
	}
	if got := f.slept[0]; got < 4900*time.Millisecond || got > 5100*time.Millisecond {
		t.Errorf("typing wait %v, want ~5s", got)
	}
	msgs, _ := f.svc.Store().ListMessagesForRoom(a.ID)
	sent := msgs[len(msgs)-1]
	if sent.Seq != priorMax+1 {
		t.Errorf("seq %d, want %d", sent.Seq, priorMax+1)
	}
	if sent.SenderID == nil || *sent.SenderID != a.ID {
		t.Errorf("sender: %v", sent.SenderID)
	}
	um, _ := f.svc.Store().GetMembership(a.ID, a.ID)
	if um.LastSeq != sent.Seq || um.LastResponseWords != 10 || um.LastResponseAt == nil {
		t.Errorf("membership not updated: %+v", um)
	}
}

func TestOverBudgetLockout(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "ada", func(a *store.Agent) {
		a.TokenBudget = 500
		a.Knowledge = map[string]any{"bulk": strings.Repeat("x", 2400)}
	})

	f.apply(t, a.ID, wire.Reply{Actions: []map[string]any{
		action("kind", "knowledge.delete", "path", "bulk"),
		action("kind", "message", "room_id", float64(a.ID), "content", "hello"),
	}}, true)

	got, _ := f.svc.Store().GetAgent(a.ID)
	if _, exists := got.Knowledge["bulk"]; exists {
		t.Error("knowledge.delete did not apply under lockout")
	}
	if out := lastOutcome(t, f.rings.For(a.ID), "knowledge.delete"); out != "ok" {
		t.Errorf("delete outcome: %q", out)
	}
	if out := lastOutcome(t, f.rings.For(a.ID), "message"); out != outcomeBlocked {
		t.Errorf("message outcome: %q", out)
	}
	msgs, _ := f.svc.Store().ListMessagesForRoom(a.ID)
	for _, m := range msgs {
		if m.Type == store.MessageText {
			t.Errorf("blocked message was sent: %+v", m)
		}
	}
}

func TestCrossAgentRetirement(t *testing.T) {
	f := newFixture(t)
	creator := f.agent(t, "creator", func(a *store.Agent) { a.MayCreateAgents = true })
	victim := f.agent(t, "victim", nil)
	if _, err := f.svc.Join(victim.ID, creator.ID); err != nil {
		t.Fatal(err)
	}

	f.apply(t, creator.ID, wire.Reply{Actions: []map[string]any{
		action("type", "agent.retire", "agent_id", float64(victim.ID)),
	}}, false)

	if _, err := f.svc.Store().GetAgent(victim.ID); err != store.ErrNotFound {
		t.Error("victim survives retirement")
	}
	if ms, _ := f.svc.Store().ListMembersOfRoom(creator.ID); len(ms) != 1 {
		t.Errorf("victim membership survives: %d members", len(ms))
	}
	msgs, _ := f.svc.Store().ListMessagesForRoom(creator.ID)
	found := false
	for _, m := range msgs {
		if m.Type == store.MessageSystem && strings.Contains(m.Content, "retired") {
			found = true
		}
	}
	if !found {
		t.Error("no retirement system message")
	}
	if out := lastOutcome(t, f.rings.For(creator.ID), "agent.retire"); out != "queued" {
		t.Errorf("retire outcome: %q", out)
	}
}

func TestRetireSelfRejected(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "ada", func(a *store.Agent) { a.MayCreateAgents = true })

	f.apply(t, a.ID, wire.Reply{Actions: []map[string]any{
		action("type", "agent.retire", "agent_id", float64(a.ID)),
	}}, false)

	if _, err := f.svc.Store().GetAgent(a.ID); err != nil {
		t.Error("agent deleted itself")
	}
	if out := lastOutcome(t, f.rings.For(a.ID), "agent.retire"); out != "error: cannot retire yourself" {
		t.Errorf("outcome: %q", out)
	}
}

func TestValidationFailureDoesNotAbortList(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "ada", nil)

	f.apply(t, a.ID, wire.Reply{Actions: []map[string]any{
		action("kind", "room.leave", "room_id", float64(a.ID)), // self room
		action("kind", "knowledge.set", "path", "after", "value", true),
	}}, false)

	if out := lastOutcome(t, f.rings.For(a.ID), "room.leave"); !strings.HasPrefix(out, "error:") {
		t.Errorf("leave outcome: %q", out)
	}
	got, _ := f.svc.Store().GetAgent(a.ID)
	if got.Knowledge["after"] != true {
		t.Error("later action did not run")
	}
}

func TestResponsesShorthandSends(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "ada", nil)

	f.apply(t, a.ID, wire.Reply{Responses: []wire.ReplyMessage{
		{RoomID: a.ID, Content: "first\n\nsecond chunk here"},
	}}, false)

	var texts []string
	msgs, _ := f.svc.Store().ListMessagesForRoom(a.ID)
	for _, m := range msgs {
		if m.Type == store.MessageText {
			texts = append(texts, m.Content)
		}
	}
	if len(texts) != 2 || texts[0] != "first" || texts[1] != "second chunk here" {
		t.Errorf("chunked sends: %#v", texts)
	}
}

func TestSleepAndWake(t *testing.T) {
	f := newFixture(t)
	sleeper := f.agent(t, "sleeper", nil)
	waker := f.agent(t, "waker", nil)
	if _, err := f.svc.Join(waker.ID, sleeper.ID); err != nil {
		t.Fatal(err)
	}

	f.apply(t, sleeper.ID, wire.Reply{Actions: []map[string]any{
		action("kind", "timing.sleep", "until", "2026-08-24T12:00:00Z"),
	}}, false)
	got, _ := f.svc.Store().GetAgent(sleeper.ID)
	if got.SleepUntil == nil || got.Status != store.StatusSleeping {
		t.Fatalf("sleep not applied: %+v", got)
	}

	f.apply(t, waker.ID, wire.Reply{Actions: []map[string]any{
		action("kind", "agent.wake", "agent_id", float64(sleeper.ID)),
	}}, false)
	woken, _ := f.svc.Store().GetAgent(sleeper.ID)
	if woken.SleepUntil != nil || woken.Status != store.StatusIdle {
		t.Errorf("wake not applied: %+v", woken)
	}
}

func TestWakeRequiresSleepingTarget(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a", nil)
	b := f.agent(t, "b", nil)
	if _, err := f.svc.Join(b.ID, a.ID); err != nil {
		t.Fatal(err)
	}

	f.apply(t, a.ID, wire.Reply{Actions: []map[string]any{
		action("kind", "agent.wake", "agent_id", float64(b.ID)),
	}}, false)
	if out := lastOutcome(t, f.rings.For(a.ID), "agent.wake"); !strings.Contains(out, "not sleeping") {
		t.Errorf("outcome: %q", out)
	}
}

func TestCreateRequiresPermissionAndAllowList(t *testing.T) {
	f := newFixture(t)
	plain := f.agent(t, "plain", nil)
	f.apply(t, plain.ID, wire.Reply{Actions: []map[string]any{
		action("kind", "agent.create", "name", "kid", "background_prompt", "bg"),
	}}, false)
	if out := lastOutcome(t, f.rings.For(plain.ID), "agent.create"); !strings.Contains(out, "not permitted") {
		t.Errorf("outcome: %q", out)
	}

	f2 := newFixture(t)
	f2.exec.cfg.ModelAllowList = []string{"small"}
	creator := f2.agent(t, "creator", func(a *store.Agent) { a.MayCreateAgents = true })
	f2.apply(t, creator.ID, wire.Reply{Actions: []map[string]any{
		action("kind", "agent.create", "name", "kid", "background_prompt", "bg", "model", "huge"),
		action("kind", "agent.create", "name", "kid", "background_prompt", "bg", "model", "small",
			"in_room_id", float64(creator.ID)),
	}}, false)
	if out := lastOutcome(t, f2.rings.For(creator.ID), "agent.create"); out != "queued" {
		t.Errorf("allowed create outcome: %q", out)
	}
	agents, _ := f2.svc.Store().ListAgents()
	var kid *store.Agent
	for _, a := range agents {
		if a.Name == "kid" {
			kid = a
		}
	}
	if kid == nil {
		t.Fatal("kid not created")
	}
	if kid.Model != "small" {
		t.Errorf("kid model: %q", kid.Model)
	}
	if _, err := f2.svc.Store().GetMembership(kid.ID, creator.ID); err != nil {
		t.Error("kid not joined into creator's room")
	}
}

func TestBillboardAndWPM(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "ada", nil)

	f.apply(t, a.ID, wire.Reply{Actions: []map[string]any{
		action("kind", "room.billboard", "message", "today: testing"),
		action("kind", "room.wpm", "wpm", float64(500)), // clamps to 200
	}}, false)
	got, _ := f.svc.Store().GetAgent(a.ID)
	if got.Billboard != "today: testing" {
		t.Errorf("billboard: %q", got.Billboard)
	}
	if got.WPM != 200 {
		t.Errorf("wpm: %d", got.WPM)
	}

	f.apply(t, a.ID, wire.Reply{Actions: []map[string]any{
		action("kind", "room.billboard.clear"),
	}}, false)
	got, _ = f.svc.Store().GetAgent(a.ID)
	if got.Billboard != "" {
		t.Errorf("billboard not cleared: %q", got.Billboard)
	}
}

func TestAttentionChange(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a", nil)
	b := f.agent(t, "b", nil)
	if _, err := f.svc.Join(a.ID, b.ID); err != nil {
		t.Fatal(err)
	}

	f.apply(t, a.ID, wire.Reply{Actions: []map[string]any{
		action("kind", "room.attention", "room_id", float64(b.ID), "percent", float64(30)),
	}}, false)
	m, _ := f.svc.Store().GetMembership(a.ID, b.ID)
	if m.Dynamic || m.AttentionPct != 30 {
		t.Errorf("attention: %+v", m)
	}

	f.apply(t, a.ID, wire.Reply{Actions: []map[string]any{
		action("kind", "room.attention", "room_id", float64(b.ID), "percent", "dynamic"),
	}}, false)
	m, _ = f.svc.Store().GetMembership(a.ID, b.ID)
	if !m.Dynamic {
		t.Errorf("attention not dynamic: %+v", m)
	}
}

func TestReactNudgesSenderInterval(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a", nil)
	b := f.agent(t, "b", func(ag *store.Agent) { ag.IntervalSecs = 5 })
	if _, err := f.svc.Join(a.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	msg, err := f.svc.PostMessage(b.ID, &b.ID, "b", "ping", store.MessageText, nil)
	if err != nil {
		t.Fatal(err)
	}

	f.apply(t, a.ID, wire.Reply{Actions: []map[string]any{
		action("kind", "message.react", "message_id", float64(msg.ID), "delta", float64(1)),
	}}, false)
	got, _ := f.svc.Store().GetAgent(b.ID)
	if got.IntervalSecs != 4.5 {
		t.Errorf("interval after positive react: %v", got.IntervalSecs)
	}

	f.apply(t, a.ID, wire.Reply{Actions: []map[string]any{
		action("kind", "message.react", "message_id", float64(msg.ID), "delta", float64(-1)),
	}}, false)
	got, _ = f.svc.Store().GetAgent(b.ID)
	if got.IntervalSecs != 5.0 {
		t.Errorf("interval after negative react: %v", got.IntervalSecs)
	}
}

func TestUnknownActionRecorded(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "ada", nil)
	f.apply(t, a.ID, wire.Reply{Actions: []map[string]any{
		action("kind", "room.paint", "color", "red"),
	}}, false)
	if out := lastOutcome(t, f.rings.For(a.ID), "room.paint"); !strings.Contains(out, "unknown action") {
		t.Errorf("outcome: %q", out)
	}
}

func TestRingEviction(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Add(Entry{Kind: "k", Outcome: string(rune('a' + i))})
	}
	got := r.List()
	if len(got) != 3 || got[0].Outcome != "c" || got[2].Outcome != "e" {
		t.Errorf("ring: %#v", got)
	}
}

func TestSplitChunks(t *testing.T) {
	got := SplitChunks("a\n\nb\n \n\nc\nd\n\n")
	want := []string{"a", "b", "c\nd"}
	if len(got) != len(want) {
		t.Fatalf("chunks: %#v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
}
