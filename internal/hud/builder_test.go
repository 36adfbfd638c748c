package hud

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/parleylabs/parley/internal/actions"
	"github.com/parleylabs/parley/internal/store"
	"github.com/parleylabs/parley/internal/tokens"
	"github.com/parleylabs/parley/internal/wire"
)

var t0 = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

func testAgent(id int64, budget int) *store.Agent {
	return &store.Agent{
		ID: id, Name: "ada", SeedPrompt: "be helpful", Model: "small",
		TokenBudget: budget,
		KnowledgePct: 30, RecentActionsPct: 10, RoomsPct: 60,
		Knowledge: map[string]any{},
	}
}

func view(room *store.Agent, m *store.Membership, msgs []*store.Message, members ...int64) RoomView {
	return RoomView{Room: room, Membership: m, Messages: msgs, Members: members}
}

func msg(id int64, room int64, at time.Time, content string) *store.Message {
	sender := int64(99)
	return &store.Message{
		ID: id, RoomID: room, SenderID: &sender, SenderName: "bob",
		Content: content, Timestamp: at, Seq: id, Type: store.MessageText,
	}
}

func newTestBuilder(cfg Config) *Builder {
	b := NewBuilder(cfg)
	b.SetClock(func() time.Time { return t0 })
	return b
}

func TestBuildSections(t *testing.T) {
	b := newTestBuilder(Config{Directives: "be kind"})
	agent := testAgent(7, 8000)
	self := &store.Membership{AgentID: 7, RoomID: 7, JoinedAt: t0.Add(-time.Hour), AttentionPct: 100}
	msgs := []*store.Message{msg(1, 7, t0.Add(-time.Minute), "hello")}

	res, err := b.Build(agent, []RoomView{view(agent, self, msgs, 7, 99)}, []actions.Entry{
		{Kind: "message", Outcome: "ok", At: t0.Add(-time.Minute)},
	})
	if err != nil {
		t.Fatal(err)
	}

	system := res.Doc["system"].(map[string]any)
	if system["your_agent_id"] != int64(7) || system["directives"] != "be kind" {
		t.Errorf("system: %#v", system)
	}
	mem := system["memory"].(map[string]any)
	if mem["total"] != 8000 {
		t.Errorf("memory: %#v", mem)
	}

	meta := res.Doc["meta"].(map[string]any)
	if meta["current_time"] != "2026-08-24T10:00:00Z" {
		t.Errorf("current_time: %v", meta["current_time"])
	}

	agentsSec := res.Doc["agents"].([]any)
	if len(agentsSec) != 1 {
		t.Fatalf("agents: %#v", agentsSec)
	}
	self0 := agentsSec[0].(map[string]any)
	if self0["id"] != int64(7) || self0["name"] != "ada" {
		t.Errorf("agents[0]: %#v", self0)
	}

	roomsSec := res.Doc["agent_rooms"].([]any)
	if len(roomsSec) != 1 {
		t.Fatalf("agent_rooms: %#v", roomsSec)
	}
	room0 := roomsSec[0].(map[string]any)
	if room0["agent_id"] != int64(7) || len(room0["messages"].([]any)) != 1 {
		t.Errorf("room section: %#v", room0)
	}

	if res.OverBudget {
		t.Error("small HUD marked over budget")
	}
	if res.Tokens != tokens.Estimate(res.Text) {
		t.Error("token count disagrees with estimator")
	}
}

func TestCatalogPermissionFiltering(t *testing.T) {
	plain := testAgent(1, 8000)
	creator := testAgent(2, 8000)
	creator.MayCreateAgents = true

	names := func(a *store.Agent) map[string]bool {
		out := map[string]bool{}
		for _, d := range Catalog(a) {
			out[d.Name] = true
		}
		return out
	}
	p := names(plain)
	if p["agent.create"] || p["agent.alter"] || p["agent.retire"] {
		t.Errorf("creator actions leaked to plain agent: %v", p)
	}
	if !p["message"] || !p["knowledge.set"] || !p["agent.wake"] {
		t.Errorf("base actions missing: %v", p)
	}
	c := names(creator)
	if !c["agent.create"] || !c["agent.alter"] || !c["agent.retire"] {
		t.Errorf("creator actions missing: %v", c)
	}
}

func TestAttentionShares(t *testing.T) {
	mk := func(room int64, pct float64, dynamic bool) RoomView {
		return RoomView{
			Room:       &store.Agent{ID: room},
			Membership: &store.Membership{AgentID: 1, RoomID: room, AttentionPct: pct, Dynamic: dynamic},
		}
	}
	approx := func(got, want float64) bool { return math.Abs(got-want) < 1e-9 }

	// One fixed at 40%, two dynamic splitting the remaining 60%.
	shares := AttentionShares([]RoomView{mk(1, 40, false), mk(2, 0, true), mk(3, 0, true)})
	if !approx(shares[1], 0.40) || !approx(shares[2], 0.30) || !approx(shares[3], 0.30) {
		t.Errorf("shares: %#v", shares)
	}

	// Fixed shares summing past 100 rescale proportionally; dynamic gets 0.
	shares = AttentionShares([]RoomView{mk(1, 100, false), mk(2, 100, false), mk(3, 0, true)})
	if !approx(shares[1], 0.5) || !approx(shares[2], 0.5) || !approx(shares[3], 0) {
		t.Errorf("oversubscribed shares: %#v", shares)
	}

	// All dynamic: even split.
	shares = AttentionShares([]RoomView{mk(1, 0, true), mk(2, 0, true)})
	if !approx(shares[1], 0.5) || !approx(shares[2], 0.5) {
		t.Errorf("dynamic shares: %#v", shares)
	}
}

func TestReverseChronologicalAdmission(t *testing.T) {
	b := newTestBuilder(Config{ReserveTokens: 200})
	agent := testAgent(7, 4000)
	m := &store.Membership{AgentID: 7, RoomID: 7, JoinedAt: t0.Add(-time.Hour), AttentionPct: 100}

	// Enough bulk that only the newest few fit under the rooms budget.
	long := strings.Repeat("w", 2000) // ~501 tokens each
	var msgs []*store.Message
	for i := int64(1); i <= 10; i++ {
		msgs = append(msgs, msg(i, 7, t0.Add(time.Duration(i)*time.Minute-time.Hour), long))
	}

	res, err := b.Build(agent, []RoomView{view(agent, m, msgs, 7)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	admitted := res.Doc["agent_rooms"].([]any)[0].(map[string]any)["messages"].([]any)
	if len(admitted) == 0 || len(admitted) == len(msgs) {
		t.Fatalf("admission did not truncate sensibly: %d of %d", len(admitted), len(msgs))
	}
	// Newest messages survive, oldest are dropped.
	first := admitted[0].(map[string]any)
	if first["id"] != msgs[len(msgs)-len(admitted)].ID {
		t.Errorf("admitted window not the newest tail: first id %v", first["id"])
	}
	last := admitted[len(admitted)-1].(map[string]any)
	if last["id"] != int64(10) {
		t.Errorf("newest message missing: last id %v", last["id"])
	}
	if res.Truncated[7] != len(msgs)-len(admitted) {
		t.Errorf("truncated count %d, want %d", res.Truncated[7], len(msgs)-len(admitted))
	}

	found := false
	for _, w := range res.Doc["warnings"].([]any) {
		if strings.Contains(w.(string), "truncated") {
			found = true
		}
	}
	if !found {
		t.Error("no truncation warning")
	}
}

func TestJoinTimestampFilter(t *testing.T) {
	b := newTestBuilder(Config{})
	agent := testAgent(7, 8000)
	m := &store.Membership{AgentID: 7, RoomID: 9, JoinedAt: t0, Dynamic: true}
	room := &store.Agent{ID: 9, Name: "host"}
	msgs := []*store.Message{
		msg(1, 9, t0.Add(-time.Minute), "before join"),
		msg(2, 9, t0.Add(time.Minute), "after join"),
	}
	res, err := b.Build(agent, []RoomView{view(room, m, msgs, 7, 9)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	admitted := res.Doc["agent_rooms"].([]any)[0].(map[string]any)["messages"].([]any)
	if len(admitted) != 1 || admitted[0].(map[string]any)["id"] != int64(2) {
		t.Errorf("pre-join message leaked: %#v", admitted)
	}
	if res.Truncated[9] != 0 {
		t.Errorf("pre-join filtering counted as truncation: %d", res.Truncated[9])
	}
}

func TestZeroAllocatableStillHasFixedSections(t *testing.T) {
	b := newTestBuilder(Config{Directives: "x"})
	agent := testAgent(7, 1) // budget below any base cost
	m := &store.Membership{AgentID: 7, RoomID: 7, JoinedAt: t0.Add(-time.Hour), AttentionPct: 100}
	res, err := b.Build(agent, []RoomView{view(agent, m, []*store.Message{msg(1, 7, t0, "hi")}, 7)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Budgets.Knowledge != 0 || res.Budgets.Rooms != 0 || res.Budgets.RecentActions != 0 {
		t.Errorf("budgets: %+v", res.Budgets)
	}
	if _, ok := res.Doc["system"]; !ok {
		t.Error("system section missing")
	}
	if _, ok := res.Doc["meta"]; !ok {
		t.Error("meta section missing")
	}
	if !res.OverBudget {
		t.Error("tiny budget not flagged over budget")
	}
}

func TestKnowledgeWarning(t *testing.T) {
	b := newTestBuilder(Config{})
	agent := testAgent(7, 2000)
	// Fill knowledge to well past its ~30% share of the allocatable budget.
	agent.Knowledge = map[string]any{"bulk": strings.Repeat("k", 10000)}
	m := &store.Membership{AgentID: 7, RoomID: 7, JoinedAt: t0.Add(-time.Hour), AttentionPct: 100}

	res, err := b.Build(agent, []RoomView{view(agent, m, nil, 7)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	warnings, ok := res.Doc["warnings"].([]any)
	if !ok {
		t.Fatal("no warnings section")
	}
	found := false
	for _, w := range warnings {
		if strings.Contains(w.(string), "knowledge memory critical") {
			found = true
		}
	}
	if !found {
		t.Errorf("no knowledge warning in %v", warnings)
	}
	if !res.OverBudget {
		t.Error("oversized knowledge should flag over-budget")
	}
}

func TestBuildRoundTripsInEveryFormat(t *testing.T) {
	agent := testAgent(7, 8000)
	agent.Knowledge = map[string]any{"notes": []any{"a", "b"}}
	m := &store.Membership{AgentID: 7, RoomID: 7, JoinedAt: t0.Add(-time.Hour), AttentionPct: 100}
	msgs := []*store.Message{msg(1, 7, t0.Add(-time.Minute), "hello, world: ok")}

	for _, f := range []wire.Format{wire.FormatVerbose, wire.FormatAbbrev, wire.FormatTOON} {
		b := newTestBuilder(Config{Format: f})
		res, err := b.Build(agent, []RoomView{view(agent, m, msgs, 7)}, []actions.Entry{
			{Kind: "message", Params: map[string]any{"room_id": 7}, Outcome: "ok", At: t0},
		})
		if err != nil {
			t.Fatalf("%s: %v", f, err)
		}
		if _, err := wire.Unmarshal(res.Text, f); err != nil {
			t.Errorf("%s HUD does not parse back: %v\n%s", f, err, res.Text)
		}
	}
}
