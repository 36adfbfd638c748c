// Package hud assembles the per-agent heads-up document the LLM sees each
// tick: directives, self state, knowledge, recent actions, and the admitted
// tail of every room the agent is in, all fitted under the agent's token
// budget.
package hud

import (
	"fmt"
	"time"

	"github.com/parleylabs/parley/internal/actions"
	"github.com/parleylabs/parley/internal/budget"
	"github.com/parleylabs/parley/internal/store"
	"github.com/parleylabs/parley/internal/tokens"
	"github.com/parleylabs/parley/internal/wire"
)

// Config tunes HUD assembly. Zero values take the defaults in parentheses.
type Config struct {
	Directives    string
	Format        wire.Format
	WarnPct       int // monitor warning threshold (75)
	CriticalPct   int // monitor critical threshold (90)
	ReserveTokens int // per-room admission overhead reserve (200)
}

func (c Config) withDefaults() Config {
	if c.WarnPct == 0 {
		c.WarnPct = 75
	}
	if c.CriticalPct == 0 {
		c.CriticalPct = 90
	}
	if c.ReserveTokens == 0 {
		c.ReserveTokens = 200
	}
	if c.Format == "" {
		c.Format = wire.FormatVerbose
	}
	return c
}

// RoomView is the per-membership input tuple: the room-owning agent, the
// viewer's membership, the room history since the membership snapshot
// (ascending sequence), and the member ids.
type RoomView struct {
	Room       *store.Agent
	Membership *store.Membership
	Messages   []*store.Message
	Members    []int64
}

// Result is one assembled HUD.
type Result struct {
	Doc        map[string]any
	Text       string
	Tokens     int
	OverBudget bool
	Truncated  map[int64]int // room id -> messages dropped
	Usage      budget.Usage
	Budgets    budget.Budgets
}

// Builder assembles HUDs. Safe for concurrent use.
type Builder struct {
	cfg Config
	now func() time.Time
}

func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg.withDefaults(), now: time.Now}
}

// SetClock overrides the builder clock for tests.
func (b *Builder) SetClock(now func() time.Time) { b.now = now }

// Build assembles and serializes the HUD for one agent.
func (b *Builder) Build(agent *store.Agent, views []RoomView, recent []actions.Entry) (*Result, error) {
	system := map[string]any{
		"directives":    b.cfg.Directives,
		"your_agent_id": agent.ID,
		"memory":        map[string]any{"total": agent.TokenBudget, "free": 0},
	}
	meta := map[string]any{
		"current_time":      b.now().UTC().Format(time.RFC3339),
		"instructions":      agent.SeedPrompt,
		"available_actions": catalogDoc(agent),
		"response_format":   responseFormat(b.cfg.Format),
	}

	base := tokens.EstimateValue(system) + tokens.EstimateValue(meta)
	alloc := agentAlloc(agent)
	budgets := budget.Compute(agent.TokenBudget, base, alloc)

	recentDoc := recentDoc(recent)
	knowledgeUsed := tokens.EstimateValue(agent.Knowledge)
	recentUsed := tokens.EstimateValue(recentDoc)

	shares := AttentionShares(views)
	truncated := map[int64]int{}
	roomsUsed := 0
	roomDocs := make([]any, 0, len(views))
	for _, v := range views {
		roomBudget := int(float64(budgets.Rooms) * shares[v.Room.ID])
		doc, used, dropped := b.roomDoc(v, roomBudget)
		roomDocs = append(roomDocs, doc)
		roomsUsed += used
		if dropped > 0 {
			truncated[v.Room.ID] = dropped
		}
	}

	usage := budget.Usage{
		Total:         base + knowledgeUsed + recentUsed + roomsUsed,
		Knowledge:     knowledgeUsed,
		RecentActions: recentUsed,
		Rooms:         roomsUsed,
	}
	free := agent.TokenBudget - usage.Total
	if free < 0 {
		free = 0
	}
	system["memory"] = map[string]any{"total": agent.TokenBudget, "free": free}

	doc := map[string]any{
		"system": system,
		"meta":   meta,
		"agents": []any{map[string]any{
			"id":             agent.ID,
			"name":           agent.Name,
			"model":          agent.Model,
			"seed":           agent.SeedPrompt,
			"knowledge":      knowledgeDoc(agent.Knowledge),
			"recent_actions": recentDoc,
		}},
		"agent_rooms": roomDocs,
	}
	if warnings := b.warnings(agent, usage, budgets, truncated); len(warnings) > 0 {
		doc["warnings"] = warnings
	}

	text, err := wire.Marshal(doc, b.cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("hud: serialize: %w", err)
	}
	total := tokens.Estimate(text)

	return &Result{
		Doc:        doc,
		Text:       text,
		Tokens:     total,
		OverBudget: total > agent.TokenBudget,
		Truncated:  truncated,
		Usage:      usage,
		Budgets:    budgets,
	}, nil
}

// AttentionShares converts memberships into per-room fractions of the rooms
// monitor. Non-dynamic rooms keep their explicit percentages (rescaled
// proportionally when they sum past 100); dynamic rooms split the remainder
// evenly.
func AttentionShares(views []RoomView) map[int64]float64 {
	fixed := 0.0
	dynamic := 0
	for _, v := range views {
		if v.Membership.Dynamic {
			dynamic++
		} else {
			fixed += v.Membership.AttentionPct
		}
	}
	scale := 1.0
	if fixed > 100 {
		scale = 100 / fixed
	}
	remainder := 100 - fixed*scale
	if remainder < 0 {
		remainder = 0
	}
	dynShare := remainder / float64(max(dynamic, 1))

	out := make(map[int64]float64, len(views))
	for _, v := range views {
		if v.Membership.Dynamic {
			out[v.Room.ID] = dynShare / 100
		} else {
			out[v.Room.ID] = v.Membership.AttentionPct * scale / 100
		}
	}
	return out
}

// roomDoc admits the room's message tail in reverse chronological order
// under the room budget minus the overhead reserve, then renders the section.
func (b *Builder) roomDoc(v RoomView, roomBudget int) (map[string]any, int, int) {
	avail := roomBudget - b.cfg.ReserveTokens
	eligible := make([]*store.Message, 0, len(v.Messages))
	for _, m := range v.Messages {
		if m.Timestamp.Before(v.Membership.JoinedAt) {
			continue
		}
		eligible = append(eligible, m)
	}

	used := 0
	admitted := 0
	for i := len(eligible) - 1; i >= 0; i-- {
		cost := tokens.EstimateValue(messageDoc(eligible[i]))
		if used+cost > avail {
			break
		}
		used += cost
		admitted++
	}
	dropped := len(eligible) - admitted

	msgs := make([]any, 0, admitted)
	for _, m := range eligible[len(eligible)-admitted:] {
		msgs = append(msgs, messageDoc(m))
	}
	doc := map[string]any{
		"agent_id": v.Room.ID,
		"members":  int64Slice(v.Members),
		"messages": msgs,
	}
	if v.Room.Billboard != "" {
		doc["billboard"] = v.Room.Billboard
		used += tokens.Estimate(v.Room.Billboard)
	}
	return doc, used, dropped
}

func (b *Builder) warnings(agent *store.Agent, usage budget.Usage, budgets budget.Budgets, truncated map[int64]int) []any {
	var out []any
	warn := func(name string, used, total int) {
		if total <= 0 {
			return
		}
		pct := used * 100 / total
		switch {
		case pct >= b.cfg.CriticalPct:
			out = append(out, fmt.Sprintf("%s memory critical: %d%% of budget", name, pct))
		case pct >= b.cfg.WarnPct:
			out = append(out, fmt.Sprintf("%s memory high: %d%% of budget", name, pct))
		}
	}
	warn("knowledge", usage.Knowledge, budgets.Knowledge)
	warn("recent actions", usage.RecentActions, budgets.RecentActions)
	warn("rooms", usage.Rooms, budgets.Rooms)
	for roomID, n := range truncated {
		out = append(out, fmt.Sprintf("room %d: %d older messages truncated", roomID, n))
	}
	if agent.TokenBudget > 0 && usage.Total*100/agent.TokenBudget >= b.cfg.CriticalPct {
		out = append(out, fmt.Sprintf("total memory critical: %d of %d tokens", usage.Total, agent.TokenBudget))
	}
	return out
}

func agentAlloc(a *store.Agent) budget.Alloc {
	alloc := budget.Alloc{
		KnowledgePct:     a.KnowledgePct,
		RecentActionsPct: a.RecentActionsPct,
		RoomsPct:         a.RoomsPct,
	}
	if alloc.KnowledgePct == 0 && alloc.RecentActionsPct == 0 && alloc.RoomsPct == 0 {
		return budget.DefaultAlloc
	}
	return alloc
}

func catalogDoc(agent *store.Agent) []any {
	catalog := Catalog(agent)
	out := make([]any, 0, len(catalog))
	for _, d := range catalog {
		inputs := make([]any, len(d.Inputs))
		for i, in := range d.Inputs {
			inputs[i] = in
		}
		out = append(out, map[string]any{"name": d.Name, "inputs": inputs})
	}
	return out
}

func recentDoc(recent []actions.Entry) []any {
	out := make([]any, 0, len(recent))
	for _, e := range recent {
		entry := map[string]any{
			"kind":    e.Kind,
			"outcome": e.Outcome,
			"at":      e.At.UTC().Format(time.RFC3339),
		}
		if len(e.Params) > 0 {
			entry["params"] = e.Params
		}
		out = append(out, entry)
	}
	return out
}

func messageDoc(m *store.Message) map[string]any {
	doc := map[string]any{
		"id":              m.ID,
		"timestamp":       m.Timestamp.UTC().Format(time.RFC3339),
		"sender_agent_id": senderID(m),
		"sender_name":     m.SenderName,
		"content":         m.Content,
		"type":            string(m.Type),
	}
	if m.ReplyTo != nil {
		doc["reply_to"] = *m.ReplyTo
	}
	return doc
}

func senderID(m *store.Message) any {
	if m.SenderID == nil {
		return nil
	}
	return *m.SenderID
}

func knowledgeDoc(k map[string]any) map[string]any {
	if k == nil {
		return map[string]any{}
	}
	return k
}

func int64Slice(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func responseFormat(f wire.Format) string {
	switch f {
	case wire.FormatTOON:
		return "Reply in TOON with two top-level blocks: actions (list of {kind, ...params}) and responses (list of {room_id, content, reply_to?}). Reply with empty lists to stay quiet."
	case wire.FormatAbbrev:
		return "Reply with compact JSON: {\"a\": [{\"kd\": ..., ...}], \"resp\": [{\"rid\": ..., \"c\": ..., \"rt\"?: ...}]}. Reply with empty lists to stay quiet."
	default:
		return "Reply with JSON: {\"actions\": [{\"kind\": ..., ...params}], \"responses\": [{\"room_id\": ..., \"content\": ..., \"reply_to\"?: ...}]}. Reply with empty lists to stay quiet."
	}
}
