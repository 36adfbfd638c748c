package hud

import "github.com/parleylabs/parley/internal/store"

// ActionDescriptor advertises one action in the HUD's available-actions
// catalog.
type ActionDescriptor struct {
	Name   string   `json:"name"`
	Inputs []string `json:"inputs"`
}

var baseCatalog = []ActionDescriptor{
	{Name: "knowledge.set", Inputs: []string{"path", "value"}},
	{Name: "knowledge.delete", Inputs: []string{"path"}},
	{Name: "knowledge.append", Inputs: []string{"path", "value"}},
	{Name: "message", Inputs: []string{"room_id", "content"}},
	{Name: "room.leave", Inputs: []string{"room_id"}},
	{Name: "room.billboard", Inputs: []string{"message"}},
	{Name: "room.billboard.clear", Inputs: []string{}},
	{Name: "room.wpm", Inputs: []string{"wpm"}},
	{Name: "room.attention", Inputs: []string{"room_id", "percent"}},
	{Name: "identity.name", Inputs: []string{"name"}},
	{Name: "timing.sleep", Inputs: []string{"until"}},
	{Name: "agent.wake", Inputs: []string{"agent_id"}},
}

var creatorCatalog = []ActionDescriptor{
	{Name: "agent.create", Inputs: []string{"name", "background_prompt", "agent_type", "in_room_id"}},
	{Name: "agent.alter", Inputs: []string{"agent_id", "name", "background_prompt", "model"}},
	{Name: "agent.retire", Inputs: []string{"agent_id"}},
}

// Catalog returns the actions the agent is permitted to use. Ungranted
// actions are omitted entirely rather than advertised and refused.
func Catalog(agent *store.Agent) []ActionDescriptor {
	out := make([]ActionDescriptor, 0, len(baseCatalog)+len(creatorCatalog))
	out = append(out, baseCatalog...)
	if agent.MayCreateAgents {
		out = append(out, creatorCatalog...)
	}
	return out
}
