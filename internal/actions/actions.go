// Package actions decodes, validates, and applies the actions an agent's
// reply can carry, and keeps the per-agent recent-action ring.
package actions

import (
	"fmt"
	"strings"
	"time"
)

// Action is one decoded reply action.
type Action interface {
	Kind() string
}

type KnowledgeSet struct {
	Path  string
	Value any
}

type KnowledgeDelete struct {
	Path string
}

type KnowledgeAppend struct {
	Path  string
	Value any
}

type SendMessage struct {
	RoomID  int64
	Content string
	ReplyTo *int64
}

type LeaveRoom struct {
	RoomID int64
}

type SetBillboard struct {
	Message string
}

type ClearBillboard struct{}

type SetWPM struct {
	WPM int
}

// SetAttention retunes the share of the rooms monitor one room receives.
// Percent < 0 switches the membership back to dynamic.
type SetAttention struct {
	RoomID  int64
	Percent float64
	Dynamic bool
}

type SetName struct {
	Name string
}

type Sleep struct {
	Until time.Time
}

type CreateAgent struct {
	Name             string
	BackgroundPrompt string
	AgentType        string
	Model            string
	InRoomID         *int64
}

type AlterAgent struct {
	AgentID          int64
	Name             string
	BackgroundPrompt string
	Model            string
}

type RetireAgent struct {
	AgentID int64
}

type WakeAgent struct {
	AgentID int64
}

// React nudges the sender of a message to respond faster or slower. It is
// accepted but not advertised in the catalog.
type React struct {
	MessageID int64
	Delta     float64
}

func (KnowledgeSet) Kind() string    { return "knowledge.set" }
func (KnowledgeDelete) Kind() string { return "knowledge.delete" }
func (KnowledgeAppend) Kind() string { return "knowledge.append" }
func (SendMessage) Kind() string     { return "message" }
func (LeaveRoom) Kind() string       { return "room.leave" }
func (SetBillboard) Kind() string    { return "room.billboard" }
func (ClearBillboard) Kind() string  { return "room.billboard.clear" }
func (SetWPM) Kind() string          { return "room.wpm" }
func (SetAttention) Kind() string    { return "room.attention" }
func (SetName) Kind() string         { return "identity.name" }
func (Sleep) Kind() string           { return "timing.sleep" }
func (CreateAgent) Kind() string     { return "agent.create" }
func (AlterAgent) Kind() string      { return "agent.alter" }
func (RetireAgent) Kind() string     { return "agent.retire" }
func (WakeAgent) Kind() string       { return "agent.wake" }
func (React) Kind() string           { return "message.react" }

// Decode turns one raw reply action into its typed form. Unknown kinds and
// missing required fields are errors the executor records on the ring.
func Decode(raw map[string]any) (Action, error) {
	kind, _ := raw["kind"].(string)
	if kind == "" {
		// Some models emit "type" instead.
		kind, _ = raw["type"].(string)
	}
	if kind == "" {
		return nil, fmt.Errorf("action without kind")
	}
	switch kind {
	case "knowledge.set":
		path, err := stringField(raw, "path")
		if err != nil {
			return nil, err
		}
		value, ok := raw["value"]
		if !ok {
			return nil, fmt.Errorf("knowledge.set: missing value")
		}
		return KnowledgeSet{Path: path, Value: value}, nil
	case "knowledge.delete":
		path, err := stringField(raw, "path")
		if err != nil {
			return nil, err
		}
		return KnowledgeDelete{Path: path}, nil
	case "knowledge.append":
		path, err := stringField(raw, "path")
		if err != nil {
			return nil, err
		}
		value, ok := raw["value"]
		if !ok {
			return nil, fmt.Errorf("knowledge.append: missing value")
		}
		return KnowledgeAppend{Path: path, Value: value}, nil
	case "message", "message.send":
		roomID, err := intField(raw, "room_id")
		if err != nil {
			return nil, err
		}
		content, err := stringField(raw, "content")
		if err != nil {
			return nil, err
		}
		a := SendMessage{RoomID: roomID, Content: content}
		if rt, err := intField(raw, "reply_to"); err == nil {
			a.ReplyTo = &rt
		}
		return a, nil
	case "room.leave":
		roomID, err := intField(raw, "room_id")
		if err != nil {
			return nil, err
		}
		return LeaveRoom{RoomID: roomID}, nil
	case "room.billboard":
		msg, err := stringField(raw, "message")
		if err != nil {
			return nil, err
		}
		return SetBillboard{Message: msg}, nil
	case "room.billboard.clear":
		return ClearBillboard{}, nil
	case "room.wpm":
		wpm, err := intField(raw, "wpm")
		if err != nil {
			return nil, err
		}
		return SetWPM{WPM: int(wpm)}, nil
	case "room.attention":
		roomID, err := intField(raw, "room_id")
		if err != nil {
			return nil, err
		}
		if s, ok := raw["percent"].(string); ok && strings.EqualFold(s, "dynamic") {
			return SetAttention{RoomID: roomID, Dynamic: true}, nil
		}
		pct, ok := floatField(raw, "percent")
		if !ok {
			return nil, fmt.Errorf("room.attention: missing percent")
		}
		return SetAttention{RoomID: roomID, Percent: pct}, nil
	case "identity.name":
		name, err := stringField(raw, "name")
		if err != nil {
			return nil, err
		}
		return SetName{Name: name}, nil
	case "timing.sleep":
		until, err := stringField(raw, "until")
		if err != nil {
			return nil, err
		}
		t, err := parseISO(until)
		if err != nil {
			return nil, fmt.Errorf("timing.sleep: %w", err)
		}
		return Sleep{Until: t}, nil
	case "agent.create":
		name, err := stringField(raw, "name")
		if err != nil {
			return nil, err
		}
		background, err := stringField(raw, "background_prompt")
		if err != nil {
			return nil, err
		}
		agentType, _ := raw["agent_type"].(string)
		model, _ := raw["model"].(string)
		a := CreateAgent{Name: name, BackgroundPrompt: background, AgentType: agentType, Model: model}
		if id, err := intField(raw, "in_room_id"); err == nil {
			a.InRoomID = &id
		}
		return a, nil
	case "agent.alter":
		id, err := intField(raw, "agent_id")
		if err != nil {
			return nil, err
		}
		name, _ := raw["name"].(string)
		background, _ := raw["background_prompt"].(string)
		model, _ := raw["model"].(string)
		return AlterAgent{AgentID: id, Name: name, BackgroundPrompt: background, Model: model}, nil
	case "agent.retire":
		id, err := intField(raw, "agent_id")
		if err != nil {
			return nil, err
		}
		return RetireAgent{AgentID: id}, nil
	case "agent.wake":
		id, err := intField(raw, "agent_id")
		if err != nil {
			return nil, err
		}
		return WakeAgent{AgentID: id}, nil
	case "message.react":
		id, err := intField(raw, "message_id")
		if err != nil {
			return nil, err
		}
		delta, ok := floatField(raw, "delta")
		if !ok {
			return nil, fmt.Errorf("message.react: missing delta")
		}
		return React{MessageID: id, Delta: delta}, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
}

func stringField(raw map[string]any, key string) (string, error) {
	s, ok := raw[key].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%v: missing %s", raw["kind"], key)
	}
	return s, nil
}

func intField(raw map[string]any, key string) (int64, error) {
	switch v := raw[key].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%v: missing %s", raw["kind"], key)
	}
}

func floatField(raw map[string]any, key string) (float64, bool) {
	switch v := raw[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// parseISO accepts RFC 3339 and a few laxer ISO 8601 renderings models emit.
func parseISO(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
