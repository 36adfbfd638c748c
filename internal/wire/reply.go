package wire

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Reply is the parsed form of an agent's LLM output: a list of raw actions
// (decoded into typed variants downstream) and a list of shorthand message
// responses.
type Reply struct {
	Actions   []map[string]any
	Responses []ReplyMessage
}

// ReplyMessage is the `responses` shorthand for a plain message send.
type ReplyMessage struct {
	RoomID  int64
	Content string
	ReplyTo *int64
}

// ParseReply extracts actions and responses from raw LLM text. The configured
// output format decides the primary parser; TOON falls back to JSON (whole
// text, then the largest '{...}' substring). Parsing never fails: garbage
// yields an empty reply.
func ParseReply(text string, f Format) Reply {
	v, ok := parseReplyValue(text, f)
	if !ok {
		slog.Warn("wire: unparseable reply", "format", string(f), "len", len(text))
		return Reply{}
	}
	return extractReply(v)
}

// ParseBatchReply parses a batched reply document: one `agents` array with a
// segment per agent. Segments without a usable agent_id are dropped.
func ParseBatchReply(text string, f Format) map[int64]Reply {
	out := map[int64]Reply{}
	v, ok := parseReplyValue(text, f)
	if !ok {
		slog.Warn("wire: unparseable batch reply", "format", string(f), "len", len(text))
		return out
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return out
	}
	segments, ok := doc["agents"].([]any)
	if !ok {
		// Some models wrap segments under "segments" instead.
		segments, ok = doc["segments"].([]any)
		if !ok {
			return out
		}
	}
	for _, seg := range segments {
		m, ok := seg.(map[string]any)
		if !ok {
			continue
		}
		id, ok := asInt64(m["agent_id"])
		if !ok {
			slog.Warn("wire: batch segment without agent_id")
			continue
		}
		out[id] = extractReply(m)
	}
	return out
}

func parseReplyValue(text string, f Format) (any, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}

	if f == FormatTOON {
		if v, err := DecodeTOON(trimmed); err == nil {
			if m, ok := v.(map[string]any); ok && len(m) > 0 {
				return m, true
			}
		}
	}

	// JSON: whole text first, then the largest {...} substring.
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return Expand(v), true
	}
	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &v); err == nil {
			return Expand(v), true
		}
	}
	return nil, false
}

func extractReply(v any) Reply {
	doc, ok := v.(map[string]any)
	if !ok {
		return Reply{}
	}
	var reply Reply

	if actions, ok := doc["actions"].([]any); ok {
		for _, a := range actions {
			if m, ok := a.(map[string]any); ok {
				reply.Actions = append(reply.Actions, m)
			}
		}
	}

	if responses, ok := doc["responses"].([]any); ok {
		for _, r := range responses {
			m, ok := r.(map[string]any)
			if !ok {
				continue
			}
			roomID, ok := asInt64(m["room_id"])
			if !ok {
				continue
			}
			content, _ := m["content"].(string)
			if content == "" {
				continue
			}
			msg := ReplyMessage{RoomID: roomID, Content: content}
			if rt, ok := asInt64(m["reply_to"]); ok {
				msg.ReplyTo = &rt
			}
			reply.Responses = append(reply.Responses, msg)
		}
	}
	return reply
}

// asInt64 coerces JSON/TOON numerics (float64, int, int64, numeric string).
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		var out int64
		var neg bool
		s := n
		if strings.HasPrefix(s, "-") {
			neg = true
			s = s[1:]
		}
		if s == "" {
			return 0, false
		}
		for i := 0; i < len(s); i++ {
			if s[i] < '0' || s[i] > '9' {
				return 0, false
			}
			out = out*10 + int64(s[i]-'0')
		}
		if neg {
			out = -out
		}
		return out, true
	default:
		return 0, false
	}
}
