package scheduler

import (
	"sync"
	"time"
)

// HistoryEntry is one completed (or failed) agent fire: the HUD that was
// sent, the raw reply, and the error text when the call failed.
type HistoryEntry struct {
	RunID      string    `json:"run_id"`
	At         time.Time `json:"at"`
	HUD        string    `json:"hud"`
	Reply      string    `json:"reply,omitempty"`
	Error      string    `json:"error,omitempty"`
	HUDTokens  int       `json:"hud_tokens"`
	TokensUsed int       `json:"tokens_used,omitempty"`
}

// History is a bounded per-agent ring of recent fires, kept in memory for
// inspection through the watch command and REST adapter.
type History struct {
	mu      sync.Mutex
	depth   int
	entries map[int64][]HistoryEntry
}

func NewHistory(depth int) *History {
	if depth <= 0 {
		depth = 10
	}
	return &History{depth: depth, entries: make(map[int64][]HistoryEntry)}
}

func (h *History) Add(agentID int64, e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.entries[agentID], e)
	if len(list) > h.depth {
		list = list[len(list)-h.depth:]
	}
	h.entries[agentID] = list
}

// For returns an agent's entries oldest first.
func (h *History) For(agentID int64) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.entries[agentID]))
	copy(out, h.entries[agentID])
	return out
}

// Drop forgets an agent's history (on retirement).
func (h *History) Drop(agentID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, agentID)
}
