package actions

import (
	"sync"
	"time"
)

// Entry is one recent-action summary shown back to the agent in its HUD.
// Outcome is "ok", "queued", or an "error: ..." string.
type Entry struct {
	Kind    string         `json:"kind"`
	Params  map[string]any `json:"params,omitempty"`
	Outcome string         `json:"outcome"`
	At      time.Time      `json:"at"`
}

// Ring is a bounded per-agent action history. Process-lifetime only; it is
// not persisted.
type Ring struct {
	mu      sync.Mutex
	cap     int
	entries []Entry
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 20
	}
	return &Ring{cap: capacity}
}

func (r *Ring) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
}

// List returns entries oldest first.
func (r *Ring) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Rings hands out one ring per agent, created lazily.
type Rings struct {
	mu       sync.Mutex
	capacity int
	rings    map[int64]*Ring
}

func NewRings(capacity int) *Rings {
	return &Rings{capacity: capacity, rings: make(map[int64]*Ring)}
}

func (rs *Rings) For(agentID int64) *Ring {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.rings[agentID]
	if !ok {
		r = NewRing(rs.capacity)
		rs.rings[agentID] = r
	}
	return r
}

// Drop forgets an agent's ring (on retirement).
func (rs *Rings) Drop(agentID int64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.rings, agentID)
}
