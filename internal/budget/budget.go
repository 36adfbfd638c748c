// Package budget divides an agent's token budget across its HUD monitors
// and decides what gives way when the assembled HUD overruns.
package budget

import "fmt"

// Monitor names one of the three allocatable HUD regions.
type Monitor string

const (
	MonitorKnowledge     Monitor = "knowledge"
	MonitorRecentActions Monitor = "recent_actions"
	MonitorRooms         Monitor = "rooms"
)

// Alloc holds an agent's integer allocation percentages. The three values
// are independent; they are not required to sum to 100.
type Alloc struct {
	KnowledgePct     int
	RecentActionsPct int
	RoomsPct         int
}

// DefaultAlloc is applied to agents that never adjusted their split.
var DefaultAlloc = Alloc{KnowledgePct: 30, RecentActionsPct: 10, RoomsPct: 60}

// DefaultMinPct is the floor rooms and recent_actions shrink to.
const DefaultMinPct = 5

// Budgets is the token budget per monitor for one HUD build.
type Budgets struct {
	Knowledge     int
	RecentActions int
	Rooms         int
}

// Usage is the measured token spend of one assembled HUD, broken down by
// monitor. Total includes the fixed sections on top of the three monitors.
type Usage struct {
	Total         int
	Knowledge     int
	RecentActions int
	Rooms         int
}

// Allocatable returns the budget left after the fixed HUD sections:
// max(0, total - base).
func Allocatable(total, base int) int {
	a := total - base
	if a < 0 {
		return 0
	}
	return a
}

// Compute splits the allocatable budget by percentage, flooring each share.
func Compute(total, base int, alloc Alloc) Budgets {
	a := Allocatable(total, base)
	return Budgets{
		Knowledge:     a * alloc.KnowledgePct / 100,
		RecentActions: a * alloc.RecentActionsPct / 100,
		Rooms:         a * alloc.RoomsPct / 100,
	}
}

// ValidateChange decides whether a monitor's allocation may move to newPct.
// Raising an allocation is always allowed. Lowering is allowed for rooms and
// recent_actions (their content truncates), but knowledge only shrinks if
// everything currently stored still fits: knowledge is never silently
// truncated.
func ValidateChange(monitor Monitor, current Alloc, newPct, allocatable, knowledgeUsed int) error {
	if newPct < 0 || newPct > 100 {
		return fmt.Errorf("budget: %s percentage %d out of range [0,100]", monitor, newPct)
	}
	cur := 0
	switch monitor {
	case MonitorKnowledge:
		cur = current.KnowledgePct
	case MonitorRecentActions:
		cur = current.RecentActionsPct
	case MonitorRooms:
		cur = current.RoomsPct
	default:
		return fmt.Errorf("budget: unknown monitor %q", monitor)
	}
	if newPct >= cur {
		return nil
	}
	if monitor == MonitorKnowledge {
		if knowledgeUsed <= allocatable*newPct/100 {
			return nil
		}
		return fmt.Errorf("budget: knowledge holds %d tokens, does not fit in %d%% (%d tokens)",
			knowledgeUsed, newPct, allocatable*newPct/100)
	}
	return nil
}

// AutoShrink reacts to a HUD that measured over the total budget: rooms and
// recent_actions collapse to minPct, knowledge keeps its allocation. It
// returns the adjusted allocation, whether anything changed, a human-readable
// note for the log, and whether the HUD is projected to remain over budget
// even after the shrinkable monitors are truncated to their new shares.
func AutoShrink(total, base int, alloc Alloc, minPct int, used Usage) (Alloc, bool, string, bool) {
	if minPct <= 0 {
		minPct = DefaultMinPct
	}
	next := alloc
	changed := false
	if next.RoomsPct > minPct {
		next.RoomsPct = minPct
		changed = true
	}
	if next.RecentActionsPct > minPct {
		next.RecentActionsPct = minPct
		changed = true
	}

	shrunk := Compute(total, base, next)
	projected := used.Total -
		(used.Rooms - min(used.Rooms, shrunk.Rooms)) -
		(used.RecentActions - min(used.RecentActions, shrunk.RecentActions))
	stillOver := projected > total

	var msg string
	if changed {
		msg = fmt.Sprintf("auto-shrink: rooms %d%%->%d%%, recent_actions %d%%->%d%% (used %d/%d)",
			alloc.RoomsPct, next.RoomsPct, alloc.RecentActionsPct, next.RecentActionsPct, used.Total, total)
	} else {
		msg = fmt.Sprintf("auto-shrink: nothing left to shrink (used %d/%d)", used.Total, total)
	}
	return next, changed, msg, stillOver
}
