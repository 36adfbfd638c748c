package budget

import "testing"

func TestCompute(t *testing.T) {
	tests := []struct {
		name        string
		total, base int
		alloc       Alloc
		want        Budgets
	}{
		{
			name:  "defaults",
			total: 8000, base: 1000,
			alloc: DefaultAlloc,
			want:  Budgets{Knowledge: 2100, RecentActions: 700, Rooms: 4200},
		},
		{
			name:  "flooring",
			total: 1033, base: 1000,
			alloc: DefaultAlloc,
			// A=33: 33*30/100=9, 33*10/100=3, 33*60/100=19
			want: Budgets{Knowledge: 9, RecentActions: 3, Rooms: 19},
		},
		{
			name:  "base consumes everything",
			total: 500, base: 500,
			alloc: DefaultAlloc,
			want:  Budgets{},
		},
		{
			name:  "base exceeds total",
			total: 500, base: 900,
			alloc: DefaultAlloc,
			want:  Budgets{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compute(tt.total, tt.base, tt.alloc); got != tt.want {
				t.Errorf("Compute() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestValidateChange(t *testing.T) {
	cur := DefaultAlloc // knowledge 30, recent 10, rooms 60
	const a = 1000      // allocatable

	tests := []struct {
		name          string
		monitor       Monitor
		newPct        int
		knowledgeUsed int
		wantErr       bool
	}{
		{"raise always allowed", MonitorKnowledge, 40, 9999, false},
		{"equal allowed", MonitorKnowledge, 30, 9999, false},
		{"lower knowledge fits", MonitorKnowledge, 20, 150, false}, // 20% of 1000 = 200
		{"lower knowledge too full", MonitorKnowledge, 20, 250, true},
		{"lower rooms allowed", MonitorRooms, 10, 0, false},
		{"lower recent allowed", MonitorRecentActions, 5, 0, false},
		{"negative", MonitorRooms, -1, 0, true},
		{"over 100", MonitorRooms, 101, 0, true},
		{"unknown monitor", Monitor("billboard"), 50, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChange(tt.monitor, cur, tt.newPct, a, tt.knowledgeUsed)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChange() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAutoShrinkKnowledgeSacred(t *testing.T) {
	used := Usage{Total: 9000, Knowledge: 2000, RecentActions: 600, Rooms: 4000}
	next, changed, _, _ := AutoShrink(8000, 1000, DefaultAlloc, 5, used)
	if !changed {
		t.Fatal("expected a shrink")
	}
	if next.KnowledgePct != DefaultAlloc.KnowledgePct {
		t.Errorf("knowledge pct changed: %d", next.KnowledgePct)
	}
	if next.RoomsPct != 5 || next.RecentActionsPct != 5 {
		t.Errorf("shrinkable monitors not at minimum: %+v", next)
	}
}

func TestAutoShrinkRecovers(t *testing.T) {
	// total 8000, base 1000 -> A 7000; at 5%/5% rooms and recent truncate to
	// 350 each. Fixed 1000 + knowledge 2000 + 350 + 350 = 3700 <= 8000.
	used := Usage{Total: 9000, Knowledge: 2000, RecentActions: 600, Rooms: 5400}
	_, changed, msg, stillOver := AutoShrink(8000, 1000, DefaultAlloc, 5, used)
	if !changed || stillOver {
		t.Errorf("changed=%v stillOver=%v (%s)", changed, stillOver, msg)
	}
}

func TestAutoShrinkStillOver(t *testing.T) {
	// Knowledge alone exceeds the total; shrinking cannot help.
	used := Usage{Total: 9000, Knowledge: 7800, RecentActions: 100, Rooms: 100}
	next, _, _, stillOver := AutoShrink(8000, 1000, DefaultAlloc, 5, used)
	if !stillOver {
		t.Error("expected stillOver")
	}
	if next.KnowledgePct != 30 {
		t.Errorf("knowledge pct reduced to %d", next.KnowledgePct)
	}
}

func TestAutoShrinkAlreadyAtMinimum(t *testing.T) {
	alloc := Alloc{KnowledgePct: 30, RecentActionsPct: 5, RoomsPct: 5}
	used := Usage{Total: 9000, Knowledge: 8500, RecentActions: 100, Rooms: 100}
	_, changed, _, stillOver := AutoShrink(8000, 1000, alloc, 5, used)
	if changed {
		t.Error("nothing should have changed")
	}
	if !stillOver {
		t.Error("expected stillOver")
	}
}
