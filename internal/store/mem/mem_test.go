package mem

import (
	"testing"

	"github.com/parleylabs/parley/internal/store"
	"github.com/parleylabs/parley/internal/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestCopiesAreIsolated(t *testing.T) {
	s := New()
	a := &store.Agent{Name: "a", Knowledge: map[string]any{"k": "v"}}
	if err := s.SaveAgent(a); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetAgent(a.ID)
	got.Knowledge["k"] = "mutated"
	got.Name = "mutated"

	again, _ := s.GetAgent(a.ID)
	if again.Knowledge["k"] != "v" || again.Name != "a" {
		t.Errorf("caller mutation leaked into store: %+v", again)
	}
}
