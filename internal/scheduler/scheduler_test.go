package scheduler

import (
	"testing"
	"time"

	"github.com/solarflow/solarflow/internal/models"
	"github.com/solarflow/solarflow/internal/store"
)

func TestAddJobRejectsBadExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("not a cron line", func() {}); err == nil {
		t.Error("invalid cron expression accepted")
	}
	if err := s.AddJob("*/15 * * * *", func() {}); err != nil {
		t.Errorf("valid cron expression rejected: %v", err)
	}
}

func TestAddStaleStateSweepDefaults(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddStaleStateSweep(store.NewInMemoryStore(), "", 0); err != nil {
		t.Fatalf("AddStaleStateSweep: %v", err)
	}
}

func TestSweepStaleStates(t *testing.T) {
	st := store.NewInMemoryStore()

	states := []models.ContactFlowState{
		{ContactID: "stale", FlowName: "lead_generation", CurrentStep: "ask_for_quantity",
			UpdatedAt: time.Now().Add(-48 * time.Hour)},
		{ContactID: "fresh", FlowName: "lead_generation", CurrentStep: "show_products",
			UpdatedAt: time.Now()},
		{ContactID: "idle_old", UpdatedAt: time.Now().Add(-48 * time.Hour)},
	}
	for _, state := range states {
		if err := st.SaveFlowState(state); err != nil {
			t.Fatalf("SaveFlowState: %v", err)
		}
	}

	SweepStaleStates(st, 24*time.Hour)

	if state, _ := st.GetFlowState("stale"); state != nil {
		t.Errorf("stale state survived the sweep: %+v", state)
	}
	if state, _ := st.GetFlowState("fresh"); state == nil || state.FlowName != "lead_generation" {
		t.Errorf("fresh state was swept: %+v", state)
	}
	// Idle rows carry no active flow and are left alone regardless of age.
	if state, _ := st.GetFlowState("idle_old"); state == nil {
		t.Error("idle state was swept")
	}
}
