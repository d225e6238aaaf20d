package flow

import (
	"testing"

	"github.com/solarflow/solarflow/internal/models"
)

func minimalFlow(name string, priority int, keywords ...string) models.Flow {
	return models.Flow{
		Name:            name,
		TriggerKeywords: keywords,
		Priority:        priority,
		Active:          true,
		Steps: []models.FlowStep{
			{Name: "start", Type: models.StepTypeEndFlow, IsEntryPoint: true},
		},
	}
}

func TestRegistryGet(t *testing.T) {
	reg, err := NewRegistry([]models.Flow{minimalFlow("lead_generation", 10, "buy")})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, ok := reg.Get("lead_generation"); !ok {
		t.Error("Get(lead_generation) missing")
	}
	if _, ok := reg.Get("nope"); ok {
		t.Error("Get(nope) should be missing")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]models.Flow{
		minimalFlow("dup", 1, "a"),
		minimalFlow("dup", 2, "b"),
	})
	if err == nil {
		t.Fatal("expected duplicate flow error")
	}
}

func TestRegistryRejectsInvalidFlow(t *testing.T) {
	bad := minimalFlow("bad", 1, "x")
	bad.Steps = nil
	if _, err := NewRegistry([]models.Flow{bad}); err == nil {
		t.Fatal("expected validation error for flow without steps")
	}
}

func TestMatchTriggerCaseAndWhitespace(t *testing.T) {
	reg, err := NewRegistry([]models.Flow{minimalFlow("lead_generation", 10, "buy", "Order")})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	for _, text := range []string{"buy", "BUY", "  Buy ", "order"} {
		if _, ok := reg.MatchTrigger(text); !ok {
			t.Errorf("MatchTrigger(%q) missed", text)
		}
	}
	for _, text := range []string{"", "buy now", "ordering"} {
		if _, ok := reg.MatchTrigger(text); ok {
			t.Errorf("MatchTrigger(%q) should miss", text)
		}
	}
}

func TestMatchTriggerPrecedence(t *testing.T) {
	// Overlapping keyword: lower priority wins, then lexicographic name.
	reg, err := NewRegistry([]models.Flow{
		minimalFlow("zeta", 5, "help"),
		minimalFlow("alpha", 5, "help"),
		minimalFlow("low_priority", 50, "help"),
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	f, ok := reg.MatchTrigger("help")
	if !ok {
		t.Fatal("MatchTrigger missed")
	}
	if f.Name != "alpha" {
		t.Errorf("winner = %s, want alpha", f.Name)
	}
}

func TestMatchTriggerSkipsInactive(t *testing.T) {
	inactive := minimalFlow("dormant", 1, "hello")
	inactive.Active = false
	reg, err := NewRegistry([]models.Flow{inactive, minimalFlow("live", 10, "hello")})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	f, ok := reg.MatchTrigger("hello")
	if !ok || f.Name != "live" {
		t.Errorf("MatchTrigger = %v, %v; want live", f, ok)
	}
}

// formFlow handles WhatsApp Flow submissions at its entry point.
func formFlow(name string, priority int) models.Flow {
	return models.Flow{
		Name:     name,
		Priority: priority,
		Active:   true,
		Steps: []models.FlowStep{
			{Name: "route", Type: models.StepTypeCondition, IsEntryPoint: true,
				Transitions: []models.FlowTransition{
					{ToStep: "done", Priority: 1, Condition: models.ConditionSpec{Type: models.ConditionFlowResponseReceived}},
					{ToStep: "done", Priority: 2, Condition: models.ConditionSpec{Type: models.ConditionAlwaysTrue}},
				}},
			{Name: "done", Type: models.StepTypeEndFlow},
		},
	}
}

func TestMatchFlowResponse(t *testing.T) {
	reg, err := NewRegistry([]models.Flow{
		minimalFlow("lead_generation", 10, "buy"),
		formFlow("zeta_support", 20),
		formFlow("alpha_support", 20),
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	f, ok := reg.MatchFlowResponse()
	if !ok {
		t.Fatal("MatchFlowResponse missed")
	}
	// Precedence mirrors trigger matching: priority, then name.
	if f.Name != "alpha_support" {
		t.Errorf("winner = %s, want alpha_support", f.Name)
	}
}

func TestMatchFlowResponseNoCapableFlow(t *testing.T) {
	reg, err := NewRegistry([]models.Flow{minimalFlow("lead_generation", 10, "buy")})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if f, ok := reg.MatchFlowResponse(); ok {
		t.Errorf("MatchFlowResponse = %v, want miss", f.Name)
	}
}

func TestRegistryReloadSwapsSnapshot(t *testing.T) {
	reg, err := NewRegistry([]models.Flow{minimalFlow("old", 1, "go")})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := reg.Load([]models.Flow{minimalFlow("new", 1, "go")}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := reg.Get("old"); ok {
		t.Error("old flow survived the reload")
	}
	f, ok := reg.MatchTrigger("go")
	if !ok || f.Name != "new" {
		t.Errorf("MatchTrigger after reload = %v, %v", f, ok)
	}
}
