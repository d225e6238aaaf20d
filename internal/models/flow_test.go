package models

import (
	"errors"
	"testing"
)

func twoStepFlow() Flow {
	return Flow{
		Name:   "sample",
		Active: true,
		Steps: []FlowStep{
			{
				Name: "start", Type: StepTypeCondition, IsEntryPoint: true,
				Transitions: []FlowTransition{
					{ToStep: "finish", Condition: ConditionSpec{Type: ConditionAlwaysTrue}},
				},
			},
			{Name: "finish", Type: StepTypeEndFlow},
		},
	}
}

func TestFlowValidateAccepts(t *testing.T) {
	f := twoStepFlow()
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestFlowValidateRejections(t *testing.T) {
	t.Run("no name", func(t *testing.T) {
		f := twoStepFlow()
		f.Name = ""
		if err := f.Validate(); err == nil {
			t.Error("nameless flow accepted")
		}
	})

	t.Run("no steps", func(t *testing.T) {
		f := twoStepFlow()
		f.Steps = nil
		if err := f.Validate(); err == nil {
			t.Error("stepless flow accepted")
		}
	})

	t.Run("no entry point", func(t *testing.T) {
		f := twoStepFlow()
		f.Steps[0].IsEntryPoint = false
		if err := f.Validate(); !errors.Is(err, ErrNoEntryPoint) {
			t.Errorf("err = %v, want ErrNoEntryPoint", err)
		}
	})

	t.Run("multiple entry points", func(t *testing.T) {
		f := twoStepFlow()
		f.Steps[1].IsEntryPoint = true
		if err := f.Validate(); !errors.Is(err, ErrMultipleEntry) {
			t.Errorf("err = %v, want ErrMultipleEntry", err)
		}
	})

	t.Run("unknown step type", func(t *testing.T) {
		f := twoStepFlow()
		f.Steps[1].Type = "teleport"
		if err := f.Validate(); !errors.Is(err, ErrUnknownStepType) {
			t.Errorf("err = %v, want ErrUnknownStepType", err)
		}
	})

	t.Run("dangling transition", func(t *testing.T) {
		f := twoStepFlow()
		f.Steps[0].Transitions[0].ToStep = "nowhere"
		if err := f.Validate(); !errors.Is(err, ErrDanglingTarget) {
			t.Errorf("err = %v, want ErrDanglingTarget", err)
		}
	})

	t.Run("unknown condition type", func(t *testing.T) {
		f := twoStepFlow()
		f.Steps[0].Transitions[0].Condition.Type = "maybe"
		if err := f.Validate(); !errors.Is(err, ErrUnknownCondition) {
			t.Errorf("err = %v, want ErrUnknownCondition", err)
		}
	})

	t.Run("unknown action type", func(t *testing.T) {
		f := twoStepFlow()
		f.Steps[0].Actions = []ActionSpec{{Type: "explode"}}
		if err := f.Validate(); !errors.Is(err, ErrUnknownAction) {
			t.Errorf("err = %v, want ErrUnknownAction", err)
		}
	})
}

func TestFlowStepLookup(t *testing.T) {
	f := twoStepFlow()
	step, ok := f.Step("finish")
	if !ok || step.Type != StepTypeEndFlow {
		t.Errorf("Step(finish) = %+v, %v", step, ok)
	}
	if _, ok := f.Step("ghost"); ok {
		t.Error("Step(ghost) found")
	}
}

func TestActionSpecErrorPolicyOrDefault(t *testing.T) {
	a := ActionSpec{Type: ActionQueryModel}
	if got := a.ErrorPolicyOrDefault(); got != ErrorPolicyContinue {
		t.Errorf("default policy = %q", got)
	}
	a.OnError = ErrorPolicyAbortFlow
	if got := a.ErrorPolicyOrDefault(); got != ErrorPolicyAbortFlow {
		t.Errorf("policy = %q", got)
	}
}

func TestHandlesFlowResponses(t *testing.T) {
	plain := twoStepFlow()
	if plain.HandlesFlowResponses() {
		t.Error("flow without a flow-response guard should not handle submissions")
	}

	routed := twoStepFlow()
	routed.Steps[0].Transitions = append([]FlowTransition{
		{ToStep: "finish", Priority: 1, Condition: ConditionSpec{Type: ConditionFlowResponseReceived}},
	}, routed.Steps[0].Transitions...)
	if !routed.HandlesFlowResponses() {
		t.Error("entry flow-response guard not detected")
	}

	// Only the entry point counts: a guard deeper in the graph does not make
	// the flow activatable by an idle submission.
	deep := twoStepFlow()
	deep.Steps = append(deep.Steps, FlowStep{
		Name: "later", Type: StepTypeCondition,
		Transitions: []FlowTransition{
			{ToStep: "finish", Condition: ConditionSpec{Type: ConditionFlowResponseReceived}},
		},
	})
	if deep.HandlesFlowResponses() {
		t.Error("non-entry guard should not mark the flow as handling submissions")
	}
}
