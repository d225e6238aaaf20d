// Package models defines flow definition structures for the SolarFlow engine.
package models

import "fmt"

// StepType identifies the behavior of a flow step.
type StepType string

const (
	// StepTypeQuestion sends a prompt and waits for the contact's reply.
	StepTypeQuestion StepType = "question"
	// StepTypeAction runs a list of side-effecting actions, no user interaction.
	StepTypeAction StepType = "action"
	// StepTypeSendMessage sends a message and immediately evaluates transitions.
	StepTypeSendMessage StepType = "send_message"
	// StepTypeCondition evaluates transitions only; no message, no actions.
	StepTypeCondition StepType = "condition"
	// StepTypeHumanHandover escalates to a human agent and ends the flow.
	StepTypeHumanHandover StepType = "human_handover"
	// StepTypeEndFlow sends an optional closing message and resets to idle.
	StepTypeEndFlow StepType = "end_flow"
)

// IsValidStepType reports whether st is a known step type.
func IsValidStepType(st StepType) bool {
	switch st {
	case StepTypeQuestion, StepTypeAction, StepTypeSendMessage,
		StepTypeCondition, StepTypeHumanHandover, StepTypeEndFlow:
		return true
	default:
		return false
	}
}

// ConditionType identifies a transition guard variant.
type ConditionType string

const (
	ConditionAlwaysTrue               ConditionType = "always_true"
	ConditionVariableExists           ConditionType = "variable_exists"
	ConditionVariableEquals           ConditionType = "variable_equals"
	ConditionInteractiveReplyIDEquals ConditionType = "interactive_reply_id_equals"
	ConditionUserReplyMatchesKeyword  ConditionType = "user_reply_matches_keyword"
	ConditionFlowResponseReceived     ConditionType = "whatsapp_flow_response_received"
	// ConditionExpression evaluates an expr-lang expression against the context.
	ConditionExpression ConditionType = "expression"
)

// IsValidConditionType reports whether ct is a known condition type.
func IsValidConditionType(ct ConditionType) bool {
	switch ct {
	case ConditionAlwaysTrue, ConditionVariableExists, ConditionVariableEquals,
		ConditionInteractiveReplyIDEquals, ConditionUserReplyMatchesKeyword,
		ConditionFlowResponseReceived, ConditionExpression:
		return true
	default:
		return false
	}
}

// ConditionSpec is a transition guard. Only the fields relevant to Type are set.
type ConditionSpec struct {
	Type       ConditionType `json:"type" yaml:"type"`
	Variable   string        `json:"variable,omitempty" yaml:"variable,omitempty"`     // variable_exists, variable_equals
	Value      string        `json:"value,omitempty" yaml:"value,omitempty"`           // variable_equals, interactive_reply_id_equals (template)
	Keyword    string        `json:"keyword,omitempty" yaml:"keyword,omitempty"`       // user_reply_matches_keyword
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"` // expression
}

// ActionType identifies an action variant executed by an action step.
type ActionType string

const (
	ActionQueryModel          ActionType = "query_model"
	ActionCreateModelInstance ActionType = "create_model_instance"
	ActionUpdateModelInstance ActionType = "update_model_instance"
	ActionSetContextVariable  ActionType = "set_context_variable"
	ActionAppendToList        ActionType = "append_to_list"
	ActionSendAdminNotice     ActionType = "send_admin_notification"
	ActionSendGroupNotice     ActionType = "send_group_notification"
	ActionCreateOpportunity   ActionType = "create_opportunity"
	ActionCreateOrderFromCart ActionType = "create_order_from_cart"
	ActionNormalizeOrderNo    ActionType = "normalize_order_number"
	ActionGenerateOrderNo     ActionType = "generate_unique_order_number"
	ActionProcessFlowResponse ActionType = "process_whatsapp_flow_response"
)

// IsValidActionType reports whether at is a known action type.
func IsValidActionType(at ActionType) bool {
	switch at {
	case ActionQueryModel, ActionCreateModelInstance, ActionUpdateModelInstance,
		ActionSetContextVariable, ActionAppendToList,
		ActionSendAdminNotice, ActionSendGroupNotice,
		ActionCreateOpportunity, ActionCreateOrderFromCart,
		ActionNormalizeOrderNo, ActionGenerateOrderNo, ActionProcessFlowResponse:
		return true
	default:
		return false
	}
}

// ErrorPolicy controls how the executor reacts when an action fails.
type ErrorPolicy string

const (
	// ErrorPolicyContinue logs the failure and runs the next action (default).
	ErrorPolicyContinue ErrorPolicy = "continue"
	// ErrorPolicyAbortStep stops the remaining actions of the current step.
	ErrorPolicyAbortStep ErrorPolicy = "abort_step"
	// ErrorPolicyAbortFlow stops the actions and resets the flow to idle.
	ErrorPolicyAbortFlow ErrorPolicy = "abort_flow"
)

// ActionSpec describes one action of a step. Field values that carry
// templates are rendered against the execution context before use.
type ActionSpec struct {
	Type       ActionType        `json:"type" yaml:"type"`
	Model      string            `json:"model,omitempty" yaml:"model,omitempty"`           // query/create/update target
	Filters    map[string]string `json:"filters,omitempty" yaml:"filters,omitempty"`       // query_model filter templates
	Fields     map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`         // create/update field templates
	Limit      int               `json:"limit,omitempty" yaml:"limit,omitempty"`           // query_model result bound
	Variable   string            `json:"variable,omitempty" yaml:"variable,omitempty"`     // result / set_context_variable target
	Value      string            `json:"value,omitempty" yaml:"value,omitempty"`           // set_context_variable template
	RawValue   any               `json:"raw_value,omitempty" yaml:"raw_value,omitempty"`   // set_context_variable literal (lists, maps)
	Template   string            `json:"template,omitempty" yaml:"template,omitempty"`     // notification template name
	Recipients []string          `json:"recipients,omitempty" yaml:"recipients,omitempty"` // notification recipients
	Group      string            `json:"group,omitempty" yaml:"group,omitempty"`           // notification group name
	OnError    ErrorPolicy       `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

// ErrorPolicyOrDefault returns the configured policy, defaulting to continue.
func (a *ActionSpec) ErrorPolicyOrDefault() ErrorPolicy {
	if a.OnError == "" {
		return ErrorPolicyContinue
	}
	return a.OnError
}

// ReplyType constrains how a question step interprets the contact's reply.
type ReplyType string

const (
	ReplyTypeText          ReplyType = "text"
	ReplyTypeNumber        ReplyType = "number"
	ReplyTypeEmail         ReplyType = "email"
	ReplyTypeInteractiveID ReplyType = "interactive_id"
	ReplyTypeLocation      ReplyType = "location"
)

// FallbackConfig describes what happens once a question's retries are exhausted.
type FallbackConfig struct {
	Message  string `json:"message,omitempty" yaml:"message,omitempty"`   // sent before taking the fallback path
	ToStep   string `json:"to_step,omitempty" yaml:"to_step,omitempty"`   // branch target; empty means stay terminal
	Handover bool   `json:"handover,omitempty" yaml:"handover,omitempty"` // escalate to a human instead of branching
}

// ReplyConfig describes how a question step captures the contact's reply.
type ReplyConfig struct {
	SaveTo          string          `json:"save_to" yaml:"save_to"` // context variable receiving the value
	ExpectedType    ReplyType       `json:"expected_type,omitempty" yaml:"expected_type,omitempty"`
	ValidationRegex string          `json:"validation_regex,omitempty" yaml:"validation_regex,omitempty"`
	RetryMessage    string          `json:"retry_message,omitempty" yaml:"retry_message,omitempty"`
	MaxRetries      int             `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Fallback        *FallbackConfig `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// ListSpec describes an interactive list whose rows may be produced from a
// context variable (ItemsFrom) with per-row templates, or given statically.
type ListSpec struct {
	Header     string     `json:"header,omitempty" yaml:"header,omitempty"`
	Body       string     `json:"body" yaml:"body"`
	ButtonText string     `json:"button_text" yaml:"button_text"`
	ItemsFrom  string     `json:"items_from,omitempty" yaml:"items_from,omitempty"` // context path to a list
	ItemID     string     `json:"item_id,omitempty" yaml:"item_id,omitempty"`       // per-row template, "item" bound
	ItemTitle  string     `json:"item_title,omitempty" yaml:"item_title,omitempty"`
	ItemDesc   string     `json:"item_desc,omitempty" yaml:"item_desc,omitempty"`
	Items      []ListItem `json:"items,omitempty" yaml:"items,omitempty"` // static rows
}

// MessageConfig is the outbound message of a step. Body and list fields are templates.
type MessageConfig struct {
	Body string    `json:"body,omitempty" yaml:"body,omitempty"`
	List *ListSpec `json:"list,omitempty" yaml:"list,omitempty"`
}

// FlowTransition is a guarded edge out of a step. Transitions are evaluated
// in ascending Priority order; the first whose condition holds is taken.
type FlowTransition struct {
	ToStep    string        `json:"to_step" yaml:"to_step"`
	Priority  int           `json:"priority" yaml:"priority"`
	Condition ConditionSpec `json:"condition" yaml:"condition"`
}

// FlowStep is one node of a flow.
type FlowStep struct {
	Name         string           `json:"name" yaml:"name"`
	Type         StepType         `json:"type" yaml:"type"`
	IsEntryPoint bool             `json:"is_entry_point,omitempty" yaml:"is_entry_point,omitempty"`
	Message      *MessageConfig   `json:"message,omitempty" yaml:"message,omitempty"`
	Reply        *ReplyConfig     `json:"reply,omitempty" yaml:"reply,omitempty"`
	Actions      []ActionSpec     `json:"actions,omitempty" yaml:"actions,omitempty"`
	Transitions  []FlowTransition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// Flow is a named, declarative conversation definition.
type Flow struct {
	Name            string     `json:"name" yaml:"name"`
	FriendlyName    string     `json:"friendly_name,omitempty" yaml:"friendly_name,omitempty"`
	Description     string     `json:"description,omitempty" yaml:"description,omitempty"`
	TriggerKeywords []string   `json:"trigger_keywords,omitempty" yaml:"trigger_keywords,omitempty"`
	// Priority breaks trigger-keyword ties between flows: lower wins, then name.
	Priority  int        `json:"priority,omitempty" yaml:"priority,omitempty"`
	Active    bool       `json:"active" yaml:"active"`
	Variables []string   `json:"variables,omitempty" yaml:"variables,omitempty"` // declared context variables
	Steps     []FlowStep `json:"steps" yaml:"steps"`
}

// Step returns the named step, if present.
func (f *Flow) Step(name string) (*FlowStep, bool) {
	for i := range f.Steps {
		if f.Steps[i].Name == name {
			return &f.Steps[i], true
		}
	}
	return nil, false
}

// EntryPoint returns the unique entry-point step of the flow.
func (f *Flow) EntryPoint() (*FlowStep, error) {
	var entry *FlowStep
	for i := range f.Steps {
		if !f.Steps[i].IsEntryPoint {
			continue
		}
		if entry != nil {
			return nil, fmt.Errorf("flow %s: %w", f.Name, ErrMultipleEntry)
		}
		entry = &f.Steps[i]
	}
	if entry == nil {
		return nil, fmt.Errorf("flow %s: %w", f.Name, ErrNoEntryPoint)
	}
	return entry, nil
}

// Validate performs structural validation of the flow definition: exactly one
// entry point, known step/condition/action tags, and resolvable transition
// targets. Unknown tags are rejected here so they can never crash evaluation.
// HandlesFlowResponses reports whether the flow routes structured WhatsApp
// Flow submissions from its entry point, i.e. guards an entry transition with
// whatsapp_flow_response_received. Such a flow can be activated by a form
// submission arriving while the contact is idle.
func (f *Flow) HandlesFlowResponses() bool {
	entry, err := f.EntryPoint()
	if err != nil {
		return false
	}
	for i := range entry.Transitions {
		if entry.Transitions[i].Condition.Type == ConditionFlowResponseReceived {
			return true
		}
	}
	return false
}

func (f *Flow) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("flow name is required")
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("flow %s has no steps", f.Name)
	}
	if _, err := f.EntryPoint(); err != nil {
		return err
	}
	for i := range f.Steps {
		step := &f.Steps[i]
		if !IsValidStepType(step.Type) {
			return fmt.Errorf("step %s.%s type %q: %w", f.Name, step.Name, step.Type, ErrUnknownStepType)
		}
		for j := range step.Transitions {
			tr := &step.Transitions[j]
			if _, ok := f.Step(tr.ToStep); !ok {
				return fmt.Errorf("step %s.%s -> %q: %w", f.Name, step.Name, tr.ToStep, ErrDanglingTarget)
			}
			if !IsValidConditionType(tr.Condition.Type) {
				return fmt.Errorf("step %s.%s condition %q: %w", f.Name, step.Name, tr.Condition.Type, ErrUnknownCondition)
			}
		}
		for j := range step.Actions {
			if !IsValidActionType(step.Actions[j].Type) {
				return fmt.Errorf("step %s.%s action %q: %w", f.Name, step.Name, step.Actions[j].Type, ErrUnknownAction)
			}
		}
	}
	return nil
}
