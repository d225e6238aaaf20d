// Package models defines per-contact flow state for SolarFlow.
package models

import "time"

// ContactFlowState is the durable execution state of one contact. There is at
// most one row per contact: a contact runs at most one flow at a time. An
// empty FlowName means the contact is idle. The Context map is the dynamic
// execution context accumulated across the flow's steps; "waiting for a
// reply" is encoded here rather than in any in-process stack, so the next
// inbound message resumes the flow from CurrentStep.
type ContactFlowState struct {
	ContactID   string         `json:"contact_id"`
	FlowName    string         `json:"flow_name,omitempty"`
	CurrentStep string         `json:"current_step,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	RetryCount  int            `json:"retry_count,omitempty"` // consecutive failed replies on the current question
	StartedAt   time.Time      `json:"started_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Idle reports whether the contact has no active flow.
func (s *ContactFlowState) Idle() bool {
	return s == nil || s.FlowName == ""
}

// Reset clears the active flow, returning the contact to idle.
func (s *ContactFlowState) Reset() {
	s.FlowName = ""
	s.CurrentStep = ""
	s.Context = nil
	s.RetryCount = 0
	s.UpdatedAt = time.Now()
}
