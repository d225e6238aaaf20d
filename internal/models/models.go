// Package models defines the core data structures for SolarFlow.
//
// It includes inbound/outbound message types, flow definitions, per-contact
// flow state, and the CRM records the flow engine's actions operate on.
package models

import (
	"errors"
	"time"
)

// MessageType identifies the kind of inbound WhatsApp message.
type MessageType string

const (
	// MessageTypeText is a free-text message.
	MessageTypeText MessageType = "text"
	// MessageTypeInteractiveReply is a button or list reply with a stable id.
	MessageTypeInteractiveReply MessageType = "interactive_reply"
	// MessageTypeLocation is a shared location pin.
	MessageTypeLocation MessageType = "location"
	// MessageTypeFlowResponse is a structured WhatsApp Flow form submission.
	MessageTypeFlowResponse MessageType = "flow_response"
)

// Validation constants for message handling.
const (
	// MaxMessageBodyLength bounds outbound message bodies (WhatsApp limit).
	MaxMessageBodyLength = 4096
	// MaxListItemsCount bounds interactive list rows per WhatsApp constraints.
	MaxListItemsCount = 10
)

// Error variables shared across modules for better error handling and testability.
var (
	ErrEmptyRecipient   = errors.New("recipient cannot be empty")
	ErrEmptyBody        = errors.New("message body cannot be empty")
	ErrBodyTooLong      = errors.New("message body exceeds maximum length")
	ErrTooManyListItems = errors.New("interactive list exceeds maximum item count")
	ErrEmptyListItems   = errors.New("interactive list requires at least one item")
	ErrUnknownModel     = errors.New("unknown model name")
	ErrRecordNotFound   = errors.New("record not found")
	ErrFlowNotFound     = errors.New("flow not found")
	ErrStepNotFound     = errors.New("step not found")
	ErrNoEntryPoint     = errors.New("flow has no entry point step")
	ErrMultipleEntry    = errors.New("flow has multiple entry point steps")
	ErrUnknownStepType  = errors.New("unknown step type")
	ErrUnknownCondition = errors.New("unknown condition type")
	ErrUnknownAction    = errors.New("unknown action type")
	ErrUndeclaredVar    = errors.New("flow references undeclared context variable")
	ErrDanglingTarget   = errors.New("transition targets unknown step")
)

// Message represents one inbound message event delivered by a messaging service.
type Message struct {
	From         string         `json:"from"` // canonicalized contact phone number
	Type         MessageType    `json:"type"`
	Body         string         `json:"body,omitempty"`
	ReplyID      string         `json:"reply_id,omitempty"`    // interactive button/list reply id
	ReplyTitle   string         `json:"reply_title,omitempty"` // human-readable reply label
	Latitude     float64        `json:"latitude,omitempty"`
	Longitude    float64        `json:"longitude,omitempty"`
	FlowResponse map[string]any `json:"flow_response,omitempty"` // structured form payload
	Time         int64          `json:"time"`                    // unix seconds
}

// ListItem is one selectable row of an interactive list message.
type ListItem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListPayload describes an interactive list message.
type ListPayload struct {
	Header     string     `json:"header,omitempty"`
	Body       string     `json:"body"`
	ButtonText string     `json:"button_text"`
	Items      []ListItem `json:"items"`
}

// Validate checks list payload constraints before sending.
func (l *ListPayload) Validate() error {
	if l.Body == "" {
		return ErrEmptyBody
	}
	if len(l.Items) == 0 {
		return ErrEmptyListItems
	}
	if len(l.Items) > MaxListItemsCount {
		return ErrTooManyListItems
	}
	return nil
}

// Outbound represents one outbound message request handed to a messaging service.
// Exactly one of Body or List is set.
type Outbound struct {
	To   string       `json:"to"`
	Body string       `json:"body,omitempty"`
	List *ListPayload `json:"list,omitempty"`
}

// Validate performs basic validation on an outbound request.
func (o *Outbound) Validate() error {
	if o.To == "" {
		return ErrEmptyRecipient
	}
	if o.List != nil {
		return o.List.Validate()
	}
	if o.Body == "" {
		return ErrEmptyBody
	}
	if len(o.Body) > MaxMessageBodyLength {
		return ErrBodyTooLong
	}
	return nil
}

// Receipt records the delivery status of an outbound message.
type Receipt struct {
	To     string `json:"to"`
	Status string `json:"status"`
	Time   int64  `json:"time"`
}

// Receipt status values.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Notification is a templated notification enqueue request for the notify module.
type Notification struct {
	Template   string         `json:"template"`
	Recipients []string       `json:"recipients,omitempty"` // contact phone numbers
	Group      string         `json:"group,omitempty"`      // named recipient group
	Context    map[string]any `json:"context,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
