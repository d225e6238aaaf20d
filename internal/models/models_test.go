package models

import (
	"errors"
	"strings"
	"testing"
)

func TestOutboundValidate(t *testing.T) {
	cases := []struct {
		name string
		out  Outbound
		want error
	}{
		{"valid text", Outbound{To: "15550001111", Body: "hi"}, nil},
		{"empty recipient", Outbound{Body: "hi"}, ErrEmptyRecipient},
		{"empty body", Outbound{To: "15550001111"}, ErrEmptyBody},
		{"body too long", Outbound{To: "15550001111", Body: strings.Repeat("x", MaxMessageBodyLength+1)}, ErrBodyTooLong},
		{"valid list", Outbound{To: "15550001111", List: &ListPayload{
			Body: "Pick", ButtonText: "Go", Items: []ListItem{{ID: "a", Title: "A"}},
		}}, nil},
		{"list without items", Outbound{To: "15550001111", List: &ListPayload{Body: "Pick", ButtonText: "Go"}}, ErrEmptyListItems},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.out.Validate()
			if tc.want == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("Validate() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestListPayloadValidateItemBound(t *testing.T) {
	items := make([]ListItem, MaxListItemsCount+1)
	for i := range items {
		items[i] = ListItem{ID: "x", Title: "X"}
	}
	l := ListPayload{Body: "Pick", ButtonText: "Go", Items: items}
	if err := l.Validate(); !errors.Is(err, ErrTooManyListItems) {
		t.Errorf("Validate() = %v, want ErrTooManyListItems", err)
	}

	l.Items = items[:MaxListItemsCount]
	if err := l.Validate(); err != nil {
		t.Errorf("Validate() at the bound = %v", err)
	}
}

func TestContactFlowStateIdleAndReset(t *testing.T) {
	var nilState *ContactFlowState
	if !nilState.Idle() {
		t.Error("nil state should be idle")
	}

	s := &ContactFlowState{ContactID: "c1"}
	if !s.Idle() {
		t.Error("state without a flow should be idle")
	}

	s.FlowName = "lead_generation"
	s.CurrentStep = "show_products"
	s.Context = map[string]any{"quantity": 2.0}
	s.RetryCount = 1
	if s.Idle() {
		t.Error("active state reported idle")
	}

	s.Reset()
	if !s.Idle() || s.CurrentStep != "" || s.Context != nil || s.RetryCount != 0 {
		t.Errorf("after Reset: %+v", s)
	}
	if s.ContactID != "c1" {
		t.Error("Reset must keep the contact id")
	}
}
