package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/solarflow/solarflow/internal/models"
	"github.com/solarflow/solarflow/internal/testutil"
)

func TestNotifyRendersTemplateToAdmins(t *testing.T) {
	sender := &testutil.CapturingSender{}
	n := NewNotifier(sender, WithAdminNumbers([]string{"15550009999", "15550008888"}))

	err := n.Notify(context.Background(), models.Notification{
		Template: "new_order",
		Context: map[string]any{
			"contact":      map[string]any{"phone": "15550001111"},
			"order_number": "ORD-1A2B3C4D",
			"order_total":  9600.0,
		},
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	sent := sender.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent to %d recipients, want 2", len(sent))
	}
	if sent[0].To != "15550009999" || sent[1].To != "15550008888" {
		t.Errorf("recipients = %s, %s", sent[0].To, sent[1].To)
	}
	body := sent[0].Body
	if !strings.Contains(body, "ORD-1A2B3C4D") || !strings.Contains(body, "$9600.00") || !strings.Contains(body, "15550001111") {
		t.Errorf("rendered body = %q", body)
	}
}

func TestNotifyExplicitRecipientsWinOverGroupAndAdmins(t *testing.T) {
	sender := &testutil.CapturingSender{}
	n := NewNotifier(sender,
		WithAdminNumbers([]string{"admin1"}),
		WithGroup("technicians", []string{"tech1", "tech2"}))

	err := n.Notify(context.Background(), models.Notification{
		Template:   "warranty_claim",
		Recipients: []string{"15550007777"},
		Group:      "technicians",
		Context:    map[string]any{"order_number": "ORD-1A2B3C4D"},
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	sent := sender.Sent()
	if len(sent) != 1 || sent[0].To != "15550007777" {
		t.Errorf("sent = %+v, want only the explicit recipient", sent)
	}
}

func TestNotifyGroupResolution(t *testing.T) {
	sender := &testutil.CapturingSender{}
	n := NewNotifier(sender,
		WithAdminNumbers([]string{"admin1"}),
		WithGroup("technicians", []string{"tech1", "tech2"}))

	err := n.Notify(context.Background(), models.Notification{
		Template: "installation_request",
		Group:    "technicians",
		Context:  map[string]any{"system_type": "solar"},
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sent := sender.Sent(); len(sent) != 2 || sent[0].To != "tech1" {
		t.Errorf("sent = %+v, want the technicians group", sent)
	}

	// Unknown group falls back to the admin numbers.
	err = n.Notify(context.Background(), models.Notification{
		Template: "installation_request",
		Group:    "plumbers",
	})
	if err != nil {
		t.Fatalf("Notify(unknown group): %v", err)
	}
	sent := sender.Sent()
	if sent[len(sent)-1].To != "admin1" {
		t.Errorf("fallback recipient = %q, want admin1", sent[len(sent)-1].To)
	}
}

func TestNotifyUnknownTemplateUsesGeneric(t *testing.T) {
	sender := &testutil.CapturingSender{}
	n := NewNotifier(sender, WithAdminNumbers([]string{"admin1"}))

	err := n.Notify(context.Background(), models.Notification{
		Template: "no_such_template",
		Context:  map[string]any{"flow_name": "lead_generation", "contact": map[string]any{"phone": "15550001111"}},
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if body := sender.Last(t).Body; !strings.Contains(body, "lead_generation") {
		t.Errorf("generic body = %q", body)
	}
}

func TestNotifyNoRecipientsNoWebhook(t *testing.T) {
	n := NewNotifier(&testutil.CapturingSender{})
	err := n.Notify(context.Background(), models.Notification{Template: "new_order"})
	if err == nil {
		t.Fatal("expected error when nothing can receive the notification")
	}
}

func TestNotifyDeliveryFailureDoesNotPropagate(t *testing.T) {
	sender := &testutil.CapturingSender{Fail: true}
	n := NewNotifier(sender, WithAdminNumbers([]string{"admin1"}))

	err := n.Notify(context.Background(), models.Notification{Template: "new_order"})
	if err != nil {
		t.Errorf("Notify with failing sender = %v, want nil", err)
	}
}

func TestNotifyPostsWebhook(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode webhook payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(&testutil.CapturingSender{}, WithWebhookURL(srv.URL))

	err := n.Notify(context.Background(), models.Notification{
		Template: "human_handover",
		Context:  map[string]any{"contact": map[string]any{"phone": "15550001111"}, "flow_name": "lead_generation"},
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if got["template"] != "human_handover" {
		t.Errorf("webhook template = %v", got["template"])
	}
	body, _ := got["body"].(string)
	if !strings.Contains(body, "15550001111") {
		t.Errorf("webhook body = %q", body)
	}
}
