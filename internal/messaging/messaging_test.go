package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/solarflow/solarflow/internal/models"
)

func TestCanonicalizePhone(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"15550001111", "15550001111", false},
		{"+1 (555) 000-1111", "15550001111", false},
		{"whatsapp:+15550001111", "15550001111", false},
		{"", "", true},
		{"abc", "", true},
		{"123", "", true}, // too short
	}
	for _, tc := range cases {
		got, err := canonicalizePhone(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("canonicalizePhone(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("canonicalizePhone(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

// fakeTwilioClient records sent texts and lists.
type fakeTwilioClient struct {
	texts []string
	tos   []string
	lists []models.ListPayload
	fail  error
}

func (f *fakeTwilioClient) SendMessage(_ context.Context, to, body string) error {
	if f.fail != nil {
		return f.fail
	}
	f.tos = append(f.tos, to)
	f.texts = append(f.texts, body)
	return nil
}

func (f *fakeTwilioClient) SendList(_ context.Context, to string, list models.ListPayload) error {
	if f.fail != nil {
		return f.fail
	}
	f.tos = append(f.tos, to)
	f.lists = append(f.lists, list)
	return nil
}

func TestTwilioServiceSend(t *testing.T) {
	client := &fakeTwilioClient{}
	svc := NewTwilioService(client)

	err := svc.Send(context.Background(), models.Outbound{To: "+1 555 000 1111", Body: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(client.texts) != 1 || client.texts[0] != "hello" {
		t.Errorf("texts = %v", client.texts)
	}
	if client.tos[0] != "15550001111" {
		t.Errorf("recipient not canonicalized: %q", client.tos[0])
	}

	select {
	case r := <-svc.Receipts():
		if r.Status != models.StatusSent {
			t.Errorf("receipt status = %q", r.Status)
		}
	default:
		t.Error("no sent receipt emitted")
	}
}

func TestTwilioServiceSendList(t *testing.T) {
	client := &fakeTwilioClient{}
	svc := NewTwilioService(client)

	out := models.Outbound{To: "15550001111", List: &models.ListPayload{
		Body: "Pick one", ButtonText: "Choose",
		Items: []models.ListItem{{ID: "a", Title: "Option A"}},
	}}
	if err := svc.Send(context.Background(), out); err != nil {
		t.Fatalf("Send(list): %v", err)
	}
	if len(client.lists) != 1 || client.lists[0].Body != "Pick one" {
		t.Errorf("lists = %+v", client.lists)
	}
}

func TestTwilioServiceSendValidation(t *testing.T) {
	svc := NewTwilioService(&fakeTwilioClient{})

	if err := svc.Send(context.Background(), models.Outbound{To: "15550001111"}); !errors.Is(err, models.ErrEmptyBody) {
		t.Errorf("empty body err = %v", err)
	}
	if err := svc.Send(context.Background(), models.Outbound{Body: "hi"}); !errors.Is(err, models.ErrEmptyRecipient) {
		t.Errorf("empty recipient err = %v", err)
	}
}

func TestTwilioServicePushInbound(t *testing.T) {
	svc := NewTwilioService(&fakeTwilioClient{})

	err := svc.PushInbound(models.Message{From: "whatsapp:+15550001111", Type: models.MessageTypeText, Body: "buy"})
	if err != nil {
		t.Fatalf("PushInbound: %v", err)
	}

	select {
	case msg := <-svc.Messages():
		if msg.From != "15550001111" {
			t.Errorf("From = %q, want canonical digits", msg.From)
		}
		if msg.Time == 0 {
			t.Error("Time not defaulted")
		}
	default:
		t.Fatal("no message on the channel")
	}

	if err := svc.PushInbound(models.Message{From: "bogus"}); err == nil {
		t.Error("invalid sender accepted")
	}
}

func TestTwilioServiceStop(t *testing.T) {
	svc := NewTwilioService(&fakeTwilioClient{})

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stop is idempotent.
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if err := svc.Send(context.Background(), models.Outbound{To: "15550001111", Body: "late"}); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("Send after Stop = %v, want ErrServiceStopped", err)
	}
	if err := svc.PushInbound(models.Message{From: "15550001111", Body: "late"}); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("PushInbound after Stop = %v, want ErrServiceStopped", err)
	}
}
