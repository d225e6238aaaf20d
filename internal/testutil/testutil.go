// Package testutil provides common test utilities and helpers for SolarFlow tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/solarflow/solarflow/internal/models"
	"github.com/solarflow/solarflow/internal/store"
)

// CapturingSender records outbound messages for assertions. It implements
// flow.Sender.
type CapturingSender struct {
	mu   sync.Mutex
	Fail bool // make sends fail
	sent []models.Outbound
}

func (s *CapturingSender) Send(ctx context.Context, out models.Outbound) error {
	if s.Fail {
		return fmt.Errorf("send failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, out)
	return nil
}

// Sent returns a copy of everything sent so far.
func (s *CapturingSender) Sent() []models.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Outbound, len(s.sent))
	copy(out, s.sent)
	return out
}

// Last returns the most recent outbound message, failing the test when
// nothing was sent.
func (s *CapturingSender) Last(t *testing.T) models.Outbound {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatal("expected at least one outbound message, got none")
	}
	return s.sent[len(s.sent)-1]
}

// CapturingNotifier records notifications for assertions. It implements
// flow.Notifier.
type CapturingNotifier struct {
	mu            sync.Mutex
	Notifications []models.Notification
}

func (n *CapturingNotifier) Notify(ctx context.Context, notification models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Notifications = append(n.Notifications, notification)
	return nil
}

// SeededStore returns an in-memory store preloaded with the demo product
// catalog used across tests.
func SeededStore(t *testing.T) *store.InMemoryStore {
	t.Helper()
	st := store.NewInMemoryStore()
	products := []map[string]any{
		{"name": "Solar Kit 5kW", "category": "solar", "price": 4500.0, "active": true},
		{"name": "Solar Kit 10kW", "category": "solar", "price": 8200.0, "active": true},
		{"name": "Starlink Standard Kit", "category": "starlink", "price": 600.0, "active": true},
		{"name": "Discontinued Panel", "category": "solar", "price": 900.0, "active": false},
	}
	for _, p := range products {
		if _, err := st.CreateModel(models.ModelProduct, p); err != nil {
			t.Fatalf("failed to seed product: %v", err)
		}
	}
	return st
}
