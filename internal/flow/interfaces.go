package flow

import (
	"context"

	"github.com/solarflow/solarflow/internal/models"
)

// Sender delivers outbound messages. Implemented by the messaging services.
type Sender interface {
	Send(ctx context.Context, out models.Outbound) error
}

// Notifier enqueues templated admin/group notifications. Implementations are
// fire-and-forget from the engine's perspective; delivery failures are their
// own concern.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// IntentClassifier maps an idle contact's free-text message to a flow name
// when no trigger keyword matches. Optional: the engine runs without one.
type IntentClassifier interface {
	ClassifyIntent(ctx context.Context, body string, flows []*models.Flow) (string, error)
}
