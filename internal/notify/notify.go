// Package notify delivers templated admin and group notifications.
//
// Notifications fan out over two channels: WhatsApp messages to configured
// admin numbers (or a named recipient group) and an optional HTTP webhook.
// Delivery is best-effort; failures are logged and counted, never propagated
// into the conversation turn that raised them.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/solarflow/solarflow/internal/flow"
	"github.com/solarflow/solarflow/internal/metrics"
	"github.com/solarflow/solarflow/internal/models"
)

// Constants for webhook delivery.
const (
	DefaultWebhookTimeout = 10 * time.Second
	DefaultWebhookRetries = 2
)

// Built-in notification templates. Unknown template names fall back to a
// generic rendering so a flow typo still produces a visible notification.
var templates = map[string]string{
	"human_handover":       "🤝 {{ contact.phone }} asked for a human agent in flow {{ flow_name }}. Last message: {{ last_reply }}",
	"new_order":            "🛒 New order {{ order_number }} from {{ contact.phone }}, total {{ order_total|money }}",
	"new_opportunity":      "📈 New opportunity from {{ contact.phone }}: {{ opportunity_title }}",
	"installation_request": "🔧 New installation request from {{ contact.phone }} ({{ system_type }})",
	"warranty_claim":       "🛠 New warranty claim from {{ contact.phone }} for order {{ order_number }}",
	"generic":              "ℹ️ {{ flow_name }}: notification from {{ contact.phone }}",
}

// Opts holds configuration options for the notifier.
type Opts struct {
	AdminNumbers []string            // default recipients for admin notifications
	Groups       map[string][]string // named recipient groups
	WebhookURL   string              // optional HTTP endpoint receiving every notification
}

// Option defines a configuration option for the notifier.
type Option func(*Opts)

// WithAdminNumbers sets the default admin recipient numbers.
func WithAdminNumbers(numbers []string) Option {
	return func(o *Opts) { o.AdminNumbers = numbers }
}

// WithGroup registers a named recipient group.
func WithGroup(name string, numbers []string) Option {
	return func(o *Opts) {
		if o.Groups == nil {
			o.Groups = make(map[string][]string)
		}
		o.Groups[name] = numbers
	}
}

// WithWebhookURL sets the HTTP webhook endpoint.
func WithWebhookURL(url string) Option {
	return func(o *Opts) { o.WebhookURL = url }
}

// Notifier renders notification templates and fans them out.
type Notifier struct {
	cfg      Opts
	sender   flow.Sender
	renderer *flow.Renderer
	client   *resty.Client
}

// NewNotifier creates a notifier sending WhatsApp messages through sender.
func NewNotifier(sender flow.Sender, opts ...Option) *Notifier {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Notifier configured",
		"admin_numbers", len(cfg.AdminNumbers),
		"groups", len(cfg.Groups),
		"webhook_set", cfg.WebhookURL != "")
	return &Notifier{
		cfg:      cfg,
		sender:   sender,
		renderer: flow.NewRenderer(flow.NewExprEngine()),
		client: resty.New().
			SetTimeout(DefaultWebhookTimeout).
			SetRetryCount(DefaultWebhookRetries),
	}
}

// Notify renders the notification template against its context and delivers
// it to the resolved recipients and the webhook, if configured.
func (n *Notifier) Notify(ctx context.Context, notification models.Notification) error {
	tpl, ok := templates[notification.Template]
	if !ok {
		slog.Warn("Unknown notification template, using generic", "template", notification.Template)
		tpl = templates["generic"]
	}
	fc := flow.ContextFromMap(notification.Context)
	body := n.renderer.Render(tpl, fc)

	recipients := n.resolveRecipients(notification)
	delivered := 0
	for _, to := range recipients {
		if err := n.sender.Send(ctx, models.Outbound{To: to, Body: body}); err != nil {
			slog.Error("Notification delivery failed", "error", err, "template", notification.Template, "to", to)
			metrics.IncNotification(notification.Template, "failed")
			continue
		}
		delivered++
	}
	if delivered > 0 {
		metrics.IncNotification(notification.Template, "sent")
	}

	if n.cfg.WebhookURL != "" {
		n.postWebhook(ctx, notification, body)
	}

	if len(recipients) == 0 && n.cfg.WebhookURL == "" {
		return fmt.Errorf("notification %q has no recipients and no webhook configured", notification.Template)
	}
	slog.Info("Notification dispatched", "template", notification.Template, "recipients", len(recipients), "delivered", delivered)
	return nil
}

// resolveRecipients picks explicit recipients first, then the named group,
// then the admin defaults.
func (n *Notifier) resolveRecipients(notification models.Notification) []string {
	if len(notification.Recipients) > 0 {
		return notification.Recipients
	}
	if notification.Group != "" {
		if group, ok := n.cfg.Groups[notification.Group]; ok {
			return group
		}
		slog.Warn("Unknown notification group, falling back to admin numbers", "group", notification.Group)
	}
	return n.cfg.AdminNumbers
}

// postWebhook posts the notification JSON to the configured webhook.
func (n *Notifier) postWebhook(ctx context.Context, notification models.Notification, body string) {
	payload := map[string]any{
		"template":   notification.Template,
		"body":       body,
		"context":    notification.Context,
		"created_at": time.Now().Format(time.RFC3339),
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(n.cfg.WebhookURL)
	if err != nil {
		slog.Error("Notification webhook post failed", "error", err, "template", notification.Template)
		metrics.IncNotification(notification.Template, "webhook_failed")
		return
	}
	if resp.IsError() {
		slog.Error("Notification webhook returned error status", "status", resp.StatusCode(), "template", notification.Template)
		metrics.IncNotification(notification.Template, "webhook_failed")
		return
	}
	metrics.IncNotification(notification.Template, "webhook_sent")
}

var _ flow.Notifier = (*Notifier)(nil)
