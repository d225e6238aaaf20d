// Package twiliowhatsapp wraps the Twilio API for WhatsApp delivery in SolarFlow.
//
// Twilio session messages have no native interactive list, so lists are
// rendered as numbered text; the engine accepts the row number as a reply.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/solarflow/solarflow/internal/models"
)

// Sender is the outbound surface of the Twilio client (for production and testing).
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendList(ctx context.Context, to string, list models.ListPayload) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string // WhatsApp number in "whatsapp:+1234567890" format
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

// NewClient creates a Twilio WhatsApp client, falling back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment
// variables for options not provided.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &Client{client: client, fromWhats: cfg.FromWhats}, nil
}

// SendMessage sends a plain text WhatsApp message via Twilio.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if to == "" {
		return models.ErrEmptyRecipient
	}
	if body == "" {
		return models.ErrEmptyBody
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + strings.TrimPrefix(to, "+"))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio message send failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Twilio message sent", "to", to, "body_length", len(body))
	return nil
}

// SendList renders the interactive list as numbered text and sends it.
func (c *Client) SendList(ctx context.Context, to string, list models.ListPayload) error {
	if err := list.Validate(); err != nil {
		return err
	}
	return c.SendMessage(ctx, to, FormatListAsText(list))
}

// FormatListAsText renders a list payload as a numbered text menu.
func FormatListAsText(list models.ListPayload) string {
	var b strings.Builder
	if list.Header != "" {
		b.WriteString(list.Header)
		b.WriteString("\n\n")
	}
	b.WriteString(list.Body)
	for i, item := range list.Items {
		fmt.Fprintf(&b, "\n%d. %s", i+1, item.Title)
		if item.Description != "" {
			fmt.Fprintf(&b, " (%s)", item.Description)
		}
	}
	return b.String()
}
