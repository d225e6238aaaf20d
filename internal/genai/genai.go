// Package genai provides GenAI-enhanced operations using the OpenAI API.
//
// Its single job in SolarFlow is intent classification: when no flow trigger
// keyword matches an idle contact's message, the engine may ask the model
// which flow, if any, the message is about.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/solarflow/solarflow/internal/flow"
	"github.com/solarflow/solarflow/internal/models"
)

// NoIntent is what the model is instructed to answer when no flow applies.
const NoIntent = "none"

const systemPrompt = `You classify WhatsApp messages for a solar, Starlink and furniture installation business.
You are given a list of conversation flows with their names and descriptions.
Reply with exactly one flow name from the list if the message clearly matches its purpose, or "none" if it matches nothing.
Reply with the flow name only, no punctuation or explanation.`

// chatService is the minimal chat completion surface, for tests.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// New has a pointer receiver on the SDK service.
var _ chatService = (*openai.ChatCompletionService)(nil)

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat completion model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps OpenAI chat completions for intent classification.
type Client struct {
	chat  chatService
	model string
}

// NewClient initializes a GenAI client, falling back to the OPENAI_API_KEY
// environment variable when no key option is given.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client initialized", "model", cfg.Model)
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model}, nil
}

// ClassifyIntent returns the name of the flow the message most likely
// targets, or "" when the model sees no match. The answer is checked against
// the candidate list: a hallucinated flow name is treated as no match.
func (c *Client) ClassifyIntent(ctx context.Context, body string, flows []*models.Flow) (string, error) {
	if len(flows) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, f := range flows {
		fmt.Fprintf(&b, "- %s: %s\n", f.Name, f.Description)
	}
	userPrompt := fmt.Sprintf("Flows:\n%s\nMessage: %q", b.String(), body)

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("intent classification request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("intent classification returned no choices")
	}

	answer := strings.ToLower(strings.TrimSpace(resp.Choices[0].Message.Content))
	if answer == NoIntent || answer == "" {
		return "", nil
	}
	for _, f := range flows {
		if f.Name == answer {
			slog.Debug("GenAI classified intent", "flow", answer)
			return answer, nil
		}
	}
	slog.Warn("GenAI answered with unknown flow name, ignoring", "answer", answer)
	return "", nil
}

var _ flow.IntentClassifier = (*Client)(nil)
