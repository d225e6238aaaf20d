package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/solarflow/solarflow/internal/models"
)

type fakeChat struct {
	answer string
	err    error
	prompt string
}

func (f *fakeChat) New(_ context.Context, params openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, m := range params.Messages {
		if m.OfUser != nil {
			f.prompt = m.OfUser.Content.OfString.Value
		}
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.answer}},
		},
	}, nil
}

func candidateFlows() []*models.Flow {
	return []*models.Flow{
		{Name: "lead_generation", Description: "Browse the catalog and place an order"},
		{Name: "installation_support", Description: "Request an installation or report a problem"},
	}
}

func TestClassifyIntentMatch(t *testing.T) {
	chat := &fakeChat{answer: "lead_generation"}
	c := &Client{chat: chat, model: openai.ChatModelGPT4oMini}

	name, err := c.ClassifyIntent(context.Background(), "I want solar panels", candidateFlows())
	if err != nil {
		t.Fatalf("ClassifyIntent: %v", err)
	}
	if name != "lead_generation" {
		t.Errorf("name = %q, want lead_generation", name)
	}
	if !strings.Contains(chat.prompt, "lead_generation") || !strings.Contains(chat.prompt, "I want solar panels") {
		t.Errorf("prompt missing flow list or message: %q", chat.prompt)
	}
}

func TestClassifyIntentNormalizesAnswer(t *testing.T) {
	c := &Client{chat: &fakeChat{answer: "  Lead_Generation \n"}}
	name, err := c.ClassifyIntent(context.Background(), "buy stuff", candidateFlows())
	if err != nil || name != "lead_generation" {
		t.Errorf("ClassifyIntent = %q, %v", name, err)
	}
}

func TestClassifyIntentNone(t *testing.T) {
	c := &Client{chat: &fakeChat{answer: "none"}}
	name, err := c.ClassifyIntent(context.Background(), "what is the weather", candidateFlows())
	if err != nil || name != "" {
		t.Errorf("ClassifyIntent = %q, %v; want empty", name, err)
	}
}

func TestClassifyIntentHallucinatedFlowIgnored(t *testing.T) {
	c := &Client{chat: &fakeChat{answer: "refund_flow"}}
	name, err := c.ClassifyIntent(context.Background(), "refund please", candidateFlows())
	if err != nil || name != "" {
		t.Errorf("ClassifyIntent = %q, %v; want empty for unknown flow", name, err)
	}
}

func TestClassifyIntentNoCandidates(t *testing.T) {
	c := &Client{chat: &fakeChat{answer: "lead_generation"}}
	name, err := c.ClassifyIntent(context.Background(), "hi", nil)
	if err != nil || name != "" {
		t.Errorf("ClassifyIntent = %q, %v; want empty without candidates", name, err)
	}
}

func TestClassifyIntentRequestError(t *testing.T) {
	c := &Client{chat: &fakeChat{err: errors.New("boom")}}
	if _, err := c.ClassifyIntent(context.Background(), "hi", candidateFlows()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Fatal("expected error without API key")
	}
	if _, err := NewClient(WithAPIKey("sk-test")); err != nil {
		t.Fatalf("NewClient with key: %v", err)
	}
}

func TestNewClientWiresChatService(t *testing.T) {
	c, err := NewClient(WithAPIKey("sk-test"), WithModel("gpt-4o-mini"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.chat == nil {
		t.Fatal("chat service not wired")
	}
	if c.model != "gpt-4o-mini" {
		t.Errorf("model = %q", c.model)
	}
}
