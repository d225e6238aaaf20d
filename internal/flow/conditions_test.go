package flow

import (
	"errors"
	"testing"

	"github.com/solarflow/solarflow/internal/models"
)

func newTestEvaluator() *Evaluator {
	engine := NewExprEngine()
	return NewEvaluator(NewRenderer(engine), engine)
}

func TestEvaluateAlwaysTrue(t *testing.T) {
	ev := newTestEvaluator()
	ok, err := ev.Evaluate(models.ConditionSpec{Type: models.ConditionAlwaysTrue}, NewContext(), nil)
	if err != nil || !ok {
		t.Errorf("always_true = %v, %v", ok, err)
	}
}

func TestEvaluateVariableExists(t *testing.T) {
	ev := newTestEvaluator()
	fc := ContextFromMap(map[string]any{
		"found_product": map[string]any{"name": "Solar Kit 5kW"},
		"empty":         "",
	})

	cases := []struct {
		variable string
		want     bool
	}{
		{"found_product", true},
		{"found_product.name", true},
		{"empty", false},
		{"missing", false},
	}
	for _, tc := range cases {
		ok, err := ev.Evaluate(models.ConditionSpec{Type: models.ConditionVariableExists, Variable: tc.variable}, fc, nil)
		if err != nil {
			t.Fatalf("variable_exists(%s): %v", tc.variable, err)
		}
		if ok != tc.want {
			t.Errorf("variable_exists(%s) = %v, want %v", tc.variable, ok, tc.want)
		}
	}
}

func TestEvaluateVariableEquals(t *testing.T) {
	ev := newTestEvaluator()
	fc := ContextFromMap(map[string]any{
		"support_topic": "warranty_claim",
		"expected":      "warranty_claim",
		"quantity":      2.0,
	})

	ok, err := ev.Evaluate(models.ConditionSpec{
		Type: models.ConditionVariableEquals, Variable: "support_topic", Value: "warranty_claim",
	}, fc, nil)
	if err != nil || !ok {
		t.Errorf("literal compare = %v, %v", ok, err)
	}

	// The expected value is itself a template.
	ok, err = ev.Evaluate(models.ConditionSpec{
		Type: models.ConditionVariableEquals, Variable: "support_topic", Value: "{{ expected }}",
	}, fc, nil)
	if err != nil || !ok {
		t.Errorf("templated compare = %v, %v", ok, err)
	}

	// Numbers compare through their string form.
	ok, _ = ev.Evaluate(models.ConditionSpec{
		Type: models.ConditionVariableEquals, Variable: "quantity", Value: "2",
	}, fc, nil)
	if !ok {
		t.Error("numeric compare should hold")
	}
}

func TestEvaluateInteractiveReplyIDEquals(t *testing.T) {
	ev := newTestEvaluator()
	spec := models.ConditionSpec{Type: models.ConditionInteractiveReplyIDEquals, Value: "new_installation"}

	msg := &models.Message{Type: models.MessageTypeInteractiveReply, ReplyID: "new_installation"}
	if ok, _ := ev.Evaluate(spec, NewContext(), msg); !ok {
		t.Error("matching reply id should hold")
	}
	msg.ReplyID = "warranty_claim"
	if ok, _ := ev.Evaluate(spec, NewContext(), msg); ok {
		t.Error("mismatched reply id should not hold")
	}
	if ok, _ := ev.Evaluate(spec, NewContext(), nil); ok {
		t.Error("nil message should not hold")
	}
	if ok, _ := ev.Evaluate(spec, NewContext(), &models.Message{Body: "new_installation"}); ok {
		t.Error("free text must never match an interactive id")
	}
}

func TestEvaluateUserReplyMatchesKeyword(t *testing.T) {
	ev := newTestEvaluator()
	spec := models.ConditionSpec{Type: models.ConditionUserReplyMatchesKeyword, Keyword: "done"}

	for _, body := range []string{"done", "DONE", "  Done  "} {
		if ok, _ := ev.Evaluate(spec, NewContext(), &models.Message{Body: body}); !ok {
			t.Errorf("keyword should match %q", body)
		}
	}
	if ok, _ := ev.Evaluate(spec, NewContext(), &models.Message{Body: "done please"}); ok {
		t.Error("keyword is a whole-message match, not a substring")
	}
	if ok, _ := ev.Evaluate(spec, NewContext(), nil); ok {
		t.Error("nil message should not hold")
	}
}

func TestEvaluateFlowResponseReceived(t *testing.T) {
	ev := newTestEvaluator()
	spec := models.ConditionSpec{Type: models.ConditionFlowResponseReceived}

	if ok, _ := ev.Evaluate(spec, NewContext(), nil); ok {
		t.Error("unset flag should not hold")
	}
	fc := NewContext()
	fc.Set(CtxKeyFlowResponseReceived, true)
	if ok, _ := ev.Evaluate(spec, fc, nil); !ok {
		t.Error("set flag should hold")
	}
}

func TestEvaluateExpression(t *testing.T) {
	ev := newTestEvaluator()
	fc := ContextFromMap(map[string]any{
		"last_reply":         "2",
		"cart_items":         []any{map[string]any{"name": "Solar Kit 5kW"}},
		"available_products": []any{map[string]any{}, map[string]any{}},
	})

	cases := []struct {
		expression string
		want       bool
	}{
		{`lower(last_reply) == "2"`, true},
		{`len(cart_items) > 0`, true},
		{`last_reply matches "^[0-9]+$" && int(last_reply) <= len(available_products)`, true},
		{`int(last_reply) > len(available_products)`, false},
		{`missing_variable != nil`, false},
	}
	for _, tc := range cases {
		ok, err := ev.Evaluate(models.ConditionSpec{Type: models.ConditionExpression, Expression: tc.expression}, fc, nil)
		if err != nil {
			t.Fatalf("expression %q: %v", tc.expression, err)
		}
		if ok != tc.want {
			t.Errorf("expression %q = %v, want %v", tc.expression, ok, tc.want)
		}
	}
}

func TestEvaluateExpressionSeesMessage(t *testing.T) {
	ev := newTestEvaluator()
	msg := &models.Message{Type: models.MessageTypeText, Body: "hello"}
	ok, err := ev.Evaluate(models.ConditionSpec{
		Type: models.ConditionExpression, Expression: `message.body == "hello"`,
	}, NewContext(), msg)
	if err != nil || !ok {
		t.Errorf("message env = %v, %v", ok, err)
	}
}

func TestEvaluateUnknownCondition(t *testing.T) {
	ev := newTestEvaluator()
	_, err := ev.Evaluate(models.ConditionSpec{Type: "bogus"}, NewContext(), nil)
	if !errors.Is(err, models.ErrUnknownCondition) {
		t.Errorf("err = %v, want ErrUnknownCondition", err)
	}
}
