package flow

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/solarflow/solarflow/internal/models"
)

// Context keys the engine maintains for condition evaluation.
const (
	// CtxKeyFlowResponseReceived is set when a WhatsApp Flow form submission
	// arrives for the contact's current turn.
	CtxKeyFlowResponseReceived = "whatsapp_flow_response_received"
	// CtxKeyFlowResponse holds the submitted form payload.
	CtxKeyFlowResponse = "whatsapp_flow_response"
	// CtxKeyLastReply holds the latest inbound free-text body.
	CtxKeyLastReply = "last_reply"
	// CtxKeyLastReplyID holds the latest inbound interactive reply id.
	CtxKeyLastReplyID = "last_reply_id"
)

// Evaluator decides whether a transition's guard holds for the current
// context and the latest inbound message.
type Evaluator struct {
	renderer *Renderer
	engine   *ExprEngine
}

// NewEvaluator creates a condition evaluator sharing the renderer's templates
// and the expression engine's program cache.
func NewEvaluator(renderer *Renderer, engine *ExprEngine) *Evaluator {
	return &Evaluator{renderer: renderer, engine: engine}
}

// Evaluate returns whether the condition holds. Unknown condition types are
// rejected at flow load time, so hitting one here is a programming error and
// reported as such rather than crashing the turn.
func (e *Evaluator) Evaluate(spec models.ConditionSpec, fc *Context, msg *models.Message) (bool, error) {
	switch spec.Type {
	case models.ConditionAlwaysTrue:
		return true, nil

	case models.ConditionVariableExists:
		v, ok := fc.Get(spec.Variable)
		return ok && Truthy(v), nil

	case models.ConditionVariableEquals:
		current := fc.GetString(spec.Variable)
		expected := e.renderer.Render(spec.Value, fc)
		return current == expected, nil

	case models.ConditionInteractiveReplyIDEquals:
		if msg == nil || msg.ReplyID == "" {
			return false, nil
		}
		return msg.ReplyID == e.renderer.Render(spec.Value, fc), nil

	case models.ConditionUserReplyMatchesKeyword:
		if msg == nil {
			return false, nil
		}
		return strings.EqualFold(strings.TrimSpace(msg.Body), strings.TrimSpace(spec.Keyword)), nil

	case models.ConditionFlowResponseReceived:
		v, ok := fc.Get(CtxKeyFlowResponseReceived)
		return ok && Truthy(v), nil

	case models.ConditionExpression:
		ok, err := e.engine.EvalBool(spec.Expression, e.conditionEnv(fc, msg))
		if err != nil {
			slog.Error("Evaluator expression condition failed", "expression", spec.Expression, "error", err)
			return false, err
		}
		return ok, nil

	default:
		return false, fmt.Errorf("condition %q: %w", spec.Type, models.ErrUnknownCondition)
	}
}

// conditionEnv augments the context map with the inbound message for
// expression conditions.
func (e *Evaluator) conditionEnv(fc *Context, msg *models.Message) map[string]any {
	base := fc.Map()
	env := make(map[string]any, len(base)+1)
	for k, v := range base {
		env[k] = v
	}
	if msg != nil {
		env["message"] = map[string]any{
			"type":     string(msg.Type),
			"body":     msg.Body,
			"reply_id": msg.ReplyID,
		}
	}
	return env
}
