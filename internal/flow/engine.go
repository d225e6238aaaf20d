package flow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/solarflow/solarflow/internal/metrics"
	"github.com/solarflow/solarflow/internal/models"
	"github.com/solarflow/solarflow/internal/store"
)

// DefaultMaxAdvances bounds how many steps a single inbound message may
// advance a flow. Action and condition steps chain synchronously; the bound
// turns a definition cycle into a logged stall instead of a spin.
const DefaultMaxAdvances = 25

// Builtin context keys seeded by the engine.
const (
	CtxKeyContact        = "contact"
	CtxKeyFlowName       = "flow_name"
	CtxKeyFlowResponseID = "whatsapp_flow_response_id"
	CtxKeyLastListItems  = "last_list_items"
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Opts holds optional engine configuration.
type Opts struct {
	Intent       IntentClassifier
	DefaultReply string
	MaxAdvances  int
}

// Option configures the engine.
type Option func(*Opts)

// WithIntentClassifier enables AI trigger matching for idle contacts whose
// message matches no flow keyword.
func WithIntentClassifier(ic IntentClassifier) Option {
	return func(o *Opts) { o.Intent = ic }
}

// WithDefaultReply sets the message sent to idle contacts whose message
// activates no flow. Empty means stay silent.
func WithDefaultReply(msg string) Option {
	return func(o *Opts) { o.DefaultReply = msg }
}

// WithMaxAdvances overrides the per-turn step-advance bound.
func WithMaxAdvances(n int) Option {
	return func(o *Opts) { o.MaxAdvances = n }
}

// Engine advances contacts through declarative flows, one inbound message per
// turn. Waiting for a reply is durable state on the contact's flow state row,
// not an in-process suspension: each turn loads the row, interprets the
// current step, and persists the advanced state before returning.
type Engine struct {
	store     store.Store
	registry  *Registry
	sender    Sender
	notifier  Notifier
	renderer  *Renderer
	evaluator *Evaluator
	executor  *Executor
	intent    IntentClassifier
	locks     *contactLocks

	defaultReply string
	maxAdvances  int
}

// NewEngine wires the interpreter components around the given collaborators.
func NewEngine(st store.Store, registry *Registry, sender Sender, notifier Notifier, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxAdvances <= 0 {
		cfg.MaxAdvances = DefaultMaxAdvances
	}
	exprEngine := NewExprEngine()
	renderer := NewRenderer(exprEngine)
	return &Engine{
		store:        st,
		registry:     registry,
		sender:       sender,
		notifier:     notifier,
		renderer:     renderer,
		evaluator:    NewEvaluator(renderer, exprEngine),
		executor:     NewExecutor(st, notifier, renderer),
		intent:       cfg.Intent,
		locks:        newContactLocks(),
		defaultReply: cfg.DefaultReply,
		maxAdvances:  cfg.MaxAdvances,
	}
}

// HandleMessage processes one inbound message: the whole turn runs under the
// contact's lock so rapid messages from the same contact serialize instead of
// racing on the flow state row.
func (e *Engine) HandleMessage(ctx context.Context, msg models.Message) error {
	if msg.From == "" {
		return models.ErrEmptyRecipient
	}
	unlock := e.locks.Lock(msg.From)
	defer unlock()

	metrics.IncInboundMessage(string(msg.Type))
	slog.Debug("Engine handling message", "from", msg.From, "type", msg.Type)

	contact, err := e.store.GetOrCreateContact(msg.From)
	if err != nil {
		return fmt.Errorf("load contact %s: %w", msg.From, err)
	}

	state, err := e.store.GetFlowState(contact.ID)
	if err != nil {
		return fmt.Errorf("load flow state for %s: %w", contact.ID, err)
	}
	if state == nil {
		state = &models.ContactFlowState{ContactID: contact.ID, StartedAt: time.Now()}
	}

	if msg.Type == models.MessageTypeFlowResponse {
		e.recordFlowResponse(contact, &msg, state)
	}

	if state.Idle() {
		return e.handleIdle(ctx, contact, state, &msg)
	}
	return e.resume(ctx, contact, state, &msg)
}

// handleIdle checks the message against every active flow's trigger keywords
// in deterministic (priority, name) order, optionally falling back to the
// intent classifier, and starts the matched flow at its entry point.
func (e *Engine) handleIdle(ctx context.Context, contact *models.Contact, state *models.ContactFlowState, msg *models.Message) error {
	var flowDef *models.Flow
	var ok bool
	if msg.Type == models.MessageTypeFlowResponse {
		// Form submissions carry no trigger text: they activate the first
		// flow that routes them from its entry point.
		flowDef, ok = e.registry.MatchFlowResponse()
		if !ok {
			slog.Warn("Engine flow response received but no active flow handles them", "from", contact.Phone)
			return e.saveState(state, ContextFromMap(state.Context))
		}
	} else {
		flowDef, ok = e.registry.MatchTrigger(msg.Body)
	}
	if !ok && e.intent != nil && msg.Type == models.MessageTypeText {
		name, err := e.intent.ClassifyIntent(ctx, msg.Body, e.registry.Active())
		if err != nil {
			slog.Error("Engine intent classification failed", "from", contact.Phone, "error", err)
		} else if name != "" {
			flowDef, ok = e.registry.Get(name)
			if ok {
				slog.Info("Engine intent classifier matched flow", "from", contact.Phone, "flow", name)
			}
		}
	}
	if !ok {
		slog.Debug("Engine no flow triggered", "from", contact.Phone)
		if e.defaultReply != "" {
			e.send(ctx, contact, &models.Outbound{To: contact.Phone, Body: e.defaultReply})
		}
		return nil
	}

	entry, err := flowDef.EntryPoint()
	if err != nil {
		return err
	}

	// Seed from the stored context so pre-activation keys survive, notably
	// the flow response id recorded before the flow was matched.
	fc := ContextFromMap(state.Context)
	fc.Set(CtxKeyContact, map[string]any{"id": contact.ID, "phone": contact.Phone, "name": contact.Name})
	fc.Set(CtxKeyFlowName, flowDef.Name)
	e.seedTurn(fc, msg)

	now := time.Now()
	state.FlowName = flowDef.Name
	state.CurrentStep = entry.Name
	state.RetryCount = 0
	state.StartedAt = now

	metrics.IncFlowStarted(flowDef.Name)
	slog.Info("Engine starting flow", "from", contact.Phone, "flow", flowDef.Name, "entry", entry.Name)
	return e.advance(ctx, contact, flowDef, state, fc, entry, msg, true)
}

// resume continues a running flow: capture the reply if the contact is parked
// on a question, then evaluate transitions from the current step.
func (e *Engine) resume(ctx context.Context, contact *models.Contact, state *models.ContactFlowState, msg *models.Message) error {
	flowDef, ok := e.registry.Get(state.FlowName)
	if !ok {
		slog.Warn("Engine active flow no longer defined, resetting contact", "from", contact.Phone, "flow", state.FlowName)
		return e.resetState(state)
	}
	step, ok := flowDef.Step(state.CurrentStep)
	if !ok {
		slog.Warn("Engine current step no longer defined, resetting contact", "from", contact.Phone, "flow", state.FlowName, "step", state.CurrentStep)
		return e.resetState(state)
	}

	fc := ContextFromMap(state.Context)
	awaitingReply := step.Type == models.StepTypeQuestion && step.Reply != nil
	if awaitingReply && step.Reply.ExpectedType == models.ReplyTypeInteractiveID &&
		msg.Type == models.MessageTypeText && msg.ReplyID == "" {
		// Transports without native lists (Twilio) render them as a numbered
		// text menu, so a bare number selects the matching row.
		resolveListReply(fc, msg)
	}
	e.seedTurn(fc, msg)

	// Structured form submissions are not replies: they skip capture so the
	// step's whatsapp_flow_response_received transitions can route them.
	if awaitingReply && msg.Type != models.MessageTypeFlowResponse {
		value, valid := captureReply(step.Reply, msg)
		if !valid {
			return e.handleInvalidReply(ctx, contact, flowDef, state, fc, step, msg)
		}
		if step.Reply.SaveTo != "" {
			fc.Set(step.Reply.SaveTo, value)
		}
		state.RetryCount = 0
	}

	// The current step already ran when it was entered; only its transitions
	// are re-evaluated against the new message.
	return e.advance(ctx, contact, flowDef, state, fc, step, msg, false)
}

// handleInvalidReply re-prompts until max_retries is exhausted, then takes
// the configured fallback path. Without a fallback the flow resets to idle so
// a contact can never be trapped re-prompting forever.
func (e *Engine) handleInvalidReply(ctx context.Context, contact *models.Contact, flowDef *models.Flow, state *models.ContactFlowState, fc *Context, step *models.FlowStep, msg *models.Message) error {
	reply := step.Reply
	state.RetryCount++
	if state.RetryCount <= reply.MaxRetries {
		prompt := reply.RetryMessage
		if prompt == "" && step.Message != nil {
			prompt = step.Message.Body
		}
		if prompt != "" {
			e.send(ctx, contact, &models.Outbound{To: contact.Phone, Body: e.renderer.Render(prompt, fc)})
		}
		slog.Debug("Engine reply rejected, re-prompting", "from", contact.Phone, "step", step.Name, "retry", state.RetryCount)
		return e.saveState(state, fc)
	}

	slog.Info("Engine retries exhausted", "from", contact.Phone, "flow", flowDef.Name, "step", step.Name)
	state.RetryCount = 0
	fb := reply.Fallback
	if fb == nil {
		return e.resetState(state)
	}
	if fb.Message != "" {
		e.send(ctx, contact, &models.Outbound{To: contact.Phone, Body: e.renderer.Render(fb.Message, fc)})
	}
	if fb.Handover {
		return e.handover(ctx, contact, state, fc, nil)
	}
	if fb.ToStep != "" {
		if target, ok := flowDef.Step(fb.ToStep); ok {
			return e.advance(ctx, contact, flowDef, state, fc, target, msg, true)
		}
		slog.Error("Engine fallback target missing", "flow", flowDef.Name, "to_step", fb.ToStep)
	}
	return e.resetState(state)
}

// advance walks the flow graph from the given step. When enter is true the
// step itself is performed (message sent, actions run) before its transitions
// are evaluated; when false only the transitions are evaluated, which is the
// resume path for a step that already ran last turn.
func (e *Engine) advance(ctx context.Context, contact *models.Contact, flowDef *models.Flow, state *models.ContactFlowState, fc *Context, step *models.FlowStep, msg *models.Message, enter bool) error {
	for advances := 0; advances < e.maxAdvances; advances++ {
		if enter {
			state.CurrentStep = step.Name
			switch step.Type {
			case models.StepTypeEndFlow:
				e.sendStepMessage(ctx, contact, step, fc)
				slog.Info("Engine flow ended", "from", contact.Phone, "flow", flowDef.Name, "step", step.Name)
				metrics.IncFlowEnded(flowDef.Name, "end_flow")
				return e.resetState(state)

			case models.StepTypeHumanHandover:
				return e.handover(ctx, contact, state, fc, step)

			case models.StepTypeAction:
				if abort := e.executor.Execute(ctx, contact.ID, step.Actions, fc); abort {
					slog.Warn("Engine aborting flow on action failure", "from", contact.Phone, "flow", flowDef.Name, "step", step.Name)
					metrics.IncFlowEnded(flowDef.Name, "aborted")
					return e.resetState(state)
				}

			case models.StepTypeQuestion:
				if sent := e.sendStepMessage(ctx, contact, step, fc); sent != nil {
					ids := make([]any, 0, len(sent.Items))
					for _, item := range sent.Items {
						ids = append(ids, item.ID)
					}
					fc.Set(CtxKeyLastListItems, ids)
				}
				state.RetryCount = 0
				slog.Debug("Engine awaiting reply", "from", contact.Phone, "flow", flowDef.Name, "step", step.Name)
				return e.saveState(state, fc)

			case models.StepTypeSendMessage:
				e.sendStepMessage(ctx, contact, step, fc)

			case models.StepTypeCondition:
				// transitions only
			}
		}

		next, matched := e.matchTransition(flowDef, step, fc, msg)
		if !matched {
			// Unrecognized input is ignored by design: the contact stays
			// parked on the current step until a matching reply arrives.
			state.CurrentStep = step.Name
			slog.Debug("Engine no transition matched, contact parked", "from", contact.Phone, "flow", flowDef.Name, "step", step.Name)
			return e.saveState(state, fc)
		}
		metrics.IncStepAdvance(flowDef.Name)
		step = next
		enter = true
	}

	slog.Error("Engine step-advance bound exceeded, parking contact", "from", contact.Phone, "flow", flowDef.Name, "step", state.CurrentStep, "bound", e.maxAdvances)
	if err := e.saveState(state, fc); err != nil {
		return err
	}
	return fmt.Errorf("flow %s exceeded %d step advances in one turn", flowDef.Name, e.maxAdvances)
}

// matchTransition evaluates the step's transitions in ascending priority and
// returns the target of the first condition that holds. Evaluation errors
// count as non-matches so one bad guard cannot block the ones after it.
func (e *Engine) matchTransition(flowDef *models.Flow, step *models.FlowStep, fc *Context, msg *models.Message) (*models.FlowStep, bool) {
	ordered := make([]models.FlowTransition, len(step.Transitions))
	copy(ordered, step.Transitions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	for i := range ordered {
		tr := &ordered[i]
		ok, err := e.evaluator.Evaluate(tr.Condition, fc, msg)
		if err != nil {
			slog.Error("Engine condition evaluation failed", "flow", flowDef.Name, "step", step.Name, "to", tr.ToStep, "error", err)
			continue
		}
		if !ok {
			continue
		}
		next, exists := flowDef.Step(tr.ToStep)
		if !exists {
			slog.Error("Engine transition target missing", "flow", flowDef.Name, "step", step.Name, "to", tr.ToStep)
			continue
		}
		return next, true
	}
	return nil, false
}

// handover escalates to a human: pre-handover message, contact flag, admin
// notification, then reset to idle.
func (e *Engine) handover(ctx context.Context, contact *models.Contact, state *models.ContactFlowState, fc *Context, step *models.FlowStep) error {
	if step != nil {
		e.sendStepMessage(ctx, contact, step, fc)
	}
	if err := e.store.SetContactNeedsHuman(contact.ID, true); err != nil {
		slog.Error("Engine could not flag contact for human attention", "contact", contact.ID, "error", err)
	}
	notification := models.Notification{
		Template:  "human_handover",
		Context:   map[string]any{"contact_id": contact.ID, "phone": contact.Phone, "name": contact.Name, "flow": state.FlowName},
		CreatedAt: time.Now(),
	}
	if err := e.notifier.Notify(ctx, notification); err != nil {
		slog.Error("Engine handover notification failed", "contact", contact.ID, "error", err)
	}
	metrics.IncHandover(state.FlowName)
	slog.Info("Engine handed contact over to a human", "from", contact.Phone, "flow", state.FlowName)
	return e.resetState(state)
}

// sendStepMessage renders and sends the step's message, if it has one, and
// returns the list payload when that message was an interactive list.
// Delivery failures are logged but never fail the turn: flow state must stay
// consistent even when the transport hiccups.
func (e *Engine) sendStepMessage(ctx context.Context, contact *models.Contact, step *models.FlowStep, fc *Context) *models.ListPayload {
	cfg := step.Message
	if cfg == nil {
		return nil
	}
	out := &models.Outbound{To: contact.Phone}
	if cfg.List != nil {
		out.List = e.renderListPayload(cfg.List, fc)
	} else if cfg.Body != "" {
		out.Body = e.renderer.Render(cfg.Body, fc)
	} else {
		return nil
	}
	e.send(ctx, contact, out)
	return out.List
}

func (e *Engine) send(ctx context.Context, contact *models.Contact, out *models.Outbound) {
	if err := out.Validate(); err != nil {
		slog.Error("Engine outbound message invalid", "to", contact.Phone, "error", err)
		return
	}
	if err := e.sender.Send(ctx, *out); err != nil {
		slog.Error("Engine outbound send failed", "to", contact.Phone, "error", err)
		return
	}
	slog.Debug("Engine outbound message sent", "to", contact.Phone, "interactive", out.List != nil)
}

// renderListPayload materializes an interactive list: static rows, or rows
// produced from a context list with per-row templates ("item" bound).
func (e *Engine) renderListPayload(spec *models.ListSpec, fc *Context) *models.ListPayload {
	payload := &models.ListPayload{
		Header:     e.renderer.Render(spec.Header, fc),
		Body:       e.renderer.Render(spec.Body, fc),
		ButtonText: e.renderer.Render(spec.ButtonText, fc),
	}
	if spec.ItemsFrom != "" {
		raw, _ := fc.Get(spec.ItemsFrom)
		for i, item := range asList(raw) {
			if len(payload.Items) >= models.MaxListItemsCount {
				break
			}
			scoped := ContextFromMap(map[string]any{"item": item, "index": i + 1})
			id := e.renderer.Render(spec.ItemID, scoped)
			if id == "" {
				id = strconv.Itoa(i + 1)
			}
			payload.Items = append(payload.Items, models.ListItem{
				ID:          id,
				Title:       e.renderer.Render(spec.ItemTitle, scoped),
				Description: e.renderer.Render(spec.ItemDesc, scoped),
			})
		}
		return payload
	}
	for _, item := range spec.Items {
		if len(payload.Items) >= models.MaxListItemsCount {
			break
		}
		payload.Items = append(payload.Items, models.ListItem{
			ID:          e.renderer.Render(item.ID, fc),
			Title:       e.renderer.Render(item.Title, fc),
			Description: e.renderer.Render(item.Description, fc),
		})
	}
	return payload
}

// seedTurn writes the per-turn builtins the conditions read.
func (e *Engine) seedTurn(fc *Context, msg *models.Message) {
	fc.Set(CtxKeyLastReply, msg.Body)
	fc.Set(CtxKeyLastReplyID, msg.ReplyID)
	if msg.Type == models.MessageTypeFlowResponse {
		fc.Set(CtxKeyFlowResponseReceived, true)
		fc.Set(CtxKeyFlowResponse, normalizeJSON(msg.FlowResponse))
	} else {
		// Per-turn flag: a submission processed on an earlier turn must not
		// keep matching whatsapp_flow_response_received guards.
		fc.Set(CtxKeyFlowResponseReceived, false)
	}
}

// recordFlowResponse persists the structured form submission so it survives
// the turn and can be marked processed by a later action.
func (e *Engine) recordFlowResponse(contact *models.Contact, msg *models.Message, state *models.ContactFlowState) {
	saved, err := e.store.SaveFlowResponse(models.WhatsAppFlowResponse{
		ContactID: contact.ID,
		Payload:   msg.FlowResponse,
		CreatedAt: time.Now(),
	})
	if err != nil {
		slog.Error("Engine could not record flow response", "contact", contact.ID, "error", err)
		return
	}
	if state.Context == nil {
		state.Context = map[string]any{}
	}
	state.Context[CtxKeyFlowResponseID] = saved.ID
}

func (e *Engine) saveState(state *models.ContactFlowState, fc *Context) error {
	state.Context = fc.Map()
	state.UpdatedAt = time.Now()
	if err := e.store.SaveFlowState(*state); err != nil {
		return fmt.Errorf("save flow state for %s: %w", state.ContactID, err)
	}
	return nil
}

func (e *Engine) resetState(state *models.ContactFlowState) error {
	state.Reset()
	if err := e.store.SaveFlowState(*state); err != nil {
		return fmt.Errorf("reset flow state for %s: %w", state.ContactID, err)
	}
	return nil
}

// resolveListReply maps a bare row number in the message body onto the id of
// the corresponding row of the last interactive list sent to the contact.
func resolveListReply(fc *Context, msg *models.Message) {
	raw, ok := fc.Get(CtxKeyLastListItems)
	if !ok {
		return
	}
	ids := asList(raw)
	n, err := strconv.Atoi(strings.TrimSpace(msg.Body))
	if err != nil || n < 1 || n > len(ids) {
		return
	}
	msg.ReplyID = Stringify(ids[n-1])
	slog.Debug("Engine numbered reply resolved to list row", "row", n, "reply_id", msg.ReplyID)
}

// captureReply validates and coerces the contact's reply per the question's
// reply config. The returned value keeps its native type (numbers as
// float64, locations as a map).
func captureReply(reply *models.ReplyConfig, msg *models.Message) (any, bool) {
	var value any
	text := strings.TrimSpace(msg.Body)

	switch reply.ExpectedType {
	case models.ReplyTypeNumber:
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, false
		}
		value = n
	case models.ReplyTypeEmail:
		if !emailRe.MatchString(text) {
			return nil, false
		}
		value = text
	case models.ReplyTypeInteractiveID:
		if msg.ReplyID == "" {
			return nil, false
		}
		value = msg.ReplyID
	case models.ReplyTypeLocation:
		if msg.Type != models.MessageTypeLocation {
			return nil, false
		}
		value = map[string]any{"latitude": msg.Latitude, "longitude": msg.Longitude}
	default: // text
		if text == "" && msg.ReplyID == "" {
			return nil, false
		}
		if text == "" {
			text = msg.ReplyID
		}
		value = text
	}

	if reply.ValidationRegex != "" {
		re, err := regexp.Compile(reply.ValidationRegex)
		if err != nil {
			slog.Error("Engine invalid validation regex, skipping check", "regex", reply.ValidationRegex, "error", err)
			return value, true
		}
		if !re.MatchString(Stringify(value)) {
			return nil, false
		}
	}
	return value, true
}
