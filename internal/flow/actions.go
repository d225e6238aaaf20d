package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/solarflow/solarflow/internal/metrics"
	"github.com/solarflow/solarflow/internal/models"
	"github.com/solarflow/solarflow/internal/store"
	"github.com/solarflow/solarflow/internal/util"
)

// Context keys written by composite actions.
const (
	CtxKeyOrderNumber = "order_number"
	CtxKeyOrderID     = "order_id"
	CtxKeyOrderTotal  = "order_total"
	CtxKeyCartItems   = "cart_items"
)

const orderNumberPrefix = "ORD-"

// maxOrderNumberAttempts bounds the uniqueness probe for generated numbers.
const maxOrderNumberAttempts = 5

// Executor runs a step's actions strictly in sequence. Each action may read
// and write the execution context before the next one runs. There is no
// transactional guarantee across an action list: a failing action never rolls
// back the side effects of earlier ones. What a failure does to the rest of
// the list is the action's declared on_error policy.
type Executor struct {
	store    store.Store
	notifier Notifier
	renderer *Renderer
}

// NewExecutor creates an action executor.
func NewExecutor(st store.Store, notifier Notifier, renderer *Renderer) *Executor {
	return &Executor{store: st, notifier: notifier, renderer: renderer}
}

// Execute runs the actions against the context. The returned flag is true
// when an action with the abort_flow policy failed and the engine must reset
// the contact's flow to idle.
func (ex *Executor) Execute(ctx context.Context, contactID string, actions []models.ActionSpec, fc *Context) (abortFlow bool) {
	for i := range actions {
		spec := &actions[i]
		err := ex.run(ctx, contactID, spec, fc)
		if err == nil {
			metrics.IncAction(string(spec.Type), "ok")
			continue
		}
		metrics.IncAction(string(spec.Type), "failed")
		policy := spec.ErrorPolicyOrDefault()
		slog.Error("Executor action failed", "action", spec.Type, "contact", contactID, "policy", policy, "error", err)
		switch policy {
		case models.ErrorPolicyAbortStep:
			return false
		case models.ErrorPolicyAbortFlow:
			return true
		default:
			// continue: skip the failed action, keep going
		}
	}
	return false
}

func (ex *Executor) run(ctx context.Context, contactID string, spec *models.ActionSpec, fc *Context) error {
	slog.Debug("Executor running action", "action", spec.Type, "contact", contactID)
	switch spec.Type {
	case models.ActionQueryModel:
		return ex.queryModel(spec, fc)
	case models.ActionCreateModelInstance:
		return ex.createModel(contactID, spec, fc)
	case models.ActionUpdateModelInstance:
		return ex.updateModel(spec, fc)
	case models.ActionSetContextVariable:
		return ex.setVariable(spec, fc)
	case models.ActionAppendToList:
		return ex.appendToList(spec, fc)
	case models.ActionSendAdminNotice, models.ActionSendGroupNotice:
		return ex.sendNotification(ctx, contactID, spec, fc)
	case models.ActionCreateOpportunity:
		return ex.createOpportunity(contactID, spec, fc)
	case models.ActionCreateOrderFromCart:
		return ex.createOrderFromCart(contactID, spec, fc)
	case models.ActionNormalizeOrderNo:
		return ex.normalizeOrderNumber(spec, fc)
	case models.ActionGenerateOrderNo:
		return ex.generateOrderNumber(spec, fc)
	case models.ActionProcessFlowResponse:
		return ex.processFlowResponse(contactID, spec, fc)
	default:
		return fmt.Errorf("action %q: %w", spec.Type, models.ErrUnknownAction)
	}
}

// queryModel reads records matching the rendered filters into a context
// variable. A store failure yields an empty result set so a later template
// enumerating the records renders an empty list rather than stale data.
func (ex *Executor) queryModel(spec *models.ActionSpec, fc *Context) error {
	variable := spec.Variable
	if variable == "" {
		variable = "query_result"
	}
	records, err := ex.store.QueryModel(spec.Model, ex.renderFilters(spec.Filters, fc), spec.Limit)
	if err != nil {
		fc.Set(variable, []any{})
		return fmt.Errorf("query %s: %w", spec.Model, err)
	}
	fc.Set(variable, recordsToList(records))
	slog.Debug("Executor query_model stored results", "model", spec.Model, "variable", variable, "count", len(records))
	return nil
}

func (ex *Executor) createModel(contactID string, spec *models.ActionSpec, fc *Context) error {
	fields := ex.renderValues(spec.Fields, fc)
	if _, ok := fields["contact_id"]; !ok {
		fields["contact_id"] = contactID
	}
	record, err := ex.store.CreateModel(spec.Model, fields)
	if err != nil {
		return fmt.Errorf("create %s: %w", spec.Model, err)
	}
	if spec.Variable != "" {
		fc.Set(spec.Variable, normalizeJSON(map[string]any(record)))
	}
	return nil
}

func (ex *Executor) updateModel(spec *models.ActionSpec, fc *Context) error {
	count, err := ex.store.UpdateModel(spec.Model, ex.renderFilters(spec.Filters, fc), ex.renderValues(spec.Fields, fc))
	if err != nil {
		return fmt.Errorf("update %s: %w", spec.Model, err)
	}
	if spec.Variable != "" {
		fc.Set(spec.Variable, count)
	}
	return nil
}

// setVariable is a pure context mutation: a literal raw value (lists, maps)
// or a rendered template that keeps its native type for single placeholders.
func (ex *Executor) setVariable(spec *models.ActionSpec, fc *Context) error {
	if spec.Variable == "" {
		return fmt.Errorf("set_context_variable requires a variable name")
	}
	if spec.RawValue != nil {
		fc.Set(spec.Variable, normalizeJSON(spec.RawValue))
		return nil
	}
	fc.Set(spec.Variable, normalizeJSON(ex.renderer.Value(spec.Value, fc)))
	return nil
}

func (ex *Executor) appendToList(spec *models.ActionSpec, fc *Context) error {
	if spec.Variable == "" {
		return fmt.Errorf("append_to_list requires a variable name")
	}
	var item any
	if spec.RawValue != nil {
		item = normalizeJSON(spec.RawValue)
	} else {
		item = normalizeJSON(ex.renderValues(spec.Fields, fc))
	}
	if err := fc.Append(spec.Variable, item); err != nil {
		return fmt.Errorf("append to %s: %w", spec.Variable, err)
	}
	return nil
}

// sendNotification hands a templated notification to the notify collaborator.
// It is fire-and-forget: delivery problems are logged, never propagated, so a
// flaky webhook cannot stall a contact's flow.
func (ex *Executor) sendNotification(ctx context.Context, contactID string, spec *models.ActionSpec, fc *Context) error {
	n := models.Notification{
		Template:   spec.Template,
		Recipients: spec.Recipients,
		Group:      spec.Group,
		Context:    ex.renderValues(spec.Fields, fc),
		CreatedAt:  time.Now(),
	}
	if n.Context == nil {
		n.Context = map[string]any{}
	}
	n.Context["contact_id"] = contactID
	if err := ex.notifier.Notify(ctx, n); err != nil {
		slog.Error("Executor notification enqueue failed", "template", spec.Template, "error", err)
	}
	return nil
}

func (ex *Executor) createOpportunity(contactID string, spec *models.ActionSpec, fc *Context) error {
	fields := ex.renderValues(spec.Fields, fc)
	amount, _ := toFloat(fields["amount"])
	stage := Stringify(fields["stage"])
	if stage == "" {
		stage = "new"
	}
	opp, err := ex.store.CreateOpportunity(models.Opportunity{
		ContactID: contactID,
		Title:     Stringify(fields["title"]),
		Stage:     stage,
		Amount:    amount,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("create opportunity: %w", err)
	}
	variable := spec.Variable
	if variable == "" {
		variable = "opportunity_id"
	}
	fc.Set(variable, opp.ID)
	return nil
}

// createOrderFromCart assembles an order from the cart accumulated in the
// context, reserving a unique order number if none was generated earlier in
// the flow, and writes the resulting identifiers back into the context.
func (ex *Executor) createOrderFromCart(contactID string, spec *models.ActionSpec, fc *Context) error {
	cartVar := spec.Variable
	if cartVar == "" {
		cartVar = CtxKeyCartItems
	}
	raw, _ := fc.Get(cartVar)
	items := asList(raw)
	if len(items) == 0 {
		return fmt.Errorf("create order: cart %q is empty", cartVar)
	}

	orderNumber := fc.GetString(CtxKeyOrderNumber)
	if orderNumber == "" {
		var err error
		orderNumber, err = ex.uniqueOrderNumber()
		if err != nil {
			return err
		}
	}

	fields := ex.renderValues(spec.Fields, fc)
	order := models.Order{
		OrderNumber:  orderNumber,
		ContactID:    contactID,
		Status:       models.OrderStatusPending,
		DeliveryName: firstNonEmpty(Stringify(fields["delivery_name"]), fc.GetString("delivery_name")),
		DeliveryAddr: firstNonEmpty(Stringify(fields["delivery_address"]), fc.GetString("delivery_address")),
		CreatedAt:    time.Now(),
	}
	for _, entry := range items {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		qty, _ := toFloat(m["quantity"])
		if qty <= 0 {
			qty = 1
		}
		price, _ := toFloat(firstPresent(m, "unit_price", "price"))
		subtotal, ok := toFloat(m["subtotal"])
		if !ok || subtotal == 0 {
			subtotal = qty * price
		}
		order.Items = append(order.Items, models.OrderItem{
			ProductID:   Stringify(m["product_id"]),
			ProductName: Stringify(firstPresent(m, "product_name", "name")),
			Quantity:    int(qty),
			UnitPrice:   price,
			Subtotal:    subtotal,
		})
		order.Total += subtotal
	}

	created, err := ex.store.CreateOrder(order)
	if err != nil {
		return fmt.Errorf("create order %s: %w", orderNumber, err)
	}
	fc.Set(CtxKeyOrderNumber, created.OrderNumber)
	fc.Set(CtxKeyOrderID, created.ID)
	fc.Set(CtxKeyOrderTotal, created.Total)
	slog.Info("Executor created order from cart", "order_number", created.OrderNumber, "items", len(created.Items), "total", created.Total)
	return nil
}

var orderNumberJunkRe = regexp.MustCompile(`[^A-Z0-9-]`)

// normalizeOrderNumber canonicalizes a user-supplied order reference: upper
// case, no spaces or stray punctuation, ORD- prefix.
func (ex *Executor) normalizeOrderNumber(spec *models.ActionSpec, fc *Context) error {
	variable := spec.Variable
	if variable == "" {
		variable = CtxKeyOrderNumber
	}
	raw := fc.GetString(variable)
	if raw == "" {
		return fmt.Errorf("normalize order number: %q is empty", variable)
	}
	cleaned := orderNumberJunkRe.ReplaceAllString(strings.ToUpper(strings.TrimSpace(raw)), "")
	cleaned = strings.TrimPrefix(cleaned, orderNumberPrefix)
	cleaned = strings.TrimPrefix(cleaned, "ORD") // spoken form without the hyphen
	fc.Set(variable, orderNumberPrefix+cleaned)
	return nil
}

func (ex *Executor) generateOrderNumber(spec *models.ActionSpec, fc *Context) error {
	variable := spec.Variable
	if variable == "" {
		variable = CtxKeyOrderNumber
	}
	number, err := ex.uniqueOrderNumber()
	if err != nil {
		return err
	}
	fc.Set(variable, number)
	return nil
}

// uniqueOrderNumber draws candidates until one is unused. This is the one
// intentionally non-deterministic action kind.
func (ex *Executor) uniqueOrderNumber() (string, error) {
	for attempt := 0; attempt < maxOrderNumberAttempts; attempt++ {
		candidate := strings.ToUpper(util.GenerateRandomID(orderNumberPrefix, 8))
		exists, err := ex.store.OrderNumberExists(candidate)
		if err != nil {
			return "", fmt.Errorf("check order number: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not reserve a unique order number after %d attempts", maxOrderNumberAttempts)
}

// processFlowResponse turns a structured WhatsApp Flow submission held in the
// context into an installation request and marks the stored response row as
// processed.
func (ex *Executor) processFlowResponse(contactID string, spec *models.ActionSpec, fc *Context) error {
	raw, ok := fc.Get(CtxKeyFlowResponse)
	payload, isMap := raw.(map[string]any)
	if !ok || !isMap {
		return fmt.Errorf("process flow response: no payload in context")
	}
	fields := map[string]any{
		"contact_id":  contactID,
		"system_type": Stringify(payload["system_type"]),
		"address":     Stringify(payload["address"]),
		"notes":       Stringify(payload["notes"]),
		"status":      "new",
	}
	record, err := ex.store.CreateModel(models.ModelInstallationRequest, fields)
	if err != nil {
		return fmt.Errorf("process flow response: %w", err)
	}
	createdID := Stringify(record["id"])
	if respID := fc.GetString("whatsapp_flow_response_id"); respID != "" {
		if err := ex.store.MarkFlowResponseProcessed(respID, createdID); err != nil {
			slog.Error("Executor could not mark flow response processed", "response_id", respID, "error", err)
		}
	}
	variable := spec.Variable
	if variable == "" {
		variable = "installation_request_id"
	}
	fc.Set(variable, createdID)
	return nil
}

// renderFilters renders filter templates to plain strings for store matching.
func (ex *Executor) renderFilters(filters map[string]string, fc *Context) map[string]string {
	out := make(map[string]string, len(filters))
	for k, tpl := range filters {
		out[k] = ex.renderer.Render(tpl, fc)
	}
	return out
}

// renderValues renders field templates keeping native types for single
// placeholders (numbers stay numbers).
func (ex *Executor) renderValues(fields map[string]string, fc *Context) map[string]any {
	out := make(map[string]any, len(fields))
	for k, tpl := range fields {
		out[k] = ex.renderer.Value(tpl, fc)
	}
	return out
}

func recordsToList(records []models.Record) []any {
	out := make([]any, len(records))
	for i, r := range records {
		out[i] = normalizeJSON(map[string]any(r))
	}
	return out
}

// normalizeJSON round-trips a value through JSON so everything stored in the
// context is persistence-safe (maps, slices, strings, float64, bool, nil).
func normalizeJSON(v any) any {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case string, bool, float64, int, int64:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Stringify(v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return Stringify(v)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
