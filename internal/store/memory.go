package store

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solarflow/solarflow/internal/models"
)

// InMemoryStore keeps everything in process memory. Used by tests and for
// ephemeral runs without a database DSN.
type InMemoryStore struct {
	mu            sync.RWMutex
	flows         map[string]models.Flow
	states        map[string]models.ContactFlowState
	contacts      map[string]models.Contact // by id
	byPhone       map[string]string         // phone -> id
	records       map[string][]models.Record
	flowResponses map[string]models.WhatsAppFlowResponse
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:         make(map[string]models.Flow),
		states:        make(map[string]models.ContactFlowState),
		contacts:      make(map[string]models.Contact),
		byPhone:       make(map[string]string),
		records:       make(map[string][]models.Record),
		flowResponses: make(map[string]models.WhatsAppFlowResponse),
	}
}

func (s *InMemoryStore) SaveFlow(f models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.Name] = f
	return nil
}

func (s *InMemoryStore) GetFlow(name string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[name]
	if !ok {
		return nil, fmt.Errorf("flow %q: %w", name, models.ErrFlowNotFound)
	}
	return &f, nil
}

func (s *InMemoryStore) ListFlows() ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, f)
	}
	return out, nil
}

func (s *InMemoryStore) GetFlowState(contactID string) (*models.ContactFlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[contactID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *InMemoryStore) SaveFlowState(state models.ContactFlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ContactID] = state
	return nil
}

func (s *InMemoryStore) DeleteFlowState(contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, contactID)
	return nil
}

func (s *InMemoryStore) ListStaleFlowStates(before time.Time) ([]models.ContactFlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ContactFlowState
	for _, st := range s.states {
		if st.FlowName != "" && st.UpdatedAt.Before(before) {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetOrCreateContact(phone string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPhone[phone]; ok {
		c := s.contacts[id]
		return &c, nil
	}
	now := time.Now()
	c := models.Contact{ID: uuid.NewString(), Phone: phone, CreatedAt: now, UpdatedAt: now}
	s.contacts[c.ID] = c
	s.byPhone[phone] = c.ID
	slog.Debug("InMemoryStore created contact", "phone", phone, "id", c.ID)
	return &c, nil
}

func (s *InMemoryStore) GetContact(id string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, fmt.Errorf("contact %q: %w", id, models.ErrRecordNotFound)
	}
	return &c, nil
}

func (s *InMemoryStore) SetContactNeedsHuman(id string, needs bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return fmt.Errorf("contact %q: %w", id, models.ErrRecordNotFound)
	}
	c.NeedsHuman = needs
	c.UpdatedAt = time.Now()
	s.contacts[id] = c
	return nil
}

func (s *InMemoryStore) QueryModel(model string, filters map[string]string, limit int) ([]models.Record, error) {
	schema, err := schemaFor(model)
	if err != nil {
		return nil, err
	}
	if err := schema.validateFilters(filters); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Record
	for _, rec := range s.records[model] {
		if !matchesFilters(rec, filters) {
			continue
		}
		out = append(out, cloneRecord(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateModel(model string, fields map[string]any) (models.Record, error) {
	schema, err := schemaFor(model)
	if err != nil {
		return nil, err
	}
	rec := models.Record{}
	for k, v := range fields {
		rec[k] = v
	}
	if stringifyValue(rec["id"]) == "" {
		rec["id"] = uuid.NewString()
	}
	if schema.hasColumn("created_at") && rec["created_at"] == nil {
		rec["created_at"] = time.Now().Format(time.RFC3339)
	}
	if err := schema.validateWrite(rec); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.records[model] = append(s.records[model], cloneRecord(rec))
	s.mu.Unlock()
	slog.Debug("InMemoryStore created record", "model", model, "id", rec["id"])
	return rec, nil
}

func (s *InMemoryStore) UpdateModel(model string, filters map[string]string, fields map[string]any) (int, error) {
	schema, err := schemaFor(model)
	if err != nil {
		return 0, err
	}
	if err := schema.validateFilters(filters); err != nil {
		return 0, err
	}
	if err := schema.validateWrite(fields); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for i, rec := range s.records[model] {
		if !matchesFilters(rec, filters) {
			continue
		}
		for k, v := range fields {
			rec[k] = v
		}
		s.records[model][i] = rec
		count++
	}
	return count, nil
}

func (s *InMemoryStore) CreateOrder(o models.Order) (*models.Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[models.ModelOrder] = append(s.records[models.ModelOrder], models.Record{
		"id": o.ID, "order_number": o.OrderNumber, "contact_id": o.ContactID,
		"status": o.Status, "total": o.Total, "delivery_name": o.DeliveryName,
		"delivery_address": o.DeliveryAddr, "created_at": o.CreatedAt.Format(time.RFC3339),
	})
	for i := range o.Items {
		item := &o.Items[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.OrderID = o.ID
		s.records[models.ModelOrderItem] = append(s.records[models.ModelOrderItem], models.Record{
			"id": item.ID, "order_id": o.ID, "product_id": item.ProductID,
			"product_name": item.ProductName, "quantity": item.Quantity,
			"unit_price": item.UnitPrice, "subtotal": item.Subtotal,
		})
	}
	return &o, nil
}

func (s *InMemoryStore) OrderNumberExists(number string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records[models.ModelOrder] {
		if stringifyValue(rec["order_number"]) == number {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) CreateOpportunity(o models.Opportunity) (*models.Opportunity, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[models.ModelOpportunity] = append(s.records[models.ModelOpportunity], models.Record{
		"id": o.ID, "contact_id": o.ContactID, "title": o.Title,
		"stage": o.Stage, "amount": o.Amount, "created_at": o.CreatedAt.Format(time.RFC3339),
	})
	return &o, nil
}

func (s *InMemoryStore) SaveFlowResponse(r models.WhatsAppFlowResponse) (*models.WhatsAppFlowResponse, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowResponses[r.ID] = r
	return &r, nil
}

func (s *InMemoryStore) MarkFlowResponseProcessed(id, createdRecord string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.flowResponses[id]
	if !ok {
		return fmt.Errorf("flow response %q: %w", id, models.ErrRecordNotFound)
	}
	r.Processed = true
	r.CreatedRecord = createdRecord
	s.flowResponses[id] = r
	return nil
}

// UnprocessedFlowResponses returns the stored responses no processor has
// claimed yet. Test helper.
func (s *InMemoryStore) UnprocessedFlowResponses() []models.WhatsAppFlowResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WhatsAppFlowResponse
	for _, r := range s.flowResponses {
		if !r.Processed {
			out = append(out, r)
		}
	}
	return out
}

// GetFlowResponse returns a stored flow response. Test helper.
func (s *InMemoryStore) GetFlowResponse(id string) (*models.WhatsAppFlowResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.flowResponses[id]
	if !ok {
		return nil, fmt.Errorf("flow response %q: %w", id, models.ErrRecordNotFound)
	}
	return &r, nil
}

func (s *InMemoryStore) Close() error { return nil }

func matchesFilters(rec models.Record, filters map[string]string) bool {
	for col, want := range filters {
		if stringifyValue(rec[col]) != want {
			return false
		}
	}
	return true
}

func cloneRecord(rec models.Record) models.Record {
	out := make(models.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
