package store

import (
	"errors"
	"testing"
	"time"

	"github.com/solarflow/solarflow/internal/models"
)

func minimalFlow(name string) models.Flow {
	return models.Flow{
		Name: name, Active: true,
		Steps: []models.FlowStep{{Name: "end", Type: models.StepTypeEndFlow, IsEntryPoint: true}},
	}
}

func TestInMemoryFlows(t *testing.T) {
	st := NewInMemoryStore()

	if _, err := st.GetFlow("missing"); !errors.Is(err, models.ErrFlowNotFound) {
		t.Errorf("GetFlow(missing) = %v, want ErrFlowNotFound", err)
	}

	if err := st.SaveFlow(minimalFlow("lead_generation")); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
	f, err := st.GetFlow("lead_generation")
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if f.Name != "lead_generation" {
		t.Errorf("flow name = %q", f.Name)
	}

	// Saving again overwrites in place.
	updated := minimalFlow("lead_generation")
	updated.Priority = 42
	if err := st.SaveFlow(updated); err != nil {
		t.Fatalf("SaveFlow(update): %v", err)
	}
	f, _ = st.GetFlow("lead_generation")
	if f.Priority != 42 {
		t.Errorf("priority after update = %d", f.Priority)
	}

	flows, err := st.ListFlows()
	if err != nil || len(flows) != 1 {
		t.Errorf("ListFlows = %d flows, %v", len(flows), err)
	}
}

func TestInMemoryFlowState(t *testing.T) {
	st := NewInMemoryStore()

	state, err := st.GetFlowState("c1")
	if err != nil {
		t.Fatalf("GetFlowState: %v", err)
	}
	if state != nil {
		t.Fatalf("state for unknown contact = %+v, want nil", state)
	}

	in := models.ContactFlowState{
		ContactID: "c1", FlowName: "lead_generation", CurrentStep: "show_products",
		Context: map[string]any{"quantity": 2.0},
	}
	if err := st.SaveFlowState(in); err != nil {
		t.Fatalf("SaveFlowState: %v", err)
	}
	state, err = st.GetFlowState("c1")
	if err != nil || state == nil {
		t.Fatalf("GetFlowState = %v, %v", state, err)
	}
	if state.CurrentStep != "show_products" || state.Context["quantity"] != 2.0 {
		t.Errorf("state = %+v", state)
	}

	if err := st.DeleteFlowState("c1"); err != nil {
		t.Fatalf("DeleteFlowState: %v", err)
	}
	state, _ = st.GetFlowState("c1")
	if state != nil {
		t.Errorf("state after delete = %+v", state)
	}
}

func TestInMemoryListStaleFlowStates(t *testing.T) {
	st := NewInMemoryStore()
	cutoff := time.Now().Add(-24 * time.Hour)

	stale := models.ContactFlowState{
		ContactID: "old", FlowName: "lead_generation", UpdatedAt: cutoff.Add(-time.Hour),
	}
	fresh := models.ContactFlowState{
		ContactID: "new", FlowName: "lead_generation", UpdatedAt: time.Now(),
	}
	idle := models.ContactFlowState{
		ContactID: "idle", UpdatedAt: cutoff.Add(-time.Hour),
	}
	for _, s := range []models.ContactFlowState{stale, fresh, idle} {
		if err := st.SaveFlowState(s); err != nil {
			t.Fatalf("SaveFlowState: %v", err)
		}
	}

	got, err := st.ListStaleFlowStates(cutoff)
	if err != nil {
		t.Fatalf("ListStaleFlowStates: %v", err)
	}
	if len(got) != 1 || got[0].ContactID != "old" {
		t.Errorf("stale states = %+v, want just the old active one", got)
	}
}

func TestInMemoryContacts(t *testing.T) {
	st := NewInMemoryStore()

	c1, err := st.GetOrCreateContact("15550001111")
	if err != nil {
		t.Fatalf("GetOrCreateContact: %v", err)
	}
	if c1.ID == "" || c1.Phone != "15550001111" {
		t.Errorf("contact = %+v", c1)
	}

	c2, err := st.GetOrCreateContact("15550001111")
	if err != nil {
		t.Fatalf("GetOrCreateContact(again): %v", err)
	}
	if c2.ID != c1.ID {
		t.Error("same phone produced a second contact")
	}

	if err := st.SetContactNeedsHuman(c1.ID, true); err != nil {
		t.Fatalf("SetContactNeedsHuman: %v", err)
	}
	fresh, err := st.GetContact(c1.ID)
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if !fresh.NeedsHuman {
		t.Error("needs_human not persisted")
	}

	if err := st.SetContactNeedsHuman("ghost", true); !errors.Is(err, models.ErrRecordNotFound) {
		t.Errorf("SetContactNeedsHuman(ghost) = %v, want ErrRecordNotFound", err)
	}
	if _, err := st.GetContact("ghost"); !errors.Is(err, models.ErrRecordNotFound) {
		t.Errorf("GetContact(ghost) = %v, want ErrRecordNotFound", err)
	}
}

func TestInMemoryModelAccess(t *testing.T) {
	st := NewInMemoryStore()

	rec, err := st.CreateModel(models.ModelProduct, map[string]any{
		"name": "Solar Kit 5kW", "category": "solar", "price": 4500.0, "active": true,
	})
	if err != nil {
		t.Fatalf("CreateModel: %v", err)
	}
	if rec["id"] == "" {
		t.Error("created record has no id")
	}

	if _, err := st.CreateModel("spaceship", nil); !errors.Is(err, models.ErrUnknownModel) {
		t.Errorf("CreateModel(spaceship) = %v, want ErrUnknownModel", err)
	}
	if _, err := st.CreateModel(models.ModelProduct, map[string]any{"warp": 9}); err == nil {
		t.Error("unknown column accepted")
	}

	recs, err := st.QueryModel(models.ModelProduct, map[string]string{"category": "solar"}, 0)
	if err != nil || len(recs) != 1 {
		t.Fatalf("QueryModel = %d recs, %v", len(recs), err)
	}

	// Mutating a query result must not touch the stored record.
	recs[0]["name"] = "tampered"
	recs, _ = st.QueryModel(models.ModelProduct, nil, 0)
	if recs[0]["name"] != "Solar Kit 5kW" {
		t.Error("query result aliases the stored record")
	}

	count, err := st.UpdateModel(models.ModelProduct, map[string]string{"category": "solar"}, map[string]any{"active": false})
	if err != nil || count != 1 {
		t.Fatalf("UpdateModel = %d, %v", count, err)
	}
	recs, _ = st.QueryModel(models.ModelProduct, map[string]string{"active": "false"}, 0)
	if len(recs) != 1 {
		t.Errorf("after update got %d inactive products", len(recs))
	}

	count, err = st.UpdateModel(models.ModelProduct, map[string]string{"category": "furniture"}, map[string]any{"active": true})
	if err != nil || count != 0 {
		t.Errorf("UpdateModel(no match) = %d, %v", count, err)
	}
}

func TestInMemoryQueryModelLimit(t *testing.T) {
	st := NewInMemoryStore()
	for i := 0; i < 5; i++ {
		if _, err := st.CreateModel(models.ModelProduct, map[string]any{"name": "P", "active": true}); err != nil {
			t.Fatalf("CreateModel: %v", err)
		}
	}
	recs, err := st.QueryModel(models.ModelProduct, nil, 3)
	if err != nil || len(recs) != 3 {
		t.Errorf("QueryModel limit = %d recs, %v", len(recs), err)
	}
}

func TestInMemoryOrders(t *testing.T) {
	st := NewInMemoryStore()

	exists, err := st.OrderNumberExists("ORD-1A2B3C4D")
	if err != nil || exists {
		t.Errorf("OrderNumberExists(new) = %v, %v", exists, err)
	}

	created, err := st.CreateOrder(models.Order{
		OrderNumber: "ORD-1A2B3C4D", ContactID: "c1", Status: models.OrderStatusPending,
		Total: 9600, Items: []models.OrderItem{
			{ProductName: "Solar Kit 5kW", Quantity: 2, UnitPrice: 4500, Subtotal: 9000},
			{ProductName: "Starlink Standard Kit", Quantity: 1, UnitPrice: 600, Subtotal: 600},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if created.ID == "" {
		t.Error("order has no id")
	}

	exists, _ = st.OrderNumberExists("ORD-1A2B3C4D")
	if !exists {
		t.Error("order number not registered")
	}

	items, err := st.QueryModel(models.ModelOrderItem, map[string]string{"order_id": created.ID}, 0)
	if err != nil || len(items) != 2 {
		t.Errorf("order items = %d, %v", len(items), err)
	}
}

func TestInMemoryFlowResponses(t *testing.T) {
	st := NewInMemoryStore()

	saved, err := st.SaveFlowResponse(models.WhatsAppFlowResponse{
		ContactID: "c1", Payload: map[string]any{"system_type": "solar"},
	})
	if err != nil {
		t.Fatalf("SaveFlowResponse: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("response has no id")
	}

	if err := st.MarkFlowResponseProcessed(saved.ID, "req-1"); err != nil {
		t.Fatalf("MarkFlowResponseProcessed: %v", err)
	}
	resp, err := st.GetFlowResponse(saved.ID)
	if err != nil {
		t.Fatalf("GetFlowResponse: %v", err)
	}
	if !resp.Processed || resp.CreatedRecord != "req-1" {
		t.Errorf("response = %+v", resp)
	}

	if err := st.MarkFlowResponseProcessed("ghost", ""); err == nil {
		t.Error("marking an unknown response should fail")
	}
}
