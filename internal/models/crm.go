// Package models defines the CRM records SolarFlow tracks.
package models

import "time"

// Model name constants used by query/create/update actions and the store's
// generic model access. Only these names are accepted; anything else is a
// load-time or execution-time ErrUnknownModel.
const (
	ModelContact             = "contact"
	ModelProduct             = "product"
	ModelOrder               = "order"
	ModelOrderItem           = "order_item"
	ModelInstallationRequest = "installation_request"
	ModelWarrantyClaim       = "warranty_claim"
	ModelOpportunity         = "opportunity"
)

// Record is a generic row-of-map representation of a CRM record, used by the
// action executor when moving query results into the execution context.
type Record map[string]any

// Contact is a WhatsApp contact known to the CRM.
type Contact struct {
	ID         string    `json:"id"`
	Phone      string    `json:"phone"` // canonicalized, unique
	Name       string    `json:"name,omitempty"`
	NeedsHuman bool      `json:"needs_human"` // set by human_handover steps
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Product is one sellable item (solar kit, Starlink kit, furniture piece).
type Product struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Category string  `json:"category,omitempty"` // solar | starlink | furniture
	Price    float64 `json:"price"`
	Active   bool    `json:"active"`
}

// Order statuses.
const (
	OrderStatusPending   = "pending"
	OrderStatusConfirmed = "confirmed"
	OrderStatusPaid      = "paid"
	OrderStatusCancelled = "cancelled"
)

// Order is a confirmed purchase assembled from a conversation cart.
type Order struct {
	ID           string      `json:"id"`
	OrderNumber  string      `json:"order_number"` // unique, human-facing
	ContactID    string      `json:"contact_id"`
	Status       string      `json:"status"`
	Total        float64     `json:"total"`
	DeliveryName string      `json:"delivery_name,omitempty"`
	DeliveryAddr string      `json:"delivery_address,omitempty"`
	Items        []OrderItem `json:"items,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// OrderItem is one line of an order.
type OrderItem struct {
	ID          string  `json:"id"`
	OrderID     string  `json:"order_id"`
	ProductID   string  `json:"product_id,omitempty"`
	ProductName string  `json:"product_name"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Subtotal    float64 `json:"subtotal"`
}

// InstallationRequest tracks a requested solar/Starlink/furniture installation.
type InstallationRequest struct {
	ID         string    `json:"id"`
	ContactID  string    `json:"contact_id"`
	SystemType string    `json:"system_type,omitempty"`
	Address    string    `json:"address,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	Status     string    `json:"status"` // new | scheduled | completed
	CreatedAt  time.Time `json:"created_at"`
}

// WarrantyClaim tracks a warranty issue reported for a past order.
type WarrantyClaim struct {
	ID          string    `json:"id"`
	ContactID   string    `json:"contact_id"`
	OrderNumber string    `json:"order_number,omitempty"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"` // open | in_review | resolved
	CreatedAt   time.Time `json:"created_at"`
}

// Opportunity is a sales lead captured mid-conversation.
type Opportunity struct {
	ID        string    `json:"id"`
	ContactID string    `json:"contact_id"`
	Title     string    `json:"title"`
	Stage     string    `json:"stage"` // new | qualified | won | lost
	Amount    float64   `json:"amount,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WhatsAppFlowResponse records a structured WhatsApp Flow form submission and
// whether it was processed into a CRM side effect.
type WhatsAppFlowResponse struct {
	ID            string         `json:"id"`
	ContactID     string         `json:"contact_id"`
	Payload       map[string]any `json:"payload,omitempty"`
	Processed     bool           `json:"processed"`
	CreatedRecord string         `json:"created_record,omitempty"` // e.g. installation_request id
	CreatedAt     time.Time      `json:"created_at"`
}
