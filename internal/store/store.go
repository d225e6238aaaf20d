// Package store provides storage backends for SolarFlow.
//
// It persists flow definitions, per-contact flow state, and the CRM records
// the action executor reads and writes. Backends: in-memory (tests and
// ephemeral runs), SQLite, and PostgreSQL.
package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/solarflow/solarflow/internal/models"
)

// Store is the persistence abstraction shared by all backends.
type Store interface {
	// Flow definitions.
	SaveFlow(f models.Flow) error
	GetFlow(name string) (*models.Flow, error)
	ListFlows() ([]models.Flow, error)

	// Per-contact flow state. GetFlowState returns nil (no error) when the
	// contact has no state row yet.
	GetFlowState(contactID string) (*models.ContactFlowState, error)
	SaveFlowState(s models.ContactFlowState) error
	DeleteFlowState(contactID string) error
	ListStaleFlowStates(before time.Time) ([]models.ContactFlowState, error)

	// Contacts.
	GetOrCreateContact(phone string) (*models.Contact, error)
	GetContact(id string) (*models.Contact, error)
	SetContactNeedsHuman(id string, needs bool) error

	// Generic CRM model access for flow actions and listings. Filters are
	// equality matches on whitelisted columns.
	QueryModel(model string, filters map[string]string, limit int) ([]models.Record, error)
	CreateModel(model string, fields map[string]any) (models.Record, error)
	UpdateModel(model string, filters map[string]string, fields map[string]any) (int, error)

	// Orders and opportunities have composite shapes beyond the generic access.
	CreateOrder(o models.Order) (*models.Order, error)
	OrderNumberExists(number string) (bool, error)
	CreateOpportunity(o models.Opportunity) (*models.Opportunity, error)

	// WhatsApp Flow form submissions.
	SaveFlowResponse(r models.WhatsAppFlowResponse) (*models.WhatsAppFlowResponse, error)
	MarkFlowResponseProcessed(id, createdRecord string) error

	Close() error
}

// Opts holds configuration options for building a store.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL-looking DSNs and "sqlite"
// for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// modelSchema describes the table and writable/queryable columns of one CRM
// model for the generic access methods. Filters and fields outside the
// column whitelist are rejected, never interpolated.
type modelSchema struct {
	table    string
	columns  []string
	required []string
	bools    []string // columns stored as booleans by the SQL backends
}

var modelSchemas = map[string]modelSchema{
	models.ModelContact: {
		table:   "contacts",
		columns: []string{"id", "phone", "name", "needs_human", "created_at", "updated_at"},
		bools:   []string{"needs_human"},
	},
	models.ModelProduct: {
		table:   "products",
		columns: []string{"id", "name", "category", "price", "active"},
		bools:   []string{"active"},
	},
	models.ModelOrder: {
		table:   "orders",
		columns: []string{"id", "order_number", "contact_id", "status", "total", "delivery_name", "delivery_address", "created_at"},
	},
	models.ModelOrderItem: {
		table:   "order_items",
		columns: []string{"id", "order_id", "product_id", "product_name", "quantity", "unit_price", "subtotal"},
	},
	models.ModelInstallationRequest: {
		table:    "installation_requests",
		columns:  []string{"id", "contact_id", "system_type", "address", "notes", "status", "created_at"},
		required: []string{"contact_id"},
	},
	models.ModelWarrantyClaim: {
		table:    "warranty_claims",
		columns:  []string{"id", "contact_id", "order_number", "description", "status", "created_at"},
		required: []string{"contact_id"},
	},
	models.ModelOpportunity: {
		table:    "opportunities",
		columns:  []string{"id", "contact_id", "title", "stage", "amount", "created_at"},
		required: []string{"contact_id"},
	},
}

// schemaFor resolves a model name or fails with ErrUnknownModel.
func schemaFor(model string) (modelSchema, error) {
	schema, ok := modelSchemas[model]
	if !ok {
		return modelSchema{}, fmt.Errorf("model %q: %w", model, models.ErrUnknownModel)
	}
	return schema, nil
}

func (s modelSchema) isBool(name string) bool {
	for _, c := range s.bools {
		if c == name {
			return true
		}
	}
	return false
}

func (s modelSchema) hasColumn(name string) bool {
	for _, c := range s.columns {
		if c == name {
			return true
		}
	}
	return false
}

// validateWrite checks field names against the column whitelist and required
// columns for non-empty values. This is the store-level stand-in for model
// validation: a violation is reported as an error the executor logs and skips.
func (s modelSchema) validateWrite(fields map[string]any) error {
	for name := range fields {
		if !s.hasColumn(name) {
			return fmt.Errorf("unknown column %q for table %s", name, s.table)
		}
	}
	for _, req := range s.required {
		if stringifyValue(fields[req]) == "" {
			return fmt.Errorf("column %q is required for table %s", req, s.table)
		}
	}
	return nil
}

func (s modelSchema) validateFilters(filters map[string]string) error {
	for name := range filters {
		if !s.hasColumn(name) {
			return fmt.Errorf("unknown filter column %q for table %s", name, s.table)
		}
	}
	return nil
}

// stringifyValue renders a record value for equality comparison across
// backends (floats drop the trailing ".0", matching template output).
func stringifyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
