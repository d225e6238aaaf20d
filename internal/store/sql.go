package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/solarflow/solarflow/internal/models"
)

// sqlStore is the shared implementation behind SQLiteStore and PostgresStore.
// Queries are written with "?" placeholders and rebound to "$n" for Postgres.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

// rebind converts "?" placeholders to "$1", "$2", ... for Postgres.
func (s *sqlStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(query string, args ...any) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func (s *sqlStore) query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

func (s *sqlStore) queryRow(query string, args ...any) *sql.Row {
	return s.db.QueryRow(s.rebind(query), args...)
}

func (s *sqlStore) SaveFlow(f models.Flow) error {
	def, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal flow definition: %w", err)
	}
	_, err = s.exec(`INSERT INTO flows (name, definition, active, priority, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET definition = excluded.definition,
			active = excluded.active, priority = excluded.priority,
			updated_at = excluded.updated_at`,
		f.Name, string(def), f.Active, f.Priority, time.Now())
	if err != nil {
		slog.Error("sqlStore failed to save flow", "error", err, "flow", f.Name)
		return fmt.Errorf("failed to save flow: %w", err)
	}
	slog.Debug("sqlStore saved flow", "flow", f.Name)
	return nil
}

func (s *sqlStore) GetFlow(name string) (*models.Flow, error) {
	var def string
	err := s.queryRow(`SELECT definition FROM flows WHERE name = ?`, name).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flow %q: %w", name, models.ErrFlowNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	var f models.Flow
	if err := json.Unmarshal([]byte(def), &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow definition: %w", err)
	}
	return &f, nil
}

func (s *sqlStore) ListFlows() ([]models.Flow, error) {
	rows, err := s.query(`SELECT definition FROM flows ORDER BY priority, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()
	var out []models.Flow
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		var f models.Flow
		if err := json.Unmarshal([]byte(def), &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow definition: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetFlowState(contactID string) (*models.ContactFlowState, error) {
	var (
		st      models.ContactFlowState
		context string
	)
	err := s.queryRow(`SELECT contact_id, flow_name, current_step, context, retry_count, started_at, updated_at
		FROM contact_flow_states WHERE contact_id = ?`, contactID).
		Scan(&st.ContactID, &st.FlowName, &st.CurrentStep, &context, &st.RetryCount, &st.StartedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow state: %w", err)
	}
	if context != "" && context != "{}" {
		if err := json.Unmarshal([]byte(context), &st.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow state context: %w", err)
		}
	}
	return &st, nil
}

func (s *sqlStore) SaveFlowState(st models.ContactFlowState) error {
	context := "{}"
	if st.Context != nil {
		raw, err := json.Marshal(st.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal flow state context: %w", err)
		}
		context = string(raw)
	}
	_, err := s.exec(`INSERT INTO contact_flow_states (contact_id, flow_name, current_step, context, retry_count, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET flow_name = excluded.flow_name,
			current_step = excluded.current_step, context = excluded.context,
			retry_count = excluded.retry_count, started_at = excluded.started_at,
			updated_at = excluded.updated_at`,
		st.ContactID, st.FlowName, st.CurrentStep, context, st.RetryCount, st.StartedAt, st.UpdatedAt)
	if err != nil {
		slog.Error("sqlStore failed to save flow state", "error", err, "contactID", st.ContactID)
		return fmt.Errorf("failed to save flow state: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteFlowState(contactID string) error {
	if _, err := s.exec(`DELETE FROM contact_flow_states WHERE contact_id = ?`, contactID); err != nil {
		return fmt.Errorf("failed to delete flow state: %w", err)
	}
	return nil
}

func (s *sqlStore) ListStaleFlowStates(before time.Time) ([]models.ContactFlowState, error) {
	rows, err := s.query(`SELECT contact_id, flow_name, current_step, context, retry_count, started_at, updated_at
		FROM contact_flow_states WHERE flow_name != '' AND updated_at < ?`, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale flow states: %w", err)
	}
	defer rows.Close()
	var out []models.ContactFlowState
	for rows.Next() {
		var (
			st      models.ContactFlowState
			context string
		)
		if err := rows.Scan(&st.ContactID, &st.FlowName, &st.CurrentStep, &context, &st.RetryCount, &st.StartedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flow state row: %w", err)
		}
		if context != "" && context != "{}" {
			if err := json.Unmarshal([]byte(context), &st.Context); err != nil {
				return nil, fmt.Errorf("failed to unmarshal flow state context: %w", err)
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetOrCreateContact(phone string) (*models.Contact, error) {
	c, err := s.scanContact(s.queryRow(`SELECT id, phone, name, needs_human, created_at, updated_at
		FROM contacts WHERE phone = ?`, phone))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	now := time.Now()
	created := models.Contact{ID: uuid.NewString(), Phone: phone, CreatedAt: now, UpdatedAt: now}
	_, err = s.exec(`INSERT INTO contacts (id, phone, name, needs_human, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		created.ID, created.Phone, created.Name, created.NeedsHuman, created.CreatedAt, created.UpdatedAt)
	if err != nil {
		// Lost a race with a concurrent insert for the same phone.
		if c, retryErr := s.scanContact(s.queryRow(`SELECT id, phone, name, needs_human, created_at, updated_at
			FROM contacts WHERE phone = ?`, phone)); retryErr == nil {
			return c, nil
		}
		slog.Error("sqlStore failed to create contact", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}
	slog.Debug("sqlStore created contact", "phone", phone, "id", created.ID)
	return &created, nil
}

func (s *sqlStore) GetContact(id string) (*models.Contact, error) {
	c, err := s.scanContact(s.queryRow(`SELECT id, phone, name, needs_human, created_at, updated_at
		FROM contacts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contact %q: %w", id, models.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return c, nil
}

func (s *sqlStore) scanContact(row *sql.Row) (*models.Contact, error) {
	var c models.Contact
	if err := row.Scan(&c.ID, &c.Phone, &c.Name, &c.NeedsHuman, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqlStore) SetContactNeedsHuman(id string, needs bool) error {
	res, err := s.exec(`UPDATE contacts SET needs_human = ?, updated_at = ? WHERE id = ?`, needs, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update contact: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("contact %q: %w", id, models.ErrRecordNotFound)
	}
	return nil
}

func (s *sqlStore) QueryModel(model string, filters map[string]string, limit int) ([]models.Record, error) {
	schema, err := schemaFor(model)
	if err != nil {
		return nil, err
	}
	if err := schema.validateFilters(filters); err != nil {
		return nil, err
	}
	query, args := selectQuery(schema, filters, limit)
	rows, err := s.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", schema.table, err)
	}
	defer rows.Close()
	var out []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows, schema)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateModel(model string, fields map[string]any) (models.Record, error) {
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
	var (
		cols         []string
		placeholders []string
		args         []any
	)
	for _, col := range schema.columns {
		v, ok := rec[col]
		if !ok {
			continue
		}
		cols = append(cols, col)
		placeholders = append(placeholders, "?")
		args = append(args, bindValue(schema, col, v))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		schema.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := s.exec(query, args...); err != nil {
		slog.Error("sqlStore failed to create record", "error", err, "model", model)
		return nil, fmt.Errorf("failed to create %s: %w", model, err)
	}
	slog.Debug("sqlStore created record", "model", model, "id", rec["id"])
	return rec, nil
}

func (s *sqlStore) UpdateModel(model string, filters map[string]string, fields map[string]any) (int, error) {
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
	var (
		sets []string
		args []any
	)
	for _, col := range schema.columns {
		v, ok := fields[col]
		if !ok {
			continue
		}
		sets = append(sets, col+" = ?")
		args = append(args, bindValue(schema, col, v))
	}
	if len(sets) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf("UPDATE %s SET %s", schema.table, strings.Join(sets, ", "))
	where, whereArgs := filterClauses(schema, filters)
	if where != "" {
		query += " WHERE " + where
		args = append(args, whereArgs...)
	}
	res, err := s.exec(query, args...)
	if err != nil {
		slog.Error("sqlStore failed to update records", "error", err, "model", model)
		return 0, fmt.Errorf("failed to update %s: %w", model, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count updated rows: %w", err)
	}
	return int(n), nil
}

func (s *sqlStore) CreateOrder(o models.Order) (*models.Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin order transaction: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.Exec(s.rebind(`INSERT INTO orders (id, order_number, contact_id, status, total, delivery_name, delivery_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		o.ID, o.OrderNumber, o.ContactID, o.Status, o.Total, o.DeliveryName, o.DeliveryAddr, o.CreatedAt)
	if err != nil {
		slog.Error("sqlStore failed to insert order", "error", err, "orderNumber", o.OrderNumber)
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}
	for i := range o.Items {
		item := &o.Items[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.OrderID = o.ID
		_, err = tx.Exec(s.rebind(`INSERT INTO order_items (id, order_id, product_id, product_name, quantity, unit_price, subtotal)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			item.ID, item.OrderID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.Subtotal)
		if err != nil {
			return nil, fmt.Errorf("failed to insert order item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit order: %w", err)
	}
	slog.Info("sqlStore created order", "orderNumber", o.OrderNumber, "items", len(o.Items), "total", o.Total)
	return &o, nil
}

func (s *sqlStore) OrderNumberExists(number string) (bool, error) {
	var one int
	err := s.queryRow(`SELECT 1 FROM orders WHERE order_number = ?`, number).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check order number: %w", err)
	}
	return true, nil
}

func (s *sqlStore) CreateOpportunity(o models.Opportunity) (*models.Opportunity, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := s.exec(`INSERT INTO opportunities (id, contact_id, title, stage, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.ContactID, o.Title, o.Stage, o.Amount, o.CreatedAt)
	if err != nil {
		slog.Error("sqlStore failed to create opportunity", "error", err, "contactID", o.ContactID)
		return nil, fmt.Errorf("failed to create opportunity: %w", err)
	}
	return &o, nil
}

func (s *sqlStore) SaveFlowResponse(r models.WhatsAppFlowResponse) (*models.WhatsAppFlowResponse, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	payload := "{}"
	if r.Payload != nil {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal flow response payload: %w", err)
		}
		payload = string(raw)
	}
	_, err := s.exec(`INSERT INTO whatsapp_flow_responses (id, contact_id, payload, processed, created_record, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.ContactID, payload, r.Processed, r.CreatedRecord, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save flow response: %w", err)
	}
	return &r, nil
}

func (s *sqlStore) MarkFlowResponseProcessed(id, createdRecord string) error {
	res, err := s.exec(`UPDATE whatsapp_flow_responses SET processed = ?, created_record = ? WHERE id = ?`,
		true, createdRecord, id)
	if err != nil {
		return fmt.Errorf("failed to mark flow response processed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("flow response %q: %w", id, models.ErrRecordNotFound)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// selectQuery builds the record query. Results are ordered deterministically
// so numbered menus built from them are stable across runs: insertion order
// where the table records it, id otherwise.
func selectQuery(schema modelSchema, filters map[string]string, limit int) (string, []any) {
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(schema.columns, ", "), schema.table)
	where, args := filterClauses(schema, filters)
	if where != "" {
		query += " WHERE " + where
	}
	if schema.hasColumn("created_at") {
		query += " ORDER BY created_at, id"
	} else {
		query += " ORDER BY id"
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return query, args
}

// filterClauses builds an AND-joined WHERE fragment for the validated filter
// set. Non-boolean columns are compared as text so string filter values work
// against numeric columns the same way on both SQL backends.
func filterClauses(schema modelSchema, filters map[string]string) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	for _, col := range schema.columns {
		want, ok := filters[col]
		if !ok {
			continue
		}
		if schema.isBool(col) {
			clauses = append(clauses, col+" = ?")
			args = append(args, want == "true" || want == "1")
			continue
		}
		clauses = append(clauses, "CAST("+col+" AS TEXT) = ?")
		args = append(args, want)
	}
	return strings.Join(clauses, " AND "), args
}

// bindValue converts a record value to a driver-friendly argument.
func bindValue(schema modelSchema, col string, v any) any {
	if schema.isBool(col) {
		switch t := v.(type) {
		case bool:
			return t
		case string:
			return t == "true" || t == "1"
		}
	}
	return v
}

// scanRecord reads the current row into a Record, normalizing driver types so
// records look the same as the in-memory backend's: []byte becomes string,
// timestamps become RFC 3339 strings, boolean columns become bool.
func scanRecord(rows *sql.Rows, schema modelSchema) (models.Record, error) {
	dest := make([]any, len(schema.columns))
	for i := range dest {
		dest[i] = new(any)
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan %s row: %w", schema.table, err)
	}
	rec := make(models.Record, len(schema.columns))
	for i, col := range schema.columns {
		v := *(dest[i].(*any))
		switch t := v.(type) {
		case []byte:
			v = string(t)
		case time.Time:
			v = t.Format(time.RFC3339)
		case int64:
			if schema.isBool(col) {
				v = t != 0
			}
		}
		rec[col] = v
	}
	return rec, nil
}
