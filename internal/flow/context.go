// Package flow implements the declarative conversation flow interpreter:
// the execution context, template renderer, condition evaluator, action
// executor, and the engine that advances a contact through a flow one
// inbound message at a time.
package flow

import (
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// Context is the dynamic per-contact execution state of a flow run. Values
// are addressed by dotted paths ("found_product.price", "cart_items.0.name")
// including numeric list indices. The underlying data is JSON-safe so the
// whole context persists as one column on the contact's flow state row.
type Context struct {
	c *gabs.Container
}

// NewContext returns an empty execution context.
func NewContext() *Context {
	return &Context{c: gabs.Wrap(map[string]any{})}
}

// ContextFromMap wraps an existing context map, e.g. one loaded from storage.
// A nil map yields an empty context.
func ContextFromMap(m map[string]any) *Context {
	if m == nil {
		m = map[string]any{}
	}
	return &Context{c: gabs.Wrap(m)}
}

// Get returns the value at the dotted path and whether it exists.
func (fc *Context) Get(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	hit := fc.c.Search(strings.Split(path, ".")...)
	if hit == nil {
		return nil, false
	}
	return hit.Data(), true
}

// GetString returns the value at path rendered as a string, or "" when missing.
func (fc *Context) GetString(path string) string {
	v, ok := fc.Get(path)
	if !ok {
		return ""
	}
	return Stringify(v)
}

// Exists reports whether the path holds a non-nil value.
func (fc *Context) Exists(path string) bool {
	v, ok := fc.Get(path)
	return ok && v != nil
}

// Set stores a value at the dotted path, creating intermediate maps.
func (fc *Context) Set(path string, value any) {
	// SetP only fails on unappendable intermediates, which we overwrite below.
	if _, err := fc.c.SetP(value, path); err != nil {
		parts := strings.Split(path, ".")
		if len(parts) > 1 {
			fc.c.DeleteP(strings.Join(parts[:len(parts)-1], "."))
			fc.c.SetP(value, path)
		}
	}
}

// Append appends a value to the list at path, creating the list if absent.
func (fc *Context) Append(path string, value any) error {
	if !fc.Exists(path) {
		fc.Set(path, []any{})
	}
	return fc.c.ArrayAppendP(value, path)
}

// Delete removes the value at path, if present.
func (fc *Context) Delete(path string) {
	fc.c.DeleteP(path)
}

// Map returns the underlying context map for persistence or expression
// environments. Mutating the result mutates the context.
func (fc *Context) Map() map[string]any {
	if m, ok := fc.c.Data().(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Stringify renders a context value the way templates and conditions compare
// it: floats drop a trailing ".0" so numbers read naturally in messages.
func Stringify(v any) string {
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
		out := gabs.Wrap(v).String()
		return strings.Trim(out, `"`)
	}
}

// Truthy reports whether a context value counts as set: non-empty string,
// non-zero number, true bool, or non-empty list/map.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
