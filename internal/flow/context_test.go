package flow

import (
	"reflect"
	"testing"
)

func TestContextSetGetDottedPaths(t *testing.T) {
	fc := NewContext()
	fc.Set("name", "Ada")
	fc.Set("order.number", "ORD-1A2B3C4D")
	fc.Set("order.total", 42.5)

	if v, ok := fc.Get("name"); !ok || v != "Ada" {
		t.Errorf("Get(name) = %v, %v; want Ada, true", v, ok)
	}
	if v, ok := fc.Get("order.number"); !ok || v != "ORD-1A2B3C4D" {
		t.Errorf("Get(order.number) = %v, %v", v, ok)
	}
	if v, ok := fc.Get("order.total"); !ok || v != 42.5 {
		t.Errorf("Get(order.total) = %v, %v", v, ok)
	}
	if _, ok := fc.Get("order.missing"); ok {
		t.Error("Get(order.missing) should report missing")
	}
	if _, ok := fc.Get(""); ok {
		t.Error("Get(\"\") should report missing")
	}
}

func TestContextListIndexAccess(t *testing.T) {
	fc := ContextFromMap(map[string]any{
		"cart_items": []any{
			map[string]any{"name": "Solar Kit 5kW", "quantity": 2.0},
			map[string]any{"name": "Starlink Standard Kit", "quantity": 1.0},
		},
	})
	if got := fc.GetString("cart_items.0.name"); got != "Solar Kit 5kW" {
		t.Errorf("GetString(cart_items.0.name) = %q", got)
	}
	if got := fc.GetString("cart_items.1.quantity"); got != "1" {
		t.Errorf("GetString(cart_items.1.quantity) = %q", got)
	}
}

func TestContextAppend(t *testing.T) {
	fc := NewContext()
	if err := fc.Append("items", "a"); err != nil {
		t.Fatalf("Append to absent list: %v", err)
	}
	if err := fc.Append("items", "b"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	v, _ := fc.Get("items")
	if !reflect.DeepEqual(v, []any{"a", "b"}) {
		t.Errorf("items = %v, want [a b]", v)
	}
}

func TestContextRoundTripThroughMap(t *testing.T) {
	fc := NewContext()
	fc.Set("contact.phone", "15550001111")
	fc.Set("quantity", 3.0)

	restored := ContextFromMap(fc.Map())
	if got := restored.GetString("contact.phone"); got != "15550001111" {
		t.Errorf("restored contact.phone = %q", got)
	}
	if v, _ := restored.Get("quantity"); v != 3.0 {
		t.Errorf("restored quantity = %v", v)
	}
}

func TestStringify(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{true, "true"},
		{7, "7"},
		{int64(8), "8"},
		{3.0, "3"},
		{3.25, "3.25"},
	}
	for _, tc := range cases {
		if got := Stringify(tc.in); got != tc.want {
			t.Errorf("Stringify(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTruthy(t *testing.T) {
	truthy := []any{"x", true, 1, int64(2), 0.5, []any{1}, map[string]any{"k": 1}}
	for _, v := range truthy {
		if !Truthy(v) {
			t.Errorf("Truthy(%v) = false, want true", v)
		}
	}
	falsy := []any{nil, "", "  ", false, 0, int64(0), 0.0, []any{}, map[string]any{}}
	for _, v := range falsy {
		if Truthy(v) {
			t.Errorf("Truthy(%v) = true, want false", v)
		}
	}
}
