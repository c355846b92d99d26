package mcp_test

import (
	"encoding/json"
	"math"
	"slices"
	"testing"

	mcp "github.com/MegaGrindStone/mcp-stdio-client"
)

func TestValue_JSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		kind  mcp.ValueKind
		want  string
	}{
		{name: "null", input: `null`, kind: mcp.ValueKindNull, want: `null`},
		{name: "bool", input: `true`, kind: mcp.ValueKindBool, want: `true`},
		{name: "integer", input: `42`, kind: mcp.ValueKindNumber, want: `42`},
		{name: "big integer", input: `12345678901234567890`, kind: mcp.ValueKindNumber, want: `12345678901234567890`},
		{name: "float", input: `1.5e3`, kind: mcp.ValueKindNumber, want: `1.5e3`},
		{name: "string", input: `"héllo \"world\""`, kind: mcp.ValueKindString, want: `"héllo \"world\""`},
		{name: "array", input: `[1, "two", [null]]`, kind: mcp.ValueKindArray, want: `[1,"two",[null]]`},
		{name: "empty array", input: `[]`, kind: mcp.ValueKindArray, want: `[]`},
		{
			name:  "object keeps key order",
			input: `{"zeta": 1, "alpha": {"b": true, "a": false}}`,
			kind:  mcp.ValueKindObject,
			want:  `{"zeta":1,"alpha":{"b":true,"a":false}}`,
		},
		{name: "empty object", input: `{}`, kind: mcp.ValueKindObject, want: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v mcp.Value
			if err := json.Unmarshal([]byte(tt.input), &v); err != nil {
				t.Fatalf("failed to unmarshal: %v", err)
			}
			if v.Kind() != tt.kind {
				t.Errorf("Kind() = %v, want %v", v.Kind(), tt.kind)
			}

			got, err := json.Marshal(v)
			if err != nil {
				t.Fatalf("failed to marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValue_UnmarshalInvalid(t *testing.T) {
	var v mcp.Value
	if err := json.Unmarshal([]byte(`{"a": }`), &v); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestValue_Accessors(t *testing.T) {
	obj := mcp.ObjectValue(map[string]mcp.Value{
		"text":  mcp.StringValue("hello"),
		"count": mcp.IntValue(3),
		"ratio": mcp.NumberValue(0.5),
		"flag":  mcp.BoolValue(true),
		"items": mcp.ArrayValue(mcp.StringValue("a"), mcp.NullValue()),
	})

	if got := obj.Len(); got != 5 {
		t.Errorf("Len() = %d, want 5", got)
	}
	if got, want := obj.Keys(), []string{"count", "flag", "items", "ratio", "text"}; !slices.Equal(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}

	text, _ := obj.Field("text")
	if s, ok := text.AsString(); !ok || s != "hello" {
		t.Errorf("text = %v, %v", s, ok)
	}
	count, _ := obj.Field("count")
	if i, ok := count.AsInt(); !ok || i != 3 {
		t.Errorf("count = %v, %v", i, ok)
	}
	ratio, _ := obj.Field("ratio")
	if _, ok := ratio.AsInt(); ok {
		t.Error("ratio should not be an integer")
	}
	if f, ok := ratio.AsNumber(); !ok || f != 0.5 {
		t.Errorf("ratio = %v, %v", f, ok)
	}
	flag, _ := obj.Field("flag")
	if b, ok := flag.AsBool(); !ok || !b {
		t.Errorf("flag = %v, %v", b, ok)
	}
	items, _ := obj.Field("items")
	arr, ok := items.AsArray()
	if !ok || len(arr) != 2 || !arr[1].IsNull() {
		t.Errorf("items = %v", items)
	}
	if _, ok := obj.Field("missing"); ok {
		t.Error("Field() found a missing key")
	}
	if _, ok := text.AsNumber(); ok {
		t.Error("AsNumber() succeeded on a string")
	}
	if _, ok := text.Field("text"); ok {
		t.Error("Field() succeeded on a string")
	}
}

func TestValue_Immutable(t *testing.T) {
	fields := map[string]mcp.Value{"a": mcp.IntValue(1)}
	obj := mcp.ObjectValue(fields)
	fields["b"] = mcp.IntValue(2)

	if obj.Len() != 1 {
		t.Errorf("ObjectValue shares its input map")
	}

	copied, _ := obj.AsObject()
	copied["c"] = mcp.IntValue(3)
	if obj.Len() != 1 {
		t.Errorf("AsObject returned the internal map")
	}

	elems := []mcp.Value{mcp.IntValue(1)}
	arr := mcp.ArrayValue(elems...)
	elems[0] = mcp.IntValue(2)
	first, _ := arr.AsArray()
	if i, _ := first[0].AsInt(); i != 1 {
		t.Errorf("ArrayValue shares its input slice")
	}
}

func TestValue_Equal(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{name: "numbers by value", a: `1`, b: `1.0`, want: true},
		{name: "different numbers", a: `1`, b: `2`, want: false},
		{name: "objects ignore key order", a: `{"a":1,"b":[true]}`, b: `{"b":[true],"a":1}`, want: true},
		{name: "objects with different values", a: `{"a":1}`, b: `{"a":"1"}`, want: false},
		{name: "objects with different keys", a: `{"a":1}`, b: `{"b":1}`, want: false},
		{name: "arrays keep order", a: `[1,2]`, b: `[2,1]`, want: false},
		{name: "null and false", a: `null`, b: `false`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a, b mcp.Value
			if err := json.Unmarshal([]byte(tt.a), &a); err != nil {
				t.Fatal(err)
			}
			if err := json.Unmarshal([]byte(tt.b), &b); err != nil {
				t.Fatal(err)
			}
			if got := a.Equal(b); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValueOf(t *testing.T) {
	type query struct {
		Text  string   `json:"text"`
		Limit int      `json:"limit"`
		Tags  []string `json:"tags,omitempty"`
	}

	v, err := mcp.ValueOf(query{Text: "hello", Limit: 10})
	if err != nil {
		t.Fatalf("ValueOf() error = %v", err)
	}

	want := mcp.ObjectValue(map[string]mcp.Value{
		"text":  mcp.StringValue("hello"),
		"limit": mcp.IntValue(10),
	})
	if !v.Equal(want) {
		t.Errorf("ValueOf() = %v, want %v", v, want)
	}

	if _, err := mcp.ValueOf(make(chan int)); err == nil {
		t.Error("ValueOf() accepted a channel")
	}
}

func TestNumberValue_NonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if v := mcp.NumberValue(f); !v.IsNull() {
			t.Errorf("NumberValue(%v) = %v, want null", f, v)
		}
	}
}

