package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// ValueKind identifies which variant a Value holds.
type ValueKind int

// ValueKind represents the variants of a Value.
const (
	ValueKindNull ValueKind = iota
	ValueKindBool
	ValueKindNumber
	ValueKindString
	ValueKindArray
	ValueKindObject
)

// Value is a JSON-shaped structured value: null, bool, number, string, an ordered sequence of
// values or a mapping from string keys to values. It is used for tool arguments and input
// schemas, whose shapes are defined by the server at runtime.
//
// The zero Value is null. Values are immutable once constructed; accessors that return
// slices or maps return copies. Objects remember the order of their keys: decoded objects keep
// document order, so a schema's properties are listed the way the server wrote them.
type Value struct {
	kind ValueKind
	b    bool
	num  json.Number
	str  string
	arr  []Value
	obj  map[string]Value
	keys []string
}

// NullValue returns the null Value.
func NullValue() Value {
	return Value{}
}

// BoolValue returns a Value holding b.
func BoolValue(b bool) Value {
	return Value{kind: ValueKindBool, b: b}
}

// NumberValue returns a Value holding f. NaN and infinities have no JSON representation and
// are stored as null.
func NumberValue(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}
	}
	return Value{kind: ValueKindNumber, num: json.Number(strconv.FormatFloat(f, 'g', -1, 64))}
}

// IntValue returns a Value holding the integer i.
func IntValue(i int64) Value {
	return Value{kind: ValueKindNumber, num: json.Number(strconv.FormatInt(i, 10))}
}

// StringValue returns a Value holding s.
func StringValue(s string) Value {
	return Value{kind: ValueKindString, str: s}
}

// ArrayValue returns a Value holding the given elements in order.
func ArrayValue(elems ...Value) Value {
	arr := make([]Value, len(elems))
	copy(arr, elems)
	return Value{kind: ValueKindArray, arr: arr}
}

// ObjectValue returns a Value holding a copy of fields, with keys in sorted order.
func ObjectValue(fields map[string]Value) Value {
	obj := make(map[string]Value, len(fields))
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		obj[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Value{kind: ValueKindObject, obj: obj, keys: keys}
}

// ValueOf converts a Go value into a Value by way of its JSON encoding. It accepts anything
// encoding/json can marshal, including maps, slices and structs with json tags.
func ValueOf(v any) (Value, error) {
	if val, ok := v.(Value); ok {
		return val, nil
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("failed to marshal value: %w", err)
	}
	var val Value
	if err := json.Unmarshal(bs, &val); err != nil {
		return Value{}, err
	}
	return val, nil
}

// Kind returns the variant held by v.
func (v Value) Kind() ValueKind {
	return v.kind
}

// IsNull reports whether v is null.
func (v Value) IsNull() bool {
	return v.kind == ValueKindNull
}

// AsBool returns the boolean held by v, and false in the second result if v is not a bool.
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == ValueKindBool
}

// AsNumber returns the number held by v as a float64.
func (v Value) AsNumber() (float64, bool) {
	if v.kind != ValueKindNumber {
		return 0, false
	}
	f, err := v.num.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

// AsInt returns the number held by v if it is an integer that fits in an int64.
func (v Value) AsInt() (int64, bool) {
	if v.kind != ValueKindNumber {
		return 0, false
	}
	i, err := v.num.Int64()
	if err != nil {
		return 0, false
	}
	return i, true
}

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == ValueKindString
}

// AsArray returns a copy of the elements held by v.
func (v Value) AsArray() ([]Value, bool) {
	if v.kind != ValueKindArray {
		return nil, false
	}
	arr := make([]Value, len(v.arr))
	copy(arr, v.arr)
	return arr, true
}

// AsObject returns a copy of the fields held by v.
func (v Value) AsObject() (map[string]Value, bool) {
	if v.kind != ValueKindObject {
		return nil, false
	}
	obj := make(map[string]Value, len(v.obj))
	for k, f := range v.obj {
		obj[k] = f
	}
	return obj, true
}

// Keys returns the keys of an object in order, and nil for any other kind.
func (v Value) Keys() []string {
	if v.kind != ValueKindObject {
		return nil
	}
	keys := make([]string, len(v.keys))
	copy(keys, v.keys)
	return keys
}

// Field returns the field named key when v is an object.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != ValueKindObject {
		return Value{}, false
	}
	f, ok := v.obj[key]
	return f, ok
}

// Len returns the number of elements or fields held by v, and 0 for scalars.
func (v Value) Len() int {
	switch v.kind {
	case ValueKindArray:
		return len(v.arr)
	case ValueKindObject:
		return len(v.obj)
	default:
		return 0
	}
}

// Equal reports whether v and other hold the same variant and contents. Numbers are compared
// by value, so 1 and 1.0 are equal. Key order does not matter.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case ValueKindNull:
		return true
	case ValueKindBool:
		return v.b == other.b
	case ValueKindNumber:
		if v.num == other.num {
			return true
		}
		a, aOK := v.AsNumber()
		b, bOK := other.AsNumber()
		return aOK && bOK && a == b
	case ValueKindString:
		return v.str == other.str
	case ValueKindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	case ValueKindObject:
		if len(v.obj) != len(other.obj) {
			return false
		}
		for k, f := range v.obj {
			g, ok := other.obj[k]
			if !ok || !f.Equal(g) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String returns the compact JSON encoding of v.
func (v Value) String() string {
	bs, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<invalid value: %v>", err)
	}
	return string(bs)
}

// MarshalJSON implements json.Marshaler. Object keys are written in the order the Value holds
// them, so the encoding of a Value is deterministic.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case ValueKindNull:
		buf.WriteString("null")
	case ValueKindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case ValueKindNumber:
		buf.WriteString(v.num.String())
	case ValueKindString:
		bs, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(bs)
	case ValueKindArray:
		buf.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case ValueKindObject:
		buf.WriteByte('{')
		for i, k := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kbs, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kbs)
			buf.WriteByte(':')
			if err := v.obj[k].writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("invalid value kind: %d", v.kind)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Numbers keep their textual form, so integers
// larger than 2^53 survive a decode/encode cycle unchanged. When an object repeats a key, the
// last value wins and the key keeps its first position.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	val, err := decodeValue(dec)
	if err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}
	*v = val
	return nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return BoolValue(t), nil
	case json.Number:
		return Value{kind: ValueKindNumber, num: t}, nil
	case string:
		return StringValue(t), nil
	case json.Delim:
		switch t {
		case '[':
			arr := make([]Value, 0)
			for dec.More() {
				e, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				arr = append(arr, e)
			}
			// Consume the closing bracket.
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Value{kind: ValueKindArray, arr: arr}, nil
		case '{':
			obj := make(map[string]Value)
			var keys []string
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("invalid object key: %v", keyTok)
				}
				e, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				if _, dup := obj[key]; !dup {
					keys = append(keys, key)
				}
				obj[key] = e
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Value{kind: ValueKindObject, obj: obj, keys: keys}, nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token: %v", tok)
}

func (k ValueKind) String() string {
	switch k {
	case ValueKindNull:
		return "null"
	case ValueKindBool:
		return "bool"
	case ValueKindNumber:
		return "number"
	case ValueKindString:
		return "string"
	case ValueKindArray:
		return "array"
	case ValueKindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}
