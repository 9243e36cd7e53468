// Package canonical implements the deterministic byte encoding used as
// hash input for chain proofs.
//
// State is modelled as a closed variant type (Value) mirroring the JSON
// data model: null, bool, number, string, list, and string-keyed map.
// The encoder sorts map keys and length-prefixes every element, so two
// logically identical states always encode to identical bytes, and no
// two distinct states share an encoding.
package canonical

import (
	"fmt"
	"sort"
)

// Kind identifies the shape of a Value.
type Kind uint8

// The closed set of value shapes the encoder accepts.
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// maxDepth bounds recursion when converting arbitrary Go values, so
// self-referential maps and degenerate nesting fail instead of looping.
const maxDepth = 50

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Value is one node of a state tree. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric Value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List returns a list Value holding the given items in order.
func List(items ...Value) Value {
	return Value{kind: KindList, list: items}
}

// Map returns a map Value. The fields map is copied.
func Map(fields map[string]Value) Value {
	m := make(map[string]Value, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return Value{kind: KindMap, m: m}
}

// EmptyMap returns a map Value with no fields.
func EmptyMap() Value { return Value{kind: KindMap, m: map[string]Value{}} }

// Kind reports the shape of v.
func (v Value) Kind() Kind { return v.kind }

// BoolVal returns the boolean payload. Valid only for KindBool.
func (v Value) BoolVal() bool { return v.b }

// NumberVal returns the numeric payload. Valid only for KindNumber.
func (v Value) NumberVal() float64 { return v.n }

// StringVal returns the string payload. Valid only for KindString.
func (v Value) StringVal() string { return v.s }

// Len returns the number of items (list) or fields (map).
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.m)
	}
	return 0
}

// Item returns the i-th list item. Valid only for KindList.
func (v Value) Item(i int) Value { return v.list[i] }

// Field returns the named map field. Valid only for KindMap.
func (v Value) Field(key string) (Value, bool) {
	f, ok := v.m[key]
	return f, ok
}

// Keys returns the map keys sorted bytewise ascending.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FromGo converts an ordinary Go value into a Value. It accepts the
// shapes encoding/json produces (nil, bool, float64, string, []any,
// map[string]any) plus Go integer types and pre-built Values. Anything
// else, a non-finite float, or nesting beyond the depth cap yields an
// *EncodingError.
func FromGo(v any) (Value, error) {
	return fromGo(v, 0)
}

func fromGo(v any, depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, &EncodingError{Reason: "value nesting exceeds depth limit (cyclic structure?)"}
	}

	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Number(float64(x)), nil
	case int8:
		return Number(float64(x)), nil
	case int16:
		return Number(float64(x)), nil
	case int32:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case uint:
		return Number(float64(x)), nil
	case uint8:
		return Number(float64(x)), nil
	case uint16:
		return Number(float64(x)), nil
	case uint32:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			cv, err := fromGo(item, depth+1)
			if err != nil {
				return Value{}, err
			}
			items[i] = cv
		}
		return Value{kind: KindList, list: items}, nil
	case []Value:
		return Value{kind: KindList, list: append([]Value(nil), x...)}, nil
	case map[string]any:
		m := make(map[string]Value, len(x))
		for k, item := range x {
			cv, err := fromGo(item, depth+1)
			if err != nil {
				return Value{}, err
			}
			m[k] = cv
		}
		return Value{kind: KindMap, m: m}, nil
	case map[string]Value:
		return Map(x), nil
	default:
		return Value{}, &EncodingError{Reason: fmt.Sprintf("unsupported value type %T", v)}
	}
}

// Interface converts v back to the plain Go representation used by
// encoding/json: nil, bool, float64, string, []any, map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		items := make([]any, len(v.list))
		for i, item := range v.list {
			items[i] = item.Interface()
		}
		return items
	case KindMap:
		m := make(map[string]any, len(v.m))
		for k, f := range v.m {
			m[k] = f.Interface()
		}
		return m
	}
	return nil
}
