// ABOUTME: Ordered string-keyed metadata whose values are a small tagged union.
// ABOUTME: Decoding preserves document key order so envelopes re-encode predictably.

package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindObject
	KindArray
)

// Value is one metadata value: null, string, number, bool, nested object or array.
type Value struct {
	kind   Kind
	str    string
	num    float64
	numRaw string
	b      bool
	obj    *Metadata
	arr    []Value
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Array returns an array value.
func Array(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }

// Number returns a numeric value.
func Number(f float64) Value {
	return Value{kind: KindNumber, num: f, numRaw: strconv.FormatFloat(f, 'f', -1, 64)}
}

// Int returns a numeric value holding an integer.
func Int(i int64) Value {
	return Value{kind: KindNumber, num: float64(i), numRaw: strconv.FormatInt(i, 10)}
}

// Object returns a nested object value.
func Object(m *Metadata) Value {
	if m == nil {
		m = &Metadata{}
	}
	return Value{kind: KindObject, obj: m}
}

func (v Value) Kind() Kind { return v.kind }

// Str returns the string held by v.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the number held by v.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Bool returns the boolean held by v.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Obj returns the nested object held by v.
func (v Value) Obj() (*Metadata, bool) { return v.obj, v.kind == KindObject }

// Items returns the elements held by v.
func (v Value) Items() ([]Value, bool) { return v.arr, v.kind == KindArray }

// MarshalJSON encodes v.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if v.numRaw != "" {
			return []byte(v.numRaw), nil
		}
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindObject:
		return v.obj.MarshalJSON()
	case KindArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown metadata kind %d", v.kind)
	}
}

// UnmarshalJSON decodes any JSON value into v.
func (v *Value) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("invalid JSON value")
	}
	*v = valueFromResult(gjson.ParseBytes(data))
	return nil
}

func valueFromResult(r gjson.Result) Value {
	switch r.Type {
	case gjson.String:
		return String(r.Str)
	case gjson.Number:
		return Value{kind: KindNumber, num: r.Num, numRaw: r.Raw}
	case gjson.True:
		return Bool(true)
	case gjson.False:
		return Bool(false)
	case gjson.JSON:
		if r.IsArray() {
			items := r.Array()
			out := make([]Value, 0, len(items))
			for _, item := range items {
				out = append(out, valueFromResult(item))
			}
			return Array(out...)
		}
		m := &Metadata{}
		r.ForEach(func(key, value gjson.Result) bool {
			m.Set(key.Str, valueFromResult(value))
			return true
		})
		return Object(m)
	default:
		return Null()
	}
}

// Metadata is an insertion-ordered mapping of string keys to Values.
// The zero value is an empty mapping ready to use.
type Metadata struct {
	keys   []string
	values map[string]Value
}

// NewMetadata builds a Metadata from alternating key/value pairs.
func NewMetadata(pairs ...any) *Metadata {
	m := &Metadata{}
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		switch val := pairs[i+1].(type) {
		case Value:
			m.Set(key, val)
		case string:
			m.Set(key, String(val))
		case bool:
			m.Set(key, Bool(val))
		case int:
			m.Set(key, Int(int64(val)))
		case int64:
			m.Set(key, Int(val))
		case float64:
			m.Set(key, Number(val))
		case *Metadata:
			m.Set(key, Object(val))
		case nil:
			m.Set(key, Null())
		}
	}
	return m
}

// Set stores v under key. An existing key keeps its position.
func (m *Metadata) Set(key string, v Value) {
	if m.values == nil {
		m.values = make(map[string]Value)
	}
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Get returns the value stored under key.
func (m *Metadata) Get(key string) (Value, bool) {
	if m == nil || m.values == nil {
		return Value{}, false
	}
	v, ok := m.values[key]
	return v, ok
}

// GetString returns the string stored under key, or "".
func (m *Metadata) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.Str()
	return s
}

// Keys returns the keys in insertion order.
func (m *Metadata) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of entries.
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Range calls fn for each entry in order until fn returns false.
func (m *Metadata) Range(fn func(key string, v Value) bool) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

// Clone returns a shallow copy; nested objects are shared.
func (m *Metadata) Clone() *Metadata {
	out := &Metadata{}
	m.Range(func(k string, v Value) bool {
		out.Set(k, v)
		return true
	})
	return out
}

// MarshalJSON encodes m as a JSON object in key order.
func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := m.values[k].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encoding metadata %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping document key order.
// A JSON null decodes to an empty mapping.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("invalid metadata JSON")
	}
	r := gjson.ParseBytes(data)
	*m = Metadata{}
	if r.Type == gjson.Null {
		return nil
	}
	if !r.IsObject() {
		return errors.New("metadata must be a JSON object")
	}
	r.ForEach(func(key, value gjson.Result) bool {
		m.Set(key.Str, valueFromResult(value))
		return true
	})
	return nil
}
