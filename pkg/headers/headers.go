// Package headers models message header values as a closed set of kinds so
// they survive JSON persistence and AMQP tables without losing their type.
package headers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

const (
	CorrelationID = "x-correlation-id"
	Attempt       = "x-attempt"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	default:
		return "null"
	}
}

type Value struct {
	kind Kind
	s    string
	i    int64
	b    bool
}

func Null() Value            { return Value{} }
func String(s string) Value  { return Value{kind: KindString, s: s} }
func Int(i int64) Value      { return Value{kind: KindInt, i: i} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Raw() any     { return v.raw() }
func (v Value) Equal(o Value) bool {
	return v == o
}

// AsString returns the value rendered as text; null yields ok=false.
func (v Value) AsString() (string, bool) {
	switch v.kind {
	case KindString:
		return v.s, true
	case KindInt:
		return strconv.FormatInt(v.i, 10), true
	case KindBool:
		return strconv.FormatBool(v.b), true
	default:
		return "", false
	}
}

// AsInt accepts integers and strings holding a base-10 integer.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindString:
		n, err := strconv.ParseInt(v.s, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func (v Value) raw() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.raw())
}

// UnmarshalJSON maps JSON scalars onto the closed kind set. Numbers without a
// fractional part become ints, other numbers are kept as their literal text.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = Null()
	case string:
		*v = String(t)
	case bool:
		*v = Bool(t)
	case json.Number:
		*v = fromNumber(t)
	default:
		return fmt.Errorf("headers: unsupported json value %T", raw)
	}
	return nil
}

func fromNumber(n json.Number) Value {
	if i, err := n.Int64(); err == nil {
		return Int(i)
	}
	if f, err := n.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
		return Int(int64(f))
	}
	return String(n.String())
}

// Map is a set of named header values.
type Map map[string]Value

func (m Map) Clone() Map {
	if m == nil {
		return Map{}
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m Map) Get(key string) (Value, bool) {
	v, ok := m[key]
	return v, ok
}

func (m Map) Set(key string, v Value) { m[key] = v }

// String returns the textual value for key; absent and null return "".
func (m Map) String(key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return s
}

// Int returns the integer value for key or def when absent or not an integer.
func (m Map) Int(key string, def int64) int64 {
	v, ok := m[key]
	if !ok {
		return def
	}
	n, ok := v.AsInt()
	if !ok {
		return def
	}
	return n
}

func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode parses a persisted JSON object of header values. Empty input and
// JSON null decode to an empty map.
func Decode(data []byte) (Map, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Map{}, nil
	}
	var m Map
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("headers: decode: %w", err)
	}
	if m == nil {
		m = Map{}
	}
	return m, nil
}

func Encode(m Map) ([]byte, error) {
	if m == nil {
		m = Map{}
	}
	return json.Marshal(m)
}
