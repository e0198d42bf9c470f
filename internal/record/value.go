// Package record holds the engine's row model: a tagged Value for every field
// of a normalized row, and the Envelope a RECORD message arrives in.
package record

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"tidewater/internal/jsoncodec"
)

type Kind uint8

const (
	Null Kind = iota
	Bool
	Number
	String
	List
	Map
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "boolean"
	case Number:
		return "number"
	case String:
		return "string"
	case List:
		return "array"
	case Map:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is an immutable JSON value. Numbers keep their decimal text.
// The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	s    string
	l    []Value
	m    map[string]Value
}

func NullValue() Value { return Value{} }

func BoolValue(b bool) Value { return Value{kind: Bool, b: b} }

func StringValue(s string) Value { return Value{kind: String, s: s} }

func NumberValue(n json.Number) Value { return Value{kind: Number, s: string(n)} }

func ListValue(vs []Value) Value { return Value{kind: List, l: vs} }

func MapValue(m map[string]Value) Value { return Value{kind: Map, m: m} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == Null }

func (v Value) Bool() (bool, bool) { return v.b, v.kind == Bool }

func (v Value) Str() (string, bool) { return v.s, v.kind == String }

func (v Value) Number() (json.Number, bool) { return json.Number(v.s), v.kind == Number }

func (v Value) List() ([]Value, bool) { return v.l, v.kind == List }

func (v Value) Map() (map[string]Value, bool) { return v.m, v.kind == Map }

// FromAny converts decoded JSON (or YAML) data into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return NullValue(), nil
	case Value:
		return t, nil
	case bool:
		return BoolValue(t), nil
	case string:
		return StringValue(t), nil
	case json.Number:
		return NumberValue(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return Value{}, fmt.Errorf("record: non-finite number %v", t)
		}
		return NumberValue(json.Number(strconv.FormatFloat(t, 'g', -1, 64))), nil
	case float32:
		return FromAny(float64(t))
	case int:
		return NumberValue(json.Number(strconv.FormatInt(int64(t), 10))), nil
	case int32:
		return NumberValue(json.Number(strconv.FormatInt(int64(t), 10))), nil
	case int64:
		return NumberValue(json.Number(strconv.FormatInt(t, 10))), nil
	case uint64:
		return NumberValue(json.Number(strconv.FormatUint(t, 10))), nil
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			out[i] = ev
		}
		return ListValue(out), nil
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			out[k] = ev
		}
		return MapValue(out), nil
	case map[any]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			out[fmt.Sprint(k)] = ev
		}
		return MapValue(out), nil
	default:
		return Value{}, fmt.Errorf("record: unsupported value type %T", x)
	}
}

// Any returns the plain Go form: nil, bool, json.Number, string, []any or
// map[string]any.
func (v Value) Any() any {
	switch v.kind {
	case Bool:
		return v.b
	case Number:
		return json.Number(v.s)
	case String:
		return v.s
	case List:
		out := make([]any, len(v.l))
		for i, e := range v.l {
			out[i] = e.Any()
		}
		return out
	case Map:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Any()
		}
		return out
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var x any
	if err := jsoncodec.Unmarshal(data, &x); err != nil {
		return err
	}
	nv, err := FromAny(x)
	if err != nil {
		return err
	}
	*v = nv
	return nil
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case Null:
		return true
	case Bool:
		return v.b == o.b
	case String:
		return v.s == o.s
	case Number:
		if v.s == o.s {
			return true
		}
		a, errA := strconv.ParseFloat(v.s, 64)
		b, errB := strconv.ParseFloat(o.s, 64)
		return errA == nil && errB == nil && a == b
	case List:
		if len(v.l) != len(o.l) {
			return false
		}
		for i := range v.l {
			if !v.l[i].Equal(o.l[i]) {
				return false
			}
		}
		return true
	case Map:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			oe, ok := o.m[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

// Row is one normalized record keyed by field name.
type Row map[string]Value

func (r Row) Any() map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v.Any()
	}
	return out
}

// Fields returns the row's field names in sorted order.
func (r Row) Fields() []string {
	names := make([]string, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (r Row) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(r.Any())
}
