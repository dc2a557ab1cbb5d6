package xpc

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map"
)

// Value is a dynamically typed message value. It is one of Null, Bool,
// Number, String, Array or *Map. A nil Value is treated as Null.
type Value interface {
	isValue()
}

// Null is the absent value.
type Null struct{}

// Bool is a boolean value.
type Bool bool

// Number is a numeric value. NaN and infinities cannot be encoded.
type Number float64

// String is a UTF-8 string value.
type String string

// Array is an ordered sequence of values.
type Array []Value

func (Null) isValue()   {}
func (Bool) isValue()   {}
func (Number) isValue() {}
func (String) isValue() {}
func (Array) isValue()  {}
func (*Map) isValue()   {}

// Map is a string-keyed map that keeps insertion order.
// A nil *Map behaves as an empty map for reads.
type Map struct {
	om *orderedmap.OrderedMap
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{om: orderedmap.New()}
}

// Set stores v under key and returns m for chaining. Setting an existing key
// replaces its value and keeps its position.
func (m *Map) Set(key string, v Value) *Map {
	if v == nil {
		v = Null{}
	}
	m.om.Set(key, v)
	return m
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (Value, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.om.Get(key)
	if !ok {
		return nil, false
	}
	return v.(Value), true
}

// Delete removes key and reports whether it was present.
func (m *Map) Delete(key string) bool {
	if m == nil {
		return false
	}
	_, ok := m.om.Delete(key)
	return ok
}

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return m.om.Len()
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, m.Len())
	m.Range(func(k string, _ Value) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Range calls fn for each entry in insertion order until fn returns false.
func (m *Map) Range(fn func(key string, v Value) bool) {
	if m == nil {
		return
	}
	for pair := m.om.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key.(string), pair.Value.(Value)) {
			return
		}
	}
}

// String renders the map in its encoded form for debugging.
func (m *Map) String() string {
	return debugString(m)
}

func debugString(v Value) string {
	s, err := Encode(v)
	if err != nil {
		return fmt.Sprintf("<invalid value: %v>", err)
	}
	return s
}

// Equal reports whether a and b are structurally equal. Map order matters.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Number:
		bv, ok := b.(Number)
		return ok && av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Map:
		bv, ok := b.(*Map)
		if !ok || av.Len() != bv.Len() {
			return false
		}
		ak, bk := av.Keys(), bv.Keys()
		for i, k := range ak {
			if bk[i] != k {
				return false
			}
			x, _ := av.Get(k)
			y, _ := bv.Get(k)
			if !Equal(x, y) {
				return false
			}
		}
		return true
	}
	return false
}

// ValueOf converts a plain Go value into a Value.
//
// Supported: nil, Value, bool, every integer and float kind, string, slices
// and arrays of supported values, maps with string keys (entries are ordered
// by key) and pointers to supported values. Integers that a float64 cannot
// hold exactly, NaN and infinities are rejected with ErrEncodingFailed.
func ValueOf(x any) (Value, error) {
	return valueOf(reflect.ValueOf(x), 0)
}

// MustValueOf is like ValueOf but panics on error. Intended for literals in
// tests and examples.
func MustValueOf(x any) Value {
	v, err := ValueOf(x)
	if err != nil {
		panic(err)
	}
	return v
}

var valueType = reflect.TypeOf((*Value)(nil)).Elem()

func valueOf(rv reflect.Value, depth int) (Value, error) {
	if depth > maxDepth {
		return nil, encodingError("value nested too deeply")
	}
	if !rv.IsValid() {
		return Null{}, nil
	}
	if rv.Type().Implements(valueType) {
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return Null{}, nil
		}
		return rv.Interface().(Value), nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		f := float64(i)
		if f >= math.MaxInt64 || int64(f) != i {
			return nil, encodingError("integer %d is not exactly representable", i)
		}
		return Number(f), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		f := float64(u)
		if f >= math.MaxUint64 || uint64(f) != u {
			return nil, encodingError("integer %d is not exactly representable", u)
		}
		return Number(f), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, encodingError("unsupported number %v", f)
		}
		return Number(f), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return Null{}, nil
		}
		return valueOf(rv.Elem(), depth+1)
	case reflect.Slice:
		if rv.IsNil() {
			return Null{}, nil
		}
		fallthrough
	case reflect.Array:
		arr := make(Array, rv.Len())
		for i := range arr {
			v, err := valueOf(rv.Index(i), depth+1)
			if err != nil {
				return nil, err
			}
			arr[i] = v
		}
		return arr, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, encodingError("unsupported map key type %s", rv.Type().Key())
		}
		if rv.IsNil() {
			return Null{}, nil
		}
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		m := NewMap()
		for _, k := range keys {
			v, err := valueOf(rv.MapIndex(k), depth+1)
			if err != nil {
				return nil, err
			}
			m.Set(k.String(), v)
		}
		return m, nil
	}
	return nil, encodingError("unsupported type %s", rv.Type())
}

// Interface converts v back into plain Go values: nil, bool, float64, string,
// []any and map[string]any.
func Interface(v Value) any {
	switch tv := v.(type) {
	case Bool:
		return bool(tv)
	case Number:
		return float64(tv)
	case String:
		return string(tv)
	case Array:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = Interface(e)
		}
		return out
	case *Map:
		out := make(map[string]any, tv.Len())
		tv.Range(func(k string, e Value) bool {
			out[k] = Interface(e)
			return true
		})
		return out
	}
	return nil
}

// TypeName names the variant of v, for diagnostics.
func TypeName(v Value) string {
	switch v.(type) {
	case nil, Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case *Map:
		return "map"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", v), "*")
}

func encodingError(format string, args ...any) error {
	return &ConnectionError{Kind: ErrEncodingFailed, Op: "encode", Err: fmt.Errorf(format, args...)}
}

func decodingError(format string, args ...any) error {
	return &ConnectionError{Kind: ErrDecodingFailed, Op: "decode", Err: fmt.Errorf(format, args...)}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
