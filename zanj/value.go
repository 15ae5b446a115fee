package zanj

import (
	"bytes"
	"iter"
	"math"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Value is a node of a ZANJ tree: Null, Bool, Number, String, *Mapping,
// Sequence, *Array, *Document, or (on the read side) *Lazy.
//
// The set is closed; the unexported method keeps other types out.
type Value interface {
	isValue()
}

// Null is the JSON null value.
type Null struct{}

// Bool is a JSON boolean.
type Bool bool

// Number is a JSON number kept as its literal text, so integers outside the
// float64-exact range survive a round trip unchanged.
type Number string

// String is a JSON string.
type String string

// Sequence is an ordered list of values.
type Sequence []Value

func (Null) isValue() {}
func (Bool) isValue() {}
func (Number) isValue() {}
func (String) isValue() {}
func (Sequence) isValue() {}
func (*Mapping) isValue() {}
func (*Array) isValue() {}
func (*Document) isValue() {}
func (*Lazy) isValue() {}

// Int returns the Number for n.
func Int(n int64) Number { return Number(strconv.FormatInt(n, 10)) }

// Uint returns the Number for n.
func Uint(n uint64) Number { return Number(strconv.FormatUint(n, 10)) }

// Float returns the shortest Number that parses back to f.
// NaN and infinities have no JSON form and fail when written.
func Float(f float64) Number { return Number(strconv.FormatFloat(f, 'g', -1, 64)) }

// Float64 parses the number as a float64.
func (n Number) Float64() (float64, error) { return strconv.ParseFloat(string(n), 64) }

// Int64 parses the number as an int64.
func (n Number) Int64() (int64, error) { return strconv.ParseInt(string(n), 10, 64) }

// Uint64 parses the number as a uint64.
func (n Number) Uint64() (uint64, error) { return strconv.ParseUint(string(n), 10, 64) }

// String returns the literal.
func (n Number) String() string { return string(n) }

// Document marks a JSON value that is always stored as a separate blob with
// format "json", such as an info sidecar next to large arrays.
type Document struct {
	Value Value
}

// NewDocument wraps v for external storage.
func NewDocument(v Value) *Document { return &Document{Value: v} }

// -----------------------------------------------------------------------------
// Mapping
// -----------------------------------------------------------------------------

// Mapping is a string-keyed map that preserves insertion order.
// The zero value is an empty mapping ready to use.
type Mapping struct {
	m *orderedmap.OrderedMap[string, Value]
}

// NewMapping returns an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{m: orderedmap.New[string, Value]()}
}

func (m *Mapping) init() {
	if m.m == nil {
		m.m = orderedmap.New[string, Value]()
	}
}

// Set stores v under key and returns m for chaining. Replacing an existing
// key keeps its original position.
func (m *Mapping) Set(key string, v Value) *Mapping {
	m.init()
	if v == nil {
		v = Null{}
	}
	m.m.Set(key, v)
	return m
}

// Get returns the value stored under key.
func (m *Mapping) Get(key string) (Value, bool) {
	if m == nil || m.m == nil {
		return nil, false
	}
	return m.m.Get(key)
}

// Has reports whether key is present.
func (m *Mapping) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete removes key and reports whether it was present.
func (m *Mapping) Delete(key string) bool {
	if m == nil || m.m == nil {
		return false
	}
	_, ok := m.m.Delete(key)
	return ok
}

// Len returns the number of keys.
func (m *Mapping) Len() int {
	if m == nil || m.m == nil {
		return 0
	}
	return m.m.Len()
}

// Keys returns the keys in insertion order.
func (m *Mapping) Keys() []string {
	keys := make([]string, 0, m.Len())
	for k := range m.All() {
		keys = append(keys, k)
	}
	return keys
}

// All iterates over key/value pairs in insertion order.
func (m *Mapping) All() iter.Seq2[string, Value] {
	return func(yield func(string, Value) bool) {
		if m == nil || m.m == nil {
			return
		}
		for pair := m.m.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Key, pair.Value) {
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Equality
// -----------------------------------------------------------------------------

// Equal reports whether a and b are the same tree. Arrays compare bit for
// bit, mappings compare key order as well as contents, and numbers compare
// numerically when both parse as float64.
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
		if !ok {
			return false
		}
		if av == bv {
			return true
		}
		af, aerr := av.Float64()
		bf, berr := bv.Float64()
		return aerr == nil && berr == nil && (af == bf || (math.IsNaN(af) && math.IsNaN(bf)))
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Sequence:
		bv, ok := b.(Sequence)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Mapping:
		bv, ok := b.(*Mapping)
		if !ok || av.Len() != bv.Len() {
			return false
		}
		bkeys := bv.Keys()
		i := 0
		for k, v := range av.All() {
			if bkeys[i] != k {
				return false
			}
			other, _ := bv.Get(k)
			if !Equal(v, other) {
				return false
			}
			i++
		}
		return true
	case *Array:
		bv, ok := b.(*Array)
		return ok && av.Equal(bv)
	case *Document:
		bv, ok := b.(*Document)
		return ok && Equal(av.Value, bv.Value)
	case *Lazy:
		bv, ok := b.(*Lazy)
		return ok && av.ref == bv.ref
	}
	return false
}

// keyPathString renders a key path for error messages.
func keyPathString(keys []string) string {
	if len(keys) == 0 {
		return "<root>"
	}
	var b bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(k)
	}
	return b.String()
}
