package zanj

import (
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// treeCodec writes documents indented by two spaces without HTML escaping,
// so output is stable and readable.
var treeCodec = jsoniter.Config{
	IndentionStep: 2,
	EscapeHTML:    false,
}.Froze()

// -----------------------------------------------------------------------------
// Encoding
// -----------------------------------------------------------------------------

// EncodeJSON writes a JSON-only tree as indented JSON, preserving mapping
// key order and number literals. Arrays, documents and lazy nodes must be
// serialized first.
func EncodeJSON(v Value) ([]byte, error) {
	stream := treeCodec.BorrowStream(nil)
	defer treeCodec.ReturnStream(stream)

	if err := writeValue(stream, v, nil); err != nil {
		return nil, err
	}
	stream.WriteRaw("\n")
	if stream.Error != nil {
		return nil, fmt.Errorf("zanj: encode json: %w", stream.Error)
	}
	out := make([]byte, len(stream.Buffer()))
	copy(out, stream.Buffer())
	return out, nil
}

func writeValue(stream *jsoniter.Stream, v Value, keys []string) error {
	switch tv := v.(type) {
	case nil, Null:
		stream.WriteNil()
	case Bool:
		stream.WriteBool(bool(tv))
	case Number:
		if !validNumber(string(tv)) {
			return fmt.Errorf("zanj: %w: %q at %s is not a JSON number",
				ErrMalformedEncoding, string(tv), keyPathString(keys))
		}
		stream.WriteRaw(string(tv))
	case String:
		stream.WriteString(string(tv))
	case Sequence:
		if len(tv) == 0 {
			stream.WriteEmptyArray()
			return nil
		}
		stream.WriteArrayStart()
		for i, e := range tv {
			if i > 0 {
				stream.WriteMore()
			}
			if err := writeValue(stream, e, append(keys, fmt.Sprint(i))); err != nil {
				return err
			}
		}
		stream.WriteArrayEnd()
	case *Mapping:
		if tv.Len() == 0 {
			stream.WriteEmptyObject()
			return nil
		}
		stream.WriteObjectStart()
		first := true
		for k, e := range tv.All() {
			if !first {
				stream.WriteMore()
			}
			first = false
			stream.WriteObjectField(k)
			if err := writeValue(stream, e, append(keys, k)); err != nil {
				return err
			}
		}
		stream.WriteObjectEnd()
	default:
		return fmt.Errorf("zanj: %T at %s has no direct JSON form", v, keyPathString(keys))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Decoding
// -----------------------------------------------------------------------------

// DecodeJSON parses a JSON document into a tree. Objects become *Mapping
// with key order preserved and numbers keep their literal text.
func DecodeJSON(b []byte) (Value, error) {
	iter := jsoniter.ParseBytes(jsonCodec, b)
	v, err := readValue(iter)
	if err != nil {
		return nil, err
	}
	if iter.WhatIsNext() != jsoniter.InvalidValue {
		return nil, fmt.Errorf("zanj: %w: trailing data after JSON value", ErrMalformedEncoding)
	}
	if iter.Error != nil && !errors.Is(iter.Error, io.EOF) {
		return nil, fmt.Errorf("zanj: %w: %v", ErrMalformedEncoding, iter.Error)
	}
	return v, nil
}

func readValue(iter *jsoniter.Iterator) (Value, error) {
	var v Value
	switch iter.WhatIsNext() {
	case jsoniter.ObjectValue:
		m := NewMapping()
		var inner error
		iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
			e, err := readValue(it)
			if err != nil {
				inner = err
				return false
			}
			m.Set(key, e)
			return true
		})
		if inner != nil {
			return nil, inner
		}
		v = m
	case jsoniter.ArrayValue:
		seq := Sequence{}
		var inner error
		iter.ReadArrayCB(func(it *jsoniter.Iterator) bool {
			e, err := readValue(it)
			if err != nil {
				inner = err
				return false
			}
			seq = append(seq, e)
			return true
		})
		if inner != nil {
			return nil, inner
		}
		v = seq
	case jsoniter.StringValue:
		v = String(iter.ReadString())
	case jsoniter.NumberValue:
		// A number is the only token that can run to the end of the input,
		// so io.EOF is expected here and nowhere else.
		lit := string(iter.ReadNumber())
		if iter.Error != nil && !errors.Is(iter.Error, io.EOF) {
			return nil, fmt.Errorf("zanj: %w: %v", ErrMalformedEncoding, iter.Error)
		}
		if !validNumber(lit) {
			return nil, fmt.Errorf("zanj: %w: bad number %q", ErrMalformedEncoding, lit)
		}
		return Number(lit), nil
	case jsoniter.BoolValue:
		v = Bool(iter.ReadBool())
	case jsoniter.NilValue:
		iter.ReadNil()
		v = Null{}
	default:
		return nil, fmt.Errorf("zanj: %w: expected a JSON value", ErrMalformedEncoding)
	}
	if iter.Error != nil {
		return nil, fmt.Errorf("zanj: %w: %v", ErrMalformedEncoding, iter.Error)
	}
	return v, nil
}

// validNumber reports whether s matches the JSON number grammar.
func validNumber(s string) bool {
	i := 0
	if i < len(s) && s[i] == '-' {
		i++
	}
	switch {
	case i < len(s) && s[i] == '0':
		i++
	case i < len(s) && s[i] >= '1' && s[i] <= '9':
		for i < len(s) && isDigit(s[i]) {
			i++
		}
	default:
		return false
	}
	if i < len(s) && s[i] == '.' {
		i++
		if i >= len(s) || !isDigit(s[i]) {
			return false
		}
		for i < len(s) && isDigit(s[i]) {
			i++
		}
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		if i >= len(s) || !isDigit(s[i]) {
			return false
		}
		for i < len(s) && isDigit(s[i]) {
			i++
		}
	}
	return i == len(s)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
