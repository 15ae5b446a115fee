package zanj

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// InlineEncoding selects how an inlined array is written into the root document.
type InlineEncoding string

const (
	// EncodingListMeta writes data as nested JSON lists mirroring the shape.
	EncodingListMeta InlineEncoding = "array_list_meta"

	// EncodingB64Meta writes the raw little-endian bytes as padded base64.
	EncodingB64Meta InlineEncoding = "array_b64_meta"

	// EncodingHexMeta writes the raw little-endian bytes as lowercase hex.
	EncodingHexMeta InlineEncoding = "array_hex_meta"

	// EncodingZeroDim is the list encoding's form for rank-0 arrays: data is
	// a bare number rather than a list. It is chosen automatically.
	EncodingZeroDim InlineEncoding = "zero_dim"
)

// Fields of an inline array node.
const (
	inlineFormatKey = "__muutils_format__"
	inlineTypeName  = "numpy.ndarray"
	fieldShape      = "shape"
	fieldDType      = "dtype"
	fieldData       = "data"
	fieldNElements  = "n_elements"
)

// ParseInlineEncoding parses a configured encoding name. Only the three
// selectable encodings are accepted; zero_dim is not configurable.
func ParseInlineEncoding(s string) (InlineEncoding, error) {
	switch e := InlineEncoding(s); e {
	case EncodingListMeta, EncodingB64Meta, EncodingHexMeta:
		return e, nil
	}
	return "", fmt.Errorf("zanj: unknown inline encoding %q (want %s, %s or %s)",
		s, EncodingListMeta, EncodingB64Meta, EncodingHexMeta)
}

func (e InlineEncoding) valid() bool {
	switch e {
	case EncodingListMeta, EncodingB64Meta, EncodingHexMeta, EncodingZeroDim:
		return true
	}
	return false
}

// canEncode reports whether e can represent a exactly. The list forms carry
// decimal literals, which have no spelling for NaN or infinities.
func (e InlineEncoding) canEncode(a *Array) bool {
	switch e {
	case EncodingListMeta, EncodingZeroDim:
		return !a.hasNonFinite()
	}
	return e.valid()
}

// IsInlineArray reports whether m is an inline array node.
func IsInlineArray(m *Mapping) bool {
	v, ok := m.Get(inlineFormatKey)
	if !ok {
		return false
	}
	_, ok = v.(String)
	return ok
}

// EncodeInline encodes a as an inline node. Requesting the list encoding for
// a rank-0 array yields the zero_dim form.
func EncodeInline(a *Array, enc InlineEncoding) (*Mapping, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if enc == EncodingListMeta && a.Rank() == 0 {
		enc = EncodingZeroDim
	}
	if enc == EncodingZeroDim && a.Rank() != 0 {
		return nil, fmt.Errorf("zanj: %w: zero_dim needs a rank-0 array, got shape %v", ErrShapeMismatch, a.Shape)
	}
	if !enc.valid() {
		return nil, fmt.Errorf("zanj: unknown inline encoding %q", enc)
	}
	if !enc.canEncode(a) {
		return nil, fmt.Errorf("zanj: %w: %s cannot carry non-finite floats", ErrMalformedEncoding, enc)
	}

	var data Value
	switch enc {
	case EncodingZeroDim:
		data = a.Scalar(0)
	case EncodingListMeta:
		next := 0
		data = nestList(a, 0, &next)
	case EncodingB64Meta:
		data = String(base64.StdEncoding.EncodeToString(a.Data))
	case EncodingHexMeta:
		data = String(hex.EncodeToString(a.Data))
	}

	shape := make(Sequence, len(a.Shape))
	for i, dim := range a.Shape {
		shape[i] = Int(int64(dim))
	}
	m := NewMapping().
		Set(inlineFormatKey, String(inlineTypeName+":"+string(enc))).
		Set(fieldShape, shape).
		Set(fieldDType, String(a.DType.String())).
		Set(fieldData, data).
		Set(fieldNElements, Int(int64(a.Size())))
	return m, nil
}

func nestList(a *Array, dim int, next *int) Sequence {
	out := make(Sequence, a.Shape[dim])
	for i := range out {
		if dim == a.Rank()-1 {
			out[i] = a.Scalar(*next)
			*next++
			continue
		}
		out[i] = nestList(a, dim+1, next)
	}
	return out
}

// DecodeInline decodes an inline array node. The type prefix of the format
// tag ("numpy.ndarray:", "torch.Tensor:", ...) is ignored.
func DecodeInline(m *Mapping) (*Array, error) {
	tag, err := stringField(m, inlineFormatKey)
	if err != nil {
		return nil, err
	}
	enc := InlineEncoding(tag)
	if i := strings.LastIndexByte(tag, ':'); i >= 0 {
		enc = InlineEncoding(tag[i+1:])
	}
	if !enc.valid() {
		return nil, fmt.Errorf("zanj: %w: unknown inline format %q", ErrMalformedEncoding, tag)
	}

	dtag, err := stringField(m, fieldDType)
	if err != nil {
		return nil, err
	}
	d, err := ParseDType(dtag)
	if err != nil {
		return nil, err
	}

	shape, err := shapeField(m)
	if err != nil {
		return nil, err
	}
	n, err := Size(shape)
	if err != nil {
		return nil, err
	}
	if v, ok := m.Get(fieldNElements); ok {
		num, ok := v.(Number)
		if !ok {
			return nil, fmt.Errorf("zanj: %w: n_elements is not a number", ErrMalformedEncoding)
		}
		if got, err := num.Int64(); err != nil || got != int64(n) {
			return nil, fmt.Errorf("zanj: %w: n_elements %s disagrees with shape %v", ErrShapeMismatch, num, shape)
		}
	}

	raw, ok := m.Get(fieldData)
	if !ok {
		return nil, fmt.Errorf("zanj: %w: inline array has no data", ErrMalformedEncoding)
	}

	a := &Array{DType: d, Shape: shape}
	switch enc {
	case EncodingB64Meta, EncodingHexMeta:
		s, ok := raw.(String)
		if !ok {
			return nil, fmt.Errorf("zanj: %w: %s data is not a string", ErrMalformedEncoding, enc)
		}
		if a.Data, err = decodeText(enc, string(s)); err != nil {
			return nil, err
		}
	default:
		if err := fillList(a, raw); err != nil {
			return nil, err
		}
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func decodeText(enc InlineEncoding, s string) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	if enc == EncodingHexMeta {
		b, err = hex.DecodeString(s)
	} else {
		b, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			b, err = base64.RawStdEncoding.DecodeString(s)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("zanj: %w: %s data: %v", ErrMalformedEncoding, enc, err)
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

// fillList decodes list (or zero_dim) data into a.Data. The nested lists
// are checked against the declared shape before the buffer is allocated,
// so its size is bounded by the data actually present.
func fillList(a *Array, raw Value) error {
	leaves, err := listLeaves(raw, a.Shape)
	if err != nil {
		return err
	}
	w := a.DType.Size()
	a.Data = make([]byte, len(leaves)*w)
	for i, num := range leaves {
		if err := putScalar(a.Data[i*w:(i+1)*w], a.DType, string(num)); err != nil {
			return err
		}
	}
	return nil
}

// listLeaves flattens nested list data in row-major order, checking every
// level against shape.
func listLeaves(raw Value, shape []int) ([]Number, error) {
	if len(shape) == 0 {
		num, ok := raw.(Number)
		if !ok {
			if seq, isSeq := raw.(Sequence); isSeq && len(seq) == 1 {
				num, ok = seq[0].(Number)
			}
		}
		if !ok {
			return nil, fmt.Errorf("zanj: %w: rank-0 data must be a number", ErrShapeMismatch)
		}
		return []Number{num}, nil
	}

	var leaves []Number
	var walk func(v Value, dim int) error
	walk = func(v Value, dim int) error {
		seq, ok := v.(Sequence)
		if !ok {
			return fmt.Errorf("zanj: %w: expected a list at depth %d", ErrShapeMismatch, dim)
		}
		if len(seq) != shape[dim] {
			return fmt.Errorf("zanj: %w: depth %d has %d entries, shape says %d",
				ErrShapeMismatch, dim, len(seq), shape[dim])
		}
		for _, e := range seq {
			if dim < len(shape)-1 {
				if err := walk(e, dim+1); err != nil {
					return err
				}
				continue
			}
			num, ok := e.(Number)
			if !ok {
				return fmt.Errorf("zanj: %w: leaf at depth %d is not a number", ErrShapeMismatch, dim)
			}
			leaves = append(leaves, num)
		}
		return nil
	}
	if err := walk(raw, 0); err != nil {
		return nil, err
	}
	return leaves, nil
}

func stringField(m *Mapping, key string) (string, error) {
	v, ok := m.Get(key)
	if !ok {
		return "", fmt.Errorf("zanj: %w: missing %q", ErrMalformedEncoding, key)
	}
	s, ok := v.(String)
	if !ok {
		return "", fmt.Errorf("zanj: %w: %q is not a string", ErrMalformedEncoding, key)
	}
	return string(s), nil
}

func shapeField(m *Mapping) ([]int, error) {
	v, ok := m.Get(fieldShape)
	if !ok {
		return nil, fmt.Errorf("zanj: %w: missing %q", ErrMalformedEncoding, fieldShape)
	}
	seq, ok := v.(Sequence)
	if !ok {
		return nil, fmt.Errorf("zanj: %w: shape is not a list", ErrMalformedEncoding)
	}
	shape := make([]int, len(seq))
	for i, e := range seq {
		num, ok := e.(Number)
		if !ok {
			return nil, fmt.Errorf("zanj: %w: shape entry %d is not a number", ErrMalformedEncoding, i)
		}
		dim, err := strconv.Atoi(string(num))
		if err != nil || dim < 0 {
			return nil, fmt.Errorf("zanj: %w: bad dimension %s", ErrMalformedEncoding, num)
		}
		shape[i] = dim
	}
	return shape, nil
}
