package zanj

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strconv"
)

// Element is the set of Go types an Array can be built from.
type Element interface {
	uint8 | uint16 | uint32 | uint64 | int8 | int16 | int32 | int64 | float32 | float64
}

// Array is a typed N-dimensional numeric buffer.
//
// Data holds the elements in row-major order, little-endian, at the dtype's
// native width. A rank-0 array (empty Shape) holds exactly one element; any
// zero dimension yields an empty Data.
type Array struct {
	DType DType
	Shape []int
	Data  []byte
}

// NewArray builds an array of the given shape from typed values.
// The values are copied.
func NewArray[T Element](shape []int, values []T) (*Array, error) {
	d := dtypeOf[T]()
	n, err := Size(shape)
	if err != nil {
		return nil, err
	}
	if n != len(values) {
		return nil, fmt.Errorf("zanj: %w: shape %v holds %d elements, got %d values",
			ErrShapeMismatch, shape, n, len(values))
	}
	data, err := binary.Append(make([]byte, 0, n*d.Size()), binary.LittleEndian, values)
	if err != nil {
		return nil, fmt.Errorf("zanj: encode %s values: %w", d, err)
	}
	return &Array{DType: d, Shape: slices.Clone(shape), Data: data}, nil
}

// MustArray is like NewArray but panics on error. Intended for tests and
// literals with known-good shapes.
func MustArray[T Element](shape []int, values []T) *Array {
	a, err := NewArray(shape, values)
	if err != nil {
		panic(err)
	}
	return a
}

// NewRaw builds an array from little-endian bytes. The bytes are copied.
func NewRaw(d DType, shape []int, data []byte) (*Array, error) {
	a := &Array{DType: d, Shape: slices.Clone(shape), Data: bytes.Clone(data)}
	if a.Data == nil {
		a.Data = []byte{}
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Values returns the elements of a as a typed slice. T must match the dtype.
func Values[T Element](a *Array) ([]T, error) {
	if d := dtypeOf[T](); d != a.DType {
		return nil, fmt.Errorf("zanj: array dtype is %s, not %s", a.DType, d)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	out := make([]T, a.Size())
	if len(out) == 0 {
		return out, nil
	}
	if _, err := binary.Decode(a.Data, binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("zanj: %w: %v", ErrMalformedEncoding, err)
	}
	return out, nil
}

func dtypeOf[T Element]() DType {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case float32:
		return Float32
	default:
		return Float64
	}
}

// Size returns the number of elements a shape describes. The empty shape
// describes a single element.
func Size(shape []int) (int, error) {
	n := 1
	for _, dim := range shape {
		if dim < 0 {
			return 0, fmt.Errorf("zanj: %w: negative dimension in shape %v", ErrShapeMismatch, shape)
		}
		if dim != 0 && n > math.MaxInt/dim {
			return 0, fmt.Errorf("zanj: %w: shape %v overflows", ErrShapeMismatch, shape)
		}
		n *= dim
	}
	return n, nil
}

// ByteLen returns the number of data bytes an array of dtype d and the given
// shape occupies. Shapes whose byte length overflows int are
// ErrMalformedEncoding.
func ByteLen(d DType, shape []int) (int, error) {
	n, err := Size(shape)
	if err != nil {
		return 0, err
	}
	if w := d.Size(); w > 0 && n > math.MaxInt/w {
		return 0, fmt.Errorf("zanj: %w: %s%v overflows the addressable size", ErrMalformedEncoding, d, shape)
	}
	return n * d.Size(), nil
}

// Size returns the element count. Call Validate first on untrusted arrays.
func (a *Array) Size() int {
	n, err := Size(a.Shape)
	if err != nil {
		return 0
	}
	return n
}

// Rank returns the number of dimensions.
func (a *Array) Rank() int { return len(a.Shape) }

// Validate checks the dtype and that the byte length matches the shape.
func (a *Array) Validate() error {
	if !a.DType.Valid() {
		return fmt.Errorf("zanj: %w: %s", ErrUnsupportedDtype, a.DType)
	}
	want, err := ByteLen(a.DType, a.Shape)
	if err != nil {
		return err
	}
	if len(a.Data) != want {
		return fmt.Errorf("zanj: %w: %s%v needs %d bytes, have %d",
			ErrMalformedEncoding, a.DType, a.Shape, want, len(a.Data))
	}
	return nil
}

// Equal reports whether a and b have the same dtype, shape and bytes.
// Floats compare by bit pattern, so NaN equals an identical NaN and -0 does
// not equal +0.
func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.DType == b.DType && slices.Equal(a.Shape, b.Shape) && bytes.Equal(a.Data, b.Data)
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	return &Array{DType: a.DType, Shape: slices.Clone(a.Shape), Data: bytes.Clone(a.Data)}
}

// Scalar returns element i (row-major) as a Number. Floats use the shortest
// decimal that reads back to the same value at the dtype's width.
func (a *Array) Scalar(i int) Number {
	w := a.DType.Size()
	b := a.Data[i*w : (i+1)*w]
	le := binary.LittleEndian
	switch a.DType {
	case Uint8:
		return Uint(uint64(b[0]))
	case Uint16:
		return Uint(uint64(le.Uint16(b)))
	case Uint32:
		return Uint(uint64(le.Uint32(b)))
	case Uint64:
		return Uint(le.Uint64(b))
	case Int8:
		return Int(int64(int8(b[0])))
	case Int16:
		return Int(int64(int16(le.Uint16(b))))
	case Int32:
		return Int(int64(int32(le.Uint32(b))))
	case Int64:
		return Int(int64(le.Uint64(b)))
	case Float32:
		f := math.Float32frombits(le.Uint32(b))
		return Number(strconv.FormatFloat(float64(f), 'g', -1, 32))
	default:
		return Float(math.Float64frombits(le.Uint64(b)))
	}
}

// hasNonFinite reports whether a float array holds NaN or an infinity.
func (a *Array) hasNonFinite() bool {
	le := binary.LittleEndian
	switch a.DType {
	case Float32:
		for i := 0; i+4 <= len(a.Data); i += 4 {
			f := float64(math.Float32frombits(le.Uint32(a.Data[i:])))
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return true
			}
		}
	case Float64:
		for i := 0; i+8 <= len(a.Data); i += 8 {
			f := math.Float64frombits(le.Uint64(a.Data[i:]))
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return true
			}
		}
	}
	return false
}

// putScalar parses a decimal literal as dtype d and writes it into dst.
func putScalar(dst []byte, d DType, lit string) error {
	le := binary.LittleEndian
	if d.IsFloat() {
		bits := 64
		if d == Float32 {
			bits = 32
		}
		f, err := strconv.ParseFloat(lit, bits)
		if err != nil {
			return fmt.Errorf("zanj: %w: %q is not a %s", ErrMalformedEncoding, lit, d)
		}
		if d == Float32 {
			le.PutUint32(dst, math.Float32bits(float32(f)))
		} else {
			le.PutUint64(dst, math.Float64bits(f))
		}
		return nil
	}

	bits := d.Size() * 8
	if d.IsSigned() {
		v, err := strconv.ParseInt(lit, 10, bits)
		if err != nil {
			v, err = integralFloat[int64](lit, bits, true)
			if err != nil {
				return fmt.Errorf("zanj: %w: %q is not an %s", ErrMalformedEncoding, lit, d)
			}
		}
		putUint(dst, uint64(v))
		return nil
	}
	v, err := strconv.ParseUint(lit, 10, bits)
	if err != nil {
		v, err = integralFloat[uint64](lit, bits, false)
		if err != nil {
			return fmt.Errorf("zanj: %w: %q is not a %s", ErrMalformedEncoding, lit, d)
		}
	}
	putUint(dst, v)
	return nil
}

// integralFloat accepts literals such as "3.0" or "1e3" for integer dtypes,
// as long as the value is integral and in range.
func integralFloat[T int64 | uint64](lit string, bits int, signed bool) (T, error) {
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil || f != math.Trunc(f) {
		return 0, strconv.ErrSyntax
	}
	if signed {
		limit := math.Ldexp(1, bits-1)
		if f < -limit || f >= limit {
			return 0, strconv.ErrRange
		}
		return T(int64(f)), nil
	}
	if f < 0 || f >= math.Ldexp(1, bits) {
		return 0, strconv.ErrRange
	}
	return T(uint64(f)), nil
}

func putUint(dst []byte, v uint64) {
	le := binary.LittleEndian
	switch len(dst) {
	case 1:
		dst[0] = byte(v)
	case 2:
		le.PutUint16(dst, uint16(v))
	case 4:
		le.PutUint32(dst, uint32(v))
	default:
		le.PutUint64(dst, v)
	}
}

// swapBytes reverses the byte order of each w-byte element in place.
func swapBytes(data []byte, w int) {
	for i := 0; i+w <= len(data); i += w {
		slices.Reverse(data[i : i+w])
	}
}
