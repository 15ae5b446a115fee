package zanj

import "fmt"

// DType is the element type of an Array.
type DType uint8

// Supported element types. The zero value is invalid.
const (
	Uint8 DType = iota + 1
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	Float32
	Float64
)

type dtypeInfo struct {
	name  string
	size  int
	kind  byte // NumPy kind character: 'u', 'i' or 'f'
	float bool
}

var dtypes = [...]dtypeInfo{
	Uint8:   {"uint8", 1, 'u', false},
	Uint16:  {"uint16", 2, 'u', false},
	Uint32:  {"uint32", 4, 'u', false},
	Uint64:  {"uint64", 8, 'u', false},
	Int8:    {"int8", 1, 'i', false},
	Int16:   {"int16", 2, 'i', false},
	Int32:   {"int32", 4, 'i', false},
	Int64:   {"int64", 8, 'i', false},
	Float32: {"float32", 4, 'f', true},
	Float64: {"float64", 8, 'f', true},
}

// AllDTypes lists every supported element type in declaration order.
func AllDTypes() []DType {
	return []DType{Uint8, Uint16, Uint32, Uint64, Int8, Int16, Int32, Int64, Float32, Float64}
}

// Valid reports whether d is one of the supported element types.
func (d DType) Valid() bool {
	return d >= Uint8 && d <= Float64
}

// String returns the dtype tag written to documents ("float32", "int16", ...).
func (d DType) String() string {
	if !d.Valid() {
		return fmt.Sprintf("DType(%d)", uint8(d))
	}
	return dtypes[d].name
}

// Size returns the width of one element in bytes, or 0 for an invalid dtype.
func (d DType) Size() int {
	if !d.Valid() {
		return 0
	}
	return dtypes[d].size
}

// IsFloat reports whether d is a floating-point type.
func (d DType) IsFloat() bool {
	return d.Valid() && dtypes[d].float
}

// IsSigned reports whether d is a signed integer type.
func (d DType) IsSigned() bool {
	return d.Valid() && dtypes[d].kind == 'i'
}

// ParseDType returns the dtype for a tag such as "float32".
// Unknown tags fail with ErrUnsupportedDtype.
func ParseDType(tag string) (DType, error) {
	for _, d := range AllDTypes() {
		if dtypes[d].name == tag {
			return d, nil
		}
	}
	return 0, fmt.Errorf("zanj: %w: %q", ErrUnsupportedDtype, tag)
}

// npyDescr returns the little-endian NumPy type descriptor ("<f4", "|u1", ...).
func (d DType) npyDescr() string {
	info := dtypes[d]
	order := byte('<')
	if info.size == 1 {
		order = '|'
	}
	return fmt.Sprintf("%c%c%d", order, info.kind, info.size)
}

// parseNPYDescr maps a NumPy type descriptor to a dtype and reports whether
// the stored bytes are big-endian.
func parseNPYDescr(descr string) (DType, bool, error) {
	if len(descr) < 3 {
		return 0, false, fmt.Errorf("zanj: %w: npy descr %q", ErrUnsupportedDtype, descr)
	}
	var bigEndian bool
	switch descr[0] {
	case '<', '|', '=':
	case '>':
		bigEndian = true
	default:
		return 0, false, fmt.Errorf("zanj: %w: npy descr %q", ErrUnsupportedDtype, descr)
	}
	body := descr[1:]
	for _, d := range AllDTypes() {
		if body == d.npyDescr()[1:] {
			return d, bigEndian && d.Size() > 1, nil
		}
	}
	return 0, false, fmt.Errorf("zanj: %w: npy descr %q", ErrUnsupportedDtype, descr)
}
