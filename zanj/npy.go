package zanj

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// NumPy .npy framing.
const (
	npyMagic     = "\x93NUMPY"
	npyAlign     = 64
	npyPrefixV1  = len(npyMagic) + 2 + 2 // magic, version, uint16 header length
	npyPrefixV2  = len(npyMagic) + 2 + 4 // magic, version, uint32 header length
	npyMaxHeader = 1 << 20
)

// NPYHeader describes an .npy blob without its data.
type NPYHeader struct {
	Major, Minor byte
	DType        DType
	Shape        []int
	BigEndian    bool

	// DataOffset is the byte offset of the first element.
	DataOffset int64
}

// DataLen returns the number of data bytes the header announces.
// Headers from ReadNPYHeader always fit; an unrepresentable length is -1.
func (h NPYHeader) DataLen() int64 {
	n, err := ByteLen(h.DType, h.Shape)
	if err != nil {
		return -1
	}
	return int64(n)
}

// EncodeNPY writes a as a version 1.0 .npy blob in C order.
func EncodeNPY(a *Array) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	var dims strings.Builder
	dims.WriteByte('(')
	for i, d := range a.Shape {
		if i > 0 {
			dims.WriteString(", ")
		}
		dims.WriteString(strconv.Itoa(d))
	}
	if len(a.Shape) == 1 {
		dims.WriteByte(',')
	}
	dims.WriteByte(')')

	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", a.DType.npyDescr(), dims.String())

	// Pad with spaces so the data starts on an aligned offset; the header
	// always ends with a newline.
	prefix := npyPrefixV1
	major := byte(1)
	if len(dict)+1+prefix > 0xffff {
		prefix = npyPrefixV2
		major = 2
	}
	total := prefix + len(dict) + 1
	pad := (npyAlign - total%npyAlign) % npyAlign
	hlen := len(dict) + pad + 1

	out := make([]byte, 0, prefix+hlen+len(a.Data))
	out = append(out, npyMagic...)
	out = append(out, major, 0)
	if major == 1 {
		out = binary.LittleEndian.AppendUint16(out, uint16(hlen))
	} else {
		out = binary.LittleEndian.AppendUint32(out, uint32(hlen))
	}
	out = append(out, dict...)
	out = append(out, bytes.Repeat([]byte{' '}, pad)...)
	out = append(out, '\n')
	out = append(out, a.Data...)
	return out, nil
}

// DecodeNPY decodes an .npy blob. Big-endian data is converted to
// little-endian; Fortran-ordered data is rejected.
func DecodeNPY(b []byte) (*Array, error) {
	h, err := ReadNPYHeader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	data := b[h.DataOffset:]
	if want := h.DataLen(); int64(len(data)) != want {
		return nil, fmt.Errorf("zanj: %w: npy %s%v needs %d data bytes, have %d",
			ErrMalformedEncoding, h.DType, h.Shape, want, len(data))
	}
	a := &Array{DType: h.DType, Shape: h.Shape, Data: bytes.Clone(data)}
	if a.Data == nil {
		a.Data = []byte{}
	}
	if h.BigEndian {
		swapBytes(a.Data, h.DType.Size())
	}
	return a, nil
}

// ReadNPYHeader reads and parses the header of an .npy stream, leaving r
// positioned at or after the start of the data.
func ReadNPYHeader(r io.Reader) (NPYHeader, error) {
	br := bufio.NewReader(r)
	var h NPYHeader

	prefix := make([]byte, npyPrefixV1)
	if _, err := io.ReadFull(br, prefix); err != nil {
		return h, fmt.Errorf("zanj: %w: npy prefix: %v", ErrMalformedEncoding, err)
	}
	if string(prefix[:len(npyMagic)]) != npyMagic {
		return h, fmt.Errorf("zanj: %w: not an npy blob", ErrMalformedEncoding)
	}
	h.Major, h.Minor = prefix[6], prefix[7]

	var hlen int
	switch h.Major {
	case 1:
		hlen = int(binary.LittleEndian.Uint16(prefix[8:]))
		h.DataOffset = int64(npyPrefixV1)
	case 2, 3:
		ext := make([]byte, 2)
		if _, err := io.ReadFull(br, ext); err != nil {
			return h, fmt.Errorf("zanj: %w: npy prefix: %v", ErrMalformedEncoding, err)
		}
		n := binary.LittleEndian.Uint32(append(prefix[8:10:10], ext...))
		if n > npyMaxHeader {
			return h, fmt.Errorf("zanj: %w: npy header of %d bytes", ErrMalformedEncoding, n)
		}
		hlen = int(n)
		h.DataOffset = int64(npyPrefixV2)
	default:
		return h, fmt.Errorf("zanj: %w: npy version %d.%d", ErrMalformedEncoding, h.Major, h.Minor)
	}

	text := make([]byte, hlen)
	if _, err := io.ReadFull(br, text); err != nil {
		return h, fmt.Errorf("zanj: %w: npy header: %v", ErrMalformedEncoding, err)
	}
	h.DataOffset += int64(hlen)

	fields, err := parsePyDict(strings.TrimRight(string(text), " \n\x00"))
	if err != nil {
		return h, err
	}

	descr, ok := fields["descr"].(string)
	if !ok {
		return h, fmt.Errorf("zanj: %w: npy header has no descr", ErrMalformedEncoding)
	}
	if h.DType, h.BigEndian, err = parseNPYDescr(descr); err != nil {
		return h, err
	}
	if fortran, ok := fields["fortran_order"].(bool); !ok {
		return h, fmt.Errorf("zanj: %w: npy header has no fortran_order", ErrMalformedEncoding)
	} else if fortran {
		return h, fmt.Errorf("zanj: %w: fortran-ordered npy data", ErrMalformedEncoding)
	}
	shape, ok := fields["shape"].([]int)
	if !ok {
		return h, fmt.Errorf("zanj: %w: npy header has no shape", ErrMalformedEncoding)
	}
	if _, err := ByteLen(h.DType, shape); err != nil {
		return h, err
	}
	h.Shape = shape
	return h, nil
}

// -----------------------------------------------------------------------------
// Header dict parsing
// -----------------------------------------------------------------------------

// parsePyDict parses the restricted Python literal used by .npy headers:
// a dict of string keys whose values are strings, booleans, or tuples of
// non-negative integers.
func parsePyDict(s string) (map[string]any, error) {
	p := &pyParser{s: s}
	fields := make(map[string]any)
	if !p.consume('{') {
		return nil, p.fail("expected '{'")
	}
	for {
		if p.consume('}') {
			break
		}
		key, err := p.str()
		if err != nil {
			return nil, err
		}
		if !p.consume(':') {
			return nil, p.fail("expected ':'")
		}
		val, err := p.value()
		if err != nil {
			return nil, err
		}
		fields[key] = val
		if !p.consume(',') {
			if !p.consume('}') {
				return nil, p.fail("expected ',' or '}'")
			}
			break
		}
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return nil, p.fail("trailing characters")
	}
	return fields, nil
}

type pyParser struct {
	s   string
	pos int
}

func (p *pyParser) fail(msg string) error {
	return fmt.Errorf("zanj: %w: npy header at %d: %s", ErrMalformedEncoding, p.pos, msg)
}

func (p *pyParser) skipSpace() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t' || p.s[p.pos] == '\n') {
		p.pos++
	}
}

func (p *pyParser) consume(c byte) bool {
	p.skipSpace()
	if p.pos < len(p.s) && p.s[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func (p *pyParser) str() (string, error) {
	p.skipSpace()
	if p.pos >= len(p.s) || (p.s[p.pos] != '\'' && p.s[p.pos] != '"') {
		return "", p.fail("expected string")
	}
	quote := p.s[p.pos]
	end := strings.IndexByte(p.s[p.pos+1:], quote)
	if end < 0 {
		return "", p.fail("unterminated string")
	}
	out := p.s[p.pos+1 : p.pos+1+end]
	p.pos += end + 2
	return out, nil
}

func (p *pyParser) value() (any, error) {
	p.skipSpace()
	rest := p.s[p.pos:]
	switch {
	case strings.HasPrefix(rest, "True"):
		p.pos += 4
		return true, nil
	case strings.HasPrefix(rest, "False"):
		p.pos += 5
		return false, nil
	case strings.HasPrefix(rest, "("):
		return p.tuple()
	default:
		return p.str()
	}
}

func (p *pyParser) tuple() ([]int, error) {
	p.consume('(')
	dims := []int{}
	for {
		if p.consume(')') {
			return dims, nil
		}
		start := p.pos
		for p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '9' {
			p.pos++
		}
		// NumPy on some platforms writes long literals as "3L".
		digits := p.s[start:p.pos]
		if p.pos < len(p.s) && p.s[p.pos] == 'L' {
			p.pos++
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return nil, p.fail("expected dimension")
		}
		dims = append(dims, n)
		if !p.consume(',') {
			if !p.consume(')') {
				return nil, p.fail("expected ',' or ')'")
			}
			return dims, nil
		}
	}
}
