// Package export converts container arrays into columnar files for tools
// that do not read npy.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/justapithecus/zanj/zanj"
)

// Key-value metadata written into every exported file.
const (
	metaDType = "zanj.dtype"
	metaShape = "zanj.shape"
)

// ErrNotTabular indicates an array whose rank has no table form.
var ErrNotTabular = errors.New("export: array is not rank 1 or 2")

// Compression selects the parquet page compression.
type Compression string

// Supported page compressions.
const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
	CompressionZstd   Compression = "zstd"
)

// ParseCompression parses a compression name; "" is snappy.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(s)); c {
	case "":
		return CompressionSnappy, nil
	case CompressionNone, CompressionSnappy, CompressionZstd:
		return c, nil
	}
	return "", fmt.Errorf("export: unknown compression %q", s)
}

func (c Compression) writerOption() parquet.WriterOption {
	switch c {
	case CompressionZstd:
		return parquet.Compression(&parquet.Zstd)
	case CompressionNone:
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

// ColumnName returns the name of column i: "c0", "c1", ...
func ColumnName(i int) string {
	return "c" + strconv.Itoa(i)
}

// table describes how an array maps onto rows and columns.
type table struct {
	schema *parquet.Schema
	rows   int
	cols   int
	// order[i] is the array column stored at schema leaf i. Group nodes
	// sort their fields by name, so c10 precedes c2.
	order []int
}

func newTable(d zanj.DType, shape []int) (*table, error) {
	var rows, cols int
	switch len(shape) {
	case 1:
		rows, cols = shape[0], 1
	case 2:
		rows, cols = shape[0], shape[1]
	default:
		return nil, fmt.Errorf("%w: shape %v", ErrNotTabular, shape)
	}
	if cols == 0 {
		return nil, fmt.Errorf("%w: shape %v has no columns", ErrNotTabular, shape)
	}

	node, err := leafNode(d)
	if err != nil {
		return nil, err
	}
	group := make(parquet.Group, cols)
	for i := range cols {
		group[ColumnName(i)] = node
	}
	schema := parquet.NewSchema("array", group)

	t := &table{schema: schema, rows: rows, cols: cols, order: make([]int, cols)}
	for i, f := range schema.Fields() {
		idx, err := strconv.Atoi(strings.TrimPrefix(f.Name(), "c"))
		if err != nil {
			return nil, fmt.Errorf("export: unexpected column %q", f.Name())
		}
		t.order[i] = idx
	}
	return t, nil
}

// leafNode picks the narrowest parquet type that holds every value of d.
func leafNode(d zanj.DType) (parquet.Node, error) {
	switch d {
	case zanj.Int8:
		return parquet.Int(8), nil
	case zanj.Int16:
		return parquet.Int(16), nil
	case zanj.Int32:
		return parquet.Int(32), nil
	case zanj.Int64:
		return parquet.Int(64), nil
	case zanj.Uint8:
		return parquet.Uint(8), nil
	case zanj.Uint16:
		return parquet.Uint(16), nil
	case zanj.Uint32:
		return parquet.Uint(32), nil
	case zanj.Uint64:
		return parquet.Uint(64), nil
	case zanj.Float32:
		return parquet.Leaf(parquet.FloatType), nil
	case zanj.Float64:
		return parquet.Leaf(parquet.DoubleType), nil
	}
	return nil, fmt.Errorf("export: %w: %v", zanj.ErrUnsupportedDtype, d)
}

// cellFunc returns the parquet value of flat element i.
func cellFunc(a *zanj.Array) (func(i int) parquet.Value, error) {
	switch a.DType {
	case zanj.Int8:
		v, err := zanj.Values[int8](a)
		return func(i int) parquet.Value { return parquet.Int32Value(int32(v[i])) }, err
	case zanj.Int16:
		v, err := zanj.Values[int16](a)
		return func(i int) parquet.Value { return parquet.Int32Value(int32(v[i])) }, err
	case zanj.Int32:
		v, err := zanj.Values[int32](a)
		return func(i int) parquet.Value { return parquet.Int32Value(v[i]) }, err
	case zanj.Int64:
		v, err := zanj.Values[int64](a)
		return func(i int) parquet.Value { return parquet.Int64Value(v[i]) }, err
	case zanj.Uint8:
		v, err := zanj.Values[uint8](a)
		return func(i int) parquet.Value { return parquet.Int32Value(int32(v[i])) }, err
	case zanj.Uint16:
		v, err := zanj.Values[uint16](a)
		return func(i int) parquet.Value { return parquet.Int32Value(int32(v[i])) }, err
	case zanj.Uint32:
		// Stored in INT32 with an unsigned annotation: reinterpret the bits.
		v, err := zanj.Values[uint32](a)
		return func(i int) parquet.Value { return parquet.Int32Value(int32(v[i])) }, err
	case zanj.Uint64:
		v, err := zanj.Values[uint64](a)
		return func(i int) parquet.Value { return parquet.Int64Value(int64(v[i])) }, err
	case zanj.Float32:
		v, err := zanj.Values[float32](a)
		return func(i int) parquet.Value { return parquet.FloatValue(v[i]) }, err
	case zanj.Float64:
		v, err := zanj.Values[float64](a)
		return func(i int) parquet.Value { return parquet.DoubleValue(v[i]) }, err
	}
	return nil, fmt.Errorf("export: %w: %v", zanj.ErrUnsupportedDtype, a.DType)
}

// WriteParquet writes a rank 1 or rank 2 array as a parquet file with one
// row per leading index and one column per trailing index. Rank 1 arrays
// produce a single column c0. The dtype and shape are kept in the file's
// key-value metadata so ReadParquet restores the array exactly.
func WriteParquet(w io.Writer, a *zanj.Array, comp Compression) error {
	if err := a.Validate(); err != nil {
		return err
	}
	t, err := newTable(a.DType, a.Shape)
	if err != nil {
		return err
	}
	cell, err := cellFunc(a)
	if err != nil {
		return err
	}

	rowBuf := parquet.NewBuffer(t.schema)
	row := make(parquet.Row, t.cols)
	for r := range t.rows {
		for leaf, col := range t.order {
			row[leaf] = cell(r*t.cols+col).Level(0, 0, leaf)
		}
		if _, err := rowBuf.WriteRows([]parquet.Row{row}); err != nil {
			return fmt.Errorf("export: write row %d: %w", r, err)
		}
	}

	var buf bytes.Buffer
	pqWriter := parquet.NewWriter(&buf, t.schema,
		comp.writerOption(),
		parquet.KeyValueMetadata(metaDType, a.DType.String()),
		parquet.KeyValueMetadata(metaShape, formatShape(a.Shape)),
	)
	if _, err := pqWriter.WriteRowGroup(rowBuf); err != nil {
		_ = pqWriter.Close()
		return fmt.Errorf("export: write row group: %w", err)
	}
	if err := pqWriter.Close(); err != nil {
		return fmt.Errorf("export: close writer: %w", err)
	}

	_, err = io.Copy(w, &buf)
	return err
}

// ReadParquet reads a file written by WriteParquet back into an array.
func ReadParquet(r io.ReaderAt, size int64) (*zanj.Array, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("export: %w: %w", zanj.ErrMalformedEncoding, err)
	}

	dtypeTag, ok := file.Lookup(metaDType)
	if !ok {
		return nil, fmt.Errorf("export: %w: missing %s metadata", zanj.ErrMalformedEncoding, metaDType)
	}
	d, err := zanj.ParseDType(dtypeTag)
	if err != nil {
		return nil, err
	}
	shapeTag, _ := file.Lookup(metaShape)
	shape, err := parseShape(shapeTag)
	if err != nil {
		return nil, err
	}
	t, err := newTable(d, shape)
	if err != nil {
		return nil, err
	}
	if file.NumRows() != int64(t.rows) {
		return nil, fmt.Errorf("export: %w: %d rows for shape %v", zanj.ErrShapeMismatch, file.NumRows(), shape)
	}

	data := make([]byte, t.rows*t.cols*d.Size())
	reader := parquet.NewReader(file)
	defer func() { _ = reader.Close() }()

	rows := make([]parquet.Row, 128)
	next := 0
	for {
		n, err := reader.ReadRows(rows)
		for _, row := range rows[:n] {
			if len(row) != t.cols {
				return nil, fmt.Errorf("export: %w: row %d has %d columns", zanj.ErrShapeMismatch, next, len(row))
			}
			for leaf, col := range t.order {
				putCell(data[(next*t.cols+col)*d.Size():], d, row[leaf])
			}
			next++
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("export: %w: read rows: %w", zanj.ErrMalformedEncoding, err)
		}
	}
	return zanj.NewRaw(d, shape, data)
}

// putCell stores v little-endian at the start of dst.
func putCell(dst []byte, d zanj.DType, v parquet.Value) {
	var bits uint64
	switch d {
	case zanj.Int64, zanj.Uint64:
		bits = uint64(v.Int64())
	case zanj.Float32:
		bits = uint64(math.Float32bits(v.Float()))
	case zanj.Float64:
		bits = math.Float64bits(v.Double())
	default:
		bits = uint64(uint32(v.Int32()))
	}
	for i := range d.Size() {
		dst[i] = byte(bits >> (8 * i))
	}
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, n := range shape {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func parseShape(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("export: %w: missing %s metadata", zanj.ErrMalformedEncoding, metaShape)
	}
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("export: %w: shape %q", zanj.ErrMalformedEncoding, s)
		}
		shape[i] = n
	}
	return shape, nil
}
