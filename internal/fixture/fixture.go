// Package fixture builds the sample containers used by the CLI, the
// examples and cross-implementation tests.
package fixture

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"

	"github.com/justapithecus/zanj/zanj"
)

// Fixture is a named sample container.
type Fixture struct {
	Name string
	Root func() *zanj.Mapping
	Mode zanj.InlineEncoding

	// Threshold is the external array threshold the fixture is written with.
	Threshold int
}

// All returns the fixture set in a stable order.
func All() []Fixture {
	return []Fixture{
		{Name: "basic", Root: basic, Mode: zanj.EncodingB64Meta, Threshold: 1000},
		{Name: "all-formats", Root: allFormats, Mode: zanj.EncodingB64Meta, Threshold: 1000},
		{Name: "mixed", Root: mixed, Mode: zanj.EncodingB64Meta, Threshold: 50},
		{Name: "edge-cases", Root: edgeCases, Mode: zanj.EncodingB64Meta, Threshold: 1000},
		{Name: "dtypes", Root: dtypes, Mode: zanj.EncodingB64Meta, Threshold: 1000},
	}
}

// Lookup returns the fixture with the given name.
func Lookup(name string) (Fixture, bool) {
	for _, f := range All() {
		if f.Name == name {
			return f, true
		}
	}
	return Fixture{}, false
}

// Options returns the writer options the fixture is written with, followed
// by extra.
func (f Fixture) Options(extra ...zanj.Option) []zanj.Option {
	opts := []zanj.Option{zanj.WithArrayMode(f.Mode), zanj.WithThreshold(f.Threshold)}
	return append(opts, extra...)
}

// Write saves the fixture as <dir>/<name>.zanj and unpacks it into
// <dir>/<name>/.
func (f Fixture) Write(ctx context.Context, dir string, extra ...zanj.Option) error {
	archive := filepath.Join(dir, f.Name+zanj.Extension)
	if err := zanj.Save(archive, f.Root(), f.Options(extra...)...); err != nil {
		return fmt.Errorf("fixture %s: %w", f.Name, err)
	}
	if err := zanj.UnpackToDirectory(ctx, archive, filepath.Join(dir, f.Name)); err != nil {
		return fmt.Errorf("fixture %s: %w", f.Name, err)
	}
	return nil
}

func basic() *zanj.Mapping {
	return zanj.NewMapping().
		Set("small_float", zanj.MustArray([]int{3}, []float32{1, 2, 3})).
		Set("small_int", zanj.MustArray([]int{3}, []int32{10, 20, 30})).
		Set("scalar", zanj.MustArray([]int{}, []float64{42}))
}

func allFormats() *zanj.Mapping {
	return zanj.NewMapping().
		Set("list_meta", zanj.MustArray([]int{2, 2}, []int16{1, 2, 3, 4})).
		Set("b64_meta", zanj.MustArray([]int{4}, []float32{5, 6, 7, 8})).
		Set("hex_meta", zanj.MustArray([]int{4}, []uint8{0xde, 0xad, 0xbe, 0xef})).
		Set("zero_dim", zanj.MustArray([]int{}, []float64{3.14159}))
}

func mixed() *zanj.Mapping {
	return zanj.NewMapping().
		Set("inline_small", zanj.MustArray([]int{5}, []int32{1, 2, 3, 4, 5})).
		Set("external_big", zanj.MustArray([]int{100, 32}, Normal(42, 100*32))).
		Set("nested", zanj.NewMapping().
			Set("inline_nested", zanj.MustArray([]int{3}, []float64{0.1, 0.2, 0.3})).
			Set("metadata", zanj.NewMapping().
				Set("name", zanj.String("test")).
				Set("version", zanj.Int(1))))
}

func edgeCases() *zanj.Mapping {
	ones := make([]float32, 16)
	for i := range ones {
		ones[i] = 1
	}
	return zanj.NewMapping().
		Set("empty_1d", zanj.MustArray([]int{0}, []float32{})).
		Set("empty_2d", zanj.MustArray([]int{2, 0}, []int32{})).
		Set("single_element", zanj.MustArray([]int{1}, []uint32{999})).
		Set("high_rank", zanj.MustArray([]int{2, 2, 2, 2}, ones)).
		Set("uint64_max", zanj.MustArray([]int{1}, []uint64{math.MaxInt64})).
		Set("negative_int", zanj.MustArray([]int{3}, []int8{-1, -2, -3}))
}

func dtypes() *zanj.Mapping {
	return zanj.NewMapping().
		Set("uint8", zanj.MustArray([]int{3}, []uint8{1, 2, 3})).
		Set("uint16", zanj.MustArray([]int{3}, []uint16{100, 200, 300})).
		Set("uint32", zanj.MustArray([]int{3}, []uint32{1000, 2000, 3000})).
		Set("uint64", zanj.MustArray([]int{3}, []uint64{10000, 20000, 30000})).
		Set("int8", zanj.MustArray([]int{3}, []int8{-1, 0, 1})).
		Set("int16", zanj.MustArray([]int{3}, []int16{-100, 0, 100})).
		Set("int32", zanj.MustArray([]int{3}, []int32{-1000, 0, 1000})).
		Set("int64", zanj.MustArray([]int{3}, []int64{-10000, 0, 10000})).
		Set("float32", zanj.MustArray([]int{3}, []float32{1.5, 2.5, 3.5})).
		Set("float64", zanj.MustArray([]int{2}, []float64{1.123456789, 2.123456789}))
}

// Normal returns n float32 samples from a standard normal distribution,
// reproducible for a given seed.
func Normal(seed uint64, n int) []float32 {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}
	return out
}

// -----------------------------------------------------------------------------
// Demo container
// -----------------------------------------------------------------------------

// DemoOptions sizes the demo array.
type DemoOptions struct {
	Rows int
	Cols int
	Seed uint64
}

// DefaultDemoOptions returns a 200000 x 32 array seeded with 0.
func DefaultDemoOptions() DemoOptions {
	return DemoOptions{Rows: 200000, Cols: 32}
}

// DemoRoot builds the demo tree: a small info document and one large
// float32 array, both stored as separate blobs (info.json, big_array.npy).
func DemoRoot(o DemoOptions) (*zanj.Mapping, error) {
	if o.Rows < 0 || o.Cols < 0 {
		return nil, fmt.Errorf("fixture: demo shape %dx%d is negative", o.Rows, o.Cols)
	}
	shape := []int{o.Rows, o.Cols}
	big, err := zanj.NewArray(shape, Normal(o.Seed, o.Rows*o.Cols))
	if err != nil {
		return nil, err
	}

	info := zanj.NewMapping().
		Set("title", zanj.String("zanj demo")).
		Set("description", zanj.String("uncompressed zanj folder for frontend lazy loading")).
		Set("schema", zanj.NewMapping().
			Set("big_array", zanj.NewMapping().
				Set("dtype", zanj.String(zanj.Float32.String())).
				Set("shape", zanj.Sequence{zanj.Int(int64(o.Rows)), zanj.Int(int64(o.Cols))}).
				Set("path", zanj.String("big_array.npy"))))

	return zanj.NewMapping().
		Set("info", zanj.NewDocument(info)).
		Set("big_array", big), nil
}

// WriteDemo writes the demo as a directory container at dir. A non-empty
// array is always external.
func WriteDemo(ctx context.Context, dir string, o DemoOptions, extra ...zanj.Option) error {
	root, err := DemoRoot(o)
	if err != nil {
		return err
	}
	opts := append([]zanj.Option{zanj.WithThreshold(0)}, extra...)
	return zanj.SaveDir(ctx, dir, root, opts...)
}
