package zanj

import (
	"errors"
	"math"
	"slices"
	"testing"
)

// sampleTree mixes every node kind, with arrays on both sides of a
// threshold of 10 elements.
func sampleTree() *Mapping {
	return NewMapping().
		Set("name", String("experiment")).
		Set("step", Int(1200)).
		Set("lr", Number("0.0003")).
		Set("done", Bool(false)).
		Set("note", Null{}).
		Set("pi", MustArray([]int{}, []float64{3.14159})).
		Set("bias", MustArray([]int{4}, []float32{0.5, -0.5, 1, -1})).
		Set("big", MustArray([]int{100, 32}, make([]float32, 3200))).
		Set("layers", Sequence{
			NewMapping().Set("w", MustArray([]int{4, 4}, make([]int16, 16))),
			NewMapping().Set("w", MustArray([]int{2, 2}, []int16{1, 2, 3, 4})),
		}).
		Set("info", NewDocument(NewMapping().
			Set("title", String("run 7")).
			Set("hist", MustArray([]int{20}, make([]uint32, 20)))))
}

func TestSerialize_Scenario_ScalarInline(t *testing.T) {
	c, err := Serialize(NewMapping().Set("pi", MustArray([]int{}, []float64{3.14159})))
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if c.Blobs.Len() != 0 {
		t.Errorf("expected no blobs, got %v", c.Blobs.Paths())
	}

	if keys := c.Root.Keys(); !slices.Equal(keys, []string{"version", "pi"}) {
		t.Errorf("root keys = %v, want [version pi]", keys)
	}
	v, _ := c.Root.Get("version")
	if v != Number("1") {
		t.Errorf("version = %v, want 1", v)
	}
	pi, _ := c.Root.Get("pi")
	node := pi.(*Mapping)
	tag, _ := node.Get("__muutils_format__")
	if tag != String("numpy.ndarray:zero_dim") {
		t.Errorf("format tag = %v", tag)
	}
	data, _ := node.Get("data")
	if data != Number("3.14159") {
		t.Errorf("data = %v, want 3.14159", data)
	}

	back, err := Deserialize(t.Context(), c.Root, c.Blobs)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	got, _ := back.Get("pi")
	vals, err := Values[float64](got.(*Array))
	if err != nil {
		t.Fatal(err)
	}
	if vals[0] != 3.14159 {
		t.Errorf("pi = %v, want 3.14159", vals[0])
	}
	if back.Has("version") {
		t.Error("version leaked into the deserialized tree")
	}
}

func TestSerialize_ScalarIgnoresArrayMode(t *testing.T) {
	tests := []struct {
		name    string
		value   float64
		mode    InlineEncoding
		wantTag string
	}{
		{"b64", 3.14159, EncodingB64Meta, "numpy.ndarray:zero_dim"},
		{"hex", 3.14159, EncodingHexMeta, "numpy.ndarray:zero_dim"},
		{"list", 3.14159, EncodingListMeta, "numpy.ndarray:zero_dim"},
		{"NaN falls back to b64", math.NaN(), EncodingHexMeta, "numpy.ndarray:array_b64_meta"},
		{"Inf falls back to b64", math.Inf(1), EncodingListMeta, "numpy.ndarray:array_b64_meta"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Serialize(NewMapping().Set("scalar", MustArray([]int{}, []float64{tt.value})), WithArrayMode(tt.mode))
			if err != nil {
				t.Fatalf("Serialize failed: %v", err)
			}
			v, _ := c.Root.Get("scalar")
			tag, _ := v.(*Mapping).Get("__muutils_format__")
			if tag != String(tt.wantTag) {
				t.Errorf("format tag = %v, want %s", tag, tt.wantTag)
			}
		})
	}
}

func TestSerialize_Scenario_ExternalArray(t *testing.T) {
	big := MustArray([]int{100, 32}, make([]float32, 3200))
	c, err := Serialize(NewMapping().Set("big", big), WithThreshold(10))
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	if paths := c.Blobs.Paths(); !slices.Equal(paths, []string{"big.npy"}) {
		t.Fatalf("blobs = %v, want [big.npy]", paths)
	}
	ref, _ := c.Root.Get("big")
	want := NewMapping().Set("$ref", String("big.npy")).Set("format", String("npy"))
	if !Equal(ref, want) {
		t.Errorf("root node = %#v, want reference", ref)
	}

	b, _ := c.Blobs.Get("big.npy")
	if b.DType != Float32 || !slices.Equal(b.Shape, []int{100, 32}) {
		t.Errorf("blob describes %s%v", b.DType, b.Shape)
	}
	decoded, err := DecodeNPY(b.Data)
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.Equal(big) {
		t.Error("npy blob does not hold the array")
	}
}

func TestSerialize_RoundTrip(t *testing.T) {
	for _, mode := range []InlineEncoding{EncodingListMeta, EncodingB64Meta, EncodingHexMeta} {
		t.Run(string(mode), func(t *testing.T) {
			ctx := t.Context()
			root := sampleTree()

			c, err := Serialize(root, WithThreshold(10), WithArrayMode(mode))
			if err != nil {
				t.Fatalf("Serialize failed: %v", err)
			}
			want := []string{"big.npy", "layers.0.w.npy", "info.hist.npy", "info.json"}
			if paths := c.Blobs.Paths(); !slices.Equal(paths, want) {
				t.Errorf("blobs = %v, want %v", paths, want)
			}

			back, err := Deserialize(ctx, c.Root, c.Blobs)
			if err != nil {
				t.Fatalf("Deserialize failed: %v", err)
			}
			if keys := back.Keys(); !slices.Equal(keys, root.Keys()) {
				t.Errorf("keys = %v, want %v", keys, root.Keys())
			}

			resolved, err := Resolve(ctx, back)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if !Equal(resolved, plain(root)) {
				t.Error("round trip changed the tree")
			}
		})
	}
}

func TestSerialize_Deterministic(t *testing.T) {
	a, err := Serialize(sampleTree(), WithThreshold(10))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Serialize(sampleTree(), WithThreshold(10))
	if err != nil {
		t.Fatal(err)
	}

	ja, _ := EncodeJSON(a.Root)
	jb, _ := EncodeJSON(b.Root)
	if string(ja) != string(jb) {
		t.Error("root documents differ")
	}
	if !slices.Equal(a.Blobs.Paths(), b.Blobs.Paths()) {
		t.Error("blob paths differ")
	}
}

func TestSerialize_ThresholdBoundaries(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		n         int
		external  bool
	}{
		{"below", 10, 9, false},
		{"at", 10, 10, false},
		{"above", 10, 11, true},
		{"zero threshold", 0, 1, true},
		{"zero threshold empty", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := NewMapping().Set("a", MustArray([]int{tt.n}, make([]int32, tt.n)))
			c, err := Serialize(root, WithThreshold(tt.threshold))
			if err != nil {
				t.Fatal(err)
			}
			if got := c.Blobs.Len() == 1; got != tt.external {
				t.Errorf("external = %v, want %v", got, tt.external)
			}
		})
	}
}

func TestSerialize_ReservedKeys(t *testing.T) {
	tests := []struct {
		name string
		root *Mapping
	}{
		{"top-level version", NewMapping().Set("version", Int(2))},
		{"nested $ref", NewMapping().Set("x", NewMapping().Set("$ref", String("a.npy")))},
		{"format marker in a list", NewMapping().Set("x", Sequence{
			NewMapping().Set("__muutils_format__", String("numpy.ndarray:array_list_meta")),
		})},
		{"inside a document", NewMapping().Set("doc", NewDocument(NewMapping().Set("$ref", String("x"))))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Serialize(tt.root); !errors.Is(err, ErrReservedKey) {
				t.Errorf("expected ErrReservedKey, got: %v", err)
			}
		})
	}

	// "version" is only reserved at the top level.
	if _, err := Serialize(NewMapping().Set("meta", NewMapping().Set("version", Int(2)))); err != nil {
		t.Errorf("nested version key rejected: %v", err)
	}
}

func TestSerialize_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		v       Value
		wantErr error
	}{
		{"non-finite number", Number("Inf"), ErrMalformedEncoding},
		{"array with short data", &Array{DType: Int32, Shape: []int{2}, Data: []byte{1}}, ErrMalformedEncoding},
		{"array with bad dtype", &Array{DType: DType(99), Shape: []int{}, Data: []byte{1}}, ErrUnsupportedDtype},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Serialize(NewMapping().Set("x", tt.v))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestSerialize_BlobNameCollisions(t *testing.T) {
	arr := func() *Array { return MustArray([]int{3}, []uint8{1, 2, 3}) }
	root := NewMapping().
		Set("a.b", arr()).
		Set("a", NewMapping().Set("b", arr())).
		Set("A", NewMapping().Set("B", arr()))

	c, err := Serialize(root, WithThreshold(0))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a_b.npy", "a.b.npy", "A.B_1.npy"}
	if paths := c.Blobs.Paths(); !slices.Equal(paths, want) {
		t.Errorf("blobs = %v, want %v", paths, want)
	}
}

func TestSerialize_EmptyRoot(t *testing.T) {
	c, err := Serialize(NewMapping())
	if err != nil {
		t.Fatal(err)
	}
	if c.Root.Len() != 1 || c.Blobs.Len() != 0 {
		t.Errorf("root = %v, blobs = %d", c.Root.Keys(), c.Blobs.Len())
	}
	back, err := Deserialize(t.Context(), c.Root, c.Blobs)
	if err != nil {
		t.Fatal(err)
	}
	if back.Len() != 0 {
		t.Errorf("deserialized %v, want empty", back.Keys())
	}
}

func TestDeserialize_Version(t *testing.T) {
	tests := []struct {
		name string
		root *Mapping
	}{
		{"missing", NewMapping().Set("a", Int(1))},
		{"two", NewMapping().Set("version", Int(2))},
		{"string", NewMapping().Set("version", String("1"))},
		{"fractional", NewMapping().Set("version", Number("1.5"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Deserialize(t.Context(), tt.root, StoreAccessor(NewMemory()))
			if !errors.Is(err, ErrFormatVersionUnsupported) {
				t.Errorf("expected ErrFormatVersionUnsupported, got: %v", err)
			}
		})
	}
}

func TestDeserialize_References(t *testing.T) {
	ref := func(target string, format Value) *Mapping {
		m := NewMapping().Set("$ref", String(target))
		if format != nil {
			m.Set("format", format)
		}
		return m
	}

	tests := []struct {
		name    string
		node    *Mapping
		want    Reference
		wantErr error
	}{
		{"explicit format", ref("a.npy", String("npy")), Reference{"a.npy", FormatNPY}, nil},
		{"inferred npy", ref("dir/a.NPY", nil), Reference{"dir/a.NPY", FormatNPY}, nil},
		{"inferred json", ref("info.json", nil), Reference{"info.json", FormatJSON}, nil},
		{"unknown format", ref("a.npy", String("pickle")), Reference{}, ErrMalformedEncoding},
		{"uninferable", ref("a.bin", nil), Reference{}, ErrMalformedEncoding},
		{"format not a string", ref("a.npy", Int(1)), Reference{}, ErrMalformedEncoding},
		{"escape", ref("../../escape", String("npy")), Reference{}, ErrPathTraversal},
		{"absolute", ref("/etc/passwd", String("json")), Reference{}, ErrPathTraversal},
		{"target not a string", NewMapping().Set("$ref", Int(3)), Reference{}, ErrMalformedEncoding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := NewMapping().Set("version", Int(1)).Set("x", tt.node)
			tree, err := Deserialize(t.Context(), root, StoreAccessor(NewMemory()))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got: %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Deserialize failed: %v", err)
			}
			x, _ := tree.Get("x")
			l, ok := x.(*Lazy)
			if !ok {
				t.Fatalf("x is %T, want *Lazy", x)
			}
			if l.Ref() != tt.want {
				t.Errorf("ref = %+v, want %+v", l.Ref(), tt.want)
			}
		})
	}
}

func TestDeserialize_Eager(t *testing.T) {
	c, err := Serialize(sampleTree(), WithThreshold(10))
	if err != nil {
		t.Fatal(err)
	}
	tree, err := Deserialize(t.Context(), c.Root, c.Blobs, WithEager())
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if hasLazy(tree) {
		t.Error("eager load left *Lazy nodes")
	}
	if !Equal(tree, plain(sampleTree())) {
		t.Error("eager load changed the tree")
	}
}

func TestDeserialize_EagerMissingBlob(t *testing.T) {
	root := NewMapping().Set("version", Int(1)).
		Set("x", NewMapping().Set("$ref", String("x.npy")).Set("format", String("npy")))
	_, err := Deserialize(t.Context(), root, StoreAccessor(NewMemory()), WithEager())
	if !errors.Is(err, ErrUnresolvedReference) {
		t.Errorf("expected ErrUnresolvedReference, got: %v", err)
	}
}

func TestContainer_UnresolvedReference(t *testing.T) {
	c, err := Serialize(NewMapping().Set("big", MustArray([]int{3}, []int8{1, 2, 3})), WithThreshold(1))
	if err != nil {
		t.Fatal(err)
	}
	c.Blobs = &BlobTable{}

	if err := Pack(discard{}, c); !errors.Is(err, ErrUnresolvedReference) {
		t.Errorf("expected ErrUnresolvedReference, got: %v", err)
	}
}

func TestBlobTable(t *testing.T) {
	var bt BlobTable
	if err := bt.Add(&Blob{Path: "a.npy", Format: FormatNPY}); err != nil {
		t.Fatal(err)
	}
	if err := bt.Add(&Blob{Path: "a.npy", Format: FormatNPY}); !errors.Is(err, ErrPathExists) {
		t.Errorf("expected ErrPathExists, got: %v", err)
	}
	if err := bt.Add(&Blob{Path: "../a.npy", Format: FormatNPY}); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("expected ErrPathTraversal, got: %v", err)
	}
	if _, err := bt.Blob(t.Context(), "b.npy"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
	if bt.Len() != 1 {
		t.Errorf("Len = %d, want 1", bt.Len())
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// plain strips *Document wrappers, which a read returns as their contents.
func plain(v Value) Value {
	switch tv := v.(type) {
	case *Document:
		return plain(tv.Value)
	case Sequence:
		out := make(Sequence, len(tv))
		for i, e := range tv {
			out[i] = plain(e)
		}
		return out
	case *Mapping:
		out := NewMapping()
		for k, e := range tv.All() {
			out.Set(k, plain(e))
		}
		return out
	}
	return v
}

func hasLazy(v Value) bool {
	switch tv := v.(type) {
	case *Lazy:
		return true
	case Sequence:
		return slices.ContainsFunc(tv, hasLazy)
	case *Mapping:
		for _, e := range tv.All() {
			if hasLazy(e) {
				return true
			}
		}
	}
	return false
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
