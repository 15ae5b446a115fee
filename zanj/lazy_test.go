package zanj

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// countingAccessor counts fetches per path.
type countingAccessor struct {
	inner BlobAccessor

	mu     sync.Mutex
	counts map[string]int
	total  atomic.Int64
}

func newCountingAccessor(inner BlobAccessor) *countingAccessor {
	return &countingAccessor{inner: inner, counts: make(map[string]int)}
}

func (c *countingAccessor) Blob(ctx context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	c.counts[path]++
	c.mu.Unlock()
	c.total.Add(1)
	return c.inner.Blob(ctx, path)
}

func (c *countingAccessor) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[path]
}

func TestLazy_FetchesOnce(t *testing.T) {
	ctx := t.Context()
	c, err := Serialize(sampleTree(), WithThreshold(10))
	if err != nil {
		t.Fatal(err)
	}
	acc := newCountingAccessor(c.Blobs)

	tree, err := Deserialize(ctx, c.Root, acc)
	if err != nil {
		t.Fatal(err)
	}
	if n := acc.total.Load(); n != 0 {
		t.Fatalf("Deserialize fetched %d blobs, want 0", n)
	}

	big, _ := tree.Get("big")
	l := big.(*Lazy)
	if _, ok := l.Loaded(); ok {
		t.Error("Loaded reports a value before Load")
	}

	var wg sync.WaitGroup
	results := make([]Value, 8)
	for i := range results {
		wg.Go(func() {
			v, err := l.Load(ctx)
			if err != nil {
				t.Errorf("Load failed: %v", err)
			}
			results[i] = v
		})
	}
	wg.Wait()

	if n := acc.count("big.npy"); n != 1 {
		t.Errorf("big.npy fetched %d times, want 1", n)
	}
	for _, v := range results[1:] {
		if v != results[0] {
			t.Error("concurrent loads returned different values")
		}
	}
	if v, ok := l.Loaded(); !ok || v != results[0] {
		t.Error("Loaded does not return the memoized value")
	}
	if n := acc.total.Load(); n != 1 {
		t.Errorf("fetched %d blobs in total, want 1", n)
	}
}

func TestLookup_FetchesOnlyThePath(t *testing.T) {
	ctx := t.Context()
	c, err := Serialize(sampleTree(), WithThreshold(10))
	if err != nil {
		t.Fatal(err)
	}
	acc := newCountingAccessor(c.Blobs)
	tree, err := Deserialize(ctx, c.Root, acc)
	if err != nil {
		t.Fatal(err)
	}

	title, err := Lookup(ctx, tree, "info", "title")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if title != String("run 7") {
		t.Errorf("title = %v, want run 7", title)
	}
	if acc.count("info.json") != 1 || acc.total.Load() != 1 {
		t.Errorf("fetches = %v, want only info.json", acc.counts)
	}

	w, err := Lookup(ctx, tree, "layers", "0", "w")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	a, ok := w.(*Array)
	if !ok || !slices.Equal(a.Shape, []int{4, 4}) {
		t.Errorf("layers.0.w = %#v, want 4x4 array", w)
	}
	if acc.total.Load() != 2 {
		t.Errorf("fetched %d blobs, want 2", acc.total.Load())
	}

	inline, err := Lookup(ctx, tree, "layers", "1", "w")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := inline.(*Array); !ok || acc.total.Load() != 2 {
		t.Errorf("inline lookup fetched blobs or returned %T", inline)
	}
}

func TestLookup_Errors(t *testing.T) {
	ctx := t.Context()
	tree := NewMapping().
		Set("list", Sequence{Int(1), Int(2)}).
		Set("n", Int(3))

	for _, keys := range [][]string{
		{"missing"},
		{"list", "2"},
		{"list", "-1"},
		{"list", "x"},
		{"list", ""},
		{"n", "child"},
	} {
		if _, err := Lookup(ctx, tree, keys...); !errors.Is(err, ErrNotFound) {
			t.Errorf("Lookup(%v): expected ErrNotFound, got: %v", keys, err)
		}
	}

	v, err := Lookup(ctx, tree)
	if err != nil || v != Value(tree) {
		t.Errorf("Lookup with no keys = %v, %v; want the tree itself", v, err)
	}
}

func TestLazy_FailureIsRetried(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	a := MustArray([]int{3}, []int8{1, 2, 3})
	data, err := EncodeNPY(a)
	if err != nil {
		t.Fatal(err)
	}

	root := NewMapping().Set("version", Int(1)).
		Set("x", NewMapping().Set("$ref", String("x.npy")).Set("format", String("npy")))
	tree, err := Deserialize(ctx, root, StoreAccessor(store))
	if err != nil {
		t.Fatal(err)
	}
	x, _ := tree.Get("x")
	l := x.(*Lazy)

	if _, err := l.Load(ctx); !errors.Is(err, ErrUnresolvedReference) {
		t.Fatalf("expected ErrUnresolvedReference, got: %v", err)
	}
	if _, ok := l.Loaded(); ok {
		t.Fatal("failed load was memoized")
	}

	if err := store.Put(ctx, "x.npy", bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	v, err := l.Load(ctx)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !v.(*Array).Equal(a) {
		t.Error("retry loaded the wrong array")
	}
}

func TestLazy_IOErrorIsNotUnresolved(t *testing.T) {
	boom := errors.New("disk on fire")
	acc := BlobAccessorFunc(func(context.Context, string) ([]byte, error) { return nil, boom })

	root := NewMapping().Set("version", Int(1)).
		Set("x", NewMapping().Set("$ref", String("x.npy")).Set("format", String("npy")))
	tree, err := Deserialize(t.Context(), root, acc)
	if err != nil {
		t.Fatal(err)
	}
	x, _ := tree.Get("x")
	_, err = x.(*Lazy).Load(t.Context())
	if !errors.Is(err, ErrIOFailure) || !errors.Is(err, boom) {
		t.Errorf("expected ErrIOFailure wrapping the cause, got: %v", err)
	}
	if errors.Is(err, ErrUnresolvedReference) {
		t.Error("an I/O failure was reported as an unresolved reference")
	}
}

func TestLazy_CorruptBlob(t *testing.T) {
	store := NewMemory()
	if err := store.Put(t.Context(), "x.npy", bytes.NewReader([]byte("not an npy"))); err != nil {
		t.Fatal(err)
	}
	root := NewMapping().Set("version", Int(1)).
		Set("x", NewMapping().Set("$ref", String("x.npy")).Set("format", String("npy")))
	tree, err := Deserialize(t.Context(), root, StoreAccessor(store))
	if err != nil {
		t.Fatal(err)
	}
	x, _ := tree.Get("x")
	if _, err := x.(*Lazy).Load(t.Context()); !errors.Is(err, ErrMalformedEncoding) {
		t.Errorf("expected ErrMalformedEncoding, got: %v", err)
	}
}

func TestResolve_ReferenceCycle(t *testing.T) {
	ref := func(path string) *Mapping {
		return NewMapping().Set("$ref", String(path)).Set("format", String("json"))
	}
	tests := []struct {
		name  string
		blobs map[string]string
	}{
		{"self", map[string]string{"loop.json": `{"$ref": "loop.json"}`}},
		{"two blobs", map[string]string{
			"loop.json": `{"next": {"$ref": "b.json"}}`,
			"b.json":    `[1, {"$ref": "loop.json", "format": "json"}]`,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := t.Context()
			store := NewMemory()
			for path, body := range tt.blobs {
				if err := store.Put(ctx, path, strings.NewReader(body)); err != nil {
					t.Fatal(err)
				}
			}
			acc := newCountingAccessor(StoreAccessor(store))
			root := NewMapping().Set("version", Int(1)).Set("x", ref("loop.json"))

			_, err := Deserialize(ctx, root, acc, WithEager())
			if !errors.Is(err, ErrMalformedEncoding) {
				t.Fatalf("expected ErrMalformedEncoding, got: %v", err)
			}
			if n := acc.total.Load(); n > int64(len(tt.blobs)) {
				t.Errorf("fetched %d blobs for a %d-blob cycle", n, len(tt.blobs))
			}
		})
	}
}

func TestResolve_SharedBlob(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	if err := store.Put(ctx, "shared.json", strings.NewReader(`{"k": 1}`)); err != nil {
		t.Fatal(err)
	}
	shared := func() *Mapping {
		return NewMapping().Set("$ref", String("shared.json")).Set("format", String("json"))
	}
	root := NewMapping().Set("version", Int(1)).
		Set("a", shared()).
		Set("b", Sequence{shared(), NewMapping().Set("c", shared())})

	tree, err := Deserialize(ctx, root, StoreAccessor(store), WithEager())
	if err != nil {
		t.Fatalf("shared blob in sibling positions: %v", err)
	}
	got, err := Lookup(ctx, tree, "b", "1", "c", "k")
	if err != nil {
		t.Fatal(err)
	}
	if got != Int(1) {
		t.Errorf("b.1.c.k = %v, want 1", got)
	}
}

func TestSerialize_LazyNodes(t *testing.T) {
	ctx := t.Context()
	c, err := Serialize(sampleTree(), WithThreshold(10))
	if err != nil {
		t.Fatal(err)
	}
	tree, err := Deserialize(ctx, c.Root, c.Blobs)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Serialize(tree, WithThreshold(10)); !errors.Is(err, ErrUnresolvedReference) {
		t.Errorf("unloaded lazy: expected ErrUnresolvedReference, got: %v", err)
	}

	if _, err := Resolve(ctx, tree); err != nil {
		t.Fatal(err)
	}
	again, err := Serialize(tree, WithThreshold(10))
	if err != nil {
		t.Fatalf("re-serializing a loaded tree failed: %v", err)
	}
	// The json document comes back as a plain mapping, so it is inlined.
	want := []string{"big.npy", "layers.0.w.npy", "info.hist.npy"}
	if paths := again.Blobs.Paths(); !slices.Equal(paths, want) {
		t.Errorf("blobs = %v, want %v", paths, want)
	}
}
