package zanj

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
)

func TestUnpackToDirectory(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	archive := filepath.Join(dir, "run.zanj")
	out := filepath.Join(dir, "run")
	if err := Save(archive, sampleTree(), WithThreshold(10)); err != nil {
		t.Fatal(err)
	}

	if err := UnpackToDirectory(ctx, archive, out); err != nil {
		t.Fatalf("UnpackToDirectory failed: %v", err)
	}
	first := snapshotTree(t, out)
	want := []string{RootPath, MetaPath, "big.npy", "info.hist.npy", "info.json", "layers.0.w.npy"}
	if got := sortedKeys(first); !slices.Equal(got, want) {
		t.Errorf("files = %v, want %v", got, want)
	}

	// Unpacking again yields the same tree.
	if err := UnpackToDirectory(ctx, archive, out); err != nil {
		t.Fatalf("second UnpackToDirectory failed: %v", err)
	}
	second := snapshotTree(t, out)
	if len(first) != len(second) {
		t.Fatalf("second unpack has %d files, first had %d", len(second), len(first))
	}
	for name, data := range first {
		if !bytes.Equal(second[name], data) {
			t.Errorf("%s differs between unpacks", name)
		}
	}

	d, err := OpenDirectory(ctx, out, WithVerify())
	if err != nil {
		t.Fatalf("OpenDirectory failed: %v", err)
	}
	tree, err := d.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := Resolve(ctx, tree)
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(resolved, plain(sampleTree())) {
		t.Error("unpacked container changed the tree")
	}

	leftovers, err := filepath.Glob(filepath.Join(dir, ".zanj-*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(leftovers) != 0 {
		t.Errorf("staging directories left behind: %v", leftovers)
	}
}

func TestUnpackToDirectory_RejectsEscapes(t *testing.T) {
	tests := []struct {
		name    string
		entries []zipEntry
	}{
		{"entry escape", []zipEntry{
			{name: RootPath, data: []byte(`{"version": 1}`)},
			{name: "../../escape", data: []byte("pwned")},
		}},
		{"reference escape", []zipEntry{
			{name: RootPath, data: []byte(`{"version": 1, "x": {"$ref": "../../escape", "format": "npy"}}`)},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			archive := filepath.Join(dir, "evil.zanj")
			if err := os.WriteFile(archive, buildZip(t, tt.entries), 0o644); err != nil {
				t.Fatal(err)
			}
			out := filepath.Join(dir, "a", "b", "out")

			err := UnpackToDirectory(t.Context(), archive, out)
			if !errors.Is(err, ErrPathTraversal) {
				t.Fatalf("expected ErrPathTraversal, got: %v", err)
			}
			if _, err := os.Lstat(out); !os.IsNotExist(err) {
				t.Errorf("output directory was created: %v", err)
			}
			if _, err := os.Lstat(filepath.Join(dir, "a", "escape")); !os.IsNotExist(err) {
				t.Error("escaping entry was written")
			}
		})
	}
}

func TestUnpackToDirectory_KeepsOldTreeOnFailure(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	good := filepath.Join(dir, "good.zanj")
	evil := filepath.Join(dir, "evil.zanj")
	out := filepath.Join(dir, "out")

	if err := Save(good, sampleTree(), WithThreshold(10)); err != nil {
		t.Fatal(err)
	}
	if err := UnpackToDirectory(ctx, good, out); err != nil {
		t.Fatal(err)
	}
	before := snapshotTree(t, out)

	entries := []zipEntry{{name: RootPath, data: []byte(`{"version": 1, "x": {"$ref": "../x.npy"}}`)}}
	if err := os.WriteFile(evil, buildZip(t, entries), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := UnpackToDirectory(ctx, evil, out); !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal, got: %v", err)
	}

	after := snapshotTree(t, out)
	if !slices.Equal(sortedKeys(before), sortedKeys(after)) {
		t.Error("failed unpack modified the existing tree")
	}
}

func TestUnpackToDirectory_DestinationIsFile(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "run.zanj")
	if err := Save(archive, sampleTree()); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := UnpackToDirectory(t.Context(), archive, file); !errors.Is(err, ErrIOFailure) {
		t.Errorf("expected ErrIOFailure, got: %v", err)
	}
	if got := mustRead(t, file); string(got) != "keep" {
		t.Error("destination file was modified")
	}
}

func TestWriteDirectory_RefusesUnrelatedDirectory(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	archive := filepath.Join(dir, "run.zanj")
	if err := Save(archive, sampleTree()); err != nil {
		t.Fatal(err)
	}
	c, err := Serialize(sampleTree())
	if err != nil {
		t.Fatal(err)
	}

	writers := []struct {
		name  string
		write func(dst string) error
	}{
		{"UnpackToDirectory", func(dst string) error { return UnpackToDirectory(ctx, archive, dst) }},
		{"SaveDir", func(dst string) error { return SaveDir(ctx, dst, sampleTree()) }},
		{"PackToDirectory", func(dst string) error { return PackToDirectory(ctx, dst, c) }},
	}

	for _, w := range writers {
		t.Run(w.name, func(t *testing.T) {
			userdata := filepath.Join(t.TempDir(), "userdata")
			if err := os.MkdirAll(filepath.Join(userdata, "notes"), 0o755); err != nil {
				t.Fatal(err)
			}
			precious := filepath.Join(userdata, "precious.txt")
			if err := os.WriteFile(precious, []byte("keep me"), 0o644); err != nil {
				t.Fatal(err)
			}

			if err := w.write(userdata); !errors.Is(err, ErrPathExists) {
				t.Fatalf("expected ErrPathExists, got: %v", err)
			}
			if got := mustRead(t, precious); string(got) != "keep me" {
				t.Error("user file was modified")
			}
			if _, err := os.Stat(filepath.Join(userdata, RootPath)); !errors.Is(err, fs.ErrNotExist) {
				t.Error("container written into an unrelated directory")
			}

			empty := filepath.Join(t.TempDir(), "empty")
			if err := os.Mkdir(empty, 0o755); err != nil {
				t.Fatal(err)
			}
			if err := w.write(empty); err != nil {
				t.Fatalf("empty destination: %v", err)
			}
			if err := w.write(empty); err != nil {
				t.Fatalf("replacing a container: %v", err)
			}
		})
	}
}

func TestSaveDir_MatchesUnpack(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	archive := filepath.Join(dir, "run.zanj")
	unpacked := filepath.Join(dir, "unpacked")
	direct := filepath.Join(dir, "direct")

	if err := Save(archive, sampleTree(), WithThreshold(10)); err != nil {
		t.Fatal(err)
	}
	if err := UnpackToDirectory(ctx, archive, unpacked); err != nil {
		t.Fatal(err)
	}
	if err := SaveDir(ctx, direct, sampleTree(), WithThreshold(10)); err != nil {
		t.Fatalf("SaveDir failed: %v", err)
	}

	a, b := snapshotTree(t, unpacked), snapshotTree(t, direct)
	if !slices.Equal(sortedKeys(a), sortedKeys(b)) {
		t.Fatalf("files differ: %v vs %v", sortedKeys(a), sortedKeys(b))
	}
	for name := range a {
		if !bytes.Equal(a[name], b[name]) {
			t.Errorf("%s differs between SaveDir and unpack", name)
		}
	}
}

func TestOpenDirectory_Verify(t *testing.T) {
	ctx := t.Context()
	out := filepath.Join(t.TempDir(), "run")
	if err := SaveDir(ctx, out, sampleTree(), WithThreshold(10)); err != nil {
		t.Fatal(err)
	}

	// Corrupt one byte of big.npy without changing its size.
	blob := filepath.Join(out, "big.npy")
	data := mustRead(t, blob)
	data[len(data)-1] ^= 0x01
	if err := os.WriteFile(blob, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenDirectory(ctx, out); err != nil {
		t.Fatalf("OpenDirectory without verify failed: %v", err)
	}
	_, err := OpenDirectory(ctx, out, WithVerify())
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got: %v", err)
	}

	// Both failures are reported together.
	if err := os.Remove(filepath.Join(out, "layers.0.w.npy")); err != nil {
		t.Fatal(err)
	}
	d, err := OpenDirectory(ctx, out)
	if err != nil {
		t.Fatal(err)
	}
	err = d.Verify(ctx)
	if !errors.Is(err, ErrChecksumMismatch) || !errors.Is(err, ErrUnresolvedReference) {
		t.Errorf("expected both ErrChecksumMismatch and ErrUnresolvedReference, got: %v", err)
	}
}

func TestOpenDirectory_Errors(t *testing.T) {
	ctx := t.Context()

	if _, err := OpenDirectory(ctx, filepath.Join(t.TempDir(), "missing")); !errors.Is(err, ErrIOFailure) {
		t.Errorf("missing dir: expected ErrIOFailure, got: %v", err)
	}
	if _, err := OpenDirectory(ctx, t.TempDir()); !errors.Is(err, ErrUnresolvedReference) {
		t.Errorf("empty dir: expected ErrUnresolvedReference, got: %v", err)
	}

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, RootPath), []byte(`{"version": 7}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenDirectory(ctx, root); !errors.Is(err, ErrFormatVersionUnsupported) {
		t.Errorf("version 7: expected ErrFormatVersionUnsupported, got: %v", err)
	}
}

func TestOpenDirectory_SymlinkedBlob(t *testing.T) {
	ctx := t.Context()
	out := filepath.Join(t.TempDir(), "run")
	if err := SaveDir(ctx, out, sampleTree(), WithThreshold(10)); err != nil {
		t.Fatal(err)
	}

	outside := filepath.Join(t.TempDir(), "outside.npy")
	if err := os.Rename(filepath.Join(out, "big.npy"), outside); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(out, "big.npy")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	d, err := OpenDirectory(ctx, out)
	if err != nil {
		t.Fatal(err)
	}
	tree := mustLoad(t, d)
	if _, err := Lookup(ctx, tree, "big"); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("expected ErrPathTraversal, got: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Store publishing
// -----------------------------------------------------------------------------

// recordingStore remembers the order of Puts.
type recordingStore struct {
	Store

	mu   sync.Mutex
	puts []string
	gets []string
}

func (r *recordingStore) Put(ctx context.Context, path string, rd io.Reader) error {
	r.mu.Lock()
	r.puts = append(r.puts, path)
	r.mu.Unlock()
	return r.Store.Put(ctx, path, rd)
}

func (r *recordingStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	r.mu.Lock()
	r.gets = append(r.gets, path)
	r.mu.Unlock()
	return r.Store.Get(ctx, path)
}

func TestPublishToStore_RootLast(t *testing.T) {
	ctx := t.Context()
	store := &recordingStore{Store: NewMemory()}
	c, err := Serialize(sampleTree(), WithThreshold(10))
	if err != nil {
		t.Fatal(err)
	}

	if err := PublishToStore(ctx, store, c); err != nil {
		t.Fatalf("PublishToStore failed: %v", err)
	}
	want := []string{"big.npy", "layers.0.w.npy", "info.hist.npy", "info.json", MetaPath, RootPath}
	if !slices.Equal(store.puts, want) {
		t.Errorf("put order = %v, want %v", store.puts, want)
	}

	if err := PublishToStore(ctx, store, c); !errors.Is(err, ErrPathExists) {
		t.Errorf("republish: expected ErrPathExists, got: %v", err)
	}
}

func TestOpenStore_ReadsOnlyWhatIsLoaded(t *testing.T) {
	ctx := t.Context()
	store := &recordingStore{Store: NewMemory()}
	c, err := Serialize(sampleTree(), WithThreshold(10))
	if err != nil {
		t.Fatal(err)
	}
	if err := PublishToStore(ctx, store, c); err != nil {
		t.Fatal(err)
	}

	d, err := OpenStore(ctx, store)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	if d.Store() != Store(store) {
		t.Error("Store() returned a different store")
	}
	if want := []string{RootPath, MetaPath}; !slices.Equal(store.gets, want) {
		t.Errorf("open read %v, want %v", store.gets, want)
	}

	tree := mustLoad(t, d)
	if _, err := Lookup(ctx, tree, "layers", "0", "w"); err != nil {
		t.Fatal(err)
	}
	if want := []string{RootPath, MetaPath, "layers.0.w.npy"}; !slices.Equal(store.gets, want) {
		t.Errorf("reads = %v, want %v", store.gets, want)
	}
}

// rangeCountingStore counts ranged reads.
type rangeCountingStore struct {
	Store
	ranges int
}

func (r *rangeCountingStore) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	r.ranges++
	return r.Store.(RangeReader).ReadRange(ctx, path, offset, length)
}

// plainStore hides any RangeReader implementation.
type plainStore struct {
	Store
}

func TestPeekArray(t *testing.T) {
	ctx := t.Context()
	mem := NewMemory()
	big := MustArray([]int{100, 32}, make([]float32, 3200))
	data, err := EncodeNPY(big)
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.Put(ctx, "big.npy", bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}

	ranged := &rangeCountingStore{Store: mem}
	h, err := PeekArray(ctx, ranged, "big.npy")
	if err != nil {
		t.Fatalf("PeekArray failed: %v", err)
	}
	if h.DType != Float32 || !slices.Equal(h.Shape, []int{100, 32}) || h.DataOffset%64 != 0 {
		t.Errorf("header = %+v", h)
	}
	if ranged.ranges != 2 {
		t.Errorf("ranged reads = %d, want 2", ranged.ranges)
	}

	h2, err := PeekArray(ctx, plainStore{mem}, "big.npy")
	if err != nil {
		t.Fatalf("PeekArray without ranges failed: %v", err)
	}
	if h2.DType != h.DType || !slices.Equal(h2.Shape, h.Shape) || h2.DataOffset != h.DataOffset {
		t.Errorf("streamed header %+v differs from ranged %+v", h2, h)
	}

	if _, err := PeekArray(ctx, mem, "../big.npy"); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("expected ErrPathTraversal, got: %v", err)
	}
	if _, err := PeekArray(ctx, mem, "missing.npy"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
	if err := mem.Put(ctx, "junk.npy", bytes.NewReader([]byte("junk"))); err != nil {
		t.Fatal(err)
	}
	if _, err := PeekArray(ctx, mem, "junk.npy"); !errors.Is(err, ErrMalformedEncoding) {
		t.Errorf("expected ErrMalformedEncoding, got: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// snapshotTree reads every regular file under root, keyed by slash path.
func snapshotTree(t *testing.T, root string) map[string][]byte {
	t.Helper()
	files := make(map[string][]byte)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return files
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
