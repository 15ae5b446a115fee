package zanj

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/zip"
)

// -----------------------------------------------------------------------------
// Writing
// -----------------------------------------------------------------------------

// Pack writes c as a zip archive: the root document first, then the
// metadata sidecar, then every blob in allocation order. Entry timestamps
// are left unset so equal containers pack to equal bytes.
func Pack(w io.Writer, c *Container, opts ...Option) error {
	cfg, err := newWriterConfig(opts)
	if err != nil {
		return err
	}
	return pack(w, c, cfg)
}

func pack(w io.Writer, c *Container, cfg *writerConfig) error {
	entries, err := containerEntries(c)
	if err != nil {
		return err
	}
	comp, err := NewCompressor(cfg.Compression)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	registerCompressor(zw, comp)
	for _, e := range entries {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: e.path, Method: comp.Method()})
		if err != nil {
			return ioErr("create entry", e.path, err)
		}
		if _, err := fw.Write(e.data); err != nil {
			return ioErr("write entry", e.path, err)
		}
		cfg.logger.Debug("zanj: packed entry", "path", e.path, "bytes", len(e.data), "method", string(comp.Name()))
	}
	return ioErr("finish archive", "", zw.Close())
}

type entry struct {
	path string
	data []byte
}

// containerEntries renders a container into its files in layout order and
// checks that every reference in the root has a blob.
func containerEntries(c *Container) ([]entry, error) {
	if c == nil || c.Root == nil {
		return nil, errors.New("zanj: container has no root document")
	}
	if err := checkVersion(c.Root); err != nil {
		return nil, err
	}
	refs, err := collectRefs(c.Root)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if _, ok := c.Blobs.Get(ref.Path); !ok {
			return nil, fmt.Errorf("zanj: %w: %s has no blob", ErrUnresolvedReference, ref.Path)
		}
	}

	root, err := EncodeJSON(c.Root)
	if err != nil {
		return nil, err
	}
	meta, err := encodeMeta(NewMeta(c))
	if err != nil {
		return nil, err
	}

	entries := make([]entry, 0, 2+c.Blobs.Len())
	entries = append(entries, entry{RootPath, root}, entry{MetaPath, meta})
	for b := range c.Blobs.All() {
		entries = append(entries, entry{b.Path, b.Data})
	}
	return entries, nil
}

// Save serializes root and writes it as an archive at path. The archive is
// written to a temp file in the same directory and renamed into place, so
// path never holds a partial archive.
//
// Concurrent Save calls for the same path must be serialized by the caller.
func Save(path string, root *Mapping, opts ...Option) error {
	cfg, err := newWriterConfig(opts)
	if err != nil {
		return err
	}
	c, err := serialize(root, cfg)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, func(w io.Writer) error { return pack(w, c, cfg) })
}

// PackFile writes an already serialized container as an archive at path,
// with the same atomic publish as Save.
func PackFile(path string, c *Container, opts ...Option) error {
	cfg, err := newWriterConfig(opts)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, func(w io.Writer) error { return pack(w, c, cfg) })
}

// -----------------------------------------------------------------------------
// Reading
// -----------------------------------------------------------------------------

// Source is an opened container, archive or directory.
type Source interface {
	BlobAccessor

	// Root returns the raw root document.
	Root() *Mapping

	// Meta returns the metadata sidecar, or nil when the container has none.
	Meta() *Meta

	// Load deserializes the root document with lazy references bound to
	// this source.
	Load(ctx context.Context) (*Mapping, error)

	// Container reads the root and every referenced blob without decoding.
	Container(ctx context.Context) (*Container, error)

	// Verify checks that every reference resolves and, when a sidecar is
	// present, that every blob matches its checksum.
	Verify(ctx context.Context) error

	// Close releases the source. Lazy values bound to it stop working.
	Close() error
}

// opened holds what archive and directory sources share.
type opened struct {
	src  BlobAccessor
	root *Mapping
	meta *Meta
	cfg  *readerConfig
}

func (o *opened) Root() *Mapping { return o.root }

func (o *opened) Meta() *Meta { return o.meta }

func (o *opened) Load(ctx context.Context) (*Mapping, error) {
	return deserialize(ctx, o.root, o.src, o.cfg)
}

func (o *opened) Container(ctx context.Context) (*Container, error) {
	c := &Container{Root: o.root, Blobs: &BlobTable{}, Config: DefaultConfig()}
	if o.meta != nil {
		c.Config.InternalArrayMode = o.meta.Config.InternalArrayMode
		c.Config.ExternalArrayThreshold = o.meta.Config.ExternalArrayThreshold
	}
	err := o.walkBlobs(ctx, o.root, make(map[string]bool), func(ref Reference, data []byte, err error) error {
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("zanj: %w: %s", ErrUnresolvedReference, ref.Path)
			}
			return ioErr("read", ref.Path, err)
		}
		b := &Blob{Path: ref.Path, Format: ref.Format, Data: data}
		if ref.Format == FormatNPY {
			h, err := ReadNPYHeader(bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("%w (blob %s)", err, ref.Path)
			}
			b.DType, b.Shape = h.DType, h.Shape
		}
		return c.Blobs.Add(b)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (o *opened) Verify(ctx context.Context) error {
	var errs []error
	err := o.walkBlobs(ctx, o.root, make(map[string]bool), func(ref Reference, _ []byte, err error) error {
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotFound):
			errs = append(errs, fmt.Errorf("zanj: %w: %s", ErrUnresolvedReference, ref.Path))
			return nil
		}
		return ioErr("verify", ref.Path, err)
	})
	if err != nil {
		return err
	}
	if o.meta != nil {
		if err := Verify(ctx, o.src, o.meta); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// walkBlobs fetches every blob reachable from v, following references
// inside json blobs, and calls visit once per path with the fetch result.
// A json blob is visited after the blobs it references, which is the order
// Serialize allocates them in.
func (o *opened) walkBlobs(ctx context.Context, v Value, seen map[string]bool, visit func(Reference, []byte, error) error) error {
	refs, err := collectRefs(v)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if seen[ref.Path] {
			continue
		}
		seen[ref.Path] = true

		data, err := o.src.Blob(ctx, ref.Path)
		if err == nil && ref.Format == FormatJSON {
			doc, derr := DecodeJSON(data)
			if derr != nil {
				return fmt.Errorf("%w (blob %s)", derr, ref.Path)
			}
			if werr := o.walkBlobs(ctx, doc, seen, visit); werr != nil {
				return werr
			}
		}
		if err := visit(ref, data, err); err != nil {
			return err
		}
	}
	return nil
}

// finishOpen parses the root and sidecar documents and applies the reader
// options that act at open time.
func (o *opened) finishOpen(ctx context.Context) error {
	data, err := o.src.Blob(ctx, RootPath)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("zanj: %w: container has no %s", ErrUnresolvedReference, RootPath)
		}
		return ioErr("read", RootPath, err)
	}
	doc, err := DecodeJSON(data)
	if err != nil {
		return fmt.Errorf("%w (%s)", err, RootPath)
	}
	root, ok := doc.(*Mapping)
	if !ok {
		return fmt.Errorf("zanj: %w: %s is not an object", ErrMalformedEncoding, RootPath)
	}
	if err := checkVersion(root); err != nil {
		return err
	}
	o.root = root

	switch data, err := o.src.Blob(ctx, MetaPath); {
	case err == nil:
		if o.meta, err = ParseMeta(data); err != nil {
			return err
		}
	case !errors.Is(err, ErrNotFound):
		return ioErr("read", MetaPath, err)
	}

	if o.cfg.verify {
		return o.Verify(ctx)
	}
	return nil
}

// Archive is an opened zip container. Blobs are decompressed on demand, so
// it must stay open until every Lazy bound to it has been loaded.
// Archive is safe for concurrent use.
type Archive struct {
	opened
	files  map[string]*zip.File
	order  []string
	closer io.Closer
	closed atomic.Bool
}

var _ Source = (*Archive)(nil)

// OpenArchive opens the archive at path.
//
// Every entry name is validated before anything is read: absolute names,
// names with ".." segments, and symlink entries fail with ErrPathTraversal.
// The caller must Close the archive.
func OpenArchive(ctx context.Context, path string, opts ...Option) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioErr("open", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, ioErr("stat", path, err)
	}
	a, err := ReadArchive(ctx, f, info.Size(), opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	a.closer = f
	return a, nil
}

// ReadArchive opens an archive from r. Close does not close r.
func ReadArchive(ctx context.Context, r io.ReaderAt, size int64, opts ...Option) (*Archive, error) {
	cfg, err := newReaderConfig(opts)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(r, size)
	if zr == nil {
		return nil, fmt.Errorf("zanj: %w: %v", ErrMalformedEncoding, err)
	}
	registerDecompressors(zr)

	a := &Archive{files: make(map[string]*zip.File, len(zr.File))}
	a.opened = opened{src: a, cfg: cfg}
	for _, f := range zr.File {
		name := f.Name
		if f.Mode()&fs.ModeSymlink != 0 {
			return nil, fmt.Errorf("zanj: %w: symlink entry %q", ErrPathTraversal, name)
		}
		if strings.HasSuffix(name, "/") {
			if err := ValidatePath(strings.TrimSuffix(name, "/")); err != nil {
				return nil, err
			}
			continue
		}
		if err := ValidatePath(name); err != nil {
			return nil, err
		}
		if _, dup := a.files[name]; dup {
			return nil, fmt.Errorf("zanj: %w: duplicate entry %q", ErrMalformedEncoding, name)
		}
		a.files[name] = f
		a.order = append(a.order, name)
	}

	if err := a.finishOpen(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Entries returns the file entry names in archive order.
func (a *Archive) Entries() []string {
	return append([]string(nil), a.order...)
}

// maxEntryPrealloc bounds the buffer reserved up front for an entry.
const maxEntryPrealloc = 1 << 20

// Blob returns the decompressed contents of the entry at path.
func (a *Archive) Blob(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.closed.Load() {
		return nil, ioErr("read", path, os.ErrClosed)
	}
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	f, ok := a.files[path]
	if !ok {
		return nil, fmt.Errorf("zanj: entry %s: %w", path, ErrNotFound)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, ioErr("open entry", path, err)
	}
	defer closer(rc)()

	// The header size is untrusted: preallocate a bounded amount and stop
	// one byte past the declared length.
	want := f.UncompressedSize64
	buf := bytes.NewBuffer(make([]byte, 0, int(min(want, maxEntryPrealloc))))
	n, err := io.Copy(buf, io.LimitReader(rc, int64(min(want, math.MaxInt64-1))+1))
	if err != nil {
		return nil, ioErr("read entry", path, err)
	}
	if uint64(n) != want {
		return nil, fmt.Errorf("zanj: %w: entry %s holds %d bytes, header declares %d", ErrMalformedEncoding, path, n, want)
	}
	a.cfg.logger.Debug("zanj: read entry", "path", path, "bytes", buf.Len())
	return buf.Bytes(), nil
}

// Close releases the underlying file when the archive was opened by path.
func (a *Archive) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	if a.closer != nil {
		return ioErr("close", "", a.closer.Close())
	}
	return nil
}
