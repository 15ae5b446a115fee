package zanj

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// -----------------------------------------------------------------------------
// Writing
// -----------------------------------------------------------------------------

// PackToDirectory writes c as an unpacked directory container at dir.
//
// The tree is built in a sibling staging directory and swapped into place,
// replacing any previous container at dir. A dir that is neither empty nor a
// container fails with ErrPathExists. Writing the same container twice
// yields byte-identical trees. Concurrent writers for the same dir must be
// serialized by the caller.
func PackToDirectory(ctx context.Context, dir string, c *Container, opts ...Option) error {
	cfg, err := newWriterConfig(opts)
	if err != nil {
		return err
	}
	return packToDirectory(ctx, dir, c, cfg)
}

func packToDirectory(ctx context.Context, dir string, c *Container, cfg *writerConfig) error {
	entries, err := containerEntries(c)
	if err != nil {
		return err
	}
	return replaceDirAtomic(dir, func(stage string) error {
		store, err := NewFS(stage)
		if err != nil {
			return err
		}
		return putEntries(ctx, store, entries, cfg)
	})
}

// SaveDir serializes root and writes it as a directory container at dir,
// with the same staging and swap as PackToDirectory.
func SaveDir(ctx context.Context, dir string, root *Mapping, opts ...Option) error {
	cfg, err := newWriterConfig(opts)
	if err != nil {
		return err
	}
	c, err := serialize(root, cfg)
	if err != nil {
		return err
	}
	return packToDirectory(ctx, dir, c, cfg)
}

// PublishToStore writes c into store. Blobs are written first and the root
// document last, so a reader that finds the root finds a complete
// container. Existing paths are not overwritten (ErrPathExists).
func PublishToStore(ctx context.Context, store Store, c *Container, opts ...Option) error {
	cfg, err := newWriterConfig(opts)
	if err != nil {
		return err
	}
	entries, err := containerEntries(c)
	if err != nil {
		return err
	}
	return putEntries(ctx, store, entries, cfg)
}

// putEntries writes blobs, then the sidecar, then the root document.
func putEntries(ctx context.Context, store Store, entries []entry, cfg *writerConfig) error {
	ordered := make([]entry, 0, len(entries))
	ordered = append(ordered, entries[2:]...)
	ordered = append(ordered, entries[1], entries[0])
	for _, e := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := store.Put(ctx, e.path, bytes.NewReader(e.data)); err != nil {
			return fmt.Errorf("zanj: put %s: %w", e.path, err)
		}
		cfg.logger.Debug("zanj: wrote blob", "path", e.path, "bytes", len(e.data))
	}
	return nil
}

// UnpackToDirectory extracts the archive at archivePath into dir.
//
// Every entry name and every reference target in the root document is
// validated before anything is written; a name or target that would escape
// dir fails with ErrPathTraversal and leaves dir untouched. Extraction goes
// through a staging directory that is swapped into place, so unpacking the
// same archive twice yields byte-identical trees. As with PackToDirectory,
// only an empty dir or an existing container is replaced. Symlinks are never
// followed or created.
func UnpackToDirectory(ctx context.Context, archivePath, dir string, opts ...Option) error {
	a, err := OpenArchive(ctx, archivePath, opts...)
	if err != nil {
		return err
	}
	defer closer(a)()

	if _, err := collectRefs(a.Root()); err != nil {
		return err
	}

	return replaceDirAtomic(dir, func(stage string) error {
		store, err := NewFS(stage)
		if err != nil {
			return err
		}
		for _, name := range a.Entries() {
			data, err := a.Blob(ctx, name)
			if err != nil {
				return err
			}
			if err := store.Put(ctx, name, bytes.NewReader(data)); err != nil {
				return fmt.Errorf("zanj: extract %s: %w", name, err)
			}
		}
		return nil
	})
}

// -----------------------------------------------------------------------------
// Reading
// -----------------------------------------------------------------------------

// Directory is an opened directory container backed by a Store. Each blob
// is read from the store when it is requested.
type Directory struct {
	opened
	store Store
}

var _ Source = (*Directory)(nil)

// OpenDirectory opens the directory container at dir.
func OpenDirectory(ctx context.Context, dir string, opts ...Option) (*Directory, error) {
	store, err := NewFS(dir)
	if err != nil {
		return nil, err
	}
	return OpenStore(ctx, store, opts...)
}

// OpenStore opens a directory container held in store, such as an S3
// prefix. Only the root document and sidecar are read up front.
func OpenStore(ctx context.Context, store Store, opts ...Option) (*Directory, error) {
	cfg, err := newReaderConfig(opts)
	if err != nil {
		return nil, err
	}
	d := &Directory{store: store}
	d.opened = opened{src: d, cfg: cfg}
	if err := d.finishOpen(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Blob reads the file at path from the store.
func (d *Directory) Blob(ctx context.Context, path string) ([]byte, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	data, err := readStore(ctx, d.store, path)
	if err != nil {
		return nil, err
	}
	d.cfg.logger.Debug("zanj: read blob", "path", path, "bytes", len(data))
	return data, nil
}

// Store returns the store the directory reads from.
func (d *Directory) Store() Store { return d.store }

// Close is a no-op; a directory holds no open handles between reads.
func (d *Directory) Close() error { return nil }

// Open opens the container at path, as a directory when path is one and as
// an archive otherwise.
func Open(ctx context.Context, path string, opts ...Option) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, ioErr("stat", path, err)
	}
	if info.IsDir() {
		return OpenDirectory(ctx, path, opts...)
	}
	return OpenArchive(ctx, path, opts...)
}

// -----------------------------------------------------------------------------
// Store access
// -----------------------------------------------------------------------------

// StoreAccessor adapts a Store into a BlobAccessor.
func StoreAccessor(store Store) BlobAccessor {
	return BlobAccessorFunc(func(ctx context.Context, path string) ([]byte, error) {
		if err := ValidatePath(path); err != nil {
			return nil, err
		}
		return readStore(ctx, store, path)
	})
}

func readStore(ctx context.Context, store Store, path string) ([]byte, error) {
	rc, err := store.Get(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPathTraversal) {
			return nil, fmt.Errorf("zanj: %s: %w", path, err)
		}
		return nil, ioErr("get", path, err)
	}
	defer closer(rc)()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, ioErr("read", path, err)
	}
	return data, nil
}

// npyPeekLen covers the prefix of every npy version.
const npyPeekLen = int64(npyPrefixV2)

// PeekArray reads only the header of the npy blob at path. Stores that
// implement RangeReader are read with two small ranged reads; others are
// streamed until the header ends.
func PeekArray(ctx context.Context, store Store, path string) (NPYHeader, error) {
	if err := ValidatePath(path); err != nil {
		return NPYHeader{}, err
	}
	rr, ok := store.(RangeReader)
	if !ok {
		rc, err := store.Get(ctx, path)
		if err != nil {
			return NPYHeader{}, fmt.Errorf("zanj: peek %s: %w", path, err)
		}
		defer closer(rc)()
		return ReadNPYHeader(rc)
	}

	prefix, err := rr.ReadRange(ctx, path, 0, npyPeekLen)
	if err != nil {
		return NPYHeader{}, fmt.Errorf("zanj: peek %s: %w", path, err)
	}
	total, err := npyHeaderEnd(prefix)
	if err != nil {
		return NPYHeader{}, err
	}
	head, err := rr.ReadRange(ctx, path, 0, total)
	if err != nil {
		return NPYHeader{}, fmt.Errorf("zanj: peek %s: %w", path, err)
	}
	return ReadNPYHeader(bytes.NewReader(head))
}

// npyHeaderEnd returns the offset of the first data byte from an npy prefix.
func npyHeaderEnd(prefix []byte) (int64, error) {
	if len(prefix) < npyPrefixV1 || string(prefix[:len(npyMagic)]) != npyMagic {
		return 0, fmt.Errorf("zanj: %w: not an npy blob", ErrMalformedEncoding)
	}
	le := binary.LittleEndian
	switch prefix[6] {
	case 1:
		return int64(npyPrefixV1) + int64(le.Uint16(prefix[8:])), nil
	case 2, 3:
		if len(prefix) < npyPrefixV2 {
			return 0, fmt.Errorf("zanj: %w: short npy prefix", ErrMalformedEncoding)
		}
		return int64(npyPrefixV2) + int64(le.Uint32(prefix[8:])), nil
	}
	return 0, fmt.Errorf("zanj: %w: npy version %d", ErrMalformedEncoding, prefix[6])
}
