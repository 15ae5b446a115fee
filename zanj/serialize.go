package zanj

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strconv"
)

// Reserved node keys.
const (
	refKey     = "$ref"
	formatKey  = "format"
	versionKey = "version"
)

// -----------------------------------------------------------------------------
// Container
// -----------------------------------------------------------------------------

// Blob is one externally stored file of a container.
type Blob struct {
	Path   string
	Format ExternalFormat
	Data   []byte

	// DType and Shape describe npy blobs; they are zero for json blobs.
	DType DType
	Shape []int
}

// BlobTable is an ordered set of blobs keyed by path.
// The zero value is empty and ready to use.
type BlobTable struct {
	order  []string
	byPath map[string]*Blob
}

// Add appends b. Adding a path twice fails with ErrPathExists.
func (t *BlobTable) Add(b *Blob) error {
	if err := ValidatePath(b.Path); err != nil {
		return err
	}
	if t.byPath == nil {
		t.byPath = make(map[string]*Blob)
	}
	if _, ok := t.byPath[b.Path]; ok {
		return fmt.Errorf("zanj: blob %s: %w", b.Path, ErrPathExists)
	}
	t.byPath[b.Path] = b
	t.order = append(t.order, b.Path)
	return nil
}

// Get returns the blob stored at path.
func (t *BlobTable) Get(path string) (*Blob, bool) {
	if t == nil {
		return nil, false
	}
	b, ok := t.byPath[path]
	return b, ok
}

// Len returns the number of blobs.
func (t *BlobTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.order)
}

// Paths returns blob paths in the order they were added.
func (t *BlobTable) Paths() []string {
	if t == nil {
		return nil
	}
	return slices.Clone(t.order)
}

// All iterates over blobs in the order they were added.
func (t *BlobTable) All() iter.Seq[*Blob] {
	return func(yield func(*Blob) bool) {
		if t == nil {
			return
		}
		for _, p := range t.order {
			if !yield(t.byPath[p]) {
				return
			}
		}
	}
}

// Blob implements BlobAccessor, so a freshly serialized container can be
// read back without packing it.
func (t *BlobTable) Blob(_ context.Context, path string) ([]byte, error) {
	b, ok := t.Get(path)
	if !ok {
		return nil, fmt.Errorf("zanj: blob %s: %w", path, ErrNotFound)
	}
	return b.Data, nil
}

// Container is the serialized form of a tree: a JSON-only root document and
// the external blobs it references.
type Container struct {
	// Root is the root document, starting with "version".
	Root *Mapping

	// Blobs holds external blobs in allocation order.
	Blobs *BlobTable

	// Config is the configuration the container was written with.
	Config Config
}

// -----------------------------------------------------------------------------
// Serialize
// -----------------------------------------------------------------------------

type serializer struct {
	cfg    *writerConfig
	alloc  *pathAllocator
	blobs  *BlobTable
	logger *slog.Logger
}

// Serialize converts a tree into a Container.
//
// The walk is depth-first and keeps mapping key order and sequence order.
// Each *Array is inlined or written as an npy blob according to Classify;
// each *Document is written as a json blob. External blobs are named after
// the key path of their node. The root gains "version": 1 as its first key,
// so a top-level caller key named "version" fails with ErrReservedKey, as
// does a "$ref" or "__muutils_format__" key at any depth.
//
// The returned container owns all of its bytes.
func Serialize(root *Mapping, opts ...Option) (*Container, error) {
	cfg, err := newWriterConfig(opts)
	if err != nil {
		return nil, err
	}
	return serialize(root, cfg)
}

func serialize(root *Mapping, cfg *writerConfig) (*Container, error) {
	if root.Has(versionKey) {
		return nil, fmt.Errorf("zanj: %w: top-level key %q", ErrReservedKey, versionKey)
	}
	s := &serializer{
		cfg:    cfg,
		alloc:  newPathAllocator(),
		blobs:  &BlobTable{},
		logger: cfg.logger,
	}

	out := NewMapping().Set(versionKey, Int(FormatVersion))
	for k, v := range root.All() {
		enc, err := s.value(v, []string{k})
		if err != nil {
			return nil, err
		}
		out.Set(k, enc)
	}
	return &Container{Root: out, Blobs: s.blobs, Config: cfg.Config}, nil
}

func (s *serializer) value(v Value, keys []string) (Value, error) {
	switch tv := v.(type) {
	case nil, Null:
		return Null{}, nil
	case Bool, String:
		return tv, nil
	case Number:
		if !validNumber(string(tv)) {
			return nil, fmt.Errorf("zanj: %w: %q at %s is not a JSON number",
				ErrMalformedEncoding, string(tv), keyPathString(keys))
		}
		return tv, nil
	case Sequence:
		out := make(Sequence, len(tv))
		for i, e := range tv {
			enc, err := s.value(e, append(slices.Clip(keys), strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case *Mapping:
		out := NewMapping()
		for k, e := range tv.All() {
			if k == refKey || k == inlineFormatKey {
				return nil, fmt.Errorf("zanj: %w: %q at %s", ErrReservedKey, k, keyPathString(keys))
			}
			enc, err := s.value(e, append(slices.Clip(keys), k))
			if err != nil {
				return nil, err
			}
			out.Set(k, enc)
		}
		return out, nil
	case *Array:
		return s.array(tv, keys)
	case *Document:
		return s.document(tv, keys)
	case *Lazy:
		loaded, ok := tv.Loaded()
		if !ok {
			return nil, fmt.Errorf("zanj: %w: %s at %s was never loaded",
				ErrUnresolvedReference, tv.Ref().Path, keyPathString(keys))
		}
		return s.value(loaded, keys)
	}
	return nil, fmt.Errorf("zanj: unsupported value %T at %s", v, keyPathString(keys))
}

func (s *serializer) array(a *Array, keys []string) (Value, error) {
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%w (at %s)", err, keyPathString(keys))
	}
	p := Classify(a, s.cfg.ExternalArrayThreshold, s.cfg.InternalArrayMode)
	s.logger.Debug("zanj: placed array",
		"key", keyPathString(keys), "dtype", a.DType.String(), "shape", a.Shape, "placement", p.String())

	if p.Inline {
		return EncodeInline(a, p.Encoding)
	}
	data, err := EncodeNPY(a)
	if err != nil {
		return nil, err
	}
	b := &Blob{
		Path:   s.alloc.allocate(keys, p.Format),
		Format: p.Format,
		Data:   data,
		DType:  a.DType,
		Shape:  slices.Clone(a.Shape),
	}
	if err := s.blobs.Add(b); err != nil {
		return nil, err
	}
	return refNode(b.Path, b.Format), nil
}

func (s *serializer) document(d *Document, keys []string) (Value, error) {
	// Arrays inside a document follow the same policy; the document's own
	// blob is allocated after any blobs it contains.
	inner, err := s.value(d.Value, keys)
	if err != nil {
		return nil, err
	}
	data, err := EncodeJSON(inner)
	if err != nil {
		return nil, err
	}
	b := &Blob{
		Path:   s.alloc.allocate(keys, FormatJSON),
		Format: FormatJSON,
		Data:   data,
	}
	if err := s.blobs.Add(b); err != nil {
		return nil, err
	}
	s.logger.Debug("zanj: placed document", "key", keyPathString(keys), "path", b.Path)
	return refNode(b.Path, FormatJSON), nil
}

func refNode(path string, format ExternalFormat) *Mapping {
	return NewMapping().Set(refKey, String(path)).Set(formatKey, String(format))
}
