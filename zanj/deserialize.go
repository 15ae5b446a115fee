package zanj

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
)

// decoder turns root documents into trees. It is shared by every *Lazy it
// creates, so blobs fetched later decode the same way.
type decoder struct {
	src    BlobAccessor
	logger *slog.Logger
}

// Deserialize reconstructs a tree from a root document.
//
// Inline arrays decode immediately. Reference nodes become *Lazy values
// that fetch from blobs only when loaded, so reading one key of the result
// touches at most the blobs under that key. With WithEager every reference
// is loaded before returning.
//
// The root must carry "version": 1 (ErrFormatVersionUnsupported otherwise);
// the version key is not part of the result. Reference targets that escape
// the container fail with ErrPathTraversal.
func Deserialize(ctx context.Context, root *Mapping, blobs BlobAccessor, opts ...Option) (*Mapping, error) {
	cfg, err := newReaderConfig(opts)
	if err != nil {
		return nil, err
	}
	return deserialize(ctx, root, blobs, cfg)
}

func deserialize(ctx context.Context, root *Mapping, blobs BlobAccessor, cfg *readerConfig) (*Mapping, error) {
	if err := checkVersion(root); err != nil {
		return nil, err
	}
	d := &decoder{src: blobs, logger: cfg.logger}

	out := NewMapping()
	for k, v := range root.All() {
		if k == versionKey {
			continue
		}
		dv, err := d.value(v, []string{k})
		if err != nil {
			return nil, err
		}
		out.Set(k, dv)
	}

	if cfg.eager {
		resolved, err := Resolve(ctx, out)
		if err != nil {
			return nil, err
		}
		out = resolved.(*Mapping)
	}
	return out, nil
}

func checkVersion(root *Mapping) error {
	v, ok := root.Get(versionKey)
	if !ok {
		return fmt.Errorf("zanj: %w: root document has no version", ErrFormatVersionUnsupported)
	}
	num, ok := v.(Number)
	if !ok {
		return fmt.Errorf("zanj: %w: version %v", ErrFormatVersionUnsupported, v)
	}
	if n, err := num.Int64(); err != nil || n != FormatVersion {
		return fmt.Errorf("zanj: %w: version %s", ErrFormatVersionUnsupported, num)
	}
	return nil
}

func (d *decoder) value(v Value, keys []string) (Value, error) {
	switch tv := v.(type) {
	case Sequence:
		out := make(Sequence, len(tv))
		for i, e := range tv {
			dv, err := d.value(e, append(slices.Clip(keys), strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	case *Mapping:
		if tv.Has(refKey) {
			ref, err := parseRef(tv)
			if err != nil {
				return nil, fmt.Errorf("%w (at %s)", err, keyPathString(keys))
			}
			return &Lazy{ref: ref, dec: d}, nil
		}
		if IsInlineArray(tv) {
			a, err := DecodeInline(tv)
			if err != nil {
				return nil, fmt.Errorf("%w (at %s)", err, keyPathString(keys))
			}
			return a, nil
		}
		out := NewMapping()
		for k, e := range tv.All() {
			dv, err := d.value(e, append(slices.Clip(keys), k))
			if err != nil {
				return nil, err
			}
			out.Set(k, dv)
		}
		return out, nil
	case nil:
		return Null{}, nil
	}
	return v, nil
}

// parseRef reads a {"$ref": path, "format": ...} node. A missing format is
// inferred from the path's extension.
func parseRef(m *Mapping) (Reference, error) {
	target, err := stringField(m, refKey)
	if err != nil {
		return Reference{}, err
	}
	if err := ValidatePath(target); err != nil {
		return Reference{}, err
	}

	ref := Reference{Path: target}
	if f, ok := m.Get(formatKey); ok {
		s, ok := f.(String)
		if !ok {
			return Reference{}, fmt.Errorf("zanj: %w: reference format is not a string", ErrMalformedEncoding)
		}
		ref.Format = ExternalFormat(s)
	} else {
		ref.Format = inferFormat(target)
	}
	if !ref.Format.Valid() {
		return Reference{}, fmt.Errorf("zanj: %w: reference %s has unknown format %q",
			ErrMalformedEncoding, target, ref.Format)
	}
	return ref, nil
}

func inferFormat(path string) ExternalFormat {
	lower := strings.ToLower(path)
	for _, f := range []ExternalFormat{FormatNPY, FormatJSON} {
		if strings.HasSuffix(lower, f.Extension()) {
			return f
		}
	}
	return ""
}

// collectRefs returns the targets of every reference node in a root
// document, in document order.
func collectRefs(v Value) ([]Reference, error) {
	var refs []Reference
	var walk func(Value) error
	walk = func(v Value) error {
		switch tv := v.(type) {
		case Sequence:
			for _, e := range tv {
				if err := walk(e); err != nil {
					return err
				}
			}
		case *Mapping:
			if tv.Has(refKey) {
				ref, err := parseRef(tv)
				if err != nil {
					return err
				}
				refs = append(refs, ref)
				return nil
			}
			for _, e := range tv.All() {
				if err := walk(e); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(v); err != nil {
		return nil, err
	}
	return refs, nil
}
