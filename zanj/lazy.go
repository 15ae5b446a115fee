package zanj

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Lazy is an unresolved reference in a deserialized tree. The referenced
// blob is fetched on the first successful Load and kept for later calls.
//
// Lazy is safe for concurrent use. The accessor it reads from (an open
// archive, for instance) must stay open until the last Load returns.
type Lazy struct {
	ref Reference
	dec *decoder

	mu    sync.Mutex
	done  bool
	value Value
}

// Ref returns the reference this node stands for.
func (l *Lazy) Ref() Reference {
	return l.ref
}

// Loaded returns the value if a previous Load succeeded.
func (l *Lazy) Loaded() (Value, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.done
}

// Load fetches and decodes the referenced blob. npy blobs yield an *Array;
// json blobs yield a tree, which may hold inline arrays and further *Lazy
// nodes. A missing blob fails with ErrUnresolvedReference. Failures are not
// remembered, so a later Load retries.
func (l *Lazy) Load(ctx context.Context) (Value, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return l.value, nil
	}

	data, err := l.dec.src.Blob(ctx, l.ref.Path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("zanj: %w: %s: %w", ErrUnresolvedReference, l.ref.Path, err)
		}
		return nil, ioErr("fetch", l.ref.Path, err)
	}
	l.dec.logger.Debug("zanj: fetched blob", "path", l.ref.Path, "format", string(l.ref.Format), "bytes", len(data))

	var v Value
	switch l.ref.Format {
	case FormatNPY:
		a, err := DecodeNPY(data)
		if err != nil {
			return nil, fmt.Errorf("%w (blob %s)", err, l.ref.Path)
		}
		v = a
	case FormatJSON:
		doc, err := DecodeJSON(data)
		if err != nil {
			return nil, fmt.Errorf("%w (blob %s)", err, l.ref.Path)
		}
		if v, err = l.dec.value(doc, []string{l.ref.Path}); err != nil {
			return nil, err
		}
	}

	l.value, l.done = v, true
	return v, nil
}

// -----------------------------------------------------------------------------
// Resolution helpers
// -----------------------------------------------------------------------------

// Resolve returns a copy of v with every *Lazy replaced by its loaded value,
// recursively. Nodes that were already loaded are not fetched again. A json
// blob that refers back to itself, directly or through other json blobs,
// fails with ErrMalformedEncoding.
func Resolve(ctx context.Context, v Value) (Value, error) {
	return resolve(ctx, v, make(map[Reference]bool))
}

// resolve tracks the references being expanded on the current path; the
// same blob may still appear in sibling subtrees.
func resolve(ctx context.Context, v Value, active map[Reference]bool) (Value, error) {
	switch tv := v.(type) {
	case *Lazy:
		if active[tv.ref] {
			return nil, fmt.Errorf("zanj: %w: reference cycle through %s", ErrMalformedEncoding, tv.ref.Path)
		}
		loaded, err := tv.Load(ctx)
		if err != nil {
			return nil, err
		}
		active[tv.ref] = true
		defer delete(active, tv.ref)
		return resolve(ctx, loaded, active)
	case Sequence:
		out := make(Sequence, len(tv))
		for i, e := range tv {
			r, err := resolve(ctx, e, active)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case *Mapping:
		out := NewMapping()
		for k, e := range tv.All() {
			r, err := resolve(ctx, e, active)
			if err != nil {
				return nil, err
			}
			out.Set(k, r)
		}
		return out, nil
	}
	return v, nil
}

// Lookup follows keys from v, loading any *Lazy met on the way, including
// the final value. Sequence elements are addressed by decimal index.
// Only the blobs on the path are fetched.
func Lookup(ctx context.Context, v Value, keys ...string) (Value, error) {
	cur := v
	for i := 0; ; i++ {
		if l, ok := cur.(*Lazy); ok {
			loaded, err := l.Load(ctx)
			if err != nil {
				return nil, err
			}
			cur = loaded
		}
		if i == len(keys) {
			return cur, nil
		}
		k := keys[i]
		switch tv := cur.(type) {
		case *Mapping:
			next, ok := tv.Get(k)
			if !ok {
				return nil, fmt.Errorf("zanj: key %s: %w", keyPathString(keys[:i+1]), ErrNotFound)
			}
			cur = next
		case Sequence:
			idx, err := parseIndex(k, len(tv))
			if err != nil {
				return nil, fmt.Errorf("zanj: key %s: %w", keyPathString(keys[:i+1]), err)
			}
			cur = tv[idx]
		default:
			return nil, fmt.Errorf("zanj: key %s: %T has no children: %w",
				keyPathString(keys[:i+1]), cur, ErrNotFound)
		}
	}
}

func parseIndex(k string, n int) (int, error) {
	idx := 0
	if k == "" {
		return 0, ErrNotFound
	}
	for _, c := range k {
		if c < '0' || c > '9' {
			return 0, ErrNotFound
		}
		idx = idx*10 + int(c-'0')
		if idx >= n {
			return 0, ErrNotFound
		}
	}
	return idx, nil
}
