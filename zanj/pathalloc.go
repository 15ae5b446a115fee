package zanj

import (
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// maxStemLen bounds the length of a generated blob name before the
// collision suffix and extension.
const maxStemLen = 180

// pathAllocator hands out unique blob paths for one Serialize call.
type pathAllocator struct {
	used map[string]bool
}

func newPathAllocator() *pathAllocator {
	p := &pathAllocator{used: make(map[string]bool)}
	p.reserve(RootPath)
	p.reserve(MetaPath)
	return p
}

// Comparison folds case so containers unpack safely onto case-insensitive
// filesystems.
func (p *pathAllocator) reserve(name string) {
	p.used[strings.ToLower(name)] = true
}

func (p *pathAllocator) taken(name string) bool {
	return p.used[strings.ToLower(name)]
}

// allocate derives a path from the key path of a node: sanitized keys joined
// by ".", then the format's extension. Collisions get "_1", "_2", ...
func (p *pathAllocator) allocate(keys []string, format ExternalFormat) string {
	segs := make([]string, len(keys))
	for i, k := range keys {
		segs[i] = sanitizeSegment(k)
	}
	stem := strings.Join(segs, ".")
	if stem == "" {
		stem = "_"
	}
	if len(stem) > maxStemLen {
		stem = stem[:maxStemLen]
	}

	ext := format.Extension()
	name := stem + ext
	for i := 1; p.taken(name); i++ {
		name = stem + "_" + strconv.Itoa(i) + ext
	}
	p.reserve(name)
	return name
}

// sanitizeSegment maps a key to a single safe path segment. Characters
// outside [A-Za-z0-9_-] become "_", so the result never contains a
// separator, a dot, or a parent reference.
func sanitizeSegment(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// ValidatePath checks that a container-relative path stays inside the
// container root: slash-separated, relative, already clean, with no ".."
// segment. Violations fail with ErrPathTraversal.
func ValidatePath(p string) error {
	switch {
	case p == "" || p == ".":
		return fmt.Errorf("zanj: %w: empty path", ErrPathTraversal)
	case strings.ContainsAny(p, "\\\x00"):
		return fmt.Errorf("zanj: %w: %q", ErrPathTraversal, p)
	case strings.HasPrefix(p, "/"):
		return fmt.Errorf("zanj: %w: %q is absolute", ErrPathTraversal, p)
	}
	for seg := range strings.SplitSeq(p, "/") {
		if seg == ".." {
			return fmt.Errorf("zanj: %w: %q", ErrPathTraversal, p)
		}
	}
	if path.Clean(p) != p || !filepath.IsLocal(filepath.FromSlash(p)) {
		return fmt.Errorf("zanj: %w: %q", ErrPathTraversal, p)
	}
	return nil
}
