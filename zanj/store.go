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
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// CheckRange validates a ReadRange request. Lengths are capped at MaxInt so
// they convert to a buffer size on 32-bit platforms.
func CheckRange(offset, length int64) error {
	if offset < 0 || length < 0 || length > int64(math.MaxInt) || offset > math.MaxInt64-length {
		return fmt.Errorf("zanj: %w: offset %d length %d", ErrInvalidRange, offset, length)
	}
	return nil
}

// CleanPrefix validates a List prefix. The empty prefix and "." select the
// whole container; a trailing slash is kept so "sub/" matches only inside sub.
func CleanPrefix(prefix string) (string, error) {
	trimmed := strings.TrimSuffix(prefix, "/")
	if trimmed == "" || trimmed == "." {
		return "", nil
	}
	if err := ValidatePath(trimmed); err != nil {
		return "", err
	}
	if strings.HasSuffix(prefix, "/") {
		return trimmed + "/", nil
	}
	return trimmed, nil
}

// -----------------------------------------------------------------------------
// Filesystem Store
// -----------------------------------------------------------------------------

// fsStore keeps a directory container in a local directory. No operation
// resolves through a symlink, whether it is the target itself or one of
// its parent directories.
type fsStore struct {
	root string
}

// NewFS creates a filesystem-backed Store rooted at the given directory.
// The directory must exist.
func NewFS(root string) (Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, ioErr("open store", root, err)
	}
	if !info.IsDir() {
		return nil, ioErr("open store", root, fs.ErrNotExist)
	}
	return &fsStore{root: root}, nil
}

// resolve maps a container path to a file under the root.
func (f *fsStore) resolve(p string) (string, error) {
	if err := ValidatePath(p); err != nil {
		return "", err
	}
	dir := f.root
	parents := strings.Split(p, "/")
	for _, seg := range parents[:len(parents)-1] {
		dir = filepath.Join(dir, seg)
		info, err := os.Lstat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return "", ioErr("stat", p, err)
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("zanj: %w: %s is a symlink", ErrPathTraversal, dir)
		}
	}
	return filepath.Join(f.root, filepath.FromSlash(p)), nil
}

// open opens an existing regular file for reading.
func (f *fsStore) open(p string) (*os.File, error) {
	full, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(full)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, ErrNotFound
	case err != nil:
		return nil, ioErr("stat", p, err)
	case info.Mode()&fs.ModeSymlink != 0:
		return nil, fmt.Errorf("zanj: %w: %s is a symlink", ErrPathTraversal, p)
	}
	file, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, ioErr("open", p, err)
	}
	return file, nil
}

func (f *fsStore) Put(_ context.Context, p string, r io.Reader) error {
	full, err := f.resolve(p)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(full); err == nil {
		return ErrPathExists
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return ioErr("mkdir", p, err)
	}

	// O_EXCL never opens through an existing link.
	file, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrPathExists
		}
		return ioErr("create", p, err)
	}
	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		_ = os.Remove(full)
		return ioErr("write", p, err)
	}
	return ioErr("close", p, file.Close())
}

func (f *fsStore) Get(_ context.Context, p string) (io.ReadCloser, error) {
	return f.open(p)
}

func (f *fsStore) Exists(_ context.Context, p string) (bool, error) {
	full, err := f.resolve(p)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(full)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, ioErr("stat", p, err)
	}
}

// List walks the root and returns the regular files whose container path
// starts with prefix. Symlinks are skipped.
func (f *fsStore) List(_ context.Context, prefix string) ([]string, error) {
	prefix, err := CleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	var paths []string
	err = filepath.WalkDir(f.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(f.root, full)
		if err != nil {
			return err
		}
		if rel = filepath.ToSlash(rel); strings.HasPrefix(rel, prefix) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, ioErr("list", prefix, err)
	}
	return paths, nil
}

func (f *fsStore) Delete(_ context.Context, p string) error {
	full, err := f.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioErr("remove", p, err)
	}
	return nil
}

// ReadRange reads length bytes at offset. Reads past EOF return the
// available bytes; an offset past EOF returns an empty slice.
func (f *fsStore) ReadRange(_ context.Context, p string, offset, length int64) ([]byte, error) {
	if err := CheckRange(offset, length); err != nil {
		return nil, err
	}
	file, err := f.open(p)
	if err != nil {
		return nil, err
	}
	defer closer(file)()

	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, ioErr("read", p, err)
	}
	return buf[:n], nil
}

// -----------------------------------------------------------------------------
// Memory Store
// -----------------------------------------------------------------------------

// memoryStore holds container files in a map. Reads return copies.
type memoryStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemory creates an in-memory Store. It is safe for concurrent use.
func NewMemory() Store {
	return &memoryStore{files: make(map[string][]byte)}
}

func (m *memoryStore) lookup(p string) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[p]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m *memoryStore) Put(_ context.Context, p string, r io.Reader) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return ioErr("read", p, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; ok {
		return ErrPathExists
	}
	m.files[p] = data
	return nil
}

func (m *memoryStore) Get(_ context.Context, p string) (io.ReadCloser, error) {
	data, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

func (m *memoryStore) Exists(_ context.Context, p string) (bool, error) {
	_, err := m.lookup(p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	prefix, err := CleanPrefix(prefix)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var paths []string
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	slices.Sort(paths)
	return paths, nil
}

func (m *memoryStore) Delete(_ context.Context, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.files, p)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) ReadRange(_ context.Context, p string, offset, length int64) ([]byte, error) {
	if err := CheckRange(offset, length); err != nil {
		return nil, err
	}
	data, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	if offset >= int64(len(data)) {
		return []byte{}, nil
	}
	end := min(offset+length, int64(len(data)))
	return bytes.Clone(data[offset:end]), nil
}
