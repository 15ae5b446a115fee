// Package zanj reads and writes ZANJ containers: nested mapping/array data
// stored as a root JSON document plus externally stored numeric arrays.
//
// A container has a fixed layout:
//
//	__zanj__.json       root document ({"version": 1, ...caller keys})
//	__zanj_meta__.json  metadata sidecar (config, blob table, checksums)
//	<name>.npy          externally stored arrays (NumPy .npy format)
//	<name>.json         externally stored JSON documents
//
// Small arrays are inlined in the root document using one of the inline
// encodings; arrays above the configured element threshold are written as
// separate blobs and replaced by {"$ref": path, "format": "npy"} nodes.
// On read, references resolve lazily: a blob is fetched only when the value
// holding it is loaded.
//
// The same layout is used for zip archives (.zanj) and for unpacked
// directories, which allow random access to individual blobs without
// fetching the whole archive.
//
// The engine is stateless. Concurrent calls on different containers are
// independent; concurrent writers targeting the same destination path must
// be serialized by the caller.
package zanj

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// -----------------------------------------------------------------------------
// Layout constants
// -----------------------------------------------------------------------------

const (
	// RootPath is the container entry point.
	RootPath = "__zanj__.json"

	// MetaPath is the metadata sidecar written next to the root document.
	MetaPath = "__zanj_meta__.json"

	// FormatVersion is the only root document version this package reads and writes.
	FormatVersion = 1

	// Extension is the conventional file extension for archive containers.
	Extension = ".zanj"
)

// ExternalFormat identifies the encoding of an externally stored blob.
type ExternalFormat string

const (
	// FormatNPY is the NumPy .npy binary array format.
	FormatNPY ExternalFormat = "npy"

	// FormatJSON is a plain JSON document.
	FormatJSON ExternalFormat = "json"
)

// Extension returns the file extension used for blobs of this format.
func (f ExternalFormat) Extension() string {
	return "." + string(f)
}

// Valid reports whether f is a known external format.
func (f ExternalFormat) Valid() bool {
	return f == FormatNPY || f == FormatJSON
}

// Reference points at an externally stored blob relative to the container root.
type Reference struct {
	Path   string
	Format ExternalFormat
}

// -----------------------------------------------------------------------------
// Store interface
// -----------------------------------------------------------------------------

// Store abstracts the storage a directory container lives in.
//
// Implementations may target a local filesystem, memory, or an object store.
// Paths are slash-separated and relative to the container root.
type Store interface {
	// Put writes data to the given path. Existing paths are not overwritten.
	Put(ctx context.Context, path string, r io.Reader) error

	// Get retrieves data from the given path.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists checks whether a path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the path if it exists.
	Delete(ctx context.Context, path string) error
}

// RangeReader is implemented by stores that can read part of an object
// without fetching all of it.
type RangeReader interface {
	// ReadRange reads up to length bytes starting at offset.
	// Reads past EOF return the available bytes.
	ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error)
}

// BlobAccessor fetches blob bytes by container-relative path.
type BlobAccessor interface {
	Blob(ctx context.Context, path string) ([]byte, error)
}

// BlobAccessorFunc adapts a function to BlobAccessor.
type BlobAccessorFunc func(ctx context.Context, path string) ([]byte, error)

// Blob calls f(ctx, path).
func (f BlobAccessorFunc) Blob(ctx context.Context, path string) ([]byte, error) {
	return f(ctx, path)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Sentinel errors. Returned errors wrap these; test with errors.Is.
var (
	// ErrMalformedEncoding indicates an encoded array or document that cannot be decoded.
	ErrMalformedEncoding = errors.New("malformed encoding")

	// ErrUnsupportedDtype indicates a dtype tag outside the supported set.
	ErrUnsupportedDtype = errors.New("unsupported dtype")

	// ErrShapeMismatch indicates nested list data that disagrees with the declared shape.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrUnresolvedReference indicates a reference whose target blob does not exist.
	ErrUnresolvedReference = errors.New("unresolved reference")

	// ErrFormatVersionUnsupported indicates a root document with an unknown version.
	ErrFormatVersionUnsupported = errors.New("format version unsupported")

	// ErrPathTraversal indicates a path that would escape the container root.
	ErrPathTraversal = errors.New("path escapes container root")

	// ErrIOFailure is matched by every *IOError.
	ErrIOFailure = errors.New("i/o failure")

	// ErrReservedKey indicates a caller key that collides with format plumbing.
	ErrReservedKey = errors.New("reserved key")

	// ErrChecksumMismatch indicates a blob whose content does not match the sidecar.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrNotFound indicates a requested path does not exist in a store.
	ErrNotFound = errors.New("not found")

	// ErrPathExists indicates an attempt to write to an existing path.
	ErrPathExists = errors.New("path exists")

	// ErrInvalidRange indicates a negative or overflowing ReadRange request.
	ErrInvalidRange = errors.New("invalid range")
)

// IOError wraps a failure of the underlying filesystem or archive.
// It matches both ErrIOFailure and the wrapped cause.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("zanj: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("zanj: %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap exposes ErrIOFailure and the cause to errors.Is and errors.As.
func (e *IOError) Unwrap() []error {
	return []error{ErrIOFailure, e.Err}
}

func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var existing *IOError
	if errors.As(err, &existing) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}
