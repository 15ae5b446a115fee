package zanj

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// Compression names the method used for archive entries.
type Compression string

const (
	// CompressionStore writes entries uncompressed.
	CompressionStore Compression = "store"

	// CompressionDeflate writes entries with deflate. This is what every
	// zip reader understands and is the default.
	CompressionDeflate Compression = "deflate"

	// CompressionZstd writes entries with Zstandard (zip method 93).
	// Readers must support the WinZip zstd extension.
	CompressionZstd Compression = "zstd"
)

// Compressor compresses archive entries with one zip method.
type Compressor interface {
	// Name returns the configuration name of the method.
	Name() Compression

	// Method returns the zip method ID written to entry headers.
	Method() uint16

	// Compress wraps w so writes are compressed.
	Compress(w io.Writer) (io.WriteCloser, error)

	// Decompress wraps r so reads are decompressed.
	Decompress(r io.Reader) io.ReadCloser
}

// NewCompressor returns the compressor for a configured name.
// The empty name selects deflate.
func NewCompressor(name Compression) (Compressor, error) {
	switch name {
	case CompressionStore:
		return &storeCompressor{}, nil
	case CompressionDeflate, "":
		return &deflateCompressor{level: flate.DefaultCompression}, nil
	case CompressionZstd:
		return &zstdCompressor{}, nil
	}
	return nil, fmt.Errorf("zanj: unknown compression %q (want store, deflate or zstd)", name)
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

type storeCompressor struct{}

func (s *storeCompressor) Name() Compression { return CompressionStore }

func (s *storeCompressor) Method() uint16 { return zip.Store }

func (s *storeCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return &noopWriteCloser{w}, nil
}

func (s *storeCompressor) Decompress(r io.Reader) io.ReadCloser {
	return io.NopCloser(r)
}

type noopWriteCloser struct {
	io.Writer
}

func (n *noopWriteCloser) Close() error {
	return nil
}

// -----------------------------------------------------------------------------
// Deflate
// -----------------------------------------------------------------------------

type deflateCompressor struct {
	level int
}

func (d *deflateCompressor) Name() Compression { return CompressionDeflate }

func (d *deflateCompressor) Method() uint16 { return zip.Deflate }

func (d *deflateCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return flate.NewWriter(w, d.level)
}

func (d *deflateCompressor) Decompress(r io.Reader) io.ReadCloser {
	return flate.NewReader(r)
}

// -----------------------------------------------------------------------------
// Zstd
// -----------------------------------------------------------------------------

type zstdCompressor struct{}

func (z *zstdCompressor) Name() Compression { return CompressionZstd }

func (z *zstdCompressor) Method() uint16 { return zstd.ZipMethodWinZip }

func (z *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.ZipCompressor()(w)
}

func (z *zstdCompressor) Decompress(r io.Reader) io.ReadCloser {
	return zstd.ZipDecompressor()(r)
}

// registerCompressor installs c on a zip writer. Store needs nothing.
func registerCompressor(zw *zip.Writer, c Compressor) {
	if c.Method() == zip.Store {
		return
	}
	zw.RegisterCompressor(c.Method(), c.Compress)
}

// registerDecompressors lets a zip reader open every method this package writes.
func registerDecompressors(zr *zip.Reader) {
	for _, name := range []Compression{CompressionDeflate, CompressionZstd} {
		c, _ := NewCompressor(name)
		zr.RegisterDecompressor(c.Method(), c.Decompress)
	}
}
