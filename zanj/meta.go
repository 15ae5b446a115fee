package zanj

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	metaFormatName = "zanj"
	checksumPrefix = "blake3:"
)

// Meta is the metadata sidecar stored at MetaPath. It records how the
// container was written and a checksum for every blob. Containers without a
// sidecar are still valid.
type Meta struct {
	ZanjFormat string     `json:"zanj_format"`
	Version    int        `json:"version"`
	Config     MetaConfig `json:"config"`
	Blobs      []BlobInfo `json:"blobs"`
}

// MetaConfig is the part of Config recorded in the sidecar.
type MetaConfig struct {
	InternalArrayMode      InlineEncoding `json:"internal_array_mode"`
	ExternalArrayThreshold int            `json:"external_array_threshold"`
}

// BlobInfo describes one blob in the sidecar.
type BlobInfo struct {
	Path      string         `json:"path"`
	Format    ExternalFormat `json:"format"`
	SizeBytes int64          `json:"size_bytes"`
	Checksum  string         `json:"checksum"`
	DType     string         `json:"dtype,omitempty"`
	Shape     []int          `json:"shape,omitempty"`
}

// Checksum returns the sidecar checksum of data: "blake3:" and the hex
// BLAKE3-256 digest.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return checksumPrefix + hex.EncodeToString(sum[:])
}

// NewMeta builds the sidecar for a container.
func NewMeta(c *Container) *Meta {
	m := &Meta{
		ZanjFormat: metaFormatName,
		Version:    FormatVersion,
		Config: MetaConfig{
			InternalArrayMode:      c.Config.InternalArrayMode,
			ExternalArrayThreshold: c.Config.ExternalArrayThreshold,
		},
		Blobs: make([]BlobInfo, 0, c.Blobs.Len()),
	}
	for b := range c.Blobs.All() {
		info := BlobInfo{
			Path:      b.Path,
			Format:    b.Format,
			SizeBytes: int64(len(b.Data)),
			Checksum:  Checksum(b.Data),
		}
		if b.Format == FormatNPY {
			info.DType = b.DType.String()
			info.Shape = b.Shape
		}
		m.Blobs = append(m.Blobs, info)
	}
	return m
}

func encodeMeta(m *Meta) ([]byte, error) {
	b, err := jsonCodec.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("zanj: encode meta: %w", err)
	}
	return append(b, '\n'), nil
}

// ParseMeta decodes a sidecar document.
func ParseMeta(data []byte) (*Meta, error) {
	var m Meta
	if err := jsonCodec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("zanj: %w: meta: %v", ErrMalformedEncoding, err)
	}
	if m.ZanjFormat != metaFormatName {
		return nil, fmt.Errorf("zanj: %w: meta zanj_format %q", ErrMalformedEncoding, m.ZanjFormat)
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("zanj: %w: meta version %d", ErrFormatVersionUnsupported, m.Version)
	}
	for _, b := range m.Blobs {
		if err := ValidatePath(b.Path); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// Verify fetches every blob listed in meta and compares its size and
// checksum. All failures are reported together; mismatches match
// ErrChecksumMismatch and missing blobs match ErrUnresolvedReference.
func Verify(ctx context.Context, blobs BlobAccessor, meta *Meta) error {
	var errs []error
	for _, info := range meta.Blobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := blobs.Blob(ctx, info.Path)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				errs = append(errs, fmt.Errorf("zanj: %w: %s", ErrUnresolvedReference, info.Path))
				continue
			}
			return ioErr("verify", info.Path, err)
		}
		if int64(len(data)) != info.SizeBytes {
			errs = append(errs, fmt.Errorf("zanj: %w: %s is %d bytes, meta says %d",
				ErrChecksumMismatch, info.Path, len(data), info.SizeBytes))
			continue
		}
		if !strings.HasPrefix(info.Checksum, checksumPrefix) {
			errs = append(errs, fmt.Errorf("zanj: %w: %s has unsupported checksum %q",
				ErrMalformedEncoding, info.Path, info.Checksum))
			continue
		}
		if got := Checksum(data); got != info.Checksum {
			errs = append(errs, fmt.Errorf("zanj: %w: %s", ErrChecksumMismatch, info.Path))
		}
	}
	return errors.Join(errs...)
}
