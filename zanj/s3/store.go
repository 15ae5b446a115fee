// Package s3 stores ZANJ directory containers in an S3-compatible bucket.
//
// A container lives under a key prefix with the same layout as an unpacked
// directory, so readers fetch the root document first and then only the
// blobs they load:
//
//	store, _ := s3.New(client, s3.Config{Bucket: "data", Prefix: "runs/42"})
//	_ = zanj.PublishToStore(ctx, store, container)
//	dir, _ := zanj.OpenStore(ctx, store)
//
// Supported backends include AWS S3, MinIO, LocalStack and Cloudflare R2.
//
// # Semantics
//
//   - Put: a single PutObject with If-None-Match, so existing keys are
//     never overwritten (zanj.ErrPathExists). Objects carry a content type
//     derived from the blob format.
//   - Get/Exists/Delete: missing keys report zanj.ErrNotFound.
//   - List: follows pagination and returns keys relative to the prefix.
//   - ReadRange: HTTP Range reads, used to peek at npy headers.
//
// S3 provides strong read-after-write consistency; other backends may not.
// zanj.PublishToStore writes the root document last, so a container whose
// root is visible is complete.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/justapithecus/zanj/zanj"
)

// maxPutSize is the S3 PutObject limit. Container blobs above it are
// rejected rather than split into a multipart upload.
const maxPutSize = 5 * 1024 * 1024 * 1024 // 5GB

// API defines the subset of the S3 client interface used by the store.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config names where a container lives.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string `yaml:"bucket"`

	// Prefix is the key prefix the container root maps to. A trailing
	// slash is added if missing.
	Prefix string `yaml:"prefix"`
}

// Store implements zanj.Store and zanj.RangeReader on an S3 bucket.
type Store struct {
	client  API
	bucket  string
	prefix  string
	maxSize int64
}

var (
	_ zanj.Store       = (*Store)(nil)
	_ zanj.RangeReader = (*Store)(nil)
)

// New creates a store with the given client and configuration.
//
// The client must be pre-configured with credentials, region, and endpoint;
// NewClient builds one.
func New(client API, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: prefix, maxSize: maxPutSize}, nil
}

// Put uploads a container file unless the key already exists.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	body, size, err := s.uploadBody(r)
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", key, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType(key)),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		if hasCode(err, "PreconditionFailed", "412") {
			return zanj.ErrPathExists
		}
		return fmt.Errorf("s3: put object: %w", err)
	}
	return nil
}

// uploadBody returns a seekable body with a known length. Blobs arrive from
// zanj.PublishToStore as *bytes.Reader and are sent as they are; other
// readers are buffered up to the size limit.
func (s *Store) uploadBody(r io.Reader) (io.ReadSeeker, int64, error) {
	if br, ok := r.(*bytes.Reader); ok {
		if size := int64(br.Len()); size <= s.maxSize {
			return br, size, nil
		}
		return nil, 0, fmt.Errorf("object size %d exceeds PutObject limit %d", br.Len(), s.maxSize)
	}
	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return nil, 0, err
	}
	if int64(len(data)) > s.maxSize {
		return nil, 0, fmt.Errorf("object exceeds PutObject limit %d", s.maxSize)
	}
	return bytes.NewReader(data), int64(len(data)), nil
}

// contentType labels objects by container file format.
func contentType(key string) string {
	if strings.EqualFold(path.Ext(key), ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}

// Get retrieves the object at key.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.get(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// Exists checks whether key exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("s3: head object: %w", err)
	}
}

// List returns all keys under prefix, relative to the container root.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	prefix, err := zanj.CleanPrefix(prefix)
	if err != nil {
		return nil, err
	}

	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + prefix),
	}
	var keys []string
	for {
		out, err := s.client.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("s3: list objects: %w", err)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, strings.TrimPrefix(*obj.Key, s.prefix))
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return keys, nil
		}
		in.ContinuationToken = out.NextContinuationToken
	}
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("s3: delete object: %w", err)
	}
	return nil
}

// ReadRange reads length bytes at offset. An offset past EOF returns an
// empty slice; a range past EOF returns the available bytes.
func (s *Store) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if err := zanj.CheckRange(offset, length); err != nil {
		return nil, err
	}

	// An empty Range header is invalid, so a zero-length read only checks
	// that the key exists.
	if length == 0 {
		ok, err := s.Exists(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, zanj.ErrNotFound
		}
		return []byte{}, nil
	}

	// Range is inclusive: bytes=start-end.
	out, err := s.get(ctx, key, aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)))
	if err != nil {
		if hasCode(err, "InvalidRange") {
			return []byte{}, nil
		}
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: reading range body: %w", err)
	}
	return data, nil
}

func (s *Store) get(ctx context.Context, key string, byteRange *string) (*s3.GetObjectOutput, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
		Range:  byteRange,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, zanj.ErrNotFound
		}
		return nil, fmt.Errorf("s3: get object: %w", err)
	}
	return out, nil
}

// objectKey maps a container path to its object key. Paths are validated
// the same way a directory container validates them.
func (s *Store) objectKey(key string) (string, error) {
	if err := zanj.ValidatePath(key); err != nil {
		return "", err
	}
	return s.prefix + key, nil
}

// isNotFound reports whether err means the key or bucket does not exist.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nsb) {
		return true
	}
	return hasCode(err, "NotFound", "NoSuchKey", "404")
}

func hasCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return slices.Contains(codes, apiErr.ErrorCode())
}
