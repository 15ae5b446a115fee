package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// MockS3Client is an in-memory API for tests and examples.
type MockS3Client struct {
	mu           sync.RWMutex
	objects      map[string][]byte
	contentTypes map[string]string

	// PageSize limits keys per ListObjectsV2 page. Zero returns one page.
	PageSize int

	// Call counters for test assertions
	PutObjectCalls   int
	GetObjectCalls   int
	RangeGetCalls    int
	ListObjectsCalls int
}

var _ API = (*MockS3Client)(nil)

// NewMockS3Client creates an empty mock client.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

// ResetCounts resets call counters for test isolation.
func (m *MockS3Client) ResetCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutObjectCalls = 0
	m.GetObjectCalls = 0
	m.RangeGetCalls = 0
	m.ListObjectsCalls = 0
}

// Object returns a copy of the object at the full key.
func (m *MockS3Client) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return bytes.Clone(data), ok
}

// ContentType returns the content type the object at the full key was
// uploaded with.
func (m *MockS3Client) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contentTypes[key]
}

// SetObject stores data at the full key, bypassing conditional writes.
func (m *MockS3Client) SetObject(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = bytes.Clone(data)
}

// PutObject implements API.PutObject.
func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(params.Key)
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.PutObjectCalls++

	if aws.ToString(params.IfNoneMatch) == "*" {
		if _, exists := m.objects[key]; exists {
			return nil, &smithyAPIError{code: "PreconditionFailed", message: "object already exists"}
		}
	}

	m.objects[key] = data
	m.contentTypes[key] = aws.ToString(params.ContentType)
	return &s3.PutObjectOutput{}, nil
}

// GetObject implements API.GetObject, including inclusive byte ranges.
func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	m.GetObjectCalls++
	if params.Range != nil {
		m.RangeGetCalls++
	}
	data, exists := m.objects[key]
	m.mu.Unlock()

	if !exists {
		return nil, &types.NoSuchKey{}
	}

	if params.Range != nil {
		var start, end int64
		if _, err := fmt.Sscanf(aws.ToString(params.Range), "bytes=%d-%d", &start, &end); err != nil {
			return nil, &smithyAPIError{code: "InvalidArgument", message: err.Error()}
		}
		if start >= int64(len(data)) {
			return nil, &smithyAPIError{code: "InvalidRange", message: "range not satisfiable"}
		}
		end = min(end, int64(len(data))-1)
		data = data[start : end+1]
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

// HeadObject implements API.HeadObject.
func (m *MockS3Client) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.RLock()
	data, exists := m.objects[key]
	m.mu.RUnlock()

	if !exists {
		return nil, &smithyAPIError{code: "NotFound", message: "not found"}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

// DeleteObject implements API.DeleteObject.
func (m *MockS3Client) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()

	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 implements API.ListObjectsV2 in lexical key order. The
// continuation token is the index of the next key.
func (m *MockS3Client) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)

	m.mu.Lock()
	m.ListObjectsCalls++
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()
	slices.Sort(keys)

	start := 0
	if params.ContinuationToken != nil {
		n, err := strconv.Atoi(aws.ToString(params.ContinuationToken))
		if err != nil || n < 0 || n > len(keys) {
			return nil, &smithyAPIError{code: "InvalidArgument", message: "bad continuation token"}
		}
		start = n
	}
	end := len(keys)
	if m.PageSize > 0 {
		end = min(start+m.PageSize, len(keys))
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

// smithyAPIError implements smithy.APIError for the mock.
type smithyAPIError struct {
	code    string
	message string
}

func (e *smithyAPIError) Error() string {
	return e.message
}

func (e *smithyAPIError) ErrorCode() string {
	return e.code
}

func (e *smithyAPIError) ErrorMessage() string {
	return e.message
}

func (e *smithyAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}
