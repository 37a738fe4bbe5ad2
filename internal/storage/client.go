package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when an object does not exist
var ErrNotFound = errors.New("object not found")

// ErrUnavailable is returned when a batch call could not reach the backend
// for any key. It is never wrapped in a *BatchError.
var ErrUnavailable = errors.New("storage backend unavailable")

// Client defines the operations the proof pipeline needs from a storage backend
type Client interface {
	Name() string

	// Batch lookups. Per-key failures are reported through *BatchError;
	// a backend that cannot be reached at all yields ErrUnavailable.
	ExistsMany(ctx context.Context, keys []string) (map[string]bool, error)
	SignMany(ctx context.Context, keys []string, expiry time.Duration) (map[string]string, error)

	PutFile(ctx context.Context, localPath, key string, opts PutOptions) error
	List(ctx context.Context, prefix string) (<-chan ObjectInfo, <-chan error)

	// SupportsStreaming reports whether PutFile streams natively, without
	// needing the part-based protocol
	SupportsStreaming() bool
}

// Multipart is implemented by backends exposing a part-based upload protocol
type Multipart interface {
	NewMultipartUpload(ctx context.Context, key string, opts PutOptions) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// PresignedUploader is implemented by backends that can hand out upload URLs
type PresignedUploader interface {
	PresignPutMany(ctx context.Context, keys []string, expiry time.Duration) (map[string]string, error)
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// PutOptions contains options for put operations
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// CompletedPart represents a completed multipart upload part
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// BatchError aggregates per-key failures of one batch call
type BatchError struct {
	Op     string
	Failed map[string]error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s failed for %d keys: %s", e.Op, len(e.Failed), strings.Join(e.Sample(3), "; "))
}

// Count returns the number of failed keys
func (e *BatchError) Count() int {
	return len(e.Failed)
}

// Sample returns up to n "key: error" strings in key order
func (e *BatchError) Sample(n int) []string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > n {
		keys = keys[:n]
	}

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + ": " + e.Failed[k].Error()
	}
	return out
}

// AsBatchError unwraps err into a *BatchError if it is one
func AsBatchError(err error) (*BatchError, bool) {
	var be *BatchError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// batchErr returns nil when failed is empty
func batchErr(op string, failed map[string]error) error {
	if len(failed) == 0 {
		return nil
	}
	return &BatchError{Op: op, Failed: failed}
}

// unavailableErr escalates a batch in which every key failed to reach the
// backend. It returns nil when any key got an answer or failed otherwise.
func unavailableErr(op string, failed map[string]error, total int, transport func(error) bool) error {
	if total == 0 || len(failed) < total {
		return nil
	}
	for _, err := range failed {
		if !transport(err) {
			return nil
		}
	}
	be := &BatchError{Op: op, Failed: failed}
	return fmt.Errorf("%w: %s: %s", ErrUnavailable, op, strings.Join(be.Sample(3), "; "))
}
