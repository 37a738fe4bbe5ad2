package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"proofpipe/internal/retry"
)

// ChunkedUploader splits a file into fixed-size parts and drives them
// through a backend's part-based protocol, retrying each part
type ChunkedUploader struct {
	partSize int64
	retry    *retry.Executor
}

// NewChunkedUploader creates a chunked uploader
func NewChunkedUploader(partSize int64, executor *retry.Executor) *ChunkedUploader {
	return &ChunkedUploader{partSize: partSize, retry: executor}
}

// Upload sends localPath to key through mp. A file no larger than one
// part is sent as a single part.
func (u *ChunkedUploader) Upload(ctx context.Context, mp Multipart, localPath, key string, opts PutOptions) (int, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	uploadID, err := retry.Value(ctx, u.retry, "multipart_init", func(ctx context.Context) (string, error) {
		return mp.NewMultipartUpload(ctx, key, opts)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to initiate multipart upload: %w", err)
	}

	parts, err := u.uploadParts(ctx, mp, f, key, uploadID)
	if err != nil {
		// abort uses a fresh context so cancellation still cleans up
		_ = mp.AbortMultipartUpload(context.WithoutCancel(ctx), key, uploadID)
		return 0, err
	}

	err = u.retry.Do(ctx, "multipart_complete", func(ctx context.Context) error {
		return mp.CompleteMultipartUpload(ctx, key, uploadID, parts)
	})
	if err != nil {
		_ = mp.AbortMultipartUpload(context.WithoutCancel(ctx), key, uploadID)
		return 0, fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	return len(parts), nil
}

func (u *ChunkedUploader) uploadParts(ctx context.Context, mp Multipart, r io.Reader, key, uploadID string) ([]CompletedPart, error) {
	buf := make([]byte, u.partSize)
	var parts []CompletedPart

	for partNum := 1; ; partNum++ {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("failed to read part %d: %w", partNum, err)
		}
		last := err == io.ErrUnexpectedEOF
		data := buf[:n]

		etag, err := retry.Value(ctx, u.retry, "multipart_part", func(ctx context.Context) (string, error) {
			return mp.UploadPart(ctx, key, uploadID, partNum, bytes.NewReader(data), int64(len(data)))
		})
		if err != nil {
			return nil, fmt.Errorf("failed to upload part %d: %w", partNum, err)
		}

		parts = append(parts, CompletedPart{PartNumber: partNum, ETag: etag})
		if last {
			break
		}
	}

	// An empty file still needs one (empty) part
	if len(parts) == 0 {
		etag, err := retry.Value(ctx, u.retry, "multipart_part", func(ctx context.Context) (string, error) {
			return mp.UploadPart(ctx, key, uploadID, 1, bytes.NewReader(nil), 0)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to upload part 1: %w", err)
		}
		parts = append(parts, CompletedPart{PartNumber: 1, ETag: etag})
	}

	return parts, nil
}
