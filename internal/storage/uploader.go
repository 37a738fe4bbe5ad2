package storage

import (
	"context"
	"fmt"
	"time"

	"proofpipe/internal/retry"

	"go.uber.org/zap"
)

// Uploader picks the upload path a backend supports: native streaming,
// chunked parts, or one whole-file put
type Uploader struct {
	client     Client
	retry      *retry.Executor
	chunked    *ChunkedUploader
	signExpiry time.Duration
	logger     *zap.Logger
}

// NewUploader creates an uploader for client
func NewUploader(client Client, executor *retry.Executor, partSize int64, signExpiry time.Duration, logger *zap.Logger) *Uploader {
	return &Uploader{
		client:     client,
		retry:      executor,
		chunked:    NewChunkedUploader(partSize, executor),
		signExpiry: signExpiry,
		logger:     logger.Named("uploader"),
	}
}

// Upload stores localPath under key and returns a signed URL for it
func (u *Uploader) Upload(ctx context.Context, localPath, key string) (string, error) {
	if err := u.Put(ctx, localPath, key); err != nil {
		return "", err
	}

	urls, err := u.client.SignMany(ctx, []string{key}, u.signExpiry)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s: %w", key, err)
	}
	return urls[key], nil
}

// Put stores localPath under key without signing
func (u *Uploader) Put(ctx context.Context, localPath, key string) error {
	opts := PutOptions{ContentType: "image/jpeg"}

	if !u.client.SupportsStreaming() {
		if mp, ok := u.client.(Multipart); ok {
			parts, err := u.chunked.Upload(ctx, mp, localPath, key, opts)
			if err != nil {
				return err
			}
			u.logger.Debug("Chunked upload completed", zap.String("key", key), zap.Int("parts", parts))
			return nil
		}
	}

	return u.retry.Do(ctx, "put", func(ctx context.Context) error {
		return u.client.PutFile(ctx, localPath, key, opts)
	})
}
