package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// lookupConcurrency bounds concurrent HEAD requests in ExistsMany
const lookupConcurrency = 8

// Config contains client configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Region    string
	Bucket    string
	Streaming bool
}

// MinIOClient implements Client, Multipart and PresignedUploader using minio-go
type MinIOClient struct {
	client    *minio.Client
	core      *minio.Core
	bucket    string
	streaming bool
}

// NewMinIOClient creates a new MinIO client bound to one bucket
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
	// Clean and validate endpoint
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOClient{
		client:    client,
		core:      &minio.Core{Client: client},
		bucket:    cfg.Bucket,
		streaming: cfg.Streaming,
	}, nil
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	// If endpoint doesn't have protocol, add http:// for parsing
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		// Check if it's already in host:port format
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	return parsedURL.Host, nil
}

// Name returns the driver name
func (c *MinIOClient) Name() string {
	return "s3"
}

// SupportsStreaming reports whether PutFile is allowed to stream natively
func (c *MinIOClient) SupportsStreaming() bool {
	return c.streaming
}

// ExistsMany stats keys concurrently
func (c *MinIOClient) ExistsMany(ctx context.Context, keys []string) (map[string]bool, error) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		exists = make(map[string]bool, len(keys))
		failed = make(map[string]error)
		sem    = make(chan struct{}, lookupConcurrency)
	)

	for _, key := range keys {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			defer func() { <-sem }()

			_, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				exists[key] = true
			case isNotFound(err):
				exists[key] = false
			default:
				failed[key] = err
			}
		}(key)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := unavailableErr("exists", failed, len(keys), isTransport); err != nil {
		return nil, err
	}
	return exists, batchErr("exists", failed)
}

// SignMany presigns GET URLs for keys
func (c *MinIOClient) SignMany(ctx context.Context, keys []string, expiry time.Duration) (map[string]string, error) {
	urls := make(map[string]string, len(keys))
	failed := make(map[string]error)

	for _, key := range keys {
		u, err := c.client.PresignedGetObject(ctx, c.bucket, key, expiry, url.Values{})
		if err != nil {
			failed[key] = err
			continue
		}
		urls[key] = u.String()
	}

	return urls, batchErr("sign", failed)
}

// PresignPutMany presigns PUT URLs for keys
func (c *MinIOClient) PresignPutMany(ctx context.Context, keys []string, expiry time.Duration) (map[string]string, error) {
	urls := make(map[string]string, len(keys))
	failed := make(map[string]error)

	for _, key := range keys {
		u, err := c.client.PresignedPutObject(ctx, c.bucket, key, expiry)
		if err != nil {
			failed[key] = err
			continue
		}
		urls[key] = u.String()
	}

	return urls, batchErr("presign_put", failed)
}

// PutFile uploads a local file, letting minio-go stream it
func (c *MinIOClient) PutFile(ctx context.Context, localPath, key string, opts PutOptions) error {
	_, err := c.client.FPutObject(ctx, c.bucket, key, localPath, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	return err
}

// List lists objects with prefix
func (c *MinIOClient) List(ctx context.Context, prefix string) (<-chan ObjectInfo, <-chan error) {
	objCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)

	go func() {
		defer close(objCh)
		defer close(errCh)

		for obj := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if obj.Err != nil {
				errCh <- obj.Err
				return
			}

			select {
			case objCh <- ObjectInfo{
				Key:          obj.Key,
				Size:         obj.Size,
				ETag:         obj.ETag,
				LastModified: obj.LastModified,
				ContentType:  obj.ContentType,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return objCh, errCh
}

// NewMultipartUpload initiates a multipart upload
func (c *MinIOClient) NewMultipartUpload(ctx context.Context, key string, opts PutOptions) (string, error) {
	return c.core.NewMultipartUpload(ctx, c.bucket, key, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
}

// UploadPart uploads a part
func (c *MinIOClient) UploadPart(ctx context.Context, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	part, err := c.core.PutObjectPart(ctx, c.bucket, key, uploadID, partNumber, reader, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", err
	}
	return part.ETag, nil
}

// CompleteMultipartUpload completes a multipart upload
func (c *MinIOClient) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	minioParts := make([]minio.CompletePart, len(parts))
	for i, part := range parts {
		minioParts[i] = minio.CompletePart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		}
	}

	_, err := c.core.CompleteMultipartUpload(ctx, c.bucket, key, uploadID, minioParts, minio.PutObjectOptions{})
	return err
}

// AbortMultipartUpload aborts a multipart upload
func (c *MinIOClient) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return c.core.AbortMultipartUpload(ctx, c.bucket, key, uploadID)
}

// isTransport reports whether err never got an S3 response
func isTransport(err error) bool {
	if minio.ToErrorResponse(err).StatusCode != 0 {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == 404 || resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}
