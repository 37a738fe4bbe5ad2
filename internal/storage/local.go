package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const uploadsDir = ".uploads"

// LocalClient stores objects under a directory. It has no native
// streaming upload, so large files go through the part protocol.
type LocalClient struct {
	root    string
	baseURL string
}

// NewLocalClient creates a filesystem-backed client
func NewLocalClient(root, baseURL string) (*LocalClient, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid local root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local root: %w", err)
	}
	return &LocalClient{root: abs, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Name returns the driver name
func (c *LocalClient) Name() string {
	return "local"
}

// SupportsStreaming is false: writes are assembled from parts
func (c *LocalClient) SupportsStreaming() bool {
	return false
}

// ExistsMany stats every key on disk
func (c *LocalClient) ExistsMany(ctx context.Context, keys []string) (map[string]bool, error) {
	if _, err := os.Stat(c.root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	exists := make(map[string]bool, len(keys))
	failed := make(map[string]error)

	for _, key := range keys {
		path, err := c.path(key)
		if err != nil {
			failed[key] = err
			continue
		}
		_, err = os.Stat(path)
		switch {
		case err == nil:
			exists[key] = true
		case errors.Is(err, fs.ErrNotExist):
			exists[key] = false
		default:
			failed[key] = err
		}
	}

	return exists, batchErr("exists", failed)
}

// SignMany returns public URLs under the base URL, or absolute paths when unset
func (c *LocalClient) SignMany(ctx context.Context, keys []string, expiry time.Duration) (map[string]string, error) {
	urls := make(map[string]string, len(keys))
	failed := make(map[string]error)

	for _, key := range keys {
		path, err := c.path(key)
		if err != nil {
			failed[key] = err
			continue
		}
		if c.baseURL == "" {
			urls[key] = path
			continue
		}
		u, err := url.Parse(c.baseURL + "/" + strings.TrimLeft(key, "/"))
		if err != nil {
			failed[key] = err
			continue
		}
		q := u.Query()
		q.Set("expires", fmt.Sprint(time.Now().Add(expiry).Unix()))
		u.RawQuery = q.Encode()
		urls[key] = u.String()
	}

	return urls, batchErr("sign", failed)
}

// PutFile copies a local file into the store in one piece
func (c *LocalClient) PutFile(ctx context.Context, localPath, key string, opts PutOptions) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := c.path(key)
	if err != nil {
		return err
	}
	return writeAtomic(dst, src)
}

// List walks objects under prefix
func (c *LocalClient) List(ctx context.Context, prefix string) (<-chan ObjectInfo, <-chan error) {
	objCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)

	go func() {
		defer close(objCh)
		defer close(errCh)

		err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == uploadsDir {
					return filepath.SkipDir
				}
				return nil
			}

			rel, err := filepath.Rel(c.root, path)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if !strings.HasPrefix(key, prefix) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return err
			}

			select {
			case objCh <- ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errCh <- err
		}
	}()

	return objCh, errCh
}

// NewMultipartUpload starts a part directory for key
func (c *LocalClient) NewMultipartUpload(ctx context.Context, key string, opts PutOptions) (string, error) {
	if _, err := c.path(key); err != nil {
		return "", err
	}
	uploadID := uuid.NewString()
	if err := os.MkdirAll(c.uploadPath(uploadID), 0o755); err != nil {
		return "", err
	}
	return uploadID, nil
}

// UploadPart writes one part to the upload directory
func (c *LocalClient) UploadPart(ctx context.Context, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	dir := c.uploadPath(uploadID)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("unknown upload %s: %w", uploadID, err)
	}

	name := fmt.Sprintf("part-%05d", partNumber)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	defer f.Close()

	n, err := io.Copy(f, reader)
	if err != nil {
		return "", err
	}
	if n != size {
		return "", fmt.Errorf("part %d: wrote %d bytes, expected %d", partNumber, n, size)
	}
	return name, nil
}

// CompleteMultipartUpload concatenates parts in part-number order
func (c *LocalClient) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	dst, err := c.path(key)
	if err != nil {
		return err
	}

	sorted := make([]CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	dir := c.uploadPath(uploadID)
	readers := make([]io.Reader, 0, len(sorted))
	for _, p := range sorted {
		f, err := os.Open(filepath.Join(dir, p.ETag))
		if err != nil {
			return fmt.Errorf("missing part %d: %w", p.PartNumber, err)
		}
		defer f.Close()
		readers = append(readers, f)
	}

	if err := writeAtomic(dst, io.MultiReader(readers...)); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// AbortMultipartUpload discards uploaded parts
func (c *LocalClient) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return os.RemoveAll(c.uploadPath(uploadID))
}

func (c *LocalClient) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(c.root, clean), nil
}

func (c *LocalClient) uploadPath(uploadID string) string {
	return filepath.Join(c.root, uploadsDir, filepath.Base(uploadID))
}

func writeAtomic(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
