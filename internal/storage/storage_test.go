package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"proofpipe/internal/retry"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRetry() *retry.Executor {
	return retry.New(retry.Config{Retries: 2, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}, zap.NewNop(), nil)
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCleanEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"minio:9000", "minio:9000", false},
		{"http://minio:9000", "minio:9000", false},
		{"https://s3.example.com/", "s3.example.com", false},
		{"https://s3.example.com/bucket", "", true},
		{"minio:9000/path", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := cleanEndpoint(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestLocalClient_ExistsAndSign(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalClient(t.TempDir(), "https://cdn.example.com/")
	require.NoError(t, err)

	require.NoError(t, c.PutFile(ctx, writeFile(t, "jpeg"), "proofs/a_proof.jpg", PutOptions{}))

	exists, err := c.ExistsMany(ctx, []string{"proofs/a_proof.jpg", "proofs/b_proof.jpg"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"proofs/a_proof.jpg": true, "proofs/b_proof.jpg": false}, exists)

	urls, err := c.SignMany(ctx, []string{"proofs/a_proof.jpg"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(urls["proofs/a_proof.jpg"], "https://cdn.example.com/proofs/a_proof.jpg?expires="))
}

func TestLocalClient_KeysCannotEscapeRoot(t *testing.T) {
	root := t.TempDir()
	c, err := NewLocalClient(root, "")
	require.NoError(t, err)

	require.NoError(t, c.PutFile(context.Background(), writeFile(t, "x"), "../../escape.jpg", PutOptions{}))
	_, err = os.Stat(filepath.Join(root, "escape.jpg"))
	assert.NoError(t, err)
}

func TestChunkedUploader_SplitsIntoParts(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalClient(t.TempDir(), "")
	require.NoError(t, err)

	content := "0123456789abcdefghij!" // 21 bytes
	u := NewChunkedUploader(8, testRetry())
	parts, err := u.Upload(ctx, c, writeFile(t, content), "proofs/big.jpg", PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, parts)

	got, err := os.ReadFile(filepath.Join(c.root, "proofs/big.jpg"))
	require.NoError(t, err)
	assert.Equal(t, content, string(got))

	entries, err := os.ReadDir(filepath.Join(c.root, uploadsDir))
	require.NoError(t, err)
	assert.Empty(t, entries, "part directory removed after completion")
}

func TestChunkedUploader_SmallFileIsOnePart(t *testing.T) {
	c, err := NewLocalClient(t.TempDir(), "")
	require.NoError(t, err)

	parts, err := NewChunkedUploader(1024, testRetry()).Upload(context.Background(), c, writeFile(t, "tiny"), "p.jpg", PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, parts)
}

// flakyParts fails the first UploadPart with a retryable error and
// always fails part 2 when failPart2 is set
type flakyParts struct {
	*LocalClient
	calls     int
	failPart2 bool
	aborted   bool
}

func (f *flakyParts) UploadPart(ctx context.Context, key, uploadID string, n int, r io.Reader, size int64) (string, error) {
	f.calls++
	if f.calls == 1 {
		return "", errors.New("service unavailable")
	}
	if f.failPart2 && n == 2 {
		return "", errors.New("access denied")
	}
	return f.LocalClient.UploadPart(ctx, key, uploadID, n, r, size)
}

func (f *flakyParts) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	f.aborted = true
	return f.LocalClient.AbortMultipartUpload(ctx, key, uploadID)
}

func TestChunkedUploader_RetriesPartsAndAbortsOnTerminal(t *testing.T) {
	ctx := context.Background()
	local, err := NewLocalClient(t.TempDir(), "")
	require.NoError(t, err)

	ok := &flakyParts{LocalClient: local}
	_, err = NewChunkedUploader(4, testRetry()).Upload(ctx, ok, writeFile(t, "abcdefgh"), "a.jpg", PutOptions{})
	require.NoError(t, err)
	assert.False(t, ok.aborted)

	bad := &flakyParts{LocalClient: local, failPart2: true}
	_, err = NewChunkedUploader(4, testRetry()).Upload(ctx, bad, writeFile(t, "abcdefgh"), "b.jpg", PutOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "part 2")
	assert.True(t, bad.aborted)
}

// streamingClient records which upload path was taken
type streamingClient struct {
	*LocalClient
	streaming bool
	puts      int
}

func (s *streamingClient) SupportsStreaming() bool { return s.streaming }

func (s *streamingClient) PutFile(ctx context.Context, localPath, key string, opts PutOptions) error {
	s.puts++
	return s.LocalClient.PutFile(ctx, localPath, key, opts)
}

func TestUploader_ChoosesPath(t *testing.T) {
	ctx := context.Background()
	local, err := NewLocalClient(t.TempDir(), "")
	require.NoError(t, err)

	streaming := &streamingClient{LocalClient: local, streaming: true}
	u := NewUploader(streaming, testRetry(), 5*1024*1024, time.Minute, zap.NewNop())
	url, err := u.Upload(ctx, writeFile(t, "data"), "proofs/s.jpg")
	require.NoError(t, err)
	assert.Equal(t, 1, streaming.puts, "streaming backend uses its native put")
	assert.Equal(t, filepath.Join(local.root, "proofs/s.jpg"), url)

	chunked := &streamingClient{LocalClient: local, streaming: false}
	u = NewUploader(chunked, testRetry(), 5*1024*1024, time.Minute, zap.NewNop())
	_, err = u.Upload(ctx, writeFile(t, "data"), "proofs/c.jpg")
	require.NoError(t, err)
	assert.Equal(t, 0, chunked.puts, "non-streaming backend goes through parts")
}

func TestBatchError(t *testing.T) {
	err := batchErr("exists", map[string]error{
		"c": errors.New("boom"),
		"a": errors.New("timeout"),
		"b": errors.New("refused"),
		"d": errors.New("x"),
	})
	be, ok := AsBatchError(err)
	require.True(t, ok)
	assert.Equal(t, 4, be.Count())
	assert.Equal(t, []string{"a: timeout", "b: refused"}, be.Sample(2))
	assert.Contains(t, be.Error(), "exists failed for 4 keys")

	assert.NoError(t, batchErr("exists", nil))
}

func TestUnavailableErr(t *testing.T) {
	refused := &url.Error{Op: "Head", URL: "http://127.0.0.1:1/b/k", Err: errors.New("connect: connection refused")}
	denied := minio.ErrorResponse{StatusCode: 403, Code: "AccessDenied"}

	t.Run("every key unreachable", func(t *testing.T) {
		err := unavailableErr("exists", map[string]error{"a": refused, "b": refused}, 2, isTransport)
		require.ErrorIs(t, err, ErrUnavailable)
		_, isBatch := AsBatchError(err)
		assert.False(t, isBatch)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("some keys answered", func(t *testing.T) {
		assert.NoError(t, unavailableErr("exists", map[string]error{"a": refused}, 2, isTransport))
	})

	t.Run("per-key auth errors stay per key", func(t *testing.T) {
		assert.NoError(t, unavailableErr("exists", map[string]error{"a": refused, "b": denied}, 2, isTransport))
	})

	t.Run("empty batch", func(t *testing.T) {
		assert.NoError(t, unavailableErr("exists", nil, 0, isTransport))
	})
}

func TestLocalClient_ExistsManyWithoutRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	c, err := NewLocalClient(root, "")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(root))

	_, err = c.ExistsMany(context.Background(), []string{"a.jpg"})
	require.ErrorIs(t, err, ErrUnavailable)
	_, isBatch := AsBatchError(err)
	assert.False(t, isBatch)
}
