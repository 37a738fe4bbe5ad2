package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGenerator struct {
	dir  string
	fail map[string]bool
}

func (g *fakeGenerator) Generate(path string, imageID int64) (string, error) {
	if g.fail[path] {
		return "", errors.New("corrupt image")
	}
	out := filepath.Join(g.dir, filepath.Base(path)+".proof")
	return out, os.WriteFile(out, []byte("jpeg-bytes"), 0o644)
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
	fail bool
}

func (u *fakeUploader) Upload(ctx context.Context, localPath, key string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fail {
		return "", errors.New("access denied")
	}
	u.keys = append(u.keys, key)
	return "https://cdn.example.com/" + key, nil
}

type recordingMetrics struct {
	mu        sync.Mutex
	generated int
	failed    int
	maxInflt  int
}

func (m *recordingMetrics) IncGenerated(int64) { m.mu.Lock(); m.generated++; m.mu.Unlock() }
func (m *recordingMetrics) IncFailed()         { m.mu.Lock(); m.failed++; m.mu.Unlock() }
func (m *recordingMetrics) ObserveDuration(time.Duration) {}
func (m *recordingMetrics) SetInflightWorkers(n int) {
	m.mu.Lock()
	m.maxInflt = max(m.maxInflt, n)
	m.mu.Unlock()
}

func makeTasks(n int) []Task {
	out := make([]Task, n)
	for i := range out {
		out[i] = Task{Key: "proofs/" + string(rune('a'+i)) + "_proof.jpg", Local: "/in/" + string(rune('a'+i)), ImageID: int64(i + 1)}
	}
	return out
}

func TestPool_RunUploadsAll(t *testing.T) {
	gen := &fakeGenerator{dir: t.TempDir(), fail: map[string]bool{"/in/b": true}}
	up := &fakeUploader{}
	m := &recordingMetrics{}

	pool := NewPool(3, Config{}, gen, up, m, zap.NewNop())
	outcomes := pool.Run(context.Background(), makeTasks(5))
	require.Len(t, outcomes, 5)

	var ok, failed int
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			assert.Equal(t, "/in/b", o.Task.Local)
			continue
		}
		ok++
		assert.Equal(t, "https://cdn.example.com/"+o.Task.Key, o.URL)
		assert.Empty(t, o.Artifact)
	}
	assert.Equal(t, 4, ok)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 4, m.generated)
	assert.Equal(t, 1, m.failed)
	assert.LessOrEqual(t, m.maxInflt, 3)

	// uploaded artifacts are removed
	left, err := os.ReadDir(gen.dir)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPool_KeepArtifacts(t *testing.T) {
	gen := &fakeGenerator{dir: t.TempDir()}
	up := &fakeUploader{}

	pool := NewPool(2, Config{KeepArtifacts: true}, gen, up, nil, zap.NewNop())
	outcomes := pool.Run(context.Background(), makeTasks(2))
	require.Len(t, outcomes, 2)

	for _, o := range outcomes {
		require.NoError(t, o.Err)
		assert.FileExists(t, o.Artifact)
		assert.Equal(t, int64(len("jpeg-bytes")), o.Bytes)
	}
	assert.Empty(t, up.keys)
}

func TestPool_UploadFailureCleansUp(t *testing.T) {
	gen := &fakeGenerator{dir: t.TempDir()}
	pool := NewPool(1, Config{}, gen, &fakeUploader{fail: true}, nil, zap.NewNop())

	outcomes := pool.Run(context.Background(), makeTasks(1))
	require.Len(t, outcomes, 1)
	assert.ErrorContains(t, outcomes[0].Err, "upload")

	left, _ := os.ReadDir(gen.dir)
	assert.Empty(t, left)
}

func TestPool_CancelledContextStillReportsEveryTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := NewPool(2, Config{}, &fakeGenerator{dir: t.TempDir()}, &fakeUploader{}, nil, zap.NewNop())
	outcomes := pool.Run(ctx, makeTasks(4))
	require.Len(t, outcomes, 4)
	for _, o := range outcomes {
		assert.ErrorIs(t, o.Err, context.Canceled)
	}
}
