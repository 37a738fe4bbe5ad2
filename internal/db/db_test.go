package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = database.Conn().Exec(`
	CREATE TABLE options (name TEXT PRIMARY KEY, value BLOB NOT NULL, updated_at DATETIME NOT NULL);
	CREATE TABLE transients (name TEXT PRIMARY KEY, value TEXT NOT NULL, expires_at INTEGER NOT NULL);
	`)
	require.NoError(t, err)
	return database
}

func TestOptions_UpdateAndGet(t *testing.T) {
	ctx := context.Background()
	opts := NewOptions(openTestDB(t))

	_, ok, err := opts.Get(ctx, "queue")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, opts.Update(ctx, "queue", func(old []byte) ([]byte, error) {
		assert.Nil(t, old)
		return []byte("one"), nil
	}))
	require.NoError(t, opts.Update(ctx, "queue", func(old []byte) ([]byte, error) {
		return append(old, []byte(",two")...), nil
	}))

	value, ok, err := opts.Get(ctx, "queue")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "one,two", string(value))

	require.NoError(t, opts.Update(ctx, "queue", func([]byte) ([]byte, error) { return nil, nil }))
	_, ok, err = opts.Get(ctx, "queue")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOptions_UpdateErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	opts := NewOptions(openTestDB(t))
	require.NoError(t, opts.Update(ctx, "k", func([]byte) ([]byte, error) { return []byte("v1"), nil }))

	boom := errors.New("boom")
	err := opts.Update(ctx, "k", func([]byte) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	value, _, err := opts.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(value))
}

func TestTransients_Expiry(t *testing.T) {
	ctx := context.Background()
	tr := NewTransients(openTestDB(t))
	now := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return now }

	require.NoError(t, tr.Set(ctx, "probe", "1", time.Minute))
	value, ok, err := tr.Get(ctx, "probe")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", value)

	now = now.Add(2 * time.Minute)
	_, ok, err = tr.Get(ctx, "probe")
	require.NoError(t, err)
	assert.False(t, ok, "expired transient must read as a miss")

	require.NoError(t, tr.Delete(ctx, "probe"))
}

func TestTransients_DeleteValueOnlyForOwner(t *testing.T) {
	ctx := context.Background()
	tr := NewTransients(openTestDB(t))

	ok, err := tr.Add(ctx, "lock", "run-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	deleted, err := tr.DeleteValue(ctx, "lock", "run-2")
	require.NoError(t, err)
	assert.False(t, deleted)
	value, held, err := tr.Get(ctx, "lock")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "run-1", value)

	deleted, err = tr.DeleteValue(ctx, "lock", "run-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	_, held, err = tr.Get(ctx, "lock")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestTableExistsAndMissingTable(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	ok, err := database.TableExists(ctx, "options")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = database.TableExists(ctx, "proof_queue")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = database.Conn().Exec("INSERT INTO proof_queue (id) VALUES (1)")
	require.Error(t, err)
	assert.True(t, IsMissingTable(err))
	assert.False(t, IsBusy(err))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?,?,?", Placeholders(3))
}

func TestWriteAfterClose(t *testing.T) {
	database := openTestDB(t)
	require.NoError(t, database.Close())
	err := database.Write(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTransients_AddOnlyWhenAbsentOrExpired(t *testing.T) {
	ctx := context.Background()
	tr := NewTransients(openTestDB(t))
	now := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return now }

	added, err := tr.Add(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = tr.Add(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, added, "live value must not be replaced")

	now = now.Add(2 * time.Minute)
	added, err = tr.Add(ctx, "lock", "c", time.Minute)
	require.NoError(t, err)
	assert.True(t, added)

	value, ok, err := tr.Get(ctx, "lock")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c", value)
}
