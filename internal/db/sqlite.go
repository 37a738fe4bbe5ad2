package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned once the database has been closed
var ErrClosed = errors.New("database store is closed")

// DB wraps the sqlite connection shared by the queue, catalog and caches
type DB struct {
	conn    *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
}

// Open opens (creating if needed) the sqlite database at path
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Configure SQLite for concurrent access
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(10 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Conn exposes the underlying connection pool
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Write serializes a write operation and retries it while SQLite is busy
func (d *DB) Write(ctx context.Context, operation func(ctx context.Context) error) error {
	if d.closed.Load() {
		return ErrClosed
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	return RetryOnBusy(ctx, func() error {
		return operation(ctx)
	})
}

// Tx runs fn inside a serialized write transaction
func (d *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return d.Write(ctx, func(ctx context.Context) error {
		tx, err := d.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback() // This will be ignored if Commit() succeeds

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Close closes the database connection
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.conn.Close()
}

// RetryOnBusy retries the operation if SQLite is busy
func RetryOnBusy(ctx context.Context, operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !IsBusy(err) {
			return err
		}

		// Wait with exponential backoff + jitter
		delay := baseDelay*time.Duration(1<<uint(attempt)) + time.Duration(attempt*10)*time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return err
}

// IsBusy checks if the error is a SQLite busy error
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// IsMissingTable reports whether err says a table does not exist
func IsMissingTable(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "no such table")
}

// TableExists probes sqlite_master for a table
func (d *DB) TableExists(ctx context.Context, name string) (bool, error) {
	var found string
	err := d.conn.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return found == name, nil
}

// Placeholders returns "?,?,?" for n values
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
