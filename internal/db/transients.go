package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Transients stores short-lived values with an expiry, checked on read
type Transients struct {
	db  *DB
	now func() time.Time
}

// NewTransients creates a transient store on top of db
func NewTransients(db *DB) *Transients {
	return &Transients{db: db, now: time.Now}
}

// Get returns a non-expired value
func (t *Transients) Get(ctx context.Context, name string) (string, bool, error) {
	var value string
	var expiresAt int64
	err := t.db.conn.QueryRowContext(ctx,
		"SELECT value, expires_at FROM transients WHERE name = ?", name,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read transient %s: %w", name, err)
	}
	if t.now().Unix() >= expiresAt {
		return "", false, nil
	}
	return value, true, nil
}

// Set stores value under name for ttl
func (t *Transients) Set(ctx context.Context, name, value string, ttl time.Duration) error {
	expiresAt := t.now().Add(ttl).Unix()
	return t.db.Write(ctx, func(ctx context.Context) error {
		_, err := t.db.conn.ExecContext(ctx, `
		INSERT INTO transients (name, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
			name, value, expiresAt,
		)
		return err
	})
}

// Delete removes name
func (t *Transients) Delete(ctx context.Context, name string) error {
	return t.db.Write(ctx, func(ctx context.Context) error {
		_, err := t.db.conn.ExecContext(ctx, "DELETE FROM transients WHERE name = ?", name)
		return err
	})
}

// DeleteValue removes name only while it still holds value, reporting
// whether it did. Lock owners release with it so an expired lock that was
// taken over is left to its new owner.
func (t *Transients) DeleteValue(ctx context.Context, name, value string) (bool, error) {
	var deleted bool
	err := t.db.Write(ctx, func(ctx context.Context) error {
		res, err := t.db.conn.ExecContext(ctx, "DELETE FROM transients WHERE name = ? AND value = ?", name, value)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete transient %s: %w", name, err)
	}
	return deleted, nil
}

// Add stores value under name only when no live value exists, reporting
// whether it did. It is the building block for cross-process locks.
func (t *Transients) Add(ctx context.Context, name, value string, ttl time.Duration) (bool, error) {
	now := t.now()
	var added bool
	err := t.db.Write(ctx, func(ctx context.Context) error {
		res, err := t.db.conn.ExecContext(ctx, `
		INSERT INTO transients (name, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		WHERE transients.expires_at <= ?`,
			name, value, now.Add(ttl).Unix(), now.Unix(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		added = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to add transient %s: %w", name, err)
	}
	return added, nil
}
