package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Options is a name/value blob store, the home of serialized legacy values
type Options struct {
	db *DB
}

// NewOptions creates an options store on top of db
func NewOptions(db *DB) *Options {
	return &Options{db: db}
}

// Get returns the raw value stored under name
func (o *Options) Get(ctx context.Context, name string) ([]byte, bool, error) {
	var value []byte
	err := o.db.conn.QueryRowContext(ctx, "SELECT value FROM options WHERE name = ?", name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read option %s: %w", name, err)
	}
	return value, true, nil
}

// Update atomically replaces the value under name with fn(old).
// Returning a nil slice from fn deletes the option.
func (o *Options) Update(ctx context.Context, name string, fn func(old []byte) ([]byte, error)) error {
	return o.db.Tx(ctx, func(tx *sql.Tx) error {
		var old []byte
		err := tx.QueryRowContext(ctx, "SELECT value FROM options WHERE name = ?", name).Scan(&old)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read option %s: %w", name, err)
		}

		next, err := fn(old)
		if err != nil {
			return err
		}

		if next == nil {
			_, err = tx.ExecContext(ctx, "DELETE FROM options WHERE name = ?", name)
			return err
		}

		_, err = tx.ExecContext(ctx, `
		INSERT INTO options (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			name, next, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to write option %s: %w", name, err)
		}
		return nil
	})
}
