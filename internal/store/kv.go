package store

import (
	"context"
	"database/sql"
	"errors"
)

// GetKV returns the raw value for key, or nil if absent.
func (db *DB) GetKV(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// SetKV writes key.
func (db *DB) SetKV(ctx context.Context, key string, value []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowMillis())
	return err
}

// DeleteKV removes key.
func (db *DB) DeleteKV(ctx context.Context, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}
