package store

import (
	"context"
	"database/sql"
	"errors"
)

// Cursor returns the high-water mark for a channel, 0 if none.
func (db *DB) Cursor(ctx context.Context, channelID string) (int64, error) {
	var c int64
	err := db.QueryRowContext(ctx, `SELECT cursor FROM sync_cursors WHERE channel_id = ?`, channelID).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return c, err
}

// AdvanceCursor moves a channel's cursor forward. Older values are ignored,
// so the cursor never regresses.
func (db *DB) AdvanceCursor(ctx context.Context, channelID string, ts int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_cursors (channel_id, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			cursor = MAX(sync_cursors.cursor, excluded.cursor),
			updated_at = excluded.updated_at`,
		channelID, ts, nowMillis())
	return err
}

// CursorChannels lists every channel that has a cursor.
func (db *DB) CursorChannels(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT channel_id FROM sync_cursors ORDER BY channel_id`)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// HistoryChannels lists every channel with a cursor or a cached message.
func (db *DB) HistoryChannels(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT channel_id FROM sync_cursors
		UNION
		SELECT channel_id FROM messages
		ORDER BY channel_id`)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetState updates a sync checkpoint value.
func (db *DB) SetState(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowMillis())
	return err
}

// State retrieves a sync checkpoint value, "" if unset.
func (db *DB) State(ctx context.Context, key string) (string, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}
