package store

import "context"

// SetUnread stores the unread counter for a channel.
func (db *DB) SetUnread(ctx context.Context, channelID string, count int) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO unread (channel_id, count, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET count = excluded.count, updated_at = excluded.updated_at`,
		channelID, count, nowMillis())
	return err
}

// ListUnread returns every stored unread counter.
func (db *DB) ListUnread(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT channel_id, count FROM unread`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
