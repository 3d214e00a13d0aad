package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertMessages stores a batch of messages for one or more channels
// (idempotent on channel_id + msg_id).
func (db *DB) UpsertMessages(ctx context.Context, msgs []Message) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (channel_id, msg_id, sender_id, sender_name, content, is_encrypted, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(channel_id, msg_id) DO UPDATE SET
				sender_name = excluded.sender_name,
				content = excluded.content,
				is_encrypted = excluded.is_encrypted`,
			m.ChannelID, m.MsgID, m.SenderID, m.SenderName, m.Content, m.IsEncrypted, m.CreatedAt); err != nil {
			return fmt.Errorf("upsert message %q: %w", m.MsgID, err)
		}
	}
	return tx.Commit()
}

// CountMessagesAt returns how many cached messages of a channel carry
// exactly the timestamp ts.
func (db *DB) CountMessagesAt(ctx context.Context, channelID string, ts int64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE channel_id = ? AND created_at = ?`, channelID, ts).Scan(&n)
	return n, err
}

// ListMessages returns messages for a channel using keyset pagination by
// timestamp, newest first.
func (db *DB) ListMessages(ctx context.Context, channelID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT channel_id, msg_id, sender_id, sender_name, content, is_encrypted, created_at
		FROM messages
		WHERE channel_id = ? AND created_at < ?
		ORDER BY created_at DESC, msg_id DESC
		LIMIT ?`, channelID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ChannelID, &m.MsgID, &m.SenderID, &m.SenderName, &m.Content, &m.IsEncrypted, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
