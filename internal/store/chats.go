package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const chatColumns = `channel_id, kind, title, last_message_id, last_message_preview, last_message_sender, last_message_at, participants, updated_at`

// UpsertChat inserts or updates a channel summary. The last-message snapshot
// only moves forward in time.
func (db *DB) UpsertChat(ctx context.Context, c *Chat) error {
	return upsertChat(ctx, db.DB, c)
}

// ReplaceChats upserts a full remote snapshot in one transaction.
func (db *DB) ReplaceChats(ctx context.Context, chats []Chat) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range chats {
		if err := upsertChat(ctx, tx, &chats[i]); err != nil {
			return fmt.Errorf("upsert chat %q: %w", chats[i].ChannelID, err)
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertChat(ctx context.Context, x execer, c *Chat) error {
	now := nowMillis()
	_, err := x.ExecContext(ctx, `
		INSERT INTO chats (`+chatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			kind = CASE WHEN excluded.kind != '' THEN excluded.kind ELSE chats.kind END,
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE chats.title END,
			participants = CASE WHEN length(excluded.participants) > 0 THEN excluded.participants ELSE chats.participants END,
			last_message_id = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_id ELSE chats.last_message_id END,
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			last_message_sender = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_sender ELSE chats.last_message_sender END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.ChannelID, c.Kind, c.Title, c.LastMessageID, c.LastMessagePreview, c.LastMessageSender, c.LastMessageAt, c.Participants, now)
	return err
}

// ListChats returns every cached channel summary, newest activity first.
func (db *DB) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+chatColumns+` FROM chats ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ChannelID, &c.Kind, &c.Title, &c.LastMessageID, &c.LastMessagePreview, &c.LastMessageSender, &c.LastMessageAt, &c.Participants, &c.UpdatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single channel summary, or nil if not cached.
func (db *DB) GetChat(ctx context.Context, channelID string) (*Chat, error) {
	var c Chat
	err := db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE channel_id = ?`, channelID).
		Scan(&c.ChannelID, &c.Kind, &c.Title, &c.LastMessageID, &c.LastMessagePreview, &c.LastMessageSender, &c.LastMessageAt, &c.Participants, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
