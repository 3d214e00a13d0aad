package send

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/parley/internal/queue"
	"github.com/matheus3301/parley/internal/remote"
)

// Remote tables written by sends.
const (
	MessagesTable      = "messages"
	GroupMessagesTable = "group_messages"
	ReactionsTable     = "message_reactions"
)

// Executor delivers queued actions to the remote rows. Message rows are
// keyed by the action id, so a redelivery after a crash overwrites instead
// of duplicating. Actions queued by another user than the signed-in one are
// deferred until that user signs back in.
type Executor struct {
	rows  remote.Rows
	ident Identity
	now   func() time.Time
}

// NewExecutor returns an executor writing to rows. A nil ident runs every
// action regardless of who queued it.
func NewExecutor(rows remote.Rows, ident Identity) *Executor {
	return &Executor{rows: rows, ident: ident, now: time.Now}
}

// Execute implements queue.Executor.
func (e *Executor) Execute(ctx context.Context, a queue.Action) error {
	if e.ident != nil {
		owner := actor(a.Payload)
		sess, err := e.ident.Current()
		if err != nil {
			return fmt.Errorf("%w: %s: %w", queue.ErrDeferred, a.ID, err)
		}
		if owner != "" && owner != sess.UserID {
			return fmt.Errorf("%w: %s was queued by user %s", queue.ErrDeferred, a.ID, owner)
		}
	}
	return execute(ctx, e.rows, a.ID, a.Payload, e.now())
}

// actor returns the user an action acts as.
func actor(p queue.Payload) string {
	switch pl := p.(type) {
	case queue.SendDirectMessage:
		return pl.SenderID
	case queue.SendGroupMessage:
		return pl.SenderID
	case queue.AddReaction:
		return pl.UserID
	case queue.RemoveReaction:
		return pl.UserID
	}
	return ""
}

func execute(ctx context.Context, rows remote.Rows, id string, payload queue.Payload, now time.Time) error {
	switch pl := payload.(type) {
	case queue.SendDirectMessage:
		if pl.ChannelID == "" || pl.RecipientID == "" {
			return fmt.Errorf("%w: direct message %s has no channel or recipient", queue.ErrPermanent, id)
		}
		return rows.Upsert(ctx, MessagesTable, directRow(id, pl), "id")
	case queue.SendGroupMessage:
		if pl.ChannelID == "" || pl.GroupID == "" {
			return fmt.Errorf("%w: group message %s has no channel or group", queue.ErrPermanent, id)
		}
		return rows.Upsert(ctx, GroupMessagesTable, groupRow(id, pl), "id")
	case queue.AddReaction:
		return rows.Upsert(ctx, ReactionsTable, remote.Row{
			"message_id": pl.MessageID,
			"user_id":    pl.UserID,
			"emoji":      pl.Emoji,
			"created_at": now.UnixMilli(),
		}, "message_id", "user_id", "emoji")
	case queue.RemoveReaction:
		_, err := rows.Delete(ctx, ReactionsTable,
			remote.Eq("message_id", pl.MessageID),
			remote.Eq("user_id", pl.UserID),
			remote.Eq("emoji", pl.Emoji))
		if errors.Is(err, remote.ErrNotFound) {
			return nil
		}
		return err
	case nil:
		return fmt.Errorf("%w: action %s has no payload", queue.ErrPermanent, id)
	default:
		return fmt.Errorf("%w: unsupported action %s", queue.ErrPermanent, payload.Kind())
	}
}

func directRow(id string, pl queue.SendDirectMessage) remote.Row {
	row := remote.Row{
		"id":           id,
		"channel_id":   pl.ChannelID,
		"sender_id":    pl.SenderID,
		"sender_name":  pl.SenderName,
		"recipient_id": pl.RecipientID,
		"content":      pl.Content,
		"is_encrypted": false,
		"created_at":   pl.CreatedAt,
	}
	if env := pl.Encrypted; env != nil {
		// The plaintext never leaves the device for encrypted messages.
		row["content"] = ""
		row["is_encrypted"] = true
		row["ciphertext"] = base64.StdEncoding.EncodeToString(env.Ciphertext)
		row["nonce"] = base64.StdEncoding.EncodeToString(env.Nonce)
		row["sender_public_key"] = env.SenderPublicKey
	}
	if len(pl.Attachments) > 0 {
		row["attachments"] = attachmentRows(pl.Attachments)
	}
	return row
}

func groupRow(id string, pl queue.SendGroupMessage) remote.Row {
	row := remote.Row{
		"id":          id,
		"channel_id":  pl.ChannelID,
		"group_id":    pl.GroupID,
		"sender_id":   pl.SenderID,
		"sender_name": pl.SenderName,
		"content":     pl.Content,
		"created_at":  pl.CreatedAt,
	}
	if len(pl.Attachments) > 0 {
		row["attachments"] = attachmentRows(pl.Attachments)
	}
	return row
}

func attachmentRows(atts []queue.Attachment) []map[string]any {
	out := make([]map[string]any, len(atts))
	for i, a := range atts {
		m := map[string]any{
			"url":       a.URL,
			"name":      a.Name,
			"mime_type": a.MimeType,
			"size":      a.Size,
		}
		if a.WrappedKey != "" {
			m["mode"] = a.Mode
			m["wrapped_key"] = a.WrappedKey
			m["key_nonce"] = a.KeyNonce
			m["sender_public_key"] = a.SenderPublicKey
		}
		out[i] = m
	}
	return out
}

func directPayload(m PendingMessage) queue.SendDirectMessage {
	pl := queue.SendDirectMessage{
		ChannelID:   m.ChannelID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt.UnixMilli(),
		Attachments: m.Attachments,
	}
	if m.Envelope != nil {
		pl.Encrypted = &queue.Envelope{
			Ciphertext:      m.Envelope.Ciphertext,
			Nonce:           m.Envelope.Nonce,
			SenderPublicKey: m.Envelope.SenderPublicKey,
		}
	}
	return pl
}

func groupPayload(m PendingMessage) queue.SendGroupMessage {
	return queue.SendGroupMessage{
		ChannelID:   m.ChannelID,
		GroupID:     m.GroupID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt.UnixMilli(),
		Attachments: m.Attachments,
	}
}
