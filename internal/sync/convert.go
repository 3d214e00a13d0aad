package sync

import (
	"context"
	"slices"
	"time"

	"github.com/matheus3301/parley/internal/cache"
	"github.com/matheus3301/parley/internal/channel"
	"github.com/matheus3301/parley/internal/cryptobox"
	"github.com/matheus3301/parley/internal/e2ee"
	"github.com/matheus3301/parley/internal/remote"
	"github.com/matheus3301/parley/internal/store"
	"go.uber.org/zap"
)

// Remote tables read by the orchestrator.
const (
	ChannelsTable      = "channels"
	MessagesTable      = "messages"
	GroupMessagesTable = "group_messages"
	ReadStateTable     = "chat_read_state"
)

// messageTable returns the remote table holding channelID's messages.
func messageTable(channelID string) string {
	if ref, err := channel.Parse(channelID); err == nil && ref.Kind != channel.Direct {
		return GroupMessagesTable
	}
	return MessagesTable
}

func chatFromRow(r remote.Row) cache.Chat {
	c := cache.Chat{
		ChannelID:    r.Text("id"),
		Kind:         r.Text("kind"),
		Title:        r.Text("title"),
		Participants: r.Strings("participants"),
	}
	if at := r.Int64("last_message_at"); at > 0 {
		c.LastMessage = &cache.LastMessage{
			ID:       r.Text("last_message_id"),
			Preview:  r.Text("last_message"),
			SenderID: r.Text("last_message_sender"),
			At:       time.UnixMilli(at),
		}
	}
	return c
}

// member reports whether userID may see the channel described by c.
func member(c cache.Chat, userID string) bool {
	if ref, err := channel.Parse(c.ChannelID); err == nil && ref.Kind == channel.Direct {
		return ref.Peer(userID) != ""
	}
	return len(c.Participants) == 0 || slices.Contains(c.Participants, userID)
}

// messageFromRow converts a messages or group_messages row. Encrypted
// direct messages are opened when a decrypter is available; otherwise the
// content stays empty.
func (o *Orchestrator) messageFromRow(ctx context.Context, r remote.Row) store.Message {
	m := store.Message{
		ChannelID:   r.Text("channel_id"),
		MsgID:       r.Text("id"),
		SenderID:    r.Text("sender_id"),
		SenderName:  r.Text("sender_name"),
		Content:     r.Text("content"),
		IsEncrypted: r.Bool("is_encrypted"),
		CreatedAt:   r.Int64("created_at"),
	}
	if m.IsEncrypted && o.decrypter != nil {
		if plain, err := o.decrypt(ctx, r); err != nil {
			o.log.Warn("cannot decrypt message", zap.String("id", m.MsgID), zap.Error(err))
		} else {
			m.Content = plain
		}
	}
	return m
}

func (o *Orchestrator) decrypt(ctx context.Context, r remote.Row) (string, error) {
	// Box keys are symmetric between the two parties, so our own messages
	// open with the recipient's public key.
	peerKey, err := cryptobox.ParsePublicKey(r.Text("sender_public_key"))
	if err != nil {
		return "", err
	}
	if sess, err := o.ident.Current(); err == nil && r.Text("sender_id") == sess.UserID && o.keys != nil {
		if peerKey, err = o.keys.FetchUserPublicKey(ctx, r.Text("recipient_id")); err != nil {
			return "", err
		}
	}
	ct, err := r.Bytes("ciphertext")
	if err != nil {
		return "", err
	}
	nonce, err := r.Bytes("nonce")
	if err != nil {
		return "", err
	}
	return o.decrypter.DecryptDirect(ctx, &e2ee.Payload{
		Mode:            e2ee.ModeDirect,
		Ciphertext:      ct,
		Nonce:           nonce,
		SenderPublicKey: peerKey,
	})
}
