// Package queue is the durable offline action log. Actions survive restarts
// in the local database and are retried with backoff until they succeed,
// exhaust their attempts or are cancelled.
package queue

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind discriminates action payloads.
type Kind string

const (
	KindSendDirectMessage Kind = "send_direct_message"
	KindSendGroupMessage  Kind = "send_group_message"
	KindAddReaction       Kind = "add_reaction"
	KindRemoveReaction    Kind = "remove_reaction"
)

// Status of a stored action.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
)

// Payload is one of SendDirectMessage, SendGroupMessage, AddReaction or
// RemoveReaction.
type Payload interface {
	Kind() Kind
	// OrderKey groups actions that must run in enqueue order.
	OrderKey() string
}

// Envelope carries the ciphertext of an encrypted direct message.
type Envelope struct {
	Ciphertext      []byte `msgpack:"ct"`
	Nonce           []byte `msgpack:"nonce"`
	SenderPublicKey string `msgpack:"spk"`
}

// Attachment references an uploaded file. Encrypted files carry the wrapped
// key fields.
type Attachment struct {
	URL             string `msgpack:"url"`
	Name            string `msgpack:"name"`
	MimeType        string `msgpack:"mime_type"`
	Size            int    `msgpack:"size"`
	Mode            string `msgpack:"mode,omitempty"`
	WrappedKey      string `msgpack:"wrapped_key,omitempty"`
	KeyNonce        string `msgpack:"key_nonce,omitempty"`
	SenderPublicKey string `msgpack:"spk,omitempty"`
}

// SendDirectMessage delivers a message to a direct channel.
type SendDirectMessage struct {
	ChannelID   string       `msgpack:"channel_id"`
	SenderID    string       `msgpack:"sender_id"`
	SenderName  string       `msgpack:"sender_name"`
	RecipientID string       `msgpack:"recipient_id"`
	Content     string       `msgpack:"content"`
	CreatedAt   int64        `msgpack:"created_at"`
	Attachments []Attachment `msgpack:"attachments,omitempty"`
	Encrypted   *Envelope    `msgpack:"encrypted,omitempty"`
}

// SendGroupMessage delivers a message to a group channel.
type SendGroupMessage struct {
	ChannelID   string       `msgpack:"channel_id"`
	GroupID     string       `msgpack:"group_id"`
	SenderID    string       `msgpack:"sender_id"`
	SenderName  string       `msgpack:"sender_name"`
	Content     string       `msgpack:"content"`
	CreatedAt   int64        `msgpack:"created_at"`
	Attachments []Attachment `msgpack:"attachments,omitempty"`
}

// AddReaction adds an emoji reaction to a message.
type AddReaction struct {
	MessageID string `msgpack:"message_id"`
	UserID    string `msgpack:"user_id"`
	Emoji     string `msgpack:"emoji"`
}

// RemoveReaction removes an emoji reaction.
type RemoveReaction struct {
	MessageID string `msgpack:"message_id"`
	UserID    string `msgpack:"user_id"`
	Emoji     string `msgpack:"emoji"`
}

func (SendDirectMessage) Kind() Kind { return KindSendDirectMessage }
func (SendGroupMessage) Kind() Kind  { return KindSendGroupMessage }
func (AddReaction) Kind() Kind       { return KindAddReaction }
func (RemoveReaction) Kind() Kind    { return KindRemoveReaction }

func (p SendDirectMessage) OrderKey() string { return "channel:" + p.ChannelID }
func (p SendGroupMessage) OrderKey() string  { return "channel:" + p.ChannelID }
func (p AddReaction) OrderKey() string       { return "reaction:" + p.MessageID }
func (p RemoveReaction) OrderKey() string    { return "reaction:" + p.MessageID }

// Action is a queued unit of work. For sends, ID equals the pending message
// id it came from.
type Action struct {
	ID            string
	Payload       Payload
	CreatedAt     time.Time
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

// Kind returns the payload kind.
func (a Action) Kind() Kind {
	if a.Payload == nil {
		return ""
	}
	return a.Payload.Kind()
}

// Encode serializes a payload for storage.
func Encode(p Payload) ([]byte, error) {
	return msgpack.Marshal(p)
}

// Decode parses a stored payload of the given kind.
func Decode(kind Kind, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindSendDirectMessage:
		var v SendDirectMessage
		err = msgpack.Unmarshal(data, &v)
		p = v
	case KindSendGroupMessage:
		var v SendGroupMessage
		err = msgpack.Unmarshal(data, &v)
		p = v
	case KindAddReaction:
		var v AddReaction
		err = msgpack.Unmarshal(data, &v)
		p = v
	case KindRemoveReaction:
		var v RemoveReaction
		err = msgpack.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return p, nil
}
