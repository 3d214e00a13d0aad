package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/parley/internal/auth"
	"github.com/matheus3301/parley/internal/cache"
	"github.com/matheus3301/parley/internal/channel"
	"github.com/matheus3301/parley/internal/cryptobox"
	"github.com/matheus3301/parley/internal/e2ee"
	"github.com/matheus3301/parley/internal/queue"
	"github.com/matheus3301/parley/internal/remote"
	"github.com/matheus3301/parley/internal/send"
	"github.com/matheus3301/parley/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// fields wraps a request struct with typed accessors.
type fields struct {
	m map[string]*structpb.Value
}

func args(in *structpb.Struct) fields {
	return fields{m: in.GetFields()}
}

func (f fields) str(key string) string {
	return f.m[key].GetStringValue()
}

func (f fields) num(key string) int {
	return int(f.m[key].GetNumberValue())
}

func (f fields) flag(key string) bool {
	return f.m[key].GetBoolValue()
}

// at reads a unix millisecond number.
func (f fields) at(key string) time.Time {
	ms := int64(f.m[key].GetNumberValue())
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// require returns InvalidArgument naming the first missing key.
func (f fields) require(keys ...string) error {
	for _, k := range keys {
		if f.str(k) == "" {
			return grpcstatus.Errorf(codes.InvalidArgument, "%s is required", k)
		}
	}
	return nil
}

func (f fields) attachments() []queue.Attachment {
	list := f.m["attachments"].GetListValue().GetValues()
	if len(list) == 0 {
		return nil
	}
	out := make([]queue.Attachment, 0, len(list))
	for _, v := range list {
		a := fields{m: v.GetStructValue().GetFields()}
		out = append(out, queue.Attachment{
			URL:             a.str("url"),
			Name:            a.str("name"),
			MimeType:        a.str("mime_type"),
			Size:            a.num("size"),
			Mode:            a.str("mode"),
			WrappedKey:      a.str("wrapped_key"),
			KeyNonce:        a.str("key_nonce"),
			SenderPublicKey: a.str("sender_public_key"),
		})
	}
	return out
}

// object builds a response struct. Values must be structpb compatible.
func object(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func anyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func resultFields(r send.Result) map[string]any {
	m := map[string]any{
		"outcome": string(r.Outcome),
		"id":      r.ID,
	}
	if r.Message != nil {
		m["message"] = pendingFields(*r.Message)
	}
	return m
}

func pendingFields(p send.PendingMessage) map[string]any {
	m := map[string]any{
		"id":           p.ID,
		"channel_id":   p.ChannelID,
		"sender_id":    p.SenderID,
		"content":      p.Content,
		"created_at":   millis(p.CreatedAt),
		"state":        string(p.State),
		"is_encrypted": p.IsEncrypted,
	}
	if p.ErrorKind != "" {
		m["error_kind"] = string(p.ErrorKind)
		m["error"] = p.LastError
	}
	if len(p.Attachments) > 0 {
		list := make([]any, len(p.Attachments))
		for i, a := range p.Attachments {
			list[i] = attachmentFields(a)
		}
		m["attachments"] = list
	}
	return m
}

func attachmentFields(a queue.Attachment) map[string]any {
	m := map[string]any{"url": a.URL, "name": a.Name, "mime_type": a.MimeType, "size": a.Size}
	if a.Mode != "" {
		m["mode"] = a.Mode
		m["wrapped_key"] = a.WrappedKey
		m["key_nonce"] = a.KeyNonce
		m["sender_public_key"] = a.SenderPublicKey
	}
	return m
}

func messageFields(m store.Message) map[string]any {
	return map[string]any{
		"id":           m.MsgID,
		"channel_id":   m.ChannelID,
		"sender_id":    m.SenderID,
		"sender_name":  m.SenderName,
		"content":      m.Content,
		"is_encrypted": m.IsEncrypted,
		"created_at":   m.CreatedAt,
	}
}

func flagFields(f cache.Flags) map[string]any {
	return map[string]any{
		"pinned":      f.Pinned,
		"archived":    f.Archived,
		"muted":       f.Muted,
		"muted_until": millis(f.MutedUntil),
	}
}

func summaryFields(s cache.ChannelSummary) map[string]any {
	m := map[string]any{
		"channel_id":   s.ChannelID,
		"kind":         s.Kind,
		"title":        s.Title,
		"participants": anyList(s.Participants),
		"flags":        flagFields(s.Flags),
		"muted":        s.Muted,
		"unread":       s.Unread,
	}
	if lm := s.LastMessage; lm != nil {
		m["last_message"] = map[string]any{
			"id":        lm.ID,
			"preview":   lm.Preview,
			"sender_id": lm.SenderID,
			"at":        millis(lm.At),
		}
	}
	return m
}

// errorStatus maps domain errors to gRPC status codes.
func errorStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, channel.ErrInvalid):
		code = codes.InvalidArgument
	case errors.Is(err, send.ErrUnknownMessage),
		errors.Is(err, queue.ErrNotFound),
		errors.Is(err, remote.ErrNotFound),
		errors.Is(err, cryptobox.ErrNoPublicKey),
		errors.Is(err, e2ee.ErrLocatorNotFound):
		code = codes.NotFound
	case errors.Is(err, auth.ErrNotAuthenticated),
		errors.Is(err, remote.ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, queue.ErrInFlight),
		errors.Is(err, send.ErrCancelled),
		errors.Is(err, cryptobox.ErrNoKeyPair),
		errors.Is(err, e2ee.ErrNoKeyMaterial):
		code = codes.FailedPrecondition
	case errors.Is(err, e2ee.ErrCrypto):
		code = codes.DataLoss
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Error(code, fmt.Sprintf("%s: %v", op, err))
}
