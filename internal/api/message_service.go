package api

import (
	"context"
	"encoding/base64"

	"github.com/matheus3301/parley/internal/e2ee"
	"github.com/matheus3301/parley/internal/queue"
	"github.com/matheus3301/parley/internal/send"
	intsync "github.com/matheus3301/parley/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// MessageService covers sending and reading messages.
type MessageService struct {
	pipeline *send.Pipeline
	sync     *intsync.Orchestrator
	files    *e2ee.FileStore
	auth     Auth
}

// NewMessageService creates a new message service. files may be nil when
// no blob store is configured.
func NewMessageService(p *send.Pipeline, o *intsync.Orchestrator, files *e2ee.FileStore, a Auth) *MessageService {
	return &MessageService{pipeline: p, sync: o, files: files, auth: a}
}

func (s *MessageService) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := args(req)
	if err := in.require("channel_id", "content"); err != nil {
		return nil, err
	}
	res, err := s.pipeline.SendMessage(ctx, in.str("channel_id"), in.str("content"), in.attachments())
	if err != nil {
		return nil, errorStatus("send", err)
	}
	return object(resultFields(res))
}

func (s *MessageService) SendEncryptedMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := args(req)
	if err := in.require("channel_id", "recipient_id", "content"); err != nil {
		return nil, err
	}
	res, err := s.pipeline.SendEncryptedMessage(ctx, in.str("channel_id"), in.str("recipient_id"), in.str("content"), in.attachments())
	if err != nil {
		return nil, errorStatus("send encrypted", err)
	}
	return object(resultFields(res))
}

func (s *MessageService) SendGroupMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := args(req)
	if err := in.require("channel_id", "content"); err != nil {
		return nil, err
	}
	res, err := s.pipeline.SendGroupMessage(ctx, in.str("channel_id"), in.str("content"), in.attachments())
	if err != nil {
		return nil, errorStatus("send group", err)
	}
	return object(resultFields(res))
}

func (s *MessageService) AddReaction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := args(req)
	if err := in.require("message_id", "emoji"); err != nil {
		return nil, err
	}
	res, err := s.pipeline.AddReaction(ctx, in.str("message_id"), in.str("emoji"))
	if err != nil {
		return nil, errorStatus("add reaction", err)
	}
	return object(resultFields(res))
}

func (s *MessageService) RemoveReaction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := args(req)
	if err := in.require("message_id", "emoji"); err != nil {
		return nil, err
	}
	res, err := s.pipeline.RemoveReaction(ctx, in.str("message_id"), in.str("emoji"))
	if err != nil {
		return nil, errorStatus("remove reaction", err)
	}
	return object(resultFields(res))
}

func (s *MessageService) RetryMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := args(req)
	if err := in.require("id"); err != nil {
		return nil, err
	}
	res, err := s.pipeline.RetryMessage(ctx, in.str("id"))
	if err != nil {
		return nil, errorStatus("retry", err)
	}
	return object(resultFields(res))
}

func (s *MessageService) CancelMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := args(req)
	if err := in.require("id"); err != nil {
		return nil, err
	}
	if err := s.pipeline.CancelMessage(ctx, in.str("id")); err != nil {
		return nil, errorStatus("cancel", err)
	}
	return object(map[string]any{"id": in.str("id"), "cancelled": true})
}

// ListPending returns the pending messages of channel_id, or of every
// channel when it is empty.
func (s *MessageService) ListPending(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pending := s.pipeline.GetPendingMessages(args(req).str("channel_id"))
	list := make([]any, len(pending))
	for i, p := range pending {
		list[i] = pendingFields(p)
	}
	return object(map[string]any{"messages": list})
}

func (s *MessageService) LoadMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := args(req)
	if err := in.require("channel_id"); err != nil {
		return nil, err
	}
	limit := in.num("limit")
	res, err := s.sync.LoadMessages(ctx, in.str("channel_id"), in.at("before"), limit)
	if err != nil {
		return nil, errorStatus("load messages", err)
	}
	list := make([]any, len(res.Messages))
	for i, m := range res.Messages {
		list[i] = messageFields(m)
	}
	resp := map[string]any{
		"messages":   list,
		"stale":      res.Stale,
		"refreshing": res.Refreshing,
	}
	if res.Err != nil {
		resp["error"] = res.Err.Error()
	}
	return object(resp)
}

// UploadAttachment encrypts base64 data for recipient_id and stores it. The
// returned attachment is passed to SendEncryptedMessage.
func (s *MessageService) UploadAttachment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.files == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "no blob store configured")
	}
	in := args(req)
	if err := in.require("recipient_id", "name", "data"); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(in.str("data"))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "data: %v", err)
	}
	sess, err := s.auth.Current()
	if err != nil {
		return nil, errorStatus("upload", err)
	}
	b, err := s.files.UploadEncryptedFile(ctx, data, in.str("name"), in.str("mime_type"), sess.UserID, in.str("recipient_id"))
	if err != nil {
		return nil, errorStatus("upload", err)
	}
	return object(attachmentFields(queue.Attachment{
		URL:             b.Locator,
		Name:            b.Name,
		MimeType:        b.MimeType,
		Size:            b.Size,
		Mode:            string(b.Mode),
		WrappedKey:      b.WrappedKey,
		KeyNonce:        b.KeyNonce,
		SenderPublicKey: b.SenderPublicKey,
	}))
}

// DownloadAttachment fetches and decrypts a direct attachment.
func (s *MessageService) DownloadAttachment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.files == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "no blob store configured")
	}
	in := args(req)
	if err := in.require("url", "wrapped_key", "key_nonce", "sender_public_key"); err != nil {
		return nil, err
	}
	data, err := s.files.DownloadAndDecryptFile(ctx, &e2ee.FileBundle{
		Mode:            e2ee.ModeDirect,
		Locator:         in.str("url"),
		WrappedKey:      in.str("wrapped_key"),
		KeyNonce:        in.str("key_nonce"),
		SenderPublicKey: in.str("sender_public_key"),
	})
	if err != nil {
		return nil, errorStatus("download", err)
	}
	return object(map[string]any{"data": base64.StdEncoding.EncodeToString(data), "size": len(data)})
}
