package api

import (
	"context"

	"github.com/matheus3301/parley/internal/cache"
	intsync "github.com/matheus3301/parley/internal/sync"
	"google.golang.org/protobuf/types/known/structpb"
)

// ChatService covers the chat list and per-channel preferences.
type ChatService struct {
	cache *cache.Cache
	sync  *intsync.Orchestrator
}

// NewChatService creates a new chat service.
func NewChatService(c *cache.Cache, o *intsync.Orchestrator) *ChatService {
	return &ChatService{cache: c, sync: o}
}

func (s *ChatService) LoadChatList(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := args(req)
	res, err := s.sync.LoadChatList(ctx, in.flag("force"), in.flag("include_archived"))
	if err != nil {
		return nil, errorStatus("load chat list", err)
	}
	list := make([]any, len(res.Summaries))
	for i, sum := range res.Summaries {
		list[i] = summaryFields(sum)
	}
	resp := map[string]any{
		"chats":      list,
		"stale":      res.Stale,
		"loaded":     res.Loaded,
		"loaded_at":  millis(res.LoadedAt),
		"refreshing": res.Refreshing,
	}
	if res.Err != nil {
		resp["error"] = res.Err.Error()
	}
	return object(resp)
}

func (s *ChatService) TogglePin(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.toggle(ctx, req, "toggle pin", func(ch string) (cache.Flags, error) {
		return s.cache.Prefs.TogglePin(ctx, ch)
	})
}

func (s *ChatService) ToggleArchive(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.toggle(ctx, req, "toggle archive", func(ch string) (cache.Flags, error) {
		return s.cache.Prefs.ToggleArchive(ctx, ch)
	})
}

// ToggleMute mutes until the optional until (unix ms), or unmutes.
func (s *ChatService) ToggleMute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	until := args(req).at("until")
	return s.toggle(ctx, req, "toggle mute", func(ch string) (cache.Flags, error) {
		return s.cache.Prefs.ToggleMute(ctx, ch, until)
	})
}

func (s *ChatService) toggle(_ context.Context, req *structpb.Struct, op string, fn func(string) (cache.Flags, error)) (*structpb.Struct, error) {
	in := args(req)
	if err := in.require("channel_id"); err != nil {
		return nil, err
	}
	f, err := fn(in.str("channel_id"))
	if err != nil {
		return nil, errorStatus(op, err)
	}
	resp := flagFields(f)
	resp["channel_id"] = in.str("channel_id")
	return object(resp)
}

func (s *ChatService) OpenChat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := args(req)
	if err := in.require("channel_id"); err != nil {
		return nil, err
	}
	if err := s.sync.OnChatOpened(ctx, in.str("channel_id")); err != nil {
		return nil, errorStatus("open chat", err)
	}
	return object(map[string]any{"channel_id": in.str("channel_id"), "unread": s.cache.Unread.Count(in.str("channel_id"))})
}

func (s *ChatService) CloseChat(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ch := args(req).str("channel_id")
	s.sync.OnChatClosed(ch)
	return object(map[string]any{"open_channel": s.sync.OpenChannel()})
}
