package api

import (
	"context"

	"github.com/google/uuid"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/cache"
	"github.com/matheus3301/parley/internal/netstate"
	"github.com/matheus3301/parley/internal/queue"
	"github.com/matheus3301/parley/internal/send"
	"github.com/matheus3301/parley/internal/status"
	intsync "github.com/matheus3301/parley/internal/sync"
	"github.com/matheus3301/parley/internal/trust"
	"google.golang.org/protobuf/types/known/structpb"
)

// SyncService runs delta syncs on demand and streams bus events.
type SyncService struct {
	sync    *intsync.Orchestrator
	bus     *bus.Bus
	profile string
}

// NewSyncService creates a new sync service.
func NewSyncService(o *intsync.Orchestrator, b *bus.Bus, profile string) *SyncService {
	return &SyncService{sync: o, bus: b, profile: profile}
}

// SyncNow runs a full delta sync and reports whether every step succeeded.
func (s *SyncService) SyncNow(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{"complete": true}
	if err := s.sync.SyncAll(ctx); err != nil {
		resp["complete"] = false
		resp["error"] = err.Error()
	}
	return object(resp)
}

// WatchEvents streams bus events until the client goes away. The optional
// namespace narrows the stream, e.g. "pending." or "cache.".
func (s *SyncService) WatchEvents(req *structpb.Struct, stream EventStream) error {
	ch, unsub := s.bus.Subscribe(args(req).str("namespace"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := object(map[string]any{
				"event_id":    uuid.NewString(),
				"profile":     s.profile,
				"kind":        string(evt.Kind),
				"occurred_at": evt.Timestamp.UnixMilli(),
				"payload":     eventPayload(evt.Payload),
			})
			if err != nil {
				return err
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// eventPayload flattens the known bus payloads.
func eventPayload(p any) map[string]any {
	switch v := p.(type) {
	case send.Change:
		return map[string]any{
			"message": pendingFields(v.Message),
			"from":    string(v.From),
			"removed": v.Removed,
		}
	case queue.Ref:
		return map[string]any{"id": v.ID, "kind": string(v.Kind)}
	case queue.Failed:
		return map[string]any{
			"id":        v.ID,
			"kind":      string(v.Kind),
			"error":     v.Error,
			"attempts":  v.Attempts,
			"permanent": v.Permanent,
		}
	case cache.ChannelEvent:
		return map[string]any{"channel_id": v.ChannelID}
	case cache.PreferenceChange:
		return map[string]any{"channel_id": v.ChannelID, "flags": flagFields(v.Flags)}
	case cache.UnreadChange:
		return map[string]any{"channel_id": v.ChannelID, "count": v.Count}
	case netstate.Transition:
		return map[string]any{"online": v.Online, "forced": v.Forced}
	case trust.Record:
		return map[string]any{"user_id": v.UserID, "verified_at": millis(v.VerifiedAt)}
	case intsync.Report:
		m := map[string]any{"channels": v.Channels, "complete": v.Err == nil}
		if v.Err != nil {
			m["error"] = v.Err.Error()
		}
		return m
	case status.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To), "detail": v.Detail}
	default:
		return map[string]any{}
	}
}
