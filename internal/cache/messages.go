package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/store"
	"go.uber.org/zap"
)

// DefaultPageSize is used when a page request has no limit.
const DefaultPageSize = 50

// Messages is the per-channel history with a sync cursor.
type Messages struct {
	db  *store.DB
	bus *bus.Bus
	log *zap.Logger
}

func newMessages(db *store.DB, b *bus.Bus, log *zap.Logger) *Messages {
	return &Messages{db: db, bus: b, log: log}
}

// Page returns up to limit messages of channelID older than before, newest
// first. A zero before starts from the latest message.
func (m *Messages) Page(ctx context.Context, channelID string, before time.Time, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	var beforeMs int64
	if !before.IsZero() {
		beforeMs = before.UnixMilli()
	}
	return m.db.ListMessages(ctx, channelID, beforeMs, limit)
}

// Put stores msgs fetched in order from the remote (duplicates collapse on
// message id) and advances each channel's cursor to the newest stored
// timestamp.
func (m *Messages) Put(ctx context.Context, msgs []store.Message) error {
	return m.put(ctx, msgs, true)
}

// Insert stores msgs that arrived out of band, such as realtime inserts. The
// cursor is left alone so the next sync still fetches anything older.
func (m *Messages) Insert(ctx context.Context, msgs []store.Message) error {
	return m.put(ctx, msgs, false)
}

func (m *Messages) put(ctx context.Context, msgs []store.Message, advance bool) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := m.db.UpsertMessages(ctx, msgs); err != nil {
		return err
	}
	newest := make(map[string]int64)
	for _, msg := range msgs {
		if ts, ok := newest[msg.ChannelID]; !ok || msg.CreatedAt > ts {
			newest[msg.ChannelID] = msg.CreatedAt
		}
	}
	for ch, ts := range newest {
		if advance {
			if err := m.db.AdvanceCursor(ctx, ch, ts); err != nil {
				return fmt.Errorf("advance cursor %s: %w", ch, err)
			}
		}
		publish(m.bus, bus.CacheMessage, ChannelEvent{ChannelID: ch})
	}
	m.log.Debug("messages cached", zap.Int("count", len(msgs)), zap.Int("channels", len(newest)), zap.Bool("cursor", advance))
	return nil
}

// CountAt returns how many cached messages of channelID carry exactly ts.
func (m *Messages) CountAt(ctx context.Context, channelID string, ts int64) (int, error) {
	return m.db.CountMessagesAt(ctx, channelID, ts)
}

// Cursor returns the newest cached timestamp (unix ms) of channelID.
func (m *Messages) Cursor(ctx context.Context, channelID string) (int64, error) {
	return m.db.Cursor(ctx, channelID)
}

// Channels lists every channel with cached history.
func (m *Messages) Channels(ctx context.Context) ([]string, error) {
	return m.db.HistoryChannels(ctx)
}

// Clear drops all history and cursors.
func (m *Messages) Clear(ctx context.Context) error {
	if err := m.db.ClearTables(ctx, store.TableMessages, store.TableCursors); err != nil {
		return err
	}
	publish(m.bus, bus.CacheMessage, ChannelEvent{})
	return nil
}
