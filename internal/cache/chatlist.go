package cache

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/store"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	loadedAtKey = "chat_list.loaded_at"
	previewLen  = 100
)

// LastMessage is the snapshot shown in the chat list.
type LastMessage struct {
	ID       string
	Preview  string
	SenderID string
	At       time.Time
}

// ChannelSummary is one row of the chat list.
type ChannelSummary struct {
	ChannelID    string
	Kind         string
	Title        string
	Participants []string
	LastMessage  *LastMessage
	Flags        Flags
	Muted        bool // Flags.Muted with expiry applied
	Unread       int
}

// Snapshot is the result of a chat list read.
type Snapshot struct {
	Summaries []ChannelSummary
	// Stale is set when the snapshot is older than the freshness window
	// or was invalidated.
	Stale bool
	// Loaded is false until a remote snapshot has ever been stored.
	Loaded   bool
	LoadedAt time.Time
}

// Chat is a remote channel summary handed to Replace.
type Chat struct {
	ChannelID    string
	Kind         string
	Title        string
	Participants []string
	LastMessage  *LastMessage
}

// ChatList caches channel summaries.
type ChatList struct {
	db         *store.DB
	prefs      *Preferences
	unread     *Unread
	bus        *bus.Bus
	log        *zap.Logger
	staleAfter time.Duration
	now        func() time.Time

	mu          sync.Mutex
	loadedAt    time.Time
	stateRead   bool
	invalidated bool
}

func newChatList(db *store.DB, prefs *Preferences, unread *Unread, b *bus.Bus, staleAfter time.Duration, log *zap.Logger) *ChatList {
	return &ChatList{
		db:         db,
		prefs:      prefs,
		unread:     unread,
		bus:        b,
		log:        log,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Get reads the chat list from disk. Pinned channels come first, then the
// most recent activity. Archived channels are left out unless
// includeArchived is set.
func (c *ChatList) Get(ctx context.Context, includeArchived bool) (Snapshot, error) {
	loadedAt, err := c.loaded(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if err := c.prefs.ensure(ctx); err != nil {
		return Snapshot{}, err
	}
	if err := c.unread.ensure(ctx); err != nil {
		return Snapshot{}, err
	}
	chats, err := c.db.ListChats(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list chats: %w", err)
	}

	now := c.now()
	out := make([]ChannelSummary, 0, len(chats))
	for _, ch := range chats {
		f := c.prefs.Get(ch.ChannelID)
		if f.Archived && !includeArchived {
			continue
		}
		out = append(out, ChannelSummary{
			ChannelID:    ch.ChannelID,
			Kind:         ch.Kind,
			Title:        ch.Title,
			Participants: decodeParticipants(ch.Participants, c.log),
			LastMessage:  lastMessageOf(ch),
			Flags:        f,
			Muted:        f.MutedAt(now),
			Unread:       c.unread.Count(ch.ChannelID),
		})
	}
	slices.SortStableFunc(out, compareSummaries)

	c.mu.Lock()
	stale := c.invalidated || loadedAt.IsZero() || now.Sub(loadedAt) > c.staleAfter
	c.mu.Unlock()
	return Snapshot{Summaries: out, Stale: stale, Loaded: !loadedAt.IsZero(), LoadedAt: loadedAt}, nil
}

func compareSummaries(a, b ChannelSummary) int {
	if a.Flags.Pinned != b.Flags.Pinned {
		if a.Flags.Pinned {
			return -1
		}
		return 1
	}
	at, bt := lastAt(a), lastAt(b)
	if c := bt.Compare(at); c != 0 {
		return c
	}
	return strings.Compare(a.ChannelID, b.ChannelID)
}

func lastAt(s ChannelSummary) time.Time {
	if s.LastMessage == nil {
		return time.Time{}
	}
	return s.LastMessage.At
}

// Replace stores a full remote snapshot and marks the list fresh.
func (c *ChatList) Replace(ctx context.Context, chats []Chat) error {
	rows := make([]store.Chat, len(chats))
	for i, ch := range chats {
		rows[i] = toStoreChat(ch)
	}
	if err := c.db.ReplaceChats(ctx, rows); err != nil {
		return err
	}
	now := c.now()
	if err := c.db.SetState(ctx, loadedAtKey, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("record chat list load: %w", err)
	}
	c.mu.Lock()
	c.loadedAt = now
	c.stateRead = true
	c.invalidated = false
	c.mu.Unlock()
	publish(c.bus, bus.CacheChatList, ChannelEvent{})
	return nil
}

// Lookup returns the cached summary of channelID.
func (c *ChatList) Lookup(ctx context.Context, channelID string) (Chat, bool, error) {
	sc, err := c.db.GetChat(ctx, channelID)
	if err != nil || sc == nil {
		return Chat{}, false, err
	}
	return Chat{
		ChannelID:    sc.ChannelID,
		Kind:         sc.Kind,
		Title:        sc.Title,
		Participants: decodeParticipants(sc.Participants, c.log),
		LastMessage:  lastMessageOf(*sc),
	}, true, nil
}

// ApplyMessage moves channelID's last-message snapshot forward. Older
// messages are ignored by the store.
func (c *ChatList) ApplyMessage(ctx context.Context, msg store.Message) error {
	err := c.db.UpsertChat(ctx, &store.Chat{
		ChannelID:          msg.ChannelID,
		LastMessageID:      msg.MsgID,
		LastMessagePreview: preview(msg),
		LastMessageSender:  msg.SenderID,
		LastMessageAt:      msg.CreatedAt,
	})
	if err != nil {
		return err
	}
	publish(c.bus, bus.CacheChatList, ChannelEvent{ChannelID: msg.ChannelID})
	return nil
}

// Invalidate marks the list stale so the next read revalidates.
func (c *ChatList) Invalidate() {
	c.mu.Lock()
	c.invalidated = true
	c.mu.Unlock()
}

// Clear empties the chat list.
func (c *ChatList) Clear(ctx context.Context) error {
	if err := c.db.ClearTables(ctx, store.TableChats); err != nil {
		return err
	}
	c.reset()
	if err := c.db.SetState(ctx, loadedAtKey, "0"); err != nil {
		return err
	}
	publish(c.bus, bus.CacheChatList, ChannelEvent{})
	return nil
}

func (c *ChatList) reset() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.stateRead = true
	c.invalidated = false
	c.mu.Unlock()
}

func (c *ChatList) loaded(ctx context.Context) (time.Time, error) {
	c.mu.Lock()
	if c.stateRead {
		t := c.loadedAt
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	v, err := c.db.State(ctx, loadedAtKey)
	if err != nil {
		return time.Time{}, err
	}
	var t time.Time
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
		t = time.UnixMilli(ms)
	}
	c.mu.Lock()
	if !c.stateRead {
		c.loadedAt = t
		c.stateRead = true
	}
	t = c.loadedAt
	c.mu.Unlock()
	return t, nil
}

func toStoreChat(ch Chat) store.Chat {
	sc := store.Chat{ChannelID: ch.ChannelID, Kind: ch.Kind, Title: ch.Title}
	if len(ch.Participants) > 0 {
		if b, err := msgpack.Marshal(ch.Participants); err == nil {
			sc.Participants = b
		}
	}
	if lm := ch.LastMessage; lm != nil {
		sc.LastMessageID = lm.ID
		sc.LastMessagePreview = truncate(lm.Preview, previewLen)
		sc.LastMessageSender = lm.SenderID
		sc.LastMessageAt = lm.At.UnixMilli()
	}
	return sc
}

func lastMessageOf(ch store.Chat) *LastMessage {
	if ch.LastMessageID == "" && ch.LastMessageAt == 0 {
		return nil
	}
	return &LastMessage{
		ID:       ch.LastMessageID,
		Preview:  ch.LastMessagePreview,
		SenderID: ch.LastMessageSender,
		At:       time.UnixMilli(ch.LastMessageAt),
	}
}

func decodeParticipants(b []byte, log *zap.Logger) []string {
	if len(b) == 0 {
		return nil
	}
	var ids []string
	if err := msgpack.Unmarshal(b, &ids); err != nil {
		log.Warn("undecodable participants", zap.Error(err))
		return nil
	}
	return ids
}

func preview(msg store.Message) string {
	if msg.IsEncrypted && msg.Content == "" {
		return "Encrypted message"
	}
	return truncate(msg.Content, previewLen)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
