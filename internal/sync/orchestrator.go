// Package sync decides when the local caches talk to the remote and routes
// realtime changes into them.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/matheus3301/parley/internal/auth"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/cache"
	"github.com/matheus3301/parley/internal/cryptobox"
	"github.com/matheus3301/parley/internal/e2ee"
	"github.com/matheus3301/parley/internal/remote"
	"github.com/matheus3301/parley/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Identity yields the signed-in user.
type Identity interface {
	Current() (auth.Session, error)
}

// KeyWatcher is told every time a correspondent announces a public key.
type KeyWatcher interface {
	OnKeyChanged(ctx context.Context, userID, publicKey string) error
}

// Decrypter opens encrypted direct messages.
type Decrypter interface {
	DecryptDirect(ctx context.Context, pl *e2ee.Payload) (string, error)
}

// KeyDirectory looks up public keys.
type KeyDirectory interface {
	FetchUserPublicKey(ctx context.Context, userID string) (cryptobox.PublicKey, error)
}

// Config tunes the orchestrator.
type Config struct {
	// PageSize is the number of messages fetched per delta request.
	PageSize int
	// Timeout bounds background refreshes.
	Timeout time.Duration
	// FeedRetry is the pause before resubscribing a dropped feed.
	FeedRetry time.Duration
	// Parallelism caps concurrent fetches during a full sync.
	Parallelism int
}

func (c *Config) fill() {
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.FeedRetry <= 0 {
		c.FeedRetry = 5 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
}

// ChatListResult is a chat list read. Err is set when a refresh failed and
// the snapshot is the last known state.
type ChatListResult struct {
	cache.Snapshot
	Refreshing bool
	Err        error
}

// MessagesResult is a page of history.
type MessagesResult struct {
	Messages   []store.Message
	Stale      bool
	Refreshing bool
	Err        error
}

// Orchestrator coordinates the caches with the remote.
type Orchestrator struct {
	cache     *cache.Cache
	rows      remote.Rows
	feed      remote.Feed
	ident     Identity
	trust     KeyWatcher
	decrypter Decrypter
	keys      KeyDirectory
	bus       *bus.Bus
	log       *zap.Logger
	cfg       Config
	now       func() time.Time

	flights singleflight.Group

	mu   stdsync.Mutex
	open string

	feedMu     stdsync.Mutex
	feedCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// Options carries the optional collaborators.
type Options struct {
	Trust     KeyWatcher
	Decrypter Decrypter
	Keys      KeyDirectory
}

// New creates an orchestrator. feed may be nil to disable realtime
// updates.
func New(c *cache.Cache, rows remote.Rows, feed remote.Feed, ident Identity, b *bus.Bus, opts Options, cfg Config, log *zap.Logger) *Orchestrator {
	cfg.fill()
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		cache:     c,
		rows:      rows,
		feed:      feed,
		ident:     ident,
		trust:     opts.Trust,
		decrypter: opts.Decrypter,
		keys:      opts.Keys,
		bus:       b,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
		ctx:       context.Background(),
	}
}

// Start follows connectivity and the realtime feed until Stop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.feedMu.Lock()
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.feedMu.Unlock()
	if o.bus != nil {
		o.wg.Add(1)
		go o.watchNet(o.ctx)
	}
	o.SessionChanged()
}

// Stop cancels background work and waits for it.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// watchNet runs a full delta sync on every offline to online transition.
func (o *Orchestrator) watchNet(ctx context.Context) {
	defer o.wg.Done()
	ch, unsub := o.bus.Subscribe(string(bus.NetOnline), 4)
	defer unsub()
	for {
		select {
		case <-ch:
			o.log.Info("reconnected, syncing")
			if err := o.SyncAll(ctx); err != nil {
				o.log.Warn("reconnect sync incomplete", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// LoadChatList serves the cached chat list. A cold cache or force fetches
// before returning; a stale cache is returned at once and refreshed in the
// background. Fetch failures fall back to the cached snapshot.
func (o *Orchestrator) LoadChatList(ctx context.Context, force, includeArchived bool) (ChatListResult, error) {
	snap, err := o.cache.Chats.Get(ctx, includeArchived)
	if err != nil {
		return ChatListResult{}, err
	}
	if !snap.Loaded || force {
		if err := o.RefreshChatList(ctx); err != nil {
			o.log.Warn("chat list refresh failed, serving cache", zap.Error(err))
			snap.Stale = true
			return ChatListResult{Snapshot: snap, Err: err}, nil
		}
		snap, err = o.cache.Chats.Get(ctx, includeArchived)
		return ChatListResult{Snapshot: snap}, err
	}
	if snap.Stale {
		o.background("chats", o.RefreshChatList)
		return ChatListResult{Snapshot: snap, Refreshing: true}, nil
	}
	return ChatListResult{Snapshot: snap}, nil
}

// LoadMessages serves a page of channelID's history. The latest page of a
// channel never synced is fetched first; otherwise new messages are pulled
// in the background.
func (o *Orchestrator) LoadMessages(ctx context.Context, channelID string, before time.Time, limit int) (MessagesResult, error) {
	cursor, err := o.cache.Messages.Cursor(ctx, channelID)
	if err != nil {
		return MessagesResult{}, err
	}
	var res MessagesResult
	if cursor == 0 && before.IsZero() {
		if err := o.SyncChannel(ctx, channelID); err != nil {
			o.log.Warn("message fetch failed, serving cache", zap.String("channel", channelID), zap.Error(err))
			res.Stale, res.Err = true, err
		}
	} else if before.IsZero() {
		o.background("messages:"+channelID, func(ctx context.Context) error {
			return o.SyncChannel(ctx, channelID)
		})
		res.Refreshing = true
	}
	msgs, err := o.cache.Messages.Page(ctx, channelID, before, limit)
	if err != nil {
		return MessagesResult{}, err
	}
	res.Messages = msgs
	return res, nil
}

// background runs fn once per key at a time, detached from the caller.
func (o *Orchestrator) background(key string, fn func(context.Context) error) {
	ctx := o.ctx
	o.flights.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
		err := fn(ctx)
		if err != nil {
			o.log.Warn("background refresh failed", zap.String("key", key), zap.Error(err))
		}
		return nil, err
	})
}

// RefreshChatList replaces the chat list with the remote channels the user
// belongs to.
func (o *Orchestrator) RefreshChatList(ctx context.Context) error {
	_, err, _ := o.flights.Do("fetch:chats", func() (any, error) {
		sess, err := o.ident.Current()
		if err != nil {
			return nil, err
		}
		rows, err := o.rows.Select(ctx, remote.Query{Table: ChannelsTable})
		if err != nil {
			return nil, fmt.Errorf("fetch channels: %w", err)
		}
		chats := make([]cache.Chat, 0, len(rows))
		for _, r := range rows {
			c := chatFromRow(r)
			if c.ChannelID != "" && member(c, sess.UserID) {
				chats = append(chats, c)
			}
		}
		return nil, o.cache.Chats.Replace(ctx, chats)
	})
	return err
}

// RefreshPreferences unions the remote flags into the local ones.
func (o *Orchestrator) RefreshPreferences(ctx context.Context) error {
	sess, err := o.ident.Current()
	if err != nil {
		return err
	}
	rows, err := o.rows.Select(ctx, remote.Query{
		Table:   cache.PreferencesTable,
		Filters: []remote.Filter{remote.Eq("user_id", sess.UserID)},
	})
	if err != nil {
		return fmt.Errorf("fetch preferences: %w", err)
	}
	incoming := make(map[string]cache.Flags, len(rows))
	for _, r := range rows {
		incoming[r.Text("channel_id")] = cache.FlagsFromRow(r)
	}
	_, err = o.cache.Prefs.Merge(ctx, incoming)
	return err
}

// RefreshUnread takes the remote unread counts, except for the open
// channel which stays at zero.
func (o *Orchestrator) RefreshUnread(ctx context.Context) error {
	sess, err := o.ident.Current()
	if err != nil {
		return err
	}
	rows, err := o.rows.Select(ctx, remote.Query{
		Table:   ReadStateTable,
		Filters: []remote.Filter{remote.Eq("user_id", sess.UserID)},
	})
	if err != nil {
		return fmt.Errorf("fetch read state: %w", err)
	}
	open := o.OpenChannel()
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		ch := r.Text("channel_id")
		if ch == "" || ch == open {
			continue
		}
		counts[ch] = int(r.Int64("unread_count"))
	}
	return o.cache.Unread.Replace(ctx, counts)
}

// SyncChannel fetches messages at or after channelID's cursor, one page at
// a time, until the remote has no more. Pages overlap at the cursor
// timestamp so messages sharing a millisecond across a page boundary are
// not skipped; the overlap is widened by the number already cached there
// and duplicates collapse on message id.
func (o *Orchestrator) SyncChannel(ctx context.Context, channelID string) error {
	_, err, _ := o.flights.Do("fetch:messages:"+channelID, func() (any, error) {
		for {
			cursor, err := o.cache.Messages.Cursor(ctx, channelID)
			if err != nil {
				return nil, err
			}
			known, err := o.cache.Messages.CountAt(ctx, channelID, cursor)
			if err != nil {
				return nil, err
			}
			limit := o.cfg.PageSize + known
			rows, err := o.rows.Select(ctx, remote.Query{
				Table:   messageTable(channelID),
				Filters: []remote.Filter{remote.Eq("channel_id", channelID), remote.Gte("created_at", cursor)},
				OrderBy: "created_at",
				Limit:   limit,
			})
			if err != nil {
				return nil, fmt.Errorf("fetch messages for %s: %w", channelID, err)
			}
			if len(rows) == 0 {
				return nil, nil
			}
			msgs := make([]store.Message, len(rows))
			for i, r := range rows {
				msgs[i] = o.messageFromRow(ctx, r)
			}
			if err := o.cache.Messages.Put(ctx, msgs); err != nil {
				return nil, err
			}
			if err := o.cache.Chats.ApplyMessage(ctx, msgs[len(msgs)-1]); err != nil {
				return nil, err
			}
			if len(rows) < limit {
				return nil, nil
			}
		}
	})
	return err
}

// Report is the payload of sync.finished.
type Report struct {
	Channels int
	Err      error
}

// SyncAll refreshes all four caches in parallel. Every failure is logged
// and the affected cache keeps its snapshot; the first error is returned.
func (o *Orchestrator) SyncAll(ctx context.Context) error {
	o.publish(bus.SyncStarted, nil)
	channels, err := o.cache.Messages.Channels(ctx)
	if err != nil {
		o.publish(bus.SyncFinished, Report{Err: err})
		return err
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.Parallelism)
	run := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(ctx); err != nil {
				o.log.Warn("sync step failed", zap.String("step", name), zap.Error(err))
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	run("chat_list", o.RefreshChatList)
	run("preferences", o.RefreshPreferences)
	run("unread", o.RefreshUnread)
	for _, ch := range channels {
		run("messages:"+ch, func(ctx context.Context) error { return o.SyncChannel(ctx, ch) })
	}
	err = g.Wait()
	o.log.Info("delta sync finished", zap.Int("channels", len(channels)), zap.Bool("complete", err == nil))
	o.publish(bus.SyncFinished, Report{Channels: len(channels), Err: err})
	return err
}

func (o *Orchestrator) publish(kind bus.Kind, payload any) {
	if o.bus != nil {
		o.bus.Publish(bus.NewEvent(kind, payload))
	}
}

// OnNewMessageReceived stores msg, moves its channel's last message and
// bumps the unread count unless the channel is open or msg is our own. The
// channel's sync cursor does not move, so older history still arrives with
// the next sync.
func (o *Orchestrator) OnNewMessageReceived(ctx context.Context, msg store.Message) error {
	if msg.ChannelID == "" || msg.MsgID == "" {
		return errors.New("sync: message needs a channel and an id")
	}
	if err := o.cache.Messages.Insert(ctx, []store.Message{msg}); err != nil {
		return fmt.Errorf("cache message: %w", err)
	}
	if err := o.cache.Chats.ApplyMessage(ctx, msg); err != nil {
		return fmt.Errorf("update chat list: %w", err)
	}
	if msg.ChannelID == o.OpenChannel() || msg.SenderID == o.self() {
		return nil
	}
	if _, err := o.cache.Unread.Increment(ctx, msg.ChannelID); err != nil {
		return fmt.Errorf("bump unread: %w", err)
	}
	return nil
}

// OnChatOpened marks channelID as the open channel and read. The remote
// read state is updated in the background.
func (o *Orchestrator) OnChatOpened(ctx context.Context, channelID string) error {
	o.mu.Lock()
	o.open = channelID
	o.mu.Unlock()
	if err := o.cache.Unread.MarkRead(ctx, channelID); err != nil {
		return err
	}
	sess, err := o.ident.Current()
	if err != nil {
		o.log.Debug("not signed in, read state kept local", zap.Error(err))
		return nil
	}
	row := remote.Row{
		"user_id":      sess.UserID,
		"channel_id":   channelID,
		"unread_count": 0,
		"last_read_at": o.now().UnixMilli(),
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), o.cfg.Timeout)
		defer cancel()
		if err := o.rows.Upsert(ctx, ReadStateTable, row, "user_id", "channel_id"); err != nil {
			o.log.Warn("mark read sync failed", zap.String("channel", channelID), zap.Error(err))
		}
	}()
	return nil
}

// OnChatClosed clears the open channel if it is channelID.
func (o *Orchestrator) OnChatClosed(channelID string) {
	o.mu.Lock()
	if o.open == channelID {
		o.open = ""
	}
	o.mu.Unlock()
}

// self returns the signed-in user id, or "" when signed out.
func (o *Orchestrator) self() string {
	sess, err := o.ident.Current()
	if err != nil {
		return ""
	}
	return sess.UserID
}

// OpenChannel returns the channel the user is viewing.
func (o *Orchestrator) OpenChannel() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.open
}
