package sync

import (
	"context"
	"time"

	"github.com/matheus3301/parley/internal/cache"
	"github.com/matheus3301/parley/internal/channel"
	"github.com/matheus3301/parley/internal/cryptobox"
	"github.com/matheus3301/parley/internal/remote"
	"go.uber.org/zap"
)

// route handles one realtime change.
type route func(ctx context.Context, c remote.Change)

// SessionChanged resubscribes the realtime feed for the signed-in user.
// Per-user tables are only followed while someone is signed in, filtered to
// that user.
func (o *Orchestrator) SessionChanged() {
	if o.feed == nil {
		return
	}
	o.feedMu.Lock()
	defer o.feedMu.Unlock()
	if o.cancel == nil {
		return
	}
	if o.feedCancel != nil {
		o.feedCancel()
	}
	var ctx context.Context
	ctx, o.feedCancel = context.WithCancel(o.ctx)
	o.startFeed(ctx, o.self())
}

// startFeed subscribes to every table the caches mirror. Each subscription
// is restarted after FeedRetry if it drops.
func (o *Orchestrator) startFeed(ctx context.Context, self string) {
	type sub struct {
		filters []remote.Filter
		fn      route
	}
	routes := map[string]sub{
		MessagesTable:             {nil, o.routeMessage},
		GroupMessagesTable:        {nil, o.routeMessage},
		cryptobox.PublicKeysTable: {nil, o.routePublicKey},
	}
	if self != "" {
		mine := []remote.Filter{remote.Eq("user_id", self)}
		routes[cache.PreferencesTable] = sub{mine, o.routePreference}
		routes[ReadStateTable] = sub{mine, o.routeReadState}
	}
	o.log.Debug("following feed", zap.String("user", self), zap.Int("tables", len(routes)))
	for table, r := range routes {
		o.wg.Add(1)
		go o.follow(ctx, table, r.filters, r.fn)
	}
}

// follow applies changes from table in the order the feed delivers them.
func (o *Orchestrator) follow(ctx context.Context, table string, filters []remote.Filter, fn route) {
	defer o.wg.Done()
	log := o.log.With(zap.String("table", table))
	for {
		changes, err := o.feed.Subscribe(ctx, table, filters...)
		if err != nil {
			log.Warn("feed subscribe failed", zap.Error(err))
		} else {
			log.Debug("feed subscribed")
			for c := range changes {
				fn(ctx, c)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.cfg.FeedRetry):
		}
	}
}

func (o *Orchestrator) routeMessage(ctx context.Context, c remote.Change) {
	if c.Type == remote.ChangeDelete || !o.visible(ctx, c.Row.Text("channel_id")) {
		return
	}
	msg := o.messageFromRow(ctx, c.Row)
	if err := o.OnNewMessageReceived(ctx, msg); err != nil {
		o.log.Warn("realtime message dropped", zap.String("id", msg.MsgID), zap.Error(err))
	}
}

// visible reports whether the signed-in user belongs to channelID. Direct
// channels name their members; any other channel must be in the cached chat
// list with the user among its participants.
func (o *Orchestrator) visible(ctx context.Context, channelID string) bool {
	self := o.self()
	if self == "" {
		return false
	}
	ref, err := channel.Parse(channelID)
	if err != nil {
		return false
	}
	if ref.Kind == channel.Direct {
		return ref.Peer(self) != ""
	}
	chat, ok, err := o.cache.Chats.Lookup(ctx, channelID)
	if err != nil {
		o.log.Warn("chat lookup failed", zap.String("channel", channelID), zap.Error(err))
		return false
	}
	return ok && member(chat, self)
}

// mine reports whether a per-user row belongs to the signed-in user.
func (o *Orchestrator) mine(row remote.Row) bool {
	self := o.self()
	return self != "" && row.Text("user_id") == self
}

func (o *Orchestrator) routePreference(ctx context.Context, c remote.Change) {
	if c.Type == remote.ChangeDelete || !o.mine(c.Row) {
		return
	}
	ch := c.Row.Text("channel_id")
	if ch == "" {
		return
	}
	if _, err := o.cache.Prefs.Merge(ctx, map[string]cache.Flags{ch: cache.FlagsFromRow(c.Row)}); err != nil {
		o.log.Warn("realtime preference merge failed", zap.String("channel", ch), zap.Error(err))
	}
}

func (o *Orchestrator) routeReadState(ctx context.Context, c remote.Change) {
	if c.Type == remote.ChangeDelete || !o.mine(c.Row) {
		return
	}
	ch := c.Row.Text("channel_id")
	if ch == "" || ch == o.OpenChannel() {
		return
	}
	if err := o.cache.Unread.Set(ctx, ch, int(c.Row.Int64("unread_count"))); err != nil {
		o.log.Warn("realtime unread update failed", zap.String("channel", ch), zap.Error(err))
	}
}

// routePublicKey hands every key announcement to the trust store, which
// keeps the verification when the announced key is the one verified.
func (o *Orchestrator) routePublicKey(ctx context.Context, c remote.Change) {
	if o.trust == nil || c.Type == remote.ChangeDelete {
		return
	}
	user, key := c.Row.Text("user_id"), c.Row.Text("public_key")
	if user == "" || key == "" {
		return
	}
	if err := o.trust.OnKeyChanged(ctx, user, key); err != nil {
		o.log.Warn("trust invalidation failed", zap.String("user", user), zap.Error(err))
	}
}
