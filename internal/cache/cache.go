// Package cache holds the four local-first caches: chat list, preferences,
// unread counters and message history. Reads never touch the network.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/parley/internal/auth"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/remote"
	"github.com/matheus3301/parley/internal/store"
	"go.uber.org/zap"
)

// Identity yields the signed-in user for remote writes.
type Identity interface {
	Current() (auth.Session, error)
}

// Config tunes the caches.
type Config struct {
	// StaleAfter is how long a chat list snapshot stays fresh.
	StaleAfter time.Duration
	// PushTimeout bounds fire-and-forget remote writes.
	PushTimeout time.Duration
}

// ChannelEvent is the payload of cache.chat_list, cache.message and
// cache.cleared. ChannelID is empty for whole-cache events.
type ChannelEvent struct {
	ChannelID string
}

// Cache groups the four caches.
type Cache struct {
	Chats    *ChatList
	Prefs    *Preferences
	Unread   *Unread
	Messages *Messages

	db  *store.DB
	bus *bus.Bus
	log *zap.Logger
}

// New builds the caches over db. rows and ident are used only for
// fire-and-forget preference pushes and may be nil.
func New(db *store.DB, rows remote.Rows, ident Identity, b *bus.Bus, cfg Config, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 10 * time.Second
	}
	prefs := newPreferences(db, rows, ident, b, cfg.PushTimeout, log.Named("prefs"))
	unread := newUnread(db, b)
	return &Cache{
		Chats:    newChatList(db, prefs, unread, b, cfg.StaleAfter, log.Named("chats")),
		Prefs:    prefs,
		Unread:   unread,
		Messages: newMessages(db, b, log.Named("messages")),
		db:       db,
		bus:      b,
		log:      log,
	}
}

// Load warms the in-memory caches from disk.
func (c *Cache) Load(ctx context.Context) error {
	if err := c.Prefs.Load(ctx); err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}
	if err := c.Unread.Load(ctx); err != nil {
		return fmt.Errorf("load unread: %w", err)
	}
	return nil
}

// ClearAll empties every cache and cursor, as on logout. Pending
// preference pushes are waited for first.
func (c *Cache) ClearAll(ctx context.Context) error {
	c.Prefs.Wait()
	if err := c.db.ClearAll(ctx); err != nil {
		return fmt.Errorf("clear caches: %w", err)
	}
	c.Chats.reset()
	c.Prefs.reset()
	c.Unread.reset()
	c.log.Info("caches cleared")
	publish(c.bus, bus.CacheCleared, ChannelEvent{})
	return nil
}

func publish(b *bus.Bus, kind bus.Kind, payload any) {
	if b != nil {
		b.Publish(bus.NewEvent(kind, payload))
	}
}
