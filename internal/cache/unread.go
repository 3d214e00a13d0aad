package cache

import (
	"context"
	"maps"
	"sync"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/store"
)

// UnreadChange is the payload of cache.unread.
type UnreadChange struct {
	ChannelID string
	Count     int
}

// Unread keeps per-channel unread counters.
type Unread struct {
	db  *store.DB
	bus *bus.Bus
	// wmu serializes writers so increments are not lost.
	wmu sync.Mutex

	mu     sync.Mutex
	counts map[string]int
	loaded bool
}

func newUnread(db *store.DB, b *bus.Bus) *Unread {
	return &Unread{db: db, bus: b, counts: make(map[string]int)}
}

// Load reads the counters from disk.
func (u *Unread) Load(ctx context.Context) error {
	counts, err := u.db.ListUnread(ctx)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.counts = counts
	u.loaded = true
	u.mu.Unlock()
	return nil
}

func (u *Unread) ensure(ctx context.Context) error {
	u.mu.Lock()
	loaded := u.loaded
	u.mu.Unlock()
	if loaded {
		return nil
	}
	return u.Load(ctx)
}

// Count returns the counter for channelID.
func (u *Unread) Count(channelID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[channelID]
}

// All returns a copy of every non-zero counter.
func (u *Unread) All() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int, len(u.counts))
	for k, v := range u.counts {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// Increment bumps channelID by one and returns the new count.
func (u *Unread) Increment(ctx context.Context, channelID string) (int, error) {
	if err := u.ensure(ctx); err != nil {
		return 0, err
	}
	u.wmu.Lock()
	defer u.wmu.Unlock()
	n := u.Count(channelID) + 1
	return n, u.set(ctx, channelID, n)
}

// MarkRead zeroes channelID.
func (u *Unread) MarkRead(ctx context.Context, channelID string) error {
	return u.Set(ctx, channelID, 0)
}

// Set stores n for channelID, on disk first.
func (u *Unread) Set(ctx context.Context, channelID string, n int) error {
	u.wmu.Lock()
	defer u.wmu.Unlock()
	return u.set(ctx, channelID, n)
}

func (u *Unread) set(ctx context.Context, channelID string, n int) error {
	if n < 0 {
		n = 0
	}
	if err := u.db.SetUnread(ctx, channelID, n); err != nil {
		return err
	}
	u.mu.Lock()
	u.counts[channelID] = n
	u.mu.Unlock()
	publish(u.bus, bus.CacheUnread, UnreadChange{ChannelID: channelID, Count: n})
	return nil
}

// Replace overwrites the counters present in counts. Channels not in
// counts keep their value.
func (u *Unread) Replace(ctx context.Context, counts map[string]int) error {
	if err := u.ensure(ctx); err != nil {
		return err
	}
	u.mu.Lock()
	current := maps.Clone(u.counts)
	u.mu.Unlock()
	for ch, n := range counts {
		if current[ch] == n {
			continue
		}
		if err := u.Set(ctx, ch, n); err != nil {
			return err
		}
	}
	return nil
}

// Clear empties the counters.
func (u *Unread) Clear(ctx context.Context) error {
	if err := u.db.ClearTables(ctx, store.TableUnread); err != nil {
		return err
	}
	u.reset()
	publish(u.bus, bus.CacheUnread, UnreadChange{})
	return nil
}

func (u *Unread) reset() {
	u.mu.Lock()
	u.counts = make(map[string]int)
	u.loaded = true
	u.mu.Unlock()
}
