package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/remote"
	"github.com/matheus3301/parley/internal/store"
	"go.uber.org/zap"
)

// PreferencesTable is the remote table holding per-user channel flags.
const PreferencesTable = "user_chat_preferences"

// Flags are the local pin, archive and mute settings of a channel.
type Flags struct {
	Pinned     bool
	Archived   bool
	Muted      bool
	MutedUntil time.Time // zero mutes indefinitely
}

// MutedAt reports whether the mute is in effect at now.
func (f Flags) MutedAt(now time.Time) bool {
	return f.Muted && (f.MutedUntil.IsZero() || now.Before(f.MutedUntil))
}

// union adds every flag set in r to f. Nothing is ever cleared.
func (f Flags) union(r Flags) Flags {
	out := Flags{
		Pinned:   f.Pinned || r.Pinned,
		Archived: f.Archived || r.Archived,
		Muted:    f.Muted || r.Muted,
	}
	switch {
	case f.Muted && r.Muted:
		if !f.MutedUntil.IsZero() && !r.MutedUntil.IsZero() {
			out.MutedUntil = f.MutedUntil
			if r.MutedUntil.After(f.MutedUntil) {
				out.MutedUntil = r.MutedUntil
			}
		}
	case f.Muted:
		out.MutedUntil = f.MutedUntil
	case r.Muted:
		out.MutedUntil = r.MutedUntil
	}
	return out
}

// PreferenceChange is the payload of cache.preferences.
type PreferenceChange struct {
	ChannelID string
	Flags     Flags
}

// Preferences is the pin/archive/mute store. Local state is authoritative
// for this device: every toggle is written to disk before the remote is
// told, and remote snapshots are merged by union.
type Preferences struct {
	db          *store.DB
	rows        remote.Rows
	ident       Identity
	bus         *bus.Bus
	log         *zap.Logger
	pushTimeout time.Duration
	now         func() time.Time

	// wmu serializes read-modify-write cycles.
	wmu    sync.Mutex
	mu     sync.RWMutex
	flags  map[string]Flags
	loaded bool

	pushes sync.WaitGroup
}

func newPreferences(db *store.DB, rows remote.Rows, ident Identity, b *bus.Bus, pushTimeout time.Duration, log *zap.Logger) *Preferences {
	return &Preferences{
		db:          db,
		rows:        rows,
		ident:       ident,
		bus:         b,
		log:         log,
		pushTimeout: pushTimeout,
		now:         time.Now,
		flags:       make(map[string]Flags),
	}
}

// Load reads every stored preference.
func (p *Preferences) Load(ctx context.Context) error {
	rows, err := p.db.ListPreferences(ctx)
	if err != nil {
		return err
	}
	flags := make(map[string]Flags, len(rows))
	for _, r := range rows {
		flags[r.ChannelID] = fromStore(r)
	}
	p.mu.Lock()
	p.flags = flags
	p.loaded = true
	p.mu.Unlock()
	return nil
}

func (p *Preferences) ensure(ctx context.Context) error {
	p.mu.RLock()
	loaded := p.loaded
	p.mu.RUnlock()
	if loaded {
		return nil
	}
	return p.Load(ctx)
}

// Get returns the flags of channelID.
func (p *Preferences) Get(channelID string) Flags {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.flags[channelID]
}

// All returns a copy of every channel's flags.
func (p *Preferences) All() map[string]Flags {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Flags, len(p.flags))
	for k, v := range p.flags {
		out[k] = v
	}
	return out
}

// IsMuted reports whether channelID is muted right now.
func (p *Preferences) IsMuted(channelID string) bool {
	return p.Get(channelID).MutedAt(p.now())
}

// TogglePin flips the pin flag and returns the new flags.
func (p *Preferences) TogglePin(ctx context.Context, channelID string) (Flags, error) {
	return p.update(ctx, channelID, func(f *Flags) { f.Pinned = !f.Pinned })
}

// ToggleArchive flips the archive flag.
func (p *Preferences) ToggleArchive(ctx context.Context, channelID string) (Flags, error) {
	return p.update(ctx, channelID, func(f *Flags) { f.Archived = !f.Archived })
}

// ToggleMute unmutes a muted channel, or mutes it until the given time
// (zero for indefinitely). An expired mute counts as unmuted.
func (p *Preferences) ToggleMute(ctx context.Context, channelID string, until time.Time) (Flags, error) {
	now := p.now()
	return p.update(ctx, channelID, func(f *Flags) {
		if f.MutedAt(now) {
			f.Muted = false
			f.MutedUntil = time.Time{}
			return
		}
		f.Muted = true
		f.MutedUntil = until
	})
}

func (p *Preferences) update(ctx context.Context, channelID string, edit func(*Flags)) (Flags, error) {
	if channelID == "" {
		return Flags{}, fmt.Errorf("preferences: empty channel id")
	}
	if err := p.ensure(ctx); err != nil {
		return Flags{}, err
	}
	p.wmu.Lock()
	f := p.Get(channelID)
	edit(&f)
	err := p.save(ctx, channelID, f)
	p.wmu.Unlock()
	if err != nil {
		return Flags{}, err
	}
	p.push(channelID, f)
	return f, nil
}

// Merge unions remote flags into local state and returns the channels that
// changed. A remote snapshot never clears a local flag.
func (p *Preferences) Merge(ctx context.Context, incoming map[string]Flags) ([]string, error) {
	if err := p.ensure(ctx); err != nil {
		return nil, err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()

	var changed []string
	for ch, r := range incoming {
		local := p.Get(ch)
		merged := local.union(r)
		if merged == local {
			continue
		}
		if err := p.save(ctx, ch, merged); err != nil {
			return changed, fmt.Errorf("merge %s: %w", ch, err)
		}
		changed = append(changed, ch)
	}
	return changed, nil
}

// save writes f to disk, then memory, then notifies. Callers hold wmu.
func (p *Preferences) save(ctx context.Context, channelID string, f Flags) error {
	if err := p.db.SavePreference(ctx, toStore(channelID, f)); err != nil {
		return err
	}
	p.mu.Lock()
	p.flags[channelID] = f
	p.mu.Unlock()
	publish(p.bus, bus.CachePreferences, PreferenceChange{ChannelID: channelID, Flags: f})
	return nil
}

// push sends f to the remote in the background. Failures are logged only.
func (p *Preferences) push(channelID string, f Flags) {
	if p.rows == nil || p.ident == nil {
		return
	}
	sess, err := p.ident.Current()
	if err != nil {
		p.log.Debug("skipping preference push", zap.String("channel", channelID), zap.Error(err))
		return
	}
	row := RemotePreferenceRow(sess.UserID, channelID, f)
	p.pushes.Add(1)
	go func() {
		defer p.pushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.pushTimeout)
		defer cancel()
		if err := p.rows.Upsert(ctx, PreferencesTable, row, "user_id", "channel_id"); err != nil {
			p.log.Warn("preference sync failed", zap.String("channel", channelID), zap.Error(err))
		}
	}()
}

// Wait blocks until background pushes finish.
func (p *Preferences) Wait() { p.pushes.Wait() }

// Clear empties the preference cache.
func (p *Preferences) Clear(ctx context.Context) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.db.ClearTables(ctx, store.TablePreferences); err != nil {
		return err
	}
	p.reset()
	publish(p.bus, bus.CachePreferences, PreferenceChange{})
	return nil
}

func (p *Preferences) reset() {
	p.mu.Lock()
	p.flags = make(map[string]Flags)
	p.loaded = true
	p.mu.Unlock()
}

// RemotePreferenceRow is the user_chat_preferences row for f.
func RemotePreferenceRow(userID, channelID string, f Flags) remote.Row {
	var until int64
	if !f.MutedUntil.IsZero() {
		until = f.MutedUntil.UnixMilli()
	}
	return remote.Row{
		"user_id":     userID,
		"channel_id":  channelID,
		"pinned":      f.Pinned,
		"archived":    f.Archived,
		"muted":       f.Muted,
		"muted_until": until,
	}
}

// FlagsFromRow parses a user_chat_preferences row.
func FlagsFromRow(r remote.Row) Flags {
	f := Flags{Pinned: r.Bool("pinned"), Archived: r.Bool("archived"), Muted: r.Bool("muted")}
	if ms := r.Int64("muted_until"); ms > 0 {
		f.MutedUntil = time.UnixMilli(ms)
	}
	return f
}

func fromStore(r store.Preference) Flags {
	f := Flags{Pinned: r.Pinned, Archived: r.Archived, Muted: r.Muted}
	if r.MutedUntil > 0 {
		f.MutedUntil = time.UnixMilli(r.MutedUntil)
	}
	return f
}

func toStore(channelID string, f Flags) *store.Preference {
	p := &store.Preference{ChannelID: channelID, Pinned: f.Pinned, Archived: f.Archived, Muted: f.Muted}
	if !f.MutedUntil.IsZero() {
		p.MutedUntil = f.MutedUntil.UnixMilli()
	}
	return p
}
