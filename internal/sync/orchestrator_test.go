package sync

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/matheus3301/parley/internal/auth"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/cache"
	"github.com/matheus3301/parley/internal/cryptobox"
	"github.com/matheus3301/parley/internal/e2ee"
	"github.com/matheus3301/parley/internal/netstate"
	"github.com/matheus3301/parley/internal/remote"
	"github.com/matheus3301/parley/internal/remote/memory"
	"github.com/matheus3301/parley/internal/store"
	"github.com/matheus3301/parley/internal/trust"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// keyEvents records key announcements and passes them on to next, if set.
type keyEvents struct {
	mu    stdsync.Mutex
	users []string
	keys  []string
	next  KeyWatcher
}

func (k *keyEvents) OnKeyChanged(ctx context.Context, userID, publicKey string) error {
	k.mu.Lock()
	k.users = append(k.users, userID)
	k.keys = append(k.keys, publicKey)
	k.mu.Unlock()
	if k.next != nil {
		return k.next.OnKeyChanged(ctx, userID, publicKey)
	}
	return nil
}

func (k *keyEvents) seen() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.users...)
}

// session is an identity that can sign in and out.
type session struct {
	mu   stdsync.Mutex
	user string
}

func (s *session) Current() (auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == "" {
		return auth.Session{}, auth.ErrNotAuthenticated
	}
	return auth.Session{UserID: s.user, Name: "user " + s.user}, nil
}

func (s *session) set(user string) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

type fixture struct {
	backend *memory.Backend
	bus     *bus.Bus
	cache   *cache.Cache
	o       *Orchestrator
	keys    *keyEvents
	ident   *session
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	backend := memory.New("")
	b := bus.New()
	ident := &session{user: "1"}
	c := cache.New(testDB(t), backend, ident, b, cache.Config{StaleAfter: time.Minute}, logger)
	keys := &keyEvents{}
	if opts.Trust == nil {
		opts.Trust = keys
	}
	o := New(c, backend, backend, ident, b, opts, Config{FeedRetry: 10 * time.Millisecond, PageSize: 2}, logger)
	return &fixture{backend: backend, bus: b, cache: c, o: o, keys: keys, ident: ident}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.o.Start(context.Background())
	t.Cleanup(f.o.Stop)
}

func (f *fixture) insert(t *testing.T, table string, row remote.Row) {
	t.Helper()
	if _, err := f.backend.Insert(context.Background(), table, row); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func message(id, ch, sender string, at int64) remote.Row {
	return remote.Row{"id": id, "channel_id": ch, "sender_id": sender, "content": "body " + id, "created_at": at}
}

func TestLoadChatListColdFetches(t *testing.T) {
	f := newFixture(t, Options{})
	f.insert(t, ChannelsTable, remote.Row{"id": "dm:1:2", "kind": "direct", "last_message": "hi", "last_message_at": int64(1000)})
	f.insert(t, ChannelsTable, remote.Row{"id": "dm:2:3", "kind": "direct"})
	f.insert(t, ChannelsTable, remote.Row{"id": "group:g", "kind": "group", "participants": []string{"1", "4"}})

	res, err := f.o.LoadChatList(context.Background(), false, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Err != nil || res.Stale || !res.Loaded {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Summaries) != 2 {
		t.Fatalf("summaries = %+v, want the two channels user 1 belongs to", res.Summaries)
	}
	if res.Summaries[0].ChannelID != "dm:1:2" || res.Summaries[0].LastMessage.Preview != "hi" {
		t.Errorf("first = %+v", res.Summaries[0])
	}
}

func TestLoadChatListRevalidatesInBackground(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)
	ctx := context.Background()
	if err := f.cache.Chats.Replace(ctx, []cache.Chat{{ChannelID: "dm:1:2"}}); err != nil {
		t.Fatal(err)
	}
	f.cache.Chats.Invalidate()
	f.insert(t, ChannelsTable, remote.Row{"id": "dm:1:2"})
	f.insert(t, ChannelsTable, remote.Row{"id": "dm:1:5"})

	res, err := f.o.LoadChatList(ctx, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stale || !res.Refreshing || len(res.Summaries) != 1 {
		t.Fatalf("stale read = %+v", res)
	}
	waitFor(t, "background refresh", func() bool {
		snap, _ := f.cache.Chats.Get(ctx, false)
		return len(snap.Summaries) == 2 && !snap.Stale
	})
}

func TestLoadChatListFallsBackToCache(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_ = f.cache.Chats.Replace(ctx, []cache.Chat{{ChannelID: "dm:1:2"}})
	f.backend.Fail(errors.New("unreachable"))

	res, err := f.o.LoadChatList(ctx, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Err == nil || !res.Stale {
		t.Errorf("expected annotated stale result, got %+v", res)
	}
	if len(res.Summaries) != 1 {
		t.Errorf("last known snapshot not served: %+v", res.Summaries)
	}
}

func TestLoadMessagesDeltaSync(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)
	ctx := context.Background()
	for i, id := range []string{"m1", "m2", "m3"} {
		f.insert(t, MessagesTable, message(id, "dm:1:2", "2", int64(1000*(i+1))))
	}
	f.insert(t, MessagesTable, message("other", "dm:2:3", "2", 500))

	res, err := f.o.LoadMessages(ctx, "dm:1:2", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Err != nil || len(res.Messages) != 3 || res.Messages[0].MsgID != "m3" {
		t.Fatalf("cold load = %+v", res)
	}
	if cur, _ := f.cache.Messages.Cursor(ctx, "dm:1:2"); cur != 3000 {
		t.Errorf("cursor = %d", cur)
	}

	f.insert(t, MessagesTable, message("m4", "dm:1:2", "2", 4000))
	res, _ = f.o.LoadMessages(ctx, "dm:1:2", time.Time{}, 10)
	if !res.Refreshing {
		t.Error("warm load should revalidate in the background")
	}
	waitFor(t, "delta", func() bool {
		cur, _ := f.cache.Messages.Cursor(ctx, "dm:1:2")
		return cur == 4000
	})
}

func TestReconnectKeepsLocalOnlyPins(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	mon := netstate.New(f.bus, "", time.Second, nil)
	f.start(t)

	// Pushes fail while offline, so the pins exist only locally.
	f.backend.Fail(errors.New("offline"))
	mon.SetOnline(false)
	for _, ch := range []string{"dm:1:2", "group:g"} {
		if _, err := f.cache.Prefs.TogglePin(ctx, ch); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = f.cache.Prefs.ToggleArchive(ctx, "dm:1:9")
	f.cache.Prefs.Wait()
	if rows := f.backend.Rows(cache.PreferencesTable); len(rows) != 0 {
		t.Fatalf("remote unexpectedly has %v", rows)
	}

	f.backend.Fail(nil)
	f.insert(t, cache.PreferencesTable, remote.Row{"user_id": "1", "channel_id": "dm:1:2", "pinned": false, "muted": true})
	f.insert(t, cache.PreferencesTable, remote.Row{"user_id": "1", "channel_id": "dm:1:7", "pinned": true})
	f.insert(t, ReadStateTable, remote.Row{"user_id": "1", "channel_id": "dm:1:7", "unread_count": int64(3)})

	mon.SetOnline(true)
	waitFor(t, "delta sync", func() bool { return f.cache.Unread.Count("dm:1:7") == 3 && f.cache.Prefs.Get("dm:1:7").Pinned })

	for _, ch := range []string{"dm:1:2", "group:g"} {
		if !f.cache.Prefs.Get(ch).Pinned {
			t.Errorf("%s lost its local pin", ch)
		}
	}
	if !f.cache.Prefs.Get("dm:1:9").Archived {
		t.Error("local archive lost")
	}
	if !f.cache.Prefs.Get("dm:1:2").Muted {
		t.Error("remote mute not merged")
	}
}

func TestOnNewMessageReceived(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_ = f.o.OnNewMessageReceived(ctx, store.Message{ChannelID: "dm:1:2", MsgID: "a", SenderID: "2", Content: "hey", CreatedAt: 1000})
	_ = f.o.OnNewMessageReceived(ctx, store.Message{ChannelID: "dm:1:2", MsgID: "b", SenderID: "1", Content: "mine", CreatedAt: 2000})
	if n := f.cache.Unread.Count("dm:1:2"); n != 1 {
		t.Errorf("unread = %d, own message must not count", n)
	}

	if err := f.o.OnChatOpened(ctx, "group:g"); err != nil {
		t.Fatal(err)
	}
	_ = f.o.OnNewMessageReceived(ctx, store.Message{ChannelID: "group:g", MsgID: "c", SenderID: "4", CreatedAt: 3000})
	if n := f.cache.Unread.Count("group:g"); n != 0 {
		t.Errorf("open channel unread = %d", n)
	}

	snap, _ := f.cache.Chats.Get(ctx, false)
	if len(snap.Summaries) != 2 || snap.Summaries[0].ChannelID != "group:g" {
		t.Fatalf("chat list = %+v", snap.Summaries)
	}
	if lm := snap.Summaries[1].LastMessage; lm.ID != "b" {
		t.Errorf("dm last message = %+v", lm)
	}
	if err := f.o.OnNewMessageReceived(ctx, store.Message{ChannelID: "x"}); err == nil {
		t.Error("expected error for a message without id")
	}
}

func TestOnChatOpenedSyncsReadState(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_ = f.cache.Unread.Set(ctx, "dm:1:2", 5)

	if err := f.o.OnChatOpened(ctx, "dm:1:2"); err != nil {
		t.Fatal(err)
	}
	if n := f.cache.Unread.Count("dm:1:2"); n != 0 {
		t.Errorf("unread = %d", n)
	}
	f.o.Stop()
	rows := f.backend.Rows(ReadStateTable)
	if len(rows) != 1 || rows[0].Int64("unread_count") != 0 || rows[0].Text("channel_id") != "dm:1:2" {
		t.Errorf("read state rows = %v", rows)
	}
	f.o.OnChatClosed("dm:1:2")
	if f.o.OpenChannel() != "" {
		t.Error("channel still open")
	}
}

func TestRealtimeRouting(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	err := f.cache.Chats.Replace(ctx, []cache.Chat{
		{ChannelID: "group:g", Kind: "group", Participants: []string{"1", "4"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.start(t)

	// Subscriptions register asynchronously.
	waitFor(t, "feed", func() bool {
		f.insert(t, MessagesTable, message("warmup", "dm:1:2", "1", 1))
		f.insert(t, GroupMessagesTable, message("gwarmup", "group:g", "1", 1))
		direct, _ := f.cache.Messages.Page(ctx, "dm:1:2", time.Time{}, 10)
		group, _ := f.cache.Messages.Page(ctx, "group:g", time.Time{}, 10)
		return len(direct) > 0 && len(group) > 0
	})

	f.insert(t, MessagesTable, message("m1", "dm:1:2", "2", 5000))
	f.insert(t, MessagesTable, message("x", "dm:2:3", "2", 5000))
	f.insert(t, GroupMessagesTable, message("g1", "group:g", "4", 6000))
	waitFor(t, "messages", func() bool {
		return f.cache.Unread.Count("dm:1:2") == 1 && f.cache.Unread.Count("group:g") == 1
	})
	if page, _ := f.cache.Messages.Page(ctx, "dm:2:3", time.Time{}, 10); len(page) != 0 {
		t.Errorf("foreign direct message cached: %+v", page)
	}

	waitFor(t, "preference", func() bool {
		row := remote.Row{"user_id": "1", "channel_id": "group:g", "pinned": true}
		if err := f.backend.Upsert(ctx, cache.PreferencesTable, row, "user_id", "channel_id"); err != nil {
			t.Fatal(err)
		}
		return f.cache.Prefs.Get("group:g").Pinned
	})
	f.insert(t, cache.PreferencesTable, remote.Row{"user_id": "9", "channel_id": "group:h", "pinned": true})
	f.insert(t, cache.PreferencesTable, remote.Row{"user_id": "1", "channel_id": "group:k", "archived": true})
	waitFor(t, "second preference", func() bool { return f.cache.Prefs.Get("group:k").Archived })
	if f.cache.Prefs.Get("group:h").Pinned {
		t.Error("another user's preference was applied")
	}

	// Inserts and updates both announce the key.
	rotation := 0
	waitFor(t, "key announcement", func() bool {
		rotation++
		row := remote.Row{"user_id": "2", "public_key": "k" + strconv.Itoa(rotation)}
		if err := f.backend.Upsert(ctx, cryptobox.PublicKeysTable, row, "user_id"); err != nil {
			t.Fatal(err)
		}
		return len(f.keys.seen()) > 0
	})
	for _, u := range f.keys.seen() {
		if u != "2" {
			t.Errorf("unexpected key announcement for %s", u)
		}
	}
}

func TestRealtimeMessageKeepsOlderHistory(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.insert(t, MessagesTable, message("m1", "dm:1:2", "2", 100))
	f.insert(t, MessagesTable, message("m2", "dm:1:2", "2", 200))

	// m3 arrives live before the channel was ever opened.
	if err := f.o.OnNewMessageReceived(ctx, store.Message{ChannelID: "dm:1:2", MsgID: "m3", SenderID: "2", CreatedAt: 300}); err != nil {
		t.Fatal(err)
	}
	if cur, _ := f.cache.Messages.Cursor(ctx, "dm:1:2"); cur != 0 {
		t.Fatalf("cursor = %d after a live message, want 0", cur)
	}
	res, err := f.o.LoadMessages(ctx, "dm:1:2", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(res.Messages); got != "m3 m2 m1" {
		t.Fatalf("history = %s, want m3 m2 m1", got)
	}

	// A message missed while the feed was down is older than the next live
	// one and still arrives with the next sync.
	f.insert(t, MessagesTable, message("m4", "dm:1:2", "2", 400))
	_ = f.o.OnNewMessageReceived(ctx, store.Message{ChannelID: "dm:1:2", MsgID: "m5", SenderID: "2", CreatedAt: 500})
	if err := f.o.SyncChannel(ctx, "dm:1:2"); err != nil {
		t.Fatal(err)
	}
	page, _ := f.cache.Messages.Page(ctx, "dm:1:2", time.Time{}, 10)
	if got := ids(page); got != "m5 m4 m3 m2 m1" {
		t.Errorf("history = %s, want m5 m4 m3 m2 m1", got)
	}
}

func TestSyncChannelKeepsSameMillisecondMessages(t *testing.T) {
	f := newFixture(t, Options{}) // two messages per page
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		f.insert(t, MessagesTable, message(id, "dm:1:2", "2", 1000))
	}
	f.insert(t, MessagesTable, message("d", "dm:1:2", "2", 2000))

	if err := f.o.SyncChannel(ctx, "dm:1:2"); err != nil {
		t.Fatal(err)
	}
	page, _ := f.cache.Messages.Page(ctx, "dm:1:2", time.Time{}, 10)
	if got := ids(page); got != "d c b a" {
		t.Fatalf("history = %s, want d c b a", got)
	}

	// Another message in the cursor's millisecond is still picked up.
	f.insert(t, MessagesTable, message("e", "dm:1:2", "2", 2000))
	if err := f.o.SyncChannel(ctx, "dm:1:2"); err != nil {
		t.Fatal(err)
	}
	page, _ = f.cache.Messages.Page(ctx, "dm:1:2", time.Time{}, 10)
	if len(page) != 5 {
		t.Errorf("history = %s, want five messages", ids(page))
	}
}

func TestPerUserRowsFollowTheSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.ident.set("")
	f.start(t)

	// Signed in after the feed started, without a resubscribe.
	f.ident.set("1")
	f.o.routePreference(ctx, remote.Change{Type: remote.ChangeInsert, Row: remote.Row{"user_id": "999", "channel_id": "dm:1:2", "pinned": true}})
	f.o.routeReadState(ctx, remote.Change{Type: remote.ChangeInsert, Row: remote.Row{"user_id": "999", "channel_id": "dm:1:2", "unread_count": int64(7)}})
	if f.cache.Prefs.Get("dm:1:2").Pinned {
		t.Error("user 999's pin was merged into user 1's preferences")
	}
	if n := f.cache.Unread.Count("dm:1:2"); n != 0 {
		t.Errorf("unread = %d from user 999's read state", n)
	}

	f.o.SessionChanged()
	if err := f.backend.Upsert(ctx, cache.PreferencesTable, remote.Row{"user_id": "999", "channel_id": "dm:1:3", "pinned": true}, "user_id", "channel_id"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "own preference", func() bool {
		row := remote.Row{"user_id": "1", "channel_id": "dm:1:4", "pinned": true}
		if err := f.backend.Upsert(ctx, cache.PreferencesTable, row, "user_id", "channel_id"); err != nil {
			t.Fatal(err)
		}
		return f.cache.Prefs.Get("dm:1:4").Pinned
	})
	if f.cache.Prefs.Get("dm:1:3").Pinned {
		t.Error("another user's preference was applied after sign-in")
	}

	// Signed out, nothing per-user is applied.
	f.ident.set("")
	f.o.SessionChanged()
	f.o.routeReadState(ctx, remote.Change{Type: remote.ChangeInsert, Row: remote.Row{"user_id": "1", "channel_id": "dm:1:5", "unread_count": int64(2)}})
	if n := f.cache.Unread.Count("dm:1:5"); n != 0 {
		t.Errorf("unread = %d while signed out", n)
	}
}

func TestGroupMessagesNeedMembership(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	err := f.cache.Chats.Replace(ctx, []cache.Chat{
		{ChannelID: "group:mine", Kind: "group", Participants: []string{"1", "4"}},
		{ChannelID: "group:theirs", Kind: "group", Participants: []string{"4", "5"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, row := range []remote.Row{
		message("g1", "group:mine", "4", 1000),
		message("g2", "group:theirs", "4", 1000),
		message("g3", "group:unknown", "4", 1000),
	} {
		f.o.routeMessage(ctx, remote.Change{Type: remote.ChangeInsert, Row: row})
	}

	if page, _ := f.cache.Messages.Page(ctx, "group:mine", time.Time{}, 10); len(page) != 1 {
		t.Errorf("own group history = %+v", page)
	}
	if n := f.cache.Unread.Count("group:mine"); n != 1 {
		t.Errorf("own group unread = %d, want 1", n)
	}
	for _, ch := range []string{"group:theirs", "group:unknown"} {
		if page, _ := f.cache.Messages.Page(ctx, ch, time.Time{}, 10); len(page) != 0 {
			t.Errorf("%s cached: %+v", ch, page)
		}
		if n := f.cache.Unread.Count(ch); n != 0 {
			t.Errorf("%s unread = %d", ch, n)
		}
	}
	snap, _ := f.cache.Chats.Get(ctx, false)
	if len(snap.Summaries) != 2 {
		t.Errorf("chat list = %+v", snap.Summaries)
	}
}

func TestKeyReannouncementKeepsTrust(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	secrets := mapSecrets{}
	svc := cryptobox.NewService(cryptobox.NewKeyring(secrets), cryptobox.NewDirectory(f.backend))
	if _, err := svc.Keys.Generate(ctx); err != nil {
		t.Fatal(err)
	}
	peer, err := cryptobox.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	announce := func(pk cryptobox.PublicKey, at int64) {
		row := remote.Row{"user_id": "2", "public_key": pk.String(), "updated_at": at}
		if err := f.backend.Upsert(ctx, cryptobox.PublicKeysTable, row, "user_id"); err != nil {
			t.Fatal(err)
		}
	}
	announce(peer.Public, 1)

	verified := trust.New(secrets, svc, nil, nil)
	if err := verified.MarkUserVerified(ctx, "2"); err != nil {
		t.Fatal(err)
	}
	f.keys.next = verified
	f.start(t)

	// The peer's daemon restarts and republishes the same key.
	at := int64(1)
	waitFor(t, "key announcement", func() bool {
		at++
		announce(peer.Public, at)
		return len(f.keys.seen()) > 0
	})
	if !verified.IsUserVerified(ctx, "2") {
		t.Fatal("trust dropped for an unchanged key")
	}

	rotated, err := cryptobox.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	announce(rotated.Public, at+1)
	waitFor(t, "trust invalidation", func() bool { return !verified.IsUserVerified(ctx, "2") })
}

func ids(msgs []store.Message) string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.MsgID
	}
	return strings.Join(out, " ")
}

type mapSecrets map[string][]byte

func (m mapSecrets) Get(_ context.Context, k string) ([]byte, error) { return m[k], nil }
func (m mapSecrets) Put(_ context.Context, k string, v []byte) error { m[k] = v; return nil }
func (m mapSecrets) Delete(_ context.Context, k string) error        { delete(m, k); return nil }

func TestEncryptedMessagesAreOpened(t *testing.T) {
	ctx := context.Background()
	backend := memory.New("")
	self := cryptobox.NewService(cryptobox.NewKeyring(mapSecrets{}), cryptobox.NewDirectory(backend))
	peer := cryptobox.NewService(cryptobox.NewKeyring(mapSecrets{}), cryptobox.NewDirectory(backend))
	for id, svc := range map[string]*cryptobox.Service{"1": self, "2": peer} {
		if _, err := svc.Keys.Generate(ctx); err != nil {
			t.Fatal(err)
		}
		if err := svc.Keys.Publish(ctx, backend, id); err != nil {
			t.Fatal(err)
		}
	}

	logger := zap.NewNop()
	ident := auth.Static{UserID: "1"}
	c := cache.New(testDB(t), backend, ident, nil, cache.Config{}, logger)
	o := New(c, backend, nil, ident, nil, Options{Decrypter: e2ee.New(self, nil, logger), Keys: self}, Config{}, logger)

	inbound := e2ee.New(peer, nil, logger).EncryptDirect(ctx, "from bob", "1")
	outbound := e2ee.New(self, nil, logger).EncryptDirect(ctx, "to bob", "2")
	if !inbound.OK() || !outbound.OK() {
		t.Fatal("encryption failed")
	}
	for _, m := range []struct {
		id, sender, recipient string
		res                   e2ee.Result
	}{{"in", "2", "1", inbound}, {"out", "1", "2", outbound}} {
		_, err := backend.Insert(ctx, MessagesTable, remote.Row{
			"id": m.id, "channel_id": "dm:1:2", "sender_id": m.sender, "recipient_id": m.recipient,
			"is_encrypted": true, "content": "", "created_at": int64(1000),
			"ciphertext":        m.res.Payload.Ciphertext,
			"nonce":             m.res.Payload.Nonce,
			"sender_public_key": m.res.Payload.SenderPublicKey.String(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	res, err := o.LoadMessages(ctx, "dm:1:2", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, m := range res.Messages {
		got[m.MsgID] = m.Content
	}
	if got["in"] != "from bob" || got["out"] != "to bob" {
		t.Errorf("decrypted = %v", got)
	}
}
