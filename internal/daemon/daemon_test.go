package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/auth"
	"github.com/matheus3301/parley/internal/config"
	"github.com/matheus3301/parley/internal/remote"
	"github.com/matheus3301/parley/internal/remote/memory"
	intsync "github.com/matheus3301/parley/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type harness struct {
	client *api.Client
	remote *memory.Backend
	socket string
}

// startDaemon runs the whole module against the in-memory remote.
func startDaemon(t *testing.T) *harness {
	t.Helper()
	// Use a short path to avoid macOS 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "parley-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	t.Setenv("PARLEY_HOME", tmpDir)
	t.Setenv("PARLEY_PASSPHRASE", "correct horse")

	cfg := config.Default()
	cfg.Queue.PollInterval = 20 * time.Millisecond
	cfg.Queue.BaseBackoff = 10 * time.Millisecond

	mem := memory.New("http://blobs.test")
	socketPath := filepath.Join(tmpDir, "d.sock")
	app := fxtest.New(t,
		fx.NopLogger,
		Module(Params{Profile: "test", SocketPath: socketPath, Config: cfg, Remote: mem.Client()}),
	)
	app.RequireStart()
	t.Cleanup(app.RequireStop)

	client, err := api.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return &harness{client: client, remote: mem, socket: socketPath}
}

func (h *harness) call(t *testing.T, method string, req map[string]any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := h.client.Call(ctx, method, req)
	if err != nil {
		t.Fatalf("%s error = %v", method, err)
	}
	return resp
}

func (h *harness) waitState(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		got := h.call(t, "Status", nil)["state"]
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want %s", got, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *harness) signIn(t *testing.T, userID string) {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
		Name:             "Ada",
	}).SignedString([]byte("remote-secret"))
	if err != nil {
		t.Fatal(err)
	}
	resp := h.call(t, "SignIn", map[string]any{"token": tok})
	if resp["user_id"] != userID {
		t.Fatalf("user_id = %v, want %s", resp["user_id"], userID)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	h := startDaemon(t)

	resp := h.call(t, "Status", nil)
	if resp["profile"] != "test" {
		t.Errorf("profile = %v, want test", resp["profile"])
	}
	// Daemon must not stay in BOOTING when unauthenticated.
	h.waitState(t, "AUTH_REQUIRED")

	h.signIn(t, "1")
	h.waitState(t, "READY")

	resp = h.call(t, "Status", nil)
	if resp["user_name"] != "Ada" {
		t.Errorf("user_name = %v, want Ada", resp["user_name"])
	}
	if keys := h.remote.Rows("user_public_keys"); len(keys) != 1 {
		t.Errorf("published keys = %d, want 1", len(keys))
	}

	h.call(t, "SignOut", nil)
	h.waitState(t, "AUTH_REQUIRED")
}

func TestSendOnlineAndOffline(t *testing.T) {
	h := startDaemon(t)
	h.signIn(t, "1")
	h.waitState(t, "READY")

	resp := h.call(t, "SendMessage", map[string]any{"channel_id": "dm:1:2", "content": "hello"})
	if resp["outcome"] != "sent" {
		t.Fatalf("outcome = %v, want sent", resp["outcome"])
	}
	if rows := h.remote.Rows(intsync.MessagesTable); len(rows) != 1 {
		t.Fatalf("remote messages = %d, want 1", len(rows))
	}

	h.call(t, "SetOnline", map[string]any{"online": false})
	h.waitState(t, "OFFLINE")

	resp = h.call(t, "SendMessage", map[string]any{"channel_id": "dm:1:2", "content": "later"})
	if resp["outcome"] != "queued" {
		t.Fatalf("outcome = %v, want queued", resp["outcome"])
	}
	pending, _ := h.call(t, "ListPending", map[string]any{"channel_id": "dm:1:2"})["messages"].([]any)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	h.call(t, "SetOnline", map[string]any{"online": true})
	deadline := time.Now().Add(3 * time.Second)
	for len(h.remote.Rows(intsync.MessagesTable)) != 2 {
		if time.Now().After(deadline) {
			t.Fatal("queued message was not delivered after reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.waitState(t, "READY")
}

func TestQueuedSendsWaitForTheirSender(t *testing.T) {
	h := startDaemon(t)
	h.signIn(t, "1")
	h.waitState(t, "READY")

	h.call(t, "SetOnline", map[string]any{"online": false})
	h.waitState(t, "OFFLINE")
	resp := h.call(t, "SendMessage", map[string]any{"channel_id": "dm:1:2", "content": "from one"})
	if resp["outcome"] != "queued" {
		t.Fatalf("outcome = %v, want queued", resp["outcome"])
	}

	// Another user takes over the profile and the network comes back.
	h.call(t, "SignOut", nil)
	h.signIn(t, "3")
	h.call(t, "SetOnline", map[string]any{"online": true})
	time.Sleep(300 * time.Millisecond)
	if rows := h.remote.Rows(intsync.MessagesTable); len(rows) != 0 {
		t.Fatalf("user 1's message was sent under user 3's session: %v", rows)
	}

	h.call(t, "SignOut", nil)
	h.signIn(t, "1")
	deadline := time.Now().Add(3 * time.Second)
	for len(h.remote.Rows(intsync.MessagesTable)) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("queued message was not delivered once its sender signed back in")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatListAndPreferences(t *testing.T) {
	h := startDaemon(t)
	h.signIn(t, "1")
	h.waitState(t, "READY")

	if _, err := h.remote.Insert(context.Background(), intsync.ChannelsTable, remote.Row{"id": "dm:1:2", "kind": "direct"}); err != nil {
		t.Fatal(err)
	}

	resp := h.call(t, "TogglePin", map[string]any{"channel_id": "dm:1:2"})
	if resp["pinned"] != true {
		t.Errorf("pinned = %v, want true", resp["pinned"])
	}

	resp = h.call(t, "LoadChatList", map[string]any{"force": true})
	chats, _ := resp["chats"].([]any)
	if len(chats) != 1 {
		t.Fatalf("chats = %d, want 1", len(chats))
	}
	chat := chats[0].(map[string]any)
	if chat["channel_id"] != "dm:1:2" {
		t.Errorf("channel_id = %v, want dm:1:2", chat["channel_id"])
	}
	if flags := chat["flags"].(map[string]any); flags["pinned"] != true {
		t.Errorf("flags = %v, want pinned", flags)
	}
}

func TestWatchEventsStreamsPendingChanges(t *testing.T) {
	h := startDaemon(t)
	h.signIn(t, "1")
	h.waitState(t, "READY")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	kinds := make(chan string, 16)
	go func() {
		_ = h.client.WatchEvents(ctx, "pending.", func(evt map[string]any) error {
			kind, _ := evt["kind"].(string)
			kinds <- kind
			return nil
		})
	}()

	timeout := time.After(3 * time.Second)
	for {
		h.call(t, "SendMessage", map[string]any{"channel_id": "dm:1:2", "content": "ping"})
		select {
		case kind := <-kinds:
			if kind != "pending.changed" {
				t.Fatalf("kind = %q, want pending.changed", kind)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-timeout:
			t.Fatal("no event received")
		}
	}
}

func TestInvalidRequests(t *testing.T) {
	h := startDaemon(t)
	ctx := context.Background()

	_, err := h.client.Call(ctx, "SendMessage", map[string]any{"channel_id": "dm:1:2"})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("missing content: code = %v, want InvalidArgument", status.Code(err))
	}

	_, err = h.client.Call(ctx, "SendMessage", map[string]any{"channel_id": "dm:1:2", "content": "hi"})
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("signed out: code = %v, want Unauthenticated", status.Code(err))
	}

	_, err = h.client.Call(ctx, "SignIn", map[string]any{"token": "not-a-jwt"})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("bad token: code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestModuleRejectsUnknownBackend(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "parley-fx-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	t.Setenv("PARLEY_HOME", tmpDir)

	cfg := config.Default()
	cfg.Remote.Backend = "carrier-pigeon"
	app := fx.New(fx.NopLogger, Module(Params{Profile: "fxtest", SocketPath: filepath.Join(tmpDir, "d.sock"), Config: cfg}))
	if app.Err() == nil {
		t.Fatal("expected an error for an unknown backend")
	}
}

// TestListenReplacesStaleSocket covers a daemon restarting after a crash
// left its socket file behind.
func TestListenReplacesStaleSocket(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "parley-sock-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "d.sock")
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	srv, err := Listen(socketPath, &api.Control{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer srv.Stop(context.Background())

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Error("expected a socket file")
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket perm = %o, want 600", perm)
	}
}
