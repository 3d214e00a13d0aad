package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/store"
	"go.uber.org/zap"
)

type mockExecutor struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
	block chan struct{}
}

func (m *mockExecutor) Execute(_ context.Context, a Action) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, a.ID)
	return m.errs[a.ID]
}

func (m *mockExecutor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type netFlag struct {
	mu     sync.Mutex
	online bool
}

func (n *netFlag) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *netFlag) Set(v bool) {
	n.mu.Lock()
	n.online = v
	n.mu.Unlock()
}

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

func sendAction(id, channel string, at int) Action {
	return Action{
		ID:        id,
		Payload:   SendDirectMessage{ChannelID: channel, SenderID: "1", RecipientID: "2", Content: "msg " + id},
		CreatedAt: time.UnixMilli(int64(1000 + at)),
	}
}

func newQueue(t *testing.T, exec Executor, net Connectivity, b *bus.Bus) *Queue {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return New(testDB(t), exec, net, b, Config{BaseBackoff: time.Second, MaxBackoff: 8 * time.Second, MaxAttempts: 3}, logger)
}

func TestEnqueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	q := New(db, nil, nil, nil, Config{}, nil)
	if err := q.Enqueue(ctx, sendAction("p1", "dm:1:2", 0)); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db2, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db2.Close() }()
	actions, err := New(db2, nil, nil, nil, Config{}, nil).List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].ID != "p1" {
		t.Fatalf("actions = %+v", actions)
	}
	p, ok := actions[0].Payload.(SendDirectMessage)
	if !ok || p.Content != "msg p1" || p.ChannelID != "dm:1:2" {
		t.Errorf("payload = %#v", actions[0].Payload)
	}
}

func TestPayloadKindsDecode(t *testing.T) {
	payloads := []Payload{
		SendDirectMessage{ChannelID: "c", Encrypted: &Envelope{Ciphertext: []byte{1}, Nonce: []byte{2}, SenderPublicKey: "k"}},
		SendGroupMessage{ChannelID: "g", GroupID: "g"},
		AddReaction{MessageID: "m", UserID: "u", Emoji: "👍"},
		RemoveReaction{MessageID: "m", UserID: "u", Emoji: "👍"},
	}
	for _, p := range payloads {
		data, err := Encode(p)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decode(p.Kind(), data)
		if err != nil {
			t.Fatalf("%s: %v", p.Kind(), err)
		}
		if got.Kind() != p.Kind() || got.OrderKey() != p.OrderKey() {
			t.Errorf("%s decoded as %#v", p.Kind(), got)
		}
	}
	if _, err := Decode("bogus", nil); err == nil {
		t.Error("unknown kind should fail")
	}
}

func TestProcessDueCompletesInOrder(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(string(bus.QueueCompleted), 10)
	defer unsub()

	exec := &mockExecutor{}
	q := newQueue(t, exec, &netFlag{online: true}, b)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, sendAction(id, "dm:1:2", i)); err != nil {
			t.Fatal(err)
		}
	}

	if n := q.ProcessDue(ctx); n != 3 {
		t.Fatalf("completed = %d, want 3", n)
	}
	if got := fmt.Sprint(exec.Calls()); got != "[a b c]" {
		t.Errorf("execution order = %s", got)
	}
	for _, want := range []string{"a", "b", "c"} {
		select {
		case evt := <-ch:
			if c := evt.Payload.(Ref); c.ID != want {
				t.Errorf("completed %s, want %s", c.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for queue.completed")
		}
	}
	if actions, _ := q.List(ctx); len(actions) != 0 {
		t.Errorf("queue not drained: %+v", actions)
	}
}

func TestOfflineDoesNotDrain(t *testing.T) {
	exec := &mockExecutor{}
	net := &netFlag{}
	q := newQueue(t, exec, net, nil)
	ctx := context.Background()

	_ = q.Enqueue(ctx, sendAction("a", "c", 0))
	if n := q.ProcessDue(ctx); n != 0 || len(exec.Calls()) != 0 {
		t.Fatal("drained while offline")
	}
	net.Set(true)
	if n := q.ProcessDue(ctx); n != 1 {
		t.Fatalf("completed = %d after going online", n)
	}
}

func TestFailureBacksOffAndBlocksSameChannel(t *testing.T) {
	exec := &mockExecutor{errs: map[string]error{"a": errors.New("timeout")}}
	q := newQueue(t, exec, &netFlag{online: true}, nil)
	now := time.UnixMilli(1_000_000)
	q.now = func() time.Time { return now }
	ctx := context.Background()

	_ = q.Enqueue(ctx, sendAction("a", "c1", 0))
	_ = q.Enqueue(ctx, sendAction("b", "c1", 1))
	_ = q.Enqueue(ctx, sendAction("x", "c2", 2))

	if n := q.ProcessDue(ctx); n != 1 {
		t.Fatalf("completed = %d, want 1 (only c2)", n)
	}
	// b must not overtake a on the same channel.
	if got := fmt.Sprint(exec.Calls()); got != "[a x]" {
		t.Errorf("calls = %s", got)
	}

	a, err := q.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if a.Attempts != 1 || a.Status != StatusQueued || a.LastError != "timeout" {
		t.Errorf("a = %+v", a)
	}
	if want := now.Add(time.Second); !a.NextAttemptAt.Equal(want) {
		t.Errorf("next attempt = %v, want %v", a.NextAttemptAt, want)
	}

	// Not due yet.
	if n := q.ProcessDue(ctx); n != 0 {
		t.Errorf("completed = %d before backoff elapsed", n)
	}

	// A later send on the same channel waits for a across ticks.
	_ = q.Enqueue(ctx, sendAction("c", "c1", 3))
	now = now.Add(100 * time.Millisecond)
	if n := q.ProcessDue(ctx); n != 0 {
		t.Errorf("completed = %d while a is backing off", n)
	}
	if got := fmt.Sprint(exec.Calls()); got != "[a x]" {
		t.Errorf("calls = %s, c overtook a", got)
	}

	delete(exec.errs, "a")
	now = now.Add(2 * time.Second)
	if n := q.ProcessDue(ctx); n != 3 {
		t.Fatalf("completed = %d after backoff, want 3", n)
	}
	if got := fmt.Sprint(exec.Calls()); got != "[a x a b c]" {
		t.Errorf("calls = %s", got)
	}
}

func TestExhaustedAttemptsFail(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(string(bus.QueueFailed), 10)
	defer unsub()

	exec := &mockExecutor{errs: map[string]error{"a": errors.New("500")}}
	q := newQueue(t, exec, &netFlag{online: true}, b)
	now := time.UnixMilli(0)
	q.now = func() time.Time { return now }
	ctx := context.Background()
	_ = q.Enqueue(ctx, sendAction("a", "c", 0))

	for i := 0; i < 3; i++ {
		q.ProcessDue(ctx)
		now = now.Add(time.Minute)
	}

	select {
	case evt := <-ch:
		f := evt.Payload.(Failed)
		if f.ID != "a" || f.Attempts != 3 || f.Permanent {
			t.Errorf("failed = %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for queue.failed")
	}

	a, _ := q.Get(ctx, "a")
	if a.Status != StatusFailed {
		t.Errorf("status = %s, want failed", a.Status)
	}
	// Failed actions stay until retried.
	q.ProcessDue(ctx)
	if len(exec.Calls()) != 3 {
		t.Errorf("failed action executed again: %v", exec.Calls())
	}

	delete(exec.errs, "a")
	if err := q.Retry(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if n := q.ProcessDue(ctx); n != 1 {
		t.Errorf("completed = %d after retry", n)
	}
	if err := q.Retry(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Retry(unknown) = %v, want ErrNotFound", err)
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	exec := &mockExecutor{errs: map[string]error{"a": fmt.Errorf("rejected: %w", ErrPermanent)}}
	q := newQueue(t, exec, &netFlag{online: true}, nil)
	ctx := context.Background()
	_ = q.Enqueue(ctx, sendAction("a", "c", 0))

	q.ProcessDue(ctx)
	a, _ := q.Get(ctx, "a")
	if a.Status != StatusFailed || a.Attempts != 1 {
		t.Errorf("a = %+v", a)
	}
}

func TestDeferredActionKeepsAttempts(t *testing.T) {
	exec := &mockExecutor{errs: map[string]error{"a": fmt.Errorf("%w: other user", ErrDeferred)}}
	q := newQueue(t, exec, &netFlag{online: true}, nil)
	now := time.UnixMilli(1_000_000)
	q.now = func() time.Time { return now }
	ctx := context.Background()
	_ = q.Enqueue(ctx, sendAction("a", "c", 0))

	for i := 0; i < 5; i++ {
		q.ProcessDue(ctx)
		now = now.Add(time.Minute)
	}
	a, _ := q.Get(ctx, "a")
	if a.Status != StatusQueued || a.Attempts != 0 {
		t.Fatalf("a = %+v, want queued with no attempts spent", a)
	}

	delete(exec.errs, "a")
	if n := q.ProcessDue(ctx); n != 1 {
		t.Errorf("completed = %d once the owner is back", n)
	}
}

func TestCancel(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(string(bus.QueueCancelled), 10)
	defer unsub()

	exec := &mockExecutor{block: make(chan struct{})}
	q := newQueue(t, exec, &netFlag{online: true}, b)
	ctx := context.Background()

	_ = q.Enqueue(ctx, sendAction("a", "c", 0))
	_ = q.Enqueue(ctx, sendAction("b", "d", 1))

	if err := q.Cancel(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for queue.cancelled")
	}

	// Unknown ids are a no-op.
	if err := q.Cancel(ctx, "nope"); err != nil {
		t.Errorf("Cancel(unknown) = %v", err)
	}

	// An executing action cannot be cancelled.
	done := make(chan struct{})
	go func() {
		q.ProcessDue(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for {
		a, err := q.Get(ctx, "a")
		if err == nil && a.Status == StatusProcessing {
			break
		}
		select {
		case <-deadline:
			t.Fatal("action never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := q.Cancel(ctx, "a"); !errors.Is(err, ErrInFlight) {
		t.Errorf("Cancel(in flight) = %v, want ErrInFlight", err)
	}
	close(exec.block)
	<-done
}

func TestStartDrainsOnWake(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(string(bus.QueueCompleted), 10)
	defer unsub()

	exec := &mockExecutor{}
	q := newQueue(t, exec, &netFlag{online: true}, b)
	q.cfg.PollInterval = time.Hour

	q.Start(context.Background())
	defer q.Stop()

	_ = q.Enqueue(context.Background(), sendAction("a", "c", 0))
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue did not wake the processor")
	}
}

func TestBackoffCaps(t *testing.T) {
	q := New(nil, nil, nil, nil, Config{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}, nil)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := q.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
