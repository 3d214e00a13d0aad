// Package memory is an in-process remote backend. The daemon uses it when no
// remote is configured and tests use it as the remote double.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/parley/internal/remote"
)

// Backend implements remote.Rows, remote.Feed and remote.Blobs.
type Backend struct {
	mu      sync.Mutex
	tables  map[string][]remote.Row
	blobs   map[string][]byte
	subs    map[int]*subscription
	nextSub int
	failErr error
	delay   time.Duration
	baseURL string
}

type subscription struct {
	mu      sync.RWMutex
	closed  bool
	table   string
	filters []remote.Filter
	ch      chan remote.Change
	done    <-chan struct{}
}

// New creates an empty backend. baseURL prefixes PublicURL results.
func New(baseURL string) *Backend {
	return &Backend{
		tables:  make(map[string][]remote.Row),
		blobs:   make(map[string][]byte),
		subs:    make(map[int]*subscription),
		baseURL: baseURL,
	}
}

// Client returns a remote.Client backed by b.
func (b *Backend) Client() *remote.Client {
	return &remote.Client{Rows: b, Feed: b, Blobs: b}
}

// Fail makes every subsequent row and blob call return err. Pass nil to
// recover.
func (b *Backend) Fail(err error) {
	b.mu.Lock()
	b.failErr = err
	b.mu.Unlock()
}

// SetDelay makes every call wait d (or until ctx is done) before running.
func (b *Backend) SetDelay(d time.Duration) {
	b.mu.Lock()
	b.delay = d
	b.mu.Unlock()
}

// Rows returns a copy of every row in table.
func (b *Backend) Rows(table string) []remote.Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]remote.Row, 0, len(b.tables[table]))
	for _, r := range b.tables[table] {
		out = append(out, r.Clone())
	}
	return out
}

func (b *Backend) enter(ctx context.Context) error {
	b.mu.Lock()
	d, err := b.delay, b.failErr
	b.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (b *Backend) Select(ctx context.Context, q remote.Query) ([]remote.Row, error) {
	if err := b.enter(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	var out []remote.Row
	for _, r := range b.tables[q.Table] {
		if remote.Matches(r, q.Filters) {
			out = append(out, r.Clone())
		}
	}
	b.mu.Unlock()

	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := remote.Compare(out[i][q.OrderBy], out[j][q.OrderBy])
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (b *Backend) Insert(ctx context.Context, table string, row remote.Row) (remote.Row, error) {
	if err := b.enter(ctx); err != nil {
		return nil, err
	}
	r := row.Clone()
	if _, ok := r["id"]; !ok {
		r["id"] = uuid.NewString()
	}
	b.mu.Lock()
	b.tables[table] = append(b.tables[table], r)
	b.mu.Unlock()

	b.publish(table, remote.ChangeInsert, r)
	return r.Clone(), nil
}

func (b *Backend) Upsert(ctx context.Context, table string, row remote.Row, conflict ...string) error {
	if err := b.enter(ctx); err != nil {
		return err
	}
	filters := make([]remote.Filter, 0, len(conflict))
	for _, col := range conflict {
		filters = append(filters, remote.Eq(col, row[col]))
	}

	b.mu.Lock()
	var (
		merged remote.Row
		typ    = remote.ChangeInsert
	)
	if len(filters) > 0 {
		for _, r := range b.tables[table] {
			if remote.Matches(r, filters) {
				for k, v := range row {
					r[k] = v
				}
				merged, typ = r.Clone(), remote.ChangeUpdate
				break
			}
		}
	}
	if merged == nil {
		merged = row.Clone()
		b.tables[table] = append(b.tables[table], merged)
		merged = merged.Clone()
	}
	b.mu.Unlock()

	b.publish(table, typ, merged)
	return nil
}

func (b *Backend) Update(ctx context.Context, table string, set remote.Row, filters ...remote.Filter) (int64, error) {
	if err := b.enter(ctx); err != nil {
		return 0, err
	}
	b.mu.Lock()
	var changed []remote.Row
	for _, r := range b.tables[table] {
		if remote.Matches(r, filters) {
			for k, v := range set {
				r[k] = v
			}
			changed = append(changed, r.Clone())
		}
	}
	b.mu.Unlock()

	for _, r := range changed {
		b.publish(table, remote.ChangeUpdate, r)
	}
	return int64(len(changed)), nil
}

func (b *Backend) Delete(ctx context.Context, table string, filters ...remote.Filter) (int64, error) {
	if err := b.enter(ctx); err != nil {
		return 0, err
	}
	b.mu.Lock()
	var kept, removed []remote.Row
	for _, r := range b.tables[table] {
		if remote.Matches(r, filters) {
			removed = append(removed, r)
		} else {
			kept = append(kept, r)
		}
	}
	b.tables[table] = kept
	b.mu.Unlock()

	for _, r := range removed {
		b.publish(table, remote.ChangeDelete, r)
	}
	return int64(len(removed)), nil
}

// Subscribe registers a feed subscription. Delivery blocks on a full
// channel until the subscriber reads or its context ends, so changes are
// seen in write order.
func (b *Backend) Subscribe(ctx context.Context, table string, filters ...remote.Filter) (<-chan remote.Change, error) {
	ch := make(chan remote.Change, 64)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	sub := &subscription{table: table, filters: filters, ch: ch, done: ctx.Done()}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()

		sub.mu.Lock()
		sub.closed = true
		close(ch)
		sub.mu.Unlock()
	}()
	return ch, nil
}

func (b *Backend) publish(table string, typ remote.ChangeType, row remote.Row) {
	b.mu.Lock()
	var targets []*subscription
	for _, s := range b.subs {
		if s.table == table && remote.Matches(row, s.filters) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.send(remote.Change{Table: table, Type: typ, Row: row.Clone()})
	}
}

func (s *subscription) send(c remote.Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- c:
	case <-s.done:
	}
}

func (b *Backend) Upload(ctx context.Context, bucket, path string, data []byte, _ string) error {
	if err := b.enter(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	b.blobs[bucket+"/"+path] = bytes.Clone(data)
	b.mu.Unlock()
	return nil
}

func (b *Backend) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	if err := b.enter(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	data, ok := b.blobs[bucket+"/"+path]
	b.mu.Unlock()
	if !ok {
		return nil, remote.ErrNotFound
	}
	return bytes.Clone(data), nil
}

func (b *Backend) PublicURL(bucket, path string) string {
	return b.baseURL + "/" + bucket + "/" + path
}
