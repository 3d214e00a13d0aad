// Package redisfeed carries remote row changes over Redis pub/sub. It is
// both the Notifier used by row backends and the Feed consumed by the sync
// orchestrator.
package redisfeed

import (
	"context"
	"fmt"

	"github.com/matheus3301/parley/internal/remote"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const channelPrefix = "parley:changes:"

// Feed publishes and subscribes to change notifications.
type Feed struct {
	client *redis.Client
	log    *zap.Logger
}

// New connects to the Redis server at addr.
func New(addr, password string, db int, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		log: log,
	}
}

// Ping checks connectivity.
func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Close closes the client.
func (f *Feed) Close() error {
	return f.client.Close()
}

// Publish announces c to subscribers of its table.
func (f *Feed) Publish(ctx context.Context, c remote.Change) error {
	data, err := msgpack.Marshal(&c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	return f.client.Publish(ctx, channelPrefix+c.Table, data).Err()
}

// Subscribe streams changes on table that match filters.
func (f *Feed) Subscribe(ctx context.Context, table string, filters ...remote.Filter) (<-chan remote.Change, error) {
	ps := f.client.Subscribe(ctx, channelPrefix+table)
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", table, err)
	}

	out := make(chan remote.Change, 64)
	go func() {
		defer func() { _ = ps.Close() }()
		forward(ctx, ps.Channel(), out, filters, f.log)
	}()
	return out, nil
}

// forward decodes messages into out until ctx ends or msgs closes, then
// closes out.
func forward(ctx context.Context, msgs <-chan *redis.Message, out chan<- remote.Change, filters []remote.Filter, log *zap.Logger) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			var c remote.Change
			if err := msgpack.Unmarshal([]byte(m.Payload), &c); err != nil {
				log.Warn("dropping undecodable change", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			if !remote.Matches(c.Row, filters) {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}
}
