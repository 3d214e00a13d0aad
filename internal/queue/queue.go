package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrInFlight is returned by Cancel when the action is being executed.
	ErrInFlight = errors.New("queue: action in flight")
	// ErrNotFound is returned by Retry for an unknown action.
	ErrNotFound = errors.New("queue: action not found")
	// ErrPermanent marks an executor error that must not be retried.
	ErrPermanent = errors.New("queue: permanent failure")
	// ErrDeferred marks an action the executor will not run yet. It goes
	// back to the queue without spending an attempt.
	ErrDeferred = errors.New("queue: action deferred")
)

// Executor performs an action against the remote.
type Executor interface {
	Execute(ctx context.Context, a Action) error
}

// Connectivity gates draining.
type Connectivity interface {
	Online() bool
}

// Config tunes the processor.
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	BatchSize    int
}

func (c *Config) fill() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
}

// Ref is the payload of queue.enqueued, queue.completed and
// queue.cancelled.
type Ref struct {
	ID   string
	Kind Kind
}

// Failed is the payload of queue.failed.
type Failed struct {
	ID        string
	Kind      Kind
	Error     string
	Attempts  int
	Permanent bool
}

// Queue persists actions and drains them through an Executor.
type Queue struct {
	db     *store.DB
	exec   Executor
	net    Connectivity
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config
	now    func() time.Time

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// drainMu serializes ProcessDue so a wake and a tick never overlap.
	drainMu sync.Mutex
}

// New creates a queue. exec may be set later with SetExecutor, before Start.
func New(db *store.DB, exec Executor, net Connectivity, b *bus.Bus, cfg Config, logger *zap.Logger) *Queue {
	cfg.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:     db,
		exec:   exec,
		net:    net,
		bus:    b,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// SetExecutor installs the executor.
func (q *Queue) SetExecutor(exec Executor) {
	q.exec = exec
}

// Enqueue durably stores a. Enqueueing an existing id is a no-op.
func (q *Queue) Enqueue(ctx context.Context, a Action) error {
	if a.ID == "" || a.Payload == nil {
		return errors.New("queue: action needs an id and a payload")
	}
	data, err := Encode(a.Payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", a.ID, err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = q.now()
	}
	if err := q.db.InsertAction(ctx, &store.ActionRow{
		ID:        a.ID,
		Kind:      string(a.Kind()),
		OrderKey:  a.Payload.OrderKey(),
		Payload:   data,
		CreatedAt: a.CreatedAt.UnixMilli(),
	}); err != nil {
		return fmt.Errorf("enqueue %s: %w", a.ID, err)
	}

	q.logger.Debug("action enqueued", zap.String("id", a.ID), zap.String("kind", string(a.Kind())))
	q.publish(bus.QueueEnqueued, Ref{ID: a.ID, Kind: a.Kind()})
	q.Wake()
	return nil
}

// Cancel removes a queued or failed action. It is a no-op for unknown ids
// and returns ErrInFlight while the action is executing.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	deleted, status, err := q.db.DeleteQueuedAction(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	if status == store.ActionProcessing {
		return ErrInFlight
	}
	if deleted {
		q.logger.Info("action cancelled", zap.String("id", id))
		q.publish(bus.QueueCancelled, Ref{ID: id})
	}
	return nil
}

// Retry puts a failed action back in the queue with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	row, err := q.db.GetAction(ctx, id)
	if err != nil {
		return err
	}
	if row == nil {
		return ErrNotFound
	}
	if err := q.db.RequeueAction(ctx, id); err != nil {
		return err
	}
	q.Wake()
	return nil
}

// List returns every stored action, oldest first. Actions that fail to
// decode are logged and skipped.
func (q *Queue) List(ctx context.Context) ([]Action, error) {
	rows, err := q.db.ListActions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Action, 0, len(rows))
	for i := range rows {
		a, err := fromRow(&rows[i])
		if err != nil {
			q.logger.Warn("skipping undecodable action", zap.String("id", rows[i].ID), zap.Error(err))
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Get returns one action, or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (Action, error) {
	row, err := q.db.GetAction(ctx, id)
	if err != nil {
		return Action{}, err
	}
	if row == nil {
		return Action{}, ErrNotFound
	}
	return fromRow(row)
}

// Wake triggers a drain without waiting for the next tick.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func fromRow(r *store.ActionRow) (Action, error) {
	p, err := Decode(Kind(r.Kind), r.Payload)
	if err != nil {
		return Action{}, err
	}
	return Action{
		ID:            r.ID,
		Payload:       p,
		CreatedAt:     time.UnixMilli(r.CreatedAt),
		Status:        Status(r.Status),
		Attempts:      r.Attempts,
		NextAttemptAt: time.UnixMilli(r.NextAttemptAt),
		LastError:     r.LastError,
	}, nil
}

func (q *Queue) publish(kind bus.Kind, payload any) {
	if q.bus != nil {
		q.bus.Publish(bus.NewEvent(kind, payload))
	}
}
