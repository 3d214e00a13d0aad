package queue

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/store"
	"go.uber.org/zap"
)

// Start releases actions orphaned by a previous run and begins draining.
func (q *Queue) Start(ctx context.Context) {
	if n, err := q.db.ReleaseProcessing(ctx); err != nil {
		q.logger.Error("failed to release in-flight actions", zap.Error(err))
	} else if n > 0 {
		q.logger.Info("released in-flight actions", zap.Int64("count", n))
	}

	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(2)
	go q.loop(ctx)
	go q.watchNet(ctx)
}

// Stop stops draining and waits for the current batch.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) loop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.ProcessDue(ctx)
		case <-q.wake:
			q.ProcessDue(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// watchNet drains immediately when connectivity comes back.
func (q *Queue) watchNet(ctx context.Context) {
	defer q.wg.Done()
	if q.bus == nil {
		return
	}
	ch, unsub := q.bus.Subscribe(string(bus.NetOnline), 4)
	defer unsub()
	for {
		select {
		case <-ch:
			q.logger.Debug("back online, draining queue")
			q.Wake()
		case <-ctx.Done():
			return
		}
	}
}

// ProcessDue executes every due action once and returns how many
// succeeded. It does nothing while offline. Actions sharing an order key run
// in enqueue order: the store only hands out the oldest live action of a
// key, so draining repeats until a round claims nothing.
func (q *Queue) ProcessDue(ctx context.Context) int {
	if q.exec == nil || (q.net != nil && !q.net.Online()) {
		return 0
	}
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	now := q.now()
	done := 0
	for ctx.Err() == nil {
		rows, err := q.db.ClaimDueActions(ctx, now.UnixMilli(), q.cfg.BatchSize)
		if err != nil {
			q.logger.Error("failed to read queue", zap.Error(err))
			break
		}
		if len(rows) == 0 {
			break
		}
		for i := range rows {
			if q.execute(ctx, &rows[i], now) {
				done++
			}
		}
	}
	return done
}

// execute runs one claimed action and records the outcome.
func (q *Queue) execute(ctx context.Context, row *store.ActionRow, now time.Time) bool {
	a, err := fromRow(row)
	if err != nil {
		q.logger.Error("undecodable action", zap.String("id", row.ID), zap.Error(err))
		q.fail(ctx, Action{ID: row.ID, Attempts: row.Attempts}, err, true)
		return false
	}

	err = q.exec.Execute(ctx, a)
	if err == nil {
		if err := q.db.DeleteAction(ctx, a.ID); err != nil {
			q.logger.Error("failed to delete completed action", zap.String("id", a.ID), zap.Error(err))
		}
		q.logger.Info("action completed", zap.String("id", a.ID), zap.String("kind", string(a.Kind())))
		q.publish(bus.QueueCompleted, Ref{ID: a.ID, Kind: a.Kind()})
		return true
	}

	if errors.Is(err, ErrDeferred) {
		next := now.Add(q.cfg.PollInterval)
		if err := q.db.RescheduleAction(ctx, a.ID, a.Attempts, next.UnixMilli(), a.LastError); err != nil {
			q.logger.Error("failed to defer action", zap.String("id", a.ID), zap.Error(err))
		}
		q.logger.Debug("action deferred", zap.String("id", a.ID), zap.Error(err))
		return false
	}

	a.Attempts++
	if errors.Is(err, ErrPermanent) || a.Attempts >= q.cfg.MaxAttempts {
		q.fail(ctx, a, err, errors.Is(err, ErrPermanent))
		return false
	}
	next := now.Add(q.Backoff(a.Attempts))
	if err := q.db.RescheduleAction(ctx, a.ID, a.Attempts, next.UnixMilli(), err.Error()); err != nil {
		q.logger.Error("failed to reschedule action", zap.String("id", a.ID), zap.Error(err))
		return false
	}
	q.logger.Warn("action failed, will retry",
		zap.String("id", a.ID), zap.Int("attempts", a.Attempts), zap.Time("next", next), zap.Error(err))
	return false
}

// Backoff returns the delay before the given attempt number (1-based),
// doubling from BaseBackoff up to MaxBackoff.
func (q *Queue) Backoff(attempt int) time.Duration {
	d := q.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	return min(d, q.cfg.MaxBackoff)
}

func (q *Queue) fail(ctx context.Context, a Action, err error, permanent bool) {
	if dbErr := q.db.FailAction(ctx, a.ID, a.Attempts, err.Error()); dbErr != nil {
		q.logger.Error("failed to mark action failed", zap.String("id", a.ID), zap.Error(dbErr))
	}
	q.logger.Error("action failed", zap.String("id", a.ID), zap.Int("attempts", a.Attempts), zap.Bool("permanent", permanent), zap.Error(err))
	q.publish(bus.QueueFailed, Failed{
		ID:        a.ID,
		Kind:      a.Kind(),
		Error:     err.Error(),
		Attempts:  a.Attempts,
		Permanent: permanent,
	})
}
