package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertAction persists a queued action. Re-inserting an existing id is a no-op.
func (db *DB) InsertAction(ctx context.Context, a *ActionRow) error {
	now := nowMillis()
	_, err := db.ExecContext(ctx, `
		INSERT INTO actions (id, kind, order_key, payload, status, attempts, next_attempt_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', 0, 0, '', ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		a.ID, a.Kind, a.OrderKey, a.Payload, a.CreatedAt, now)
	return err
}

// GetAction returns an action by id, or nil if it does not exist.
func (db *DB) GetAction(ctx context.Context, id string) (*ActionRow, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, kind, order_key, payload, status, attempts, next_attempt_at, last_error, created_at
		FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// DeleteQueuedAction removes an action unless it is being processed. It
// reports whether a row was deleted and the status found.
func (db *DB) DeleteQueuedAction(ctx context.Context, id string) (deleted bool, status string, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `SELECT status FROM actions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	if status == ActionProcessing {
		return false, status, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, id); err != nil {
		return false, status, err
	}
	return true, status, tx.Commit()
}

// DeleteAction removes an action regardless of status.
func (db *DB) DeleteAction(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, id)
	return err
}

// ClaimDueActions marks up to limit queued actions due at or before now as
// processing and returns them in creation order. An action with an order key
// is only claimed when no older action with the same key is still queued or
// processing, so at most one action per key is claimed at a time.
func (db *DB) ClaimDueActions(ctx context.Context, now int64, limit int) ([]ActionRow, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT a.id, a.kind, a.order_key, a.payload, a.status, a.attempts, a.next_attempt_at, a.last_error, a.created_at
		FROM actions a
		WHERE a.status = 'queued' AND a.next_attempt_at <= ?
		  AND (a.order_key = '' OR NOT EXISTS (
			SELECT 1 FROM actions b
			WHERE b.order_key = a.order_key
			  AND b.status IN ('queued', 'processing')
			  AND (b.created_at < a.created_at OR (b.created_at = a.created_at AND b.rowid < a.rowid))))
		ORDER BY a.created_at ASC, a.rowid ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	claimed, err := scanActions(rows)
	if err != nil {
		return nil, err
	}

	for i := range claimed {
		if _, err := tx.ExecContext(ctx, `UPDATE actions SET status = 'processing', updated_at = ? WHERE id = ?`, now, claimed[i].ID); err != nil {
			return nil, fmt.Errorf("claim %s: %w", claimed[i].ID, err)
		}
		claimed[i].Status = ActionProcessing
	}
	return claimed, tx.Commit()
}

// RescheduleAction returns a processing action to the queue after a failed attempt.
func (db *DB) RescheduleAction(ctx context.Context, id string, attempts int, nextAttemptAt int64, lastError string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE actions SET status = 'queued', attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, attempts, nextAttemptAt, lastError, nowMillis(), id)
	return err
}

// FailAction parks an action that exhausted its attempts.
func (db *DB) FailAction(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE actions SET status = 'failed', attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, attempts, lastError, nowMillis(), id)
	return err
}

// RequeueAction puts a failed action back in the queue with a fresh attempt budget.
func (db *DB) RequeueAction(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE actions SET status = 'queued', attempts = 0, next_attempt_at = 0, updated_at = ?
		WHERE id = ? AND status = 'failed'`, nowMillis(), id)
	return err
}

// ReleaseProcessing returns actions left in processing by a crash to the queue.
func (db *DB) ReleaseProcessing(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `UPDATE actions SET status = 'queued', updated_at = ? WHERE status = 'processing'`, nowMillis())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListActions returns every action not yet completed, oldest first.
func (db *DB) ListActions(ctx context.Context) ([]ActionRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, order_key, payload, status, attempts, next_attempt_at, last_error, created_at
		FROM actions ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	return scanActions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(r rowScanner) (*ActionRow, error) {
	var a ActionRow
	if err := r.Scan(&a.ID, &a.Kind, &a.OrderKey, &a.Payload, &a.Status, &a.Attempts, &a.NextAttemptAt, &a.LastError, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanActions(rows *sql.Rows) ([]ActionRow, error) {
	defer func() { _ = rows.Close() }()
	var out []ActionRow
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
