package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection for the profile-owned parley.db. It backs
// the offline action queue, the four local caches, sync cursors and the
// encrypted key-value area.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// Cache tables, in the order ClearAll empties them.
const (
	TableChats       = "chats"
	TablePreferences = "preferences"
	TableUnread      = "unread"
	TableMessages    = "messages"
	TableCursors     = "sync_cursors"
	TableSyncState   = "sync_state"
)

var cacheTables = []string{TableChats, TablePreferences, TableUnread, TableMessages, TableCursors, TableSyncState}

// ClearAll wipes every cache table and cursor. The action queue and the
// key-value area are left alone; logout handles those separately.
func (db *DB) ClearAll(ctx context.Context) error {
	return db.ClearTables(ctx, cacheTables...)
}

// ClearTables empties the given cache tables in one transaction.
func (db *DB) ClearTables(ctx context.Context, tables ...string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range tables {
		if !slices.Contains(cacheTables, table) {
			return fmt.Errorf("clear %s: not a cache table", table)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
