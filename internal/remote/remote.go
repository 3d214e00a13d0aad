// Package remote defines the boundary to the remote source of truth: row
// storage, a realtime change feed and blob storage. Backends live in
// subpackages.
package remote

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a row or blob does not exist.
	ErrNotFound = errors.New("remote: not found")
	// ErrUnauthorized is returned when the backend rejects the caller.
	ErrUnauthorized = errors.New("remote: unauthorized")
)

// Rows is request/response access to remote tables.
type Rows interface {
	Select(ctx context.Context, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	// Upsert inserts row, or updates the existing row matching the
	// conflict columns.
	Upsert(ctx context.Context, table string, row Row, conflict ...string) error
	Update(ctx context.Context, table string, set Row, filters ...Filter) (int64, error)
	Delete(ctx context.Context, table string, filters ...Filter) (int64, error)
}

// Feed delivers realtime row changes. The returned channel is closed when
// ctx is done or the subscription fails.
type Feed interface {
	Subscribe(ctx context.Context, table string, filters ...Filter) (<-chan Change, error)
}

// Notifier publishes row changes to a Feed. Row backends that are not
// themselves a feed use one to announce their writes.
type Notifier interface {
	Publish(ctx context.Context, c Change) error
}

// Blobs stores opaque objects by bucket and path.
type Blobs interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error
	Download(ctx context.Context, bucket, path string) ([]byte, error)
	PublicURL(bucket, path string) string
}

// Client groups the three remote capabilities.
type Client struct {
	Rows  Rows
	Feed  Feed
	Blobs Blobs
}

// ChangeType is the kind of row change delivered by a Feed.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one realtime notification.
type Change struct {
	Table string     `msgpack:"table"`
	Type  ChangeType `msgpack:"type"`
	Row   Row        `msgpack:"row"`
}
