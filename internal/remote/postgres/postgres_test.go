package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/matheus3301/parley/internal/remote"
	"github.com/stretchr/testify/require"
)

func TestBuildSelect(t *testing.T) {
	sql, args := BuildSelect(remote.Query{
		Table:   "messages",
		Filters: []remote.Filter{remote.Eq("channel_id", "dm:1:2"), remote.Gt("created_at", int64(10))},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   50,
	})
	require.Equal(t, `SELECT * FROM "messages" WHERE "channel_id" = $1 AND "created_at" > $2 ORDER BY "created_at" DESC LIMIT 50`, sql)
	require.Equal(t, []any{"dm:1:2", int64(10)}, args)
}

func TestBuildSelectQuotesIdentifiers(t *testing.T) {
	sql, _ := BuildSelect(remote.Query{Table: `x"; DROP TABLE y; --`})
	require.Equal(t, `SELECT * FROM "x""; DROP TABLE y; --"`, sql)
}

func TestBuildUpsert(t *testing.T) {
	sql, args := BuildUpsert("user_chat_preferences",
		remote.Row{"user_id": "u", "channel_id": "c", "pinned": true},
		[]string{"user_id", "channel_id"})
	require.Equal(t,
		`INSERT INTO "user_chat_preferences" ("channel_id", "pinned", "user_id") VALUES ($1, $2, $3)`+
			` ON CONFLICT ("user_id", "channel_id") DO UPDATE SET "pinned" = EXCLUDED."pinned" RETURNING *`,
		sql)
	require.Equal(t, []any{"c", true, "u"}, args)
}

func TestBuildWhereIn(t *testing.T) {
	where, args := buildWhere([]remote.Filter{remote.In("id", "a", "b")}, 3)
	require.Equal(t, ` WHERE "id" = ANY($3)`, where)
	require.Equal(t, []any{[]string{"a", "b"}}, args)
}

func TestBuildWhereGte(t *testing.T) {
	where, args := buildWhere([]remote.Filter{remote.Eq("channel_id", "dm:1:2"), remote.Gte("created_at", int64(5))}, 1)
	require.Equal(t, ` WHERE "channel_id" = $1 AND "created_at" >= $2`, where)
	require.Equal(t, []any{"dm:1:2", int64(5)}, args)
}

func TestMapErr(t *testing.T) {
	require.ErrorIs(t, mapErr(pgx.ErrNoRows), remote.ErrNotFound)
	require.ErrorIs(t, mapErr(&pgconn.PgError{Code: "42501", Message: "permission denied"}), remote.ErrUnauthorized)

	other := errors.New("x")
	require.Equal(t, other, mapErr(other))
}
