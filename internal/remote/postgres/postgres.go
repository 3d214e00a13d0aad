// Package postgres implements remote.Rows on a PostgreSQL database through a
// pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matheus3301/parley/internal/remote"
	"go.uber.org/zap"
)

// Rows is a remote.Rows backed by Postgres. Writes are announced on the
// optional notifier so feed subscribers see them.
type Rows struct {
	pool     *pgxpool.Pool
	notifier remote.Notifier
	log      *zap.Logger
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, notifier remote.Notifier, log *zap.Logger) (*Rows, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Rows{pool: pool, notifier: notifier, log: log}, nil
}

// Close releases the pool.
func (r *Rows) Close() {
	r.pool.Close()
}

func (r *Rows) Select(ctx context.Context, q remote.Query) ([]remote.Row, error) {
	sql, args := BuildSelect(q)
	return r.queryRows(ctx, sql, args)
}

func (r *Rows) Insert(ctx context.Context, table string, row remote.Row) (remote.Row, error) {
	cols, vals := split(row)
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		pgx.Identifier{table}.Sanitize(), joinIdents(cols), placeholders(1, len(cols)))

	got, err := r.queryRows(ctx, sql, vals)
	if err != nil {
		return nil, err
	}
	if len(got) == 0 {
		return nil, remote.ErrNotFound
	}
	r.notify(ctx, table, remote.ChangeInsert, got)
	return got[0], nil
}

func (r *Rows) Upsert(ctx context.Context, table string, row remote.Row, conflict ...string) error {
	sql, vals := BuildUpsert(table, row, conflict)
	got, err := r.queryRows(ctx, sql, vals)
	if err != nil {
		return err
	}
	r.notify(ctx, table, remote.ChangeUpdate, got)
	return nil
}

func (r *Rows) Update(ctx context.Context, table string, set remote.Row, filters ...remote.Filter) (int64, error) {
	cols, vals := split(set)
	assignments := make([]string, len(cols))
	for i, c := range cols {
		assignments[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{c}.Sanitize(), i+1)
	}
	where, wargs := buildWhere(filters, len(vals)+1)
	sql := fmt.Sprintf("UPDATE %s SET %s%s RETURNING *", pgx.Identifier{table}.Sanitize(), strings.Join(assignments, ", "), where)

	got, err := r.queryRows(ctx, sql, append(vals, wargs...))
	if err != nil {
		return 0, err
	}
	r.notify(ctx, table, remote.ChangeUpdate, got)
	return int64(len(got)), nil
}

func (r *Rows) Delete(ctx context.Context, table string, filters ...remote.Filter) (int64, error) {
	where, args := buildWhere(filters, 1)
	sql := fmt.Sprintf("DELETE FROM %s%s RETURNING *", pgx.Identifier{table}.Sanitize(), where)

	got, err := r.queryRows(ctx, sql, args)
	if err != nil {
		return 0, err
	}
	r.notify(ctx, table, remote.ChangeDelete, got)
	return int64(len(got)), nil
}

func (r *Rows) queryRows(ctx context.Context, sql string, args []any) ([]remote.Row, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]remote.Row, len(maps))
	for i, m := range maps {
		out[i] = remote.Row(m)
	}
	return out, nil
}

func (r *Rows) notify(ctx context.Context, table string, typ remote.ChangeType, rows []remote.Row) {
	if r.notifier == nil {
		return
	}
	for _, row := range rows {
		if err := r.notifier.Publish(ctx, remote.Change{Table: table, Type: typ, Row: row}); err != nil {
			r.log.Warn("publish change failed", zap.String("table", table), zap.Error(err))
		}
	}
}

// BuildSelect renders q as SQL with positional arguments.
func BuildSelect(q remote.Query) (string, []any) {
	where, args := buildWhere(q.Filters, 1)
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s%s", pgx.Identifier{q.Table}.Sanitize(), where)
	if q.OrderBy != "" {
		fmt.Fprintf(&b, " ORDER BY %s", pgx.Identifier{q.OrderBy}.Sanitize())
		if q.Desc {
			b.WriteString(" DESC")
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args
}

// BuildUpsert renders an INSERT ... ON CONFLICT DO UPDATE statement.
func BuildUpsert(table string, row remote.Row, conflict []string) (string, []any) {
	cols, vals := split(row)
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{table}.Sanitize(), joinIdents(cols), placeholders(1, len(cols)))
	if len(conflict) == 0 {
		return sql + " RETURNING *", vals
	}

	isKey := make(map[string]bool, len(conflict))
	for _, c := range conflict {
		isKey[c] = true
	}
	var sets []string
	for _, c := range cols {
		if !isKey[c] {
			id := pgx.Identifier{c}.Sanitize()
			sets = append(sets, id+" = EXCLUDED."+id)
		}
	}
	sql += " ON CONFLICT (" + joinIdents(conflict) + ")"
	if len(sets) == 0 {
		return sql + " DO NOTHING RETURNING *", vals
	}
	return sql + " DO UPDATE SET " + strings.Join(sets, ", ") + " RETURNING *", vals
}

func buildWhere(filters []remote.Filter, start int) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for i, f := range filters {
		col := pgx.Identifier{f.Column}.Sanitize()
		n := start + i
		switch f.Op {
		case remote.OpGt:
			clauses = append(clauses, fmt.Sprintf("%s > $%d", col, n))
		case remote.OpGte:
			clauses = append(clauses, fmt.Sprintf("%s >= $%d", col, n))
		case remote.OpLt:
			clauses = append(clauses, fmt.Sprintf("%s < $%d", col, n))
		case remote.OpIn:
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", col, n))
			args = append(args, inArg(f.Value))
			continue
		default:
			clauses = append(clauses, fmt.Sprintf("%s = $%d", col, n))
		}
		args = append(args, f.Value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// inArg narrows an IN list of strings to []string so pgx can encode it as
// text[].
func inArg(v any) any {
	vs, ok := v.([]any)
	if !ok {
		return v
	}
	strs := make([]string, 0, len(vs))
	for _, e := range vs {
		s, ok := e.(string)
		if !ok {
			return v
		}
		strs = append(strs, s)
	}
	return strs
}

func split(row remote.Row) ([]string, []any) {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = row[c]
	}
	return cols, vals
}

func joinIdents(cols []string) string {
	ids := make([]string, len(cols))
	for i, c := range cols {
		ids[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(ids, ", ")
}

func placeholders(start, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(ps, ", ")
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return remote.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28000", "28P01", "42501":
			return fmt.Errorf("%w: %s", remote.ErrUnauthorized, pgErr.Message)
		}
	}
	return err
}
