package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const connKey contextKey = "db_conn"

// Queryable is the common surface of a pool, a pooled connection, and a
// transaction. Repositories run their statements against whichever one the
// context carries.
type Queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// WithConn returns a context carrying q. Repository methods called with the
// returned context run against q instead of their own pool, which is how
// several writes share one transaction.
func WithConn(ctx context.Context, q Queryable) context.Context {
	return context.WithValue(ctx, connKey, q)
}

// ConnFromContext retrieves the connection or transaction stored by WithConn,
// or nil when the context carries none.
func ConnFromContext(ctx context.Context) Queryable {
	q, _ := ctx.Value(connKey).(Queryable)
	return q
}

// InTx runs fn inside a transaction. The context passed to fn carries the
// transaction, so repository calls made within fn join it. The transaction
// commits when fn returns nil and rolls back otherwise.
func InTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(WithConn(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
