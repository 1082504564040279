// Package db provides shared PostgreSQL helpers for bulk loads and a pool
// interface narrow enough to mock with pgxmock.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool is the subset of pgxpool.Pool the stores use. pgxmock.PgxPoolIface
// satisfies it, so store logic can be tested without a live database.
// Bulk COPY happens through tx.CopyFrom inside BulkUpsertTx, so the pool
// itself does not need to expose it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}
