// Package db defines the narrow database interfaces shared by the
// warehouse and audit layers, satisfied by *pgxpool.Pool, pgx.Tx, and
// pgxmock pools alike.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the statement-level interface. Both a connection pool and
// an open transaction satisfy it, so components that take a Querier let
// the caller choose the transaction boundary.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool extends Querier with transaction and lifecycle control.
type Pool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}
