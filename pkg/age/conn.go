package age

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is satisfied by *pgx.Conn, *pgxpool.Conn and *pgxpool.Pool, so the
// adapters work on a single connection in tests and on a pool in production.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// Begin starts a transaction. The context only affects the begin command.
	Begin(ctx context.Context) (pgx.Tx, error)
}
