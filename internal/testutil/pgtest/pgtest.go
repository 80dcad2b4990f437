// Package pgtest connects tests to the PostgreSQL instance named by
// TEST_DATABASE. The database needs the age extension installed.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// Skip skips t in short mode or when TEST_DATABASE is unset
func Skip(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("TEST_DATABASE") == "" {
		t.Skip("skipping integration test: TEST_DATABASE is not set")
	}
}

// ParseConfig returns the TEST_DATABASE config with notices sent to t.Log
func ParseConfig(t testing.TB) *pgx.ConnConfig {
	t.Helper()
	Skip(t)
	config, err := pgx.ParseConfig(os.Getenv("TEST_DATABASE"))
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}
	return config
}

// Connect opens a connection that is closed when t finishes
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	t.Helper()
	conn, err := pgx.ConnectConfig(ctx, ParseConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { Close(t, conn) })
	return conn
}

// Replication opens a logical replication connection that is closed when t
// finishes
func Replication(ctx context.Context, t testing.TB) *pgconn.PgConn {
	t.Helper()
	config := ParseConfig(t)
	config.RuntimeParams["replication"] = "database"
	conn, err := pgx.ConnectConfig(ctx, config)
	require.NoError(t, err)
	t.Cleanup(func() { Close(t, conn) })
	return conn.PgConn()
}

// Close closes conn, tolerating connections that are already closed
func Close(t testing.TB, conn *pgx.Conn) {
	if conn.IsClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Close(ctx))
}

// DropGraph removes graph and its label tables if it exists
func DropGraph(ctx context.Context, t testing.TB, conn interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}, graph string) {
	t.Helper()
	_, err := conn.Exec(ctx, `LOAD 'age'`)
	require.NoError(t, err)
	_, err = conn.Exec(ctx,
		`SELECT ag_catalog.drop_graph(name, true) FROM ag_catalog.ag_graph WHERE name = $1`, graph)
	require.NoError(t, err)
}
