package age

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool configures a connection pool to a database with the age extension
type Pool struct {
	Config     *pgxpool.Config // Takes precedence over ConnString
	ConnString string          // Used if Config is nil
	// Graph is created when missing
	Graph string
}

var ErrInvalidGraphName = errors.New("invalid graph name")

var graphName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateGraph rejects names that cannot be interpolated into cypher() calls
func ValidateGraph(name string) error {
	if !graphName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidGraphName, name)
	}
	return nil
}

// setupQueries run on every new connection
var setupQueries = []string{
	"LOAD 'age'",
	`SET search_path = ag_catalog, "$user", public`,
}

// NewPool opens a pool whose connections have age loaded, then pings it and
// ensures the extension and the graph exist.
func NewPool(ctx context.Context, cfg Pool) (*pgxpool.Pool, error) {
	poolConfig := cfg.Config
	if poolConfig == nil {
		if cfg.ConnString == "" {
			return nil, errors.New("either Config or ConnString must be provided")
		}
		var err error
		if poolConfig, err = pgxpool.ParseConfig(cfg.ConnString); err != nil {
			return nil, fmt.Errorf("parse connection string: %w", err)
		}
	}
	if cfg.Graph != "" {
		if err := ValidateGraph(cfg.Graph); err != nil {
			return nil, err
		}
	}

	// age must exist before any connection runs LOAD 'age'
	if err := ensureExtension(ctx, poolConfig.ConnConfig); err != nil {
		return nil, err
	}

	afterConnect := poolConfig.AfterConnect
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if afterConnect != nil {
			if err := afterConnect(ctx, conn); err != nil {
				return err
			}
		}
		return Setup(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping connection: %w", err)
	}
	if cfg.Graph != "" {
		if err := EnsureGraph(ctx, pool, cfg.Graph); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return pool, nil
}

func ensureExtension(ctx context.Context, cfg *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, cfg.Copy())
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS age"); err != nil {
		return fmt.Errorf("create extension age: %w", err)
	}
	return nil
}

// Setup loads age into the session and puts ag_catalog on the search path
func Setup(ctx context.Context, conn Conn) error {
	for _, q := range setupQueries {
		if _, err := conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("age setup %q: %w", q, err)
		}
	}
	return nil
}

// EnsureGraph creates the graph unless it exists
func EnsureGraph(ctx context.Context, conn Conn, graph string) error {
	if err := ValidateGraph(graph); err != nil {
		return err
	}
	var exists bool
	if err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM ag_catalog.ag_graph WHERE name = $1)", graph).Scan(&exists); err != nil {
		return fmt.Errorf("check graph %s: %w", graph, err)
	}
	if exists {
		return nil
	}
	if _, err := conn.Exec(ctx, "SELECT ag_catalog.create_graph($1)", graph); err != nil {
		return fmt.Errorf("create graph %s: %w", graph, err)
	}
	return nil
}
