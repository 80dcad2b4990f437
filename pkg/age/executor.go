package age

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/edgeflare/graphstream/pkg/ingest"
	"go.uber.org/zap"
)

// cypherTag quotes the query inside cypher(); queries containing it are
// rejected
const cypherTag = "$graphstream$"

// Executor applies compiled statements to an AGE graph. Each statement runs
// in its own transaction with the batch's events bound as $events.
type Executor struct {
	conn   Conn
	graph  string
	logger *zap.Logger
}

type ExecutorOption func(*Executor)

func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

func NewExecutor(conn Conn, graph string, opts ...ExecutorOption) (*Executor, error) {
	if err := ValidateGraph(graph); err != nil {
		return nil, err
	}
	e := &Executor{conn: conn, graph: graph, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// CypherSQL wraps a Cypher query in the SQL call that runs it against graph
func CypherSQL(graph, query string) (string, error) {
	if strings.Contains(query, cypherTag) {
		return "", fmt.Errorf("cypher query contains reserved quote %s", cypherTag)
	}
	return fmt.Sprintf("SELECT * FROM ag_catalog.cypher('%s', %s %s %s, $1) AS (r agtype)",
		graph, cypherTag, query, cypherTag), nil
}

// Params renders the agtype parameter map of a statement
func Params(stmt ingest.CompiledStatement) (string, error) {
	events := stmt.Events
	if events == nil {
		events = []map[string]any{}
	}
	data, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return "", fmt.Errorf("encode statement parameters: %w", err)
	}
	return string(data), nil
}

// Execute runs stmts in order and stops at the first failure. Statements
// already committed stay committed; the compiled statements are idempotent
// merges and deletes, so a redelivered batch converges.
func (e *Executor) Execute(ctx context.Context, topic string, stmts []ingest.CompiledStatement) error {
	for i, stmt := range stmts {
		if err := e.exec(ctx, stmt); err != nil {
			return fmt.Errorf("topic %s statement %d/%d: %w", topic, i+1, len(stmts), err)
		}
		e.logger.Debug("statement applied",
			zap.String("topic", topic),
			zap.String("graph", e.graph),
			zap.Int("events", len(stmt.Events)))
	}
	return nil
}

func (e *Executor) exec(ctx context.Context, stmt ingest.CompiledStatement) error {
	sql, err := CypherSQL(e.graph, stmt.Query)
	if err != nil {
		return err
	}
	params, err := Params(stmt)
	if err != nil {
		return err
	}

	tx, err := e.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, sql, params); err != nil {
		return fmt.Errorf("execute cypher: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
