package age

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgeflare/graphstream/pkg/txdiff"
	"github.com/jackc/pgx/v5"
)

// Reader reads committed vertices and edges straight from the graph's label
// tables. Every label table inherits from _ag_label_vertex or
// _ag_label_edge, so one query covers all labels and tableoid names the
// label.
type Reader struct {
	conn  Conn
	graph string
}

func NewReader(conn Conn, graph string) (*Reader, error) {
	if err := ValidateGraph(graph); err != nil {
		return nil, err
	}
	return &Reader{conn: conn, graph: graph}, nil
}

func (r *Reader) nodeSQL() string {
	return fmt.Sprintf(`SELECT c.relname, v.properties::text
FROM %q._ag_label_vertex v
JOIN pg_catalog.pg_class c ON c.oid = v.tableoid
WHERE v.id = $1::graphid`, r.graph)
}

func (r *Reader) relationshipSQL() string {
	return fmt.Sprintf(`SELECT c.relname, e.start_id::text, e.end_id::text, e.properties::text
FROM %q._ag_label_edge e
JOIN pg_catalog.pg_class c ON c.oid = e.tableoid
WHERE e.id = $1::graphid`, r.graph)
}

// Node implements txdiff.EntityReader
func (r *Reader) Node(ctx context.Context, id string) (txdiff.Node, error) {
	var label, props string
	err := r.conn.QueryRow(ctx, r.nodeSQL(), id).Scan(&label, &props)
	if errors.Is(err, pgx.ErrNoRows) {
		return txdiff.Node{}, fmt.Errorf("vertex %s: %w", id, txdiff.ErrNotFound)
	}
	if err != nil {
		return txdiff.Node{}, fmt.Errorf("read vertex %s: %w", id, err)
	}

	properties, err := ParseProperties(props)
	if err != nil {
		return txdiff.Node{}, fmt.Errorf("vertex %s: %w", id, err)
	}
	n := txdiff.Node{ID: id, Properties: properties}
	if l := labelOf(label, defaultVertexLabel); l != "" {
		n.Labels = []string{l}
	}
	return n, nil
}

// Relationship implements txdiff.EntityReader
func (r *Reader) Relationship(ctx context.Context, id string) (txdiff.Relationship, error) {
	var label, start, end, props string
	err := r.conn.QueryRow(ctx, r.relationshipSQL(), id).Scan(&label, &start, &end, &props)
	if errors.Is(err, pgx.ErrNoRows) {
		return txdiff.Relationship{}, fmt.Errorf("edge %s: %w", id, txdiff.ErrNotFound)
	}
	if err != nil {
		return txdiff.Relationship{}, fmt.Errorf("read edge %s: %w", id, err)
	}

	properties, err := ParseProperties(props)
	if err != nil {
		return txdiff.Relationship{}, fmt.Errorf("edge %s: %w", id, err)
	}
	return txdiff.Relationship{
		ID:         id,
		Type:       labelOf(label, defaultEdgeLabel),
		StartID:    start,
		EndID:      end,
		Properties: properties,
	}, nil
}
