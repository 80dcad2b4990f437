package age

import (
	"context"
	"fmt"
	"strings"

	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
	"go.uber.org/zap"
)

// ConstraintsChannel is notified whenever the constraint catalog changes
const ConstraintsChannel = "graphstream_constraints"

// AGE has no native constraints, so they are declared in a catalog table:
// owner is the label or relationship type, entity is node or relationship.
const catalogSQL = `CREATE SCHEMA IF NOT EXISTS graphstream;

CREATE TABLE IF NOT EXISTS graphstream.constraints (
	owner      text   NOT NULL,
	entity     text   NOT NULL DEFAULT 'node' CHECK (entity IN ('node', 'relationship')),
	kind       text   NOT NULL,
	properties text[] NOT NULL CHECK (cardinality(properties) > 0),
	PRIMARY KEY (owner, entity, kind, properties)
);

CREATE OR REPLACE FUNCTION graphstream.notify_constraints() RETURNS trigger
LANGUAGE plpgsql AS $fn$
BEGIN
	PERFORM pg_notify('` + ConstraintsChannel + `', TG_OP);
	RETURN NULL;
END
$fn$;

DROP TRIGGER IF EXISTS constraints_changed ON graphstream.constraints;
CREATE TRIGGER constraints_changed
	AFTER INSERT OR UPDATE OR DELETE OR TRUNCATE ON graphstream.constraints
	FOR EACH STATEMENT EXECUTE FUNCTION graphstream.notify_constraints();`

// EnsureCatalog creates the constraint catalog and its change trigger
func EnsureCatalog(ctx context.Context, conn Conn) error {
	if _, err := conn.Exec(ctx, catalogSQL); err != nil {
		return fmt.Errorf("create constraint catalog: %w", err)
	}
	return nil
}

// ConstraintLoader implements constraint.Loader over the catalog table
type ConstraintLoader struct {
	conn   Conn
	logger *zap.Logger
}

func NewConstraintLoader(conn Conn, logger *zap.Logger) *ConstraintLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConstraintLoader{conn: conn, logger: logger}
}

// Load reads every declared constraint. Rows with an unknown kind are
// logged and skipped.
func (l *ConstraintLoader) Load(ctx context.Context) ([]cdc.Constraint, error) {
	rows, err := l.conn.Query(ctx,
		"SELECT owner, entity, kind, properties FROM graphstream.constraints ORDER BY owner, entity, kind, properties")
	if err != nil {
		return nil, fmt.Errorf("query constraints: %w", err)
	}
	defer rows.Close()

	var out []cdc.Constraint
	for rows.Next() {
		var owner, entity, kind string
		var props []string
		if err := rows.Scan(&owner, &entity, &kind, &props); err != nil {
			return nil, fmt.Errorf("scan constraint: %w", err)
		}
		c, err := catalogConstraint(owner, entity, kind, props)
		if err != nil {
			l.logger.Warn("skipping constraint", zap.String("owner", owner), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read constraints: %w", err)
	}
	return out, nil
}

func catalogConstraint(owner, entity, kind string, props []string) (cdc.Constraint, error) {
	t, err := cdc.ParseConstraintType(kind)
	if err != nil {
		return cdc.Constraint{}, err
	}
	switch {
	case entity == "relationship" && t != cdc.ConstraintUnique:
		t = cdc.ConstraintRelationshipPropertyExists
	case entity == "relationship":
		return cdc.Constraint{}, fmt.Errorf("relationships only support existence constraints, got %s", t)
	case t == cdc.ConstraintRelationshipPropertyExists:
		return cdc.Constraint{}, fmt.Errorf("%s declared on a node label", t)
	}
	return cdc.Constraint{Label: owner, Properties: props, Type: t}, nil
}

// Declare adds c to the catalog unless it is already there
func Declare(ctx context.Context, conn Conn, c cdc.Constraint) error {
	entity, kind := "node", string(c.Type)
	if c.OnRelationship() {
		entity = "relationship"
	}
	if _, err := conn.Exec(ctx,
		`INSERT INTO graphstream.constraints (owner, entity, kind, properties) VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`,
		c.Label, entity, strings.ToUpper(kind), c.Properties); err != nil {
		return fmt.Errorf("declare %s: %w", c, err)
	}
	return nil
}
