package ingest

import (
	"testing"

	"github.com/edgeflare/graphstream/internal/testutil"
	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeEvent(before, after *cdc.Snapshot, constraints ...cdc.Constraint) cdc.Event {
	return cdc.NewEventBuilder().
		WithMeta(cdc.NewMetaBuilder(1).Build()).
		WithPayload(&cdc.NodeChange{ID: "1", Before: before, After: after}).
		WithSchema(cdc.Schema{Constraints: constraints}).
		Build()
}

func unique(label string, props ...string) cdc.Constraint {
	return cdc.Constraint{Label: label, Properties: props, Type: cdc.ConstraintUnique}
}

func TestSchemaMergeNodes(t *testing.T) {
	constraints := []cdc.Constraint{unique("User", "login"), unique("Person", "email")}
	after := cdc.NewSnapshot([]string{"User", "Person"}, map[string]any{"email": "a@b.c", "login": "a", "name": "A"})
	before := cdc.NewSnapshot([]string{"Person", "Old"}, map[string]any{"email": "a@b.c"})

	records := []Record{
		{Value: nodeEvent(nil, after, constraints...)},
		{Value: nodeEvent(before, after, constraints...)},
		{Value: nodeEvent(before, nil, constraints...)},
		{Value: nodeEvent(nil, cdc.NewSnapshot([]string{"Thing"}, map[string]any{"x": 1}), constraints...)},
		{Value: 42},
	}
	stmts := (&SchemaStrategy{}).MergeNodes(records)
	require.Len(t, stmts, 2)

	assert.Equal(t, "UNWIND $events AS event\n"+
		"MERGE (n:`Person` {`email`: event.keys.`email`})\n"+
		"SET n = event.properties\n"+
		"SET n:`User`", stmts[0].Query)
	assert.Equal(t, "UNWIND $events AS event\n"+
		"MERGE (n:`Person` {`email`: event.keys.`email`})\n"+
		"SET n = event.properties\n"+
		"SET n:`User`\n"+
		"REMOVE n:`Old`", stmts[1].Query)

	require.Len(t, stmts[0].Events, 1)
	assert.Equal(t, map[string]any{"email": "a@b.c"}, stmts[0].Events[0]["keys"])
	assert.Equal(t, after.Properties, stmts[0].Events[0]["properties"])
}

func TestSchemaDeleteNodes(t *testing.T) {
	constraints := []cdc.Constraint{unique("Person", "email")}
	before := cdc.NewSnapshot([]string{"Person"}, map[string]any{"email": "a@b.c"})

	records := []Record{
		{Value: nodeEvent(before, nil, constraints...)},
		{Key: map[string]any{"ids": map[string]any{"email": "x@y.z"}, "labels": []any{"Person"}}},
		{Key: map[string]any{"start": map[string]any{}, "end": map[string]any{}, "label": "KNOWS"}},
		{Key: map[string]any{"labels": []any{"Person"}}},
		{Value: nodeEvent(nil, before, constraints...)},
	}
	stmts := (&SchemaStrategy{}).DeleteNodes(records)
	require.Len(t, stmts, 1)
	assert.Equal(t, "UNWIND $events AS event\n"+
		"MATCH (n:`Person` {`email`: event.keys.`email`})\n"+
		"DETACH DELETE n", stmts[0].Query)
	assert.Equal(t, []map[string]any{
		{"keys": map[string]any{"email": "a@b.c"}},
		{"keys": map[string]any{"email": "x@y.z"}},
	}, stmts[0].Events)
}

func TestSchemaRelationshipPicksSmallestKeys(t *testing.T) {
	rel := &cdc.RelationshipChange{
		ID:    "10",
		Label: "BOUGHT",
		Start: cdc.NodeRef{ID: "1", Labels: []string{"Person"}, IDs: map[string]any{
			"address": "Rue 1", "country": "FR", "name": "Anne", "surname": "K",
		}},
		End:   cdc.NodeRef{ID: "2", Labels: []string{"Item"}, IDs: map[string]any{"code": "X1", "name": "Lamp"}},
		After: cdc.NewSnapshot(nil, map[string]any{"qty": 2}),
	}
	ev := cdc.NewEventBuilder().WithPayload(rel).WithSchema(cdc.Schema{Constraints: []cdc.Constraint{
		unique("Person", "name", "surname"),
		unique("Item", "name"),
		unique("Person", "country"),
		unique("Item", "code"),
		unique("Person", "address"),
	}}).Build()

	stmts := (&SchemaStrategy{}).MergeRelationships([]Record{{Value: ev}})
	require.Len(t, stmts, 1)
	assert.Equal(t, "UNWIND $events AS event\n"+
		"MERGE (from:`Person` {`address`: event.start.keys.`address`})\n"+
		"MERGE (to:`Item` {`code`: event.end.keys.`code`})\n"+
		"MERGE (from)-[r:`BOUGHT`]->(to)\n"+
		"SET r = event.properties", stmts[0].Query)
	assert.Equal(t, map[string]any{
		"start":      map[string]any{"keys": map[string]any{"address": "Rue 1"}},
		"end":        map[string]any{"keys": map[string]any{"code": "X1"}},
		"properties": map[string]any{"qty": 2},
	}, stmts[0].Events[0])
}

func TestSchemaRelationshipFromDecodedRecord(t *testing.T) {
	value, err := testutil.LoadJSON("relationship_event.json")
	require.NoError(t, err)

	stmts := (&SchemaStrategy{}).MergeRelationships([]Record{{Topic: "knows", Value: value}})
	require.Len(t, stmts, 1)
	assert.Equal(t, "UNWIND $events AS event\n"+
		"MERGE (from:`Person` {`email`: event.start.keys.`email`})\n"+
		"MERGE (to:`Person` {`email`: event.end.keys.`email`})\n"+
		"MERGE (from)-[r:`KNOWS`]->(to)\n"+
		"SET r = event.properties", stmts[0].Query)
	assert.Equal(t, map[string]any{"email": "jack@noanswer.org"},
		stmts[0].Events[0]["end"].(map[string]any)["keys"])
}

func TestSchemaDeleteRelationships(t *testing.T) {
	constraints := []cdc.Constraint{unique("Person", "email")}
	rel := &cdc.RelationshipChange{
		ID:     "10",
		Label:  "KNOWS",
		Start:  cdc.NodeRef{ID: "1", Labels: []string{"Person"}, IDs: map[string]any{"email": "a"}},
		End:    cdc.NodeRef{ID: "2", Labels: []string{"Person"}, IDs: map[string]any{"email": "b"}},
		Before: cdc.NewSnapshot(nil, map[string]any{}),
	}
	ev := cdc.NewEventBuilder().WithPayload(rel).WithSchema(cdc.Schema{Constraints: constraints}).Build()
	tombstone := map[string]any{
		"start": map[string]any{"ids": map[string]any{"email": "c"}, "labels": []any{"Person"}},
		"end":   map[string]any{"ids": map[string]any{"email": "d"}, "labels": []any{"Person"}},
		"label": "KNOWS",
	}

	stmts := (&SchemaStrategy{}).DeleteRelationships([]Record{{Value: ev}, {Key: tombstone}, {Key: "42"}})
	require.Len(t, stmts, 1)
	assert.Equal(t, "UNWIND $events AS event\n"+
		"MATCH (from:`Person` {`email`: event.start.keys.`email`})-[r:`KNOWS`]->(to:`Person` {`email`: event.end.keys.`email`})\n"+
		"DELETE r", stmts[0].Query)
	assert.Len(t, stmts[0].Events, 2)
}

func TestSchemaMissingEndpointKeyIsDropped(t *testing.T) {
	rel := &cdc.RelationshipChange{
		ID:    "10",
		Label: "KNOWS",
		Start: cdc.NodeRef{ID: "1", Labels: []string{"Person"}, IDs: map[string]any{}},
		End:   cdc.NodeRef{ID: "2", Labels: []string{"Person"}, IDs: map[string]any{"email": "b"}},
		After: cdc.NewSnapshot(nil, map[string]any{}),
	}
	ev := cdc.NewEventBuilder().WithPayload(rel).
		WithSchema(cdc.Schema{Constraints: []cdc.Constraint{unique("Person", "email")}}).Build()
	assert.Empty(t, (&SchemaStrategy{}).MergeRelationships([]Record{{Value: &ev}}))
}
