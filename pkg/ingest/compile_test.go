package ingest

import (
	"testing"

	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		spec string
		name string
	}{
		{"schema", "schema"},
		{" Schema ", "schema"},
		{"source-id", "source-id"},
		{"sourceId", "source-id"},
		{"cud", "cud"},
		{"pattern:node:User{!id}", "pattern:node"},
		{"pattern:rel:(:A{!a})-[:R]->(:B{!b})", "pattern:relationship"},
		{"pattern:relationship:(:A{!a})-[:R]->(:B{!b})", "pattern:relationship"},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			s, err := ParseStrategy(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.name, s.Name())
		})
	}

	for _, spec := range []string{"", "upsert", "pattern", "pattern:node", "pattern:edge:X{!a}", "pattern:node:User{name}"} {
		_, err := ParseStrategy(spec)
		assert.Error(t, err, spec)
	}
}

func TestCompileSchemaRunsDeletesFirst(t *testing.T) {
	constraints := []cdc.Constraint{unique("Person", "email")}
	person := cdc.NewSnapshot([]string{"Person"}, map[string]any{"email": "a"})
	rel := &cdc.RelationshipChange{
		ID:     "10",
		Label:  "KNOWS",
		Start:  cdc.NodeRef{ID: "1", Labels: []string{"Person"}, IDs: map[string]any{"email": "a"}},
		End:    cdc.NodeRef{ID: "2", Labels: []string{"Person"}, IDs: map[string]any{"email": "b"}},
		Before: cdc.NewSnapshot(nil, map[string]any{}),
	}
	records := []Record{
		{Value: nodeEvent(nil, person, constraints...)},
		{Value: nodeEvent(person, nil, constraints...)},
		{Value: cdc.NewEventBuilder().WithPayload(rel).WithSchema(cdc.Schema{Constraints: constraints}).Build()},
	}

	stmts := Compile(&SchemaStrategy{}, records)
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0].Query, "DELETE r")
	assert.Contains(t, stmts[1].Query, "DETACH DELETE n")
	assert.Contains(t, stmts[2].Query, "MERGE (n:`Person`")
}

func TestRecordTombstone(t *testing.T) {
	assert.True(t, Record{Key: "1"}.Tombstone())
	assert.False(t, Record{Value: map[string]any{}}.Tombstone())
}
