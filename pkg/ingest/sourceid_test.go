package ingest

import (
	"encoding/json"
	"testing"

	"github.com/edgeflare/graphstream/internal/testutil"
	"github.com/edgeflare/graphstream/pkg/metrics"
	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceIDMergeNodes(t *testing.T) {
	s := &SourceIDStrategy{}
	before := cdc.NewSnapshot([]string{"Person", "Temp"}, map[string]any{"name": "A"})
	after := cdc.NewSnapshot([]string{"Person", "SourceEvent"}, map[string]any{"name": "B"})

	stmts := s.MergeNodes([]Record{
		{Value: nodeEvent(nil, after)},
		{Value: nodeEvent(before, after)},
		{Value: nodeEvent(before, nil)},
	})
	require.Len(t, stmts, 2)
	assert.Equal(t, "UNWIND $events AS event\n"+
		"MERGE (n:`SourceEvent` {`sourceId`: event.id})\n"+
		"SET n = event.properties\n"+
		"SET n.`sourceId` = event.id\n"+
		"SET n:`Person`", stmts[0].Query)
	assert.Equal(t, stmts[0].Query+"\nREMOVE n:`Temp`", stmts[1].Query)
	assert.Equal(t, map[string]any{"id": "1", "properties": map[string]any{"name": "B"}}, stmts[0].Events[0])
}

func TestSourceIDCustomNames(t *testing.T) {
	s, err := ParseStrategy("source_id", WithSourceID("Imported", "origin"))
	require.NoError(t, err)

	stmts := s.MergeNodes([]Record{{Value: nodeEvent(nil, cdc.NewSnapshot(nil, map[string]any{}))}})
	require.Len(t, stmts, 1)
	assert.Equal(t, "UNWIND $events AS event\n"+
		"MERGE (n:`Imported` {`origin`: event.id})\n"+
		"SET n = event.properties\n"+
		"SET n.`origin` = event.id", stmts[0].Query)
}

func TestSourceIDDeleteNodes(t *testing.T) {
	before := cdc.NewSnapshot([]string{"Person"}, map[string]any{})
	stmts := (&SourceIDStrategy{}).DeleteNodes([]Record{
		{Value: nodeEvent(before, nil)},
		{Key: "42"},
		{Key: float64(43)},
		{Key: map[string]any{"start": map[string]any{}, "end": map[string]any{}, "label": "KNOWS"}},
	})
	require.Len(t, stmts, 1)
	assert.Equal(t, "UNWIND $events AS event\n"+
		"MATCH (n:`SourceEvent` {`sourceId`: event.id})\n"+
		"DETACH DELETE n", stmts[0].Query)
	assert.Equal(t, []map[string]any{{"id": "1"}, {"id": "42"}, {"id": "43"}}, stmts[0].Events)
}

func TestSourceIDDropsDescriptorTombstones(t *testing.T) {
	dropped := metrics.IngestRecordsDropped.WithLabelValues("source-id", reasonTombstone)
	before := counterValue(t, dropped)

	// compacting topics key constrained nodes by descriptor, which has no source id
	stmts := (&SourceIDStrategy{}).DeleteNodes([]Record{
		{Key: map[string]any{"ids": map[string]any{"email": "a@x"}, "labels": []any{"Person"}}},
	})
	assert.Empty(t, stmts)
	assert.Equal(t, before+1, counterValue(t, dropped))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestSourceIDRelationships(t *testing.T) {
	value, err := testutil.LoadJSON("relationship_event.json")
	require.NoError(t, err)

	s := &SourceIDStrategy{}
	stmts := s.MergeRelationships([]Record{{Value: value}})
	require.Len(t, stmts, 1)
	assert.Equal(t, "UNWIND $events AS event\n"+
		"MERGE (from:`SourceEvent` {`sourceId`: event.start})\n"+
		"SET from:`Person`\n"+
		"MERGE (to:`SourceEvent` {`sourceId`: event.end})\n"+
		"SET to:`Person`\n"+
		"MERGE (from)-[r:`KNOWS` {`sourceId`: event.id}]->(to)\n"+
		"SET r = event.properties\n"+
		"SET r.`sourceId` = event.id", stmts[0].Query)
	assert.Equal(t, map[string]any{
		"id":         "844424930131970",
		"start":      "844424930131969",
		"end":        "844424930131971",
		"properties": map[string]any{"since": json.Number("2018"), "via": "work"},
	}, stmts[0].Events[0])

	deleted := &cdc.RelationshipChange{ID: "7", Label: "KNOWS", Before: cdc.NewSnapshot(nil, map[string]any{})}
	dels := s.DeleteRelationships([]Record{
		{Value: cdc.NewEventBuilder().WithPayload(deleted).Build()},
		{Value: value},
	})
	require.Len(t, dels, 1)
	assert.Equal(t, "UNWIND $events AS event\n"+
		"MATCH ()-[r:`KNOWS` {`sourceId`: event.id}]->()\n"+
		"DELETE r", dels[0].Query)
	assert.Equal(t, []map[string]any{{"id": "7"}}, dels[0].Events)
}
