package txdiff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgeflare/graphstream/pkg/constraint"
	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memReader struct {
	nodes map[string]Node
	rels  map[string]Relationship
	fail  map[string]error
}

func (m *memReader) Node(_ context.Context, id string) (Node, error) {
	if err := m.fail[id]; err != nil {
		return Node{}, err
	}
	n, ok := m.nodes[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	return n, nil
}

func (m *memReader) Relationship(_ context.Context, id string) (Relationship, error) {
	if err := m.fail[id]; err != nil {
		return Relationship{}, err
	}
	r, ok := m.rels[id]
	if !ok {
		return Relationship{}, ErrNotFound
	}
	return r, nil
}

func newCache(t *testing.T, cs ...cdc.Constraint) *constraint.Cache {
	t.Helper()
	c := constraint.NewCache(constraint.StaticLoader(cs))
	require.NoError(t, c.Reload(context.Background()))
	return c
}

func fullTx() (TxData, *memReader) {
	reader := &memReader{
		nodes: map[string]Node{
			"1": {ID: "1", Labels: []string{"Person"}, Properties: map[string]any{"name": "Ann"}},
			"2": {ID: "2", Labels: []string{"Person"}, Properties: map[string]any{"name": "Bob"}},
			"4": {ID: "4", Labels: []string{"Person", "Admin"}, Properties: map[string]any{"name": "Eve", "age": 31}},
		},
		rels: map[string]Relationship{
			"10": {ID: "10", Type: "KNOWS", StartID: "1", EndID: "2", Properties: map[string]any{"since": 2020}},
			"12": {ID: "12", Type: "KNOWS", StartID: "2", EndID: "4", Properties: map[string]any{"since": 2001}},
		},
	}
	tx := TxData{
		TxID:                 7,
		CommitTime:           time.UnixMilli(1700000000000),
		Username:             "neo",
		CreatedNodes:         []string{"1", "2"},
		DeletedNodes:         []string{"3"},
		CreatedRelationships: []string{"10"},
		DeletedRelationships: []RelationshipRef{{ID: "11", Type: "KNOWS", StartID: "4", EndID: "3"}},
		AssignedLabels:       []LabelEntry{{NodeID: "4", Label: "Admin"}, {NodeID: "1", Label: "Person"}},
		RemovedLabels:        []LabelEntry{{NodeID: "3", Label: "Person"}},
		AssignedNodeProperties: []PropertyEntry{
			{EntityID: "1", Key: "name", Value: "Ann"},
			{EntityID: "4", Key: "age", Value: 31, Previous: 30},
		},
		RemovedNodeProperties: []PropertyEntry{{EntityID: "3", Key: "name", Previous: "Zed"}},
		AssignedRelationshipProperties: []PropertyEntry{
			{EntityID: "10", Key: "since", Value: 2020},
			{EntityID: "12", Key: "since", Value: 2001, Previous: 2000},
		},
		RemovedRelationshipProperties: []PropertyEntry{{EntityID: "11", Key: "weight", Previous: 0.5}},
	}
	return tx, reader
}

func TestEncodeSequencing(t *testing.T) {
	tx, reader := fullTx()
	enc := &Encoder{Constraints: newCache(t), Reader: reader, Hostname: "graph-1"}

	events, err := enc.Encode(context.Background(), tx)
	require.NoError(t, err)
	require.Len(t, events, 7)

	want := []struct {
		id string
		op cdc.Operation
		tp cdc.EntityType
	}{
		{"1", cdc.OpCreated, cdc.EntityNode},
		{"2", cdc.OpCreated, cdc.EntityNode},
		{"3", cdc.OpDeleted, cdc.EntityNode},
		{"4", cdc.OpUpdated, cdc.EntityNode},
		{"10", cdc.OpCreated, cdc.EntityRelationship},
		{"11", cdc.OpDeleted, cdc.EntityRelationship},
		{"12", cdc.OpUpdated, cdc.EntityRelationship},
	}
	for i, ev := range events {
		assert.Equal(t, i, ev.Meta.TxEventID)
		assert.Equal(t, len(events), ev.Meta.TxEventsCount)
		assert.Equal(t, int64(7), ev.Meta.TxID)
		assert.Equal(t, int64(1700000000000), ev.Meta.Timestamp)
		assert.Equal(t, "graph-1", ev.Meta.Source.Hostname)
		assert.Equal(t, want[i].id, ev.Payload.EntityID())
		assert.Equal(t, want[i].op, ev.Meta.Operation)
		assert.Equal(t, want[i].tp, ev.Payload.Type())
	}

	updated := events[3].Payload.(*cdc.NodeChange)
	assert.Equal(t, []string{"Person"}, updated.Before.Labels)
	assert.Equal(t, 30, updated.Before.Properties["age"])
	assert.Equal(t, []string{"Person", "Admin"}, updated.After.Labels)

	rel := events[6].Payload.(*cdc.RelationshipChange)
	assert.Equal(t, 2000, rel.Before.Properties["since"])
	assert.Equal(t, 2001, rel.After.Properties["since"])
	assert.Equal(t, "Long", events[6].Schema.Properties["since"])
}

func TestEncodeDeletedNodeRecovery(t *testing.T) {
	tx := TxData{
		TxID:                  9,
		DeletedNodes:          []string{"5"},
		RemovedLabels:         []LabelEntry{{NodeID: "5", Label: "A"}, {NodeID: "5", Label: "B"}},
		RemovedNodeProperties: []PropertyEntry{{EntityID: "5", Key: "x", Previous: 1}},
	}
	enc := &Encoder{Constraints: newCache(t), Reader: &memReader{}}

	events, err := enc.Encode(context.Background(), tx)
	require.NoError(t, err)
	require.Len(t, events, 1)

	n := events[0].Payload.(*cdc.NodeChange)
	assert.Nil(t, n.After)
	assert.Equal(t, &cdc.Snapshot{Labels: []string{"A", "B"}, Properties: map[string]any{"x": 1}}, n.Before)
}

func TestEncodeKeyStrategy(t *testing.T) {
	cache := newCache(t,
		cdc.Constraint{Label: "Person", Properties: []string{"name"}, Type: cdc.ConstraintUnique},
		cdc.Constraint{Label: "Person", Properties: []string{"name", "surname"}, Type: cdc.ConstraintUnique},
	)
	reader := &memReader{
		nodes: map[string]Node{
			"1": {ID: "1", Labels: []string{"Person"}, Properties: map[string]any{"name": "Ann", "surname": "K", "age": 3}},
			"2": {ID: "2", Labels: []string{"Thing"}, Properties: map[string]any{"code": "x"}},
		},
		rels: map[string]Relationship{
			"9": {ID: "9", Type: "OWNS", StartID: "1", EndID: "2"},
		},
	}
	tx := TxData{TxID: 1, CreatedRelationships: []string{"9"}}

	encode := func(strategy cdc.KeyStrategy) cdc.Event {
		enc := &Encoder{
			Constraints:   cache,
			Reader:        reader,
			KeyStrategies: func(string) cdc.KeyStrategy { return strategy },
		}
		events, err := enc.Encode(context.Background(), tx)
		require.NoError(t, err)
		require.Len(t, events, 1)
		return events[0]
	}

	def := encode(cdc.KeyStrategyDefault)
	all := encode(cdc.KeyStrategyAll)

	assert.Equal(t, map[string]any{"name": "Ann"}, def.Payload.(*cdc.RelationshipChange).Start.IDs)
	assert.Equal(t, map[string]any{"name": "Ann", "surname": "K"}, all.Payload.(*cdc.RelationshipChange).Start.IDs)
	assert.Empty(t, def.Payload.(*cdc.RelationshipChange).End.IDs)
	assert.Equal(t, def.Schema.Constraints, all.Schema.Constraints)
	assert.Len(t, def.Schema.Constraints, 2)
}

func TestEncodeDetachDelete(t *testing.T) {
	cache := newCache(t, cdc.Constraint{Label: "Person", Properties: []string{"email"}, Type: cdc.ConstraintUnique})
	tx := TxData{
		TxID:         3,
		DeletedNodes: []string{"1", "2"},
		DeletedRelationships: []RelationshipRef{
			{ID: "7", Type: "KNOWS", StartID: "1", EndID: "2"},
		},
		RemovedLabels: []LabelEntry{{NodeID: "1", Label: "Person"}, {NodeID: "2", Label: "Person"}},
		RemovedNodeProperties: []PropertyEntry{
			{EntityID: "1", Key: "email", Previous: "a@x"},
			{EntityID: "2", Key: "email", Previous: "b@x"},
		},
	}
	enc := &Encoder{Constraints: cache, Reader: &memReader{}}

	events, err := enc.Encode(context.Background(), tx)
	require.NoError(t, err)
	require.Len(t, events, 3)

	rel := events[2].Payload.(*cdc.RelationshipChange)
	assert.Equal(t, cdc.OpDeleted, rel.Operation())
	assert.Equal(t, cdc.NodeRef{ID: "1", Labels: []string{"Person"}, IDs: map[string]any{"email": "a@x"}}, rel.Start)
	assert.Equal(t, cdc.NodeRef{ID: "2", Labels: []string{"Person"}, IDs: map[string]any{"email": "b@x"}}, rel.End)
	assert.Empty(t, rel.Before.Properties)
}

func TestEncodeDropsFailedEvents(t *testing.T) {
	tx, reader := fullTx()
	reader.fail = map[string]error{"10": errors.New("corrupt record")}
	enc := &Encoder{Constraints: newCache(t), Reader: reader}

	events, err := enc.Encode(context.Background(), tx)
	require.NoError(t, err)
	require.Len(t, events, 6)
	for i, ev := range events {
		assert.Equal(t, i, ev.Meta.TxEventID)
		assert.Equal(t, 6, ev.Meta.TxEventsCount)
		assert.NotEqual(t, "10", ev.Payload.EntityID())
	}
}

func TestEncodeWithoutConstraintCache(t *testing.T) {
	tx, reader := fullTx()
	enc := &Encoder{Reader: reader}

	events, err := enc.Encode(context.Background(), tx)
	require.NoError(t, err)
	assert.Len(t, events, 7)
	for _, ev := range events {
		assert.Empty(t, ev.Schema.Constraints)
	}
}

func TestEncodeCanceled(t *testing.T) {
	tx, reader := fullTx()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Encoder{Reader: reader}).Encode(ctx, tx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncodeTransientEntities(t *testing.T) {
	tx := TxData{TxID: 1, CreatedNodes: []string{"1"}, DeletedNodes: []string{"1"}}
	events, err := (&Encoder{Reader: &memReader{}}).Encode(context.Background(), tx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTypeName(t *testing.T) {
	for v, want := range map[any]string{
		"s":  "String",
		true: "Boolean",
		3:    "Long",
		2.5:  "Double",
		nil:  "Null",
	} {
		assert.Equal(t, want, TypeName(v))
	}
	assert.Equal(t, "String[]", TypeName([]string{"a"}))
	assert.Equal(t, "Long[]", TypeName([]any{nil, 1}))
	assert.Equal(t, "Map", TypeName(map[string]any{}))
}
