package cdc

import (
	"encoding/json"
	"testing"

	"github.com/edgeflare/graphstream/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEnvelopeConformance checks the fixtures decode into the tagged payload union.
func TestEnvelopeConformance(t *testing.T) {
	var node Event
	_, err := testutil.LoadJSON("node_event.json", &node)
	require.NoError(t, err)

	n, ok := node.Payload.(*NodeChange)
	require.True(t, ok, "payload type %T", node.Payload)
	assert.Equal(t, OpDeleted, n.Operation())
	assert.Nil(t, n.After)
	assert.Equal(t, []string{"Person", "User"}, n.Before.Labels)
	assert.Equal(t, "annek@noanswer.org", n.Before.Properties["email"])

	var rel Event
	_, err = testutil.LoadJSON("relationship_event.json", &rel)
	require.NoError(t, err)

	r, ok := rel.Payload.(*RelationshipChange)
	require.True(t, ok, "payload type %T", rel.Payload)
	assert.Equal(t, OpUpdated, r.Operation())
	assert.Equal(t, "KNOWS", r.Label)
	assert.Equal(t, map[string]any{"email": "jack@noanswer.org"}, r.End.IDs)
}

func TestEventJSONRoundTrip(t *testing.T) {
	meta := NewMetaBuilder(42).
		WithTimestamp(1000).
		WithUsername("neo").
		WithHostname("graph-1").
		WithSequence(0, 1).
		Build()
	ev := NewEventBuilder().
		WithMeta(meta).
		WithPayload(&NodeChange{ID: "1", After: NewSnapshot([]string{"A"}, map[string]any{"x": "y"})}).
		Build()
	assert.Equal(t, OpCreated, ev.Meta.Operation)

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	payload := raw["payload"].(map[string]any)
	assert.Equal(t, "node", payload["type"])
	assert.Nil(t, payload["before"])

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ev.Meta, back.Meta)
	assert.Equal(t, ev.Payload, back.Payload)
}

func TestUnmarshalRejectsEmptyPayload(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"meta":{},"payload":{"id":"1","type":"node","before":null,"after":null},"schema":{}}`), &ev)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	err = json.Unmarshal([]byte(`{"meta":{},"payload":{"id":"1","type":"edge"},"schema":{}}`), &ev)
	assert.ErrorIs(t, err, ErrUnknownPayload)
}

func TestSnapshotCopies(t *testing.T) {
	props := map[string]any{"a": 1}
	s := NewSnapshot([]string{"L"}, props)
	props["a"] = 2
	assert.Equal(t, 1, s.Properties["a"])

	filtered := s.WithProperties(map[string]any{})
	assert.Empty(t, filtered.Properties)
	assert.Equal(t, 1, s.Properties["a"])
	assert.Equal(t, []string{"L"}, filtered.Labels)
}

func TestNodeKeys(t *testing.T) {
	constraints := []Constraint{
		{Label: "Person", Properties: []string{"name", "surname"}, Type: ConstraintUnique},
		{Label: "Person", Properties: []string{"name"}, Type: ConstraintUnique},
		{Label: "Person", Properties: []string{"age"}, Type: ConstraintNodePropertyExists},
		{Label: "Other", Properties: []string{"code"}, Type: ConstraintUnique},
	}
	props := map[string]any{"name": "Ann", "surname": "K", "age": 3}

	assert.Equal(t, []string{"name"}, NodeKeys([]string{"Person"}, props, constraints, KeyStrategyDefault))
	assert.Equal(t, []string{"name", "surname"}, NodeKeys([]string{"Person"}, props, constraints, KeyStrategyAll))
	assert.Empty(t, NodeKeys([]string{"Nobody"}, props, constraints, KeyStrategyAll))

	// constraints whose properties are missing on the entity do not apply
	assert.Empty(t, NodeKeys([]string{"Other"}, props, constraints, KeyStrategyDefault))
}

func TestKeyConstraints(t *testing.T) {
	constraints := []Constraint{
		{Label: "Employee", Properties: []string{"name", "surname"}, Type: ConstraintUnique},
		{Label: "Person", Properties: []string{"name"}, Type: ConstraintUnique},
		{Label: "Person", Properties: []string{"badge"}, Type: ConstraintUnique},
	}
	labels := []string{"Person", "Employee"}
	props := map[string]any{"name": "Ann", "surname": "K"}

	assert.Equal(t, constraints[1:2], KeyConstraints(labels, props, constraints, KeyStrategyDefault))
	assert.Equal(t, []Constraint{constraints[1], constraints[0]}, KeyConstraints(labels, props, constraints, KeyStrategyAll))
	assert.Empty(t, KeyConstraints([]string{"Robot"}, props, constraints, KeyStrategyAll))
}

func TestPickKeyTieBreak(t *testing.T) {
	constraints := []Constraint{
		{Label: "Person", Properties: []string{"name", "surname"}, Type: ConstraintUnique},
		{Label: "Person", Properties: []string{"country"}, Type: ConstraintUnique},
		{Label: "Person", Properties: []string{"address"}, Type: ConstraintUnique},
		{Label: "Employee", Properties: []string{"badge"}, Type: ConstraintUnique},
	}
	props := map[string]any{"name": 1, "surname": 1, "country": 1, "address": 1, "badge": 1}

	c, ok := PickKey([]string{"Person"}, props, constraints)
	require.True(t, ok)
	assert.Equal(t, []string{"address"}, c.Properties)

	c, ok = PickKey([]string{"Person", "Employee"}, props, constraints)
	require.True(t, ok)
	assert.Equal(t, "Employee", c.Label)
}

func TestParseKeyStrategy(t *testing.T) {
	for in, want := range map[string]KeyStrategy{"": KeyStrategyDefault, "DEFAULT": KeyStrategyDefault, "all": KeyStrategyAll} {
		got, err := ParseKeyStrategy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseKeyStrategy("some")
	assert.Error(t, err)
}
