package age

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAgtype(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"empty", "", nil},
		{"null", "null", nil},
		{"string", `"a::b"`, "a::b"},
		{"escaped quote", `"say \"hi\"::x"`, `say "hi"::x`},
		{"integer", "844424930131969", json.Number("844424930131969")},
		{"numeric", "3.14::numeric", json.Number("3.14")},
		{"nan", "NaN", "NaN"},
		{"negative infinity", "[-Infinity, 1]", []any{"-Infinity", json.Number("1")}},
		{"map", `{"tags": ["a", "b"], "ok": true}`, map[string]any{"tags": []any{"a", "b"}, "ok": true}},
		{"path", `[{"id": 1, "label": "A", "properties": {}}::vertex, {"id": 2, "label": "R", "end_id": 3, "start_id": 1, "properties": {}}::edge]::path`,
			[]any{
				map[string]any{"id": json.Number("1"), "label": "A", "properties": map[string]any{}},
				map[string]any{"id": json.Number("2"), "label": "R", "end_id": json.Number("3"), "start_id": json.Number("1"), "properties": map[string]any{}},
			}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAgtype(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseAgtype("{broken")
	assert.Error(t, err)
}

func TestParseProperties(t *testing.T) {
	props, err := ParseProperties(`{"email": "a@x", "age": 42}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"email": "a@x", "age": json.Number("42")}, props)

	props, err = ParseProperties("")
	require.NoError(t, err)
	assert.Empty(t, props)

	_, err = ParseProperties("[1]")
	assert.Error(t, err)
}

func TestParseVertex(t *testing.T) {
	v, err := ParseVertex(`{"id": 844424930131969, "label": "Person", "properties": {"email": "a@x"}}::vertex`)
	require.NoError(t, err)
	assert.Equal(t, Vertex{ID: "844424930131969", Label: "Person", Properties: map[string]any{"email": "a@x"}}, v)

	v, err = ParseVertex(`{"id": 281474976710657, "label": "", "properties": {}}::vertex`)
	require.NoError(t, err)
	assert.Empty(t, v.Label)

	_, err = ParseVertex(`{"id": 1}`)
	assert.ErrorIs(t, err, ErrNotVertex)
}

func TestParseEdge(t *testing.T) {
	e, err := ParseEdge(`{"id": 1125899906842625, "label": "KNOWS", "end_id": 844424930131970, "start_id": 844424930131969, "properties": {"since": 2020}}::edge`)
	require.NoError(t, err)
	assert.Equal(t, Edge{
		ID:         "1125899906842625",
		Label:      "KNOWS",
		StartID:    "844424930131969",
		EndID:      "844424930131970",
		Properties: map[string]any{"since": json.Number("2020")},
	}, e)

	_, err = ParseEdge(`{"id": 1, "label": "Person", "properties": {}}::vertex`)
	assert.ErrorIs(t, err, ErrNotEdge)
}
