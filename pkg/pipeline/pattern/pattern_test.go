package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		opts    ParseOptions
		want    NodePattern
		wantErr string
	}{
		{
			name:  "labels with keys and include",
			input: "Label1:Label2{!key1,!key2,prop1,prop2}",
			want: NodePattern{
				Labels: []string{"Label1", "Label2"},
				Keys:   []string{"key1", "key2"},
				Filter: Filter{Mode: Include, Names: []string{"prop1", "prop2"}},
			},
		},
		{
			name:  "exclude list",
			input: "LabelA{!id,-foo,-bar}",
			want: NodePattern{
				Labels: []string{"LabelA"},
				Keys:   []string{"id"},
				Filter: Filter{Mode: Exclude, Names: []string{"bar", "foo"}},
			},
		},
		{
			name:    "mixed include and exclude",
			input:   "LabelA{!id,-foo,bar}",
			wantErr: "not homogeneous",
		},
		{
			name:  "star",
			input: "(:User{!userId, *})",
			opts:  ParseOptions{RequireKeys: true},
			want:  NodePattern{Labels: []string{"User"}, Keys: []string{"userId"}, Filter: Filter{Mode: All}},
		},
		{
			name:  "bare label",
			input: "Person",
			want:  NodePattern{Labels: []string{"Person"}, Filter: Filter{Mode: All}},
		},
		{
			name:  "match everything",
			input: "*",
			want:  NodePattern{Filter: Filter{Mode: All}},
		},
		{
			name:  "back-tick quoted names",
			input: "`My Label`{!`user id`,`first-name`}",
			want: NodePattern{
				Labels: []string{"My Label"},
				Keys:   []string{"user id"},
				Filter: Filter{Mode: Include, Names: []string{"first-name"}},
			},
		},
		{
			name:    "empty braces",
			input:   "Person{}",
			wantErr: "empty property list",
		},
		{
			name:    "missing key for ingestion",
			input:   "Person{name}",
			opts:    ParseOptions{RequireKeys: true},
			wantErr: "identity key",
		},
		{
			name:    "unbalanced",
			input:   "Person{!id",
			wantErr: "unbalanced",
		},
		{
			name:    "star with includes",
			input:   "Person{*,name}",
			wantErr: "not homogeneous",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNode(tt.input, tt.opts)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPattern)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Contains(t, err.Error(), tt.input)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRelationship(t *testing.T) {
	keyed := ParseOptions{RequireKeys: true}

	p, err := ParseRelationship("KNOWS{since}", ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, "KNOWS", p.Type)
	assert.False(t, p.HasEndpoints())
	assert.Equal(t, Filter{Mode: Include, Names: []string{"since"}}, p.Filter)

	p, err = ParseRelationship("(:User{!sourceId})-[:KNOWS{-secret}]->(:Company{!targetId})", keyed)
	require.NoError(t, err)
	assert.Equal(t, []string{"User"}, p.Start.Labels)
	assert.Equal(t, []string{"sourceId"}, p.Start.Keys)
	assert.Equal(t, []string{"Company"}, p.End.Labels)
	assert.Equal(t, Filter{Mode: Exclude, Names: []string{"secret"}}, p.Filter)

	p, err = ParseRelationship("(:Company{!targetId})<-[:WORKS_AT]-(:User{!sourceId})", keyed)
	require.NoError(t, err)
	assert.Equal(t, []string{"User"}, p.Start.Labels, "reversed arrow swaps the start side")
	assert.Equal(t, []string{"Company"}, p.End.Labels)
	assert.Equal(t, "WORKS_AT", p.Type)

	p, err = ParseRelationship("User{!sourceId} WORKS_AT{since, role} Company{!targetId}", keyed)
	require.NoError(t, err)
	assert.Equal(t, []string{"sourceId"}, p.Start.Keys)
	assert.Equal(t, []string{"targetId"}, p.End.Keys)
	assert.Equal(t, []string{"role", "since"}, p.Filter.Names)

	for _, tt := range []struct{ input, msg string }{
		{"KNOWS{since}", "identity key"},
		{"(:A{!id})-[:R]->(:B{!id})", "used by both endpoints"},
		{"(:A{!a})<-[:R]->(:B{!b})", "both ways"},
		{"(:A{!a})-[R]->(:B{!b})", "[:TYPE]"},
		{"A{!a} R", "expected"},
		{"(:A{!a})-[:R{!k}]->(:B{!b})", "cannot be identity keys"},
		{"(:A{!a})-[:R:S]->(:B{!b})", "exactly one type"},
		{"(:A{!a})-[:R{x,-y}]->(:B{!b})", "not homogeneous"},
	} {
		_, err := ParseRelationship(tt.input, keyed)
		require.Error(t, err, tt.input)
		assert.Contains(t, err.Error(), tt.msg, tt.input)
	}
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules("Person{*}; Customer{!id, `a;b`} ;")
	require.NoError(t, err)
	assert.Equal(t, []string{"Person{*}", "Customer{!id, `a;b`}"}, rules)

	_, err = ParseRules(" ; ")
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestNodePatternProjection(t *testing.T) {
	p, err := ParseNode("Person{!id,-password}", ParseOptions{RequireKeys: true})
	require.NoError(t, err)

	props := map[string]any{"id": 1, "name": "Ann", "password": "x"}
	assert.Equal(t, map[string]any{"id": 1, "name": "Ann"}, p.Apply(props))
	assert.Equal(t, map[string]any{"name": "Ann"}, p.Properties(props))

	ids, ok := p.Identity(props)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"id": 1}, ids)

	_, ok = p.Identity(map[string]any{"name": "Ann"})
	assert.False(t, ok)

	assert.True(t, p.Matches([]string{"Person", "User"}))
	assert.False(t, p.Matches([]string{"User"}))
}

func TestFilterApplyCopies(t *testing.T) {
	props := map[string]any{"a": 1, "b": 2}
	out := Filter{Mode: Include, Names: []string{"a"}}.Apply(props)
	out["c"] = 3
	assert.Len(t, props, 2)
	assert.Nil(t, Filter{}.Apply(nil))
	assert.Equal(t, props, Filter{}.Apply(props))
}
