package ingest

import (
	"github.com/edgeflare/graphstream/pkg/pipeline/pattern"
)

// flatten turns nested maps into dot-separated property paths
func flatten(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	flattenInto(out, "", m)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}
		if nested, ok := asMap(v); ok && len(nested) > 0 {
			flattenInto(out, k, nested)
			continue
		}
		out[k] = v
	}
}

// NodePatternStrategy projects every record through one fixed node pattern
type NodePatternStrategy struct {
	Pattern pattern.NodePattern

	merge, delete string
}

func NewNodePatternStrategy(p string) (*NodePatternStrategy, error) {
	np, err := pattern.ParseNode(p, pattern.ParseOptions{RequireKeys: true})
	if err != nil {
		return nil, err
	}
	labels := np.Labels
	return &NodePatternStrategy{
		Pattern: np,
		merge: statement(
			unwindEvents,
			"MERGE "+nodePattern("n", labels, "event.keys", np.Keys),
			"SET n += event.properties",
		),
		delete: statement(
			unwindEvents,
			"MATCH "+nodePattern("n", labels, "event.keys", np.Keys),
			"DETACH DELETE n",
		),
	}, nil
}

func (*NodePatternStrategy) Name() string { return "pattern:node" }

func (s *NodePatternStrategy) MergeNodes(records []Record) []CompiledStatement {
	b := batch{}
	for _, r := range records {
		if r.Tombstone() {
			continue
		}
		m, ok := asMap(r.Value)
		if !ok {
			drop(s.Name(), reasonMalformed)
			continue
		}
		flat := flatten(m)
		keys, ok := s.Pattern.Identity(flat)
		if !ok {
			drop(s.Name(), reasonNoKey)
			continue
		}
		b.add(s.merge, map[string]any{"keys": keys, "properties": s.Pattern.Properties(flat)})
	}
	return b.statements()
}

func (s *NodePatternStrategy) DeleteNodes(records []Record) []CompiledStatement {
	b := batch{}
	for _, r := range records {
		if !r.Tombstone() {
			continue
		}
		keys, ok := tombstoneKeys(r.Key, s.Pattern)
		if !ok {
			drop(s.Name(), reasonTombstone)
			continue
		}
		b.add(s.delete, map[string]any{"keys": keys})
	}
	return b.statements()
}

func (*NodePatternStrategy) MergeRelationships([]Record) []CompiledStatement  { return nil }
func (*NodePatternStrategy) DeleteRelationships([]Record) []CompiledStatement { return nil }

// tombstoneKeys reads a node identity from a tombstone key: a map of the key
// properties, or the bare value of a single-key pattern.
func tombstoneKeys(key any, p pattern.NodePattern) (map[string]any, bool) {
	if m, ok := asMap(key); ok {
		return p.Identity(flatten(m))
	}
	if key == nil || len(p.Keys) != 1 {
		return nil, false
	}
	return map[string]any{p.Keys[0]: key}, true
}

// RelationshipPatternStrategy projects every record through one fixed
// relationship pattern. Endpoint keys are read from the same flat record as
// the relationship properties.
type RelationshipPatternStrategy struct {
	Pattern pattern.RelationshipPattern

	merge, delete string
}

func NewRelationshipPatternStrategy(p string) (*RelationshipPatternStrategy, error) {
	rp, err := pattern.ParseRelationship(p, pattern.ParseOptions{RequireKeys: true})
	if err != nil {
		return nil, err
	}
	from := nodePattern("from", rp.Start.Labels, "event.start.keys", rp.Start.Keys)
	to := nodePattern("to", rp.End.Labels, "event.end.keys", rp.End.Keys)
	rel := "[r:" + quote(rp.Type) + "]"
	return &RelationshipPatternStrategy{
		Pattern: rp,
		merge: statement(
			unwindEvents,
			"MERGE "+from,
			"SET from += event.start.properties",
			"MERGE "+to,
			"SET to += event.end.properties",
			"MERGE (from)-"+rel+"->(to)",
			"SET r += event.properties",
		),
		delete: statement(
			unwindEvents,
			"MATCH "+from+"-"+rel+"->"+to,
			"DELETE r",
		),
	}, nil
}

func (*RelationshipPatternStrategy) Name() string { return "pattern:relationship" }

func (*RelationshipPatternStrategy) MergeNodes([]Record) []CompiledStatement  { return nil }
func (*RelationshipPatternStrategy) DeleteNodes([]Record) []CompiledStatement { return nil }

func (s *RelationshipPatternStrategy) MergeRelationships(records []Record) []CompiledStatement {
	b := batch{}
	for _, r := range records {
		if r.Tombstone() {
			continue
		}
		m, ok := asMap(r.Value)
		if !ok {
			drop(s.Name(), reasonMalformed)
			continue
		}
		flat := flatten(m)
		startKeys, sok := s.Pattern.Start.Identity(flat)
		endKeys, eok := s.Pattern.End.Identity(flat)
		if !sok || !eok {
			drop(s.Name(), reasonNoKey)
			continue
		}

		startProps := endpointProperties(s.Pattern.Start, flat)
		endProps := endpointProperties(s.Pattern.End, flat)
		rest := make(map[string]any, len(flat))
		for k, v := range flat {
			if _, ok := startKeys[k]; ok {
				continue
			}
			if _, ok := endKeys[k]; ok {
				continue
			}
			if _, ok := startProps[k]; ok {
				continue
			}
			if _, ok := endProps[k]; ok {
				continue
			}
			rest[k] = v
		}
		b.add(s.merge, map[string]any{
			"start":      map[string]any{"keys": startKeys, "properties": startProps},
			"end":        map[string]any{"keys": endKeys, "properties": endProps},
			"properties": s.Pattern.Filter.Apply(rest),
		})
	}
	return b.statements()
}

func (s *RelationshipPatternStrategy) DeleteRelationships(records []Record) []CompiledStatement {
	b := batch{}
	for _, r := range records {
		if !r.Tombstone() {
			continue
		}
		m, ok := asMap(r.Key)
		if !ok {
			drop(s.Name(), reasonTombstone)
			continue
		}
		flat := flatten(m)
		startKeys, sok := s.Pattern.Start.Identity(flat)
		endKeys, eok := s.Pattern.End.Identity(flat)
		if !sok || !eok {
			drop(s.Name(), reasonTombstone)
			continue
		}
		b.add(s.delete, map[string]any{
			"start": map[string]any{"keys": startKeys},
			"end":   map[string]any{"keys": endKeys},
		})
	}
	return b.statements()
}

// endpointProperties returns the properties explicitly listed on an endpoint
// of the pattern. Endpoints only receive properties they name.
func endpointProperties(p pattern.NodePattern, flat map[string]any) map[string]any {
	if p.Filter.Mode != pattern.Include {
		return map[string]any{}
	}
	return p.Properties(flat)
}
