package ingest

import (
	"slices"

	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
)

// SchemaStrategy ingests change events and merges each entity on the
// smallest unique constraint carried in the event's own schema.
type SchemaStrategy struct{}

func (*SchemaStrategy) Name() string { return "schema" }

func (s *SchemaStrategy) MergeNodes(records []Record) []CompiledStatement {
	b := batch{}
	for _, r := range records {
		if r.Tombstone() {
			continue
		}
		ev, err := asEvent(r.Value)
		if err != nil {
			drop(s.Name(), reasonMalformed)
			continue
		}
		n, ok := ev.Payload.(*cdc.NodeChange)
		if !ok || n.After == nil {
			continue
		}
		key, ok := cdc.PickKey(n.After.Labels, n.After.Properties, ev.Schema.Constraints)
		if !ok {
			drop(s.Name(), reasonNoKey)
			continue
		}

		lines := []string{
			unwindEvents,
			"MERGE " + nodePattern("n", []string{key.Label}, "event.keys", key.Properties),
			"SET n = event.properties",
		}
		if others := without(sortedLabels(n.After.Labels), key.Label); len(others) > 0 {
			lines = append(lines, "SET n"+labelClause(others))
		}
		if n.Before != nil {
			if removed := difference(n.Before.Labels, n.After.Labels); len(removed) > 0 {
				lines = append(lines, "REMOVE n"+labelClause(removed))
			}
		}
		b.add(statement(lines...), map[string]any{
			"keys":       cdc.Pick(n.After.Properties, key.Properties),
			"properties": n.After.Properties,
		})
	}
	return b.statements()
}

func (s *SchemaStrategy) DeleteNodes(records []Record) []CompiledStatement {
	b := batch{}
	for _, r := range records {
		if r.Tombstone() {
			desc, ok := asMap(r.Key)
			if !ok || desc["start"] != nil {
				if !ok {
					drop(s.Name(), reasonTombstone)
				}
				continue
			}
			labels, ids, ok := parseDescriptor(desc)
			if !ok {
				drop(s.Name(), reasonTombstone)
				continue
			}
			b.add(statement(
				unwindEvents,
				"MATCH "+nodePattern("n", labels, "event.keys", sortedKeys(ids)),
				"DETACH DELETE n",
			), map[string]any{"keys": ids})
			continue
		}

		ev, err := asEvent(r.Value)
		if err != nil {
			continue
		}
		n, ok := ev.Payload.(*cdc.NodeChange)
		if !ok || n.Operation() != cdc.OpDeleted {
			continue
		}
		key, ok := cdc.PickKey(n.Before.Labels, n.Before.Properties, ev.Schema.Constraints)
		if !ok {
			drop(s.Name(), reasonNoKey)
			continue
		}
		b.add(statement(
			unwindEvents,
			"MATCH "+nodePattern("n", []string{key.Label}, "event.keys", key.Properties),
			"DETACH DELETE n",
		), map[string]any{"keys": cdc.Pick(n.Before.Properties, key.Properties)})
	}
	return b.statements()
}

func (s *SchemaStrategy) MergeRelationships(records []Record) []CompiledStatement {
	b := batch{}
	for _, r := range records {
		if r.Tombstone() {
			continue
		}
		ev, err := asEvent(r.Value)
		if err != nil {
			continue
		}
		rel, ok := ev.Payload.(*cdc.RelationshipChange)
		if !ok || rel.After == nil {
			continue
		}
		start, end, ok := endpointKeys(rel, ev.Schema.Constraints)
		if !ok {
			drop(s.Name(), reasonMissingRef)
			continue
		}
		b.add(statement(
			unwindEvents,
			"MERGE "+nodePattern("from", []string{start.Label}, "event.start.keys", start.Properties),
			"MERGE "+nodePattern("to", []string{end.Label}, "event.end.keys", end.Properties),
			"MERGE (from)-[r:"+quote(rel.Label)+"]->(to)",
			"SET r = event.properties",
		), map[string]any{
			"start":      map[string]any{"keys": cdc.Pick(rel.Start.IDs, start.Properties)},
			"end":        map[string]any{"keys": cdc.Pick(rel.End.IDs, end.Properties)},
			"properties": rel.After.Properties,
		})
	}
	return b.statements()
}

func (s *SchemaStrategy) DeleteRelationships(records []Record) []CompiledStatement {
	b := batch{}
	for _, r := range records {
		if r.Tombstone() {
			desc, ok := asMap(r.Key)
			if !ok || desc["start"] == nil {
				continue
			}
			relType, _ := desc["label"].(string)
			startDesc, sok := asMap(desc["start"])
			endDesc, eok := asMap(desc["end"])
			if relType == "" || !sok || !eok {
				drop(s.Name(), reasonTombstone)
				continue
			}
			startLabels, startIDs, sok := parseDescriptor(startDesc)
			endLabels, endIDs, eok := parseDescriptor(endDesc)
			if !sok || !eok {
				drop(s.Name(), reasonTombstone)
				continue
			}
			b.add(statement(
				unwindEvents,
				"MATCH "+nodePattern("from", startLabels, "event.start.keys", sortedKeys(startIDs))+
					"-[r:"+quote(relType)+"]->"+
					nodePattern("to", endLabels, "event.end.keys", sortedKeys(endIDs)),
				"DELETE r",
			), map[string]any{
				"start": map[string]any{"keys": startIDs},
				"end":   map[string]any{"keys": endIDs},
			})
			continue
		}

		ev, err := asEvent(r.Value)
		if err != nil {
			continue
		}
		rel, ok := ev.Payload.(*cdc.RelationshipChange)
		if !ok || rel.Operation() != cdc.OpDeleted {
			continue
		}
		start, end, ok := endpointKeys(rel, ev.Schema.Constraints)
		if !ok {
			drop(s.Name(), reasonMissingRef)
			continue
		}
		b.add(statement(
			unwindEvents,
			"MATCH "+nodePattern("from", []string{start.Label}, "event.start.keys", start.Properties)+
				"-[r:"+quote(rel.Label)+"]->"+
				nodePattern("to", []string{end.Label}, "event.end.keys", end.Properties),
			"DELETE r",
		), map[string]any{
			"start": map[string]any{"keys": cdc.Pick(rel.Start.IDs, start.Properties)},
			"end":   map[string]any{"keys": cdc.Pick(rel.End.IDs, end.Properties)},
		})
	}
	return b.statements()
}

// endpointKeys picks the merge constraint of both endpoints from the key
// properties the event carries for them.
func endpointKeys(rel *cdc.RelationshipChange, constraints []cdc.Constraint) (start, end cdc.Constraint, ok bool) {
	start, ok = cdc.PickKey(rel.Start.Labels, rel.Start.IDs, constraints)
	if !ok {
		return
	}
	end, ok = cdc.PickKey(rel.End.Labels, rel.End.IDs, constraints)
	return
}

// parseDescriptor reads an identity descriptor {"ids":{…},"labels":[…]}
func parseDescriptor(desc map[string]any) ([]string, map[string]any, bool) {
	ids, ok := asMap(desc["ids"])
	if !ok || len(ids) == 0 {
		return nil, nil, false
	}
	labels, ok := asStrings(desc["labels"])
	if !ok {
		return nil, nil, false
	}
	return sortedLabels(labels), ids, true
}

func without(labels []string, label string) []string {
	return slices.DeleteFunc(slices.Clone(labels), func(l string) bool { return l == label })
}

// difference returns the sorted labels of a missing from b
func difference(a, b []string) []string {
	var out []string
	for _, l := range a {
		if !slices.Contains(b, l) {
			out = append(out, l)
		}
	}
	return sortedLabels(out)
}
