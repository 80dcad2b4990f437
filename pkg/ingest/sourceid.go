package ingest

import (
	"fmt"

	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
)

const (
	DefaultSourceLabel  = "SourceEvent"
	DefaultSourceIDName = "sourceId"
)

// SourceIDStrategy ingests change events by their source entity id. Every
// node is merged under LabelName on the IDName property, ignoring
// constraints; relationships are merged between two such nodes.
//
// Read it from non-compacting topics. A compacting topic keys a node that
// has unique constraints by {"ids":…,"labels":…}, and a tombstone with such a
// key carries no source id: it is counted as a dropped tombstone and the node
// stays in the graph. Only raw-id tombstone keys delete.
type SourceIDStrategy struct {
	LabelName string
	IDName    string
}

func (*SourceIDStrategy) Name() string { return "source-id" }

func (s *SourceIDStrategy) label() string {
	if s.LabelName == "" {
		return DefaultSourceLabel
	}
	return s.LabelName
}

func (s *SourceIDStrategy) idName() string {
	if s.IDName == "" {
		return DefaultSourceIDName
	}
	return s.IDName
}

// sourceNode renders (v:`SourceEvent` {`sourceId`: expr})
func (s *SourceIDStrategy) sourceNode(v, expr string) string {
	return "(" + v + labelClause([]string{s.label()}) + " {" + quote(s.idName()) + ": " + expr + "})"
}

func (s *SourceIDStrategy) MergeNodes(records []Record) []CompiledStatement {
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

		lines := []string{
			unwindEvents,
			"MERGE " + s.sourceNode("n", "event.id"),
			"SET n = event.properties",
			"SET n." + quote(s.idName()) + " = event.id",
		}
		if labels := without(sortedLabels(n.After.Labels), s.label()); len(labels) > 0 {
			lines = append(lines, "SET n"+labelClause(labels))
		}
		if n.Before != nil {
			if removed := without(difference(n.Before.Labels, n.After.Labels), s.label()); len(removed) > 0 {
				lines = append(lines, "REMOVE n"+labelClause(removed))
			}
		}
		b.add(statement(lines...), map[string]any{
			"id":         n.ID,
			"properties": n.After.Properties,
		})
	}
	return b.statements()
}

func (s *SourceIDStrategy) DeleteNodes(records []Record) []CompiledStatement {
	b := batch{}
	query := statement(
		unwindEvents,
		"MATCH "+s.sourceNode("n", "event.id"),
		"DETACH DELETE n",
	)
	for _, r := range records {
		if r.Tombstone() {
			if desc, ok := asMap(r.Key); ok {
				if desc["start"] == nil {
					drop(s.Name(), reasonTombstone)
				}
				continue
			}
			if r.Key == nil {
				drop(s.Name(), reasonTombstone)
				continue
			}
			b.add(query, map[string]any{"id": scalarID(r.Key)})
			continue
		}

		ev, err := asEvent(r.Value)
		if err != nil {
			continue
		}
		if n, ok := ev.Payload.(*cdc.NodeChange); ok && n.Operation() == cdc.OpDeleted {
			b.add(query, map[string]any{"id": n.ID})
		}
	}
	return b.statements()
}

func (s *SourceIDStrategy) MergeRelationships(records []Record) []CompiledStatement {
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
		if rel.Start.ID == "" || rel.End.ID == "" {
			drop(s.Name(), reasonMissingRef)
			continue
		}

		lines := []string{unwindEvents, "MERGE " + s.sourceNode("from", "event.start")}
		if labels := without(sortedLabels(rel.Start.Labels), s.label()); len(labels) > 0 {
			lines = append(lines, "SET from"+labelClause(labels))
		}
		lines = append(lines, "MERGE "+s.sourceNode("to", "event.end"))
		if labels := without(sortedLabels(rel.End.Labels), s.label()); len(labels) > 0 {
			lines = append(lines, "SET to"+labelClause(labels))
		}
		lines = append(lines,
			"MERGE (from)-[r:"+quote(rel.Label)+" {"+quote(s.idName())+": event.id}]->(to)",
			"SET r = event.properties",
			"SET r."+quote(s.idName())+" = event.id",
		)
		b.add(statement(lines...), map[string]any{
			"id":         rel.ID,
			"start":      rel.Start.ID,
			"end":        rel.End.ID,
			"properties": rel.After.Properties,
		})
	}
	return b.statements()
}

func (s *SourceIDStrategy) DeleteRelationships(records []Record) []CompiledStatement {
	b := batch{}
	for _, r := range records {
		if r.Tombstone() {
			// relationship keys carry endpoint identities, never the source id
			if desc, ok := asMap(r.Key); ok && desc["start"] != nil {
				drop(s.Name(), reasonTombstone)
			}
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
		b.add(statement(
			unwindEvents,
			"MATCH ()-[r:"+quote(rel.Label)+" {"+quote(s.idName())+": event.id}]->()",
			"DELETE r",
		), map[string]any{"id": rel.ID})
	}
	return b.statements()
}

// scalarID renders a non-compacted tombstone key as an entity id
func scalarID(key any) string {
	switch k := key.(type) {
	case string:
		return k
	case []byte:
		return string(k)
	case float64:
		return fmt.Sprintf("%.0f", k)
	default:
		return fmt.Sprint(k)
	}
}
