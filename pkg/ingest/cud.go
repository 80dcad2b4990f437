package ingest

import (
	"maps"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// CUD operations declared by incoming records
const (
	OpCreate = "create"
	OpMerge  = "merge"
	OpUpdate = "update"
	OpDelete = "delete"
	OpMatch  = "match"
)

// cudRecord is the declared-operation record format:
//
//	{"op":"merge","type":"node","labels":["Foo"],"ids":{"key":1},"properties":{…}}
//	{"op":"create","type":"relationship","rel_type":"KNOWS",
//	 "from":{"op":"match","labels":["Foo"],"ids":{"key":1}},"to":{…},"properties":{…}}
type cudRecord struct {
	Op         string         `json:"op"`
	Type       string         `json:"type"`
	Labels     []string       `json:"labels"`
	IDs        map[string]any `json:"ids"`
	Properties map[string]any `json:"properties"`
	Detach     bool           `json:"detach"`
	RelType    string         `json:"rel_type"`
	From       cudEndpoint    `json:"from"`
	To         cudEndpoint    `json:"to"`
}

type cudEndpoint struct {
	Op     string         `json:"op"`
	Labels []string       `json:"labels"`
	IDs    map[string]any `json:"ids"`
}

func decodeCUD(v any, op string) (cudRecord, bool) {
	m, ok := asMap(v)
	if !ok {
		return cudRecord{}, false
	}
	var rec cudRecord
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &rec,
	})
	if err != nil || dec.Decode(m) != nil {
		return cudRecord{}, false
	}
	if op != "" {
		rec.Op = op
	}
	rec.Op = strings.ToLower(strings.TrimSpace(rec.Op))
	if rec.Op == "" {
		rec.Op = OpCreate
	}
	rec.Type = strings.ToLower(strings.TrimSpace(rec.Type))
	switch rec.Type {
	case "", "node":
		rec.Type = "node"
	case "relationship", "rel":
		rec.Type = "relationship"
	default:
		return cudRecord{}, false
	}
	rec.From.Op = endpointOp(rec.From.Op)
	rec.To.Op = endpointOp(rec.To.Op)
	return rec, true
}

func endpointOp(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	if op == "" {
		return OpMatch
	}
	return op
}

// CUDStrategy ingests records that declare their own operation, and for
// relationships the operation of each endpoint.
type CUDStrategy struct{}

func (*CUDStrategy) Name() string { return "cud" }

// records yields the decoded records of one entity type. Tombstones are
// decoded from their key as deletes.
func (s *CUDStrategy) records(records []Record, entity string, countMalformed bool) []cudRecord {
	var out []cudRecord
	for _, r := range records {
		var (
			rec cudRecord
			ok  bool
		)
		if r.Tombstone() {
			rec, ok = decodeCUD(r.Key, OpDelete)
		} else {
			rec, ok = decodeCUD(r.Value, "")
		}
		if !ok {
			if countMalformed {
				drop(s.Name(), reasonMalformed)
			}
			continue
		}
		if rec.Type == entity {
			out = append(out, rec)
		}
	}
	return out
}

func (s *CUDStrategy) MergeNodes(records []Record) []CompiledStatement {
	b := batch{}
	for _, rec := range s.records(records, "node", true) {
		labels := sortedLabels(rec.Labels)
		switch rec.Op {
		case OpDelete:
			continue
		case OpCreate:
			props := make(map[string]any, len(rec.Properties)+len(rec.IDs))
			maps.Copy(props, rec.Properties)
			for k, v := range rec.IDs {
				if k != internalID {
					props[k] = v
				}
			}
			b.add(statement(
				unwindEvents,
				"CREATE (n"+labelClause(labels)+")",
				"SET n = event.properties",
			), map[string]any{"properties": props})
		case OpMerge, OpUpdate:
			if len(rec.IDs) == 0 {
				drop(s.Name(), reasonNoKey)
				continue
			}
			verb := "MATCH"
			if rec.Op == OpMerge {
				verb = "MERGE"
			}
			b.add(statement(
				unwindEvents,
				identify(verb, "n", labels, "event.ids", rec.IDs),
				"SET n += event.properties",
			), map[string]any{"ids": rec.IDs, "properties": nonNil(rec.Properties)})
		default:
			drop(s.Name(), reasonInvalidOp)
		}
	}
	return b.statements()
}

func (s *CUDStrategy) DeleteNodes(records []Record) []CompiledStatement {
	b := batch{}
	for _, rec := range s.records(records, "node", false) {
		if rec.Op != OpDelete {
			continue
		}
		if len(rec.IDs) == 0 {
			drop(s.Name(), reasonNoKey)
			continue
		}
		del := "DELETE n"
		if rec.Detach {
			del = "DETACH DELETE n"
		}
		b.add(statement(
			unwindEvents,
			identify("MATCH", "n", sortedLabels(rec.Labels), "event.ids", rec.IDs),
			del,
		), map[string]any{"ids": rec.IDs})
	}
	return b.statements()
}

func (s *CUDStrategy) MergeRelationships(records []Record) []CompiledStatement {
	b := batch{}
	for _, rec := range s.records(records, "relationship", false) {
		var tail []string
		switch rec.Op {
		case OpDelete:
			continue
		case OpCreate:
			tail = []string{"CREATE (from)-[r:" + quote(rec.RelType) + "]->(to)", "SET r = event.properties"}
		case OpMerge:
			tail = []string{"MERGE (from)-[r:" + quote(rec.RelType) + "]->(to)", "SET r += event.properties"}
		case OpUpdate:
			rec.From.Op, rec.To.Op = OpMatch, OpMatch
			tail = []string{"MATCH (from)-[r:" + quote(rec.RelType) + "]->(to)", "SET r += event.properties"}
		default:
			drop(s.Name(), reasonInvalidOp)
			continue
		}
		head, ok := s.endpoints(rec)
		if !ok {
			continue
		}
		b.add(statement(append(head, tail...)...), map[string]any{
			"from":       map[string]any{"ids": nonNil(rec.From.IDs)},
			"to":         map[string]any{"ids": nonNil(rec.To.IDs)},
			"properties": nonNil(rec.Properties),
		})
	}
	return b.statements()
}

func (s *CUDStrategy) DeleteRelationships(records []Record) []CompiledStatement {
	b := batch{}
	for _, rec := range s.records(records, "relationship", false) {
		if rec.Op != OpDelete {
			continue
		}
		rec.From.Op, rec.To.Op = OpMatch, OpMatch
		head, ok := s.endpoints(rec)
		if !ok {
			continue
		}
		b.add(statement(append(head,
			"MATCH (from)-[r:"+quote(rec.RelType)+"]->(to)",
			"DELETE r",
		)...), map[string]any{
			"from": map[string]any{"ids": rec.From.IDs},
			"to":   map[string]any{"ids": rec.To.IDs},
		})
	}
	return b.statements()
}

// endpoints renders the clauses binding from and to, one per declared
// endpoint operation.
func (s *CUDStrategy) endpoints(rec cudRecord) ([]string, bool) {
	if rec.RelType == "" {
		drop(s.Name(), reasonMalformed)
		return nil, false
	}
	from, ok := s.endpoint("from", rec.From)
	if !ok {
		return nil, false
	}
	to, ok := s.endpoint("to", rec.To)
	if !ok {
		return nil, false
	}
	return []string{unwindEvents, from, "WITH event, from", to}, true
}

func (s *CUDStrategy) endpoint(v string, ep cudEndpoint) (string, bool) {
	labels := sortedLabels(ep.Labels)
	param := "event." + v + ".ids"
	switch ep.Op {
	case OpCreate:
		if _, ok := ep.IDs[internalID]; ok {
			drop(s.Name(), reasonInvalidOp)
			return "", false
		}
		return "CREATE " + nodePattern(v, labels, param, sortedKeys(ep.IDs)), true
	case OpMatch, OpMerge:
		if len(ep.IDs) == 0 {
			drop(s.Name(), reasonNoKey)
			return "", false
		}
		verb := "MATCH"
		if ep.Op == OpMerge {
			verb = "MERGE"
		}
		return identify(verb, v, labels, param, ep.IDs), true
	default:
		drop(s.Name(), reasonInvalidOp)
		return "", false
	}
}

// identify binds v by its identity map, or by database id when the map
// holds the internal id marker. A database id can only be matched.
func identify(verb, v string, labels []string, param string, ids map[string]any) string {
	if _, ok := ids[internalID]; ok {
		return "MATCH (" + v + labelClause(labels) + ") WHERE id(" + v + ") = " + param + "." + quote(internalID)
	}
	return verb + " " + nodePattern(v, labels, param, sortedKeys(ids))
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
