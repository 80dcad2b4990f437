// Package ingest compiles batches of incoming broker records into batched,
// parameterized Cypher statements.
//
// A strategy never performs I/O and keeps no state between calls, so the
// same strategy can compile independent batches concurrently. Records a
// strategy cannot use are excluded from the batch and counted; they never
// fail it.
package ingest

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/edgeflare/graphstream/pkg/metrics"
)

// Record is one incoming broker message with a decoded key and value.
// A nil Value is a tombstone.
type Record struct {
	Topic     string
	Key       any
	Value     any
	Partition int32
	Offset    int64
}

// Tombstone reports whether the record carries no value
func (r Record) Tombstone() bool { return r.Value == nil }

// CompiledStatement pairs a query template with the parameters of every
// record that compiled to it, in input order. The template reads them as
// UNWIND $events AS event.
type CompiledStatement struct {
	Query  string           `json:"query"`
	Events []map[string]any `json:"events"`
}

// Strategy compiles records of one topic. Each operation picks the records
// it applies to and ignores the rest.
type Strategy interface {
	Name() string
	MergeNodes(records []Record) []CompiledStatement
	DeleteNodes(records []Record) []CompiledStatement
	MergeRelationships(records []Record) []CompiledStatement
	DeleteRelationships(records []Record) []CompiledStatement
}

// Compile runs every operation of s over records, in execution order:
// relationship deletes, node deletes, node merges, relationship merges.
func Compile(s Strategy, records []Record) []CompiledStatement {
	out := slices.Concat(
		s.DeleteRelationships(records),
		s.DeleteNodes(records),
		s.MergeNodes(records),
		s.MergeRelationships(records),
	)
	metrics.CompiledStatements.WithLabelValues(s.Name()).Add(float64(len(out)))
	return out
}

// batch groups parameter maps by their query template
type batch map[string]*CompiledStatement

func (b batch) add(query string, params map[string]any) {
	st, ok := b[query]
	if !ok {
		st = &CompiledStatement{Query: query}
		b[query] = st
	}
	st.Events = append(st.Events, params)
}

// statements returns the groups ordered by template text, so the result does
// not depend on the order records arrived in.
func (b batch) statements() []CompiledStatement {
	if len(b) == 0 {
		return nil
	}
	out := make([]CompiledStatement, 0, len(b))
	for _, q := range slices.Sorted(maps.Keys(b)) {
		out = append(out, *b[q])
	}
	return out
}

func drop(strategy, reason string) {
	metrics.IngestRecordsDropped.WithLabelValues(strategy, reason).Inc()
}

// Drop reasons
const (
	reasonMalformed  = "malformed"
	reasonNoKey      = "no_key"
	reasonInvalidOp  = "invalid_op"
	reasonTombstone  = "unsupported_tombstone"
	reasonMissingRef = "missing_endpoint"
)

// ParseStrategy builds a strategy from its configuration name:
// schema, source-id, cud, pattern:node:<pattern> or
// pattern:relationship:<pattern>.
func ParseStrategy(spec string, opts ...Option) (Strategy, error) {
	o := options{sourceLabel: DefaultSourceLabel, sourceIDName: DefaultSourceIDName}
	for _, opt := range opts {
		opt(&o)
	}

	name, rest, _ := strings.Cut(strings.TrimSpace(spec), ":")
	switch strings.ToLower(name) {
	case "schema":
		return &SchemaStrategy{}, nil
	case "source-id", "sourceid", "source_id":
		return &SourceIDStrategy{LabelName: o.sourceLabel, IDName: o.sourceIDName}, nil
	case "cud":
		return &CUDStrategy{}, nil
	case "pattern":
		kind, p, ok := strings.Cut(rest, ":")
		if !ok || strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("strategy %q: want pattern:node:<pattern> or pattern:relationship:<pattern>", spec)
		}
		switch strings.ToLower(kind) {
		case "node":
			return NewNodePatternStrategy(p)
		case "relationship", "rel":
			return NewRelationshipPatternStrategy(p)
		default:
			return nil, fmt.Errorf("strategy %q: unknown pattern kind %q", spec, kind)
		}
	default:
		return nil, fmt.Errorf("unknown ingestion strategy %q (want schema, source-id, cud or pattern:<kind>:<pattern>)", spec)
	}
}

type options struct {
	sourceLabel  string
	sourceIDName string
}

// Option configures ParseStrategy
type Option func(*options)

// WithSourceID overrides the synthetic label and id property of the
// source-id strategy. Empty values keep the defaults.
func WithSourceID(label, idName string) Option {
	return func(o *options) {
		if label != "" {
			o.sourceLabel = label
		}
		if idName != "" {
			o.sourceIDName = idName
		}
	}
}
