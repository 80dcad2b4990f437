package cdc

import (
	"errors"
	"maps"
	"slices"
)

// Operation represents the type of change that occurred
type Operation string

const (
	OpCreated Operation = "created"
	OpUpdated Operation = "updated"
	OpDeleted Operation = "deleted"
)

// EntityType discriminates the payload variants on the wire
type EntityType string

const (
	EntityNode         EntityType = "node"
	EntityRelationship EntityType = "relationship"
)

var (
	ErrEmptyPayload   = errors.New("payload has neither before nor after state")
	ErrUnknownPayload = errors.New("unknown payload type")
)

// Source contains metadata about where a change originated
type Source struct {
	Hostname string `json:"hostname" msgpack:"hostname"`
}

// Meta describes one change within its transaction.
// TxEventID is a dense 0-based index; TxEventsCount is shared by every event of the transaction.
type Meta struct {
	Timestamp     int64     `json:"timestamp" msgpack:"timestamp"`
	Username      string    `json:"username" msgpack:"username"`
	TxID          int64     `json:"txId" msgpack:"txId"`
	TxEventID     int       `json:"txEventId" msgpack:"txEventId"`
	TxEventsCount int       `json:"txEventsCount" msgpack:"txEventsCount"`
	Operation     Operation `json:"operation" msgpack:"operation"`
	Source        Source    `json:"source" msgpack:"source"`
}

// Snapshot is the state of a node (labels and properties) or a relationship
// (properties only) at one side of a change. It is never mutated after construction.
type Snapshot struct {
	Labels     []string       `json:"labels,omitempty" msgpack:"labels,omitempty"`
	Properties map[string]any `json:"properties" msgpack:"properties"`
}

// NewSnapshot copies labels and properties into a new Snapshot
func NewSnapshot(labels []string, props map[string]any) *Snapshot {
	s := &Snapshot{Properties: make(map[string]any, len(props))}
	if labels != nil {
		s.Labels = slices.Clone(labels)
	}
	maps.Copy(s.Properties, props)
	return s
}

// WithProperties returns a copy of s carrying props instead of its own properties
func (s *Snapshot) WithProperties(props map[string]any) *Snapshot {
	if s == nil {
		return nil
	}
	return NewSnapshot(s.Labels, props)
}

// HasLabels reports whether every label in want is present on the snapshot
func (s *Snapshot) HasLabels(want []string) bool {
	if s == nil {
		return len(want) == 0
	}
	for _, l := range want {
		if !slices.Contains(s.Labels, l) {
			return false
		}
	}
	return true
}

// NodeRef identifies a relationship endpoint: its id, its labels and the
// constraint-derived key properties known when the event was built.
type NodeRef struct {
	ID     string         `json:"id" msgpack:"id"`
	Labels []string       `json:"labels" msgpack:"labels"`
	IDs    map[string]any `json:"ids" msgpack:"ids"`
}

// Payload is the tagged union of NodeChange and RelationshipChange.
type Payload interface {
	EntityID() string
	Type() EntityType
	Operation() Operation
	Validate() error
	payload()
}

// NodeChange describes a created, updated or deleted node
type NodeChange struct {
	ID     string
	Before *Snapshot
	After  *Snapshot
}

func (n *NodeChange) EntityID() string { return n.ID }
func (n *NodeChange) Type() EntityType { return EntityNode }
func (n *NodeChange) Operation() Operation {
	return operationOf(n.Before != nil, n.After != nil)
}
func (n *NodeChange) Validate() error {
	if n.Before == nil && n.After == nil {
		return ErrEmptyPayload
	}
	return nil
}
func (*NodeChange) payload() {}

// Current returns the after state, or the before state for deleted nodes
func (n *NodeChange) Current() *Snapshot {
	if n.After != nil {
		return n.After
	}
	return n.Before
}

// RelationshipChange describes a created, updated or deleted relationship
type RelationshipChange struct {
	ID     string
	Label  string
	Start  NodeRef
	End    NodeRef
	Before *Snapshot
	After  *Snapshot
}

func (r *RelationshipChange) EntityID() string { return r.ID }
func (r *RelationshipChange) Type() EntityType { return EntityRelationship }
func (r *RelationshipChange) Operation() Operation {
	return operationOf(r.Before != nil, r.After != nil)
}
func (r *RelationshipChange) Validate() error {
	if r.Before == nil && r.After == nil {
		return ErrEmptyPayload
	}
	return nil
}
func (*RelationshipChange) payload() {}

// Current returns the after state, or the before state for deleted relationships
func (r *RelationshipChange) Current() *Snapshot {
	if r.After != nil {
		return r.After
	}
	return r.Before
}

func operationOf(before, after bool) Operation {
	switch {
	case before && after:
		return OpUpdated
	case after:
		return OpCreated
	default:
		return OpDeleted
	}
}

// Schema is computed per event from the entity's current labels or type
type Schema struct {
	Properties  map[string]string `json:"properties" msgpack:"properties"`
	Constraints []Constraint      `json:"constraints" msgpack:"constraints"`
}

// Event represents a complete change data capture event
type Event struct {
	Meta    Meta
	Payload Payload
	Schema  Schema
}

// WithPayload returns a shallow copy of e carrying p
func (e Event) WithPayload(p Payload) Event {
	e.Payload = p
	return e
}

// MetaBuilder helps construct Meta objects with reasonable defaults
type MetaBuilder struct {
	meta Meta
}

func NewMetaBuilder(txID int64) *MetaBuilder {
	return &MetaBuilder{meta: Meta{TxID: txID}}
}

func (b *MetaBuilder) WithTimestamp(ts int64) *MetaBuilder {
	b.meta.Timestamp = ts
	return b
}

func (b *MetaBuilder) WithUsername(user string) *MetaBuilder {
	b.meta.Username = user
	return b
}

func (b *MetaBuilder) WithHostname(host string) *MetaBuilder {
	b.meta.Source.Hostname = host
	return b
}

func (b *MetaBuilder) WithSequence(eventID, eventsCount int) *MetaBuilder {
	b.meta.TxEventID = eventID
	b.meta.TxEventsCount = eventsCount
	return b
}

func (b *MetaBuilder) WithOperation(op Operation) *MetaBuilder {
	b.meta.Operation = op
	return b
}

func (b *MetaBuilder) Build() Meta {
	return b.meta
}

// EventBuilder helps construct complete CDC events
type EventBuilder struct {
	event Event
}

func NewEventBuilder() *EventBuilder {
	return &EventBuilder{
		event: Event{
			Schema: Schema{Properties: map[string]string{}, Constraints: []Constraint{}},
		},
	}
}

func (b *EventBuilder) WithMeta(meta Meta) *EventBuilder {
	b.event.Meta = meta
	return b
}

func (b *EventBuilder) WithPayload(p Payload) *EventBuilder {
	b.event.Payload = p
	return b
}

func (b *EventBuilder) WithSchema(s Schema) *EventBuilder {
	b.event.Schema = s
	return b
}

// Build returns the event with Meta.Operation derived from the payload
func (b *EventBuilder) Build() Event {
	if b.event.Payload != nil {
		b.event.Meta.Operation = b.event.Payload.Operation()
	}
	return b.event
}
