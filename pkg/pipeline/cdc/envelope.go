package cdc

import (
	"encoding/json"
	"fmt"
)

// Envelope is the serialized form of an Event. Both the JSON and the
// MessagePack codecs go through it.
type Envelope struct {
	Meta    Meta        `json:"meta" msgpack:"meta"`
	Payload WirePayload `json:"payload" msgpack:"payload"`
	Schema  Schema      `json:"schema" msgpack:"schema"`
}

// WirePayload flattens the Payload union, discriminated by Type
type WirePayload struct {
	ID     string     `json:"id" msgpack:"id"`
	Type   EntityType `json:"type" msgpack:"type"`
	Before *Snapshot  `json:"before" msgpack:"before"`
	After  *Snapshot  `json:"after" msgpack:"after"`
	Label  string     `json:"label,omitempty" msgpack:"label,omitempty"`
	Start  *NodeRef   `json:"start,omitempty" msgpack:"start,omitempty"`
	End    *NodeRef   `json:"end,omitempty" msgpack:"end,omitempty"`
}

// ToEnvelope converts an Event to its wire form
func (e Event) ToEnvelope() (Envelope, error) {
	env := Envelope{Meta: e.Meta, Schema: e.Schema}
	switch p := e.Payload.(type) {
	case *NodeChange:
		env.Payload = WirePayload{ID: p.ID, Type: EntityNode, Before: p.Before, After: p.After}
	case *RelationshipChange:
		start, end := p.Start, p.End
		env.Payload = WirePayload{
			ID: p.ID, Type: EntityRelationship, Label: p.Label,
			Before: p.Before, After: p.After, Start: &start, End: &end,
		}
	default:
		return Envelope{}, fmt.Errorf("%w: %T", ErrUnknownPayload, e.Payload)
	}
	return env, nil
}

// Event converts the wire form back to an Event
func (env Envelope) Event() (Event, error) {
	e := Event{Meta: env.Meta, Schema: env.Schema}
	w := env.Payload
	switch w.Type {
	case EntityNode:
		e.Payload = &NodeChange{ID: w.ID, Before: w.Before, After: w.After}
	case EntityRelationship:
		r := &RelationshipChange{ID: w.ID, Label: w.Label, Before: w.Before, After: w.After}
		if w.Start != nil {
			r.Start = *w.Start
		}
		if w.End != nil {
			r.End = *w.End
		}
		e.Payload = r
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownPayload, w.Type)
	}
	if err := e.Payload.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	env, err := e.ToEnvelope()
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	ev, err := env.Event()
	if err != nil {
		return err
	}
	*e = ev
	return nil
}
