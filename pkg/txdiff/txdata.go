// Package txdiff turns the raw diff of one committed graph transaction into
// an ordered list of change events.
package txdiff

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("entity not found")

// LabelEntry records a label assigned to or removed from a node
type LabelEntry struct {
	NodeID string
	Label  string
}

// PropertyEntry records a property change on a node or relationship.
// Value is the committed value (nil when removed) and Previous the value
// before the transaction (nil when the key did not exist).
type PropertyEntry struct {
	EntityID string
	Key      string
	Value    any
	Previous any
}

// RelationshipRef identifies a deleted relationship, whose type and
// endpoints can no longer be read from the graph.
type RelationshipRef struct {
	ID      string
	Type    string
	StartID string
	EndID   string
}

// TxData is the raw diff of one committed transaction
type TxData struct {
	TxID       int64
	CommitTime time.Time
	Username   string
	// Position is the source log position ending the transaction, zero when
	// the source has none. Consumers hand it back once the events are
	// published.
	Position uint64

	CreatedNodes         []string
	DeletedNodes         []string
	CreatedRelationships []string
	DeletedRelationships []RelationshipRef

	AssignedLabels []LabelEntry
	RemovedLabels  []LabelEntry

	AssignedNodeProperties         []PropertyEntry
	RemovedNodeProperties          []PropertyEntry
	AssignedRelationshipProperties []PropertyEntry
	RemovedRelationshipProperties  []PropertyEntry
}

// Empty reports whether the transaction changed nothing in the graph
func (tx TxData) Empty() bool {
	return len(tx.CreatedNodes) == 0 && len(tx.DeletedNodes) == 0 &&
		len(tx.CreatedRelationships) == 0 && len(tx.DeletedRelationships) == 0 &&
		len(tx.AssignedLabels) == 0 && len(tx.RemovedLabels) == 0 &&
		len(tx.AssignedNodeProperties) == 0 && len(tx.RemovedNodeProperties) == 0 &&
		len(tx.AssignedRelationshipProperties) == 0 && len(tx.RemovedRelationshipProperties) == 0
}

// Node is the committed state of a node
type Node struct {
	ID         string
	Labels     []string
	Properties map[string]any
}

// Relationship is the committed state of a relationship
type Relationship struct {
	ID         string
	Type       string
	StartID    string
	EndID      string
	Properties map[string]any
}

// EntityReader reads the live, post-commit state of the graph. Both methods
// return ErrNotFound for entities that no longer exist.
type EntityReader interface {
	Node(ctx context.Context, id string) (Node, error)
	Relationship(ctx context.Context, id string) (Relationship, error)
}
