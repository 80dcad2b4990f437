package route

import (
	"fmt"
	"slices"
	"strings"

	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
)

// CleanupPolicy is a topic's log retention mode
type CleanupPolicy string

const (
	CleanupDelete  CleanupPolicy = "delete"
	CleanupCompact CleanupPolicy = "compact"
)

// Compacting reports whether the policy keeps only the latest record per key.
// "compact,delete" counts as compacting.
func (p CleanupPolicy) Compacting() bool {
	for _, part := range strings.Split(string(p), ",") {
		if strings.EqualFold(strings.TrimSpace(part), string(CleanupCompact)) {
			return true
		}
	}
	return false
}

// PolicyResolver looks up a topic's cleanup policy
type PolicyResolver interface {
	CleanupPolicy(topic string) CleanupPolicy
}

// StaticPolicies resolves policies from configuration. Unlisted topics use
// the delete policy.
type StaticPolicies map[string]CleanupPolicy

func (s StaticPolicies) CleanupPolicy(topic string) CleanupPolicy {
	if p, ok := s[topic]; ok {
		return p
	}
	return CleanupDelete
}

// Compacting reports whether topic keeps only the latest record per key.
// Deletes on such a topic are published as tombstones.
func (r *Router) Compacting(topic string) bool {
	return r.policies.CleanupPolicy(topic).Compacting()
}

// Key derives the message key of ev on topic. ev must be the unredacted
// event so identity properties removed by the topic's filter still count.
//
// Compacting topics get a stable identity descriptor: {"ids":…,"labels":…}
// for nodes with applicable unique constraints, the raw id otherwise, and
// {"start":…,"end":…,"label":…} for relationships. Other topics get
// "<txId+txEventId>-<txEventId>".
func (r *Router) Key(topic string, ev cdc.Event) (any, error) {
	if ev.Payload == nil {
		return nil, cdc.ErrUnknownPayload
	}
	if !r.policies.CleanupPolicy(topic).Compacting() {
		return SequenceKey(ev.Meta), nil
	}

	switch p := ev.Payload.(type) {
	case *cdc.NodeChange:
		current := p.Current()
		if current == nil {
			return nil, cdc.ErrEmptyPayload
		}
		return nodeDescriptor(p.ID, current.Labels, current.Properties, ev.Schema.Constraints, r.keyStrategy(topic)), nil
	case *cdc.RelationshipChange:
		return map[string]any{
			"start": refDescriptor(p.Start, ev.Schema.Constraints, r.KeyStrategyFor(p.Label)),
			"end":   refDescriptor(p.End, ev.Schema.Constraints, r.KeyStrategyFor(p.Label)),
			"label": p.Label,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %T", cdc.ErrUnknownPayload, ev.Payload)
	}
}

// SequenceKey is the key of non-compacting topics
func SequenceKey(m cdc.Meta) string {
	return fmt.Sprintf("%d-%d", m.TxID+int64(m.TxEventID), m.TxEventID)
}

func nodeDescriptor(id string, labels []string, props map[string]any, constraints []cdc.Constraint, strategy cdc.KeyStrategy) any {
	keys := cdc.KeyConstraints(labels, props, constraints, strategy)
	if len(keys) == 0 {
		return id
	}
	return map[string]any{
		"ids":    cdc.Pick(props, cdc.NodeKeys(labels, props, constraints, strategy)),
		"labels": ownerLabels(keys),
	}
}

// refDescriptor describes a relationship endpoint. ref.IDs holds exactly the
// properties the encoder picked under strategy, so the same constraints
// select again.
func refDescriptor(ref cdc.NodeRef, constraints []cdc.Constraint, strategy cdc.KeyStrategy) any {
	if len(ref.IDs) == 0 {
		return ref.ID
	}
	return map[string]any{
		"ids":    ref.IDs,
		"labels": ownerLabels(cdc.KeyConstraints(ref.Labels, ref.IDs, constraints, strategy)),
	}
}

// ownerLabels returns the sorted labels of the constraints that supplied the
// key. Labels without constraints are left out so that adding one does not
// move the entity to a new key.
func ownerLabels(keys []cdc.Constraint) []string {
	var out []string
	for _, c := range keys {
		if !slices.Contains(out, c.Label) {
			out = append(out, c.Label)
		}
	}
	slices.Sort(out)
	return out
}
