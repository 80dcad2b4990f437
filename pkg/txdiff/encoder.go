package txdiff

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/edgeflare/graphstream/pkg/constraint"
	"github.com/edgeflare/graphstream/pkg/metrics"
	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Encoder builds change events from transaction diffs. It is safe for
// concurrent use; each Encode call works on its own constraint snapshot.
type Encoder struct {
	Constraints *constraint.Cache
	Reader      EntityReader
	// KeyStrategies returns the endpoint key strategy of a relationship type.
	// Nil means cdc.KeyStrategyDefault for every type.
	KeyStrategies func(relType string) cdc.KeyStrategy
	Hostname      string
	Logger        *zap.Logger
}

type built struct {
	payload cdc.Payload
	schema  cdc.Schema
}

// Encode returns one event per created, deleted or updated entity, sequenced
// created/deleted/updated nodes then created/deleted/updated relationships.
// Events that cannot be built are dropped with a warning. The only error is
// ctx's, returned when the context ends before encoding finishes.
func (e *Encoder) Encode(ctx context.Context, tx TxData) ([]cdc.Event, error) {
	if tx.Empty() {
		return nil, nil
	}
	r := e.newRun(tx)

	var created, deleted, updated []built
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { created, err = r.createdNodes(gctx); return })
	g.Go(func() (err error) { deleted, err = r.deletedNodes(gctx); return })
	g.Go(func() (err error) { updated, err = r.updatedNodes(gctx); return })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// detach-deleted endpoints are resolved from this pass's deleted-node events
	gone := make(map[string]*cdc.Snapshot, len(deleted))
	for _, b := range deleted {
		n := b.payload.(*cdc.NodeChange)
		gone[n.ID] = n.Before
	}

	var createdRels, deletedRels, updatedRels []built
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() (err error) { createdRels, err = r.createdRelationships(gctx); return })
	g.Go(func() (err error) { deletedRels, err = r.deletedRelationships(gctx, gone); return })
	g.Go(func() (err error) { updatedRels, err = r.updatedRelationships(gctx); return })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := slices.Concat(created, deleted, updated, createdRels, deletedRels, updatedRels)
	events := make([]cdc.Event, 0, len(all))
	for i, b := range all {
		meta := cdc.NewMetaBuilder(tx.TxID).
			WithTimestamp(tx.CommitTime.UnixMilli()).
			WithUsername(tx.Username).
			WithHostname(e.Hostname).
			WithSequence(i, len(all)).
			Build()
		ev := cdc.NewEventBuilder().WithMeta(meta).WithPayload(b.payload).WithSchema(b.schema).Build()
		metrics.EncodedEvents.WithLabelValues(string(b.payload.Type()), string(ev.Meta.Operation)).Inc()
		events = append(events, ev)
	}
	return events, nil
}

// run holds the per-transaction indexes shared by the category builders.
// It is read-only once built.
type run struct {
	enc    *Encoder
	tx     TxData
	snap   *constraint.Snapshot
	logger *zap.Logger

	createdNodes, deletedNodes map[string]bool
	createdRels, deletedRels   map[string]bool

	assignedLabels, removedLabels       map[string][]string
	assignedNodeProps, removedNodeProps map[string][]PropertyEntry
	assignedRelProps, removedRelProps   map[string][]PropertyEntry

	updatedNodeIDs, updatedRelIDs []string
}

func (e *Encoder) newRun(tx TxData) *run {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &run{
		enc:    e,
		tx:     tx,
		snap:   e.Constraints.Snapshot(),
		logger: logger.With(zap.Int64("txId", tx.TxID)),

		createdNodes: setOf(tx.CreatedNodes),
		deletedNodes: setOf(tx.DeletedNodes),
		createdRels:  setOf(tx.CreatedRelationships),
		deletedRels:  make(map[string]bool, len(tx.DeletedRelationships)),

		assignedLabels:    groupLabels(tx.AssignedLabels),
		removedLabels:     groupLabels(tx.RemovedLabels),
		assignedNodeProps: groupProps(tx.AssignedNodeProperties),
		removedNodeProps:  groupProps(tx.RemovedNodeProperties),
		assignedRelProps:  groupProps(tx.AssignedRelationshipProperties),
		removedRelProps:   groupProps(tx.RemovedRelationshipProperties),
	}
	for _, rel := range tx.DeletedRelationships {
		r.deletedRels[rel.ID] = true
	}

	seen := make(map[string]bool)
	addNode := func(id string) {
		if !seen[id] && !r.createdNodes[id] && !r.deletedNodes[id] {
			seen[id] = true
			r.updatedNodeIDs = append(r.updatedNodeIDs, id)
		}
	}
	for _, l := range tx.AssignedLabels {
		addNode(l.NodeID)
	}
	for _, l := range tx.RemovedLabels {
		addNode(l.NodeID)
	}
	for _, p := range tx.AssignedNodeProperties {
		addNode(p.EntityID)
	}
	for _, p := range tx.RemovedNodeProperties {
		addNode(p.EntityID)
	}

	clear(seen)
	addRel := func(id string) {
		if !seen[id] && !r.createdRels[id] && !r.deletedRels[id] {
			seen[id] = true
			r.updatedRelIDs = append(r.updatedRelIDs, id)
		}
	}
	for _, p := range tx.AssignedRelationshipProperties {
		addRel(p.EntityID)
	}
	for _, p := range tx.RemovedRelationshipProperties {
		addRel(p.EntityID)
	}
	return r
}

// transient reports whether an entity was both created and deleted by the
// transaction, which leaves nothing to publish.
func transient(created, deleted map[string]bool, id string) bool {
	return created[id] && deleted[id]
}

func (r *run) createdNodes(ctx context.Context) ([]built, error) {
	var out []built
	for _, id := range r.tx.CreatedNodes {
		if transient(r.createdNodes, r.deletedNodes, id) {
			continue
		}
		n, err := r.enc.Reader.Node(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.drop(cdc.EntityNode, cdc.OpCreated, id, err)
			continue
		}
		after := cdc.NewSnapshot(n.Labels, n.Properties)
		out = append(out, built{
			payload: &cdc.NodeChange{ID: id, After: after},
			schema:  r.nodeSchema(after),
		})
	}
	return out, nil
}

func (r *run) deletedNodes(ctx context.Context) ([]built, error) {
	var out []built
	for _, id := range r.tx.DeletedNodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if transient(r.createdNodes, r.deletedNodes, id) {
			continue
		}
		props := make(map[string]any, len(r.removedNodeProps[id]))
		for _, p := range r.removedNodeProps[id] {
			props[p.Key] = p.Previous
		}
		labels := r.removedLabels[id]
		if labels == nil {
			labels = []string{}
		}
		before := cdc.NewSnapshot(labels, props)
		out = append(out, built{
			payload: &cdc.NodeChange{ID: id, Before: before},
			schema:  r.nodeSchema(before),
		})
	}
	return out, nil
}

func (r *run) updatedNodes(ctx context.Context) ([]built, error) {
	var out []built
	for _, id := range r.updatedNodeIDs {
		n, err := r.enc.Reader.Node(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.drop(cdc.EntityNode, cdc.OpUpdated, id, err)
			continue
		}

		var labels []string
		for _, l := range n.Labels {
			if !slices.Contains(r.assignedLabels[id], l) {
				labels = append(labels, l)
			}
		}
		for _, l := range r.removedLabels[id] {
			if !slices.Contains(labels, l) {
				labels = append(labels, l)
			}
		}
		if labels == nil {
			labels = []string{}
		}

		after := cdc.NewSnapshot(n.Labels, n.Properties)
		before := cdc.NewSnapshot(labels, revert(n.Properties, r.assignedNodeProps[id], r.removedNodeProps[id]))
		out = append(out, built{
			payload: &cdc.NodeChange{ID: id, Before: before, After: after},
			schema:  r.nodeSchema(after),
		})
	}
	return out, nil
}

func (r *run) createdRelationships(ctx context.Context) ([]built, error) {
	var out []built
	for _, id := range r.tx.CreatedRelationships {
		if transient(r.createdRels, r.deletedRels, id) {
			continue
		}
		b, err := r.liveRelationship(ctx, id, func(rel Relationship) (*cdc.Snapshot, *cdc.Snapshot) {
			return nil, cdc.NewSnapshot(nil, rel.Properties)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.drop(cdc.EntityRelationship, cdc.OpCreated, id, err)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *run) updatedRelationships(ctx context.Context) ([]built, error) {
	var out []built
	for _, id := range r.updatedRelIDs {
		b, err := r.liveRelationship(ctx, id, func(rel Relationship) (*cdc.Snapshot, *cdc.Snapshot) {
			before := revert(rel.Properties, r.assignedRelProps[id], r.removedRelProps[id])
			return cdc.NewSnapshot(nil, before), cdc.NewSnapshot(nil, rel.Properties)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.drop(cdc.EntityRelationship, cdc.OpUpdated, id, err)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *run) liveRelationship(ctx context.Context, id string, states func(Relationship) (before, after *cdc.Snapshot)) (built, error) {
	rel, err := r.enc.Reader.Relationship(ctx, id)
	if err != nil {
		return built{}, err
	}
	start, err := r.liveEndpoint(ctx, rel.StartID, rel.Type)
	if err != nil {
		return built{}, fmt.Errorf("start node %s: %w", rel.StartID, err)
	}
	end, err := r.liveEndpoint(ctx, rel.EndID, rel.Type)
	if err != nil {
		return built{}, fmt.Errorf("end node %s: %w", rel.EndID, err)
	}
	before, after := states(rel)
	return built{
		payload: &cdc.RelationshipChange{ID: id, Label: rel.Type, Start: start, End: end, Before: before, After: after},
		schema:  r.relationshipSchema(rel.Type, after, start, end),
	}, nil
}

func (r *run) deletedRelationships(ctx context.Context, gone map[string]*cdc.Snapshot) ([]built, error) {
	var out []built
	for _, ref := range r.tx.DeletedRelationships {
		if transient(r.createdRels, r.deletedRels, ref.ID) {
			continue
		}
		start, err := r.deletedEndpoint(ctx, ref.StartID, ref.Type, gone)
		if err == nil {
			var end cdc.NodeRef
			end, err = r.deletedEndpoint(ctx, ref.EndID, ref.Type, gone)
			if err == nil {
				props := make(map[string]any, len(r.removedRelProps[ref.ID]))
				for _, p := range r.removedRelProps[ref.ID] {
					props[p.Key] = p.Previous
				}
				before := cdc.NewSnapshot(nil, props)
				out = append(out, built{
					payload: &cdc.RelationshipChange{ID: ref.ID, Label: ref.Type, Start: start, End: end, Before: before},
					schema:  r.relationshipSchema(ref.Type, before, start, end),
				})
				continue
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.drop(cdc.EntityRelationship, cdc.OpDeleted, ref.ID, err)
	}
	return out, nil
}

func (r *run) deletedEndpoint(ctx context.Context, id, relType string, gone map[string]*cdc.Snapshot) (cdc.NodeRef, error) {
	if before, ok := gone[id]; ok {
		return r.nodeRef(id, before.Labels, before.Properties, relType), nil
	}
	return r.liveEndpoint(ctx, id, relType)
}

func (r *run) liveEndpoint(ctx context.Context, id, relType string) (cdc.NodeRef, error) {
	n, err := r.enc.Reader.Node(ctx, id)
	if err != nil {
		return cdc.NodeRef{}, err
	}
	return r.nodeRef(id, n.Labels, n.Properties, relType), nil
}

func (r *run) nodeRef(id string, labels []string, props map[string]any, relType string) cdc.NodeRef {
	strategy := cdc.KeyStrategyDefault
	if r.enc.KeyStrategies != nil {
		strategy = r.enc.KeyStrategies(relType)
	}
	keys := cdc.NodeKeys(labels, props, r.snap.ForLabels(labels), strategy)
	return cdc.NodeRef{ID: id, Labels: slices.Clone(labels), IDs: cdc.Pick(props, keys)}
}

func (r *run) nodeSchema(current *cdc.Snapshot) cdc.Schema {
	return cdc.Schema{
		Properties:  propertyTypes(current.Properties),
		Constraints: sortConstraints(r.snap.ForLabels(current.Labels)),
	}
}

func (r *run) relationshipSchema(relType string, current *cdc.Snapshot, start, end cdc.NodeRef) cdc.Schema {
	var cs []cdc.Constraint
	cs = append(cs, r.snap.ForType(relType)...)
	cs = append(cs, r.snap.ForLabels(start.Labels)...)
	cs = append(cs, r.snap.ForLabels(end.Labels)...)
	return cdc.Schema{
		Properties:  propertyTypes(current.Properties),
		Constraints: sortConstraints(cs),
	}
}

func (r *run) drop(entity cdc.EntityType, op cdc.Operation, id string, err error) {
	metrics.EncodingErrors.WithLabelValues(string(entity), string(op)).Inc()
	level := r.logger.Warn
	if errors.Is(err, ErrNotFound) {
		level = r.logger.Info
	}
	level("dropping change event",
		zap.String("entity", string(entity)),
		zap.String("operation", string(op)),
		zap.String("id", id),
		zap.Error(err))
}

// sortConstraints removes duplicates and orders constraints by owner
func sortConstraints(cs []cdc.Constraint) []cdc.Constraint {
	out := make([]cdc.Constraint, 0, len(cs))
	seen := make(map[string]bool, len(cs))
	for _, c := range cs {
		if k := c.String(); !seen[k] {
			seen[k] = true
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(a, b cdc.Constraint) int {
		return strings.Compare(a.String(), b.String())
	})
	return out
}

// revert rebuilds the pre-transaction properties from the committed ones
func revert(live map[string]any, assigned, removed []PropertyEntry) map[string]any {
	before := maps.Clone(live)
	if before == nil {
		before = make(map[string]any)
	}
	for _, p := range assigned {
		if p.Previous == nil {
			delete(before, p.Key)
		} else {
			before[p.Key] = p.Previous
		}
	}
	for _, p := range removed {
		if p.Previous != nil {
			before[p.Key] = p.Previous
		}
	}
	return before
}

func setOf(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func groupLabels(entries []LabelEntry) map[string][]string {
	m := make(map[string][]string)
	for _, e := range entries {
		if !slices.Contains(m[e.NodeID], e.Label) {
			m[e.NodeID] = append(m[e.NodeID], e.Label)
		}
	}
	return m
}

func groupProps(entries []PropertyEntry) map[string][]PropertyEntry {
	m := make(map[string][]PropertyEntry)
	for _, e := range entries {
		m[e.EntityID] = append(m[e.EntityID], e)
	}
	return m
}
