package pglogrepl

import (
	"fmt"
	"reflect"
	"slices"
	"sort"

	"github.com/edgeflare/graphstream/pkg/age"
	"github.com/edgeflare/graphstream/pkg/txdiff"
	"github.com/jackc/pglogrepl"
	"go.uber.org/zap"
)

// labelTable is a relation of the graph schema. Edge tables are told apart
// by their start_id and end_id columns.
type labelTable struct {
	*pglogrepl.RelationMessage
	label string
	edge  bool
}

// decoder assembles the row changes of one transaction at a time
type decoder struct {
	graph     string
	relations map[uint32]*labelTable
	current   *txdiff.TxData
	logger    *zap.Logger
}

func newDecoder(graph string, logger *zap.Logger) *decoder {
	return &decoder{graph: graph, relations: make(map[uint32]*labelTable), logger: logger}
}

// handle consumes one logical replication message and returns the
// transaction it completes, if any. Empty transactions are not returned.
func (d *decoder) handle(msg pglogrepl.Message) (*txdiff.TxData, error) {
	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		d.relation(m)

	case *pglogrepl.BeginMessage:
		d.current = &txdiff.TxData{TxID: int64(m.Xid), CommitTime: m.CommitTime}

	case *pglogrepl.CommitMessage:
		tx := d.current
		d.current = nil
		if tx == nil || tx.Empty() {
			return nil, nil
		}
		tx.CommitTime = m.CommitTime
		tx.Position = uint64(m.TransactionEndLSN)
		return tx, nil

	case *pglogrepl.InsertMessage:
		if t, tx := d.table(m.RelationID); t != nil {
			return nil, d.insert(tx, t, m.Tuple)
		}

	case *pglogrepl.UpdateMessage:
		if t, tx := d.table(m.RelationID); t != nil {
			return nil, d.update(tx, t, m.OldTuple, m.NewTuple)
		}

	case *pglogrepl.DeleteMessage:
		if t, tx := d.table(m.RelationID); t != nil {
			return nil, d.delete(tx, t, m.OldTuple)
		}

	case *pglogrepl.TruncateMessage:
		for _, id := range m.RelationIDs {
			if t := d.relations[id]; t != nil {
				d.logger.Warn("label table truncated, its entities are not reported", zap.String("label", t.RelationName))
			}
		}
	}
	return nil, nil
}

func (d *decoder) relation(m *pglogrepl.RelationMessage) {
	if m.Namespace != d.graph {
		return
	}
	t := &labelTable{RelationMessage: m, label: m.RelationName}
	switch m.RelationName {
	case "_ag_label_vertex", "_ag_label_edge":
		t.label = ""
	}
	cols := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		cols[i] = c.Name
	}
	t.edge = slices.Contains(cols, "start_id") && slices.Contains(cols, "end_id")
	if ReplicaIdentity(m.ReplicaIdentity) != ReplicaIdentityFull {
		d.logger.Warn("label table lacks REPLICA IDENTITY FULL, deletes will not be reported",
			zap.String("table", m.Namespace+"."+m.RelationName))
	}
	d.relations[m.RelationID] = t
}

func (d *decoder) table(id uint32) (*labelTable, *txdiff.TxData) {
	t := d.relations[id]
	if t == nil {
		return nil, nil
	}
	if d.current == nil {
		d.logger.Warn("row change outside a transaction", zap.String("label", t.RelationName))
		return nil, nil
	}
	return t, d.current
}

// row is a decoded label table tuple
type row struct {
	id, start, end string
	props          map[string]any
	// unchanged is set when properties were TOASTed and not resent
	unchanged bool
}

func (d *decoder) row(t *labelTable, tuple *pglogrepl.TupleData) (*row, error) {
	if tuple == nil {
		return nil, nil
	}
	r := &row{}
	for i, col := range tuple.Columns {
		if i >= len(t.Columns) {
			break
		}
		name := t.Columns[i].Name
		if name == "properties" && col.DataType == pglogrepl.TupleDataTypeToast {
			r.unchanged = true
			continue
		}
		if col.DataType != pglogrepl.TupleDataTypeText {
			continue
		}
		switch name {
		case "id":
			r.id = string(col.Data)
		case "start_id":
			r.start = string(col.Data)
		case "end_id":
			r.end = string(col.Data)
		case "properties":
			props, err := age.ParseProperties(string(col.Data))
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t.Namespace, t.RelationName, err)
			}
			r.props = props
		}
	}
	if r.props == nil && !r.unchanged {
		r.props = map[string]any{}
	}
	return r, nil
}

func (d *decoder) insert(tx *txdiff.TxData, t *labelTable, tuple *pglogrepl.TupleData) error {
	r, err := d.row(t, tuple)
	if err != nil || r == nil {
		return err
	}
	if t.edge {
		tx.CreatedRelationships = append(tx.CreatedRelationships, r.id)
		tx.AssignedRelationshipProperties = append(tx.AssignedRelationshipProperties, propertyDiff(r.id, nil, r.props)...)
		return nil
	}
	tx.CreatedNodes = append(tx.CreatedNodes, r.id)
	if t.label != "" {
		tx.AssignedLabels = append(tx.AssignedLabels, txdiff.LabelEntry{NodeID: r.id, Label: t.label})
	}
	tx.AssignedNodeProperties = append(tx.AssignedNodeProperties, propertyDiff(r.id, nil, r.props)...)
	return nil
}

func (d *decoder) delete(tx *txdiff.TxData, t *labelTable, tuple *pglogrepl.TupleData) error {
	r, err := d.row(t, tuple)
	if err != nil {
		return err
	}
	if r == nil || r.id == "" {
		d.logger.Warn("delete without old row, skipped", zap.String("label", t.RelationName), zap.Int64("txId", tx.TxID))
		return nil
	}
	if t.edge {
		tx.DeletedRelationships = append(tx.DeletedRelationships, txdiff.RelationshipRef{
			ID: r.id, Type: t.label, StartID: r.start, EndID: r.end,
		})
		tx.RemovedRelationshipProperties = append(tx.RemovedRelationshipProperties, removed(r.id, r.props)...)
		return nil
	}
	tx.DeletedNodes = append(tx.DeletedNodes, r.id)
	if t.label != "" {
		tx.RemovedLabels = append(tx.RemovedLabels, txdiff.LabelEntry{NodeID: r.id, Label: t.label})
	}
	tx.RemovedNodeProperties = append(tx.RemovedNodeProperties, removed(r.id, r.props)...)
	return nil
}

func (d *decoder) update(tx *txdiff.TxData, t *labelTable, oldTuple, newTuple *pglogrepl.TupleData) error {
	before, err := d.row(t, oldTuple)
	if err != nil {
		return err
	}
	after, err := d.row(t, newTuple)
	if err != nil || after == nil || after.unchanged {
		return err
	}
	var old map[string]any
	if before != nil {
		old = before.props
	}

	assigned := propertyDiff(after.id, old, after.props)
	var gone []txdiff.PropertyEntry
	for _, k := range sortedKeys(old) {
		if _, ok := after.props[k]; !ok {
			gone = append(gone, txdiff.PropertyEntry{EntityID: after.id, Key: k, Previous: old[k]})
		}
	}
	if t.edge {
		tx.AssignedRelationshipProperties = append(tx.AssignedRelationshipProperties, assigned...)
		tx.RemovedRelationshipProperties = append(tx.RemovedRelationshipProperties, gone...)
		return nil
	}
	tx.AssignedNodeProperties = append(tx.AssignedNodeProperties, assigned...)
	tx.RemovedNodeProperties = append(tx.RemovedNodeProperties, gone...)
	return nil
}

// propertyDiff lists the keys of after whose value differs from before
func propertyDiff(id string, before, after map[string]any) []txdiff.PropertyEntry {
	var out []txdiff.PropertyEntry
	for _, k := range sortedKeys(after) {
		prev, existed := before[k]
		if existed && reflect.DeepEqual(prev, after[k]) {
			continue
		}
		out = append(out, txdiff.PropertyEntry{EntityID: id, Key: k, Value: after[k], Previous: prev})
	}
	return out
}

func removed(id string, props map[string]any) []txdiff.PropertyEntry {
	out := make([]txdiff.PropertyEntry, 0, len(props))
	for _, k := range sortedKeys(props) {
		out = append(out, txdiff.PropertyEntry{EntityID: id, Key: k, Previous: props[k]})
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
