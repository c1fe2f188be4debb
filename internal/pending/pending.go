// Package pending tracks local operations that were submitted but not yet sequenced.
package pending

import (
	"github.com/zhangyunhao116/skipmap"

	"prosesync/mergeseq/seqop"
)

// Op is an in-flight local operation. [Start, End) is the range it covered in the local view
// when it was submitted.
type Op struct {
	LocalSeq int64
	Start    int
	End      int
	Op       seqop.Op
}

// NewOp builds the record of op submitted under localSeq.
func NewOp(localSeq int64, op seqop.Op) *Op {
	end := op.Pos2
	if op.Type == seqop.OpTypeInsert && op.Seg != nil {
		end = op.Pos1 + op.Seg.Length()
	}
	return &Op{LocalSeq: localSeq, Start: op.Pos1, End: end, Op: op}
}

// Table is the set of pending operations ordered by local seq. The translator adds to it and the
// applier removes from it, possibly from different goroutines.
type Table struct {
	ops *skipmap.OrderedMap[int64, *Op]
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{ops: skipmap.New[int64, *Op]()}
}

// Add records op.
func (t *Table) Add(op *Op) {
	t.ops.Store(op.LocalSeq, op)
}

// Get returns the op submitted under localSeq.
func (t *Table) Get(localSeq int64) (*Op, bool) {
	return t.ops.Load(localSeq)
}

// Ack removes and returns the op submitted under localSeq. ok is false for unknown seqs,
// which makes acknowledging twice harmless.
func (t *Table) Ack(localSeq int64) (*Op, bool) {
	return t.ops.LoadAndDelete(localSeq)
}

// Remove drops the op submitted under localSeq.
func (t *Table) Remove(localSeq int64) {
	t.ops.Delete(localSeq)
}

// Len returns the number of pending ops.
func (t *Table) Len() int {
	return t.ops.Len()
}

// Oldest returns the pending op with the smallest local seq.
func (t *Table) Oldest() (*Op, bool) {
	var oldest *Op
	t.ops.Range(func(_ int64, op *Op) bool {
		oldest = op
		return false
	})
	return oldest, oldest != nil
}

// Snapshot returns the pending ops in local seq order.
func (t *Table) Snapshot() []*Op {
	out := make([]*Op, 0, t.ops.Len())
	t.ops.Range(func(_ int64, op *Op) bool {
		out = append(out, op)
		return true
	})
	return out
}

// Clear drops every pending op.
func (t *Table) Clear() {
	t.ops.Range(func(seq int64, _ *Op) bool {
		t.ops.Delete(seq)
		return true
	})
}
