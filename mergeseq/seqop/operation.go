package seqop

import (
	"fmt"

	"prosesync/mergeseq/common"
)

// OpType represents the type of a sequence operation.
type OpType string

const (
	// OpTypeInsert inserts one segment at Pos1.
	OpTypeInsert OpType = "insert"
	// OpTypeRemove removes the range [Pos1, Pos2).
	OpTypeRemove OpType = "remove"
	// OpTypeAnnotate merges Props into every atom of [Pos1, Pos2).
	OpTypeAnnotate OpType = "annotate"
)

// Op is a single operation against a shared sequence. Positions are expressed in the
// submitting client's view at the time of submission.
type Op struct {
	Type  OpType   `json:"type"`
	Pos1  int      `json:"pos1"`
	Pos2  int      `json:"pos2,omitempty"`
	Seg   *Segment `json:"seg,omitempty"`
	Props Props    `json:"props,omitempty"`
}

// NewInsert creates an insert operation.
func NewInsert(pos int, seg Segment) Op {
	return Op{Type: OpTypeInsert, Pos1: pos, Seg: &seg}
}

// NewRemove creates a remove operation over [start, end).
func NewRemove(start, end int) Op {
	return Op{Type: OpTypeRemove, Pos1: start, Pos2: end}
}

// NewAnnotate creates an annotate operation over [start, end).
func NewAnnotate(start, end int, props Props) Op {
	return Op{Type: OpTypeAnnotate, Pos1: start, Pos2: end, Props: props}
}

// End returns the exclusive end position the op touches in its own view.
func (o Op) End() int {
	if o.Type == OpTypeInsert {
		return o.Pos1
	}
	return o.Pos2
}

// LengthDelta returns how much the op changes the length of the view it was made against.
func (o Op) LengthDelta() int {
	switch o.Type {
	case OpTypeInsert:
		if o.Seg == nil {
			return 0
		}
		return o.Seg.Length()
	case OpTypeRemove:
		return o.Pos1 - o.Pos2
	default:
		return 0
	}
}

// Validate checks the shape of the op. Bounds are checked against a concrete sequence.
func (o Op) Validate() error {
	switch o.Type {
	case OpTypeInsert:
		if o.Seg == nil {
			return common.ErrInvalidOperation{Message: "insert without segment"}
		}
		if o.Pos1 < 0 {
			return common.ErrOutOfRange{Start: o.Pos1, End: o.Pos1}
		}
		return o.Seg.Validate()
	case OpTypeRemove, OpTypeAnnotate:
		if o.Pos1 < 0 || o.Pos2 < o.Pos1 {
			return common.ErrOutOfRange{Start: o.Pos1, End: o.Pos2}
		}
		if o.Type == OpTypeAnnotate && len(o.Props) == 0 {
			return common.ErrInvalidOperation{Message: "annotate without props"}
		}
		return nil
	default:
		return common.ErrInvalidOperationType{Type: string(o.Type)}
	}
}

func (o Op) String() string {
	switch o.Type {
	case OpTypeInsert:
		if o.Seg != nil && o.Seg.IsMarker() {
			return fmt.Sprintf("insert(%d, marker %s %v)", o.Pos1, o.Seg.Marker.Kind, o.Seg.Marker.Labels)
		}
		if o.Seg != nil {
			return fmt.Sprintf("insert(%d, %q)", o.Pos1, o.Seg.Text)
		}
		return fmt.Sprintf("insert(%d)", o.Pos1)
	case OpTypeRemove:
		return fmt.Sprintf("remove(%d, %d)", o.Pos1, o.Pos2)
	case OpTypeAnnotate:
		return fmt.Sprintf("annotate(%d, %d, %v)", o.Pos1, o.Pos2, o.Props)
	default:
		return string(o.Type)
	}
}
