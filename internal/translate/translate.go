// Package translate turns local document transactions into shared sequence operations.
package translate

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"prosesync/internal/codec"
	"prosesync/internal/model"
	"prosesync/internal/pending"
	"prosesync/internal/syncerr"
	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
	"prosesync/mergeseq/sequence"
)

// Submitted is one op sent to the sequence.
type Submitted struct {
	LocalSeq int64
	Op       seqop.Op
}

// Translator diffs local documents and submits the difference to the sequence.
// It must only see transactions made by the local user.
type Translator struct {
	seq     *sequence.Sequence
	pending *pending.Table
	logger  *zap.Logger
}

// New creates a translator submitting to seq and recording in-flight ops in table.
func New(seq *sequence.Sequence, table *pending.Table, logger *zap.Logger) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{seq: seq, pending: table, logger: logger}
}

// OnLocalTransaction submits the ops turning old into next. Only the blocks between the equal
// leading and trailing blocks are diffed; callers that know the window of their transaction use
// Translate directly.
func (t *Translator) OnLocalTransaction(old, next *model.Document) ([]Submitted, error) {
	return t.Translate(old, next, model.DiffWindow(old, next))
}

// Translate submits the ops turning old into next. Only blocks inside window are compared.
//
// StaleBaseError means old is not the document the sequence holds; UnsupportedStructureError
// means next cannot be encoded. Neither submits anything. Any other error with a non-empty result
// comes from forwarding: every op was applied to the sequence and stays pending.
func (t *Translator) Translate(old, next *model.Document, window model.Window) ([]Submitted, error) {
	seqLength := t.seq.Length()
	if old.Length() != seqLength {
		return nil, syncerr.StaleBaseError{DocumentLength: old.Length(), SequenceLength: seqLength}
	}

	oldBlocks := old.Blocks[window.Prefix : len(old.Blocks)-window.Suffix]
	newBlocks := next.Blocks[window.Prefix : len(next.Blocks)-window.Suffix]
	base := old.BlockStart(window.Prefix)

	oldAtoms, err := codec.Atoms(oldBlocks)
	if err != nil {
		return nil, err
	}
	newAtoms, err := codec.Atoms(newBlocks)
	if err != nil {
		return nil, err
	}

	ops := Diff(oldAtoms, newAtoms, base)
	if err := checkOps(ops, seqLength); err != nil {
		return nil, err
	}

	// every op fits by now, so each one is applied to the sequence; an outbox failure only delays
	// forwarding and the remaining ops are still submitted
	var forwardErr error
	submitted := make([]Submitted, 0, len(ops))
	for _, op := range ops {
		localSeq := t.seq.NextLocalSeq()
		t.pending.Add(pending.NewOp(localSeq, op))
		if err := t.seq.SubmitLocal(localSeq, op); err != nil {
			var oor common.ErrOutOfRange
			var invalid common.ErrInvalidOperation
			if errors.As(err, &oor) || errors.As(err, &invalid) {
				// unreachable after checkOps unless the sequence changed underneath the caller
				t.pending.Remove(localSeq)
				return submitted, syncerr.StaleBaseError{DocumentLength: old.Length(), SequenceLength: t.seq.Length()}
			}
			if forwardErr == nil {
				forwardErr = errors.Wrapf(err, "failed to submit %s", op)
			}
		}
		submitted = append(submitted, Submitted{LocalSeq: localSeq, Op: op})
	}
	if forwardErr != nil {
		return submitted, forwardErr
	}

	if len(submitted) > 0 {
		t.logger.Debug("Translated local transaction",
			zap.Int("ops", len(submitted)),
			zap.Int("window_blocks", len(oldBlocks)),
			zap.Int64("first_local_seq", submitted[0].LocalSeq))
	}
	return submitted, nil
}

// checkOps validates ops and replays their lengths against a sequence of length n, so that
// submitting them cannot fail halfway.
func checkOps(ops []seqop.Op, n int) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return errors.Wrapf(err, "invalid op %s", op)
		}
		if op.Pos1 < 0 || op.End() > n {
			return syncerr.StaleBaseError{DocumentLength: op.End(), SequenceLength: n}
		}
		n += op.LengthDelta()
	}
	return nil
}

// contentKey identifies an atom regardless of its props, so prop-only changes line up as equal.
func contentKey(seg seqop.Segment) string {
	if seg.Marker != nil {
		return fmt.Sprintf("\x00%s%v", seg.Marker.Kind, seg.Marker.Labels)
	}
	return seg.Text
}

// Diff returns the ops turning the atoms old into next, where old starts at position base.
// Ops are ordered and each position is relative to the result of the ops before it.
func Diff(old, next []seqop.Segment, base int) []seqop.Op {
	prefix := 0
	for prefix < len(old) && prefix < len(next) && sameAtom(old[prefix], next[prefix]) {
		prefix++
	}
	suffix := 0
	for suffix < len(old)-prefix && suffix < len(next)-prefix &&
		sameAtom(old[len(old)-1-suffix], next[len(next)-1-suffix]) {
		suffix++
	}
	old = old[prefix : len(old)-suffix]
	next = next[prefix : len(next)-suffix]
	base += prefix

	a := make([]string, len(old))
	for i, seg := range old {
		a[i] = contentKey(seg)
	}
	b := make([]string, len(next))
	for i, seg := range next {
		b[i] = contentKey(seg)
	}

	var ops []seqop.Op
	matcher := difflib.NewMatcherWithJunk(a, b, false, nil)
	for _, code := range matcher.GetOpCodes() {
		pos := base + code.J1
		switch code.Tag {
		case 'e':
			ops = append(ops, annotateOps(old[code.I1:code.I2], next[code.J1:code.J2], pos)...)
		case 'd':
			ops = append(ops, seqop.NewRemove(pos, pos+code.I2-code.I1))
		case 'i':
			ops = append(ops, insertOps(next[code.J1:code.J2], pos)...)
		case 'r':
			// insert before removing so the sequence keeps its final marker in between
			inserted := code.J2 - code.J1
			ops = append(ops, insertOps(next[code.J1:code.J2], pos)...)
			ops = append(ops, seqop.NewRemove(pos+inserted, pos+inserted+code.I2-code.I1))
		}
	}
	return ops
}

func sameAtom(a, b seqop.Segment) bool {
	return contentKey(a) == contentKey(b) && a.Props.Equal(b.Props)
}

// insertOps inserts atoms at pos, one op per text run or marker. Runs are inserted last to
// first at the same position, so a run ending with a marker never leaves text after the final
// marker of the sequence, even between two of the ops.
func insertOps(atoms []seqop.Segment, pos int) []seqop.Op {
	var segs []seqop.Segment
	for i := 0; i < len(atoms); {
		seg := atoms[i]
		j := i + 1
		if !seg.IsMarker() {
			text := seg.Text
			for j < len(atoms) && !atoms[j].IsMarker() && atoms[j].Props.Equal(seg.Props) {
				text += atoms[j].Text
				j++
			}
			seg = seqop.TextSegment(text, seg.Props.Clone())
		} else {
			seg = seqop.MarkerSegment(*seg.Marker, seg.Props.Clone())
		}
		segs = append(segs, seg)
		i = j
	}
	ops := make([]seqop.Op, 0, len(segs))
	for i := len(segs) - 1; i >= 0; i-- {
		ops = append(ops, seqop.NewInsert(pos, segs[i]))
	}
	return ops
}

// annotateOps emits one annotate op per run of atoms needing the same prop change.
func annotateOps(old, next []seqop.Segment, pos int) []seqop.Op {
	var ops []seqop.Op
	var current seqop.Props
	start := -1
	flush := func(end int) {
		if start >= 0 {
			ops = append(ops, seqop.NewAnnotate(pos+start, pos+end, current))
		}
		start = -1
		current = nil
	}
	for i := range old {
		change := propsChange(old[i].Props, next[i].Props)
		if len(change) == 0 {
			flush(i)
			continue
		}
		if start >= 0 && !change.Equal(current) {
			flush(i)
		}
		if start < 0 {
			start = i
			current = change
		}
	}
	flush(len(old))
	return ops
}

// propsChange returns the annotate props turning from into to; removed keys map to nil.
func propsChange(from, to seqop.Props) seqop.Props {
	var change seqop.Props
	set := func(k string, v interface{}) {
		if change == nil {
			change = make(seqop.Props)
		}
		change[k] = v
	}
	for k, v := range to {
		if ov, ok := from[k]; !ok || !reflect.DeepEqual(ov, v) {
			set(k, v)
		}
	}
	for k := range from {
		if _, ok := to[k]; !ok {
			set(k, nil)
		}
	}
	return change
}
