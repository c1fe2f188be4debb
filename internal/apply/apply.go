// Package apply maps sequence deltas onto the local document.
package apply

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"prosesync/internal/codec"
	"prosesync/internal/model"
	"prosesync/internal/pending"
	"prosesync/internal/syncerr"
	"prosesync/mergeseq/seqop"
	"prosesync/mergeseq/sequence"
)

// Editor is the owner of the document. The applier runs inside the owner's delivery of a
// sequenced message, so both methods are called with the owner's lock already held.
type Editor interface {
	// State returns the current document and selection. The document must not be modified.
	State() (*model.Document, model.Selection)

	// ApplyTransaction applies a remote transaction.
	ApplyTransaction(tx *model.Transaction) error
}

// Applier turns deltas of remote ops into remote transactions on an Editor.
type Applier struct {
	seq     *sequence.Sequence
	pending *pending.Table
	editor  Editor
	logger  *zap.Logger

	resyncs int
}

// New creates an applier for seq writing into editor.
func New(seq *sequence.Sequence, table *pending.Table, editor Editor, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{seq: seq, pending: table, editor: editor, logger: logger}
}

// Resyncs returns how many full resynchronizations ran.
func (a *Applier) Resyncs() int {
	return a.resyncs
}

// OnSequenceDelta applies one delta. Echoes of this replica's own ops only clear their pending
// record. Deltas that cannot be mapped trigger a full resync.
func (a *Applier) OnSequenceDelta(delta sequence.Delta) {
	if delta.IsLocal {
		if _, ok := a.pending.Ack(delta.LocalSeq); !ok {
			a.logger.Debug("Ack for unknown local op", zap.Int64("local_seq", delta.LocalSeq))
		}
		return
	}
	if delta.Empty() {
		return
	}

	err := a.apply(delta)
	if err == nil {
		return
	}
	a.logger.Warn("Resynchronizing document",
		zap.Int64("seq", delta.Seq),
		zap.String("client", delta.ClientID.Short()),
		zap.Error(err))
	if err := a.Resync(); err != nil {
		a.logger.Error("Failed to resynchronize document", zap.Error(err))
	}
}

func (a *Applier) apply(delta sequence.Delta) error {
	doc, sel := a.editor.State()
	work := &model.Document{Blocks: append([]model.Block(nil), doc.Blocks...)}

	steps := make([]model.Step, 0, len(delta.Ranges))
	terminated := true
	for _, r := range delta.Ranges {
		step, ok, err := mapRange(work, r)
		if err != nil {
			return syncerr.DesyncError{Seq: delta.Seq, Reason: err.Error()}
		}
		if delta.Type != seqop.OpTypeAnnotate {
			sel = mapSelection(sel, r)
		}
		if err := step.Apply(work); err != nil {
			return syncerr.DesyncError{Seq: delta.Seq, Reason: err.Error()}
		}
		steps = append(steps, step)
		terminated = terminated && ok
	}

	tx := model.NewTransaction(steps...).Remote().SetSelection(sel)
	if err := a.editor.ApplyTransaction(tx); err != nil {
		return syncerr.DesyncError{Seq: delta.Seq, Reason: err.Error()}
	}
	if !terminated {
		return a.terminate()
	}
	return nil
}

// mapRange converts one delta range into a block replacement on doc. terminated is false when
// the replaced blocks end with text that no marker closes.
func mapRange(doc *model.Document, r sequence.DeltaRange) (step model.ReplaceBlocks, terminated bool, err error) {
	length := doc.Length()
	end := r.Pos + r.Remove
	if r.Pos < 0 || r.Remove < 0 || end > length {
		return step, false, syncerr.OutOfRangeError{Pos: end, Length: length}
	}

	start, err := doc.Resolve(r.Pos)
	if err != nil {
		return step, false, err
	}
	first := start.Block
	last := first
	if r.Remove > 0 {
		p, err := doc.Resolve(end - 1)
		if err != nil {
			return step, false, err
		}
		last = p.Block
	}
	to := last + 1
	if to > len(doc.Blocks) {
		to = len(doc.Blocks)
	}

	atoms, err := codec.Atoms(doc.Blocks[first:to])
	if err != nil {
		return step, false, err
	}
	at := r.Pos - doc.BlockStart(first)
	if at+r.Remove > len(atoms) {
		return step, false, syncerr.OutOfRangeError{Pos: end, Length: length}
	}

	spliced := make([]seqop.Segment, 0, len(atoms)-r.Remove+len(r.Insert))
	spliced = append(spliced, atoms[:at]...)
	spliced = append(spliced, r.Insert...)
	spliced = append(spliced, atoms[at+r.Remove:]...)

	// a removed boundary joins the window with the block after it
	for len(spliced) > 0 && !spliced[len(spliced)-1].IsMarker() && to < len(doc.Blocks) {
		next, err := codec.Atoms(doc.Blocks[to : to+1])
		if err != nil {
			return step, false, err
		}
		spliced = append(spliced, next...)
		to++
	}

	blocks, terminated, err := codec.DecodeBlocks(spliced)
	if err != nil {
		return step, false, err
	}
	return model.ReplaceBlocks{From: first, To: to, Blocks: blocks}, terminated, nil
}

// mapSelection keeps the selection on the same content: edits entirely before it shift it,
// edits after it leave it, and edits overlapping it collapse it to the edit's start. Text
// inserted right at a caret lands after the caret.
func mapSelection(sel model.Selection, r sequence.DeltaRange) model.Selection {
	end := r.Pos + r.Remove
	change := seqop.SegmentsLength(r.Insert) - r.Remove
	from, to := sel.From(), sel.To()
	switch {
	case end <= from && (r.Pos < from || !sel.Empty()):
		return model.Selection{Anchor: sel.Anchor + change, Head: sel.Head + change}
	case r.Pos >= to:
		return sel
	default:
		return model.Cursor(r.Pos)
	}
}

// Resync rebuilds the document from the sequence. Running it twice in a row yields the same
// document.
func (a *Applier) Resync() error {
	segs := a.seq.Segments()
	doc, err := codec.Decode(segs)
	if err != nil {
		return errors.Wrap(err, "failed to decode sequence")
	}
	_, sel := a.editor.State()
	tx := model.NewTransaction(model.ReplaceDocument{Doc: doc}).Remote().SetSelection(sel.Clamp(doc))
	if err := a.editor.ApplyTransaction(tx); err != nil {
		return errors.Wrap(err, "failed to replace document")
	}
	a.resyncs++
	if !codec.Terminated(segs) {
		return a.terminate()
	}
	return nil
}

// terminate closes trailing text, or an empty sequence, with a block marker so that every
// decoded block has its marker again. The document already shows the block.
func (a *Applier) terminate() error {
	doc, _ := a.editor.State()
	if doc.Length() != a.seq.Length()+1 {
		return nil
	}
	last := doc.Blocks[len(doc.Blocks)-1]
	op := seqop.NewInsert(a.seq.Length(), seqop.MarkerSegment(codec.BlockMarker(), codec.MarkerProps(last)))

	localSeq := a.seq.NextLocalSeq()
	a.pending.Add(pending.NewOp(localSeq, op))
	if err := a.seq.SubmitLocal(localSeq, op); err != nil {
		a.pending.Remove(localSeq)
		return errors.Wrap(err, "failed to close trailing block")
	}
	a.logger.Debug("Closed trailing block", zap.String("op", fmt.Sprint(op)))
	return nil
}

// Terminate closes the sequence after doc was decoded from it directly, as on first mount.
func (a *Applier) Terminate() error {
	return a.terminate()
}
