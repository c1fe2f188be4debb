package apply

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prosesync/internal/codec"
	"prosesync/internal/model"
	"prosesync/internal/pending"
	"prosesync/internal/testutil"
	"prosesync/internal/translate"
	"prosesync/mergeseq/seqop"
	"prosesync/mergeseq/sequence"
)

type fakeEditor struct {
	doc *model.Document
	sel model.Selection
	txs int
}

func (e *fakeEditor) State() (*model.Document, model.Selection) {
	return e.doc, e.sel
}

func (e *fakeEditor) ApplyTransaction(tx *model.Transaction) error {
	if !tx.IsRemote() || tx.AddToHistory() {
		return errors.New("applier must submit remote transactions outside history")
	}
	res, err := tx.Apply(e.doc, e.sel)
	if err != nil {
		return err
	}
	e.doc, e.sel = res.Doc, res.Selection
	e.txs++
	return nil
}

type fixture struct {
	hub     *testutil.Hub
	a, b    *sequence.Sequence
	ra, rb  *testutil.Replica
	editor  *fakeEditor
	table   *pending.Table
	applier *Applier
}

// newFixture starts two replicas from the initial marker; the applier watches b.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := testutil.NewHub(t)
	f := &fixture{hub: hub, a: hub.NewSequence(), b: hub.NewSequence()}
	f.ra = hub.Replica(f.a.Process)
	f.rb = hub.Replica(f.b.Process)

	_, err := f.a.InsertMarker(0, codec.BlockMarker(), codec.MarkerProps(model.Paragraph()))
	require.NoError(t, err)
	f.flush()

	doc, err := codec.Decode(f.b.Segments())
	require.NoError(t, err)
	f.editor = &fakeEditor{doc: doc}
	f.table = pending.NewTable()
	f.applier = New(f.b, f.table, f.editor, testutil.NewLogger())
	f.b.Subscribe(f.applier.OnSequenceDelta)
	return f
}

func (f *fixture) flush() {
	f.hub.Flush(f.ra, f.rb)
}

func (f *fixture) requireSynced(t *testing.T) {
	t.Helper()
	want, err := codec.Decode(f.a.Segments())
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(want, f.editor.doc))
}

func TestRemoteInsertReachesDocument(t *testing.T) {
	f := newFixture(t)
	_, err := f.a.InsertText(0, "Hello", nil)
	require.NoError(t, err)
	f.flush()

	assert.Equal(t, "Hello", f.editor.doc.Text())
	assert.Equal(t, 1, f.editor.txs)
	f.requireSynced(t)
}

func TestRemoteStructuralChanges(t *testing.T) {
	f := newFixture(t)
	_, err := f.a.InsertText(0, "HelloWorld", nil)
	require.NoError(t, err)
	_, err = f.a.InsertMarker(5, codec.BlockMarker(), codec.MarkerProps(model.Heading("1")))
	require.NoError(t, err)
	f.flush()
	f.requireSynced(t)
	require.Len(t, f.editor.doc.Blocks, 2)
	assert.Equal(t, model.BlockHeading, f.editor.doc.Blocks[0].Type)

	// removing the boundary joins the blocks under the second marker
	_, err = f.a.Remove(4, 7)
	require.NoError(t, err)
	f.flush()
	f.requireSynced(t)
	assert.Equal(t, "Hellorld", f.editor.doc.Text())
	assert.Len(t, f.editor.doc.Blocks, 1)

	_, err = f.a.Annotate(0, 3, seqop.Props{codec.MarkPrefix + "em": true})
	require.NoError(t, err)
	f.flush()
	f.requireSynced(t)
	assert.Equal(t, []string{"em"}, f.editor.doc.Blocks[0].Content[0].Marks)
}

func TestEchoIsSuppressed(t *testing.T) {
	f := newFixture(t)
	tr := translate.New(f.b, f.table, nil)

	next, err := model.NewTransaction(model.InsertText{Pos: 0, Text: "mine"}).Apply(f.editor.doc, f.editor.sel)
	require.NoError(t, err)
	submitted, err := tr.Translate(f.editor.doc, next.Doc, next.Window)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	f.editor.doc = next.Doc
	require.Equal(t, 1, f.table.Len())

	f.flush()
	assert.Equal(t, 0, f.table.Len())
	assert.Equal(t, 0, f.editor.txs, "the echo must not touch the document")
	assert.Equal(t, "mine", f.editor.doc.Text())
	f.requireSynced(t)
}

func TestSelectionFollowsRemoteEdits(t *testing.T) {
	f := newFixture(t)
	_, err := f.a.InsertText(0, "Hello", nil)
	require.NoError(t, err)
	f.flush()

	f.editor.sel = model.Cursor(5)
	_, err = f.a.InsertText(0, "Hey ", nil)
	require.NoError(t, err)
	f.flush()
	assert.Equal(t, model.Cursor(9), f.editor.sel)

	_, err = f.a.InsertText(9, "!", nil)
	require.NoError(t, err)
	f.flush()
	assert.Equal(t, model.Cursor(9), f.editor.sel, "edits at or after the selection leave it")

	f.editor.sel = model.Selection{Anchor: 4, Head: 8}
	_, err = f.a.Remove(6, 10)
	require.NoError(t, err)
	f.flush()
	assert.Equal(t, model.Cursor(6), f.editor.sel)

	f.editor.sel = model.Selection{Anchor: 0, Head: 3}
	_, err = f.a.Annotate(0, 3, seqop.Props{codec.MarkPrefix + "strong": true})
	require.NoError(t, err)
	f.flush()
	assert.Equal(t, model.Selection{Anchor: 0, Head: 3}, f.editor.sel, "annotations keep the selection")
}

func TestDesyncTriggersResync(t *testing.T) {
	f := newFixture(t)
	_, err := f.a.InsertText(0, "abcdef", nil)
	require.NoError(t, err)
	f.flush()

	// the document lost track of the sequence
	f.editor.doc = model.NewDocument(model.Paragraph(model.Text("ab")))
	_, err = f.a.Remove(4, 6)
	require.NoError(t, err)
	f.flush()

	assert.Equal(t, 1, f.applier.Resyncs())
	assert.Equal(t, "abcd", f.editor.doc.Text())
	f.requireSynced(t)
}

func TestResyncIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, err := f.a.InsertText(0, "some text", seqop.Props{codec.MarkPrefix + "em": true})
	require.NoError(t, err)
	f.flush()

	require.NoError(t, f.applier.Resync())
	first := f.editor.doc.Clone()
	require.NoError(t, f.applier.Resync())
	assert.Empty(t, cmp.Diff(first, f.editor.doc))
	assert.Equal(t, 2, f.applier.Resyncs())
}

func TestTrailingTextIsTerminated(t *testing.T) {
	f := newFixture(t)
	_, err := f.a.InsertText(1, "tail", nil)
	require.NoError(t, err)
	f.ra.DeliverAll()
	require.True(t, f.rb.DeliverNext())

	// b closed the trailing text with a marker of its own
	assert.Len(t, f.editor.doc.Blocks, 2)
	assert.Equal(t, 2, f.b.MarkerCount())
	assert.Equal(t, 1, f.table.Len())
	f.flush()
	assert.Equal(t, 0, f.table.Len())
	assert.Equal(t, 2, f.a.MarkerCount())
	f.requireSynced(t)
}

func TestMapSelection(t *testing.T) {
	insert := func(pos int, text string) sequence.DeltaRange {
		return sequence.DeltaRange{Pos: pos, Insert: []seqop.Segment{seqop.TextSegment(text, nil)}}
	}
	sel := model.Selection{Anchor: 5, Head: 8}

	assert.Equal(t, model.Selection{Anchor: 7, Head: 10}, mapSelection(sel, insert(2, "xy")))
	assert.Equal(t, model.Selection{Anchor: 7, Head: 10}, mapSelection(sel, insert(5, "xy")))
	assert.Equal(t, sel, mapSelection(sel, insert(8, "xy")))
	assert.Equal(t, model.Selection{Anchor: 3, Head: 6}, mapSelection(sel, sequence.DeltaRange{Pos: 1, Remove: 2}))
	assert.Equal(t, model.Cursor(4), mapSelection(sel, sequence.DeltaRange{Pos: 4, Remove: 2}))
	assert.Equal(t, model.Cursor(6), mapSelection(sel, insert(6, "z")))
}
