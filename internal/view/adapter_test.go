package view

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prosesync/internal/codec"
	"prosesync/internal/model"
	"prosesync/internal/syncerr"
	"prosesync/internal/testutil"
	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
	"prosesync/mergeseq/sequence"
)

type editor struct {
	seq       *sequence.Sequence
	adapter   *Adapter
	replica   *testutil.Replica
	container *BufferContainer
}

// newEditors starts n mounted editors on one hub; the first created the initial marker.
func newEditors(t *testing.T, n int) (*testutil.Hub, []*editor) {
	t.Helper()
	hub := testutil.NewHub(t)
	editors := make([]*editor, n)
	replicas := make([]*testutil.Replica, n)
	for i := range editors {
		seq := hub.NewSequence()
		adapter := NewAdapter(seq, model.Schema{}, testutil.NewLogger(), WithHistory(hub))
		editors[i] = &editor{seq: seq, adapter: adapter, replica: hub.Replica(adapter.Deliver), container: NewBufferContainer()}
		replicas[i] = editors[i].replica
		t.Cleanup(func() { adapter.Close() })
	}
	_, err := editors[0].seq.InsertMarker(0, codec.BlockMarker(), codec.MarkerProps(model.Paragraph()))
	require.NoError(t, err)
	hub.Flush(replicas...)

	for _, e := range editors {
		require.NoError(t, e.adapter.Mount(e.container))
	}
	return hub, editors
}

func flush(hub *testutil.Hub, editors []*editor) {
	replicas := make([]*testutil.Replica, len(editors))
	for i, e := range editors {
		replicas[i] = e.replica
	}
	hub.Flush(replicas...)
}

func (e *editor) apply(t *testing.T, steps ...model.Step) {
	t.Helper()
	require.NoError(t, e.adapter.ApplyTransaction(model.NewTransaction(steps...)))
}

func requireConverged(t *testing.T, editors []*editor) {
	t.Helper()
	first := editors[0].adapter.CurrentDocument()
	for _, e := range editors {
		doc := e.adapter.CurrentDocument()
		require.Empty(t, cmp.Diff(first, doc))

		fromSeq, err := codec.Decode(e.seq.Segments())
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(doc, fromSeq))
		require.Equal(t, len(doc.Blocks), e.seq.MarkerCount())
		require.Equal(t, 0, e.adapter.Pending())
	}
}

func TestHelloWorld(t *testing.T) {
	hub, editors := newEditors(t, 2)
	a, b := editors[0], editors[1]

	a.apply(t, model.InsertText{Pos: 0, Text: "Hello"})
	assert.Equal(t, "Hello", a.adapter.CurrentDocument().Text())
	assert.Equal(t, 1, a.adapter.Pending())

	// b sees "Hello" and appends while a's insert is still unacknowledged at a
	b.replica.DeliverAll()
	b.apply(t, model.InsertText{Pos: 5, Text: " World"})

	flush(hub, editors)
	requireConverged(t, editors)
	doc := a.adapter.CurrentDocument()
	assert.Equal(t, "Hello World", doc.Text())
	assert.Len(t, doc.Blocks, 1)
	assert.Equal(t, "<div class=\"prosesync-doc\"><p>Hello World</p></div>", a.container.HTML())
}

func TestConcurrentEditsConverge(t *testing.T) {
	hub, editors := newEditors(t, 2)
	a, b := editors[0], editors[1]

	a.apply(t, model.InsertText{Pos: 0, Text: "shared text"})
	flush(hub, editors)

	a.apply(t, model.SplitBlock{Pos: 6}, model.SetBlockType{From: 0, To: 0, Type: model.BlockHeading, Attrs: map[string]string{"level": "1"}})
	b.apply(t, model.AddMark{From: 0, To: 11, Mark: "em"}, model.InsertText{Pos: 11, Text: "!"})
	b.apply(t, model.Delete{From: 2, To: 4})

	flush(hub, editors)
	requireConverged(t, editors)
}

func TestEchoDoesNotReapply(t *testing.T) {
	hub, editors := newEditors(t, 2)
	a := editors[0]

	a.apply(t, model.InsertText{Pos: 0, Text: "once"})
	renders := a.container.Renders()
	flush(hub, editors)

	assert.Equal(t, "once", a.adapter.CurrentDocument().Text())
	assert.Equal(t, renders, a.container.Renders(), "the echo must not render again")
	assert.Equal(t, 0, a.adapter.Pending())
}

func TestSelectionShiftsForRemoteInsertBefore(t *testing.T) {
	hub, editors := newEditors(t, 2)
	a, b := editors[0], editors[1]

	a.apply(t, model.InsertText{Pos: 0, Text: "world"})
	flush(hub, editors)
	b.adapter.SetSelection(model.Selection{Anchor: 1, Head: 4})

	a.apply(t, model.InsertText{Pos: 0, Text: "hello "})
	flush(hub, editors)
	assert.Equal(t, model.Selection{Anchor: 7, Head: 10}, b.adapter.Selection())
}

func TestRemoteTransactionOutsideDelivery(t *testing.T) {
	_, editors := newEditors(t, 1)
	tx := model.NewTransaction(model.InsertText{Pos: 0, Text: "x"}).Remote()
	assert.ErrorIs(t, editors[0].adapter.ApplyTransaction(tx), ErrRemoteOutsideDelivery)
	assert.Equal(t, "", editors[0].adapter.CurrentDocument().Text())
}

// reentrantContainer tries to push a remote transaction every time the adapter renders into it,
// which happens while the adapter lock is held.
type reentrantContainer struct {
	adapter *Adapter
	errs    []error
}

func (c *reentrantContainer) Render(string) error {
	tx := model.NewTransaction(model.InsertText{Pos: 0, Text: "!"}).Remote()
	c.errs = append(c.errs, c.adapter.ApplyTransaction(tx))
	return nil
}

func TestRemoteTransactionRefusedDuringDelivery(t *testing.T) {
	hub, editors := newEditors(t, 2)
	a, b := editors[0], editors[1]
	container := &reentrantContainer{adapter: b.adapter}
	require.NoError(t, b.adapter.Mount(container))

	a.apply(t, model.InsertText{Pos: 0, Text: "hi"})
	flush(hub, editors)

	require.GreaterOrEqual(t, len(container.errs), 2)
	for _, err := range container.errs {
		assert.ErrorIs(t, err, ErrRemoteOutsideDelivery)
	}
	assert.Equal(t, "hi", b.adapter.CurrentDocument().Text())
	requireConverged(t, editors)
}

func TestRetypeNextToConcurrentInsert(t *testing.T) {
	hub, editors := newEditors(t, 2)
	a, b := editors[0], editors[1]
	a.apply(t, model.InsertText{Pos: 0, Text: "xy"})
	flush(hub, editors)

	a.apply(t, model.InsertText{Pos: 1, Text: "a"})
	b.apply(t, model.Delete{From: 1, To: 2})
	b.apply(t, model.InsertText{Pos: 1, Text: "b"})
	flush(hub, editors)

	requireConverged(t, editors)
	assert.Equal(t, "xba", a.adapter.CurrentDocument().Text())
	assert.Equal(t, "xba", b.adapter.CurrentDocument().Text())
	assert.Equal(t, "xba", a.seq.Text())
}

func TestOutOfStepReplicaIsRebuiltFromLog(t *testing.T) {
	hub, editors := newEditors(t, 2)
	a, b := editors[0], editors[1]
	a.apply(t, model.InsertText{Pos: 0, Text: "hello"})
	flush(hub, editors)

	// a's delete is sequenced, but b receives a message for that seq that does not fit
	a.apply(t, model.Delete{From: 0, To: 1})
	head := hub.Head()
	bogus := &seqop.Message{ClientID: a.seq.ClientID(), ClientSeq: 99, Seq: head, RefSeq: head - 1,
		Op: seqop.NewRemove(40, 41)}
	require.NoError(t, b.adapter.Deliver(bogus))

	assert.Equal(t, head, b.seq.CurrentSeq())
	assert.Equal(t, "ello", b.adapter.CurrentDocument().Text())
	assert.Equal(t, 1, b.adapter.Resyncs())

	flush(hub, editors)
	requireConverged(t, editors)
	assert.Equal(t, "ello", a.adapter.CurrentDocument().Text())
}

func TestOutOfStepReplicaWithoutHistory(t *testing.T) {
	hub := testutil.NewHub(t)
	seq := hub.NewSequence()
	adapter := NewAdapter(seq, model.Schema{}, testutil.NewLogger())
	t.Cleanup(func() { adapter.Close() })
	_, err := seq.InsertMarker(0, codec.BlockMarker(), codec.MarkerProps(model.Paragraph()))
	require.NoError(t, err)
	hub.Replica(adapter.Deliver).DeliverAll()
	require.NoError(t, adapter.Mount(nil))

	bad := &seqop.Message{ClientID: common.NewClientID(), ClientSeq: 1, Seq: 2, RefSeq: 1, Op: seqop.NewRemove(3, 4)}
	var desync syncerr.DesyncError
	require.ErrorAs(t, adapter.Deliver(bad), &desync)
	assert.Equal(t, int64(2), desync.Seq)
	assert.Equal(t, int64(1), seq.CurrentSeq())
	assert.Equal(t, 0, adapter.Resyncs())
}

func TestUnsupportedEditIsRefused(t *testing.T) {
	_, editors := newEditors(t, 1)
	a := editors[0]
	a.apply(t, model.InsertText{Pos: 0, Text: "keep"})

	list := model.Block{Type: "bullet_list", Children: []model.Block{model.Paragraph(model.Text("item"))}}
	err := a.adapter.ApplyTransaction(model.NewTransaction(model.ReplaceBlocks{From: 0, To: 1, Blocks: []model.Block{list}}))
	var unsupported syncerr.UnsupportedStructureError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "keep", a.adapter.CurrentDocument().Text())
}

func TestRemountReusesDocument(t *testing.T) {
	_, editors := newEditors(t, 1)
	a := editors[0]
	a.apply(t, model.InsertText{Pos: 0, Text: "draft"})

	other := NewBufferContainer()
	require.NoError(t, a.adapter.Mount(other))
	assert.Equal(t, "draft", a.adapter.CurrentDocument().Text())
	assert.Contains(t, other.HTML(), "draft")
	assert.Equal(t, 1, a.adapter.Pending())
}

func TestCurrentDocumentIsACopy(t *testing.T) {
	_, editors := newEditors(t, 1)
	a := editors[0]
	a.apply(t, model.InsertText{Pos: 0, Text: "abc"})

	doc := a.adapter.CurrentDocument()
	doc.Blocks[0].Content[0].Text = "changed"
	assert.Equal(t, "abc", a.adapter.CurrentDocument().Text())
}

func TestResyncTwiceIsStable(t *testing.T) {
	hub, editors := newEditors(t, 2)
	editors[0].apply(t, model.InsertText{Pos: 0, Text: "stable"}, model.AddMark{From: 0, To: 3, Mark: "strong"})
	flush(hub, editors)

	b := editors[1].adapter
	require.NoError(t, b.Resync())
	first := b.CurrentDocument()
	require.NoError(t, b.Resync())
	assert.Empty(t, cmp.Diff(first, b.CurrentDocument()))
	assert.Equal(t, 2, b.Resyncs())
}

func TestSubscribeAndClose(t *testing.T) {
	hub, editors := newEditors(t, 2)
	a, b := editors[0], editors[1]

	var updates []Update
	dispose := b.adapter.Subscribe(func(u Update) { updates = append(updates, u) })

	a.apply(t, model.InsertText{Pos: 0, Text: "hi"})
	flush(hub, editors)
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Remote)
	assert.Equal(t, "hi", updates[0].Doc.Text())

	dispose()
	a.apply(t, model.InsertText{Pos: 2, Text: "!"})
	flush(hub, editors)
	assert.Len(t, updates, 1)

	require.NoError(t, b.adapter.Close())
	assert.Nil(t, b.adapter.CurrentDocument())
	assert.ErrorIs(t, b.adapter.Mount(NewBufferContainer()), ErrClosed)
	assert.ErrorIs(t, b.adapter.ApplyTransaction(model.NewTransaction()), ErrClosed)

	// deliveries after close are refused and the sequence is left alone
	a.apply(t, model.InsertText{Pos: 0, Text: ">"})
	assert.ErrorIs(t, b.adapter.Deliver(nil), ErrClosed)
}

func TestRandomEditsConverge(t *testing.T) {
	marks := []string{"strong", "em"}
	for seed := int64(1); seed <= 24; seed++ {
		r := rand.New(rand.NewSource(seed))
		hub, editors := newEditors(t, 3)
		for step := 0; step < 120; step++ {
			e := editors[r.Intn(len(editors))]
			if r.Intn(3) == 0 {
				e.replica.DeliverNext()
				continue
			}
			doc := e.adapter.CurrentDocument()
			length := doc.Length()
			pos := r.Intn(length)
			end := pos + r.Intn(length-pos)
			var s model.Step
			switch r.Intn(6) {
			case 0, 1:
				s = model.InsertText{Pos: pos, Text: []string{"x", "yz", "é", "w w"}[r.Intn(4)]}
			case 2:
				s = model.Delete{From: pos, To: end}
			case 3:
				s = model.SplitBlock{Pos: pos}
			case 4:
				s = model.AddMark{From: pos, To: end, Mark: marks[r.Intn(len(marks))]}
			default:
				s = model.SetBlockType{From: pos, To: end, Type: model.BlockHeading, Attrs: map[string]string{"level": "2"}}
			}
			require.NoError(t, e.adapter.ApplyTransaction(model.NewTransaction(s)), "seed %d step %d", seed, step)
		}
		flush(hub, editors)
		requireConverged(t, editors)
	}
}
