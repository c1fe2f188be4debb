package model

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prosesync/internal/syncerr"
)

func apply(t *testing.T, doc *Document, steps ...Step) *Result {
	t.Helper()
	res, err := NewTransaction(steps...).Apply(doc, Cursor(0))
	require.NoError(t, err)
	return res
}

func TestLengthAndPositions(t *testing.T) {
	doc := NewDocument(Paragraph(Text("ab")), Paragraph(), Paragraph(Text("héllo")))
	assert.Equal(t, 3+1+6, doc.Length())
	assert.Equal(t, 0, doc.BlockStart(0))
	assert.Equal(t, 3, doc.BlockStart(1))
	assert.Equal(t, 4, doc.BlockStart(2))
	assert.Equal(t, doc.Length(), doc.BlockStart(3))

	p, err := doc.Resolve(2)
	require.NoError(t, err)
	assert.Equal(t, Pos{Block: 0, Offset: 2}, p)

	p, err = doc.Resolve(3)
	require.NoError(t, err)
	assert.Equal(t, Pos{Block: 1, Offset: 0}, p)

	p, err = doc.Resolve(doc.Length())
	require.NoError(t, err)
	assert.Equal(t, Pos{Block: 3}, p)

	_, err = doc.Resolve(doc.Length() + 1)
	var oor syncerr.OutOfRangeError
	assert.True(t, errors.As(err, &oor))

	pos, err := doc.PositionOf(Pos{Block: 2, Offset: 5})
	require.NoError(t, err)
	assert.Equal(t, 9, pos)

	_, err = doc.PositionOf(Pos{Block: 1, Offset: 1})
	assert.Error(t, err)
}

func TestInsertTextAndMarks(t *testing.T) {
	doc := NewDocument(Paragraph())
	res := apply(t, doc, InsertText{Pos: 0, Text: "Hello"}, AddMark{From: 1, To: 3, Mark: "strong"})

	want := NewDocument(Paragraph(Text("H"), Text("el", "strong"), Text("lo")))
	assert.Empty(t, cmp.Diff(want, res.Doc))
	assert.Equal(t, Paragraph(), doc.Blocks[0], "input document must not change")

	res = apply(t, res.Doc, RemoveMark{From: 0, To: 5, Mark: "strong"})
	assert.Empty(t, cmp.Diff(NewDocument(Paragraph(Text("Hello"))), res.Doc))
}

func TestSplitAndJoin(t *testing.T) {
	doc := NewDocument(Heading("1", Text("Title")))
	res := apply(t, doc, SplitBlock{Pos: 2, Type: BlockParagraph})

	want := NewDocument(Heading("1", Text("Ti")), Paragraph(Text("tle")))
	assert.Empty(t, cmp.Diff(want, res.Doc))
	assert.Equal(t, Window{Prefix: 0, Suffix: 0}, res.Window)

	// deleting the boundary joins the blocks and keeps the first block's type
	res = apply(t, res.Doc, Delete{From: 2, To: 3})
	assert.Empty(t, cmp.Diff(NewDocument(Heading("1", Text("Title"))), res.Doc))
}

func TestDeleteAcrossBlocks(t *testing.T) {
	doc := NewDocument(Paragraph(Text("one")), Paragraph(Text("two")), Paragraph(Text("three")))
	res := apply(t, doc, Delete{From: 2, To: 6})
	assert.Equal(t, "ono\nthree", res.Doc.Text())
	assert.Equal(t, Window{Prefix: 0, Suffix: 1}, res.Window)

	_, err := NewTransaction(Delete{From: 0, To: doc.Length()}).Apply(doc, Cursor(0))
	assert.Error(t, err, "the final boundary cannot be deleted")
}

func TestDiffWindow(t *testing.T) {
	a, b, c := Paragraph(Text("a")), Paragraph(Text("b")), Paragraph(Text("c"))
	doc := NewDocument(a, b, c)

	assert.Equal(t, Window{Prefix: 1, Suffix: 1}, DiffWindow(doc, NewDocument(a, Paragraph(Text("b", "em")), c)))
	assert.Equal(t, Window{Prefix: 3, Suffix: 0}, DiffWindow(doc, doc.Clone()))
	assert.Equal(t, Window{Prefix: 2, Suffix: 0}, DiffWindow(doc, NewDocument(a, b)))
	assert.Equal(t, Window{Prefix: 0, Suffix: 3}, DiffWindow(doc, NewDocument(Heading("1", Text("x")), a, b, c)))
	assert.Equal(t, Window{Prefix: 0, Suffix: 2}, DiffWindow(doc, NewDocument(Heading("1", Text("a")), b, c)))
}

func TestSetBlockType(t *testing.T) {
	doc := NewDocument(Paragraph(Text("a")), Paragraph(Text("b")), Paragraph(Text("c")))
	res := apply(t, doc, SetBlockType{From: 2, To: 2, Type: BlockHeading, Attrs: map[string]string{"level": "2"}})
	assert.Equal(t, BlockHeading, res.Doc.Blocks[1].Type)
	assert.Equal(t, "2", res.Doc.Blocks[1].Attrs["level"])
	assert.Equal(t, Window{Prefix: 1, Suffix: 1}, res.Window)
	assert.Equal(t, BlockParagraph, doc.Blocks[1].Type)
}

func TestReplaceBlocksMapsSelection(t *testing.T) {
	doc := NewDocument(Paragraph(Text("aaa")), Paragraph(Text("bbb")), Paragraph(Text("ccc")))
	tx := NewTransaction(ReplaceBlocks{From: 1, To: 2, Blocks: []Block{Paragraph(Text("x")), Paragraph(Text("yy"))}})
	res, err := tx.Apply(doc, Selection{Anchor: 9, Head: 10})
	require.NoError(t, err)
	assert.Equal(t, "aaa\nx\nyy\nccc", res.Doc.Text())
	assert.Equal(t, Selection{Anchor: 10, Head: 11}, res.Selection)
}

func TestSelectionMapping(t *testing.T) {
	doc := NewDocument(Paragraph(Text("abcdef")))
	res, err := NewTransaction(Delete{From: 1, To: 4}).Apply(doc, Selection{Anchor: 2, Head: 5})
	require.NoError(t, err)
	assert.Equal(t, Selection{Anchor: 1, Head: 2}, res.Selection)

	res, err = NewTransaction(InsertText{Pos: 0, Text: "xy"}).Apply(doc, Cursor(3))
	require.NoError(t, err)
	assert.Equal(t, Cursor(5), res.Selection)
}

func TestTransactionIsAtomic(t *testing.T) {
	doc := NewDocument(Paragraph(Text("abc")))
	_, err := NewTransaction(InsertText{Pos: 1, Text: "x"}, Delete{From: 0, To: 99}).Apply(doc, Cursor(0))
	require.Error(t, err)
	assert.Equal(t, "abc", doc.Text())
}

func TestTransactionMeta(t *testing.T) {
	tx := NewTransaction()
	assert.False(t, tx.IsRemote())
	assert.True(t, tx.AddToHistory())

	tx.Remote()
	assert.True(t, tx.IsRemote())
	assert.False(t, tx.AddToHistory())
}

func TestCloneIsDeep(t *testing.T) {
	doc := NewDocument(Heading("1", Text("a", "em")))
	clone := doc.Clone()
	require.Empty(t, cmp.Diff(doc, clone))

	clone.Blocks[0].Attrs["level"] = "3"
	clone.Blocks[0].Content[0].Marks[0] = "strong"
	assert.Equal(t, "1", doc.Blocks[0].Attrs["level"])
	assert.Equal(t, "em", doc.Blocks[0].Content[0].Marks[0])
}
