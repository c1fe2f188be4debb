// Package model is the local rich-text document: a flat list of blocks of marked-up text runs,
// edited only through transactions.
//
// Positions are flat offsets shared with the marker encoding: every rune takes one slot and every
// block takes one more slot for its end boundary. The last valid cursor position is Length()-1,
// the end of the last block.
package model

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/jinzhu/copier"

	"prosesync/internal/syncerr"
)

const (
	// BlockParagraph is the default block type.
	BlockParagraph = "paragraph"
	// BlockHeading is a heading; its level travels in the "level" attribute.
	BlockHeading = "heading"
)

// TextRun is a run of text sharing one set of marks.
type TextRun struct {
	Text  string   `json:"text"`
	Marks []string `json:"marks,omitempty"`
}

// Block is a block-level node. Children is only populated by nested structures such as lists,
// which the sequence encoding refuses.
type Block struct {
	Type     string            `json:"type"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Content  []TextRun         `json:"content,omitempty"`
	Children []Block           `json:"children,omitempty"`
}

// Length returns the number of runes in the block's inline content.
func (b Block) Length() int {
	n := 0
	for _, run := range b.Content {
		n += utf8.RuneCountInString(run.Text)
	}
	return n
}

// Equal reports whether b and o have the same type, attributes, content and children.
func (b Block) Equal(o Block) bool {
	if b.Type != o.Type || len(b.Attrs) != len(o.Attrs) || len(b.Content) != len(o.Content) ||
		len(b.Children) != len(o.Children) {
		return false
	}
	for k, v := range b.Attrs {
		if ov, ok := o.Attrs[k]; !ok || ov != v {
			return false
		}
	}
	for i, run := range b.Content {
		other := o.Content[i]
		if run.Text != other.Text || len(run.Marks) != len(other.Marks) {
			return false
		}
		for j, m := range run.Marks {
			if other.Marks[j] != m {
				return false
			}
		}
	}
	for i, child := range b.Children {
		if !child.Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

// Text returns the block's inline content without marks.
func (b Block) Text() string {
	var sb strings.Builder
	for _, run := range b.Content {
		sb.WriteString(run.Text)
	}
	return sb.String()
}

// Document is the local document.
type Document struct {
	Blocks []Block `json:"blocks"`
}

// NewDocument builds a document from blocks. A document always has at least one block.
func NewDocument(blocks ...Block) *Document {
	if len(blocks) == 0 {
		blocks = []Block{Paragraph()}
	}
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		out[i] = normalizeBlock(b)
	}
	return &Document{Blocks: out}
}

// Paragraph builds a paragraph block.
func Paragraph(runs ...TextRun) Block {
	return normalizeBlock(Block{Type: BlockParagraph, Content: runs})
}

// Heading builds a heading block of the given level.
func Heading(level string, runs ...TextRun) Block {
	return normalizeBlock(Block{Type: BlockHeading, Attrs: map[string]string{"level": level}, Content: runs})
}

// Text builds a text run.
func Text(text string, marks ...string) TextRun {
	return TextRun{Text: text, Marks: marks}
}

// Length returns the number of position slots of the document.
func (d *Document) Length() int {
	n := 0
	for _, b := range d.Blocks {
		n += b.Length() + 1
	}
	return n
}

// Text returns the plain text of the document, blocks joined by newlines.
func (d *Document) Text() string {
	parts := make([]string, len(d.Blocks))
	for i, b := range d.Blocks {
		parts[i] = b.Text()
	}
	return strings.Join(parts, "\n")
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{}
	if err := copier.CopyWithOption(out, d, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on mismatched kinds, which cannot happen for identical types
		panic(err)
	}
	for i := range out.Blocks {
		out.Blocks[i] = normalizeBlock(out.Blocks[i])
	}
	return out
}

// Pos addresses a slot by block index and rune offset inside the block. Offset equal to the
// block length is the block's end boundary. Pos{Block: len(Blocks)} is the end of the document.
type Pos struct {
	Block  int
	Offset int
}

// BlockStart returns the flat position of block i's first slot. BlockStart(len(Blocks)) is Length().
func (d *Document) BlockStart(i int) int {
	n := 0
	for j := 0; j < i && j < len(d.Blocks); j++ {
		n += d.Blocks[j].Length() + 1
	}
	return n
}

// PositionOf converts a block position into a flat position.
func (d *Document) PositionOf(p Pos) (int, error) {
	if p.Block < 0 || p.Block > len(d.Blocks) {
		return 0, syncerr.OutOfRangeError{Pos: p.Block, Length: len(d.Blocks)}
	}
	if p.Block == len(d.Blocks) {
		if p.Offset != 0 {
			return 0, syncerr.OutOfRangeError{Pos: p.Offset, Length: 0}
		}
		return d.Length(), nil
	}
	if p.Offset < 0 || p.Offset > d.Blocks[p.Block].Length() {
		return 0, syncerr.OutOfRangeError{Pos: p.Offset, Length: d.Blocks[p.Block].Length()}
	}
	return d.BlockStart(p.Block) + p.Offset, nil
}

// Resolve converts a flat position in [0, Length()] into a block position.
func (d *Document) Resolve(pos int) (Pos, error) {
	if pos < 0 {
		return Pos{}, syncerr.OutOfRangeError{Pos: pos, Length: d.Length()}
	}
	start := 0
	for i, b := range d.Blocks {
		n := b.Length()
		if pos <= start+n {
			return Pos{Block: i, Offset: pos - start}, nil
		}
		start += n + 1
	}
	if pos == start {
		return Pos{Block: len(d.Blocks)}, nil
	}
	return Pos{}, syncerr.OutOfRangeError{Pos: pos, Length: start}
}

// blockAt returns the index of the block holding pos, clamped to the last block.
func (d *Document) blockAt(pos int) int {
	p, err := d.Resolve(pos)
	if err != nil || p.Block >= len(d.Blocks) {
		return len(d.Blocks) - 1
	}
	return p.Block
}

func normalizeMarks(marks []string) []string {
	if len(marks) == 0 {
		return nil
	}
	out := append([]string(nil), marks...)
	sort.Strings(out)
	n := 0
	for i, m := range out {
		if m == "" || (i > 0 && m == out[i-1]) {
			continue
		}
		out[n] = m
		n++
	}
	if n == 0 {
		return nil
	}
	return out[:n]
}

func sameMarks(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func normalizeAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

// normalizeBlock merges adjacent runs with equal marks, drops empty runs and sorts marks.
func normalizeBlock(b Block) Block {
	if b.Type == "" {
		b.Type = BlockParagraph
	}
	b.Attrs = normalizeAttrs(b.Attrs)
	var content []TextRun
	for _, run := range b.Content {
		if run.Text == "" {
			continue
		}
		marks := normalizeMarks(run.Marks)
		if last := len(content) - 1; last >= 0 && sameMarks(content[last].Marks, marks) {
			content[last].Text += run.Text
			continue
		}
		content = append(content, TextRun{Text: run.Text, Marks: marks})
	}
	b.Content = content
	if len(b.Children) == 0 {
		b.Children = nil
	} else {
		children := make([]Block, len(b.Children))
		for i, c := range b.Children {
			children[i] = normalizeBlock(c)
		}
		b.Children = children
	}
	return b
}
