package model

import (
	"unicode/utf8"

	"prosesync/internal/syncerr"
)

// Step is one atomic document change.
type Step interface {
	// Apply performs the step on doc. Blocks outside the touched range keep their slices and maps,
	// so doc may share them with other documents.
	Apply(doc *Document) error

	// Map maps a flat position of before, the document the step applies to, into the result.
	Map(before *Document, pos int) int

	// Touched returns the half-open range of block indices of before the step may change.
	Touched(before *Document) (first, last int)
}

func outOfRange(from, to, length int) error {
	pos := to
	if from < 0 || from > to {
		pos = from
	}
	return syncerr.OutOfRangeError{Pos: pos, Length: length}
}

func touchedSpan(before *Document, from, to int) (int, int) {
	return before.blockAt(from), before.blockAt(to) + 1
}

// InsertText inserts text with marks at Pos.
type InsertText struct {
	Pos   int
	Text  string
	Marks []string
}

func (s InsertText) Apply(doc *Document) error {
	return doc.editWindow(s.Pos, s.Pos, func(units []unit, base int) ([]unit, error) {
		at := s.Pos - base
		out := make([]unit, 0, len(units)+len(s.Text))
		out = append(out, units[:at]...)
		out = append(out, textUnits(s.Text, s.Marks)...)
		return append(out, units[at:]...), nil
	})
}

func (s InsertText) Map(_ *Document, pos int) int {
	if pos >= s.Pos {
		return pos + utf8.RuneCountInString(s.Text)
	}
	return pos
}

func (s InsertText) Touched(before *Document) (int, int) {
	return touchedSpan(before, s.Pos, s.Pos)
}

// Delete removes [From, To). Removing a block boundary joins the two blocks; the joined block
// keeps the type of the first.
type Delete struct {
	From int
	To   int
}

func (s Delete) Apply(doc *Document) error {
	if s.From == s.To {
		return nil
	}
	return doc.editWindow(s.From, s.To, func(units []unit, base int) ([]unit, error) {
		from, to := s.From-base, s.To-base
		var joined *unit
		for i := from; i < to; i++ {
			if units[i].end {
				u := units[i]
				joined = &u
				break
			}
		}
		out := make([]unit, 0, len(units)-(to-from))
		out = append(out, units[:from]...)
		rest := append([]unit(nil), units[to:]...)
		if joined != nil {
			for i := range rest {
				if rest[i].end {
					rest[i].typ = joined.typ
					rest[i].attrs = joined.attrs
					break
				}
			}
		}
		return append(out, rest...), nil
	})
}

func (s Delete) Map(_ *Document, pos int) int {
	switch {
	case pos <= s.From:
		return pos
	case pos >= s.To:
		return pos - (s.To - s.From)
	default:
		return s.From
	}
}

func (s Delete) Touched(before *Document) (int, int) {
	return touchedSpan(before, s.From, s.To)
}

// SplitBlock splits the block holding Pos. The first half keeps the block's type; the second
// half becomes Type when it is set.
type SplitBlock struct {
	Pos   int
	Type  string
	Attrs map[string]string
}

func (s SplitBlock) Apply(doc *Document) error {
	return doc.editWindow(s.Pos, s.Pos, func(units []unit, base int) ([]unit, error) {
		at := s.Pos - base
		last := len(units) - 1
		boundary := unit{end: true, typ: units[last].typ, attrs: units[last].attrs}

		out := make([]unit, 0, len(units)+1)
		out = append(out, units[:at]...)
		out = append(out, boundary)
		out = append(out, units[at:]...)
		if s.Type != "" {
			out[len(out)-1].typ = s.Type
			out[len(out)-1].attrs = normalizeAttrs(s.Attrs)
		}
		return out, nil
	})
}

func (s SplitBlock) Map(_ *Document, pos int) int {
	if pos >= s.Pos {
		return pos + 1
	}
	return pos
}

func (s SplitBlock) Touched(before *Document) (int, int) {
	return touchedSpan(before, s.Pos, s.Pos)
}

// SetBlockType changes the type and attributes of every block overlapping [From, To].
type SetBlockType struct {
	From  int
	To    int
	Type  string
	Attrs map[string]string
}

func (s SetBlockType) Apply(doc *Document) error {
	length := doc.Length()
	if s.From < 0 || s.From > s.To || s.To >= length {
		return outOfRange(s.From, s.To, length)
	}
	first, last := s.Touched(doc)
	blocks := append([]Block(nil), doc.Blocks...)
	for i := first; i < last; i++ {
		b := blocks[i]
		b.Type = s.Type
		b.Attrs = normalizeAttrs(s.Attrs)
		blocks[i] = normalizeBlock(b)
	}
	doc.Blocks = blocks
	return nil
}

func (s SetBlockType) Map(_ *Document, pos int) int {
	return pos
}

func (s SetBlockType) Touched(before *Document) (int, int) {
	return touchedSpan(before, s.From, s.To)
}

// AddMark adds Mark to the text in [From, To).
type AddMark struct {
	From int
	To   int
	Mark string
}

func (s AddMark) Apply(doc *Document) error {
	return applyMark(doc, s.From, s.To, func(marks []string) []string {
		return normalizeMarks(append(append([]string(nil), marks...), s.Mark))
	})
}

func (s AddMark) Map(_ *Document, pos int) int {
	return pos
}

func (s AddMark) Touched(before *Document) (int, int) {
	return touchedSpan(before, s.From, s.To)
}

// RemoveMark removes Mark from the text in [From, To).
type RemoveMark struct {
	From int
	To   int
	Mark string
}

func (s RemoveMark) Apply(doc *Document) error {
	return applyMark(doc, s.From, s.To, func(marks []string) []string {
		var out []string
		for _, m := range marks {
			if m != s.Mark {
				out = append(out, m)
			}
		}
		return normalizeMarks(out)
	})
}

func (s RemoveMark) Map(_ *Document, pos int) int {
	return pos
}

func (s RemoveMark) Touched(before *Document) (int, int) {
	return touchedSpan(before, s.From, s.To)
}

func applyMark(doc *Document, from, to int, change func([]string) []string) error {
	if from == to {
		return nil
	}
	return doc.editWindow(from, to, func(units []unit, base int) ([]unit, error) {
		for i := from - base; i < to-base; i++ {
			if !units[i].end {
				units[i].marks = change(units[i].marks)
			}
		}
		return units, nil
	})
}

// ReplaceBlocks replaces blocks [From, To) with Blocks.
type ReplaceBlocks struct {
	From   int
	To     int
	Blocks []Block
}

func (s ReplaceBlocks) Apply(doc *Document) error {
	if s.From < 0 || s.From > s.To || s.To > len(doc.Blocks) {
		return outOfRange(s.From, s.To, len(doc.Blocks))
	}
	if len(doc.Blocks)-(s.To-s.From)+len(s.Blocks) == 0 {
		return syncerr.UnsupportedStructureError{What: "document without blocks"}
	}
	blocks := make([]Block, 0, len(doc.Blocks)-(s.To-s.From)+len(s.Blocks))
	blocks = append(blocks, doc.Blocks[:s.From]...)
	for _, b := range s.Blocks {
		blocks = append(blocks, normalizeBlock(b))
	}
	blocks = append(blocks, doc.Blocks[s.To:]...)
	doc.Blocks = blocks
	return nil
}

func (s ReplaceBlocks) Map(before *Document, pos int) int {
	start := before.BlockStart(s.From)
	end := before.BlockStart(s.To)
	n := 0
	for _, b := range s.Blocks {
		n += b.Length() + 1
	}
	switch {
	case pos < start:
		return pos
	case pos >= end:
		return pos + n - (end - start)
	case pos-start < n:
		return pos
	case n > 0:
		return start + n - 1
	default:
		return start
	}
}

func (s ReplaceBlocks) Touched(_ *Document) (int, int) {
	return s.From, s.To
}

// ReplaceDocument replaces the whole document.
type ReplaceDocument struct {
	Doc *Document
}

func (s ReplaceDocument) Apply(doc *Document) error {
	if s.Doc == nil || len(s.Doc.Blocks) == 0 {
		return syncerr.UnsupportedStructureError{What: "document without blocks"}
	}
	doc.Blocks = s.Doc.Clone().Blocks
	return nil
}

func (s ReplaceDocument) Map(_ *Document, pos int) int {
	return pos
}

func (s ReplaceDocument) Touched(before *Document) (int, int) {
	return 0, len(before.Blocks)
}
