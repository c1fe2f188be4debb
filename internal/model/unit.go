package model

import (
	"strings"
)

// unit is one position slot: a rune with its marks, or a block end carrying the block's type.
type unit struct {
	r     rune
	marks []string
	end   bool
	typ   string
	attrs map[string]string
}

func textUnits(text string, marks []string) []unit {
	marks = normalizeMarks(marks)
	out := make([]unit, 0, len(text))
	for _, r := range text {
		out = append(out, unit{r: r, marks: marks})
	}
	return out
}

func flatten(blocks []Block) []unit {
	var out []unit
	for _, b := range blocks {
		for _, run := range b.Content {
			out = append(out, textUnits(run.Text, run.Marks)...)
		}
		out = append(out, unit{end: true, typ: b.Type, attrs: b.Attrs})
	}
	return out
}

// rebuild is the inverse of flatten. Units after the last end form a trailing paragraph.
func rebuild(units []unit) []Block {
	var blocks []Block
	var content []TextRun
	var sb strings.Builder
	var marks []string
	flush := func() {
		if sb.Len() > 0 {
			content = append(content, TextRun{Text: sb.String(), Marks: marks})
			sb.Reset()
		}
	}
	for _, u := range units {
		if u.end {
			flush()
			blocks = append(blocks, normalizeBlock(Block{Type: u.typ, Attrs: u.attrs, Content: content}))
			content = nil
			marks = nil
			continue
		}
		if sb.Len() > 0 && !sameMarks(marks, u.marks) {
			flush()
		}
		marks = u.marks
		sb.WriteRune(u.r)
	}
	flush()
	if len(content) > 0 {
		blocks = append(blocks, normalizeBlock(Block{Type: BlockParagraph, Content: content}))
	}
	return blocks
}

// editWindow rewrites the blocks spanning the flat range [from, to]. fn receives the window's
// units and the flat position of the first one and returns the replacement units.
func (d *Document) editWindow(from, to int, fn func(units []unit, base int) ([]unit, error)) error {
	length := d.Length()
	if from < 0 || from > to || to >= length {
		return outOfRange(from, to, length)
	}
	first := d.blockAt(from)
	last := d.blockAt(to)
	base := d.BlockStart(first)

	units, err := fn(flatten(d.Blocks[first:last+1]), base)
	if err != nil {
		return err
	}
	replaced := rebuild(units)

	blocks := make([]Block, 0, len(d.Blocks)-(last+1-first)+len(replaced))
	blocks = append(blocks, d.Blocks[:first]...)
	blocks = append(blocks, replaced...)
	blocks = append(blocks, d.Blocks[last+1:]...)
	d.Blocks = blocks
	return nil
}
