// Package codec maps blocks to the shared sequence and back.
//
// Every block is encoded as its text runs followed by one tile marker labelled "pg" that carries
// the block type and attributes as props. A marker therefore ends the block before it, and the
// number of markers equals the number of blocks.
package codec

import (
	"fmt"
	"sort"
	"strings"

	"prosesync/internal/model"
	"prosesync/internal/syncerr"
	"prosesync/mergeseq/seqop"
)

const (
	// ParagraphLabel is the label of block boundary markers.
	ParagraphLabel = "pg"

	// PropBlockType is the marker prop holding the block type.
	PropBlockType = "blockType"
	// AttrPrefix prefixes marker props holding block attributes.
	AttrPrefix = "attr."
	// MarkPrefix prefixes text props holding marks.
	MarkPrefix = "mark."
)

// BlockMarker returns the marker that ends every block.
func BlockMarker() seqop.Marker {
	return seqop.Marker{Kind: seqop.ReferenceTypeTile, Labels: []string{ParagraphLabel}}
}

// MarkerProps returns the props of the marker ending b.
func MarkerProps(b model.Block) seqop.Props {
	typ := b.Type
	if typ == "" {
		typ = model.BlockParagraph
	}
	props := seqop.Props{PropBlockType: typ}
	for k, v := range b.Attrs {
		props[AttrPrefix+k] = v
	}
	return props
}

// TextProps returns the props of text carrying marks, nil without marks.
func TextProps(marks []string) seqop.Props {
	if len(marks) == 0 {
		return nil
	}
	props := make(seqop.Props, len(marks))
	for _, m := range marks {
		props[MarkPrefix+m] = true
	}
	return props
}

func checkBlock(b model.Block) error {
	if len(b.Children) > 0 {
		return syncerr.UnsupportedStructureError{What: fmt.Sprintf("nested content in %s block", b.Type)}
	}
	return nil
}

// EncodeBlocks encodes blocks as text segments and block markers.
func EncodeBlocks(blocks []model.Block) ([]seqop.Segment, error) {
	var segs []seqop.Segment
	for _, b := range blocks {
		if err := checkBlock(b); err != nil {
			return nil, err
		}
		for _, run := range b.Content {
			if run.Text == "" {
				continue
			}
			segs = append(segs, seqop.TextSegment(run.Text, TextProps(run.Marks)))
		}
		segs = append(segs, seqop.MarkerSegment(BlockMarker(), MarkerProps(b)))
	}
	return segs, nil
}

// Atoms encodes blocks with one segment per position slot.
func Atoms(blocks []model.Block) ([]seqop.Segment, error) {
	var atoms []seqop.Segment
	for _, b := range blocks {
		if err := checkBlock(b); err != nil {
			return nil, err
		}
		for _, run := range b.Content {
			props := TextProps(run.Marks)
			for _, r := range run.Text {
				atoms = append(atoms, seqop.TextSegment(string(r), props))
			}
		}
		atoms = append(atoms, seqop.MarkerSegment(BlockMarker(), MarkerProps(b)))
	}
	return atoms, nil
}

// Unit is one decoded segment: either inline text or the end of a block.
type Unit struct {
	// Boundary is set for a block marker. Block then holds the type and attributes of the block
	// the marker ends.
	Boundary bool
	Block    model.Block
	Run      model.TextRun
}

// DecodeUnit decodes a single segment.
func DecodeUnit(seg seqop.Segment) (Unit, error) {
	if seg.Marker == nil {
		return Unit{Run: model.TextRun{Text: seg.Text, Marks: marksOf(seg.Props)}}, nil
	}
	if seg.Marker.Kind != seqop.ReferenceTypeTile {
		return Unit{}, syncerr.UnsupportedStructureError{What: fmt.Sprintf("%s marker", seg.Marker.Kind)}
	}
	block := model.Block{Type: model.BlockParagraph}
	for k, v := range seg.Props {
		switch {
		case k == PropBlockType:
			if s, ok := v.(string); ok && s != "" {
				block.Type = s
			}
		case strings.HasPrefix(k, AttrPrefix):
			if block.Attrs == nil {
				block.Attrs = make(map[string]string)
			}
			block.Attrs[strings.TrimPrefix(k, AttrPrefix)] = fmt.Sprint(v)
		}
	}
	return Unit{Boundary: true, Block: block}, nil
}

func marksOf(props seqop.Props) []string {
	var marks []string
	for k, v := range props {
		if !strings.HasPrefix(k, MarkPrefix) {
			continue
		}
		if on, ok := v.(bool); ok && on {
			marks = append(marks, strings.TrimPrefix(k, MarkPrefix))
		}
	}
	sort.Strings(marks)
	return marks
}

// DecodeBlocks decodes segments into blocks. Text after the last marker becomes a trailing
// paragraph; terminated reports whether there was none.
func DecodeBlocks(segs []seqop.Segment) (blocks []model.Block, terminated bool, err error) {
	var content []model.TextRun
	for _, seg := range segs {
		unit, err := DecodeUnit(seg)
		if err != nil {
			return nil, false, err
		}
		if !unit.Boundary {
			content = append(content, unit.Run)
			continue
		}
		b := unit.Block
		b.Content = content
		blocks = append(blocks, b)
		content = nil
	}
	terminated = true
	if len(content) > 0 {
		blocks = append(blocks, model.Block{Type: model.BlockParagraph, Content: content})
		terminated = false
	}
	return blocks, terminated, nil
}

// Decode decodes the full content of a sequence. An empty sequence decodes to one empty paragraph.
func Decode(segs []seqop.Segment) (*model.Document, error) {
	blocks, _, err := DecodeBlocks(segs)
	if err != nil {
		return nil, err
	}
	return model.NewDocument(blocks...), nil
}

// Terminated reports whether the decoded document has exactly one marker per block.
func Terminated(segs []seqop.Segment) bool {
	if len(segs) == 0 {
		return false
	}
	return segs[len(segs)-1].IsMarker()
}
