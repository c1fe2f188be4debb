package seqop

import (
	"reflect"
	"sort"
	"unicode/utf8"

	"prosesync/mergeseq/common"
)

// ReferenceType is the kind of a structural marker.
type ReferenceType string

const (
	// ReferenceTypeTile is a non-nesting boundary marker, e.g. a paragraph end.
	ReferenceTypeTile ReferenceType = "tile"
	// ReferenceTypeNestBegin opens a nested range. Readers that model a flat sequence reject it.
	ReferenceTypeNestBegin ReferenceType = "nest-begin"
	// ReferenceTypeNestEnd closes a nested range.
	ReferenceTypeNestEnd ReferenceType = "nest-end"
)

// Marker is a zero-content unit carrying a kind and a label set.
type Marker struct {
	Kind   ReferenceType `json:"kind"`
	Labels []string      `json:"labels,omitempty"`
}

// HasLabel reports whether the marker carries label.
func (m Marker) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Equal reports whether two markers have the same kind and label set.
func (m Marker) Equal(other Marker) bool {
	if m.Kind != other.Kind || len(m.Labels) != len(other.Labels) {
		return false
	}
	a := append([]string(nil), m.Labels...)
	b := append([]string(nil), other.Labels...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Props is the property bag attached to atoms. A nil value in an annotate op removes the key.
type Props map[string]interface{}

// Clone returns a shallow copy of p. Nil stays nil.
func (p Props) Clone() Props {
	if p == nil {
		return nil
	}
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns p with delta applied. Keys mapped to nil in delta are removed.
func (p Props) Merge(delta Props) Props {
	out := p.Clone()
	for k, v := range delta {
		if v == nil {
			delete(out, k)
			continue
		}
		if out == nil {
			out = make(Props, len(delta))
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Equal reports whether two bags hold the same keys and values. Nil and empty are equal.
func (p Props) Equal(other Props) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}

// Segment is the insert payload: either a text run or a single marker.
type Segment struct {
	Text   string  `json:"text,omitempty"`
	Marker *Marker `json:"marker,omitempty"`
	Props  Props   `json:"props,omitempty"`
}

// TextSegment builds a text run segment.
func TextSegment(text string, props Props) Segment {
	return Segment{Text: text, Props: props}
}

// MarkerSegment builds a marker segment.
func MarkerSegment(m Marker, props Props) Segment {
	return Segment{Marker: &m, Props: props}
}

// IsMarker reports whether the segment is a structural marker.
func (s Segment) IsMarker() bool {
	return s.Marker != nil
}

// Length returns the number of position slots the segment occupies:
// one for a marker, the rune count for text.
func (s Segment) Length() int {
	if s.Marker != nil {
		return 1
	}
	return utf8.RuneCountInString(s.Text)
}

// Validate checks that the segment is exactly one of text or marker.
func (s Segment) Validate() error {
	if s.Marker != nil && s.Text != "" {
		return common.ErrInvalidOperation{Message: "segment carries both text and marker"}
	}
	if s.Marker == nil && s.Text == "" {
		return common.ErrInvalidOperation{Message: "empty segment"}
	}
	if s.Marker != nil && s.Marker.Kind == "" {
		return common.ErrInvalidOperation{Message: "marker without kind"}
	}
	return nil
}

// SegmentsLength sums the lengths of segs.
func SegmentsLength(segs []Segment) int {
	n := 0
	for _, s := range segs {
		n += s.Length()
	}
	return n
}
