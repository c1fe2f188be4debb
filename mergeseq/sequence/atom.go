package sequence

import (
	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
)

// atom is one position slot of the sequence: a single rune or a single marker.
type atom struct {
	char   rune
	marker *seqop.Marker
	props  seqop.Props

	insertSeq    int64
	insertClient common.ClientID
	localSeq     int64

	removed         bool
	removedSeq      int64
	removedClients  []common.ClientID
	localRemovedSeq int64

	// pendingProps counts unacknowledged local annotations per key.
	pendingProps map[string]int
}

func newAtoms(seg seqop.Segment, seq int64, client common.ClientID, localSeq int64) []*atom {
	if seg.Marker != nil {
		m := *seg.Marker
		m.Labels = append([]string(nil), seg.Marker.Labels...)
		return []*atom{{
			marker:       &m,
			props:        seg.Props.Clone(),
			insertSeq:    seq,
			insertClient: client,
			localSeq:     localSeq,
		}}
	}
	props := seg.Props.Clone()
	out := make([]*atom, 0, len(seg.Text))
	for _, r := range seg.Text {
		out = append(out, &atom{
			char:         r,
			props:        props,
			insertSeq:    seq,
			insertClient: client,
			localSeq:     localSeq,
		})
	}
	return out
}

// localVisible reports whether the atom is part of this replica's current view.
func (a *atom) localVisible() bool {
	return !a.removed
}

func (a *atom) removedBy(client common.ClientID) bool {
	for _, c := range a.removedClients {
		if c == client {
			return true
		}
	}
	return false
}

func (a *atom) hasPendingProp(key string) bool {
	return a.pendingProps[key] > 0
}

// perspective is the view a remote client had when it made an op: everything sequenced up to
// refSeq plus the client's own earlier ops.
type perspective struct {
	refSeq int64
	client common.ClientID
}

func (p perspective) inserted(a *atom) bool {
	if a.insertSeq == common.UnassignedSeq {
		return false
	}
	return a.insertSeq <= p.refSeq || a.insertClient == p.client
}

func (p perspective) removed(a *atom) bool {
	if !a.removed || a.removedSeq == common.UnassignedSeq {
		return false
	}
	return a.removedSeq <= p.refSeq || a.removedBy(p.client)
}

func (p perspective) visible(a *atom) bool {
	return p.inserted(a) && !p.removed(a)
}

// unsequenced reports whether the atom is one of this replica's own inserts still waiting for
// its seq. Such an atom is newer than any op being merged, so a merged insert at the same anchor
// lands after it.
func (a *atom) unsequenced() bool {
	return a.insertSeq == common.UnassignedSeq
}

// segment converts a run of atoms sharing props into a segment.
func atomSegment(a *atom) seqop.Segment {
	if a.marker != nil {
		m := *a.marker
		m.Labels = append([]string(nil), a.marker.Labels...)
		return seqop.Segment{Marker: &m, Props: a.props.Clone()}
	}
	return seqop.Segment{Text: string(a.char), Props: a.props.Clone()}
}

// coalesce converts atoms into segments, merging adjacent text with equal props.
func coalesce(atoms []*atom) []seqop.Segment {
	segs := make([]seqop.Segment, 0, len(atoms))
	for _, a := range atoms {
		segs = append(segs, atomSegment(a))
	}
	return coalesceSegments(segs)
}

func coalesceSegments(segs []seqop.Segment) []seqop.Segment {
	out := make([]seqop.Segment, 0, len(segs))
	for _, seg := range segs {
		if n := len(out); n > 0 && !seg.IsMarker() && !out[n-1].IsMarker() && out[n-1].Props.Equal(seg.Props) {
			out[n-1].Text += seg.Text
			continue
		}
		out = append(out, seg)
	}
	return out
}
