package sequence

import (
	"sort"
	"sync"

	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
)

// DeltaRange is one splice of the local view: remove Remove atoms at Pos, then insert Insert there.
// An annotate range removes and re-inserts the same atoms with their new props.
type DeltaRange struct {
	Pos    int
	Remove int
	Insert []seqop.Segment
}

// Delta describes how one sequenced message changed this replica's local view.
// Ranges are applied in order; each position is relative to the view after the previous ranges.
type Delta struct {
	// Type is the type of the op carried by the message.
	Type seqop.OpType

	// ClientID is the submitter of the op.
	ClientID common.ClientID

	// Seq is the total-order position of the message.
	Seq int64

	// LocalSeq is the submitter's local sequence number for the op.
	LocalSeq int64

	// IsLocal reports whether this replica submitted the op. Local deltas carry no ranges since
	// the change was already applied when it was submitted.
	IsLocal bool

	// Ranges are the splices to apply to the local view.
	Ranges []DeltaRange
}

// LengthDelta returns the net change in local view length.
func (d Delta) LengthDelta() int {
	n := 0
	for _, r := range d.Ranges {
		n += seqop.SegmentsLength(r.Insert) - r.Remove
	}
	return n
}

// Empty reports whether the delta leaves the local view unchanged.
func (d Delta) Empty() bool {
	return len(d.Ranges) == 0
}

// Listener receives deltas in sequence order.
type Listener func(Delta)

// Disposer removes a subscription. Calling it more than once is a no-op.
type Disposer func()

type listenerSet struct {
	mu     sync.RWMutex
	nextID int
	items  map[int]Listener
}

func (ls *listenerSet) add(l Listener) Disposer {
	ls.mu.Lock()
	if ls.items == nil {
		ls.items = make(map[int]Listener)
	}
	id := ls.nextID
	ls.nextID++
	ls.items[id] = l
	ls.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ls.mu.Lock()
			delete(ls.items, id)
			ls.mu.Unlock()
		})
	}
}

func (ls *listenerSet) snapshot() []Listener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	ids := make([]int, 0, len(ls.items))
	for id := range ls.items {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, ls.items[id])
	}
	return out
}
