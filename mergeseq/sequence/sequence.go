package sequence

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
)

// Outbox accepts messages a replica submits to the ordering service. Submit must not block on
// the network; the message is delivered back through Process once sequenced.
type Outbox interface {
	Submit(msg *seqop.Message) error
}

// pendingLocal tracks the atoms touched by one unacknowledged local op.
type pendingLocal struct {
	typ   seqop.OpType
	atoms []*atom
	keys  []string
}

// Sequence is one replica of a shared sequence of text and markers.
//
// Local edits are applied immediately and sent through the outbox. Sequenced messages are fed
// to Process in seq order; remote ops are merged against the perspective they were made in,
// and the replica's own ops are acknowledged. Listeners receive a Delta per processed message
// after the sequence lock has been released.
type Sequence struct {
	// id is the channel id of the sequence.
	id string

	// clientID identifies this replica.
	clientID common.ClientID

	// atoms holds every live atom and every tombstone not yet compacted, in sequence order.
	atoms []*atom

	// currentSeq is the last sequenced message processed.
	currentSeq int64

	// minSeq is the collaboration window floor.
	minSeq int64

	// lastLocalSeq is the last local sequence number handed out.
	lastLocalSeq int64

	// lastSubmitted is the last local sequence number submitted.
	lastSubmitted int64

	// pending maps local sequence numbers to unacknowledged local ops.
	pending map[int64]*pendingLocal

	// outbox receives submitted messages. Messages submitted while it is nil are held in unsent.
	outbox Outbox
	unsent []*seqop.Message

	listeners listenerSet
	logger    *zap.Logger

	mutex sync.RWMutex
}

// Option configures a Sequence.
type Option func(*Sequence)

// WithOutbox sets the outbox used for local submissions.
func WithOutbox(o Outbox) Option {
	return func(s *Sequence) {
		s.outbox = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sequence) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an empty replica of channel id for clientID.
func New(id string, clientID common.ClientID, opts ...Option) *Sequence {
	s := &Sequence{
		id:       id,
		clientID: clientID,
		pending:  make(map[int64]*pendingLocal),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("channel", id), zap.String("client", clientID.Short()))
	return s
}

// ID returns the channel id of the sequence.
func (s *Sequence) ID() string {
	return s.id
}

// ClientID returns the replica's client id.
func (s *Sequence) ClientID() common.ClientID {
	return s.clientID
}

// SetOutbox attaches the replica to an outbox and flushes messages submitted while detached.
func (s *Sequence) SetOutbox(o Outbox) error {
	s.mutex.Lock()
	s.outbox = o
	unsent := s.unsent
	s.unsent = nil
	s.mutex.Unlock()

	if o == nil {
		return nil
	}
	for _, msg := range unsent {
		if err := o.Submit(msg); err != nil {
			return errors.Wrapf(err, "failed to flush local op %d", msg.ClientSeq)
		}
	}
	return nil
}

// CurrentSeq returns the seq of the last processed message.
func (s *Sequence) CurrentSeq() int64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.currentSeq
}

// MinSeq returns the collaboration window floor last reported by the ordering service.
func (s *Sequence) MinSeq() int64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.minSeq
}

// Length returns the length of the local view.
func (s *Sequence) Length() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lengthLocked()
}

func (s *Sequence) lengthLocked() int {
	n := 0
	for _, a := range s.atoms {
		if a.localVisible() {
			n++
		}
	}
	return n
}

// Segments returns the local view as coalesced segments.
func (s *Sequence) Segments() []seqop.Segment {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	visible := make([]*atom, 0, len(s.atoms))
	for _, a := range s.atoms {
		if a.localVisible() {
			visible = append(visible, a)
		}
	}
	return coalesce(visible)
}

// Text returns the text of the local view with markers omitted.
func (s *Sequence) Text() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var sb strings.Builder
	for _, a := range s.atoms {
		if a.localVisible() && a.marker == nil {
			sb.WriteRune(a.char)
		}
	}
	return sb.String()
}

// MarkerCount returns the number of markers in the local view.
func (s *Sequence) MarkerCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	n := 0
	for _, a := range s.atoms {
		if a.localVisible() && a.marker != nil {
			n++
		}
	}
	return n
}

// PendingCount returns the number of unacknowledged local ops.
func (s *Sequence) PendingCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.pending)
}

// AtomCount returns the number of stored atoms, tombstones included.
func (s *Sequence) AtomCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.atoms)
}

// Subscribe registers l for every delta produced by Process.
func (s *Sequence) Subscribe(l Listener) Disposer {
	return s.listeners.add(l)
}

// NextLocalSeq reserves the local sequence number of the next local op.
func (s *Sequence) NextLocalSeq() int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastLocalSeq++
	return s.lastLocalSeq
}

// SubmitLocal applies op to the local view and submits it under localSeq, which must have been
// reserved with NextLocalSeq and be greater than any local seq submitted before.
// Nothing is changed if the op does not fit the local view.
func (s *Sequence) SubmitLocal(localSeq int64, op seqop.Op) error {
	if err := op.Validate(); err != nil {
		return err
	}

	s.mutex.Lock()
	if localSeq <= s.lastSubmitted || localSeq > s.lastLocalSeq {
		s.mutex.Unlock()
		return common.ErrInvalidOperation{Message: "local seq not reserved or already used"}
	}

	var err error
	switch op.Type {
	case seqop.OpTypeInsert:
		err = s.localInsert(localSeq, op.Pos1, *op.Seg)
	case seqop.OpTypeRemove:
		err = s.localRemove(localSeq, op.Pos1, op.Pos2)
	case seqop.OpTypeAnnotate:
		err = s.localAnnotate(localSeq, op.Pos1, op.Pos2, op.Props)
	}
	if err != nil {
		s.mutex.Unlock()
		return err
	}
	s.lastSubmitted = localSeq

	msg := (&seqop.Message{
		ClientID:  s.clientID,
		ClientSeq: localSeq,
		RefSeq:    s.currentSeq,
		Op:        op,
	}).Clone()
	outbox := s.outbox
	if outbox == nil {
		s.unsent = append(s.unsent, msg)
	}
	s.mutex.Unlock()

	if outbox != nil {
		if err := outbox.Submit(msg); err != nil {
			return errors.Wrapf(err, "failed to submit local op %d", localSeq)
		}
	}
	return nil
}

// InsertText inserts text at pos and returns the local seq of the op.
func (s *Sequence) InsertText(pos int, text string, props seqop.Props) (int64, error) {
	return s.submit(seqop.NewInsert(pos, seqop.TextSegment(text, props)))
}

// InsertMarker inserts a marker at pos and returns the local seq of the op.
func (s *Sequence) InsertMarker(pos int, marker seqop.Marker, props seqop.Props) (int64, error) {
	return s.submit(seqop.NewInsert(pos, seqop.MarkerSegment(marker, props)))
}

// Remove removes [start, end) and returns the local seq of the op.
func (s *Sequence) Remove(start, end int) (int64, error) {
	return s.submit(seqop.NewRemove(start, end))
}

// Annotate merges props into [start, end) and returns the local seq of the op.
func (s *Sequence) Annotate(start, end int, props seqop.Props) (int64, error) {
	return s.submit(seqop.NewAnnotate(start, end, props))
}

func (s *Sequence) submit(op seqop.Op) (int64, error) {
	localSeq := s.NextLocalSeq()
	if err := s.SubmitLocal(localSeq, op); err != nil {
		return 0, err
	}
	return localSeq, nil
}

// localIndex returns the atom index at which an insert at local position pos lands: directly
// after the pos-th visible atom, in front of any tombstones that follow it. Merged inserts use the
// same anchor rule, so both sides agree on where the atoms go.
func (s *Sequence) localIndex(pos int) (int, error) {
	count, i := 0, 0
	for ; i < len(s.atoms) && count < pos; i++ {
		if s.atoms[i].localVisible() {
			count++
		}
	}
	if count != pos {
		return 0, common.ErrOutOfRange{Start: pos, End: pos, Length: count}
	}
	return i, nil
}

func (s *Sequence) splice(idx int, atoms []*atom) {
	out := make([]*atom, 0, len(s.atoms)+len(atoms))
	out = append(out, s.atoms[:idx]...)
	out = append(out, atoms...)
	out = append(out, s.atoms[idx:]...)
	s.atoms = out
}

func (s *Sequence) localInsert(localSeq int64, pos int, seg seqop.Segment) error {
	idx, err := s.localIndex(pos)
	if err != nil {
		return err
	}
	atoms := newAtoms(seg, common.UnassignedSeq, s.clientID, localSeq)
	s.splice(idx, atoms)
	s.pending[localSeq] = &pendingLocal{typ: seqop.OpTypeInsert, atoms: atoms}
	return nil
}

// localRange collects the locally visible atoms of [start, end).
func (s *Sequence) localRange(start, end int) ([]*atom, error) {
	length := s.lengthLocked()
	if start < 0 || end > length || start > end {
		return nil, common.ErrOutOfRange{Start: start, End: end, Length: length}
	}
	out := make([]*atom, 0, end-start)
	count := 0
	for _, a := range s.atoms {
		if count >= end {
			break
		}
		if !a.localVisible() {
			continue
		}
		if count >= start {
			out = append(out, a)
		}
		count++
	}
	return out, nil
}

func (s *Sequence) localRemove(localSeq int64, start, end int) error {
	atoms, err := s.localRange(start, end)
	if err != nil {
		return err
	}
	for _, a := range atoms {
		a.removed = true
		a.removedSeq = common.UnassignedSeq
		a.removedClients = append(a.removedClients, s.clientID)
		a.localRemovedSeq = localSeq
	}
	s.pending[localSeq] = &pendingLocal{typ: seqop.OpTypeRemove, atoms: atoms}
	return nil
}

func (s *Sequence) localAnnotate(localSeq int64, start, end int, props seqop.Props) error {
	atoms, err := s.localRange(start, end)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	for _, a := range atoms {
		a.props = a.props.Merge(props)
		if a.pendingProps == nil {
			a.pendingProps = make(map[string]int, len(keys))
		}
		for _, k := range keys {
			a.pendingProps[k]++
		}
	}
	s.pending[localSeq] = &pendingLocal{typ: seqop.OpTypeAnnotate, atoms: atoms, keys: keys}
	return nil
}
