package sequence

import (
	"go.uber.org/zap"

	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
)

// Process applies one sequenced message. Messages must arrive in seq order; a message at or
// below the current seq is a duplicate and is ignored. A remote op that cannot be merged leaves
// the replica untouched, current seq included, and its error is returned.
func (s *Sequence) Process(msg *seqop.Message) error {
	s.mutex.Lock()
	if msg.Seq <= s.currentSeq {
		s.mutex.Unlock()
		return nil
	}
	if msg.Seq != s.currentSeq+1 {
		expected := s.currentSeq + 1
		s.mutex.Unlock()
		return common.ErrSequenceGap{Expected: expected, Actual: msg.Seq}
	}

	delta, err := s.processLocked(msg)
	s.mutex.Unlock()

	if err != nil {
		s.logger.Error("Failed to merge remote op",
			zap.Int64("seq", msg.Seq),
			zap.String("op", msg.Op.String()),
			zap.Error(err))
		return err
	}

	for _, l := range s.listeners.snapshot() {
		l(delta)
	}
	return nil
}

func (s *Sequence) processLocked(msg *seqop.Message) (Delta, error) {
	var (
		delta Delta
		err   error
	)
	if p, ok := s.pending[msg.ClientSeq]; ok && msg.ClientID == s.clientID {
		delta = s.ack(msg, p)
	} else {
		delta, err = s.applyRemote(msg)
	}
	if err != nil {
		return delta, err
	}
	s.currentSeq = msg.Seq
	if msg.MinSeq > s.minSeq {
		s.minSeq = msg.MinSeq
		s.compact()
	}
	return delta, nil
}

// Reset discards the replica's state, pending local ops included, and replays msgs, the channel
// log from its first message. Listeners are not notified. Local sequence numbers continue from
// where they were, so echoes of ops submitted before the reset are merged like remote ops.
//
// An op that does not fit the replayed state is skipped: every replica replaying the same log
// rejects it the same way.
func (s *Sequence) Reset(msgs []*seqop.Message) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.atoms = nil
	s.pending = make(map[int64]*pendingLocal)
	s.unsent = nil
	s.currentSeq = 0
	s.minSeq = 0

	for _, msg := range msgs {
		if msg.Seq <= s.currentSeq {
			continue
		}
		if msg.Seq != s.currentSeq+1 {
			return common.ErrSequenceGap{Expected: s.currentSeq + 1, Actual: msg.Seq}
		}
		if _, err := s.processLocked(msg); err != nil {
			s.logger.Warn("Skipped op while replaying log",
				zap.Int64("seq", msg.Seq),
				zap.String("op", msg.Op.String()),
				zap.Error(err))
			s.currentSeq = msg.Seq
		}
	}
	s.logger.Info("Replayed channel log", zap.Int64("seq", s.currentSeq), zap.Int("atoms", len(s.atoms)))
	return nil
}

func (s *Sequence) ack(msg *seqop.Message, p *pendingLocal) Delta {
	switch p.typ {
	case seqop.OpTypeInsert:
		for _, a := range p.atoms {
			a.insertSeq = msg.Seq
			a.localSeq = common.NoLocalSeq
		}
	case seqop.OpTypeRemove:
		for _, a := range p.atoms {
			if a.removedSeq == common.UnassignedSeq {
				a.removedSeq = msg.Seq
			}
			a.localRemovedSeq = common.NoLocalSeq
		}
	case seqop.OpTypeAnnotate:
		for _, a := range p.atoms {
			for _, k := range p.keys {
				if a.pendingProps[k]--; a.pendingProps[k] <= 0 {
					delete(a.pendingProps, k)
				}
			}
		}
	}
	delete(s.pending, msg.ClientSeq)

	return Delta{
		Type:     msg.Op.Type,
		ClientID: msg.ClientID,
		Seq:      msg.Seq,
		LocalSeq: msg.ClientSeq,
		IsLocal:  true,
	}
}

func (s *Sequence) applyRemote(msg *seqop.Message) (Delta, error) {
	delta := Delta{
		Type:     msg.Op.Type,
		ClientID: msg.ClientID,
		Seq:      msg.Seq,
		LocalSeq: msg.ClientSeq,
	}
	if err := msg.Op.Validate(); err != nil {
		return delta, err
	}
	p := perspective{refSeq: msg.RefSeq, client: msg.ClientID}

	var err error
	switch msg.Op.Type {
	case seqop.OpTypeInsert:
		delta.Ranges, err = s.remoteInsert(p, msg)
	case seqop.OpTypeRemove:
		delta.Ranges, err = s.remoteRemove(p, msg)
	case seqop.OpTypeAnnotate:
		delta.Ranges, err = s.remoteAnnotate(p, msg)
	}
	return delta, err
}

func (s *Sequence) perspectiveLength(p perspective) int {
	n := 0
	for _, a := range s.atoms {
		if p.visible(a) {
			n++
		}
	}
	return n
}

func (s *Sequence) remoteInsert(p perspective, msg *seqop.Message) ([]DeltaRange, error) {
	pos := msg.Op.Pos1
	pc, i := 0, 0
	for ; i < len(s.atoms) && pc < pos; i++ {
		if p.visible(s.atoms[i]) {
			pc++
		}
	}
	if pc != pos {
		return nil, common.ErrOutOfRange{Start: pos, End: pos, Length: pc}
	}
	// the op lands directly after its anchor, behind this replica's unsequenced inserts there
	for i < len(s.atoms) && s.atoms[i].unsequenced() {
		i++
	}
	lc := 0
	for _, a := range s.atoms[:i] {
		if a.localVisible() {
			lc++
		}
	}

	atoms := newAtoms(*msg.Op.Seg, msg.Seq, msg.ClientID, common.NoLocalSeq)
	s.splice(i, atoms)
	return []DeltaRange{{Pos: lc, Insert: coalesce(atoms)}}, nil
}

func (s *Sequence) remoteRemove(p perspective, msg *seqop.Message) ([]DeltaRange, error) {
	start, end := msg.Op.Pos1, msg.Op.Pos2
	if length := s.perspectiveLength(p); end > length {
		return nil, common.ErrOutOfRange{Start: start, End: end, Length: length}
	}

	var ranges []DeltaRange
	pc, lc, removed := 0, 0, 0
	for _, a := range s.atoms {
		if pc >= end {
			break
		}
		visible := p.visible(a)
		wasLocal := a.localVisible()
		if visible && pc >= start {
			switch {
			case !a.removed:
				a.removed = true
				a.removedSeq = msg.Seq
				a.removedClients = []common.ClientID{msg.ClientID}
				at := lc - removed
				if n := len(ranges); n > 0 && ranges[n-1].Pos == at {
					ranges[n-1].Remove++
				} else {
					ranges = append(ranges, DeltaRange{Pos: at, Remove: 1})
				}
				removed++
			default:
				// concurrent removal: keep the first seq, remember every remover
				if a.removedSeq == common.UnassignedSeq {
					a.removedSeq = msg.Seq
				}
				if !a.removedBy(msg.ClientID) {
					a.removedClients = append(a.removedClients, msg.ClientID)
				}
			}
		}
		if visible {
			pc++
		}
		if wasLocal {
			lc++
		}
	}
	return ranges, nil
}

func (s *Sequence) remoteAnnotate(p perspective, msg *seqop.Message) ([]DeltaRange, error) {
	start, end := msg.Op.Pos1, msg.Op.Pos2
	if length := s.perspectiveLength(p); end > length {
		return nil, common.ErrOutOfRange{Start: start, End: end, Length: length}
	}

	var ranges []DeltaRange
	pc, lc := 0, 0
	for _, a := range s.atoms {
		if pc >= end {
			break
		}
		visible := p.visible(a)
		if visible && pc >= start {
			effective := msg.Op.Props
			if len(a.pendingProps) > 0 {
				effective = make(seqop.Props, len(msg.Op.Props))
				for k, v := range msg.Op.Props {
					if !a.hasPendingProp(k) {
						effective[k] = v
					}
				}
			}
			next := a.props.Merge(effective)
			if !next.Equal(a.props) {
				a.props = next
				if a.localVisible() {
					if n := len(ranges); n > 0 && ranges[n-1].Pos+ranges[n-1].Remove == lc {
						ranges[n-1].Remove++
						ranges[n-1].Insert = append(ranges[n-1].Insert, atomSegment(a))
					} else {
						ranges = append(ranges, DeltaRange{Pos: lc, Remove: 1, Insert: []seqop.Segment{atomSegment(a)}})
					}
				}
			}
		}
		if visible {
			pc++
		}
		if a.localVisible() {
			lc++
		}
	}
	for i := range ranges {
		ranges[i].Insert = coalesceSegments(ranges[i].Insert)
	}
	return ranges, nil
}

// compact drops tombstones no client can reference anymore.
func (s *Sequence) compact() {
	kept := s.atoms[:0]
	dropped := 0
	for _, a := range s.atoms {
		if a.removed && a.removedSeq != common.UnassignedSeq && a.removedSeq <= s.minSeq &&
			a.localRemovedSeq == common.NoLocalSeq {
			dropped++
			continue
		}
		kept = append(kept, a)
	}
	for i := len(kept); i < len(s.atoms); i++ {
		s.atoms[i] = nil
	}
	s.atoms = kept
	if dropped > 0 {
		s.logger.Debug("Compacted tombstones", zap.Int("dropped", dropped), zap.Int64("minSeq", s.minSeq))
	}
}
