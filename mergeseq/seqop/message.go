package seqop

import (
	"prosesync/mergeseq/common"
)

// Message carries one op between a client and the ordering service.
//
// Clients fill ClientID, ClientSeq and RefSeq. The ordering service assigns Seq and MinSeq and
// delivers the message to every replica, the submitter included, in Seq order.
type Message struct {
	// ClientID is the submitting replica.
	ClientID common.ClientID `json:"clientId"`
	// ClientSeq is the submitter's local sequence number for the op.
	ClientSeq int64 `json:"clientSeq"`
	// RefSeq is the last Seq the submitter had processed when it made the op.
	RefSeq int64 `json:"refSeq"`
	// Seq is the total-order position assigned by the ordering service, 0 before sequencing.
	Seq int64 `json:"seq"`
	// MinSeq is the lowest RefSeq any connected client may still reference.
	MinSeq int64 `json:"minSeq"`
	// Op is the operation.
	Op Op `json:"op"`
	// Timestamp is the sequencing time in unix nanoseconds.
	Timestamp int64 `json:"ts,omitempty"`
}

// IsSequenced reports whether the ordering service has assigned a Seq.
func (m *Message) IsSequenced() bool {
	return m.Seq > 0
}

// Clone returns a copy of m that shares no mutable state with it.
func (m *Message) Clone() *Message {
	out := *m
	if m.Op.Seg != nil {
		seg := *m.Op.Seg
		seg.Props = m.Op.Seg.Props.Clone()
		if m.Op.Seg.Marker != nil {
			marker := *m.Op.Seg.Marker
			marker.Labels = append([]string(nil), m.Op.Seg.Marker.Labels...)
			seg.Marker = &marker
		}
		out.Op.Seg = &seg
	}
	out.Op.Props = m.Op.Props.Clone()
	return &out
}
