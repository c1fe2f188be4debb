// Package testutil provides a deterministic ordering service and loggers for tests.
package testutil

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"prosesync/internal/logging"
	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
	"prosesync/mergeseq/seqsync"
	"prosesync/mergeseq/sequence"
)

// NewLogger returns a logger for tests. LOG_LEVEL selects the level.
func NewLogger() *zap.Logger {
	return logging.NewTest()
}

// Hub sequences submitted messages immediately and delivers them only when asked, so tests
// decide exactly which ops are concurrent.
type Hub struct {
	t         testing.TB
	channel   string
	log       *seqsync.MemoryOpLog
	sequencer *seqsync.Sequencer
}

// NewHub creates a hub for one channel.
func NewHub(t testing.TB) *Hub {
	t.Helper()
	log := seqsync.NewMemoryOpLog()
	sequencer, err := seqsync.NewSequencer(context.Background(), "text", log, nil, NewLogger())
	if err != nil {
		t.Fatalf("failed to create sequencer: %v", err)
	}
	return &Hub{t: t, channel: "text", log: log, sequencer: sequencer}
}

// Channel returns the channel id of the hub.
func (h *Hub) Channel() string {
	return h.channel
}

// Head returns the last assigned seq.
func (h *Hub) Head() int64 {
	return h.sequencer.Head()
}

// Fetch returns the sequenced messages after from. It lets an adapter rebuild its replica from
// the hub's log.
func (h *Hub) Fetch(ctx context.Context, from int64) ([]*seqop.Message, error) {
	return h.log.Read(ctx, h.channel, from)
}

type outbox struct {
	h *Hub
}

func (o outbox) Submit(msg *seqop.Message) error {
	_, err := o.h.sequencer.Submit(context.Background(), msg)
	return err
}

// NewSequence creates a replica attached to the hub.
func (h *Hub) NewSequence() *sequence.Sequence {
	client := common.NewClientID()
	h.sequencer.Clients().Join(client, 0)
	return sequence.New(h.channel, client, sequence.WithOutbox(outbox{h}), sequence.WithLogger(NewLogger()))
}

// Replica delivers the hub's messages to one consumer in order.
type Replica struct {
	h       *Hub
	deliver func(*seqop.Message) error
	last    int64
}

// Replica registers a consumer. deliver is typically Sequence.Process or Adapter.Deliver.
func (h *Hub) Replica(deliver func(*seqop.Message) error) *Replica {
	return &Replica{h: h, deliver: deliver}
}

// DeliverNext delivers one message and reports whether there was one.
func (r *Replica) DeliverNext() bool {
	r.h.t.Helper()
	msgs, err := r.h.log.Read(context.Background(), r.h.channel, r.last)
	if err != nil {
		r.h.t.Fatalf("failed to read log: %v", err)
	}
	if len(msgs) == 0 {
		return false
	}
	if err := r.deliver(msgs[0]); err != nil {
		r.h.t.Fatalf("failed to deliver seq %d: %v", msgs[0].Seq, err)
	}
	r.last = msgs[0].Seq
	return true
}

// DeliverAll delivers every sequenced message not yet delivered.
func (r *Replica) DeliverAll() {
	r.h.t.Helper()
	for r.DeliverNext() {
	}
}

// Flush delivers to every replica until none is behind, including messages submitted while
// delivering.
func (h *Hub) Flush(replicas ...*Replica) {
	h.t.Helper()
	for {
		progressed := false
		for _, r := range replicas {
			if r.DeliverNext() {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}
