package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
	"prosesync/mergeseq/seqstore"
	"prosesync/mergeseq/seqsync"
	"prosesync/mergeseq/sequence"
)

// DialProvider opens channels of one document through a seqsync.Dialer. Each channel gets its
// own client id, connection and delta manager. Until the caller installs another handler on
// Channel.Deltas, sequenced messages are processed straight into the replica.
type DialProvider struct {
	documentID string
	dialer     seqsync.Dialer
	logger     *zap.Logger
}

// NewDialProvider creates a provider for documentID.
func NewDialProvider(documentID string, dialer seqsync.Dialer, logger *zap.Logger) *DialProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DialProvider{documentID: documentID, dialer: dialer, logger: logger}
}

// CreateSequence opens a channel with a fresh id.
func (p *DialProvider) CreateSequence(ctx context.Context) (*Channel, error) {
	return p.open(ctx, seqstore.NewHandle(p.documentID, uuid.NewString()))
}

// GetChannel opens the channel named by handle. The returned replica holds everything the
// ordering service had sequenced when the connection was made.
func (p *DialProvider) GetChannel(ctx context.Context, handle seqstore.Handle) (*Channel, error) {
	return p.open(ctx, handle)
}

func (p *DialProvider) open(ctx context.Context, handle seqstore.Handle) (*Channel, error) {
	channel := handle.ChannelID()
	clientID := common.NewClientID()
	logger := p.logger.With(zap.String("channel", channel), zap.String("client", clientID.Short()))

	conn, err := p.dialer.Dial(ctx, channel, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to dial channel %s: %w", channel, err)
	}

	dm := seqsync.NewDeltaManager(conn, logger)
	seq := sequence.New(channel, clientID, sequence.WithOutbox(dm), sequence.WithLogger(logger))
	err = dm.Start(ctx, 0, func(msg *seqop.Message) {
		if err := seq.Process(msg); err != nil {
			logger.Error("Failed to process message", zap.Int64("seq", msg.Seq), zap.Error(err))
		}
	})
	if err != nil {
		dm.Close()
		return nil, fmt.Errorf("failed to start delta manager: %w", err)
	}

	return &Channel{Handle: handle, Sequence: seq, Deltas: dm, Detach: dm.Close}, nil
}
