// Package session attaches an editor to the shared sequence named by its document root,
// creating the sequence when the document is new.
package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"prosesync/internal/codec"
	"prosesync/internal/model"
	"prosesync/internal/syncerr"
	"prosesync/mergeseq/seqstore"
	"prosesync/mergeseq/seqsync"
	"prosesync/mergeseq/sequence"
)

// Mode tells whether Attach created the document or joined an existing one.
type Mode int

const (
	Created Mode = iota + 1
	Joined
)

func (m Mode) String() string {
	switch m {
	case Created:
		return "created"
	case Joined:
		return "joined"
	default:
		return "unknown"
	}
}

// Channel is a replica of one root channel.
type Channel struct {
	Handle   seqstore.Handle
	Sequence *sequence.Sequence

	// Deltas feeds sequenced messages to Sequence. It is nil when the provider delivers some
	// other way.
	Deltas *seqsync.DeltaManager

	// Detach releases the replica. It may be nil.
	Detach func() error
}

func (c *Channel) detach() error {
	if c == nil || c.Detach == nil {
		return nil
	}
	return c.Detach()
}

// ChannelProvider produces replicas of root channels.
type ChannelProvider interface {
	// CreateSequence allocates a new, empty channel and returns a replica attached to it.
	CreateSequence(ctx context.Context) (*Channel, error)

	// GetChannel returns a replica of the channel named by handle, caught up with what the
	// ordering service has sequenced so far.
	GetChannel(ctx context.Context, handle seqstore.Handle) (*Channel, error)
}

// Root is the part of the document root store Attach needs.
type Root interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	Register(ctx context.Context, key string) error
	IsRegistered(ctx context.Context, key string) (bool, error)
}

var _ Root = (*seqstore.RootStore)(nil)

// Result is the outcome of Attach.
type Result struct {
	Mode    Mode
	Channel *Channel
}

// Handle returns the handle of the attached channel.
func (r *Result) Handle() seqstore.Handle {
	return r.Channel.Handle
}

// Sequence returns the attached replica.
func (r *Result) Sequence() *sequence.Sequence {
	return r.Channel.Sequence
}

type options struct {
	logger       *zap.Logger
	joinTimeout  time.Duration
	pollInterval time.Duration
}

// Option configures Attach.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithJoinTimeout bounds how long a join waits for the channel to be published and hold its
// initial marker.
func WithJoinTimeout(d time.Duration) Option {
	return func(o *options) {
		o.joinTimeout = d
	}
}

// WithPollInterval sets how often a waiting join checks the channel.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// Attach reads the "text" entry of root. Without one it creates a channel holding a single
// paragraph marker, claims the entry and publishes it; a client that loses the claim detaches
// its channel and joins the winner's. With one it joins the channel the entry names.
func Attach(ctx context.Context, root Root, provider ChannelProvider, opts ...Option) (*Result, error) {
	o := &options{
		logger:       zap.NewNop(),
		joinTimeout:  5 * time.Second,
		pollInterval: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}

	value, ok, err := root.Get(ctx, seqstore.TextKey)
	if err != nil {
		return nil, syncerr.AttachError{Reason: "failed to read root", Err: err}
	}
	if ok {
		return join(ctx, root, provider, value, o)
	}

	ch, err := provider.CreateSequence(ctx)
	if err != nil {
		return nil, syncerr.AttachError{Reason: "failed to create sequence", Err: err}
	}
	if _, err := ch.Sequence.InsertMarker(0, codec.BlockMarker(), codec.MarkerProps(model.Paragraph())); err != nil {
		ch.detach()
		return nil, syncerr.AttachError{Handle: ch.Handle.String(), Reason: "failed to insert initial marker", Err: err}
	}

	claimed, err := root.SetIfAbsent(ctx, seqstore.TextKey, ch.Handle.String())
	if err != nil {
		ch.detach()
		return nil, syncerr.AttachError{Handle: ch.Handle.String(), Reason: "failed to claim root entry", Err: err}
	}
	if !claimed {
		o.logger.Info("Lost root claim, joining existing channel", zap.String("handle", ch.Handle.String()))
		if err := ch.detach(); err != nil {
			o.logger.Warn("Failed to detach unused channel", zap.Error(err))
		}
		value, ok, err := root.Get(ctx, seqstore.TextKey)
		if err != nil || !ok {
			if err == nil {
				err = errors.New("root entry vanished")
			}
			return nil, syncerr.AttachError{Reason: "failed to read root", Err: err}
		}
		return join(ctx, root, provider, value, o)
	}

	if err := root.Register(ctx, seqstore.TextKey); err != nil {
		ch.detach()
		return nil, syncerr.AttachError{Handle: ch.Handle.String(), Reason: "failed to publish root entry", Err: err}
	}
	o.logger.Info("Created document channel", zap.String("handle", ch.Handle.String()))
	return &Result{Mode: Created, Channel: ch}, nil
}

func join(ctx context.Context, root Root, provider ChannelProvider, value string, o *options) (*Result, error) {
	handle, err := seqstore.ParseHandle(value)
	if err != nil {
		return nil, syncerr.AttachError{Handle: value, Reason: "malformed handle", Err: err}
	}

	ch, err := provider.GetChannel(ctx, handle)
	if err != nil {
		return nil, syncerr.AttachError{Handle: value, Reason: "failed to get channel", Err: err}
	}
	if ch == nil || ch.Sequence == nil {
		return nil, syncerr.AttachError{Handle: value, Reason: "no such channel"}
	}

	if err := waitLive(ctx, root, ch, o); err != nil {
		ch.detach()
		return nil, syncerr.AttachError{Handle: value, Reason: "channel is not live", Err: err}
	}
	o.logger.Info("Joined document channel", zap.String("handle", value), zap.Int("length", ch.Sequence.Length()))
	return &Result{Mode: Joined, Channel: ch}, nil
}

// waitLive waits until the entry is published and the initial marker has been delivered to
// the replica.
func waitLive(ctx context.Context, root Root, ch *Channel, o *options) error {
	ctx, cancel := context.WithTimeout(ctx, o.joinTimeout)
	defer cancel()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		registered, err := root.IsRegistered(ctx, seqstore.TextKey)
		if err != nil {
			return errors.Wrap(err, "failed to check registration")
		}
		if registered && ch.Sequence.Length() > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "registered=%t length=%d", registered, ch.Sequence.Length())
		case <-ticker.C:
		}
	}
}
