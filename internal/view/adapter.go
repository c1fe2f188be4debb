// Package view owns the local document and is the only way to change it.
package view

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"prosesync/internal/apply"
	"prosesync/internal/codec"
	"prosesync/internal/model"
	"prosesync/internal/pending"
	"prosesync/internal/syncerr"
	"prosesync/internal/translate"
	"prosesync/mergeseq/seqop"
	"prosesync/mergeseq/sequence"
)

var (
	ErrNotMounted            = errors.New("view is not mounted")
	ErrClosed                = errors.New("view is closed")
	ErrRemoteOutsideDelivery = errors.New("remote transaction outside of a delivery")
)

// History is the authoritative log of the channel. An adapter whose replica falls out of step
// rebuilds it from the log.
type History interface {
	Fetch(ctx context.Context, from int64) ([]*seqop.Message, error)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHistory sets the log used to rebuild the replica when a sequenced message cannot be merged.
func WithHistory(h History) Option {
	return func(a *Adapter) {
		a.history = h
	}
}

// WithFetchTimeout bounds how long a rebuild waits for the log. Defaults to 10s.
func WithFetchTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.fetchTimeout = d
		}
	}
}

// Container is the place an adapter renders into.
type Container interface {
	Render(html string) error
}

// Update is sent to subscribers after every committed transaction.
type Update struct {
	Doc       *model.Document
	Selection model.Selection
	Remote    bool
}

// Adapter owns the document and selection of one editor. Local transactions are translated to
// sequence ops while the adapter lock is held. Remote transactions only come from the applier,
// which runs inside Deliver under the same lock.
type Adapter struct {
	seq        *sequence.Sequence
	schema     model.Schema
	pending    *pending.Table
	translator *translate.Translator
	applier    *apply.Applier
	dispose    sequence.Disposer
	logger     *zap.Logger

	history      History
	fetchTimeout time.Duration

	mutex     sync.Mutex
	doc       *model.Document
	sel       model.Selection
	container Container
	closed    bool
	updates   []Update

	subscribers subscriberSet
}

// NewAdapter creates an adapter for seq and subscribes it to the sequence's deltas.
// The document is built on the first Mount.
func NewAdapter(seq *sequence.Sequence, schema model.Schema, logger *zap.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		seq:          seq,
		schema:       schema,
		pending:      pending.NewTable(),
		logger:       logger.With(zap.String("channel", seq.ID())),
		fetchTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.translator = translate.New(seq, a.pending, a.logger)
	a.applier = apply.New(seq, a.pending, deliveryEditor{a}, a.logger)
	a.dispose = seq.Subscribe(a.onDelta)
	return a
}

// onDelta runs inside Deliver. Before the first mount there is no document to update; mount
// decodes whatever the sequence holds by then.
func (a *Adapter) onDelta(delta sequence.Delta) {
	if a.doc == nil {
		if delta.IsLocal {
			a.pending.Ack(delta.LocalSeq)
		}
		return
	}
	a.applier.OnSequenceDelta(delta)
}

// Schema returns the schema the adapter was built with.
func (a *Adapter) Schema() model.Schema {
	return a.schema
}

// Pending returns the number of local ops not yet sequenced.
func (a *Adapter) Pending() int {
	return a.pending.Len()
}

// Resyncs returns how many times the document was rebuilt from the sequence.
func (a *Adapter) Resyncs() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.applier.Resyncs()
}

// Mount renders into container. The first mount decodes the sequence; later mounts move the
// existing document to the new container.
func (a *Adapter) Mount(container Container) error {
	a.mutex.Lock()
	if a.closed {
		a.mutex.Unlock()
		return ErrClosed
	}
	if a.doc == nil {
		doc, err := codec.Decode(a.seq.Segments())
		if err != nil {
			a.mutex.Unlock()
			return err
		}
		a.doc = doc
		a.sel = model.Cursor(0)
		if err := a.applier.Terminate(); err != nil {
			a.logger.Warn("Failed to close trailing block", zap.Error(err))
		}
	}
	a.container = container
	err := a.renderLocked()
	a.mutex.Unlock()
	return err
}

// ApplyTransaction applies tx. Local transactions are translated and submitted to the sequence;
// a transaction that cannot be translated leaves the document unchanged. Remote transactions
// are refused: they only reach the document through Deliver.
func (a *Adapter) ApplyTransaction(tx *model.Transaction) error {
	if tx.IsRemote() {
		return ErrRemoteOutsideDelivery
	}

	a.mutex.Lock()
	err := a.applyLocalLocked(tx)
	updates := a.takeUpdatesLocked()
	a.mutex.Unlock()

	a.publish(updates)
	return err
}

func (a *Adapter) applyLocalLocked(tx *model.Transaction) error {
	if a.closed {
		return ErrClosed
	}
	if a.doc == nil {
		return ErrNotMounted
	}
	res, err := tx.Apply(a.doc, a.sel)
	if err != nil {
		return err
	}

	submitted, err := a.translator.Translate(a.doc, res.Doc, res.Window)
	var stale syncerr.StaleBaseError
	var unsupported syncerr.UnsupportedStructureError
	switch {
	case err == nil:
	case errors.As(err, &stale):
		a.logger.Warn("Discarded transaction on stale document", zap.Error(err))
		if rerr := a.resyncLocked(); rerr != nil {
			a.logger.Error("Failed to resynchronize document", zap.Error(rerr))
		}
		return err
	case errors.As(err, &unsupported):
		return err
	case len(submitted) == 0:
		return err
	default:
		// the ops reached the sequence, only forwarding failed; keep the document in step
		a.commitLocked(res, false)
		return err
	}
	a.commitLocked(res, false)
	return nil
}

func (a *Adapter) applyRemoteLocked(tx *model.Transaction) error {
	if a.doc == nil {
		return ErrNotMounted
	}
	res, err := tx.Apply(a.doc, a.sel)
	if err != nil {
		return err
	}
	a.commitLocked(res, true)
	return nil
}

func (a *Adapter) commitLocked(res *model.Result, remote bool) {
	a.doc = res.Doc
	a.sel = res.Selection
	if err := a.renderLocked(); err != nil {
		a.logger.Warn("Failed to render", zap.Error(err))
	}
	if a.subscribers.len() > 0 {
		a.updates = append(a.updates, Update{Doc: a.doc.Clone(), Selection: a.sel, Remote: remote})
	}
}

func (a *Adapter) resyncLocked() error {
	return a.applier.Resync()
}

// Resync rebuilds the document from the sequence.
func (a *Adapter) Resync() error {
	a.mutex.Lock()
	if a.doc == nil {
		a.mutex.Unlock()
		return ErrNotMounted
	}
	err := a.resyncLocked()
	updates := a.takeUpdatesLocked()
	a.mutex.Unlock()

	a.publish(updates)
	return err
}

// Deliver feeds one sequenced message to the sequence. Deltas it produces are applied to the
// document before Deliver returns.
//
// A message the replica cannot take, because it does not merge or leaves a gap, means the replica
// is out of step. With a History the replica is rebuilt from the log and the document resynced;
// without one a DesyncError is returned.
func (a *Adapter) Deliver(msg *seqop.Message) error {
	a.mutex.Lock()
	if a.closed {
		a.mutex.Unlock()
		return ErrClosed
	}
	err := a.seq.Process(msg)
	if err != nil {
		err = a.rebuildLocked(msg, err)
	}
	updates := a.takeUpdatesLocked()
	a.mutex.Unlock()

	a.publish(updates)
	return err
}

func (a *Adapter) rebuildLocked(msg *seqop.Message, cause error) error {
	desync := syncerr.DesyncError{Seq: msg.Seq, Reason: cause.Error()}
	if a.history == nil {
		return desync
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.fetchTimeout)
	defer cancel()
	msgs, err := a.history.Fetch(ctx, 0)
	if err != nil {
		a.logger.Error("Failed to fetch channel log", zap.Int64("seq", msg.Seq), zap.Error(err))
		return errors.Wrapf(desync, "fetch log: %v", err)
	}
	if err := a.seq.Reset(msgs); err != nil {
		return errors.Wrapf(desync, "replay log: %v", err)
	}
	a.pending.Clear()
	a.logger.Warn("Rebuilt replica from channel log",
		zap.Int64("seq", msg.Seq),
		zap.Int64("current_seq", a.seq.CurrentSeq()),
		zap.NamedError("cause", cause))

	if a.doc == nil {
		return nil
	}
	if err := a.resyncLocked(); err != nil {
		return errors.Wrap(err, "failed to resynchronize document")
	}
	return nil
}

// CurrentDocument returns a copy of the document, nil before the first mount.
func (a *Adapter) CurrentDocument() *model.Document {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.doc.Clone()
}

// Selection returns the current selection.
func (a *Adapter) Selection() model.Selection {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.sel
}

// SetSelection moves the selection without changing the document.
func (a *Adapter) SetSelection(sel model.Selection) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.doc != nil {
		a.sel = sel.Clamp(a.doc)
	}
}

// Render returns the HTML of the current document.
func (a *Adapter) Render() string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.doc == nil {
		return ""
	}
	return RenderHTML(a.doc)
}

func (a *Adapter) renderLocked() error {
	if a.container == nil || a.doc == nil {
		return nil
	}
	return a.container.Render(RenderHTML(a.doc))
}

// Subscribe registers fn for every committed transaction. fn runs after the adapter lock is
// released.
func (a *Adapter) Subscribe(fn func(Update)) sequence.Disposer {
	return a.subscribers.add(fn)
}

func (a *Adapter) takeUpdatesLocked() []Update {
	updates := a.updates
	a.updates = nil
	return updates
}

func (a *Adapter) publish(updates []Update) {
	if len(updates) == 0 {
		return
	}
	fns := a.subscribers.snapshot()
	for _, u := range updates {
		for _, fn := range fns {
			fn(u)
		}
	}
}

// Close stops delta delivery and then releases the document.
func (a *Adapter) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.closed {
		return nil
	}
	a.dispose()
	a.closed = true
	a.doc = nil
	a.container = nil
	a.pending.Clear()
	return nil
}

// deliveryEditor exposes the adapter to the applier, which runs with the adapter lock held.
type deliveryEditor struct {
	a *Adapter
}

func (e deliveryEditor) State() (*model.Document, model.Selection) {
	return e.a.doc, e.a.sel
}

func (e deliveryEditor) ApplyTransaction(tx *model.Transaction) error {
	if !tx.IsRemote() {
		return errors.New("applier transaction must be remote")
	}
	return e.a.applyRemoteLocked(tx)
}
