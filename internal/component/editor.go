package component

import (
	"context"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"prosesync/internal/model"
	"prosesync/internal/session"
	"prosesync/internal/view"
	"prosesync/mergeseq/seqop"
	"prosesync/mergeseq/seqstore"
	"prosesync/mergeseq/sequence"
)

// MimeType is the mime type of a response that carries a component.
const MimeType = "component-reference"

var ErrClosed = errors.New("component is closed")

// Factory instantiates editors. The host creates one and passes it to whoever loads documents.
type Factory struct {
	schema model.Schema
	logger *zap.Logger
}

// NewFactory creates a factory whose editors use schema.
func NewFactory(schema model.Schema, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{schema: schema, logger: logger}
}

// Instantiate builds the runtime for host, loads an editor on it and routes the runtime's
// requests to the editor.
func (f *Factory) Instantiate(ctx context.Context, host Host) (*Editor, error) {
	rt := NewRuntime(host, f.logger)
	editor, err := Load(ctx, rt, f.schema, f.logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.RegisterRequestHandler(editor.Request)
	return editor, nil
}

// Editor is one collaborative rich-text editor bound to the document's text channel.
type Editor struct {
	runtime *Runtime
	result  *session.Result
	adapter *view.Adapter
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// inbound delivery queue, drained by deliveryLoop
	inMutex  sync.Mutex
	inbound  []*seqop.Message
	signal   chan struct{}
	inFlight bool

	closeOnce sync.Once
}

// Load attaches to the document's text channel through rt and starts delivering sequenced
// messages to a new view adapter.
func Load(ctx context.Context, rt *Runtime, schema model.Schema, logger *zap.Logger) (*Editor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	result, err := session.Attach(ctx, rt.RootStore(), rt, session.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if rt.Existing() && result.Mode == session.Created {
		logger.Warn("Existing document had no text channel, created one", zap.String("handle", result.Handle().String()))
	}

	logger = logger.With(zap.String("handle", result.Handle().String()), zap.Stringer("mode", result.Mode))
	var opts []view.Option
	if dm := result.Channel.Deltas; dm != nil {
		opts = append(opts, view.WithHistory(dm))
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	e := &Editor{
		runtime: rt,
		result:  result,
		adapter: view.NewAdapter(result.Sequence(), schema, logger, opts...),
		logger:  logger,
		ctx:     loopCtx,
		cancel:  cancel,
		signal:  make(chan struct{}, 1),
	}

	if dm := result.Channel.Deltas; dm != nil {
		dm.SetHandler(e.enqueue)
	}
	e.wg.Add(1)
	go e.deliveryLoop()

	logger.Info("Editor loaded", zap.Int("length", result.Sequence().Length()))
	return e, nil
}

func (e *Editor) enqueue(msg *seqop.Message) {
	e.inMutex.Lock()
	e.inbound = append(e.inbound, msg)
	e.inMutex.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Editor) deliveryLoop() {
	defer e.wg.Done()
	for {
		e.inMutex.Lock()
		batch := e.inbound
		e.inbound = nil
		e.inFlight = len(batch) > 0
		e.inMutex.Unlock()

		if len(batch) == 0 {
			select {
			case <-e.ctx.Done():
				return
			case <-e.signal:
				continue
			}
		}

		for _, msg := range batch {
			if err := e.adapter.Deliver(msg); err != nil {
				if errors.Is(err, view.ErrClosed) {
					return
				}
				e.logger.Error("Failed to deliver message", zap.Int64("seq", msg.Seq), zap.Error(err))
			}
		}

		e.inMutex.Lock()
		e.inFlight = false
		e.inMutex.Unlock()
	}
}

// Request answers every request with the editor itself.
func (e *Editor) Request(_ context.Context, _ Request) (*Response, error) {
	return &Response{MimeType: MimeType, Status: http.StatusOK, Value: e}, nil
}

// Render mounts the editor into container. Rendering again into another container moves it.
func (e *Editor) Render(container view.Container) error {
	return e.adapter.Mount(container)
}

// Dispatch applies a local transaction.
func (e *Editor) Dispatch(tx *model.Transaction) error {
	return e.adapter.ApplyTransaction(tx)
}

// Document returns a copy of the current document, nil before the first Render.
func (e *Editor) Document() *model.Document {
	return e.adapter.CurrentDocument()
}

// Adapter returns the view adapter.
func (e *Editor) Adapter() *view.Adapter {
	return e.adapter
}

// Mode tells whether the editor created the document.
func (e *Editor) Mode() session.Mode {
	return e.result.Mode
}

// Handle returns the handle of the text channel.
func (e *Editor) Handle() seqstore.Handle {
	return e.result.Handle()
}

// Sequence returns the replica of the text channel.
func (e *Editor) Sequence() *sequence.Sequence {
	return e.result.Sequence()
}

// Settled reports whether nothing sent by this editor is unacknowledged and nothing received
// is waiting for delivery.
func (e *Editor) Settled() bool {
	e.inMutex.Lock()
	queued := len(e.inbound) > 0 || e.inFlight
	e.inMutex.Unlock()
	if queued {
		return false
	}
	if dm := e.result.Channel.Deltas; dm != nil && dm.Pending() > 0 {
		return false
	}
	return e.adapter.Pending() == 0 && e.result.Sequence().PendingCount() == 0
}

// Close stops deliveries, releases the document and detaches the runtime's channels.
func (e *Editor) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if dm := e.result.Channel.Deltas; dm != nil {
			dm.SetHandler(nil)
		}
		e.cancel()
		e.wg.Wait()
		if cerr := e.adapter.Close(); cerr != nil {
			err = cerr
		}
		if cerr := e.runtime.Close(); cerr != nil && err == nil {
			err = cerr
		}
		e.logger.Info("Editor closed")
	})
	return err
}
