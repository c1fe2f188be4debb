// Package component hosts the collaborative editor: a runtime that hands out channels of one
// document, the factory a host uses to instantiate editors and the editor itself.
package component

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"prosesync/internal/session"
	"prosesync/mergeseq/seqstore"
	"prosesync/mergeseq/seqsync"
)

// Host is what the embedding application provides for one component instance.
type Host struct {
	// ID is the document id.
	ID string
	// Existing is true when the host loaded a document it had seen before.
	Existing bool
	Root     *seqstore.RootStore
	Dialer   seqsync.Dialer
}

// Request is a request routed to a component.
type Request struct {
	URL string
}

// Response answers a Request.
type Response struct {
	MimeType string
	Status   int
	Value    interface{}
}

// RequestHandler serves requests for a component.
type RequestHandler func(ctx context.Context, req Request) (*Response, error)

// Runtime gives a component access to its document root and channels.
type Runtime struct {
	host     Host
	provider *session.DialProvider
	logger   *zap.Logger

	mutex    sync.Mutex
	handler  RequestHandler
	channels []*session.Channel
	closed   bool
}

var _ session.ChannelProvider = (*Runtime)(nil)

// NewRuntime creates the runtime of one component instance.
func NewRuntime(host Host, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("document", host.ID))
	return &Runtime{
		host:     host,
		provider: session.NewDialProvider(host.ID, host.Dialer, logger),
		logger:   logger,
	}
}

// ID returns the document id.
func (r *Runtime) ID() string {
	return r.host.ID
}

// Existing reports whether the host loaded an existing document.
func (r *Runtime) Existing() bool {
	return r.host.Existing
}

// RootStore returns the document root.
func (r *Runtime) RootStore() *seqstore.RootStore {
	return r.host.Root
}

// CreateSequence opens a new channel of the document.
func (r *Runtime) CreateSequence(ctx context.Context) (*session.Channel, error) {
	ch, err := r.provider.CreateSequence(ctx)
	if err != nil {
		return nil, err
	}
	return r.track(ch)
}

// GetChannel opens the channel named by handle.
func (r *Runtime) GetChannel(ctx context.Context, handle seqstore.Handle) (*session.Channel, error) {
	ch, err := r.provider.GetChannel(ctx, handle)
	if err != nil {
		return nil, err
	}
	return r.track(ch)
}

func (r *Runtime) track(ch *session.Channel) (*session.Channel, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.closed {
		ch.Detach()
		return nil, ErrClosed
	}
	r.channels = append(r.channels, ch)
	return ch, nil
}

// RegisterRequestHandler installs the handler Request routes to.
func (r *Runtime) RegisterRequestHandler(handler RequestHandler) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.handler = handler
}

// Request routes req to the registered handler. Without one it answers 404.
func (r *Runtime) Request(ctx context.Context, req Request) (*Response, error) {
	r.mutex.Lock()
	handler := r.handler
	r.mutex.Unlock()

	if handler == nil {
		return &Response{MimeType: "text/plain", Status: http.StatusNotFound, Value: "no request handler"}, nil
	}
	return handler(ctx, req)
}

// Close detaches every channel the runtime opened.
func (r *Runtime) Close() error {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return nil
	}
	r.closed = true
	channels := r.channels
	r.channels = nil
	r.mutex.Unlock()

	var firstErr error
	for _, ch := range channels {
		if ch.Detach == nil {
			continue
		}
		if err := ch.Detach(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
