package seqpubsub

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// subscription delivers the envelopes of one subscriber in order from its own goroutine.
type subscription struct {
	topic        string
	subscriberID string
	handler      SubscriberFunc
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mutex  sync.Mutex
	queue  []Envelope
	signal chan struct{}
}

func newSubscription(ctx context.Context, topic, subscriberID string, handler SubscriberFunc, logger *zap.Logger) *subscription {
	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		topic:        topic,
		subscriberID: subscriberID,
		handler:      handler,
		logger:       logger,
		ctx:          subCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
		signal:       make(chan struct{}, 1),
	}
	go s.run()
	return s
}

func (s *subscription) enqueue(env Envelope) {
	s.mutex.Lock()
	s.queue = append(s.queue, env)
	s.mutex.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.signal:
		}

		for {
			s.mutex.Lock()
			batch := s.queue
			s.queue = nil
			s.mutex.Unlock()
			if len(batch) == 0 {
				break
			}

			for _, env := range batch {
				if s.ctx.Err() != nil {
					return
				}
				if err := s.handler(s.ctx, env.Topic, env.Payload, env.Format); err != nil {
					s.logger.Warn("Subscriber failed to handle message",
						zap.String("topic", env.Topic),
						zap.String("subscriber", s.subscriberID),
						zap.Error(err))
				}
			}
		}
	}
}

// stop cancels the subscription. A handler already running finishes; nothing queued after it runs.
func (s *subscription) stop() {
	s.cancel()
}
