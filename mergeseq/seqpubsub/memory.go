package seqpubsub

import (
	"context"
	"fmt"
	"sync"

	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
)

// MemoryPubSub implements the PubSub interface in process.
type MemoryPubSub struct {
	// options contains the configuration options.
	options *Options
	// subscriptions is a map of topic to subscriptions.
	subscriptions map[string][]*subscription
	// mutex protects the subscriptions map.
	mutex sync.RWMutex
	// closed indicates whether the PubSub has been closed.
	closed bool
}

// NewMemoryPubSub creates a new MemoryPubSub with the specified options.
func NewMemoryPubSub(options *Options) *MemoryPubSub {
	if options == nil {
		options = NewOptions()
	}
	return &MemoryPubSub{
		options:       options,
		subscriptions: make(map[string][]*subscription),
	}
}

// Publish publishes a message to the specified topic.
func (ps *MemoryPubSub) Publish(ctx context.Context, topic string, msg *seqop.Message, format EncodingFormat) error {
	if format == "" {
		format = ps.options.DefaultFormat
	}
	encoder, err := GetEncoderDecoder(format)
	if err != nil {
		return err
	}
	data, err := encoder.Encode(msg)
	if err != nil {
		return err
	}
	return ps.PublishRaw(ctx, topic, data, format)
}

// PublishRaw publishes raw data to the specified topic.
func (ps *MemoryPubSub) PublishRaw(ctx context.Context, topic string, data []byte, format EncodingFormat) error {
	if format == "" {
		format = ps.options.DefaultFormat
	}
	env := Envelope{
		Topic:    topic,
		Payload:  data,
		Format:   format,
		Metadata: map[string]string{"format": string(format)},
	}

	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	if ps.closed {
		return common.ErrClosed{Resource: "pubsub"}
	}
	// No subscribers: the message is dropped.
	for _, sub := range ps.subscriptions[topic] {
		sub.enqueue(env)
	}
	return nil
}

// Subscribe subscribes to the specified topic.
func (ps *MemoryPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	if ps.closed {
		return common.ErrClosed{Resource: "pubsub"}
	}
	for _, sub := range ps.subscriptions[topic] {
		if sub.subscriberID == subscriberID {
			return fmt.Errorf("already subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
		}
	}
	sub := newSubscription(ctx, topic, subscriberID, handler, ps.options.logger())
	ps.subscriptions[topic] = append(ps.subscriptions[topic], sub)
	return nil
}

// Unsubscribe unsubscribes from the specified topic.
func (ps *MemoryPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	if ps.closed {
		return common.ErrClosed{Resource: "pubsub"}
	}

	subscribers := ps.subscriptions[topic]
	kept := make([]*subscription, 0, len(subscribers))
	found := false
	for _, sub := range subscribers {
		if sub.subscriberID == subscriberID {
			sub.stop()
			found = true
			continue
		}
		kept = append(kept, sub)
	}
	if !found {
		return common.ErrNotFound{Message: fmt.Sprintf("subscriber %s for topic %s", subscriberID, topic)}
	}
	if len(kept) == 0 {
		delete(ps.subscriptions, topic)
	} else {
		ps.subscriptions[topic] = kept
	}
	return nil
}

// SubscriberCount returns the number of subscribers of topic.
func (ps *MemoryPubSub) SubscriberCount(topic string) int {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	return len(ps.subscriptions[topic])
}

// Close closes the PubSub.
func (ps *MemoryPubSub) Close() error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	for _, subscribers := range ps.subscriptions {
		for _, sub := range subscribers {
			sub.stop()
		}
	}
	ps.subscriptions = make(map[string][]*subscription)
	return nil
}
