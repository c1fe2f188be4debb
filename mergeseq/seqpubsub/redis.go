package seqpubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
)

// RedisPubSub implements the PubSub interface on Redis pub/sub. One Redis subscription
// connection is shared; envelopes are fanned out to local subscribers in arrival order.
type RedisPubSub struct {
	// client is the Redis client.
	client *redis.Client
	// pubsub is the shared Redis subscription, created on first Subscribe.
	pubsub *redis.PubSub
	// options contains the configuration options.
	options *Options
	// subscriptions is a map of topic to local subscribers.
	subscriptions map[string][]*subscription
	// mutex protects the subscriptions map.
	mutex sync.RWMutex
	// closed indicates whether the PubSub has been closed.
	closed bool
	// ownsClient reports whether Close closes the client.
	ownsClient bool
}

// NewRedisPubSub creates a new RedisPubSub on client. The connection is checked with PING.
func NewRedisPubSub(client *redis.Client, options *Options) (*RedisPubSub, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if options == nil {
		options = NewOptions()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisPubSub{
		client:        client,
		options:       options,
		subscriptions: make(map[string][]*subscription),
	}, nil
}

// NewRedisPubSubFromURL dials url and owns the resulting client.
func NewRedisPubSubFromURL(url string, options *Options) (*RedisPubSub, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis url")
	}
	ps, err := NewRedisPubSub(redis.NewClient(opt), options)
	if err != nil {
		return nil, err
	}
	ps.ownsClient = true
	return ps, nil
}

// Publish publishes a message to the specified topic.
func (ps *RedisPubSub) Publish(ctx context.Context, topic string, msg *seqop.Message, format EncodingFormat) error {
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
func (ps *RedisPubSub) PublishRaw(ctx context.Context, topic string, data []byte, format EncodingFormat) error {
	ps.mutex.RLock()
	closed := ps.closed
	ps.mutex.RUnlock()
	if closed {
		return common.ErrClosed{Resource: "pubsub"}
	}
	if format == "" {
		format = ps.options.DefaultFormat
	}

	env := Envelope{
		Topic:    topic,
		Payload:  data,
		Format:   format,
		Metadata: map[string]string{"format": string(format)},
	}
	envData, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "failed to encode envelope")
	}
	if err := ps.client.Publish(ctx, topic, envData).Err(); err != nil {
		return errors.Wrapf(err, "failed to publish to %s", topic)
	}
	return nil
}

// Subscribe subscribes to the specified topic.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error {
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

	if ps.pubsub == nil {
		ps.pubsub = ps.client.Subscribe(context.Background())
		go ps.dispatch(ps.pubsub.Channel())
	}
	if len(ps.subscriptions[topic]) == 0 {
		if err := ps.pubsub.Subscribe(ctx, topic); err != nil {
			return errors.Wrapf(err, "failed to subscribe to topic %s", topic)
		}
	}

	sub := newSubscription(ctx, topic, subscriberID, handler, ps.options.logger())
	ps.subscriptions[topic] = append(ps.subscriptions[topic], sub)
	return nil
}

func (ps *RedisPubSub) dispatch(ch <-chan *redis.Message) {
	for msg := range ch {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			ps.options.logger().Warn("Failed to decode envelope", zap.String("topic", msg.Channel), zap.Error(err))
			continue
		}
		ps.mutex.RLock()
		for _, sub := range ps.subscriptions[msg.Channel] {
			sub.enqueue(env)
		}
		ps.mutex.RUnlock()
	}
}

// Unsubscribe unsubscribes from the specified topic.
func (ps *RedisPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
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
	if len(kept) > 0 {
		ps.subscriptions[topic] = kept
		return nil
	}
	delete(ps.subscriptions, topic)
	if err := ps.pubsub.Unsubscribe(ctx, topic); err != nil {
		return errors.Wrapf(err, "failed to unsubscribe from topic %s", topic)
	}
	return nil
}

// Close closes the PubSub.
func (ps *RedisPubSub) Close() error {
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

	if ps.pubsub != nil {
		if err := ps.pubsub.Close(); err != nil {
			return errors.Wrap(err, "failed to close pubsub client")
		}
	}
	if ps.ownsClient {
		if err := ps.client.Close(); err != nil {
			return errors.Wrap(err, "failed to close Redis client")
		}
	}
	return nil
}
