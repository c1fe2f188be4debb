package seqpubsub

import (
	"context"

	"go.uber.org/zap"

	"prosesync/mergeseq/seqop"
)

// EncodingFormat represents the format used to encode sequence messages.
type EncodingFormat string

const (
	// EncodingFormatJSON represents JSON encoding.
	EncodingFormatJSON EncodingFormat = "json"
	// EncodingFormatText represents JSON encoding sent as a text frame.
	EncodingFormatText EncodingFormat = "text"
	// EncodingFormatBase64 represents base64 over JSON encoding.
	EncodingFormatBase64 EncodingFormat = "base64"
)

// Envelope is a published message as it travels over a topic.
type Envelope struct {
	// Topic is the topic the message was published to.
	Topic string `json:"topic"`
	// Payload is the encoded message.
	Payload []byte `json:"payload"`
	// Format is the encoding format used for the payload.
	Format EncodingFormat `json:"format"`
	// Metadata is optional metadata associated with the message.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SubscriberFunc handles a received payload.
type SubscriberFunc func(ctx context.Context, topic string, data []byte, format EncodingFormat) error

// Publisher publishes sequenced messages to topics.
type Publisher interface {
	// Publish encodes msg and publishes it to topic.
	Publish(ctx context.Context, topic string, msg *seqop.Message, format EncodingFormat) error
	// PublishRaw publishes already encoded data to topic.
	PublishRaw(ctx context.Context, topic string, data []byte, format EncodingFormat) error
	// Close closes the publisher.
	Close() error
}

// Subscriber delivers published payloads to handlers. Every subscription receives the
// messages of its topic in publish order, one at a time.
type Subscriber interface {
	// Subscribe registers handler for topic under subscriberID.
	Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error
	// Unsubscribe removes the subscription of subscriberID from topic.
	Unsubscribe(ctx context.Context, topic string, subscriberID string) error
	// Close closes the subscriber.
	Close() error
}

// PubSub combines the Publisher and Subscriber interfaces.
type PubSub interface {
	Publisher
	Subscriber
}

// Options represents configuration options for a PubSub implementation.
type Options struct {
	// DefaultFormat is the default encoding format to use.
	DefaultFormat EncodingFormat
	// Logger receives handler failures.
	Logger *zap.Logger
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		DefaultFormat: EncodingFormatJSON,
		Logger:        zap.NewNop(),
	}
}

func (o *Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// SubscribeMessages adapts a message handler to a SubscriberFunc that decodes each payload.
func SubscribeMessages(handler func(ctx context.Context, msg *seqop.Message) error) SubscriberFunc {
	return func(ctx context.Context, topic string, data []byte, format EncodingFormat) error {
		decoder, err := GetEncoderDecoder(format)
		if err != nil {
			return err
		}
		msg, err := decoder.Decode(data)
		if err != nil {
			return err
		}
		return handler(ctx, msg)
	}
}
