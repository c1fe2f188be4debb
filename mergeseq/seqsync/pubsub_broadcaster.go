package seqsync

import (
	"context"
	"fmt"

	"prosesync/mergeseq/seqop"
	"prosesync/mergeseq/seqpubsub"
)

// PubSubBroadcaster는 seqpubsub를 사용하는 브로드캐스터 구현입니다.
type PubSubBroadcaster struct {
	// pubsub은 메시지를 발행하는 PubSub 인스턴스입니다.
	pubsub seqpubsub.PubSub

	// topicPrefix는 채널 ID 앞에 붙는 토픽 접두사입니다.
	topicPrefix string

	// format은 메시지 인코딩 형식입니다.
	format seqpubsub.EncodingFormat
}

// NewPubSubBroadcaster는 새 PubSub 브로드캐스터를 생성합니다.
func NewPubSubBroadcaster(pubsub seqpubsub.PubSub, topicPrefix string, format seqpubsub.EncodingFormat) (*PubSubBroadcaster, error) {
	if pubsub == nil {
		return nil, fmt.Errorf("pubsub cannot be nil")
	}
	if format == "" {
		format = seqpubsub.EncodingFormatJSON
	}
	return &PubSubBroadcaster{
		pubsub:      pubsub,
		topicPrefix: topicPrefix,
		format:      format,
	}, nil
}

// Topic은 채널의 토픽 이름을 반환합니다.
func (b *PubSubBroadcaster) Topic(channel string) string {
	return b.topicPrefix + channel
}

// Broadcast는 메시지를 채널 토픽에 발행합니다.
func (b *PubSubBroadcaster) Broadcast(ctx context.Context, channel string, msg *seqop.Message) error {
	if err := b.pubsub.Publish(ctx, b.Topic(channel), msg, b.format); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe는 채널 토픽을 구독합니다.
func (b *PubSubBroadcaster) Subscribe(ctx context.Context, channel string, subscriberID string, handler MessageHandler) error {
	return b.pubsub.Subscribe(ctx, b.Topic(channel), subscriberID,
		seqpubsub.SubscribeMessages(func(ctx context.Context, msg *seqop.Message) error {
			handler(msg)
			return nil
		}))
}

// Unsubscribe는 채널 토픽 구독을 해제합니다.
func (b *PubSubBroadcaster) Unsubscribe(ctx context.Context, channel string, subscriberID string) error {
	return b.pubsub.Unsubscribe(ctx, b.Topic(channel), subscriberID)
}

// Close는 PubSub을 종료합니다.
func (b *PubSubBroadcaster) Close() error {
	return b.pubsub.Close()
}
