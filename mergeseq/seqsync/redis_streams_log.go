package seqsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
)

// RedisStreamsOpLog는 Redis Streams를 사용하는 OpLog 구현입니다.
// 각 메시지는 ID "<seq>-1"로 스트림에 추가되므로 seq 순서와 스트림 순서가 같습니다.
// seq와 minSeq는 별도 필드로 저장되고 data 필드에는 제출된 메시지가 그대로 저장됩니다.
type RedisStreamsOpLog struct {
	// client는 Redis 클라이언트입니다.
	client *redis.Client

	// keyPrefix는 모든 키의 접두사입니다.
	keyPrefix string
}

// NewRedisStreamsOpLog는 새 Redis Streams 로그를 생성합니다.
func NewRedisStreamsOpLog(client *redis.Client, keyPrefix string) (*RedisStreamsOpLog, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if keyPrefix == "" {
		keyPrefix = "prosesync"
	}
	return &RedisStreamsOpLog{client: client, keyPrefix: keyPrefix}, nil
}

// StreamKey는 채널의 스트림 키를 반환합니다.
func (l *RedisStreamsOpLog) StreamKey(channel string) string {
	return fmt.Sprintf("%s:ops:%s", l.keyPrefix, channel)
}

func (l *RedisStreamsOpLog) seqKey(channel string) string {
	return fmt.Sprintf("%s:seq:%s", l.keyPrefix, channel)
}

func (l *RedisStreamsOpLog) clientsKey(channel string) string {
	return fmt.Sprintf("%s:clients:%s", l.keyPrefix, channel)
}

func streamID(seq int64) string {
	return fmt.Sprintf("%d-1", seq)
}

// Append는 이미 순서가 지정된 메시지를 추가합니다.
func (l *RedisStreamsOpLog) Append(ctx context.Context, channel string, msg *seqop.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := l.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: l.StreamKey(channel),
		ID:     streamID(msg.Seq),
		Values: map[string]interface{}{
			"seq":    msg.Seq,
			"minSeq": msg.MinSeq,
			"data":   data,
		},
	})
	pipe.Set(ctx, l.seqKey(channel), msg.Seq, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add message to stream: %w", err)
	}
	return nil
}

// Read는 from 이후의 메시지를 반환합니다.
func (l *RedisStreamsOpLog) Read(ctx context.Context, channel string, from int64) ([]*seqop.Message, error) {
	if from < 0 {
		from = 0
	}
	entries, err := l.client.XRange(ctx, l.StreamKey(channel), fmt.Sprintf("%d-0", from+1), "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	return decodeEntries(entries)
}

// Head는 마지막 seq를 반환합니다.
func (l *RedisStreamsOpLog) Head(ctx context.Context, channel string) (int64, error) {
	head, err := l.client.Get(ctx, l.seqKey(channel)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read head: %w", err)
	}
	return head, nil
}

// Tail은 after 이후의 메시지를 최대 block 동안 기다려 반환합니다.
func (l *RedisStreamsOpLog) Tail(ctx context.Context, channel string, after int64, block time.Duration) ([]*seqop.Message, error) {
	streams, err := l.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{l.StreamKey(channel), streamID(after)},
		Count:   100,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var result []*seqop.Message
	for _, stream := range streams {
		msgs, err := decodeEntries(stream.Messages)
		if err != nil {
			return nil, err
		}
		result = append(result, msgs...)
	}
	return result, nil
}

// Close는 아무 작업도 하지 않습니다. 클라이언트는 호출자가 소유합니다.
func (l *RedisStreamsOpLog) Close() error {
	return nil
}

func decodeEntries(entries []redis.XMessage) ([]*seqop.Message, error) {
	result := make([]*seqop.Message, 0, len(entries))
	for _, entry := range entries {
		msg, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, nil
}

func decodeEntry(entry redis.XMessage) (*seqop.Message, error) {
	data, ok := entry.Values["data"].(string)
	if !ok {
		return nil, common.ErrInvalidOperation{Message: "stream entry " + entry.ID + " has no data"}
	}
	var msg seqop.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode stream entry %s: %w", entry.ID, err)
	}
	if s, ok := entry.Values["seq"].(string); ok {
		seq, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid seq in stream entry %s: %w", entry.ID, err)
		}
		msg.Seq = seq
	}
	if s, ok := entry.Values["minSeq"].(string); ok {
		minSeq, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid minSeq in stream entry %s: %w", entry.ID, err)
		}
		msg.MinSeq = minSeq
	}
	return &msg, nil
}
