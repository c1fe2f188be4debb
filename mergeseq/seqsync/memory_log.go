package seqsync

import (
	"context"
	"fmt"
	"sync"

	"prosesync/mergeseq/seqop"
)

// MemoryOpLog는 메모리 기반 OpLog 구현입니다.
type MemoryOpLog struct {
	// messages는 채널 ID에서 메시지 목록으로의 맵입니다. 인덱스 i에는 seq i+1이 있습니다.
	messages map[string][]*seqop.Message

	// mutex는 맵에 대한 동시 접근을 보호합니다.
	mutex sync.RWMutex
}

// NewMemoryOpLog는 새 메모리 로그를 생성합니다.
func NewMemoryOpLog() *MemoryOpLog {
	return &MemoryOpLog{
		messages: make(map[string][]*seqop.Message),
	}
}

// Append는 메시지를 추가합니다.
func (l *MemoryOpLog) Append(ctx context.Context, channel string, msg *seqop.Message) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	head := int64(len(l.messages[channel]))
	if msg.Seq != head+1 {
		return fmt.Errorf("non-contiguous append to %s: head %d, seq %d", channel, head, msg.Seq)
	}
	l.messages[channel] = append(l.messages[channel], msg.Clone())
	return nil
}

// Read는 from 이후의 메시지를 반환합니다.
func (l *MemoryOpLog) Read(ctx context.Context, channel string, from int64) ([]*seqop.Message, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	messages := l.messages[channel]
	if from < 0 {
		from = 0
	}
	if from >= int64(len(messages)) {
		return nil, nil
	}
	result := make([]*seqop.Message, 0, int64(len(messages))-from)
	for _, msg := range messages[from:] {
		result = append(result, msg.Clone())
	}
	return result, nil
}

// Head는 마지막 seq를 반환합니다.
func (l *MemoryOpLog) Head(ctx context.Context, channel string) (int64, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return int64(len(l.messages[channel])), nil
}

// Close는 로그를 종료합니다.
func (l *MemoryOpLog) Close() error {
	return nil
}
