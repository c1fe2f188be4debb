package seqsync

import (
	"context"
	"sync"

	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
)

// LocalConnection은 프로세스 내 Service에 대한 연결입니다.
type LocalConnection struct {
	service     *Service
	broadcaster *PubSubBroadcaster
	channel     string
	clientID    common.ClientID

	mutex     sync.Mutex
	listening bool
	closed    bool
}

// NewLocalConnection은 클라이언트를 채널에 등록하고 연결을 반환합니다.
func NewLocalConnection(ctx context.Context, service *Service, broadcaster *PubSubBroadcaster, channel string, clientID common.ClientID) (*LocalConnection, error) {
	if _, err := service.Join(ctx, channel, clientID); err != nil {
		return nil, err
	}
	return &LocalConnection{
		service:     service,
		broadcaster: broadcaster,
		channel:     channel,
		clientID:    clientID,
	}, nil
}

// ClientID는 클라이언트 ID를 반환합니다.
func (c *LocalConnection) ClientID() common.ClientID {
	return c.clientID
}

// Submit은 메시지를 시퀀서에 제출합니다.
func (c *LocalConnection) Submit(ctx context.Context, msg *seqop.Message) error {
	c.mutex.Lock()
	closed := c.closed
	c.mutex.Unlock()
	if closed {
		return common.ErrClosed{Resource: "connection"}
	}
	_, err := c.service.Submit(ctx, c.channel, msg)
	return err
}

// Fetch는 from 이후의 메시지를 반환합니다.
func (c *LocalConnection) Fetch(ctx context.Context, from int64) ([]*seqop.Message, error) {
	return c.service.Read(ctx, c.channel, from)
}

// Listen은 채널 토픽을 구독합니다.
func (c *LocalConnection) Listen(ctx context.Context, handler MessageHandler) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return common.ErrClosed{Resource: "connection"}
	}
	if err := c.broadcaster.Subscribe(ctx, c.channel, c.clientID.String(), handler); err != nil {
		return err
	}
	c.listening = true
	return nil
}

// Close는 구독을 해제하고 클라이언트를 채널에서 제거합니다.
func (c *LocalConnection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	ctx := context.Background()
	if c.listening {
		if err := c.broadcaster.Unsubscribe(ctx, c.channel, c.clientID.String()); err != nil {
			return err
		}
	}
	return c.service.Leave(ctx, c.channel, c.clientID)
}

// LocalDialer는 프로세스 내 Service에 대한 연결을 생성합니다.
type LocalDialer struct {
	Service     *Service
	Broadcaster *PubSubBroadcaster
}

// Dial은 새 LocalConnection을 생성합니다.
func (d *LocalDialer) Dial(ctx context.Context, channel string, clientID common.ClientID) (Connection, error) {
	return NewLocalConnection(ctx, d.Service, d.Broadcaster, channel, clientID)
}
