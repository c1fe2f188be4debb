package seqsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
)

// submitScript는 seq 할당, 클라이언트 참조 seq 갱신, minSeq 계산, 스트림 추가를 원자적으로 수행합니다.
// KEYS: 스트림, seq 카운터, 클라이언트 해시. ARGV: 클라이언트 ID, refSeq, 메시지 JSON.
var submitScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
local min = seq
for _, v in ipairs(redis.call('HVALS', KEYS[3])) do
  local n = tonumber(v)
  if n < min then min = n end
end
redis.call('XADD', KEYS[1], seq .. '-1', 'seq', seq, 'minSeq', min, 'data', ARGV[3])
return {seq, min}
`)

// joinScript는 클라이언트를 현재 head 위치로 등록합니다.
// KEYS: seq 카운터, 클라이언트 해시. ARGV: 클라이언트 ID.
var joinScript = redis.NewScript(`
local head = tonumber(redis.call('GET', KEYS[1]) or '0')
redis.call('HSETNX', KEYS[2], ARGV[1], head)
return head
`)

// RedisConnection은 Redis를 순서 서비스로 사용하는 연결입니다.
// 제출은 Lua 스크립트로 순서가 지정되고, 수신은 XREAD로 스트림을 따라갑니다.
type RedisConnection struct {
	log      *RedisStreamsOpLog
	channel  string
	clientID common.ClientID
	logger   *zap.Logger

	// block은 XREAD 대기 시간입니다.
	block time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex     sync.Mutex
	listening bool
	closed    bool
}

// NewRedisConnection은 클라이언트를 채널에 등록하고 연결을 반환합니다.
func NewRedisConnection(ctx context.Context, log *RedisStreamsOpLog, channel string, clientID common.ClientID, logger *zap.Logger) (*RedisConnection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	keys := []string{log.seqKey(channel), log.clientsKey(channel)}
	if err := joinScript.Run(ctx, log.client, keys, clientID.String()).Err(); err != nil {
		return nil, fmt.Errorf("failed to join channel %s: %w", channel, err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	return &RedisConnection{
		log:      log,
		channel:  channel,
		clientID: clientID,
		logger:   logger.With(zap.String("channel", channel), zap.String("client", clientID.Short())),
		block:    time.Second,
		ctx:      connCtx,
		cancel:   cancel,
	}, nil
}

// ClientID는 클라이언트 ID를 반환합니다.
func (c *RedisConnection) ClientID() common.ClientID {
	return c.clientID
}

// Submit은 Lua 스크립트로 메시지에 순서를 지정합니다.
func (c *RedisConnection) Submit(ctx context.Context, msg *seqop.Message) error {
	if err := msg.Op.Validate(); err != nil {
		return err
	}
	out := msg.Clone()
	out.Timestamp = time.Now().UnixNano()
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	keys := []string{c.log.StreamKey(c.channel), c.log.seqKey(c.channel), c.log.clientsKey(c.channel)}
	if err := submitScript.Run(ctx, c.log.client, keys, c.clientID.String(), msg.RefSeq, data).Err(); err != nil {
		return fmt.Errorf("failed to submit message: %w", err)
	}
	return nil
}

// Fetch는 from 이후의 메시지를 반환합니다.
func (c *RedisConnection) Fetch(ctx context.Context, from int64) ([]*seqop.Message, error) {
	return c.log.Read(ctx, c.channel, from)
}

// Listen은 현재 head 이후의 메시지를 따라가는 고루틴을 시작합니다.
func (c *RedisConnection) Listen(ctx context.Context, handler MessageHandler) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return common.ErrClosed{Resource: "connection"}
	}
	if c.listening {
		return fmt.Errorf("already listening on channel %s", c.channel)
	}

	head, err := c.log.Head(ctx, c.channel)
	if err != nil {
		return err
	}
	c.listening = true
	c.wg.Add(1)
	go c.follow(head, handler)
	return nil
}

func (c *RedisConnection) follow(after int64, handler MessageHandler) {
	defer c.wg.Done()
	for {
		msgs, err := c.log.Tail(c.ctx, c.channel, after, c.block)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("Failed to read stream", zap.Error(err))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		for _, msg := range msgs {
			if c.ctx.Err() != nil {
				return
			}
			handler(msg)
			after = msg.Seq
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

// Close는 수신을 중지하고 클라이언트를 채널에서 제거합니다.
func (c *RedisConnection) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	c.mutex.Unlock()

	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.log.client.HDel(ctx, c.log.clientsKey(c.channel), c.clientID.String()).Err(); err != nil {
		return fmt.Errorf("failed to leave channel %s: %w", c.channel, err)
	}
	return nil
}

// RedisDialer는 Redis 연결을 생성합니다.
type RedisDialer struct {
	Log    *RedisStreamsOpLog
	Logger *zap.Logger
}

// Dial은 새 RedisConnection을 생성합니다.
func (d *RedisDialer) Dial(ctx context.Context, channel string, clientID common.ClientID) (Connection, error) {
	return NewRedisConnection(ctx, d.Log, channel, clientID, d.Logger)
}
