package seqsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
)

// DeltaManager는 한 레플리카와 연결 사이의 메시지 흐름을 관리합니다.
//
// 송신 측은 제한 없는 FIFO 큐와 전송 고루틴으로 구성되며 Submit은 차단되지 않습니다.
// 수신 측은 로그에서 따라잡기를 수행하고, 중복 메시지를 버리고, 누락된 구간을 로그에서 채운 뒤
// 핸들러를 seq 순서대로 하나씩 호출합니다.
type DeltaManager struct {
	conn   Connection
	logger *zap.Logger

	// retryDelay는 전송 실패 후 재시도 전 대기 시간입니다.
	retryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// 송신 큐
	outMutex sync.Mutex
	outbound []*seqop.Message
	signal   chan struct{}

	// 수신 상태
	inMutex  sync.Mutex
	lastSeq  int64
	buffered map[int64]*seqop.Message
	handler  MessageHandler

	started bool
	closed  bool
}

// NewDeltaManager는 새 DeltaManager를 생성합니다.
func NewDeltaManager(conn Connection, logger *zap.Logger) *DeltaManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DeltaManager{
		conn:       conn,
		logger:     logger.With(zap.String("client", conn.ClientID().Short())),
		retryDelay: 200 * time.Millisecond,
		ctx:        ctx,
		cancel:     cancel,
		signal:     make(chan struct{}, 1),
		buffered:   make(map[int64]*seqop.Message),
	}
}

// Connection은 연결을 반환합니다.
func (dm *DeltaManager) Connection() Connection {
	return dm.conn
}

// SetHandler는 수신 핸들러를 교체합니다. 진행 중인 전달이 끝난 뒤 적용됩니다.
func (dm *DeltaManager) SetHandler(handler MessageHandler) {
	dm.inMutex.Lock()
	defer dm.inMutex.Unlock()
	dm.handler = handler
}

// LastSeq는 마지막으로 전달된 seq를 반환합니다.
func (dm *DeltaManager) LastSeq() int64 {
	dm.inMutex.Lock()
	defer dm.inMutex.Unlock()
	return dm.lastSeq
}

// Start는 수신을 구독하고 from 이후의 메시지를 로그에서 따라잡은 뒤 전송 고루틴을 시작합니다.
// 반환 시점에는 구독 시점까지의 모든 메시지가 핸들러에 전달되어 있습니다.
func (dm *DeltaManager) Start(ctx context.Context, from int64, handler MessageHandler) error {
	dm.inMutex.Lock()
	if dm.started {
		dm.inMutex.Unlock()
		return fmt.Errorf("delta manager already started")
	}
	dm.started = true
	dm.lastSeq = from
	dm.handler = handler
	dm.inMutex.Unlock()

	if err := dm.conn.Listen(dm.ctx, dm.receive); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	dm.inMutex.Lock()
	err := dm.catchUpLocked(ctx)
	dm.inMutex.Unlock()
	if err != nil {
		return fmt.Errorf("failed to catch up: %w", err)
	}

	dm.wg.Add(1)
	go dm.sendLoop()
	return nil
}

// Fetch는 연결을 통해 로그에서 from 이후의 메시지를 가져옵니다. 수신 상태는 바뀌지 않습니다.
// 레플리카가 어긋났을 때 로그 전체로 다시 구성하는 데 사용됩니다.
func (dm *DeltaManager) Fetch(ctx context.Context, from int64) ([]*seqop.Message, error) {
	return dm.conn.Fetch(ctx, from)
}

// Submit은 메시지를 송신 큐에 넣습니다. sequence.Outbox를 구현합니다.
func (dm *DeltaManager) Submit(msg *seqop.Message) error {
	dm.outMutex.Lock()
	if dm.closed {
		dm.outMutex.Unlock()
		return common.ErrClosed{Resource: "delta manager"}
	}
	dm.outbound = append(dm.outbound, msg)
	dm.outMutex.Unlock()

	select {
	case dm.signal <- struct{}{}:
	default:
	}
	return nil
}

// Pending은 아직 전송되지 않은 메시지 수를 반환합니다.
func (dm *DeltaManager) Pending() int {
	dm.outMutex.Lock()
	defer dm.outMutex.Unlock()
	return len(dm.outbound)
}

func (dm *DeltaManager) sendLoop() {
	defer dm.wg.Done()
	for {
		dm.outMutex.Lock()
		var msg *seqop.Message
		if len(dm.outbound) > 0 {
			msg = dm.outbound[0]
		}
		dm.outMutex.Unlock()

		if msg == nil {
			select {
			case <-dm.ctx.Done():
				return
			case <-dm.signal:
				continue
			}
		}

		if err := dm.conn.Submit(dm.ctx, msg); err != nil {
			if dm.ctx.Err() != nil {
				return
			}
			dm.logger.Warn("Failed to submit message, retrying",
				zap.Int64("clientSeq", msg.ClientSeq),
				zap.Error(err))
			select {
			case <-dm.ctx.Done():
				return
			case <-time.After(dm.retryDelay):
			}
			continue
		}

		dm.outMutex.Lock()
		dm.outbound = dm.outbound[1:]
		dm.outMutex.Unlock()
	}
}

// receive는 연결에서 받은 메시지를 처리합니다.
func (dm *DeltaManager) receive(msg *seqop.Message) {
	dm.inMutex.Lock()
	defer dm.inMutex.Unlock()

	if msg.Seq <= dm.lastSeq {
		return
	}
	if msg.Seq > dm.lastSeq+1 {
		dm.buffered[msg.Seq] = msg
		if err := dm.catchUpLocked(dm.ctx); err != nil {
			dm.logger.Warn("Failed to fill gap", zap.Int64("lastSeq", dm.lastSeq), zap.Int64("seq", msg.Seq), zap.Error(err))
		}
		return
	}
	dm.deliverLocked(msg)
	dm.drainLocked()
}

// catchUpLocked는 로그에서 lastSeq 이후의 메시지를 가져와 전달합니다.
func (dm *DeltaManager) catchUpLocked(ctx context.Context) error {
	msgs, err := dm.conn.Fetch(ctx, dm.lastSeq)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.Seq == dm.lastSeq+1 {
			dm.deliverLocked(msg)
		}
	}
	dm.drainLocked()
	return nil
}

func (dm *DeltaManager) drainLocked() {
	for {
		next, ok := dm.buffered[dm.lastSeq+1]
		if !ok {
			break
		}
		dm.deliverLocked(next)
	}
	for seq := range dm.buffered {
		if seq <= dm.lastSeq {
			delete(dm.buffered, seq)
		}
	}
}

func (dm *DeltaManager) deliverLocked(msg *seqop.Message) {
	dm.lastSeq = msg.Seq
	delete(dm.buffered, msg.Seq)
	if dm.handler != nil {
		dm.handler(msg)
	}
}

// Close는 전송 고루틴을 중지하고 연결을 닫습니다. 전송되지 않은 메시지는 버려집니다.
func (dm *DeltaManager) Close() error {
	dm.outMutex.Lock()
	if dm.closed {
		dm.outMutex.Unlock()
		return nil
	}
	dm.closed = true
	dropped := len(dm.outbound)
	dm.outMutex.Unlock()

	dm.cancel()
	dm.wg.Wait()
	if dropped > 0 {
		dm.logger.Warn("Closing with unsent messages", zap.Int("count", dropped))
	}
	return dm.conn.Close()
}
