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

// Sequencer는 한 채널의 메시지에 전체 순서를 부여합니다.
// seq를 할당하고, minSeq를 계산하고, 로그에 추가한 뒤 브로드캐스트합니다.
type Sequencer struct {
	// channel은 채널 ID입니다.
	channel string

	// head는 마지막으로 할당된 seq입니다.
	head int64

	// clients는 연결된 클라이언트의 참조 seq 테이블입니다.
	clients *ClientTable

	// log는 순서가 지정된 메시지를 보관합니다.
	log OpLog

	// broadcaster는 순서가 지정된 메시지를 구독자에게 전달합니다. nil일 수 있습니다.
	broadcaster Broadcaster

	logger *zap.Logger

	// mutex는 seq 할당을 직렬화합니다.
	mutex sync.Mutex
}

// NewSequencer는 로그의 head에서 시작하는 새 시퀀서를 생성합니다.
func NewSequencer(ctx context.Context, channel string, log OpLog, broadcaster Broadcaster, logger *zap.Logger) (*Sequencer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	head, err := log.Head(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to read log head: %w", err)
	}
	return &Sequencer{
		channel:     channel,
		head:        head,
		clients:     NewClientTable(),
		log:         log,
		broadcaster: broadcaster,
		logger:      logger.With(zap.String("channel", channel)),
	}, nil
}

// Channel은 채널 ID를 반환합니다.
func (s *Sequencer) Channel() string {
	return s.channel
}

// Head는 마지막으로 할당된 seq를 반환합니다.
func (s *Sequencer) Head() int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.head
}

// Clients는 클라이언트 테이블을 반환합니다.
func (s *Sequencer) Clients() *ClientTable {
	return s.clients
}

// Join은 클라이언트를 현재 head 위치로 등록하고 head를 반환합니다.
func (s *Sequencer) Join(client common.ClientID) int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clients.Join(client, s.head)
	s.logger.Debug("Client joined", zap.String("client", client.Short()), zap.Int64("head", s.head))
	return s.head
}

// Leave는 클라이언트를 제거합니다.
func (s *Sequencer) Leave(client common.ClientID) {
	s.clients.Leave(client)
	s.logger.Debug("Client left", zap.String("client", client.Short()))
}

// Submit은 메시지에 seq와 minSeq를 할당하고 로그에 추가한 뒤 브로드캐스트합니다.
// 반환되는 메시지는 입력의 복사본입니다.
func (s *Sequencer) Submit(ctx context.Context, msg *seqop.Message) (*seqop.Message, error) {
	if err := msg.Op.Validate(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if msg.RefSeq > s.head {
		return nil, common.ErrInvalidOperation{Message: fmt.Sprintf("refSeq %d ahead of head %d", msg.RefSeq, s.head)}
	}
	if min := s.clients.MinSeq(s.head); msg.RefSeq < min {
		return nil, common.ErrInvalidOperation{Message: fmt.Sprintf("refSeq %d below minSeq %d", msg.RefSeq, min)}
	}

	out := msg.Clone()
	out.Seq = s.head + 1
	out.Timestamp = time.Now().UnixNano()
	s.clients.Join(msg.ClientID, msg.RefSeq)
	s.clients.Update(msg.ClientID, msg.RefSeq)
	out.MinSeq = s.clients.MinSeq(out.Seq)

	if err := s.log.Append(ctx, s.channel, out); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	s.head = out.Seq

	if s.broadcaster != nil {
		if err := s.broadcaster.Broadcast(ctx, s.channel, out); err != nil {
			// 구독자는 로그에서 누락된 메시지를 다시 가져옵니다.
			s.logger.Warn("Failed to broadcast message", zap.Int64("seq", out.Seq), zap.Error(err))
		}
	}
	return out, nil
}

// Service는 채널별 시퀀서를 관리하는 프로세스 내 순서 서비스입니다.
type Service struct {
	log         OpLog
	broadcaster Broadcaster
	logger      *zap.Logger

	sequencers map[string]*Sequencer
	mutex      sync.Mutex
}

// NewService는 새 순서 서비스를 생성합니다.
func NewService(log OpLog, broadcaster Broadcaster, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		log:         log,
		broadcaster: broadcaster,
		logger:      logger,
		sequencers:  make(map[string]*Sequencer),
	}
}

// Sequencer는 채널의 시퀀서를 반환하며, 없으면 생성합니다.
func (svc *Service) Sequencer(ctx context.Context, channel string) (*Sequencer, error) {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	if s, ok := svc.sequencers[channel]; ok {
		return s, nil
	}
	s, err := NewSequencer(ctx, channel, svc.log, svc.broadcaster, svc.logger)
	if err != nil {
		return nil, err
	}
	svc.sequencers[channel] = s
	return s, nil
}

// Submit은 채널의 시퀀서에 메시지를 제출합니다.
func (svc *Service) Submit(ctx context.Context, channel string, msg *seqop.Message) (*seqop.Message, error) {
	s, err := svc.Sequencer(ctx, channel)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, msg)
}

// Read는 채널 로그에서 from 이후의 메시지를 반환합니다.
func (svc *Service) Read(ctx context.Context, channel string, from int64) ([]*seqop.Message, error) {
	return svc.log.Read(ctx, channel, from)
}

// Join은 클라이언트를 채널에 등록합니다.
func (svc *Service) Join(ctx context.Context, channel string, client common.ClientID) (int64, error) {
	s, err := svc.Sequencer(ctx, channel)
	if err != nil {
		return 0, err
	}
	return s.Join(client), nil
}

// Leave는 클라이언트를 채널에서 제거합니다.
func (svc *Service) Leave(ctx context.Context, channel string, client common.ClientID) error {
	s, err := svc.Sequencer(ctx, channel)
	if err != nil {
		return err
	}
	s.Leave(client)
	return nil
}

// Exists는 채널에 메시지가 있거나 시퀀서가 있는지 확인합니다.
func (svc *Service) Exists(ctx context.Context, channel string) (bool, error) {
	svc.mutex.Lock()
	_, ok := svc.sequencers[channel]
	svc.mutex.Unlock()
	if ok {
		return true, nil
	}
	head, err := svc.log.Head(ctx, channel)
	if err != nil {
		return false, err
	}
	return head > 0, nil
}

// Close는 로그와 브로드캐스터를 종료합니다.
func (svc *Service) Close() error {
	var firstErr error
	if svc.broadcaster != nil {
		if err := svc.broadcaster.Close(); err != nil {
			firstErr = err
		}
	}
	if err := svc.log.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
