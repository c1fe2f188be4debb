package seqsync

import (
	"context"

	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
)

// OpLog는 채널별로 순서가 지정된 메시지를 보관하는 로그 인터페이스입니다.
type OpLog interface {
	// Append는 순서가 지정된 메시지를 로그 끝에 추가합니다. msg.Seq는 Head()+1이어야 합니다.
	Append(ctx context.Context, channel string, msg *seqop.Message) error

	// Read는 from보다 큰 seq를 가진 메시지를 순서대로 반환합니다.
	Read(ctx context.Context, channel string, from int64) ([]*seqop.Message, error)

	// Head는 마지막으로 추가된 메시지의 seq를 반환합니다. 빈 로그는 0입니다.
	Head(ctx context.Context, channel string) (int64, error)

	// Close는 로그를 종료합니다.
	Close() error
}

// Broadcaster는 순서가 지정된 메시지를 채널 구독자에게 전달합니다.
type Broadcaster interface {
	// Broadcast는 메시지를 채널의 모든 구독자에게 브로드캐스트합니다.
	Broadcast(ctx context.Context, channel string, msg *seqop.Message) error

	// Close는 브로드캐스터를 종료합니다.
	Close() error
}

// MessageHandler는 순서가 지정된 메시지를 받습니다.
type MessageHandler func(msg *seqop.Message)

// Connection은 한 클라이언트가 한 채널의 순서 서비스에 연결된 상태입니다.
type Connection interface {
	// ClientID는 연결된 클라이언트 ID를 반환합니다.
	ClientID() common.ClientID

	// Submit은 순서가 지정되지 않은 메시지를 순서 서비스에 제출합니다.
	Submit(ctx context.Context, msg *seqop.Message) error

	// Fetch는 from 이후의 순서가 지정된 메시지를 반환합니다.
	Fetch(ctx context.Context, from int64) ([]*seqop.Message, error)

	// Listen은 새로 순서가 지정된 메시지 수신을 시작합니다. 구독이 설정된 후 반환되며
	// handler는 메시지 순서대로 하나씩 호출됩니다.
	Listen(ctx context.Context, handler MessageHandler) error

	// Close는 연결을 종료하고 순서 서비스에서 클라이언트를 제거합니다.
	Close() error
}

// Dialer는 채널에 대한 연결을 생성합니다.
type Dialer interface {
	Dial(ctx context.Context, channel string, clientID common.ClientID) (Connection, error)
}
