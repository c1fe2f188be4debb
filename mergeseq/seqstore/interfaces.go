package seqstore

import (
	"context"
)

// Adapter는 문서별 루트 키-값 항목을 저장하는 어댑터 인터페이스입니다.
type Adapter interface {
	// Get은 항목 값을 반환합니다. 항목이 없으면 ok는 false입니다.
	Get(ctx context.Context, documentID, key string) (value string, ok bool, err error)

	// SetIfAbsent는 항목이 없을 때만 값을 저장하고 저장 여부를 반환합니다.
	SetIfAbsent(ctx context.Context, documentID, key, value string) (bool, error)

	// Set은 항목 값을 저장합니다.
	Set(ctx context.Context, documentID, key, value string) error

	// Keys는 문서의 모든 키를 반환합니다.
	Keys(ctx context.Context, documentID string) ([]string, error)

	// Close는 어댑터를 종료합니다.
	Close() error
}
