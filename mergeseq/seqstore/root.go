package seqstore

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

const registeredPrefix = "registered/"

// RootStore는 한 문서의 키-값 루트입니다. 값은 문자열이며 보통 핸들입니다.
type RootStore struct {
	documentID string
	adapter    Adapter
	logger     *zap.Logger
}

// NewRootStore는 어댑터 위에 documentID의 루트를 생성합니다.
func NewRootStore(documentID string, adapter Adapter, logger *zap.Logger) *RootStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RootStore{
		documentID: documentID,
		adapter:    adapter,
		logger:     logger.With(zap.String("document", documentID)),
	}
}

// DocumentID는 루트가 속한 문서를 반환합니다.
func (r *RootStore) DocumentID() string {
	return r.documentID
}

// Get은 key에 저장된 값을 반환합니다.
func (r *RootStore) Get(ctx context.Context, key string) (string, bool, error) {
	return r.adapter.Get(ctx, r.documentID, key)
}

// SetIfAbsent는 key가 비어 있을 때만 값을 저장하고 저장 여부를 반환합니다.
func (r *RootStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	ok, err := r.adapter.SetIfAbsent(ctx, r.documentID, key, value)
	if err != nil {
		return false, err
	}
	if ok {
		r.logger.Debug("Root entry claimed", zap.String("key", key))
	}
	return ok, nil
}

// Set은 key에 값을 저장합니다.
func (r *RootStore) Set(ctx context.Context, key, value string) error {
	return r.adapter.Set(ctx, r.documentID, key, value)
}

// Register는 key 항목을 게시하여 다른 클라이언트가 참조된 채널을 사용 가능한 것으로 취급하게 합니다.
func (r *RootStore) Register(ctx context.Context, key string) error {
	return r.adapter.Set(ctx, r.documentID, registeredPrefix+key, "true")
}

// IsRegistered는 key 항목이 게시되었는지 확인합니다.
func (r *RootStore) IsRegistered(ctx context.Context, key string) (bool, error) {
	value, ok, err := r.adapter.Get(ctx, r.documentID, registeredPrefix+key)
	if err != nil {
		return false, err
	}
	return ok && value == "true", nil
}

// Keys는 루트의 사용자 키 목록을 반환합니다.
func (r *RootStore) Keys(ctx context.Context) ([]string, error) {
	all, err := r.adapter.Keys(ctx, r.documentID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for _, key := range all {
		if !strings.HasPrefix(key, registeredPrefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close는 어댑터를 닫습니다.
func (r *RootStore) Close() error {
	return r.adapter.Close()
}
