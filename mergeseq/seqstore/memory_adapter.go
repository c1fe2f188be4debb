package seqstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryAdapter는 메모리 기반 어댑터입니다.
type MemoryAdapter struct {
	// entries는 문서 ID에서 키-값 맵으로의 맵입니다.
	entries map[string]map[string]string

	// mutex는 맵에 대한 동시 접근을 보호합니다.
	mutex sync.RWMutex
}

// NewMemoryAdapter는 새 메모리 어댑터를 생성합니다.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		entries: make(map[string]map[string]string),
	}
}

// Get은 항목 값을 반환합니다.
func (a *MemoryAdapter) Get(ctx context.Context, documentID, key string) (string, bool, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	value, ok := a.entries[documentID][key]
	return value, ok, nil
}

// SetIfAbsent는 항목이 없을 때만 값을 저장합니다.
func (a *MemoryAdapter) SetIfAbsent(ctx context.Context, documentID, key, value string) (bool, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if _, ok := a.entries[documentID][key]; ok {
		return false, nil
	}
	a.setLocked(documentID, key, value)
	return true, nil
}

// Set은 항목 값을 저장합니다.
func (a *MemoryAdapter) Set(ctx context.Context, documentID, key, value string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.setLocked(documentID, key, value)
	return nil
}

func (a *MemoryAdapter) setLocked(documentID, key, value string) {
	doc, ok := a.entries[documentID]
	if !ok {
		doc = make(map[string]string)
		a.entries[documentID] = doc
	}
	doc[key] = value
}

// Keys는 문서의 모든 키를 정렬하여 반환합니다.
func (a *MemoryAdapter) Keys(ctx context.Context, documentID string) ([]string, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	keys := make([]string, 0, len(a.entries[documentID]))
	for key := range a.entries[documentID] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close는 아무 작업도 하지 않습니다.
func (a *MemoryAdapter) Close() error {
	return nil
}
