package seqstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"
)

// RedisAdapter는 Redis 기반 어댑터입니다. 문서의 항목은 하나의 해시에 저장됩니다.
type RedisAdapter struct {
	// client는 Redis 클라이언트입니다.
	client *redis.Client

	// keyPrefix는 Redis 키 접두사입니다.
	keyPrefix string

	// ownsClient는 Close가 클라이언트를 닫는지 여부입니다.
	ownsClient bool
}

// NewRedisAdapter는 새 Redis 어댑터를 생성합니다.
func NewRedisAdapter(client *redis.Client, keyPrefix string) *RedisAdapter {
	return &RedisAdapter{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// getDocumentKey는 문서 ID에 대한 Redis 키를 반환합니다.
func (a *RedisAdapter) getDocumentKey(documentID string) string {
	return fmt.Sprintf("%s:doc:%s:root", a.keyPrefix, documentID)
}

// Get은 항목 값을 반환합니다.
func (a *RedisAdapter) Get(ctx context.Context, documentID, key string) (string, bool, error) {
	value, err := a.client.HGet(ctx, a.getDocumentKey(documentID), key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get root entry: %w", err)
	}
	return value, true, nil
}

// SetIfAbsent는 HSETNX로 항목이 없을 때만 값을 저장합니다.
func (a *RedisAdapter) SetIfAbsent(ctx context.Context, documentID, key, value string) (bool, error) {
	ok, err := a.client.HSetNX(ctx, a.getDocumentKey(documentID), key, value).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set root entry: %w", err)
	}
	return ok, nil
}

// Set은 항목 값을 저장합니다.
func (a *RedisAdapter) Set(ctx context.Context, documentID, key, value string) error {
	if err := a.client.HSet(ctx, a.getDocumentKey(documentID), key, value).Err(); err != nil {
		return fmt.Errorf("failed to set root entry: %w", err)
	}
	return nil
}

// Keys는 문서의 모든 키를 정렬하여 반환합니다.
func (a *RedisAdapter) Keys(ctx context.Context, documentID string) ([]string, error) {
	keys, err := a.client.HKeys(ctx, a.getDocumentKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list root entries: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close는 어댑터가 소유한 클라이언트를 닫습니다.
func (a *RedisAdapter) Close() error {
	if a.ownsClient {
		return a.client.Close()
	}
	return nil
}
