package seqstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// StorageOptions는 저장소 옵션을 나타냅니다.
type StorageOptions struct {
	// Type은 어댑터 유형입니다.
	// 지원되는 값: "memory", "redis"
	Type string

	// RedisAddr은 Redis 서버 주소입니다.
	RedisAddr string

	// RedisPassword는 Redis 서버 비밀번호입니다.
	RedisPassword string

	// RedisDB는 Redis 데이터베이스 번호입니다.
	RedisDB int

	// KeyPrefix는 Redis 키 접두사입니다.
	KeyPrefix string
}

// DefaultStorageOptions는 기본 저장소 옵션을 반환합니다.
func DefaultStorageOptions() *StorageOptions {
	return &StorageOptions{
		Type:      "memory",
		RedisAddr: "localhost:6379",
		KeyPrefix: "prosesync",
	}
}

// NewAdapter는 옵션에 맞는 어댑터를 생성합니다.
func NewAdapter(ctx context.Context, options *StorageOptions) (Adapter, error) {
	if options == nil {
		options = DefaultStorageOptions()
	}
	switch options.Type {
	case "", "memory":
		return NewMemoryAdapter(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     options.RedisAddr,
			Password: options.RedisPassword,
			DB:       options.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		adapter := NewRedisAdapter(client, options.KeyPrefix)
		adapter.ownsClient = true
		return adapter, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", options.Type)
	}
}
