package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript compare-and-delete
//
// GET 與 DEL 必須在同一個原子步驟內完成，
// 否則在兩者之間鎖可能已過期並被別人取得。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore 基於 Redis 的 Store
type RedisStore struct {
	client  redis.UniversalClient
	lockTTL time.Duration
}

// NewRedisStore 創建 Redis 儲存
//
// lockTTL 為 0 時鎖不會過期。
func NewRedisStore(client redis.UniversalClient, lockTTL time.Duration) *RedisStore {
	return &RedisStore{
		client:  client,
		lockTTL: lockTTL,
	}
}

// Get 讀取 JSON 值
func (s *RedisStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set 寫入 JSON 值
func (s *RedisStore) Set(ctx context.Context, key string, value any, opts SetOptions) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}

	if opts.OnlyIfAbsent {
		ok, err := s.client.SetNX(ctx, key, data, opts.TTL).Result()
		if err != nil {
			return false, fmt.Errorf("redis setnx %s: %w", key, err)
		}
		return ok, nil
	}

	if err := s.client.Set(ctx, key, data, opts.TTL).Err(); err != nil {
		return false, fmt.Errorf("redis set %s: %w", key, err)
	}
	return true, nil
}

// Exists 檢查鍵是否存在
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Delete 刪除鍵
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Lock SET NX 取得鎖
func (s *RedisStore) Lock(ctx context.Context, key string) (*Lock, error) {
	token := uuid.NewString()

	ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, contention(key)
	}

	return &Lock{key: key, token: token, owner: s}, nil
}

// Unlock 無條件刪除鎖
func (s *RedisStore) Unlock(ctx context.Context, key string) error {
	return s.Delete(ctx, key)
}

// release 只刪除仍屬於自己的鎖
func (s *RedisStore) release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("redis unlock %s: %w", key, err)
	}
	return nil
}

// Ping 健康檢查
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
