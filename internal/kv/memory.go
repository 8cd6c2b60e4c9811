package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	data     []byte
	expireAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// MemoryStore 記憶體實現
//
// 使用場景：單元測試、單節點開發（store.driver: memory）。
// 值同樣經過 JSON 序列化，行為與 Redis 一致（返回的是副本）。
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]memoryEntry
	lockTTL time.Duration
	now     func() time.Time
}

// NewMemoryStore 創建記憶體儲存
func NewMemoryStore(lockTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]memoryEntry),
		lockTTL: lockTTL,
		now:     time.Now,
	}
}

// getLocked 呼叫者需持有 mu
func (m *MemoryStore) getLocked(key string) (memoryEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(m.now()) {
		delete(m.data, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// Get 讀取 JSON 值
func (m *MemoryStore) Get(_ context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	e, ok := m.getLocked(key)
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.data, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set 寫入 JSON 值
func (m *MemoryStore) Set(_ context.Context, key string, value any, opts SetOptions) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.OnlyIfAbsent {
		if _, exists := m.getLocked(key); exists {
			return false, nil
		}
	}
	m.data[key] = memoryEntry{data: data, expireAt: m.expiry(opts.TTL)}
	return true, nil
}

// Exists 檢查鍵是否存在
func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.getLocked(key)
	return ok, nil
}

// Delete 刪除鍵
func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

// Lock 取得鎖
func (m *MemoryStore) Lock(_ context.Context, key string) (*Lock, error) {
	token := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.getLocked(key); exists {
		return nil, contention(key)
	}
	m.data[key] = memoryEntry{data: []byte(token), expireAt: m.expiry(m.lockTTL)}

	return &Lock{key: key, token: token, owner: m}, nil
}

// Unlock 無條件刪除鎖
func (m *MemoryStore) Unlock(ctx context.Context, key string) error {
	return m.Delete(ctx, key)
}

func (m *MemoryStore) release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.getLocked(key); ok && string(e.data) == token {
		delete(m.data, key)
	}
	return nil
}

// Keys 返回目前所有未過期的鍵（測試與 /stats 使用）
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if _, ok := m.getLocked(k); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// SetClock 測試用，替換時間來源
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
