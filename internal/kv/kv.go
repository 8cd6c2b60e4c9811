// Package kv 實現大廳的 KV 儲存與 advisory lock
//
// 系統設計問題：
//
//	多個大廳節點同時修改同一個房間時，如何避免覆蓋彼此的寫入？
//
// 核心挑戰：
//  1. 房間與玩家狀態存放在外部 KV（Redis），不在進程記憶體
//  2. 同一房間的操作必須互斥，不同房間必須完全並行
//  3. 鎖失敗要立即回報，不能排隊（呼叫者自己決定是否重試）
//  4. 進程崩潰不能留下永久鎖
//
// 設計方案：
//
//	✅ SET NX：鍵不存在才寫入，成功即取得鎖
//	✅ 隨機 token：鎖值為 uuid，釋放時 compare-and-delete（Lua 腳本）
//	✅ TTL：鎖自動過期，崩潰後最多卡住 LockTTL
//	✅ JSON 值：與其他共用此 Redis 的服務保持相同格式
package kv

import (
	"context"
	"sync/atomic"
	"time"

	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
)

// SetOptions 寫入選項
type SetOptions struct {
	// TTL 為 0 表示不過期
	TTL time.Duration
	// OnlyIfAbsent 鍵不存在才寫入
	OnlyIfAbsent bool
}

// Store KV 儲存介面
//
// 每個呼叫都是一次網路往返，這一層不做重試。
type Store interface {
	// Get 讀取並反序列化到 dst，鍵不存在時返回 false
	Get(ctx context.Context, key string, dst any) (bool, error)
	// Set 序列化後寫入；OnlyIfAbsent 時返回是否由本次呼叫建立
	Set(ctx context.Context, key string, value any, opts SetOptions) (bool, error)
	// Exists 檢查鍵是否存在
	Exists(ctx context.Context, key string) (bool, error)
	// Delete 刪除鍵（不存在不算錯誤）
	Delete(ctx context.Context, keys ...string) error
	// Lock 嘗試取得鎖，從不阻塞；已被持有時返回 LOCK_CONTENTION
	Lock(ctx context.Context, key string) (*Lock, error)
	// Unlock 無條件刪除鎖（管理用途，不檢查持有者）
	Unlock(ctx context.Context, key string) error
}

// releaser 由具體實現提供 compare-and-delete
type releaser interface {
	release(ctx context.Context, key, token string) error
}

// Lock 已取得的 advisory lock
type Lock struct {
	key      string
	token    string
	owner    releaser
	released atomic.Bool
}

// Key 鎖的鍵
func (l *Lock) Key() string { return l.key }

// Token 持有者 token
func (l *Lock) Token() string { return l.token }

// Release 釋放鎖
//
// 只有 token 仍相符時才會刪除；重複呼叫是 no-op。
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return nil
	}
	return l.owner.release(ctx, l.key, l.token)
}

// contention 鎖已被持有
func contention(key string) error {
	return apperrors.ErrLockContention.WithDetails(key)
}
