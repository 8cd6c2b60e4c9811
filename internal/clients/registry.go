// Package clients 管理已登入玩家的連接
//
// 系統設計問題：
//
//	房間操作需要把結果推送給其他玩家，但玩家連在哪一條 WebSocket 上？
//
// 設計方案：
//
//	✅ 只記錄「用戶名稱 → 連接」，不保存任何業務狀態
//	✅ 同一玩家重新登入時新連接取代舊連接，舊連接由呼叫者關閉
//	✅ Unregister 比對連接身分，避免舊連接斷線時把新連接移除
//	✅ Broadcast 盡力而為：找不到或緩衝已滿的接收者只記錄日誌
package clients

import (
	"log/slog"
	"sync"

	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
)

// Conn 可發送消息的連接
type Conn interface {
	Send(data []byte) error
}

// Registry 玩家連接表
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Conn // username -> conn
	logger  *slog.Logger
}

// NewRegistry 創建連接表
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		clients: make(map[string]Conn),
		logger:  logger.With("component", "clients"),
	}
}

// Register 登記連接，返回被取代的舊連接（沒有時為 nil）
func (r *Registry) Register(userID string, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.clients[userID]
	r.clients[userID] = conn
	if old == conn {
		return nil
	}
	return old
}

// Unregister 移除連接，只有目前登記的正是 conn 時才移除
func (r *Registry) Unregister(userID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.clients[userID]; ok && current == conn {
		delete(r.clients, userID)
		return true
	}
	return false
}

// Lookup 查詢連接
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.clients[userID]
	return conn, ok
}

// LookupMany 批量查詢，未連線的玩家直接略過
func (r *Registry) LookupMany(userIDs []string) map[string]Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found := make(map[string]Conn, len(userIDs))
	for _, id := range userIDs {
		if conn, ok := r.clients[id]; ok {
			found[id] = conn
		}
	}
	return found
}

// Send 發送給單一玩家
func (r *Registry) Send(userID string, data []byte) error {
	conn, ok := r.Lookup(userID)
	if !ok {
		return apperrors.ErrRecipientNotFound.WithDetails(userID)
	}
	return conn.Send(data)
}

// Broadcast 發送給多位玩家，返回成功送出的數量
func (r *Registry) Broadcast(userIDs []string, data []byte) int {
	sent := 0
	for id, conn := range r.LookupMany(userIDs) {
		if err := conn.Send(data); err != nil {
			r.logger.Warn("broadcast dropped", "user", id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Count 目前連線人數
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
