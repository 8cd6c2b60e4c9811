// Package autohost 管理遊戲引擎 worker 連接與指令調度
//
// 系統設計問題：
//
//	lobby 送出 startGame 後，回應要等 worker 啟動引擎才會非同步回來；
//	同一個 worker 上可能同時有多個 startGame 在等待。如何把回應對應回
//	正確的呼叫者？
//
// 核心挑戰：
//  1. 每個指令恰好解決一次（回應、拒絕、超時三選一）
//  2. 超時後不撤回指令，worker 仍可能完成動作
//  3. worker 斷線時，所有等待中的呼叫都要立即失敗
//  4. serverEnding 是 worker 主動推送，與任何指令無關
//
// 設計方案：
//
//	✅ correlation table：每個指令帶 uuid correlationId，回應原樣帶回
//	✅ pending entry 以 buffered channel 回傳結果，取出即刪除（單次使用）
//	✅ round-robin：原子計數器對排序後的位址取模
//	✅ serverEnding 依 game id 路由到 startGame 時註冊的 handler
package autohost

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"

	"github.com/google/uuid"
)

// worker 一個已註冊的 autohost
type worker struct {
	addr         string
	conn         Conn
	registeredAt time.Time
	games        map[int64]string // run id → 房間標題
	endings      map[int64]EndingHandler
}

// pendingCall 等待回應的指令
type pendingCall struct {
	addr   string
	action string
	expect Expect
	result chan callResult
}

type callResult struct {
	msg *Message
	err error
}

// WorkerInfo worker 快照
type WorkerInfo struct {
	Addr         string    `json:"addr"`
	Games        int       `json:"games"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Dispatcher autohost 註冊表與指令調度
type Dispatcher struct {
	mu      sync.RWMutex
	workers map[string]*worker

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	counter atomic.Uint64
	newID   func() string
	logger  *slog.Logger
}

// NewDispatcher 創建調度器
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		workers: make(map[string]*worker),
		pending: make(map[string]*pendingCall),
		newID:   uuid.NewString,
		logger:  logger.With("component", "autohost"),
	}
}

// Register 註冊 worker
//
// 同一位址重新註冊時以新連接取代舊連接；執行中的遊戲與其
// serverEnding handler 保留到新連接，舊連接上等待中的呼叫失敗。
func (d *Dispatcher) Register(addr string, conn Conn) {
	w := &worker{
		addr:         addr,
		conn:         conn,
		registeredAt: time.Now(),
		games:        make(map[int64]string),
		endings:      make(map[int64]EndingHandler),
	}

	d.mu.Lock()
	old, replaced := d.workers[addr]
	if replaced {
		w.games = old.games
		w.endings = old.endings
	}
	d.workers[addr] = w
	d.mu.Unlock()

	if replaced && old.conn != conn {
		d.logger.Warn("autohost re-registered, previous connection replaced",
			"addr", addr,
			"running_games", len(w.games))
		d.failPending(addr)
	}
	d.logger.Info("autohost registered", "addr", addr)
}

// Unregister 移除 worker
//
// 只有目前登記的連接與 conn 相同時才移除，避免舊連接的斷線
// 把剛重新註冊的新連接移除。
func (d *Dispatcher) Unregister(addr string, conn Conn) bool {
	d.mu.Lock()
	w, ok := d.workers[addr]
	if !ok || w.conn != conn {
		d.mu.Unlock()
		return false
	}
	delete(d.workers, addr)
	d.mu.Unlock()

	d.failPending(addr)
	if len(w.games) > 0 {
		d.logger.Warn("autohost disconnected with running games", "addr", addr, "games", len(w.games))
	}
	d.logger.Info("autohost unregistered", "addr", addr)
	return true
}

// failPending 讓某個 worker 所有等待中的呼叫失敗
func (d *Dispatcher) failPending(addr string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	for id, p := range d.pending {
		if p.addr != addr {
			continue
		}
		delete(d.pending, id)
		p.result <- callResult{err: apperrors.ErrWorkerNotFound.WithDetails(addr)}
	}
}

// PickWorker 輪詢選擇 worker
func (d *Dispatcher) PickWorker() (string, error) {
	d.mu.RLock()
	addrs := make([]string, 0, len(d.workers))
	for addr := range d.workers {
		addrs = append(addrs, addr)
	}
	d.mu.RUnlock()

	if len(addrs) == 0 {
		return "", apperrors.ErrNoWorkersAvailable
	}
	sort.Strings(addrs)

	n := d.counter.Add(1) - 1
	return addrs[n%uint64(len(addrs))], nil
}

// Workers 所有 worker 的快照
func (d *Dispatcher) Workers() []WorkerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]WorkerInfo, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, WorkerInfo{Addr: w.addr, Games: len(w.games), RegisteredAt: w.registeredAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Dispatch 送出指令，不等待回應
func (d *Dispatcher) Dispatch(ctx context.Context, addr string, cmd Command) error {
	return d.send(ctx, addr, cmd, "")
}

func (d *Dispatcher) send(ctx context.Context, addr string, cmd Command, correlationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.RLock()
	w, ok := d.workers[addr]
	d.mu.RUnlock()
	if !ok {
		return apperrors.ErrWorkerNotFound.WithDetails(addr)
	}

	data, err := json.Marshal(envelope{
		Action:        cmd.Action,
		Parameters:    cmd.Parameters,
		CorrelationID: correlationID,
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to encode command")
	}
	if err := w.conn.Send(data); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to send command").WithDetails(addr)
	}

	d.logger.DebugContext(ctx, "command dispatched",
		"addr", addr,
		"action", cmd.Action,
		"correlation_id", correlationID)
	return nil
}

// Call 送出指令並等待對應的回應
//
// 結果只有三種：
//   - Success 中的 action → 返回消息
//   - Reject 中的 action  → UPSTREAM_REJECTED（消息放在錯誤 details）
//   - 超時或 ctx 取消     → UPSTREAM_TIMEOUT，指令不撤回
func (d *Dispatcher) Call(ctx context.Context, addr string, cmd Command, expect Expect, timeout time.Duration) (*Message, error) {
	id := d.newID()
	p := &pendingCall{
		addr:   addr,
		action: cmd.Action,
		expect: expect,
		result: make(chan callResult, 1),
	}

	d.pendingMu.Lock()
	d.pending[id] = p
	d.pendingMu.Unlock()

	if err := d.send(ctx, addr, cmd, id); err != nil {
		d.removePending(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.result:
		return res.msg, res.err

	case <-timer.C:
		if d.removePending(id) {
			d.logger.WarnContext(ctx, "autohost call timed out",
				"addr", addr,
				"action", cmd.Action,
				"correlation_id", id,
				"timeout", timeout)
			return nil, apperrors.ErrAutohostTimeout.WithDetails(cmd.Action)
		}
		// 計時器與回應同時到達，回應已寫入 channel
		res := <-p.result
		return res.msg, res.err

	case <-ctx.Done():
		if d.removePending(id) {
			return nil, apperrors.ErrAutohostTimeout.WithDetails(cmd.Action).WithCause(ctx.Err())
		}
		res := <-p.result
		return res.msg, res.err
	}
}

// removePending 移除等待項，返回是否由本次呼叫移除
func (d *Dispatcher) removePending(id string) bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	if _, ok := d.pending[id]; !ok {
		return false
	}
	delete(d.pending, id)
	return true
}

// OnServerEnding 為一局遊戲註冊 serverEnding handler
func (d *Dispatcher) OnServerEnding(addr string, gameID int64, title string, handler EndingHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[addr]
	if !ok {
		return apperrors.ErrWorkerNotFound.WithDetails(addr)
	}
	w.games[gameID] = title
	w.endings[gameID] = handler
	return nil
}

// GameID 查詢某個房間在 worker 上的 run id
func (d *Dispatcher) GameID(addr, title string) (int64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	w, ok := d.workers[addr]
	if !ok {
		return 0, false
	}
	for id, t := range w.games {
		if t == title {
			return id, true
		}
	}
	return 0, false
}

// HandleMessage worker 讀取迴圈的入口
func (d *Dispatcher) HandleMessage(addr string, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		d.logger.Warn("malformed autohost message", "addr", addr, "error", err)
		return
	}

	switch msg.Action {
	case ActionServerEnding:
		d.serverEnding(addr, msg)
		return
	case ActionWorkerExists, ActionMapNotFound:
		d.logger.Info("autohost notice", "addr", addr, "action", msg.Action, "info", msg.Params().Info)
		if msg.CorrelationID == "" {
			return
		}
	}

	if !d.resolve(addr, msg) {
		d.logger.Warn("unmatched autohost message",
			"addr", addr,
			"action", msg.Action,
			"correlation_id", msg.CorrelationID)
	}
}

// resolve 把回應交給等待中的呼叫
//
// 沒有 correlationId 的回應只在同一 worker 上恰好有一個候選時才接受。
func (d *Dispatcher) resolve(addr string, msg Message) bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	id := msg.CorrelationID
	if id == "" {
		var candidates []string
		for pid, p := range d.pending {
			if p.addr == addr && p.expect.matches(msg.Action) {
				candidates = append(candidates, pid)
			}
		}
		if len(candidates) != 1 {
			return false
		}
		id = candidates[0]
	}

	p, ok := d.pending[id]
	if !ok || p.addr != addr || !p.expect.matches(msg.Action) {
		return false
	}
	delete(d.pending, id)

	if p.expect.rejected(msg.Action) {
		p.result <- callResult{
			msg: &msg,
			err: apperrors.New(apperrors.ErrCodeUpstreamRejected, p.action+" rejected").WithDetails(msg.Params().Info),
		}
		return true
	}
	p.result <- callResult{msg: &msg}
	return true
}

func (d *Dispatcher) serverEnding(addr string, msg Message) {
	params := msg.Params()

	d.mu.Lock()
	w, ok := d.workers[addr]
	var handler EndingHandler
	if ok {
		handler = w.endings[params.ID]
		delete(w.endings, params.ID)
		delete(w.games, params.ID)
	}
	d.mu.Unlock()

	if handler == nil {
		d.logger.Warn("serverEnding for unknown game", "addr", addr, "game_id", params.ID, "title", params.Title)
		return
	}

	d.logger.Info("server ending", "addr", addr, "game_id", params.ID, "title", params.Title)
	go handler(msg)
}

// Close 讓所有等待中的呼叫失敗
func (d *Dispatcher) Close() {
	d.mu.RLock()
	addrs := make([]string, 0, len(d.workers))
	for addr := range d.workers {
		addrs = append(addrs, addr)
	}
	d.mu.RUnlock()

	for _, addr := range addrs {
		d.failPending(addr)
	}
}
