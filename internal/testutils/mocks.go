package testutils

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/14-game-lobby/internal/autohost"
	"github.com/koopa0/system-design/14-game-lobby/internal/kv"
	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
)

// CallRecord FakeAutohost 收到的一次呼叫
type CallRecord struct {
	Addr    string
	Command autohost.Command
	Timeout time.Duration
}

// Responder 依指令決定回應
type Responder func(cmd autohost.Command) (*autohost.Message, error)

// FakeAutohost 實作協調器使用的 Dispatcher
//
// 預設對每個 Call 回應 Expect.Success 的第一個 action。
type FakeAutohost struct {
	mu         sync.Mutex
	workers    []string
	counter    int
	responders map[string]Responder
	calls      []CallRecord
	endings    map[int64]autohost.EndingHandler
	games      map[int64]string
}

// NewFakeAutohost 以給定的 worker 位址創建
func NewFakeAutohost(workers ...string) *FakeAutohost {
	return &FakeAutohost{
		workers:    workers,
		responders: make(map[string]Responder),
		endings:    make(map[int64]autohost.EndingHandler),
		games:      make(map[int64]string),
	}
}

// Respond 設定某個指令的回應
func (f *FakeAutohost) Respond(action string, r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responders[action] = r
}

// Calls 已收到的呼叫
func (f *FakeAutohost) Calls() []CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CallRecord(nil), f.calls...)
}

// PickWorker 依序輪詢
func (f *FakeAutohost) PickWorker() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.workers) == 0 {
		return "", apperrors.ErrNoWorkersAvailable
	}
	addr := f.workers[f.counter%len(f.workers)]
	f.counter++
	return addr, nil
}

// Call 記錄呼叫並回應
func (f *FakeAutohost) Call(ctx context.Context, addr string, cmd autohost.Command, expect autohost.Expect, timeout time.Duration) (*autohost.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, CallRecord{Addr: addr, Command: cmd, Timeout: timeout})
	r := f.responders[cmd.Action]
	f.mu.Unlock()

	if r != nil {
		return r(cmd)
	}
	if len(expect.Success) == 0 {
		return nil, apperrors.ErrAutohostTimeout
	}
	return Message(expect.Success[0], map[string]any{"port": 8452}), nil
}

// OnServerEnding 記錄 handler
func (f *FakeAutohost) OnServerEnding(addr string, gameID int64, title string, handler autohost.EndingHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endings[gameID] = handler
	f.games[gameID] = title
	return nil
}

// GameID 查詢房間的 run id
func (f *FakeAutohost) GameID(addr, title string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, t := range f.games {
		if t == title {
			return id, true
		}
	}
	return 0, false
}

// EndGame 模擬 worker 送出 serverEnding，同步執行 handler
func (f *FakeAutohost) EndGame(gameID int64, teamWin int) bool {
	f.mu.Lock()
	h := f.endings[gameID]
	title := f.games[gameID]
	delete(f.endings, gameID)
	delete(f.games, gameID)
	f.mu.Unlock()

	if h == nil {
		return false
	}
	h(*Message(autohost.ActionServerEnding, map[string]any{"id": gameID, "title": title, "teamWin": teamWin}))
	return true
}

// Message 建立 autohost 消息
func Message(action string, params any) *autohost.Message {
	data, _ := json.Marshal(params)
	return &autohost.Message{Action: action, Parameters: data}
}

// SequenceIDs 遞增 ID 產生器
type SequenceIDs struct {
	n atomic.Int64
}

// Next 下一個 ID（從 1 開始）
func (s *SequenceIDs) Next() (int64, error) {
	return s.n.Add(1), nil
}

// GatedStore 讓第一次讀取指定鍵時暫停，用於製造鎖重疊
type GatedStore struct {
	kv.Store

	key     string
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

// NewGatedStore 包裝 store，gate 作用在 key 上
func NewGatedStore(store kv.Store, key string) *GatedStore {
	return &GatedStore{
		Store:   store,
		key:     key,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

// Arm 啟用 gate（只作用一次）
func (g *GatedStore) Arm() { g.armed.Store(true) }

// Entered 有呼叫者停在 gate 上時關閉
func (g *GatedStore) Entered() <-chan struct{} { return g.entered }

// Release 放行停在 gate 上的呼叫者
func (g *GatedStore) Release() { close(g.release) }

// Get 實作 kv.Store
func (g *GatedStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	if key == g.key && g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return g.Store.Get(ctx, key, dst)
}

// FailingStore 讓指定鍵的寫入失敗
type FailingStore struct {
	kv.Store

	mu   sync.Mutex
	fail map[string]error
}

// NewFailingStore 包裝 store
func NewFailingStore(store kv.Store) *FailingStore {
	return &FailingStore{Store: store, fail: make(map[string]error)}
}

// FailSet 之後寫入 key 時返回 err
func (f *FailingStore) FailSet(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[key] = err
}

// Set 實作 kv.Store
func (f *FailingStore) Set(ctx context.Context, key string, value any, opts kv.SetOptions) (bool, error) {
	f.mu.Lock()
	err := f.fail[key]
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.Store.Set(ctx, key, value, opts)
}
