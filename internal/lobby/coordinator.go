// Package lobby 實現遊戲房間的生命週期
//
// 系統設計問題：
//
//	玩家分散在多個大廳節點上，同時對同一個房間換隊、準備、開始遊戲；
//	開始遊戲又要等待外部 autohost 非同步回應。如何保持房間與每個玩家的
//	快取狀態一致？
//
// 核心挑戰：
//  1. 沒有進程內互斥：正確性完全依賴 KV 中的 advisory lock
//  2. 鎖失敗立即回報，不排隊、不自動重試
//  3. 任何錯誤路徑都必須釋放已取得的鎖
//  4. 房間改變後，每個成員的 userState.game 都要更新
//
// 設計方案：
//
//	✅ 固定流程：取鎖 → 讀取 → 驗證 → 修改 → 寫回 → 同步玩家快取 → 釋放鎖
//	✅ 釋放函數一律 defer，使用不受取消影響的 context
//	✅ 同步時並行取得每位玩家的 lock:userState:<name>
//	✅ autohost 指令透過 Dispatcher 以 correlation id 對應回應
package lobby

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/14-game-lobby/internal/autohost"
	"github.com/koopa0/system-design/14-game-lobby/internal/kv"
	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
	"github.com/koopa0/system-design/14-game-lobby/pkg/logger"
)

// 操作標籤，同時也是 gateway 的 action 名稱
const (
	OpJoinGame     = "JOINGAME"
	OpSetTeam      = "SETTEAM"
	OpSetMap       = "SETMAP"
	OpSetMod       = "SETMOD"
	OpSetAI        = "SETAI"
	OpDelAI        = "DELAI"
	OpHasMap       = "HASMAP"
	OpSetSpectator = "SETSPECTATOR"
	OpStartGame    = "STARTGAME"
	OpKillEngine   = "KILLENGINE"
	OpMidJoin      = "MIDJOIN"
	OpLeaveGame    = "LEAVEGAME"
	OpEndGame      = "GAMEENDED"
)

// Dispatcher autohost 調度
type Dispatcher interface {
	PickWorker() (string, error)
	Call(ctx context.Context, addr string, cmd autohost.Command, expect autohost.Expect, timeout time.Duration) (*autohost.Message, error)
	OnServerEnding(addr string, gameID int64, title string, handler autohost.EndingHandler) error
	GameID(addr, title string) (int64, bool)
}

// IDGenerator 房間 ID / run ID
type IDGenerator interface {
	Next() (int64, error)
}

// GameRecord 一局遊戲的紀錄
type GameRecord struct {
	Conf      GameConf  `json:"conf"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	TeamWin   int       `json:"teamWin"`
}

// Listener 遊戲開始 / 結束的通知
type Listener interface {
	GameStarted(ctx context.Context, room *Room, rec GameRecord)
	GameEnded(ctx context.Context, room *Room, rec GameRecord)
}

// Timeouts 等待 autohost 回應的時限
type Timeouts struct {
	StartGame  time.Duration
	KillEngine time.Duration
	MidJoin    time.Duration
}

// DefaultTimeouts startGame 30s / killEngine 5s / midJoin 2s
func DefaultTimeouts() Timeouts {
	return Timeouts{
		StartGame:  30 * time.Second,
		KillEngine: 5 * time.Second,
		MidJoin:    2 * time.Second,
	}
}

// Coordinator 房間協調器
type Coordinator struct {
	store      kv.Store
	dispatcher Dispatcher
	ids        IDGenerator
	listeners  []Listener
	timeouts   Timeouts
	endRetry   time.Duration
	newToken   func() string
	now        func() time.Time
	logger     *slog.Logger
}

// Option 協調器選項
type Option func(*Coordinator)

// WithTimeouts 設定 autohost 等待時限
func WithTimeouts(t Timeouts) Option {
	return func(c *Coordinator) { c.timeouts = t }
}

// WithListener 註冊遊戲事件監聽者
func WithListener(l Listener) Option {
	return func(c *Coordinator) { c.listeners = append(c.listeners, l) }
}

// WithEndGameRetry serverEnding 重新取鎖的最長重試時間
func WithEndGameRetry(d time.Duration) Option {
	return func(c *Coordinator) { c.endRetry = d }
}

// NewCoordinator 創建協調器
func NewCoordinator(store kv.Store, dispatcher Dispatcher, ids IDGenerator, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		ids:        ids,
		timeouts:   DefaultTimeouts(),
		endRetry:   10 * time.Second,
		newToken:   uuid.NewString,
		now:        time.Now,
		logger:     logger.With("component", "coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddListener 建構後註冊監聽者（gateway 與協調器互相引用時使用）
func (c *Coordinator) AddListener(l Listener) {
	c.listeners = append(c.listeners, l)
}

// GetRoom 讀取房間（不加鎖）
func (c *Coordinator) GetRoom(ctx context.Context, title string) (*Room, error) {
	room, err := c.loadRoom(ctx, title)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, apperrors.ErrRoomNotFound
	}
	return room, nil
}

// GetUserState 讀取玩家快取（不加鎖）
func (c *Coordinator) GetUserState(ctx context.Context, username string) (*UserState, error) {
	user, err := c.loadUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperrors.ErrPlayerNotFound
	}
	return user, nil
}

// observe 記錄操作耗時
func (c *Coordinator) observe(ctx context.Context, op string, start time.Time) {
	logger.Metrics(ctx, c.logger, op, time.Since(start))
}

// opError 為錯誤標上操作名稱；非 AppError 視為儲存故障
func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		if appErr.Op != "" {
			return err
		}
		return appErr.WithOp(op)
	}
	return apperrors.Wrap(err, apperrors.ErrCodeInternal, "store failure").WithOp(op)
}

func (c *Coordinator) loadRoom(ctx context.Context, title string) (*Room, error) {
	var room Room
	ok, err := c.store.Get(ctx, kv.RoomKey(title), &room)
	if err != nil || !ok {
		return nil, err
	}
	return &room, nil
}

func (c *Coordinator) saveRoom(ctx context.Context, room *Room) error {
	_, err := c.store.Set(ctx, kv.RoomKey(room.Title), room, kv.SetOptions{})
	return err
}

func (c *Coordinator) loadUser(ctx context.Context, username string) (*UserState, error) {
	var user UserState
	ok, err := c.store.Get(ctx, kv.UserStateKey(username), &user)
	if err != nil || !ok {
		return nil, err
	}
	return &user, nil
}

// notifyStarted / notifyEnded 通知所有監聽者
func (c *Coordinator) notifyStarted(ctx context.Context, room *Room, rec GameRecord) {
	for _, l := range c.listeners {
		l.GameStarted(ctx, room.Clone(), rec)
	}
}

func (c *Coordinator) notifyEnded(ctx context.Context, room *Room, rec GameRecord) {
	for _, l := range c.listeners {
		l.GameEnded(ctx, room.Clone(), rec)
	}
}
