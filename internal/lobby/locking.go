package lobby

import (
	"context"
	"time"

	"github.com/koopa0/system-design/14-game-lobby/internal/kv"
	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
)

// releaseTimeout 釋放鎖時使用的獨立時限
const releaseTimeout = 3 * time.Second

// lockScope 要取得的鎖
type lockScope struct {
	room   string // 房間標題，空字串表示不鎖房間
	player string // 玩家名稱，空字串表示不鎖玩家

	roomOptional bool // 房間不存在時不報錯（joinGame 建房）
	loadPlayer   bool // 讀取 userState，不存在時報 PlayerNotFound
}

// held 已取得的鎖與讀取到的實體
type held struct {
	room  *Room
	user  *UserState
	locks []*kv.Lock
}

// acquire 取鎖並讀取實體
//
// 返回的 release 一定要呼叫（即使 err != nil 時為 no-op）；
// 它只釋放實際取得的鎖。
func (c *Coordinator) acquire(ctx context.Context, op string, scope lockScope) (*held, func(), error) {
	h := &held{}
	release := func() { c.releaseAll(ctx, op, h.locks) }

	if scope.room != "" {
		l, err := c.store.Lock(ctx, kv.RoomLockKey(scope.room))
		if err != nil {
			return nil, func() {}, opError(op, err)
		}
		h.locks = append(h.locks, l)
	}

	if scope.player != "" {
		l, err := c.store.Lock(ctx, kv.UserLockKey(scope.player))
		if err != nil {
			release()
			return nil, func() {}, opError(op, err)
		}
		h.locks = append(h.locks, l)
	}

	if scope.room != "" {
		room, err := c.loadRoom(ctx, scope.room)
		if err != nil {
			release()
			return nil, func() {}, opError(op, err)
		}
		if room == nil && !scope.roomOptional {
			release()
			return nil, func() {}, apperrors.ErrRoomNotFound.WithOp(op).WithDetails(scope.room)
		}
		h.room = room
	}

	if scope.player != "" && scope.loadPlayer {
		user, err := c.loadUser(ctx, scope.player)
		if err != nil {
			release()
			return nil, func() {}, opError(op, err)
		}
		if user == nil {
			release()
			return nil, func() {}, apperrors.ErrPlayerNotFound.WithOp(op).WithDetails(scope.player)
		}
		h.user = user
	}

	return h, release, nil
}

// releaseAll 依取得的相反順序釋放
//
// 呼叫者的 context 可能已取消（客戶端斷線、autohost 超時），
// 釋放使用獨立的 context，避免鎖殘留到 TTL 過期。
func (c *Coordinator) releaseAll(ctx context.Context, op string, locks []*kv.Lock) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	for i := len(locks) - 1; i >= 0; i-- {
		if locks[i] == nil {
			continue
		}
		if err := locks[i].Release(rctx); err != nil {
			c.logger.ErrorContext(ctx, "failed to release lock",
				"op", op,
				"key", locks[i].Key(),
				"error", err)
		}
	}
}

// updateUserState 在 lock:userState:<name> 保護下修改玩家快取
func (c *Coordinator) updateUserState(ctx context.Context, op, username string, mutate func(u *UserState)) (*UserState, error) {
	l, err := c.store.Lock(ctx, kv.UserStateLockKey(username))
	if err != nil {
		return nil, opError(op, err)
	}
	defer c.releaseAll(ctx, op, []*kv.Lock{l})

	user, err := c.loadUser(ctx, username)
	if err != nil {
		return nil, opError(op, err)
	}
	if user == nil {
		return nil, apperrors.ErrPlayerNotFound.WithOp(op).WithDetails(username)
	}

	mutate(user)
	if _, err := c.store.Set(ctx, kv.UserStateKey(username), user, kv.SetOptions{}); err != nil {
		return nil, opError(op, err)
	}
	return user, nil
}
